// README: State machine and role permission tables, no store needed.
package order

import (
	"testing"

	"ifarma/internal/types"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		// canonical forward path
		{StatusPending, StatusPreparing, true},
		{StatusPreparing, StatusAwaitingCourier, true},
		{StatusAwaitingCourier, StatusReadyForPickup, true},
		{StatusReadyForPickup, StatusOutForDelivery, true},
		{StatusOutForDelivery, StatusDelivered, true},
		// pharmacy may skip the courier wait
		{StatusPreparing, StatusReadyForPickup, true},
		// cancel from every non-terminal status
		{StatusPending, StatusCancelled, true},
		{StatusPreparing, StatusCancelled, true},
		{StatusAwaitingCourier, StatusCancelled, true},
		{StatusReadyForPickup, StatusCancelled, true},
		{StatusOutForDelivery, StatusCancelled, true},
		// terminal statuses are absorbing
		{StatusDelivered, StatusCancelled, false},
		{StatusCancelled, StatusPending, false},
		{StatusDelivered, StatusOutForDelivery, false},
		// skips and reversals
		{StatusPending, StatusDelivered, false},
		{StatusPending, StatusOutForDelivery, false},
		{StatusOutForDelivery, StatusPreparing, false},
		{StatusReadyForPickup, StatusAwaitingCourier, false},
		{StatusNone, StatusCancelled, false},
	}
	for _, tc := range cases {
		got := CanTransition(tc.from, tc.to)
		if got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestNextWalksToDelivered(t *testing.T) {
	s := StatusPending
	var path []Status
	for {
		n, ok := Next(s)
		if !ok {
			break
		}
		if !CanTransition(s, n) {
			t.Fatalf("Next(%s) = %s is not a legal transition", s, n)
		}
		path = append(path, n)
		s = n
	}
	if s != StatusDelivered {
		t.Fatalf("canonical path ends at %s, want %s", s, StatusDelivered)
	}
	if len(path) != 5 {
		t.Fatalf("expected 5 steps, got %v", path)
	}
	if _, ok := Next(StatusCancelled); ok {
		t.Fatal("cancelado must have no successor")
	}
}

func TestPermits(t *testing.T) {
	cases := []struct {
		role   Role
		target Status
		want   bool
	}{
		{RoleCustomer, StatusCancelled, true},
		{RoleCustomer, StatusPreparing, false},
		{RoleCustomer, StatusDelivered, false},
		{RolePharmacy, StatusPreparing, true},
		{RolePharmacy, StatusReadyForPickup, true},
		{RolePharmacy, StatusCancelled, true},
		{RolePharmacy, StatusDelivered, false},
		{RoleCourier, StatusOutForDelivery, true},
		{RoleCourier, StatusDelivered, true},
		{RoleCourier, StatusCancelled, false},
		{RoleCourier, StatusPreparing, false},
		{RoleAdmin, StatusDelivered, true},
		{RoleSystem, StatusPreparing, true},
		{Role("stranger"), StatusCancelled, false},
	}
	for _, tc := range cases {
		if got := Permits(tc.role, tc.target); got != tc.want {
			t.Errorf("Permits(%s, %s) = %v, want %v", tc.role, tc.target, got, tc.want)
		}
	}
}

func TestStatusClasses(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusPreparing, StatusOutForDelivery} {
		if !s.Active() {
			t.Errorf("%s should count as active", s)
		}
	}
	for _, s := range []Status{StatusAwaitingCourier, StatusReadyForPickup, StatusDelivered, StatusCancelled} {
		if s.Active() {
			t.Errorf("%s should not count as active", s)
		}
	}
	if _, ok := ParseStatus("em_rota"); !ok {
		t.Error("em_rota should parse")
	}
	if _, ok := ParseStatus("none"); ok {
		t.Error("none is not a requestable status")
	}
}

func TestCloneIsDeep(t *testing.T) {
	c := types.ID("c1")
	reason := "sem estoque"
	o := &Order{ID: "o1", CourierID: &c, CancellationReason: &reason}
	cp := o.Clone()
	*cp.CourierID = "c2"
	*cp.CancellationReason = "outro"
	if *o.CourierID != "c1" || *o.CancellationReason != "sem estoque" {
		t.Fatal("clone shares pointers with the original")
	}
}
