package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"ifarma/internal/config"
	"ifarma/internal/memstore"
	"ifarma/internal/modules/courier"
	"ifarma/internal/modules/dispatch"
	"ifarma/internal/modules/order"
	"ifarma/internal/modules/pricing"
	"ifarma/internal/types"
)

var (
	pharmacyLoc = types.Point{Lat: -23.5505, Lng: -46.6333}
	customerLoc = types.Point{Lat: -23.5310, Lng: -46.6130}
)

type harness struct {
	store    *memstore.Store
	orders   *order.Service
	couriers *courier.Service
	dispatch *dispatch.Service
}

func newHarness(t *testing.T, couriers ...courier.Courier) *harness {
	t.Helper()
	st := memstore.New()
	st.AddPharmacy(pricing.Pharmacy{
		ID: "ph1", OwnerID: "owner1", Location: pharmacyLoc,
		Policy: pricing.Policy{Model: pricing.FeeFixed, FixedFee: decimal.NewFromInt(5)},
	})
	st.AddProduct("ph1", "dipirona", decimal.RequireFromString("12.50"))
	for _, c := range couriers {
		st.AddCourier(c)
	}
	cfg := config.DispatchConfig{RadiusKm: 10, CandidateLimit: 20}
	orders := order.NewService(st.Orders(), st.Orders(), pricing.NewService(st.Pharmacies(), nil), nil)
	cs := courier.NewService(st.Couriers(), nil, cfg)
	d := dispatch.NewService(orders, cs, cfg)
	orders.SetDispatcher(d)
	return &harness{store: st, orders: orders, couriers: cs, dispatch: d}
}

func (h *harness) readyOrder(t *testing.T) *order.Order {
	t.Helper()
	ctx := context.Background()
	o, err := h.orders.Create(ctx, order.CreateCommand{
		CustomerID:    "cust1",
		PharmacyID:    "ph1",
		Items:         []order.ItemRequest{{ProductID: "dipirona", Quantity: 1}},
		PaymentMethod: order.PaymentPix,
		Address:       "Rua Augusta, 100",
		Dropoff:       customerLoc,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, s := range []order.Status{order.StatusPreparing, order.StatusAwaitingCourier} {
		if _, err := h.orders.RequestTransition(ctx, order.TransitionCommand{OrderID: o.ID, Target: s, Role: order.RolePharmacy, ActorID: "ph1"}); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
	return o
}

func online(id types.ID, p *types.Point) courier.Courier {
	return courier.Courier{ID: id, IsActive: true, IsOnline: true, Position: p}
}

func TestAutoAssignPicksNearestIdleCourier(t *testing.T) {
	near := types.Point{Lat: -23.5510, Lng: -46.6340}
	far := types.Point{Lat: -23.6500, Lng: -46.7500}
	h := newHarness(t, online("far", &far), online("near", &near))
	o := h.readyOrder(t)

	got, err := h.dispatch.Assign(context.Background(), dispatch.Request{OrderID: o.ID, CourierID: dispatch.Auto, Role: order.RolePharmacy, ActorID: "ph1"})
	if err != nil {
		t.Fatalf("auto assign: %v", err)
	}
	if !got.AssignedTo("near") || got.Status != order.StatusReadyForPickup {
		t.Fatalf("expected near courier and pronto_entrega, got %v %s", got.CourierID, got.Status)
	}
}

func TestAutoAssignNoCourier(t *testing.T) {
	h := newHarness(t, courier.Courier{ID: "offline", IsActive: true, IsOnline: false})
	o := h.readyOrder(t)

	if _, err := h.dispatch.AutoAssign(context.Background(), o.ID); !errors.Is(err, order.ErrCourierUnavailable) {
		t.Fatalf("expected courier unavailable, got %v", err)
	}
}

func TestManualAssignChecks(t *testing.T) {
	busy := types.ID("other-order")
	h := newHarness(t,
		online("free", nil),
		courier.Courier{ID: "retired", IsActive: false},
		courier.Courier{ID: "taken", IsActive: true, IsOnline: true, CurrentOrderID: &busy},
	)
	o := h.readyOrder(t)
	ctx := context.Background()

	for _, id := range []types.ID{"ghost", "retired", "taken"} {
		_, err := h.dispatch.Assign(ctx, dispatch.Request{OrderID: o.ID, CourierID: id, Role: order.RoleAdmin})
		if !errors.Is(err, order.ErrCourierUnavailable) {
			t.Fatalf("courier %s: expected unavailable, got %v", id, err)
		}
	}
	if _, err := h.dispatch.Assign(ctx, dispatch.Request{OrderID: o.ID, Role: order.RoleAdmin}); !errors.Is(err, order.ErrBadRequest) {
		t.Fatalf("missing courier: expected bad request, got %v", err)
	}

	got, err := h.dispatch.Assign(ctx, dispatch.Request{OrderID: o.ID, CourierID: "free", Role: order.RolePharmacy, ActorID: "ph1"})
	if err != nil || !got.AssignedTo("free") {
		t.Fatalf("manual assign: %v", err)
	}
}

// Two orders racing for the only idle courier: one wins, the other reports
// the courier unavailable. Neither order is left half-bound.
func TestConcurrentAutoAssignOneCourier(t *testing.T) {
	for i := 0; i < 50; i++ {
		h := newHarness(t, online("solo", nil))
		a := h.readyOrder(t)
		b := h.readyOrder(t)

		var wg sync.WaitGroup
		errs := make(chan error, 2)
		for _, id := range []types.ID{a.ID, b.ID} {
			wg.Add(1)
			go func(id types.ID) {
				defer wg.Done()
				_, err := h.dispatch.AutoAssign(context.Background(), id)
				errs <- err
			}(id)
		}
		wg.Wait()
		close(errs)

		success := 0
		for err := range errs {
			if err == nil {
				success++
				continue
			}
			if !errors.Is(err, order.ErrCourierUnavailable) {
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if success != 1 {
			t.Fatalf("iteration %d: expected exactly one assignment, got %d", i, success)
		}

		bound := 0
		for _, id := range []types.ID{a.ID, b.ID} {
			o, _ := h.orders.Get(context.Background(), id)
			if o.HasCourier() {
				bound++
				if o.Status != order.StatusReadyForPickup {
					t.Fatalf("bound order should be pronto_entrega, got %s", o.Status)
				}
			} else if o.Status != order.StatusAwaitingCourier {
				t.Fatalf("unbound order should still await a courier, got %s", o.Status)
			}
		}
		if bound != 1 {
			t.Fatalf("iteration %d: courier bound to %d orders", i, bound)
		}
	}
}

func TestAssignBatchContinuesPastFailures(t *testing.T) {
	h := newHarness(t, online("c1", nil))
	first := h.readyOrder(t)
	second := h.readyOrder(t)

	results := h.dispatch.AssignBatch(context.Background(), dispatch.BatchRequest{
		OrderIDs:  []types.ID{first.ID, "missing", second.ID},
		CourierID: "c1",
		Role:      order.RoleAdmin,
	})
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Err != nil || !results[0].Order.AssignedTo("c1") {
		t.Fatalf("first order should be assigned: %v", results[0].Err)
	}
	if !errors.Is(results[1].Err, order.ErrNotFound) {
		t.Fatalf("missing order: expected not found, got %v", results[1].Err)
	}
	if !errors.Is(results[2].Err, order.ErrCourierUnavailable) {
		t.Fatalf("second order: courier already busy, got %v", results[2].Err)
	}
}

func TestTransitionWithAutoAssign(t *testing.T) {
	h := newHarness(t, online("c1", nil))
	ctx := context.Background()
	o, err := h.orders.Create(ctx, order.CreateCommand{
		CustomerID: "cust1", PharmacyID: "ph1",
		Items:         []order.ItemRequest{{ProductID: "dipirona", Quantity: 1}},
		PaymentMethod: order.PaymentPix, Address: "Rua Augusta, 100", Dropoff: customerLoc,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.orders.RequestTransition(ctx, order.TransitionCommand{OrderID: o.ID, Target: order.StatusPreparing, Role: order.RolePharmacy, ActorID: "ph1"}); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	got, err := h.orders.RequestTransition(ctx, order.TransitionCommand{
		OrderID: o.ID, Target: order.StatusAwaitingCourier, Role: order.RolePharmacy, ActorID: "ph1", AutoAssign: true,
	})
	if err != nil {
		t.Fatalf("await courier: %v", err)
	}
	if !got.AssignedTo("c1") || got.Status != order.StatusReadyForPickup {
		t.Fatalf("auto-assign should bind c1, got %v %s", got.CourierID, got.Status)
	}
}
