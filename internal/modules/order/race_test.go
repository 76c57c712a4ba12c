// README: Concurrency tests for order state transitions against PostgreSQL (run with -race).
package order

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"ifarma/internal/migrations"
	"ifarma/internal/modules/pricing"
	"ifarma/internal/types"
)

type fixedQuoter struct{}

func (fixedQuoter) Quote(_ context.Context, pharmacyID types.ID, _ types.Point, subtotal decimal.Decimal) (*pricing.Quote, error) {
	fee := decimal.RequireFromString("5.00")
	return &pricing.Quote{
		PharmacyID: pharmacyID,
		Pickup:     types.Point{Lat: -23.5505, Lng: -46.6333},
		DistanceKm: 3,
		Subtotal:   subtotal,
		Fee:        fee,
		Total:      subtotal.Add(fee),
	}, nil
}

func TestConcurrentCancelVsPrepare(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	svc := NewService(store, store, fixedQuoter{}, nil)
	o := mustCreateOrder(t, svc)

	var wg sync.WaitGroup
	errs := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := svc.RequestTransition(ctx, TransitionCommand{OrderID: o.ID, Target: StatusPreparing, Role: RolePharmacy, ActorID: "ph_race"})
		errs <- err
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := svc.Cancel(ctx, o.ID, RoleCustomer, "cust_race", "Desisti da compra")
		errs <- err
	}()

	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		if !errors.Is(err, ErrConflict) && !errors.Is(err, ErrAlreadyTerminal) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success < 1 {
		t.Fatalf("expected at least one success, got %d", success)
	}

	got, err := svc.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.Status != StatusPreparing && got.Status != StatusCancelled {
		t.Fatalf("unexpected final status: %s", got.Status)
	}
	if (got.Status == StatusCancelled) != (got.CancellationReason != nil) {
		t.Fatalf("cancellation reason must be present iff cancelled: %+v", got)
	}
}

// Two orders racing for the one idle courier: exactly one wins.
func TestConcurrentAssignSameCourier(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	svc := NewService(store, store, fixedQuoter{}, nil)

	first := mustCreateOrder(t, svc)
	second := mustCreateOrder(t, svc)
	for _, o := range []*Order{first, second} {
		if _, err := svc.RequestTransition(ctx, TransitionCommand{OrderID: o.ID, Target: StatusPreparing, Role: RoleSystem}); err != nil {
			t.Fatalf("prepare: %v", err)
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, o := range []*Order{first, second} {
		wg.Add(1)
		go func(id types.ID) {
			defer wg.Done()
			_, err := svc.AssignCourier(ctx, AssignCommand{OrderID: id, CourierID: "courier_race", Role: RoleSystem})
			errs <- err
		}(o.ID)
	}
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		if !errors.Is(err, ErrCourierUnavailable) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly one assignment, got %d", success)
	}

	var bound int
	err := store.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM orders
		WHERE courier_id = 'courier_race' AND status NOT IN ('entregue', 'cancelado')`).Scan(&bound)
	if err != nil {
		t.Fatalf("count bound orders: %v", err)
	}
	if bound != 1 {
		t.Fatalf("courier bound to %d active orders", bound)
	}
}

func TestDeliveryClearsCourierPointer(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	svc := NewService(store, store, fixedQuoter{}, nil)
	o := mustCreateOrder(t, svc)

	if _, err := svc.RequestTransition(ctx, TransitionCommand{OrderID: o.ID, Target: StatusPreparing, Role: RoleSystem}); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if _, err := svc.AssignCourier(ctx, AssignCommand{OrderID: o.ID, CourierID: "courier_race", Role: RoleSystem}); err != nil {
		t.Fatalf("assign: %v", err)
	}
	for _, s := range []Status{StatusOutForDelivery, StatusDelivered} {
		if _, err := svc.RequestTransition(ctx, TransitionCommand{OrderID: o.ID, Target: s, Role: RoleCourier, ActorID: "courier_race"}); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}

	got, err := svc.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.CourierID != nil || got.DeliveredAt == nil {
		t.Fatalf("delivered order should have no courier and a delivered_at: %+v", got)
	}
	var pointer *string
	if err := store.db.QueryRow(ctx, `SELECT current_order_id FROM couriers WHERE id = 'courier_race'`).Scan(&pointer); err != nil {
		t.Fatalf("read courier pointer: %v", err)
	}
	if pointer != nil {
		t.Fatalf("courier pointer should be cleared, got %s", *pointer)
	}
}

// Store-level check of the conditional writes with no service pre-read:
// both claims carry a valid order version, so only the courier guard
// decides the race.
func TestStoreAssignAndDeliverConditionalWrites(t *testing.T) {
	ctx := context.Background()
	store := setupTestStore(t)
	svc := NewService(store, store, fixedQuoter{}, nil)

	orders := []*Order{mustCreateOrder(t, svc), mustCreateOrder(t, svc)}
	for i, o := range orders {
		if _, err := svc.RequestTransition(ctx, TransitionCommand{OrderID: o.ID, Target: StatusPreparing, Role: RoleSystem}); err != nil {
			t.Fatalf("prepare: %v", err)
		}
		fresh, err := store.Get(ctx, o.ID)
		if err != nil {
			t.Fatalf("get order: %v", err)
		}
		orders[i] = fresh
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(orders))
	for _, o := range orders {
		wg.Add(1)
		go func(o *Order) {
			defer wg.Done()
			errs <- store.Assign(ctx, Assignment{
				OrderID:   o.ID,
				CourierID: "courier_race",
				From:      o.Status,
				To:        StatusReadyForPickup,
				Version:   o.StatusVersion,
				At:        time.Now().UTC(),
			})
		}(o)
	}
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		if !errors.Is(err, ErrCourierUnavailable) {
			t.Fatalf("losing claim: expected courier unavailable, got %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly one claim, got %d", success)
	}

	var winner *Order
	for _, o := range orders {
		cur, err := store.Get(ctx, o.ID)
		if err != nil {
			t.Fatalf("get order: %v", err)
		}
		if cur.HasCourier() {
			winner = cur
		} else if cur.Status != StatusPreparing {
			t.Fatalf("losing order must be left untouched, got %s", cur.Status)
		}
	}
	if winner == nil || winner.Status != StatusReadyForPickup {
		t.Fatalf("winning order should be pronto_entrega with a courier: %+v", winner)
	}

	// A stale version loses without touching the row.
	ok, err := store.UpdateStatus(ctx, StatusUpdate{
		OrderID: winner.ID, From: winner.Status, To: StatusOutForDelivery,
		Version: winner.StatusVersion - 1, At: time.Now().UTC(),
	})
	if err != nil || ok {
		t.Fatalf("stale update should report a lost race, got ok=%v err=%v", ok, err)
	}

	cur := winner
	for _, next := range []Status{StatusOutForDelivery, StatusDelivered} {
		ok, err := store.UpdateStatus(ctx, StatusUpdate{
			OrderID: cur.ID, From: cur.Status, To: next, Version: cur.StatusVersion, At: time.Now().UTC(),
		})
		if err != nil || !ok {
			t.Fatalf("update to %s: ok=%v err=%v", next, ok, err)
		}
		if cur, err = store.Get(ctx, winner.ID); err != nil {
			t.Fatalf("get order: %v", err)
		}
	}
	if cur.CourierID != nil || cur.DeliveredAt == nil {
		t.Fatalf("delivered order should drop its courier and stamp delivered_at: %+v", cur)
	}
	var pointer *string
	if err := store.db.QueryRow(ctx, `SELECT current_order_id FROM couriers WHERE id = 'courier_race'`).Scan(&pointer); err != nil {
		t.Fatalf("read courier pointer: %v", err)
	}
	if pointer != nil {
		t.Fatalf("courier pointer should be NULL after entregue, got %s", *pointer)
	}
}

func mustCreateOrder(t *testing.T, svc *Service) *Order {
	t.Helper()
	o, err := svc.Create(context.Background(), CreateCommand{
		CustomerID:    "cust_race",
		PharmacyID:    "ph_race",
		Items:         []ItemRequest{{ProductID: "prod_race", Quantity: 1}},
		PaymentMethod: PaymentPix,
		Address:       "Rua da Consolação, 200",
		Dropoff:       types.Point{Lat: -23.5430, Lng: -46.6500},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return o
}

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := os.Getenv("IFARMA_TEST_DSN")
	if dsn == "" {
		t.Skip("IFARMA_TEST_DSN not set; skipping DB-backed race tests")
	}

	ctx := context.Background()
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	sqlDB := stdlib.OpenDBFromPool(db)
	defer sqlDB.Close()
	if err := migrations.Run(sqlDB); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	if _, err := db.Exec(ctx, `TRUNCATE TABLE order_state_events, order_items, route_history, orders, couriers, products, pharmacy_delivery_policies, pharmacies CASCADE`); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}
	seed := []string{
		`INSERT INTO pharmacies (id, name, owner_id, latitude, longitude) VALUES ('ph_race', 'Farmácia Teste', 'owner_race', -23.5505, -46.6333)`,
		`INSERT INTO products (id, pharmacy_id, name, price) VALUES ('prod_race', 'ph_race', 'Dipirona', 12.50)`,
		`INSERT INTO couriers (id, name, is_active, is_online) VALUES ('courier_race', 'Motoboy', TRUE, TRUE)`,
	}
	for _, stmt := range seed {
		if _, err := db.Exec(ctx, stmt); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	return NewStore(db)
}
