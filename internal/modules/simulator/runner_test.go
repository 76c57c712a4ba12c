package simulator_test

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ifarma/internal/config"
	"ifarma/internal/memstore"
	"ifarma/internal/modules/courier"
	"ifarma/internal/modules/dispatch"
	"ifarma/internal/modules/order"
	"ifarma/internal/modules/pricing"
	"ifarma/internal/modules/simulator"
	"ifarma/internal/types"
)

func setup(t *testing.T, couriers ...courier.Courier) (*order.Service, *order.Order) {
	t.Helper()
	st := memstore.New()
	st.AddPharmacy(pricing.Pharmacy{
		ID: "ph1", OwnerID: "owner1", Location: types.Point{Lat: -23.5505, Lng: -46.6333},
		Policy: pricing.Policy{Model: pricing.FeeFixed, FixedFee: decimal.NewFromInt(5)},
	})
	st.AddProduct("ph1", "dipirona", decimal.RequireFromString("12.50"))
	for _, c := range couriers {
		st.AddCourier(c)
	}
	cfg := config.DispatchConfig{RadiusKm: 10, CandidateLimit: 20}
	orders := order.NewService(st.Orders(), st.Orders(), pricing.NewService(st.Pharmacies(), nil), nil)
	orders.SetDispatcher(dispatch.NewService(orders, courier.NewService(st.Couriers(), nil, cfg), cfg))

	o, err := orders.Create(context.Background(), order.CreateCommand{
		CustomerID: "cust1", PharmacyID: "ph1",
		Items:         []order.ItemRequest{{ProductID: "dipirona", Quantity: 2}},
		PaymentMethod: order.PaymentCash, Address: "Rua Augusta, 100",
		Dropoff: types.Point{Lat: -23.5310, Lng: -46.6130},
	})
	require.NoError(t, err)
	return orders, o
}

func quiet() *log.Logger { return log.New(io.Discard, "", 0) }

func TestTickWalksOrderToDelivery(t *testing.T) {
	orders, o := setup(t, courier.Courier{ID: "c1", IsActive: true, IsOnline: true})
	r := simulator.NewRunner(orders, time.Second, quiet())
	r.Watch(o.ID)
	ctx := context.Background()

	// pendente -> preparando -> aguardando_motoboy (auto-assigned to pronto_entrega) -> em_rota -> entregue
	want := []order.Status{order.StatusPreparing, order.StatusReadyForPickup, order.StatusOutForDelivery, order.StatusDelivered}
	for _, status := range want {
		r.Tick(ctx)
		got, err := orders.Get(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, status, got.Status)
	}
	assert.Empty(t, r.Watched(), "delivered order should be unwatched")
}

func TestTickWaitsForCourier(t *testing.T) {
	orders, o := setup(t)
	r := simulator.NewRunner(orders, time.Second, quiet())
	r.Watch(o.ID)
	ctx := context.Background()

	r.Tick(ctx)
	r.Tick(ctx)
	got, err := orders.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusAwaitingCourier, got.Status)

	for i := 0; i < 3; i++ {
		r.Tick(ctx)
	}
	got, _ = orders.Get(ctx, o.ID)
	assert.Equal(t, order.StatusAwaitingCourier, got.Status, "no courier means no progress")
	assert.Equal(t, []types.ID{o.ID}, r.Watched())
}

func TestTickDropsCancelledAndMissingOrders(t *testing.T) {
	orders, o := setup(t)
	ctx := context.Background()
	_, err := orders.Cancel(ctx, o.ID, order.RoleCustomer, "cust1", "mudei de ideia")
	require.NoError(t, err)

	r := simulator.NewRunner(orders, time.Second, quiet())
	r.Watch(o.ID)
	r.Watch("missing")
	r.Tick(ctx)
	assert.Empty(t, r.Watched())
}

func TestRunStopsWithContext(t *testing.T) {
	orders, o := setup(t)
	r := simulator.NewRunner(orders, 10*time.Millisecond, quiet())
	r.Watch(o.ID)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		got, _ := orders.Get(context.Background(), o.ID)
		return got.Status != order.StatusPending
	}, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runner did not stop")
	}
}
