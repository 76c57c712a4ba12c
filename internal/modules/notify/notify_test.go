package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"firebase.google.com/go/v4/messaging"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ifarma/internal/config"
	"ifarma/internal/modules/courier"
	"ifarma/internal/modules/order"
	"ifarma/internal/types"
)

type recordingSink struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *recordingSink) Deliver(_ context.Context, m Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
	return nil
}

func (r *recordingSink) byKind(kind string) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Message
	for _, m := range r.msgs {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

type fakeOrders struct {
	mu     sync.Mutex
	orders map[types.ID]*order.Order
	active int
}

func (f *fakeOrders) Get(_ context.Context, id types.ID) (*order.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return o.Clone(), nil
}

func (f *fakeOrders) CountActive(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active, nil
}

func (f *fakeOrders) setActive(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = n
}

func testCfg() config.NotifyConfig {
	return config.NotifyConfig{
		MerchantDebounce:  40 * time.Millisecond,
		RushThreshold:     2,
		ProximityRadiusKm: 1,
	}
}

func sampleOrder(status order.Status) *order.Order {
	dropoff := types.Point{Lat: -23.5310, Lng: -46.6130}
	return &order.Order{
		ID:         "o1",
		CustomerID: "cust1",
		PharmacyID: "ph1",
		Status:     status,
		TotalPrice: decimal.RequireFromString("86.00"),
		Dropoff:    &dropoff,
	}
}

func withCourier(o *order.Order, id types.ID) *order.Order {
	o.CourierID = &id
	return o
}

func TestRoute(t *testing.T) {
	now := time.Now()

	t.Run("created", func(t *testing.T) {
		msgs := Route(order.Change{Kind: order.ChangeCreated, After: sampleOrder(order.StatusPending), At: now})
		require.Len(t, msgs, 2)
		assert.Equal(t, AudiencePharmacy, msgs[0].Audience)
		assert.Equal(t, KindNewOrder, msgs[0].Kind)
		assert.True(t, msgs[0].Push)
		assert.Contains(t, msgs[0].Body, "86.00")
		assert.Equal(t, AudienceAdmin, msgs[1].Audience)
		assert.Equal(t, "orders:admin", msgs[1].Channel())
	})

	t.Run("customer push statuses", func(t *testing.T) {
		for _, s := range []order.Status{order.StatusPreparing, order.StatusOutForDelivery, order.StatusDelivered, order.StatusCancelled} {
			msgs := Route(order.Change{Kind: order.ChangeStatus, Before: sampleOrder(order.StatusPending), After: sampleOrder(s), At: now})
			var customer []Message
			for _, m := range msgs {
				if m.Audience == AudienceCustomer {
					customer = append(customer, m)
				}
			}
			require.Len(t, customer, 1, "status %s", s)
			assert.True(t, customer[0].Push)
			assert.Equal(t, "o1:"+string(s), customer[0].DedupeKey)
			assert.Equal(t, "orders:customer:cust1", customer[0].Channel())
		}
	})

	t.Run("no customer push while waiting for courier", func(t *testing.T) {
		msgs := Route(order.Change{Kind: order.ChangeStatus, Before: sampleOrder(order.StatusPreparing), After: sampleOrder(order.StatusAwaitingCourier), At: now})
		for _, m := range msgs {
			assert.NotEqual(t, AudienceCustomer, m.Audience)
		}
	})

	t.Run("assignment", func(t *testing.T) {
		msgs := Route(order.Change{
			Kind:   order.ChangeAssigned,
			Before: sampleOrder(order.StatusAwaitingCourier),
			After:  withCourier(sampleOrder(order.StatusReadyForPickup), "c1"),
			At:     now,
		})
		require.NotEmpty(t, msgs)
		assert.Equal(t, AudienceCourier, msgs[0].Audience)
		assert.Equal(t, KindAssigned, msgs[0].Kind)
		assert.Equal(t, types.ID("c1"), msgs[0].RecipientID)
		assert.True(t, msgs[0].Push)
	})

	t.Run("release on delivery", func(t *testing.T) {
		msgs := Route(order.Change{
			Kind:   order.ChangeStatus,
			Before: withCourier(sampleOrder(order.StatusOutForDelivery), "c1"),
			After:  sampleOrder(order.StatusDelivered),
			At:     now,
		})
		var released bool
		for _, m := range msgs {
			if m.Audience == AudienceCourier && m.Kind == KindUnassigned && m.RecipientID == "c1" {
				released = true
			}
		}
		assert.True(t, released, "courier should be told the order left their queue")
	})
}

func TestFanOutDebouncesMerchantMetrics(t *testing.T) {
	sink := &recordingSink{}
	f := NewFanOut(sink, &fakeOrders{}, NewMemoryOnce(), testCfg())
	defer f.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		f.OnOrderChange(ctx, order.Change{Kind: order.ChangeStatus, Before: sampleOrder(order.StatusPending), After: sampleOrder(order.StatusPreparing), At: time.Now()})
		time.Sleep(5 * time.Millisecond)
	}

	assert.Eventually(t, func() bool { return len(sink.byKind(KindMetricsRefresh)) == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, sink.byKind(KindMetricsRefresh), 1, "burst must collapse into one refresh")
	assert.Equal(t, types.ID("ph1"), sink.byKind(KindMetricsRefresh)[0].RecipientID)
}

func TestFanOutRushModeEdges(t *testing.T) {
	sink := &recordingSink{}
	orders := &fakeOrders{}
	f := NewFanOut(sink, orders, NewMemoryOnce(), testCfg())
	defer f.Close()
	ctx := context.Background()
	created := order.Change{Kind: order.ChangeCreated, After: sampleOrder(order.StatusPending), At: time.Now()}

	orders.setActive(2)
	f.OnOrderChange(ctx, created)
	assert.Empty(t, sink.byKind(KindRushMode), "threshold itself is not rush")

	orders.setActive(3)
	f.OnOrderChange(ctx, created)
	f.OnOrderChange(ctx, created)
	rush := sink.byKind(KindRushMode)
	require.Len(t, rush, 1)
	assert.Equal(t, "true", rush[0].Data["rush"])
	assert.True(t, f.RushMode())

	orders.setActive(1)
	f.OnOrderChange(ctx, created)
	rush = sink.byKind(KindRushMode)
	require.Len(t, rush, 2)
	assert.Equal(t, "false", rush[1].Data["rush"])
}

// Changes race each other while the active count moves; the flag left
// behind must match the final count and the emitted edges must alternate.
func TestFanOutRushModeSettlesOnLastCount(t *testing.T) {
	for i := 0; i < 20; i++ {
		sink := &recordingSink{}
		orders := &fakeOrders{}
		f := NewFanOut(sink, orders, NewMemoryOnce(), testCfg())
		ctx := context.Background()
		created := order.Change{Kind: order.ChangeCreated, After: sampleOrder(order.StatusPending), At: time.Now()}

		var wg sync.WaitGroup
		for n := 0; n < 8; n++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				orders.setActive(n % 5)
				f.OnOrderChange(ctx, created)
			}(n)
		}
		wg.Wait()

		final, _ := orders.CountActive(ctx)
		assert.Equal(t, final > testCfg().RushThreshold, f.RushMode(), "iteration %d", i)
		rush := sink.byKind(KindRushMode)
		for j := 1; j < len(rush); j++ {
			assert.NotEqual(t, rush[j-1].Data["rush"], rush[j].Data["rush"], "edges must alternate")
		}
		if len(rush) > 0 {
			assert.Equal(t, strconv.FormatBool(f.RushMode()), rush[len(rush)-1].Data["rush"])
		}
		f.Close()
	}
}

func TestFanOutProximityOnce(t *testing.T) {
	sink := &recordingSink{}
	o := withCourier(sampleOrder(order.StatusOutForDelivery), "c1")
	orders := &fakeOrders{orders: map[types.ID]*order.Order{"o1": o}}
	f := NewFanOut(sink, orders, NewMemoryOnce(), testCfg())
	defer f.Close()
	ctx := context.Background()

	far := courier.Position{CourierID: "c1", OrderID: "o1", Point: types.Point{Lat: -23.5505, Lng: -46.6333}, At: time.Now()}
	f.OnCourierPosition(ctx, far)
	assert.Empty(t, sink.byKind(KindProximity))
	assert.Len(t, sink.byKind(KindCourierPosition), 1)

	nearby := courier.Position{CourierID: "c1", OrderID: "o1", Point: types.Point{Lat: -23.5320, Lng: -46.6135}, At: time.Now()}
	f.OnCourierPosition(ctx, nearby)
	f.OnCourierPosition(ctx, nearby)
	prox := sink.byKind(KindProximity)
	require.Len(t, prox, 1, "proximity alert must fire once per order")
	assert.Equal(t, types.ID("cust1"), prox[0].RecipientID)
	assert.True(t, prox[0].Push)

	other := courier.Position{CourierID: "c2", OrderID: "o1", Point: nearby.Point, At: time.Now()}
	f.OnCourierPosition(ctx, other)
	assert.Len(t, sink.byKind(KindCourierPosition), 3, "positions from another courier are ignored")
}

func TestFanOutProximityMarkerHeldUntilTerminal(t *testing.T) {
	sink := &recordingSink{}
	o := withCourier(sampleOrder(order.StatusOutForDelivery), "c1")
	orders := &fakeOrders{orders: map[types.ID]*order.Order{"o1": o}}
	once := NewMemoryOnce()
	f := NewFanOut(sink, orders, once, testCfg())
	defer f.Close()
	ctx := context.Background()

	nearby := courier.Position{CourierID: "c1", OrderID: "o1", Point: types.Point{Lat: -23.5320, Lng: -46.6135}, At: time.Now()}
	f.OnCourierPosition(ctx, nearby)
	require.Len(t, sink.byKind(KindProximity), 1)

	held, _ := once.Mark(ctx, proximityKey("o1"))
	assert.False(t, held, "marker must stay set while the order is en route")

	f.OnOrderChange(ctx, order.Change{Kind: order.ChangeStatus, Before: o, After: sampleOrder(order.StatusDelivered), At: time.Now()})
	released, _ := once.Mark(ctx, proximityKey("o1"))
	assert.True(t, released, "terminal orders release their marker")
}

func TestFanOutNoProximityBeforeRoute(t *testing.T) {
	sink := &recordingSink{}
	o := withCourier(sampleOrder(order.StatusReadyForPickup), "c1")
	orders := &fakeOrders{orders: map[types.ID]*order.Order{"o1": o}}
	f := NewFanOut(sink, orders, NewMemoryOnce(), testCfg())
	defer f.Close()

	f.OnCourierPosition(context.Background(), courier.Position{CourierID: "c1", OrderID: "o1", Point: *o.Dropoff, At: time.Now()})
	assert.Empty(t, sink.byKind(KindProximity))
}

type fakeInbox struct {
	mu     sync.Mutex
	seen   map[string]bool
	tokens map[types.ID][]string
}

func (f *fakeInbox) Save(_ context.Context, m Message) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := string(m.RecipientID) + "|" + m.DedupeKey
	if f.seen[key] {
		return false, nil
	}
	f.seen[key] = true
	return true, nil
}

func (f *fakeInbox) Tokens(_ context.Context, _ Audience, recipient types.ID) ([]string, error) {
	return f.tokens[recipient], nil
}

type fakePusher struct {
	sent []*messaging.MulticastMessage
}

func (p *fakePusher) SendEachForMulticast(_ context.Context, m *messaging.MulticastMessage) (*messaging.BatchResponse, error) {
	p.sent = append(p.sent, m)
	return &messaging.BatchResponse{SuccessCount: len(m.Tokens)}, nil
}

func TestPushSink(t *testing.T) {
	inbox := &fakeInbox{seen: map[string]bool{}, tokens: map[types.ID][]string{"cust1": {"tok-a", "tok-b"}}}
	pusher := &fakePusher{}
	sink := NewPushSink(inbox, pusher)
	ctx := context.Background()

	msg := Message{Audience: AudienceCustomer, RecipientID: "cust1", Kind: KindStatus, Title: "🚴 Pedido a Caminho", Body: "saiu", Push: true, DedupeKey: "o1:em_rota"}
	require.NoError(t, sink.Deliver(ctx, msg))
	require.NoError(t, sink.Deliver(ctx, msg))
	require.Len(t, pusher.sent, 1, "duplicate dedupe key must not push twice")
	assert.Equal(t, []string{"tok-a", "tok-b"}, pusher.sent[0].Tokens)
	assert.Equal(t, "high", pusher.sent[0].Android.Priority)

	require.NoError(t, sink.Deliver(ctx, Message{Audience: AudienceCustomer, RecipientID: "cust2", Title: "x", Push: true, DedupeKey: "o2:em_rota"}))
	require.NoError(t, sink.Deliver(ctx, Message{Audience: AudiencePharmacy, RecipientID: "ph1", Kind: KindMetricsRefresh, DedupeKey: "m"}))
	assert.Len(t, pusher.sent, 1, "no tokens or no title means no push")
}

func TestMemoryOnce(t *testing.T) {
	once := NewMemoryOnce()
	ctx := context.Background()
	first, err := once.Mark(ctx, "k")
	require.NoError(t, err)
	assert.True(t, first)
	again, _ := once.Mark(ctx, "k")
	assert.False(t, again)

	require.NoError(t, once.Release(ctx, "k"))
	after, _ := once.Mark(ctx, "k")
	assert.True(t, after, "a released key can be marked again")
}

func TestRedisOnce(t *testing.T) {
	addr := os.Getenv("IFARMA_REDIS_ADDR")
	if addr == "" {
		t.Skip("IFARMA_REDIS_ADDR not set; skipping integration test")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()
	ctx := context.Background()
	once := NewRedisOnce(rdb)
	key := fmt.Sprintf("notify:test:%d", time.Now().UnixNano())
	t.Cleanup(func() { _ = once.Release(ctx, key) })

	first, err := once.Mark(ctx, key)
	require.NoError(t, err)
	assert.True(t, first)
	again, err := once.Mark(ctx, key)
	require.NoError(t, err)
	assert.False(t, again)

	ttl, err := rdb.TTL(ctx, key).Result()
	require.NoError(t, err)
	assert.Equal(t, time.Duration(-1), ttl, "marker must not expire on its own")
}

func TestHubDeliversToSubscribedSocket(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = hub.Attach(w, r, ChannelFor(AudienceCustomer, "cust1"))
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	channel := ChannelFor(AudienceCustomer, "cust1")
	require.Eventually(t, func() bool { return hub.Subscribers(channel) == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Deliver(ctx, Message{Audience: AudienceAdmin, Kind: KindActivity, DedupeKey: "x"}))
	require.NoError(t, hub.Deliver(ctx, Message{Audience: AudienceCustomer, RecipientID: "cust1", Kind: KindStatus, OrderID: "o1", DedupeKey: "o1:em_rota"}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var got Message
	require.NoError(t, json.Unmarshal(payload, &got))
	assert.Equal(t, "o1:em_rota", got.DedupeKey, "admin traffic must not reach a customer channel")
}
