// README: FanOut turns order changes and courier positions into notifications (debounce, rush mode, proximity).
package notify

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"ifarma/internal/config"
	"ifarma/internal/modules/courier"
	"ifarma/internal/modules/order"
	"ifarma/internal/types"
)

type Orders interface {
	Get(ctx context.Context, id types.ID) (*order.Order, error)
	CountActive(ctx context.Context) (int, error)
}

type FanOut struct {
	sink   Sink
	orders Orders
	once   OnceMarker
	cfg    config.NotifyConfig

	mu      sync.Mutex
	pending map[types.ID]*time.Timer
	closed  bool
	wg      sync.WaitGroup

	// rushMu serializes rush evaluation so edges go out in count order.
	rushMu sync.Mutex
	rush   bool
}

func NewFanOut(sink Sink, orders Orders, once OnceMarker, cfg config.NotifyConfig) *FanOut {
	return &FanOut{
		sink:    sink,
		orders:  orders,
		once:    once,
		cfg:     cfg,
		pending: make(map[types.ID]*time.Timer),
	}
}

func (f *FanOut) OnOrderChange(ctx context.Context, ch order.Change) {
	for _, m := range Route(ch) {
		f.deliver(ctx, m)
	}
	if ch.After == nil {
		return
	}
	f.scheduleMetrics(ctx, ch.After.PharmacyID)
	if ch.Kind == order.ChangeCreated || ch.Kind == order.ChangeStatus {
		f.checkRush(ctx, ch.At)
	}
	if ch.Kind == order.ChangeStatus && ch.After.Status.Terminal() {
		if err := f.once.Release(ctx, proximityKey(ch.After.ID)); err != nil {
			log.Printf("notify: release proximity marker for order %s: %v", ch.After.ID, err)
		}
	}
}

// OnCourierPosition forwards live positions to the customer and raises the
// proximity alert once per order.
func (f *FanOut) OnCourierPosition(ctx context.Context, p courier.Position) {
	o, err := f.orders.Get(ctx, p.OrderID)
	if err != nil {
		log.Printf("notify: load order %s for position: %v", p.OrderID, err)
		return
	}
	if !o.AssignedTo(p.CourierID) || o.Status.Terminal() {
		return
	}
	f.deliver(ctx, Message{
		Audience:    AudienceCustomer,
		RecipientID: o.CustomerID,
		Kind:        KindCourierPosition,
		OrderID:     o.ID,
		Status:      o.Status,
		DedupeKey:   dedupeKey(o.ID, "position:"+strconv.FormatInt(p.At.UnixNano(), 10)),
		Data: map[string]string{
			"orderId":   string(o.ID),
			"courierId": string(p.CourierID),
			"lat":       strconv.FormatFloat(p.Point.Lat, 'f', 6, 64),
			"lng":       strconv.FormatFloat(p.Point.Lng, 'f', 6, 64),
		},
		At: p.At,
	})

	if o.Status != order.StatusOutForDelivery || o.Dropoff == nil {
		return
	}
	if types.DistanceKm(p.Point, *o.Dropoff) >= f.cfg.ProximityRadiusKm {
		return
	}
	first, err := f.once.Mark(ctx, proximityKey(o.ID))
	if err != nil {
		log.Printf("notify: proximity marker for order %s: %v", o.ID, err)
		return
	}
	if first {
		f.deliver(ctx, proximityMessage(o, p.At))
	}
}

// scheduleMetrics restarts the pharmacy's debounce window; the refresh goes
// out once the window passes without another mutation.
func (f *FanOut) scheduleMetrics(ctx context.Context, pharmacyID types.ID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	if t, ok := f.pending[pharmacyID]; ok && t.Stop() {
		t.Reset(f.cfg.MerchantDebounce)
		return
	}

	bg := context.WithoutCancel(ctx)
	f.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(f.cfg.MerchantDebounce, func() {
		defer f.wg.Done()
		f.mu.Lock()
		if f.pending[pharmacyID] == t {
			delete(f.pending, pharmacyID)
		}
		f.mu.Unlock()

		now := time.Now().UTC()
		f.deliver(bg, Message{
			Audience:    AudiencePharmacy,
			RecipientID: pharmacyID,
			Kind:        KindMetricsRefresh,
			DedupeKey:   fmt.Sprintf("metrics:%s:%d", pharmacyID, now.UnixNano()),
			At:          now,
		})
	})
	f.pending[pharmacyID] = t
}

func (f *FanOut) checkRush(ctx context.Context, at time.Time) {
	f.rushMu.Lock()
	defer f.rushMu.Unlock()

	n, err := f.orders.CountActive(ctx)
	if err != nil {
		log.Printf("notify: count active orders: %v", err)
		return
	}
	on := n > f.cfg.RushThreshold
	if on == f.rush {
		return
	}
	f.rush = on

	f.deliver(ctx, Message{
		Audience:  AudienceAdmin,
		Kind:      KindRushMode,
		DedupeKey: fmt.Sprintf("rush:%t:%d", on, at.UnixNano()),
		Data:      map[string]string{"rush": strconv.FormatBool(on), "active": strconv.Itoa(n)},
		At:        at,
	})
}

// RushMode reports the last emitted rush-mode flag.
func (f *FanOut) RushMode() bool {
	f.rushMu.Lock()
	defer f.rushMu.Unlock()
	return f.rush
}

// Close drops pending metric refreshes and waits for any that already fired.
func (f *FanOut) Close() {
	f.mu.Lock()
	f.closed = true
	for id, t := range f.pending {
		if t.Stop() {
			f.wg.Done()
		}
		delete(f.pending, id)
	}
	f.mu.Unlock()
	f.wg.Wait()
}

func proximityKey(id types.ID) string { return "notify:proximity:" + string(id) }

func (f *FanOut) deliver(ctx context.Context, m Message) {
	if err := f.sink.Deliver(ctx, m); err != nil {
		log.Printf("notify: deliver %s to %s %s: %v", m.Kind, m.Audience, m.RecipientID, err)
	}
}
