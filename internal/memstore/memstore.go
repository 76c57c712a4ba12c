// README: In-memory store used in local mode and tests. One mutex guards every table so
// conditional writes behave like the database's row-level updates.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"ifarma/internal/maps"
	"ifarma/internal/modules/courier"
	"ifarma/internal/modules/notify"
	"ifarma/internal/modules/order"
	"ifarma/internal/modules/pricing"
	"ifarma/internal/types"
)

type product struct {
	pharmacyID types.ID
	price      decimal.Decimal
	active     bool
}

type positionRow struct {
	CourierID types.ID
	OrderID   *types.ID
	Point     types.Point
	At        time.Time
}

type Store struct {
	mu            sync.Mutex
	pharmacies    map[types.ID]pricing.Pharmacy
	products      map[types.ID]product
	couriers      map[types.ID]*courier.Courier
	orders        map[types.ID]*order.Order
	items         map[types.ID][]order.LineItem
	events        map[types.ID][]order.Event
	eventSeq      int64
	history       []positionRow
	tokens        map[types.ID][]string
	notifications map[string]notify.Message
}

func New() *Store {
	return &Store{
		pharmacies:    make(map[types.ID]pricing.Pharmacy),
		products:      make(map[types.ID]product),
		couriers:      make(map[types.ID]*courier.Courier),
		orders:        make(map[types.ID]*order.Order),
		items:         make(map[types.ID][]order.LineItem),
		events:        make(map[types.ID][]order.Event),
		tokens:        make(map[types.ID][]string),
		notifications: make(map[string]notify.Message),
	}
}

func (s *Store) AddPharmacy(p pricing.Pharmacy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.Policy.PharmacyID = p.ID
	s.pharmacies[p.ID] = p
}

func (s *Store) AddProduct(pharmacyID, productID types.ID, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[productID] = product{pharmacyID: pharmacyID, price: price, active: true}
}

func (s *Store) AddCourier(c courier.Courier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.couriers[c.ID] = cloneCourier(&c)
}

// Orders returns the order repository view.
func (s *Store) Orders() *Orders { return &Orders{s} }

// Couriers returns the courier repository view.
func (s *Store) Couriers() *Couriers { return &Couriers{s} }

// Pharmacies returns the pricing store view.
func (s *Store) Pharmacies() *Pharmacies { return &Pharmacies{s} }

// Inbox returns the notification inbox view.
func (s *Store) Inbox() *Inbox { return &Inbox{s} }

// Orders implements order.Repository and order.Catalog.
type Orders struct{ s *Store }

func (r *Orders) Create(_ context.Context, o *order.Order, items []order.LineItem) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; ok {
		return order.ErrConflict
	}
	s.orders[o.ID] = o.Clone()
	s.items[o.ID] = append([]order.LineItem(nil), items...)
	return nil
}

func (r *Orders) Get(_ context.Context, id types.ID) (*order.Order, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return o.Clone(), nil
}

func (r *Orders) Items(_ context.Context, id types.ID) ([]order.LineItem, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]order.LineItem(nil), s.items[id]...), nil
}

func (r *Orders) Events(_ context.Context, id types.ID) ([]order.Event, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]order.Event(nil), s.events[id]...), nil
}

func (r *Orders) UpdateStatus(_ context.Context, u order.StatusUpdate) (bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[u.OrderID]
	if !ok {
		return false, order.ErrNotFound
	}
	if o.Status != u.From || o.StatusVersion != u.Version {
		return false, nil
	}
	o.Status = u.To
	o.StatusVersion++
	o.UpdatedAt = u.At
	switch u.To {
	case order.StatusDelivered:
		at := u.At
		o.DeliveredAt = &at
	case order.StatusCancelled:
		at := u.At
		o.CancelledAt = &at
		if u.Reason != nil {
			reason := *u.Reason
			o.CancellationReason = &reason
		}
	}
	if u.To.Terminal() {
		o.CourierID = nil
		for _, c := range s.couriers {
			if c.CurrentOrderID != nil && *c.CurrentOrderID == o.ID {
				c.CurrentOrderID = nil
			}
		}
	}
	return true, nil
}

func (r *Orders) Assign(_ context.Context, a order.Assignment) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[a.OrderID]
	if !ok {
		return order.ErrNotFound
	}
	c, ok := s.couriers[a.CourierID]
	if !ok {
		return order.ErrCourierUnavailable
	}
	if o.Status != a.From || o.StatusVersion != a.Version || o.HasCourier() {
		return order.ErrConflict
	}
	if !c.IsActive || c.CurrentOrderID != nil {
		return order.ErrCourierUnavailable
	}
	courierID := a.CourierID
	orderID := a.OrderID
	o.CourierID = &courierID
	o.Status = a.To
	o.StatusVersion++
	o.UpdatedAt = a.At
	c.CurrentOrderID = &orderID
	return nil
}

func (r *Orders) SaveRoute(_ context.Context, id types.ID, route maps.Route) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return order.ErrNotFound
	}
	o.Route = &route
	return nil
}

func (r *Orders) AppendEvent(_ context.Context, e *order.Event) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventSeq++
	e.ID = s.eventSeq
	s.events[e.OrderID] = append(s.events[e.OrderID], *e)
	return nil
}

func (r *Orders) CountActive(_ context.Context) (int, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, o := range s.orders {
		if o.Status.Active() {
			n++
		}
	}
	return n, nil
}

func (r *Orders) Prices(_ context.Context, pharmacyID types.ID, productIDs []types.ID) (map[types.ID]decimal.Decimal, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	prices := make(map[types.ID]decimal.Decimal, len(productIDs))
	for _, id := range productIDs {
		p, ok := s.products[id]
		if ok && p.active && p.pharmacyID == pharmacyID {
			prices[id] = p.price
		}
	}
	return prices, nil
}

// Couriers implements courier.Repository.
type Couriers struct{ s *Store }

func (r *Couriers) Get(_ context.Context, id types.ID) (*courier.Courier, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.couriers[id]
	if !ok {
		return nil, courier.ErrNotFound
	}
	return cloneCourier(c), nil
}

func (r *Couriers) ListIdle(_ context.Context, limit int) ([]*courier.Courier, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*courier.Courier
	for _, c := range s.couriers {
		if c.Idle() {
			out = append(out, cloneCourier(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Couriers) SavePosition(_ context.Context, id types.ID, p types.Point, at time.Time, orderID *types.ID) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.couriers[id]
	if !ok {
		return courier.ErrNotFound
	}
	pos := p
	seen := at
	c.Position = &pos
	c.LastSeenAt = &seen
	s.history = append(s.history, positionRow{CourierID: id, OrderID: types.IDPtr(derefID(orderID)), Point: p, At: at})
	return nil
}

func (r *Couriers) SetOnline(_ context.Context, id types.ID, online bool) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.couriers[id]
	if !ok {
		return courier.ErrNotFound
	}
	c.IsOnline = online
	return nil
}

// History returns the recorded positions for an order, oldest first.
func (r *Couriers) History(orderID types.ID) []types.Point {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Point
	for _, row := range s.history {
		if row.OrderID != nil && *row.OrderID == orderID {
			out = append(out, row.Point)
		}
	}
	return out
}

// Pharmacies implements pricing.Store.
type Pharmacies struct{ s *Store }

func (r *Pharmacies) GetPharmacy(_ context.Context, id types.ID) (*pricing.Pharmacy, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pharmacies[id]
	if !ok {
		return nil, pricing.ErrNotFound
	}
	p.Policy.Ranges = append([]pricing.FeeRange(nil), p.Policy.Ranges...)
	return &p, nil
}

func (r *Pharmacies) SavePolicy(_ context.Context, p pricing.Policy) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	ph, ok := s.pharmacies[p.PharmacyID]
	if !ok {
		return pricing.ErrNotFound
	}
	p.Ranges = append([]pricing.FeeRange(nil), p.Ranges...)
	ph.Policy = p
	s.pharmacies[p.PharmacyID] = ph
	return nil
}

// Inbox implements notify.Inbox.
type Inbox struct{ s *Store }

func (r *Inbox) Save(_ context.Context, m notify.Message) (bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.recipientUser(m.Audience, m.RecipientID)
	if user == "" {
		return false, nil
	}
	key := string(user) + "|" + m.DedupeKey
	if _, ok := s.notifications[key]; ok {
		return false, nil
	}
	s.notifications[key] = m
	return true, nil
}

func (r *Inbox) Tokens(_ context.Context, a notify.Audience, recipient types.ID) ([]string, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tokens[s.recipientUser(a, recipient)]...), nil
}

func (r *Inbox) RegisterToken(_ context.Context, userID types.ID, token, _ string) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens[userID] {
		if t == token {
			return nil
		}
	}
	s.tokens[userID] = append(s.tokens[userID], token)
	return nil
}

// Notifications returns the stored in-app notifications for a user.
func (r *Inbox) Notifications(userID types.ID) []notify.Message {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []notify.Message
	for key, m := range s.notifications {
		if len(key) > len(userID) && key[:len(userID)+1] == string(userID)+"|" {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

// recipientUser maps a pharmacy recipient to its owner account. Caller holds mu.
func (s *Store) recipientUser(a notify.Audience, id types.ID) types.ID {
	if a != notify.AudiencePharmacy {
		return id
	}
	return s.pharmacies[id].OwnerID
}

func cloneCourier(c *courier.Courier) *courier.Courier {
	cp := *c
	if c.CurrentOrderID != nil {
		v := *c.CurrentOrderID
		cp.CurrentOrderID = &v
	}
	if c.Position != nil {
		v := *c.Position
		cp.Position = &v
	}
	if c.LastSeenAt != nil {
		v := *c.LastSeenAt
		cp.LastSeenAt = &v
	}
	return &cp
}

func derefID(id *types.ID) types.ID {
	if id == nil {
		return ""
	}
	return *id
}
