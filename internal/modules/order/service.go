// README: Order service is the single authority for checkout, status transitions and courier binding.
package order

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"ifarma/internal/maps"
	"ifarma/internal/modules/pricing"
	"ifarma/internal/types"
)

var (
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrAlreadyTerminal    = errors.New("order already delivered or cancelled")
	ErrCourierUnavailable = errors.New("courier unavailable")
	ErrConflict           = errors.New("order state conflict")
	ErrNotFound           = errors.New("order not found")
	ErrBadRequest         = errors.New("bad request")
	ErrReasonRequired     = errors.New("cancellation reason required")
	ErrForbidden          = errors.New("actor not allowed on this order")
)

// Repository persists orders. UpdateStatus and Assign are conditional writes
// keyed on (status, status_version); a false/ErrConflict result means the
// caller lost a race.
type Repository interface {
	Create(ctx context.Context, o *Order, items []LineItem) error
	Get(ctx context.Context, id types.ID) (*Order, error)
	Items(ctx context.Context, id types.ID) ([]LineItem, error)
	Events(ctx context.Context, id types.ID) ([]Event, error)
	UpdateStatus(ctx context.Context, u StatusUpdate) (bool, error)
	Assign(ctx context.Context, a Assignment) error
	SaveRoute(ctx context.Context, id types.ID, route maps.Route) error
	AppendEvent(ctx context.Context, e *Event) error
	CountActive(ctx context.Context) (int, error)
}

type StatusUpdate struct {
	OrderID types.ID
	From    Status
	To      Status
	Version int
	Reason  *string
	At      time.Time
}

type Assignment struct {
	OrderID   types.ID
	CourierID types.ID
	From      Status
	To        Status
	Version   int
	At        time.Time
}

type Catalog interface {
	Prices(ctx context.Context, pharmacyID types.ID, productIDs []types.ID) (map[types.ID]decimal.Decimal, error)
}

type Quoter interface {
	Quote(ctx context.Context, pharmacyID types.ID, dropoff types.Point, subtotal decimal.Decimal) (*pricing.Quote, error)
}

type Router interface {
	Directions(ctx context.Context, origin, destination types.Point) (*maps.Route, error)
}

// Dispatcher binds an idle courier to an order waiting for one.
type Dispatcher interface {
	AutoAssign(ctx context.Context, orderID types.ID) (*Order, error)
}

type ChangeKind string

const (
	ChangeCreated  ChangeKind = "created"
	ChangeStatus   ChangeKind = "status"
	ChangeAssigned ChangeKind = "assigned"
)

// Change describes one applied mutation. Before is nil for ChangeCreated.
type Change struct {
	Kind    ChangeKind
	Before  *Order
	After   *Order
	Actor   Role
	ActorID *types.ID
	At      time.Time
}

type Listener interface {
	OnOrderChange(ctx context.Context, ch Change)
}

type Service struct {
	repo       Repository
	catalog    Catalog
	quoter     Quoter
	router     Router
	dispatcher Dispatcher
	listeners  []Listener

	transitions metric.Int64Counter
}

func NewService(repo Repository, catalog Catalog, quoter Quoter, router Router) *Service {
	counter, err := otel.Meter("ifarma/order").Int64Counter("ifarma.order.transitions",
		metric.WithDescription("Applied order status transitions"))
	if err != nil {
		log.Printf("order: transitions counter unavailable: %v", err)
	}
	return &Service{repo: repo, catalog: catalog, quoter: quoter, router: router, transitions: counter}
}

// SetDispatcher wires the auto-assignment side effect. It must be called
// before the service handles requests.
func (s *Service) SetDispatcher(d Dispatcher) {
	s.dispatcher = d
}

// Subscribe registers a listener for every applied change. Listeners run
// synchronously after the write commits.
func (s *Service) Subscribe(l Listener) {
	s.listeners = append(s.listeners, l)
}

type ItemRequest struct {
	ProductID types.ID
	Quantity  int
}

type CreateCommand struct {
	CustomerID    types.ID
	PharmacyID    types.ID
	Items         []ItemRequest
	PaymentMethod PaymentMethod
	ChangeFor     *decimal.Decimal
	Address       string
	Dropoff       types.Point
}

type TransitionCommand struct {
	OrderID    types.ID
	Target     Status
	Role       Role
	ActorID    types.ID
	Reason     string
	AutoAssign bool
}

type AssignCommand struct {
	OrderID   types.ID
	CourierID types.ID
	Role      Role
	ActorID   types.ID
}

// Create runs checkout: snapshot prices, quote the delivery fee, validate
// payment, then insert the order with its items in one write.
func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*Order, error) {
	ctx, span := otel.Tracer("ifarma/order").Start(ctx, "order.Create")
	defer span.End()

	if err := validateCreate(cmd); err != nil {
		return nil, err
	}

	productIDs := make([]types.ID, 0, len(cmd.Items))
	for _, it := range cmd.Items {
		productIDs = append(productIDs, it.ProductID)
	}
	prices, err := s.catalog.Prices(ctx, cmd.PharmacyID, productIDs)
	if err != nil {
		return nil, err
	}

	items := make([]LineItem, 0, len(cmd.Items))
	subtotal := decimal.Zero
	for _, it := range cmd.Items {
		price, ok := prices[it.ProductID]
		if !ok {
			return nil, fmt.Errorf("%w: product %s unavailable", ErrBadRequest, it.ProductID)
		}
		li := LineItem{ProductID: it.ProductID, Quantity: it.Quantity, UnitPrice: price}
		items = append(items, li)
		subtotal = subtotal.Add(li.Total())
	}

	quote, err := s.quoter.Quote(ctx, cmd.PharmacyID, cmd.Dropoff, subtotal)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if cmd.ChangeFor != nil {
		if cmd.PaymentMethod != PaymentCash {
			return nil, fmt.Errorf("%w: change is only accepted for cash payments", ErrBadRequest)
		}
		if cmd.ChangeFor.LessThan(quote.Total) {
			return nil, fmt.Errorf("%w: change_for must cover the order total", ErrBadRequest)
		}
	}

	now := time.Now().UTC()
	dropoff := cmd.Dropoff
	route := quote.Route
	if route == nil {
		route = &maps.Route{
			DistanceKm:   quote.DistanceKm,
			DistanceText: fmt.Sprintf("%.1f km", quote.DistanceKm),
		}
	}
	o := &Order{
		ID:            types.NewID(),
		CustomerID:    cmd.CustomerID,
		PharmacyID:    cmd.PharmacyID,
		Status:        StatusPending,
		StatusVersion: 0,
		Subtotal:      quote.Subtotal,
		DeliveryFee:   quote.Fee,
		TotalPrice:    quote.Total,
		PaymentMethod: cmd.PaymentMethod,
		ChangeFor:     cmd.ChangeFor,
		Address:       strings.TrimSpace(cmd.Address),
		Pickup:        quote.Pickup,
		Dropoff:       &dropoff,
		Route:         route,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.repo.Create(ctx, o, items); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("order.id", string(o.ID)))

	_ = s.repo.AppendEvent(ctx, &Event{
		OrderID:    o.ID,
		FromStatus: StatusNone,
		ToStatus:   StatusPending,
		ActorType:  RoleCustomer,
		ActorID:    &cmd.CustomerID,
		CreatedAt:  now,
	})
	s.publish(ctx, Change{Kind: ChangeCreated, After: o, Actor: RoleCustomer, ActorID: &cmd.CustomerID, At: now})
	return o.Clone(), nil
}

func validateCreate(cmd CreateCommand) error {
	if cmd.CustomerID == "" || cmd.PharmacyID == "" || len(cmd.Items) == 0 {
		return ErrBadRequest
	}
	for _, it := range cmd.Items {
		if it.ProductID == "" || it.Quantity <= 0 {
			return fmt.Errorf("%w: invalid item", ErrBadRequest)
		}
	}
	if !cmd.PaymentMethod.Valid() {
		return fmt.Errorf("%w: unknown payment method %q", ErrBadRequest, cmd.PaymentMethod)
	}
	if strings.TrimSpace(cmd.Address) == "" || !cmd.Dropoff.Valid() {
		return fmt.Errorf("%w: delivery address and coordinates are required", ErrBadRequest)
	}
	return nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Order, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) Items(ctx context.Context, id types.ID) ([]LineItem, error) {
	return s.repo.Items(ctx, id)
}

func (s *Service) Events(ctx context.Context, id types.ID) ([]Event, error) {
	return s.repo.Events(ctx, id)
}

func (s *Service) CountActive(ctx context.Context) (int, error) {
	return s.repo.CountActive(ctx)
}

// RequestTransition validates and applies a status change for an actor.
// Asking for the status the order already has is a no-op, but only for
// parties to the order.
func (s *Service) RequestTransition(ctx context.Context, cmd TransitionCommand) (*Order, error) {
	ctx, span := otel.Tracer("ifarma/order").Start(ctx, "order.RequestTransition")
	defer span.End()
	span.SetAttributes(
		attribute.String("order.id", string(cmd.OrderID)),
		attribute.String("order.target", string(cmd.Target)),
		attribute.String("actor.role", string(cmd.Role)),
	)

	o, err := s.repo.Get(ctx, cmd.OrderID)
	if err != nil {
		return nil, err
	}
	if err := authorize(o, cmd.Role, cmd.ActorID); err != nil {
		return nil, err
	}
	if o.Status == cmd.Target {
		return o, nil
	}
	if o.Status.Terminal() {
		return nil, ErrAlreadyTerminal
	}
	if !CanTransition(o.Status, cmd.Target) || !Permits(cmd.Role, cmd.Target) {
		return nil, ErrInvalidTransition
	}

	var reason *string
	if cmd.Target == StatusCancelled {
		r := strings.TrimSpace(cmd.Reason)
		if r == "" {
			return nil, ErrReasonRequired
		}
		reason = &r
	}
	if cmd.Target == StatusOutForDelivery && !o.HasCourier() {
		return nil, fmt.Errorf("%w: no courier assigned", ErrInvalidTransition)
	}

	now := time.Now().UTC()
	ok, err := s.repo.UpdateStatus(ctx, StatusUpdate{
		OrderID: o.ID,
		From:    o.Status,
		To:      cmd.Target,
		Version: o.StatusVersion,
		Reason:  reason,
		At:      now,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if !ok {
		cur, err := s.repo.Get(ctx, o.ID)
		if err == nil && cur.Status == cmd.Target {
			return cur, nil
		}
		return nil, ErrConflict
	}

	updated, err := s.repo.Get(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	_ = s.repo.AppendEvent(ctx, &Event{
		OrderID:    o.ID,
		FromStatus: o.Status,
		ToStatus:   cmd.Target,
		ActorType:  cmd.Role,
		ActorID:    types.IDPtr(cmd.ActorID),
		CourierID:  o.CourierID,
		Reason:     reason,
		CreatedAt:  now,
	})
	if s.transitions != nil {
		s.transitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("to", string(cmd.Target)),
			attribute.String("role", string(cmd.Role)),
		))
	}
	s.publish(ctx, Change{Kind: ChangeStatus, Before: o, After: updated, Actor: cmd.Role, ActorID: types.IDPtr(cmd.ActorID), At: now})

	if cmd.AutoAssign && updated.Status.AwaitingCourier() && !updated.HasCourier() && s.dispatcher != nil {
		assigned, err := s.dispatcher.AutoAssign(ctx, updated.ID)
		if err != nil {
			log.Printf("order %s: auto-assign skipped: %v", updated.ID, err)
		} else {
			updated = assigned
		}
	}
	return updated, nil
}

// Cancel is RequestTransition into cancelado.
func (s *Service) Cancel(ctx context.Context, orderID types.ID, role Role, actorID types.ID, reason string) (*Order, error) {
	return s.RequestTransition(ctx, TransitionCommand{
		OrderID: orderID,
		Target:  StatusCancelled,
		Role:    role,
		ActorID: actorID,
		Reason:  reason,
	})
}

// Advance moves an order one canonical step as the system actor. An order
// waiting for a courier only moves on through an assignment.
func (s *Service) Advance(ctx context.Context, orderID types.ID) (*Order, error) {
	o, err := s.repo.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status.Terminal() {
		return nil, ErrAlreadyTerminal
	}
	if o.Status.AwaitingCourier() && !o.HasCourier() && s.dispatcher != nil {
		assigned, err := s.dispatcher.AutoAssign(ctx, orderID)
		if err != nil {
			return nil, err
		}
		return assigned, nil
	}
	next, ok := Next(o.Status)
	if !ok {
		return nil, ErrInvalidTransition
	}
	return s.RequestTransition(ctx, TransitionCommand{
		OrderID:    orderID,
		Target:     next,
		Role:       RoleSystem,
		AutoAssign: true,
	})
}

// AssignCourier binds courierID to the order and moves it to pronto_entrega.
// Re-assigning the same courier is a no-op.
func (s *Service) AssignCourier(ctx context.Context, cmd AssignCommand) (*Order, error) {
	ctx, span := otel.Tracer("ifarma/order").Start(ctx, "order.AssignCourier")
	defer span.End()
	span.SetAttributes(
		attribute.String("order.id", string(cmd.OrderID)),
		attribute.String("courier.id", string(cmd.CourierID)),
	)

	if cmd.CourierID == "" {
		return nil, ErrBadRequest
	}
	o, err := s.repo.Get(ctx, cmd.OrderID)
	if err != nil {
		return nil, err
	}
	if o.AssignedTo(cmd.CourierID) {
		return o, nil
	}
	if o.Status.Terminal() {
		return nil, ErrAlreadyTerminal
	}
	switch cmd.Role {
	case RoleAdmin, RoleSystem:
	case RolePharmacy:
		if cmd.ActorID != o.PharmacyID {
			return nil, ErrForbidden
		}
	default:
		return nil, ErrForbidden
	}
	if o.HasCourier() {
		return nil, fmt.Errorf("%w: order already has a courier", ErrInvalidTransition)
	}
	switch o.Status {
	case StatusPreparing, StatusAwaitingCourier, StatusReadyForPickup:
	default:
		return nil, fmt.Errorf("%w: order is not ready for a courier", ErrInvalidTransition)
	}

	now := time.Now().UTC()
	err = s.repo.Assign(ctx, Assignment{
		OrderID:   o.ID,
		CourierID: cmd.CourierID,
		From:      o.Status,
		To:        StatusReadyForPickup,
		Version:   o.StatusVersion,
		At:        now,
	})
	if errors.Is(err, ErrConflict) {
		if cur, gerr := s.repo.Get(ctx, o.ID); gerr == nil && cur.AssignedTo(cmd.CourierID) {
			return cur, nil
		}
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	updated, err := s.repo.Get(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	courierID := cmd.CourierID
	_ = s.repo.AppendEvent(ctx, &Event{
		OrderID:    o.ID,
		FromStatus: o.Status,
		ToStatus:   updated.Status,
		ActorType:  cmd.Role,
		ActorID:    types.IDPtr(cmd.ActorID),
		CourierID:  &courierID,
		CreatedAt:  now,
	})
	s.publish(ctx, Change{Kind: ChangeAssigned, Before: o, After: updated, Actor: cmd.Role, ActorID: types.IDPtr(cmd.ActorID), At: now})
	return updated, nil
}

// Route returns the cached delivery route, filling in the polyline from the
// mapping provider on first request. The cached distance is kept so the ETA
// matches the distance the fee was charged on.
func (s *Service) Route(ctx context.Context, orderID types.ID) (*maps.Route, error) {
	o, err := s.repo.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Route != nil && (o.Route.Polyline != "" || s.router == nil) {
		return o.Route, nil
	}
	if o.Dropoff == nil || s.router == nil {
		if o.Route != nil {
			return o.Route, nil
		}
		return nil, ErrNotFound
	}

	fetched, err := s.router.Directions(ctx, o.Pickup, *o.Dropoff)
	if err != nil {
		if o.Route != nil {
			log.Printf("order %s: route lookup failed, serving cached distance: %v", o.ID, err)
			return o.Route, nil
		}
		return nil, err
	}
	route := *fetched
	if o.Route != nil {
		route.DistanceKm = o.Route.DistanceKm
		route.DistanceText = o.Route.DistanceText
	}
	if err := s.repo.SaveRoute(ctx, o.ID, route); err != nil {
		return nil, err
	}
	return &route, nil
}

func authorize(o *Order, role Role, actorID types.ID) error {
	switch role {
	case RoleAdmin, RoleSystem:
		return nil
	case RoleCustomer:
		if actorID == o.CustomerID {
			return nil
		}
	case RolePharmacy:
		if actorID == o.PharmacyID {
			return nil
		}
	case RoleCourier:
		if o.AssignedTo(actorID) {
			return nil
		}
	}
	return ErrForbidden
}

func (s *Service) publish(ctx context.Context, ch Change) {
	for _, l := range s.listeners {
		l.OnOrderChange(ctx, Change{
			Kind:    ch.Kind,
			Before:  ch.Before.Clone(),
			After:   ch.After.Clone(),
			Actor:   ch.Actor,
			ActorID: ch.ActorID,
			At:      ch.At,
		})
	}
}
