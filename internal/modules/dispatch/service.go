// README: Dispatch resolves which courier gets an order (manual, automatic, or batch).
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"ifarma/internal/config"
	"ifarma/internal/modules/courier"
	"ifarma/internal/modules/order"
	"ifarma/internal/types"
)

// Auto is the courier id that asks the resolver to pick a courier.
const Auto = "auto"

type Orders interface {
	Get(ctx context.Context, id types.ID) (*order.Order, error)
	AssignCourier(ctx context.Context, cmd order.AssignCommand) (*order.Order, error)
}

type Couriers interface {
	Get(ctx context.Context, id types.ID) (*courier.Courier, error)
	Candidates(ctx context.Context, near *types.Point, limit int) ([]courier.Candidate, error)
}

type Service struct {
	orders   Orders
	couriers Couriers
	cfg      config.DispatchConfig

	assignments metric.Int64Counter
}

func NewService(orders Orders, couriers Couriers, cfg config.DispatchConfig) *Service {
	counter, err := otel.Meter("ifarma/dispatch").Int64Counter("ifarma.dispatch.assignments",
		metric.WithDescription("Courier assignments by mode"))
	if err != nil {
		log.Printf("dispatch: assignments counter unavailable: %v", err)
	}
	return &Service{orders: orders, couriers: couriers, cfg: cfg, assignments: counter}
}

type Request struct {
	OrderID   types.ID
	CourierID types.ID
	Role      order.Role
	ActorID   types.ID
}

// Assign binds a courier to the order. CourierID "auto" picks one.
func (s *Service) Assign(ctx context.Context, req Request) (*order.Order, error) {
	if req.CourierID == Auto {
		return s.autoAssign(ctx, req.OrderID, req.Role, req.ActorID)
	}
	return s.manualAssign(ctx, req)
}

// AutoAssign picks an idle courier for the order as the system actor.
func (s *Service) AutoAssign(ctx context.Context, orderID types.ID) (*order.Order, error) {
	return s.autoAssign(ctx, orderID, order.RoleSystem, "")
}

func (s *Service) manualAssign(ctx context.Context, req Request) (*order.Order, error) {
	if req.CourierID == "" {
		return nil, fmt.Errorf("%w: courier_id is required", order.ErrBadRequest)
	}
	if _, err := s.orders.Get(ctx, req.OrderID); err != nil {
		return nil, err
	}
	c, err := s.couriers.Get(ctx, req.CourierID)
	if errors.Is(err, courier.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown courier %s", order.ErrCourierUnavailable, req.CourierID)
	}
	if err != nil {
		return nil, err
	}
	if !c.IsActive {
		return nil, fmt.Errorf("%w: courier %s is not active", order.ErrCourierUnavailable, c.ID)
	}
	if c.CurrentOrderID != nil && *c.CurrentOrderID != req.OrderID {
		return nil, fmt.Errorf("%w: courier %s is on order %s", order.ErrCourierUnavailable, c.ID, *c.CurrentOrderID)
	}

	o, err := s.orders.AssignCourier(ctx, order.AssignCommand{
		OrderID:   req.OrderID,
		CourierID: c.ID,
		Role:      req.Role,
		ActorID:   req.ActorID,
	})
	if err != nil {
		return nil, err
	}
	s.count(ctx, "manual")
	return o, nil
}

// autoAssign walks the ranked candidates and claims the first one whose
// conditional write succeeds. Losing a claim moves on to the next courier.
func (s *Service) autoAssign(ctx context.Context, orderID types.ID, role order.Role, actorID types.ID) (*order.Order, error) {
	ctx, span := otel.Tracer("ifarma/dispatch").Start(ctx, "dispatch.AutoAssign")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", string(orderID)))

	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status.Terminal() {
		return nil, order.ErrAlreadyTerminal
	}
	if o.HasCourier() {
		return o, nil
	}

	var near *types.Point
	if !o.Pickup.IsZero() {
		p := o.Pickup
		near = &p
	}
	candidates, err := s.couriers.Candidates(ctx, near, s.cfg.CandidateLimit)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	for _, cand := range candidates {
		assigned, err := s.orders.AssignCourier(ctx, order.AssignCommand{
			OrderID:   orderID,
			CourierID: cand.ID,
			Role:      role,
			ActorID:   actorID,
		})
		switch {
		case err == nil:
			span.SetAttributes(attribute.String("courier.id", string(cand.ID)))
			s.count(ctx, "auto")
			return assigned, nil
		case errors.Is(err, order.ErrCourierUnavailable):
			continue
		case errors.Is(err, order.ErrConflict):
			cur, gerr := s.orders.Get(ctx, orderID)
			if gerr == nil && cur.HasCourier() {
				return cur, nil
			}
			return nil, err
		default:
			return nil, err
		}
	}
	span.SetStatus(codes.Error, "no courier available")
	return nil, order.ErrCourierUnavailable
}

type BatchRequest struct {
	OrderIDs  []types.ID
	CourierID types.ID
	Role      order.Role
	ActorID   types.ID
}

type Result struct {
	OrderID types.ID
	Order   *order.Order
	Err     error
}

// AssignBatch applies Assign to every order independently and reports one
// result per order, in request order.
func (s *Service) AssignBatch(ctx context.Context, req BatchRequest) []Result {
	results := make([]Result, 0, len(req.OrderIDs))
	for _, id := range req.OrderIDs {
		o, err := s.Assign(ctx, Request{OrderID: id, CourierID: req.CourierID, Role: req.Role, ActorID: req.ActorID})
		if err != nil {
			log.Printf("dispatch: batch assign of order %s failed: %v", id, err)
		}
		results = append(results, Result{OrderID: id, Order: o, Err: err})
	}
	return results
}

func (s *Service) count(ctx context.Context, mode string) {
	if s.assignments != nil {
		s.assignments.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", mode)))
	}
}
