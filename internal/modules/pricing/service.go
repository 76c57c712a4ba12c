// README: Pricing service quotes delivery fees from the pharmacy policy and the delivery distance.
package pricing

import (
	"context"
	"errors"
	"log"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"ifarma/internal/maps"
	"ifarma/internal/types"
)

var (
	ErrNotFound   = errors.New("pharmacy not found")
	ErrBadRequest = errors.New("bad request")
)

type Store interface {
	GetPharmacy(ctx context.Context, id types.ID) (*Pharmacy, error)
	SavePolicy(ctx context.Context, p Policy) error
}

type Router interface {
	Directions(ctx context.Context, origin, destination types.Point) (*maps.Route, error)
}

type Service struct {
	store  Store
	router Router
}

// NewService builds a quoting service. router may be nil, in which case
// every quote uses the great-circle distance.
func NewService(store Store, router Router) *Service {
	return &Service{store: store, router: router}
}

func (s *Service) Pharmacy(ctx context.Context, id types.ID) (*Pharmacy, error) {
	return s.store.GetPharmacy(ctx, id)
}

// UpdatePolicy replaces the delivery policy of an existing pharmacy.
func (s *Service) UpdatePolicy(ctx context.Context, pharmacyID types.ID, p Policy) (*Pharmacy, error) {
	if _, err := s.store.GetPharmacy(ctx, pharmacyID); err != nil {
		return nil, err
	}
	p.PharmacyID = pharmacyID
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := s.store.SavePolicy(ctx, p); err != nil {
		return nil, err
	}
	log.Printf("pricing: pharmacy %s policy set to %s", pharmacyID, p.Model)
	return s.store.GetPharmacy(ctx, pharmacyID)
}

// Quote resolves the delivery distance (routed when possible) and prices it.
// The returned distance is the one the order must keep for ETA display.
func (s *Service) Quote(ctx context.Context, pharmacyID types.ID, dropoff types.Point, subtotal decimal.Decimal) (*Quote, error) {
	ctx, span := otel.Tracer("ifarma/pricing").Start(ctx, "pricing.Quote")
	defer span.End()
	span.SetAttributes(attribute.String("pharmacy.id", string(pharmacyID)))

	if pharmacyID == "" || !dropoff.Valid() || subtotal.IsNegative() {
		return nil, ErrBadRequest
	}
	ph, err := s.store.GetPharmacy(ctx, pharmacyID)
	if err != nil {
		return nil, err
	}

	q := &Quote{
		PharmacyID: ph.ID,
		Pickup:     ph.Location,
		DistanceKm: types.DistanceKm(ph.Location, dropoff),
		Subtotal:   subtotal.Round(2),
	}
	if s.router != nil {
		route, err := s.router.Directions(ctx, ph.Location, dropoff)
		if err != nil {
			log.Printf("pricing: routed distance unavailable for pharmacy %s, using haversine: %v", ph.ID, err)
		} else {
			q.Route = route
			q.DistanceKm = route.DistanceKm
		}
	}
	span.SetAttributes(attribute.Float64("delivery.distance_km", q.DistanceKm), attribute.Bool("delivery.routed", q.Routed()))

	fee, err := Compute(ph.Policy, q.DistanceKm, q.Subtotal)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if err := ph.Policy.CheckMinimum(q.Subtotal); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	q.Fee = fee
	q.Total = q.Subtotal.Add(fee)
	return q, nil
}
