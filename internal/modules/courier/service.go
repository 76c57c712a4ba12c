// README: Courier service handles live positions, availability and dispatch candidate lookup.
package courier

import (
	"context"
	"errors"
	"log"
	"time"

	"ifarma/internal/config"
	"ifarma/internal/modules/order"
	"ifarma/internal/types"
)

var (
	ErrNotFound        = errors.New("courier not found")
	ErrInactive        = errors.New("courier is not active")
	ErrBusy            = errors.New("courier has an active order")
	ErrInvalidPosition = errors.New("invalid position")
)

type Repository interface {
	Get(ctx context.Context, id types.ID) (*Courier, error)
	ListIdle(ctx context.Context, limit int) ([]*Courier, error)
	SavePosition(ctx context.Context, id types.ID, p types.Point, at time.Time, orderID *types.ID) error
	SetOnline(ctx context.Context, id types.ID, online bool) error
}

// Index is the proximity index of idle couriers. GeoIndex is the Redis one.
type Index interface {
	Upsert(ctx context.Context, id types.ID, p types.Point) error
	Remove(ctx context.Context, id types.ID) error
	Nearby(ctx context.Context, p types.Point, radiusKm float64, limit int) ([]types.ID, error)
}

// Position is a live location report from a courier holding an order.
type Position struct {
	CourierID types.ID
	OrderID   types.ID
	Point     types.Point
	At        time.Time
}

type PositionListener interface {
	OnCourierPosition(ctx context.Context, p Position)
}

type Service struct {
	repo      Repository
	index     Index
	cfg       config.DispatchConfig
	listeners []PositionListener
}

// NewService builds the courier service. index may be nil, in which case
// candidates are ranked from the store alone.
func NewService(repo Repository, index Index, cfg config.DispatchConfig) *Service {
	return &Service{repo: repo, index: index, cfg: cfg}
}

func (s *Service) Subscribe(l PositionListener) {
	s.listeners = append(s.listeners, l)
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Courier, error) {
	return s.repo.Get(ctx, id)
}

type PositionCommand struct {
	CourierID types.ID
	Point     types.Point
	At        time.Time
}

func (s *Service) UpdatePosition(ctx context.Context, cmd PositionCommand) error {
	if !cmd.Point.Valid() {
		return ErrInvalidPosition
	}
	if cmd.At.IsZero() {
		cmd.At = time.Now().UTC()
	}
	c, err := s.repo.Get(ctx, cmd.CourierID)
	if err != nil {
		return err
	}
	if !c.IsActive {
		return ErrInactive
	}
	if err := s.repo.SavePosition(ctx, c.ID, cmd.Point, cmd.At, c.CurrentOrderID); err != nil {
		return err
	}
	c.Position = &cmd.Point
	s.reindex(ctx, c)

	if c.CurrentOrderID == nil {
		return nil
	}
	p := Position{CourierID: c.ID, OrderID: *c.CurrentOrderID, Point: cmd.Point, At: cmd.At}
	for _, l := range s.listeners {
		l.OnCourierPosition(ctx, p)
	}
	return nil
}

// SetAvailability toggles the online flag. Going offline while holding an
// order is rejected.
func (s *Service) SetAvailability(ctx context.Context, id types.ID, online bool) (*Courier, error) {
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if online && !c.IsActive {
		return nil, ErrInactive
	}
	if !online && c.CurrentOrderID != nil {
		return nil, ErrBusy
	}
	if c.IsOnline != online {
		if err := s.repo.SetOnline(ctx, id, online); err != nil {
			return nil, err
		}
		c.IsOnline = online
	}
	s.reindex(ctx, c)
	return c, nil
}

// Candidates lists idle couriers for a pickup point. Couriers found in the
// proximity index come first; the rest of the idle pool follows, nearest
// first when positions are known.
func (s *Service) Candidates(ctx context.Context, near *types.Point, limit int) ([]Candidate, error) {
	if limit <= 0 {
		limit = s.cfg.CandidateLimit
	}
	seen := make(map[types.ID]bool)
	var out []Candidate

	if near != nil && s.index != nil {
		ids, err := s.index.Nearby(ctx, *near, s.cfg.RadiusKm, limit)
		if err != nil {
			log.Printf("courier: geo index lookup failed, using store only: %v", err)
		}
		for _, id := range ids {
			c, err := s.repo.Get(ctx, id)
			if err != nil || !c.Idle() {
				continue
			}
			cand := Candidate{ID: c.ID}
			if c.Position != nil {
				cand.DistanceKm = types.DistanceKm(*near, *c.Position)
				cand.Known = true
			}
			seen[c.ID] = true
			out = append(out, cand)
		}
	}

	idle, err := s.repo.ListIdle(ctx, limit)
	if err != nil {
		if len(out) > 0 {
			return out, nil
		}
		return nil, err
	}
	rest := make([]*Courier, 0, len(idle))
	for _, c := range idle {
		if !seen[c.ID] {
			rest = append(rest, c)
		}
	}
	if near != nil {
		out = append(out, rankCandidates(rest, *near)...)
	} else {
		for _, c := range rest {
			out = append(out, Candidate{ID: c.ID})
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// OnOrderChange keeps the proximity index in step with assignments: a
// courier leaves it when bound to an order and returns once that order ends.
func (s *Service) OnOrderChange(ctx context.Context, ch order.Change) {
	if s.index == nil {
		return
	}
	switch {
	case ch.Kind == order.ChangeAssigned && ch.After.CourierID != nil:
		if err := s.index.Remove(ctx, *ch.After.CourierID); err != nil {
			log.Printf("courier %s: geo index remove failed: %v", *ch.After.CourierID, err)
		}
	case ch.Kind == order.ChangeStatus && ch.After.Status.Terminal() && ch.Before != nil && ch.Before.CourierID != nil:
		c, err := s.repo.Get(ctx, *ch.Before.CourierID)
		if err != nil {
			log.Printf("courier %s: reload after release failed: %v", *ch.Before.CourierID, err)
			return
		}
		s.reindex(ctx, c)
	}
}

func (s *Service) reindex(ctx context.Context, c *Courier) {
	if s.index == nil {
		return
	}
	var err error
	if c.Idle() && c.Position != nil {
		err = s.index.Upsert(ctx, c.ID, *c.Position)
	} else {
		err = s.index.Remove(ctx, c.ID)
	}
	if err != nil {
		log.Printf("courier %s: geo index update failed: %v", c.ID, err)
	}
}
