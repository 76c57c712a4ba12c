// README: Simulator walks watched orders one canonical step per tick as the system actor.
package simulator

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"ifarma/internal/modules/order"
	"ifarma/internal/types"
)

type Advancer interface {
	Advance(ctx context.Context, orderID types.ID) (*order.Order, error)
}

type Runner struct {
	advancer Advancer
	interval time.Duration
	logger   *log.Logger

	mu      sync.Mutex
	watched map[types.ID]struct{}
}

func NewRunner(advancer Advancer, interval time.Duration, logger *log.Logger) *Runner {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Runner{
		advancer: advancer,
		interval: interval,
		logger:   logger,
		watched:  make(map[types.ID]struct{}),
	}
}

func (r *Runner) Watch(id types.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watched[id] = struct{}{}
}

func (r *Runner) Unwatch(id types.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.watched, id)
}

// Watched returns the watched order ids in sorted order.
func (r *Runner) Watched() []types.ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.ID, 0, len(r.watched))
	for id := range r.watched {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Run ticks until ctx is done.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick advances every watched order by one step.
func (r *Runner) Tick(ctx context.Context) {
	for _, id := range r.Watched() {
		if ctx.Err() != nil {
			return
		}
		o, err := r.advancer.Advance(ctx, id)
		switch {
		case err == nil:
			if o.Status.Terminal() {
				r.logger.Printf("simulator: order %s reached %s", id, o.Status)
				r.Unwatch(id)
			}
		case errors.Is(err, order.ErrAlreadyTerminal), errors.Is(err, order.ErrNotFound):
			r.Unwatch(id)
		case errors.Is(err, order.ErrCourierUnavailable), errors.Is(err, order.ErrInvalidTransition), errors.Is(err, order.ErrConflict):
			// retried on the next tick
		default:
			r.logger.Printf("simulator: advance order %s: %v", id, err)
			r.Unwatch(id)
		}
	}
}
