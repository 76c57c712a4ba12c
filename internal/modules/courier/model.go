// README: Courier profile and dispatch candidate definitions.
package courier

import (
	"time"

	"ifarma/internal/types"
)

type Courier struct {
	ID             types.ID
	Name           string
	IsActive       bool
	IsOnline       bool
	CurrentOrderID *types.ID
	Position       *types.Point
	LastSeenAt     *time.Time
}

// Idle couriers are the only ones auto-assignment may pick.
func (c *Courier) Idle() bool {
	return c.IsActive && c.IsOnline && c.CurrentOrderID == nil
}

// Candidate is an idle courier ranked for an order pickup point.
type Candidate struct {
	ID         types.ID
	DistanceKm float64
	Known      bool
}
