// README: Identifier and coordinate value objects shared by every module.
package types

import "github.com/google/uuid"

type ID string

func NewID() ID {
	return ID(uuid.NewString())
}

func (id ID) String() string { return string(id) }

// IDPtr returns nil for the empty ID.
func IDPtr(id ID) *ID {
	if id == "" {
		return nil
	}
	return &id
}

type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (p Point) IsZero() bool {
	return p.Lat == 0 && p.Lng == 0
}

func (p Point) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180 && !p.IsZero()
}
