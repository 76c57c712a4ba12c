// README: Pharmacy delivery policy and quote definitions.
package pricing

import (
	"github.com/shopspring/decimal"

	"ifarma/internal/maps"
	"ifarma/internal/types"
)

type FeeModel string

const (
	FeeFixed      FeeModel = "fixed"
	FeePerKm      FeeModel = "per_km"
	FeeRangeTable FeeModel = "range_table"
)

// FeeRange charges Fee for any distance up to and including MaxKm.
type FeeRange struct {
	MaxKm float64         `json:"max_km"`
	Fee   decimal.Decimal `json:"fee"`
}

// Policy is a pharmacy's delivery configuration. Nil thresholds are disabled.
type Policy struct {
	PharmacyID     types.ID
	Model          FeeModel
	FixedFee       decimal.Decimal
	PerKmRate      decimal.Decimal
	Ranges         []FeeRange
	FreeAboveValue *decimal.Decimal
	FreeWithinKm   *float64
	MaxDistanceKm  *float64
	MinOrderValue  decimal.Decimal
}

type Pharmacy struct {
	ID       types.ID
	Name     string
	OwnerID  types.ID
	Location types.Point
	Policy   Policy
}

type Quote struct {
	PharmacyID types.ID
	Pickup     types.Point
	DistanceKm float64
	Route      *maps.Route
	Subtotal   decimal.Decimal
	Fee        decimal.Decimal
	Total      decimal.Decimal
}

// Routed reports whether the distance came from the mapping provider.
func (q *Quote) Routed() bool { return q.Route != nil }
