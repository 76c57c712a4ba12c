// README: Delivery fee rules: free thresholds, service area, fee models and policy validation.
package pricing

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

var (
	ErrOutOfServiceArea  = errors.New("delivery address is out of the service area")
	ErrBelowMinimumOrder = errors.New("order subtotal is below the pharmacy minimum")
	ErrInvalidPolicy     = errors.New("invalid delivery policy")
	ErrInvalidDistance   = errors.New("invalid distance")
)

// Compute returns the delivery fee for a distance and subtotal under policy p.
// Free-delivery thresholds win over every fee model; the service-area limit
// wins over both.
func Compute(p Policy, distanceKm float64, subtotal decimal.Decimal) (decimal.Decimal, error) {
	if distanceKm < 0 {
		return decimal.Zero, ErrInvalidDistance
	}
	if p.MaxDistanceKm != nil && distanceKm > *p.MaxDistanceKm {
		return decimal.Zero, ErrOutOfServiceArea
	}
	if p.FreeAboveValue != nil && subtotal.GreaterThanOrEqual(*p.FreeAboveValue) {
		return decimal.Zero, nil
	}
	if p.FreeWithinKm != nil && distanceKm <= *p.FreeWithinKm {
		return decimal.Zero, nil
	}

	var fee decimal.Decimal
	switch p.Model {
	case FeeFixed:
		fee = p.FixedFee
	case FeePerKm:
		fee = decimal.NewFromFloat(distanceKm).Mul(p.PerKmRate)
	case FeeRangeTable:
		r, err := rangeFor(p.Ranges, distanceKm)
		if err != nil {
			return decimal.Zero, err
		}
		fee = r.Fee
	default:
		return decimal.Zero, ErrInvalidPolicy
	}
	if fee.IsNegative() {
		return decimal.Zero, ErrInvalidPolicy
	}
	return fee.Round(2), nil
}

// Validate rejects policies Compute could not price.
func (p Policy) Validate() error {
	switch p.Model {
	case FeeFixed, FeePerKm:
	case FeeRangeTable:
		if len(p.Ranges) == 0 {
			return fmt.Errorf("%w: range_table needs at least one range", ErrInvalidPolicy)
		}
		for _, r := range p.Ranges {
			if r.MaxKm <= 0 || r.Fee.IsNegative() {
				return fmt.Errorf("%w: bad range %v km", ErrInvalidPolicy, r.MaxKm)
			}
		}
	default:
		return fmt.Errorf("%w: unknown fee model %q", ErrInvalidPolicy, p.Model)
	}
	if p.FixedFee.IsNegative() || p.PerKmRate.IsNegative() || p.MinOrderValue.IsNegative() {
		return fmt.Errorf("%w: amounts must not be negative", ErrInvalidPolicy)
	}
	if p.FreeAboveValue != nil && p.FreeAboveValue.IsNegative() {
		return fmt.Errorf("%w: free_above_value must not be negative", ErrInvalidPolicy)
	}
	for _, km := range []*float64{p.FreeWithinKm, p.MaxDistanceKm} {
		if km != nil && *km < 0 {
			return fmt.Errorf("%w: distances must not be negative", ErrInvalidPolicy)
		}
	}
	return nil
}

// CheckMinimum blocks checkout when subtotal is under the pharmacy minimum.
func (p Policy) CheckMinimum(subtotal decimal.Decimal) error {
	if subtotal.LessThan(p.MinOrderValue) {
		return ErrBelowMinimumOrder
	}
	return nil
}

// rangeFor picks the first range (ascending by MaxKm) covering distanceKm.
// Past the last range the last rate still applies.
func rangeFor(ranges []FeeRange, distanceKm float64) (FeeRange, error) {
	if len(ranges) == 0 {
		return FeeRange{}, ErrInvalidPolicy
	}
	sorted := make([]FeeRange, len(ranges))
	copy(sorted, ranges)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].MaxKm < sorted[j].MaxKm })
	for _, r := range sorted {
		if r.MaxKm >= distanceKm {
			return r, nil
		}
	}
	return sorted[len(sorted)-1], nil
}
