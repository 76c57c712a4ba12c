// README: Geo helpers for ranking courier candidates by distance to the pickup point.
package courier

import (
	"sort"

	"ifarma/internal/types"
)

// sortByDistance orders any slice by an accessor, keeping ties stable.
func sortByDistance[T any](items []T, dist func(T) float64) {
	sort.SliceStable(items, func(i, j int) bool { return dist(items[i]) < dist(items[j]) })
}

// rankCandidates puts couriers with a known position first, nearest first.
// Couriers that never reported a position keep their original order at the end.
func rankCandidates(couriers []*Courier, from types.Point) []Candidate {
	known := make([]Candidate, 0, len(couriers))
	var unknown []Candidate
	for _, c := range couriers {
		if c.Position == nil {
			unknown = append(unknown, Candidate{ID: c.ID})
			continue
		}
		known = append(known, Candidate{ID: c.ID, DistanceKm: types.DistanceKm(from, *c.Position), Known: true})
	}
	sortByDistance(known, func(c Candidate) float64 { return c.DistanceKm })
	return append(known, unknown...)
}
