// README: Courier GEO index backed by Redis, used to rank idle couriers around a pharmacy.
package courier

import (
	"context"

	"github.com/redis/go-redis/v9"

	"ifarma/internal/types"
)

const courierGeoKey = "dispatch:couriers"

type GeoIndex struct {
	redis *redis.Client
}

func NewGeoIndex(redis *redis.Client) *GeoIndex {
	return &GeoIndex{redis: redis}
}

func (g *GeoIndex) Upsert(ctx context.Context, id types.ID, p types.Point) error {
	return g.redis.GeoAdd(ctx, courierGeoKey, &redis.GeoLocation{
		Name:      string(id),
		Longitude: p.Lng,
		Latitude:  p.Lat,
	}).Err()
}

func (g *GeoIndex) Remove(ctx context.Context, id types.ID) error {
	return g.redis.ZRem(ctx, courierGeoKey, string(id)).Err()
}

// Nearby returns indexed courier ids within radiusKm of p, nearest first.
func (g *GeoIndex) Nearby(ctx context.Context, p types.Point, radiusKm float64, limit int) ([]types.ID, error) {
	results, err := g.redis.GeoSearch(ctx, courierGeoKey, &redis.GeoSearchQuery{
		Longitude:  p.Lng,
		Latitude:   p.Lat,
		Radius:     radiusKm,
		RadiusUnit: "km",
		Sort:       "ASC",
		Count:      limit,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ids := make([]types.ID, len(results))
	for i, r := range results {
		ids[i] = types.ID(r)
	}
	return ids, nil
}
