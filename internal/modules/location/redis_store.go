// README: Driver index backed by Redis GEO; one sorted set holds every online driver.
package location

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"ridedispatch/internal/types"
)

const driverGeoKey = "geo:drivers"

type RedisIndex struct {
	redis *redis.Client
}

func NewRedisIndex(redis *redis.Client) *RedisIndex {
	return &RedisIndex{redis: redis}
}

func (s *RedisIndex) UpsertDriver(ctx context.Context, driverID types.ID, pos types.Point) error {
	return s.redis.GeoAdd(ctx, driverGeoKey, &redis.GeoLocation{
		Name:      string(driverID),
		Longitude: pos.Lng,
		Latitude:  pos.Lat,
	}).Err()
}

func (s *RedisIndex) RemoveDriver(ctx context.Context, driverID types.ID) error {
	return s.redis.ZRem(ctx, driverGeoKey, string(driverID)).Err()
}

// SearchNearby uses GEORADIUS rather than GEOSEARCH so the same code runs
// against miniredis in tests. No COUNT is sent: the full ring comes back so
// TotalFound is the real number of drivers in range, and finalize applies limit.
func (s *RedisIndex) SearchNearby(ctx context.Context, center types.Point, radiusKm float64, limit int) (SearchResult, error) {
	results, err := s.redis.GeoRadius(ctx, driverGeoKey, center.Lng, center.Lat, &redis.GeoRadiusQuery{
		Radius:    radiusKm,
		Unit:      "km",
		WithCoord: true,
		WithDist:  true,
		Sort:      "ASC",
	}).Result()
	if err != nil {
		return SearchResult{}, fmt.Errorf("redis georadius: %w", err)
	}

	drivers := make([]Driver, 0, len(results))
	for _, r := range results {
		drivers = append(drivers, Driver{
			ID:         types.ID(r.Name),
			Position:   types.Point{Lat: r.Latitude, Lng: r.Longitude},
			DistanceKm: r.Dist,
		})
	}
	return finalize(drivers, radiusKm, limit), nil
}
