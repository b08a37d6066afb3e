// README: Driver location oracle contract shared by the Redis, Firebase and in-memory indexes.
package location

import (
	"context"
	"errors"

	"ridedispatch/internal/types"
)

// ErrUpstreamUnavailable means the index could not answer within the retry budget.
var ErrUpstreamUnavailable = errors.New("driver location upstream unavailable")

// Driver is an online driver returned by a radius search.
type Driver struct {
	ID         types.ID    `json:"driver_id"`
	Position   types.Point `json:"position"`
	DistanceKm float64     `json:"distance_km"`
}

// SearchResult holds at most limit drivers; TotalFound counts every driver
// inside the radius before the limit was applied.
type SearchResult struct {
	Drivers        []Driver `json:"drivers"`
	SearchRadiusKm float64  `json:"search_radius_km"`
	TotalFound     int      `json:"total_found"`
}

// Index finds online drivers within radiusKm of center, closest first, at
// most limit of them.
type Index interface {
	SearchNearby(ctx context.Context, center types.Point, radiusKm float64, limit int) (SearchResult, error)
}

// Updater maintains the set of online drivers an Index searches.
type Updater interface {
	UpsertDriver(ctx context.Context, driverID types.ID, pos types.Point) error
	RemoveDriver(ctx context.Context, driverID types.ID) error
}

// Store is an index that can also be written to.
type Store interface {
	Index
	Updater
}

// finalize sorts, counts and truncates drivers already filtered by radius.
func finalize(drivers []Driver, radiusKm float64, limit int) SearchResult {
	sortByDistance(drivers, func(d Driver) float64 { return d.DistanceKm })
	total := len(drivers)
	if limit > 0 && len(drivers) > limit {
		drivers = drivers[:limit]
	}
	return SearchResult{Drivers: drivers, SearchRadiusKm: radiusKm, TotalFound: total}
}
