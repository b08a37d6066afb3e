// Package location provides driver location queries for dispatch. This file
// backs the index with Firebase RTDB, where the driver apps already publish
// their positions.
package location

import (
	"context"
	"fmt"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/db"

	"ridedispatch/internal/types"
)

const (
	driverLocationsNode = "driver_locations"
	driverStatusOnline  = "online"
)

// rtdbDriverEntry mirrors a single driver entry stored in Firebase RTDB
// under the /driver_locations node.
type rtdbDriverEntry struct {
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Status    string  `json:"status"`
	Timestamp int64   `json:"timestamp"`
}

type FirebaseIndex struct {
	dbClient *db.Client
}

func NewFirebaseIndex(ctx context.Context, app *firebase.App) (*FirebaseIndex, error) {
	dbClient, err := app.Database(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialising firebase RTDB client: %w", err)
	}
	return &FirebaseIndex{dbClient: dbClient}, nil
}

// queryActiveDrivers fetches only drivers with status "online" using an
// ordered query on the status child.
func (s *FirebaseIndex) queryActiveDrivers(ctx context.Context) (map[string]rtdbDriverEntry, error) {
	ref := s.dbClient.NewRef(driverLocationsNode)

	var data map[string]rtdbDriverEntry
	if err := ref.OrderByChild("status").EqualTo(driverStatusOnline).Get(ctx, &data); err != nil {
		return nil, fmt.Errorf("querying active drivers: %w", err)
	}
	return data, nil
}

// SearchNearby filters the online drivers by haversine distance. RTDB has no
// geo query, so the radius is applied client side.
func (s *FirebaseIndex) SearchNearby(ctx context.Context, center types.Point, radiusKm float64, limit int) (SearchResult, error) {
	data, err := s.queryActiveDrivers(ctx)
	if err != nil {
		return SearchResult{}, err
	}

	var drivers []Driver
	for driverID, entry := range data {
		dist := haversineKm(center.Lat, center.Lng, entry.Lat, entry.Lng)
		if dist <= radiusKm {
			drivers = append(drivers, Driver{
				ID:         types.ID(driverID),
				Position:   types.Point{Lat: entry.Lat, Lng: entry.Lng},
				DistanceKm: dist,
			})
		}
	}
	return finalize(drivers, radiusKm, limit), nil
}

func (s *FirebaseIndex) UpsertDriver(ctx context.Context, driverID types.ID, pos types.Point) error {
	entry := rtdbDriverEntry{
		Lat:       pos.Lat,
		Lng:       pos.Lng,
		Status:    driverStatusOnline,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := s.dbClient.NewRef(driverLocationsNode).Child(string(driverID)).Set(ctx, entry); err != nil {
		return fmt.Errorf("writing driver location: %w", err)
	}
	return nil
}

func (s *FirebaseIndex) RemoveDriver(ctx context.Context, driverID types.ID) error {
	if err := s.dbClient.NewRef(driverLocationsNode).Child(string(driverID)).Delete(ctx); err != nil {
		return fmt.Errorf("removing driver location: %w", err)
	}
	return nil
}
