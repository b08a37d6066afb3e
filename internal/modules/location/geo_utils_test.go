package location

import (
	"math"
	"testing"

	"ridedispatch/internal/types"
)

func TestHaversineKm_KnownDistances(t *testing.T) {
	tests := []struct {
		name      string
		a, b      types.Point
		wantKm    float64
		tolerance float64
	}{
		{
			name:      "same point",
			a:         types.Point{Lat: 10.762622, Lng: 106.660172},
			b:         types.Point{Lat: 10.762622, Lng: 106.660172},
			wantKm:    0,
			tolerance: 0.001,
		},
		{
			name:      "Ben Thanh market to Tan Son Nhat (~6.5km)",
			a:         types.Point{Lat: 10.7725, Lng: 106.6980},
			b:         types.Point{Lat: 10.8185, Lng: 106.6588},
			wantKm:    6.6,
			tolerance: 0.5,
		},
		{
			name:      "New York to Los Angeles (~3944km)",
			a:         types.Point{Lat: 40.7128, Lng: -74.0060},
			b:         types.Point{Lat: 34.0522, Lng: -118.2437},
			wantKm:    3944,
			tolerance: 50,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DistanceKm(tt.a, tt.b)
			if math.Abs(got-tt.wantKm) > tt.tolerance {
				t.Errorf("DistanceKm() = %f, want %f (±%f)", got, tt.wantKm, tt.tolerance)
			}
		})
	}
}

func TestHaversineKm_Symmetry(t *testing.T) {
	d1 := haversineKm(25.0, 121.0, 26.0, 122.0)
	d2 := haversineKm(26.0, 122.0, 25.0, 121.0)
	if math.Abs(d1-d2) > 0.0001 {
		t.Errorf("haversine is not symmetric: %f vs %f", d1, d2)
	}
}

func TestDegreeSpanCoversRadius(t *testing.T) {
	center := types.Point{Lat: 10.762622, Lng: 106.660172}
	dLat, dLng := degreeSpan(center.Lat, 5)

	north := types.Point{Lat: center.Lat + dLat, Lng: center.Lng}
	east := types.Point{Lat: center.Lat, Lng: center.Lng + dLng}
	if d := DistanceKm(center, north); d < 5 {
		t.Errorf("north edge at %f km, want >= 5", d)
	}
	if d := DistanceKm(center, east); d < 5 {
		t.Errorf("east edge at %f km, want >= 5", d)
	}
}

func TestSortByDistance_Drivers(t *testing.T) {
	drivers := []Driver{
		{ID: "c", DistanceKm: 5.0},
		{ID: "a", DistanceKm: 1.0},
		{ID: "b", DistanceKm: 3.0},
	}

	sortByDistance(drivers, func(d Driver) float64 { return d.DistanceKm })

	if drivers[0].ID != "a" || drivers[1].ID != "b" || drivers[2].ID != "c" {
		t.Errorf("unexpected sort order: %v", drivers)
	}
}

func TestSortByDistance_Empty(t *testing.T) {
	var drivers []Driver
	sortByDistance(drivers, func(d Driver) float64 { return d.DistanceKm })
}

func TestFinalizeTruncatesButCountsAll(t *testing.T) {
	drivers := []Driver{
		{ID: "c", DistanceKm: 3},
		{ID: "a", DistanceKm: 1},
		{ID: "b", DistanceKm: 2},
	}
	res := finalize(drivers, 5, 2)
	if res.TotalFound != 3 {
		t.Errorf("TotalFound = %d, want 3", res.TotalFound)
	}
	if len(res.Drivers) != 2 || res.Drivers[0].ID != "a" || res.Drivers[1].ID != "b" {
		t.Errorf("unexpected drivers %v", res.Drivers)
	}
	if res.SearchRadiusKm != 5 {
		t.Errorf("SearchRadiusKm = %v", res.SearchRadiusKm)
	}
}
