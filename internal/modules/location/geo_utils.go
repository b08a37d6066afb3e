// Package location: geo_utils contains pure geographic computation helpers.
package location

import (
	"math"

	"ridedispatch/internal/types"
)

const earthRadiusKm = 6371.0

// kmPerDegreeLat is kept under the true ~111.19 so search boxes over-cover.
const kmPerDegreeLat = 111.0

// haversineKm returns the great-circle distance in kilometres between two
// points specified in decimal degrees.
func haversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := degreesToRadians(lat2 - lat1)
	dLng := degreesToRadians(lng2 - lng1)

	rLat1 := degreesToRadians(lat1)
	rLat2 := degreesToRadians(lat2)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rLat1)*math.Cos(rLat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusKm * c
}

// DistanceKm is the great-circle distance between two points.
func DistanceKm(a, b types.Point) float64 {
	return haversineKm(a.Lat, a.Lng, b.Lat, b.Lng)
}

func degreesToRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}

// degreeSpan returns the lat/lng half-widths (degrees) of a box that fully
// contains a circle of radiusKm around a point at latitude lat.
func degreeSpan(lat, radiusKm float64) (dLat, dLng float64) {
	dLat = radiusKm / kmPerDegreeLat
	cos := math.Cos(degreesToRadians(lat))
	if cos < 0.01 {
		cos = 0.01
	}
	dLng = radiusKm / (kmPerDegreeLat * cos)
	return dLat, dLng
}

// sortByDistance performs an insertion sort (fine for small N) on any slice
// where each element exposes a distance via the accessor function. Stable.
func sortByDistance[T any](items []T, dist func(T) float64) {
	for i := 1; i < len(items); i++ {
		key := items[i]
		j := i - 1
		for j >= 0 && dist(items[j]) > dist(key) {
			items[j+1] = items[j]
			j--
		}
		items[j+1] = key
	}
}
