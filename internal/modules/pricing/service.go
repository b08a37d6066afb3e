// README: Pricing service computes distance and fare estimates.
package pricing

import (
	"context"
	"math"

	"github.com/sirupsen/logrus"

	"ridedispatch/internal/modules/location"
	"ridedispatch/internal/types"
)

// RouteEstimator returns the driving distance between two points.
type RouteEstimator interface {
	RoadDistanceKm(ctx context.Context, origin, destination types.Point) (float64, error)
}

type Service struct {
	rate   Rate
	routes RouteEstimator
	log    logrus.FieldLogger
}

// NewService builds a pricing service. routes may be nil, in which case the
// great-circle distance is used.
func NewService(rate Rate, routes RouteEstimator, log logrus.FieldLogger) *Service {
	return &Service{rate: rate, routes: routes, log: log}
}

// EstimateFare is base + per-km, rounded to the cent and floored at the minimum.
func (s *Service) EstimateFare(distanceKm float64) types.Money {
	if distanceKm < 0 {
		distanceKm = 0
	}
	amount := s.rate.BaseCents + int64(math.Round(float64(s.rate.PerKmCents)*distanceKm))
	if amount < s.rate.MinimumCents {
		amount = s.rate.MinimumCents
	}
	return types.Money{Amount: amount, Currency: s.rate.Currency}
}

// Distance is the great-circle distance in km.
func Distance(a, b types.Point) float64 {
	return location.DistanceKm(a, b)
}

// Estimate prefers road distance and falls back to Distance when the route
// lookup is unavailable or fails.
func (s *Service) Estimate(ctx context.Context, from, to types.Point) (float64, types.Money, error) {
	km := Distance(from, to)
	if s.routes != nil {
		road, err := s.routes.RoadDistanceKm(ctx, from, to)
		if err == nil && road > 0 {
			km = road
		} else if err != nil {
			s.log.WithError(err).Debug("road distance unavailable, using great-circle distance")
		}
	}
	km = math.Round(km*1000) / 1000
	return km, s.EstimateFare(km), nil
}
