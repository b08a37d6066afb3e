package pricing

import (
	"context"
	"errors"
	"testing"

	"ridedispatch/internal/logger"
	"ridedispatch/internal/types"
)

var testRate = Rate{BaseCents: 1200, PerKmCents: 450, MinimumCents: 2000, Currency: "USD"}

func TestEstimateFare(t *testing.T) {
	svc := NewService(testRate, nil, logger.Discard())

	tests := []struct {
		name     string
		km       float64
		wantFare int64
	}{
		{name: "zero distance hits minimum", km: 0, wantFare: 2000},
		{name: "short trip hits minimum", km: 1.5, wantFare: 2000},
		{name: "exact minimum boundary", km: 1.7777, wantFare: 2000},
		{name: "5km", km: 5, wantFare: 1200 + 2250},
		{name: "rounds to nearest cent", km: 3.3333, wantFare: 1200 + 1500},
		{name: "negative treated as zero", km: -4, wantFare: 2000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := svc.EstimateFare(tt.km)
			if got.Amount != tt.wantFare {
				t.Errorf("EstimateFare(%v) = %d, want %d", tt.km, got.Amount, tt.wantFare)
			}
			if got.Currency != "USD" {
				t.Errorf("currency = %s", got.Currency)
			}
		})
	}
}

type fixedRoute struct {
	km  float64
	err error
}

func (f fixedRoute) RoadDistanceKm(context.Context, types.Point, types.Point) (float64, error) {
	return f.km, f.err
}

func TestEstimateUsesRoadDistance(t *testing.T) {
	from := types.Point{Lat: 10.762622, Lng: 106.660172}
	to := types.Point{Lat: 10.7725, Lng: 106.6980}
	ctx := context.Background()

	svc := NewService(testRate, fixedRoute{km: 6}, logger.Discard())
	km, fare, err := svc.Estimate(ctx, from, to)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if km != 6 || fare.Amount != 1200+2700 {
		t.Fatalf("road estimate = %v km, %d", km, fare.Amount)
	}

	svc = NewService(testRate, fixedRoute{err: errors.New("quota exceeded")}, logger.Discard())
	km, fare, err = svc.Estimate(ctx, from, to)
	if err != nil {
		t.Fatalf("estimate with failing route: %v", err)
	}
	want := Distance(from, to)
	if km < want-0.001 || km > want+0.001 {
		t.Fatalf("fallback km = %v, want ~%v", km, want)
	}
	if fare != svc.EstimateFare(km) {
		t.Fatalf("fare %v does not match EstimateFare(%v)", fare, km)
	}
}
