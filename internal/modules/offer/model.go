// README: Offer model; liveness is derived from notified_at and the TTL, never stored.
package offer

import (
	"math"
	"time"

	"ridedispatch/internal/types"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusDeclined Status = "declined"
	StatusExpired  Status = "expired"
)

type Offer struct {
	ID          types.ID
	TripID      types.ID
	DriverID    types.ID
	Status      Status
	NotifiedAt  time.Time
	RespondedAt *time.Time
}

// Age is how long ago the driver was notified.
func (o *Offer) Age(now time.Time) time.Duration {
	return now.Sub(o.NotifiedAt)
}

// Stale reports whether the response window has closed (age >= ttl).
func (o *Offer) Stale(now time.Time, ttl time.Duration) bool {
	return o.Age(now) >= ttl
}

// Live is the only definition of an acceptable offer.
func (o *Offer) Live(now time.Time, ttl time.Duration) bool {
	return o.Status == StatusPending && !o.Stale(now, ttl)
}

func (o *Offer) Remaining(now time.Time, ttl time.Duration) time.Duration {
	r := ttl - o.Age(now)
	if r < 0 {
		return 0
	}
	return r
}

// Listing is a pending offer joined with what a driver needs to decide.
type Listing struct {
	Offer
	Pickup        types.Point
	Destination   types.Point
	PickupAddress string
	DestAddress   string
	EstimatedFare types.Money
	EstimatedKm   float64
}

type View struct {
	ID                   types.ID    `json:"id"`
	TripID               types.ID    `json:"trip_id"`
	Status               Status      `json:"status"`
	NotifiedAt           time.Time   `json:"notified_at"`
	ExpiresAt            time.Time   `json:"expires_at"`
	TimeRemainingSeconds int         `json:"time_remaining_seconds"`
	Pickup               types.Point `json:"pickup"`
	Destination          types.Point `json:"destination"`
	PickupAddress        string      `json:"pickup_address"`
	DestAddress          string      `json:"destination_address"`
	EstimatedFare        types.Money `json:"estimated_fare"`
	EstimatedKm          float64     `json:"estimated_km"`
}

// NewView rounds the remaining time up so a live offer never shows zero.
func NewView(l Listing, now time.Time, ttl time.Duration) View {
	return View{
		ID:                   l.ID,
		TripID:               l.TripID,
		Status:               l.Status,
		NotifiedAt:           l.NotifiedAt,
		ExpiresAt:            l.NotifiedAt.Add(ttl),
		TimeRemainingSeconds: int(math.Ceil(l.Remaining(now, ttl).Seconds())),
		Pickup:               l.Pickup,
		Destination:          l.Destination,
		PickupAddress:        l.PickupAddress,
		DestAddress:          l.DestAddress,
		EstimatedFare:        l.EstimatedFare,
		EstimatedKm:          l.EstimatedKm,
	}
}
