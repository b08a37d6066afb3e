// README: Push notifications to drivers over Firebase Cloud Messaging.
package notify

import (
	"context"
	"fmt"
	"strconv"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"

	"ridedispatch/internal/types"
)

// OfferNotice is the payload a driver app needs to show a new offer.
type OfferNotice struct {
	OfferID       types.ID
	TripID        types.ID
	DriverID      types.ID
	Pickup        types.Point
	DistanceKm    float64
	EstimatedFare types.Money
	ExpiresAt     time.Time
}

// Notifier is best effort; callers log failures.
type Notifier interface {
	NotifyOffer(ctx context.Context, n OfferNotice) error
}

type sender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

type FCM struct {
	client sender
}

func NewFCM(ctx context.Context, app *firebase.App) (*FCM, error) {
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialising firebase messaging client: %w", err)
	}
	return &FCM{client: client}, nil
}

// DriverTopic is the topic each driver app subscribes to.
func DriverTopic(driverID types.ID) string {
	return "driver_" + string(driverID)
}

func (f *FCM) NotifyOffer(ctx context.Context, n OfferNotice) error {
	if _, err := f.client.Send(ctx, offerMessage(n)); err != nil {
		return fmt.Errorf("sending FCM to driver %s: %w", n.DriverID, err)
	}
	return nil
}

func offerMessage(n OfferNotice) *messaging.Message {
	ttl := time.Until(n.ExpiresAt)
	if ttl < 0 {
		ttl = 0
	}
	return &messaging.Message{
		Topic: DriverTopic(n.DriverID),
		Data: map[string]string{
			"type":        "new_offer",
			"offer_id":    string(n.OfferID),
			"trip_id":     string(n.TripID),
			"pickup_lat":  strconv.FormatFloat(n.Pickup.Lat, 'f', 6, 64),
			"pickup_lng":  strconv.FormatFloat(n.Pickup.Lng, 'f', 6, 64),
			"distance_km": strconv.FormatFloat(n.DistanceKm, 'f', 2, 64),
			"fare":        strconv.FormatInt(n.EstimatedFare.Amount, 10),
			"currency":    n.EstimatedFare.Currency,
			"expires_at":  n.ExpiresAt.UTC().Format(time.RFC3339),
		},
		Notification: &messaging.Notification{
			Title: "New ride request",
			Body:  fmt.Sprintf("Pickup %.1f km away", n.DistanceKm),
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
			TTL:      &ttl,
		},
	}
}

type Noop struct{}

func (Noop) NotifyOffer(context.Context, OfferNotice) error { return nil }
