// README: Trip lifecycle events published after commit.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ridedispatch/internal/infra"
	"ridedispatch/internal/types"
)

type TripEvent struct {
	TripID      types.ID  `json:"trip_id"`
	PassengerID types.ID  `json:"passenger_id"`
	DriverID    *types.ID `json:"driver_id,omitempty"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Offers      int       `json:"offers,omitempty"`
	At          time.Time `json:"at"`
}

func (e TripEvent) RoutingKey() string {
	return "trip." + e.To
}

// Publisher delivers events on a best-effort basis. Callers log failures and
// never roll back a committed state change because of them.
type Publisher interface {
	Publish(ctx context.Context, e TripEvent) error
}

type Noop struct{}

func (Noop) Publish(context.Context, TripEvent) error { return nil }

type AMQPPublisher struct {
	mq       *infra.RabbitMQ
	exchange string
}

func NewAMQPPublisher(mq *infra.RabbitMQ, exchange string) *AMQPPublisher {
	return &AMQPPublisher{mq: mq, exchange: exchange}
}

func (p *AMQPPublisher) Publish(ctx context.Context, e TripEvent) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return p.mq.Publish(ctx, p.exchange, e.RoutingKey(), body)
}

// Emit publishes e and logs a failure instead of returning it.
func Emit(ctx context.Context, p Publisher, log logrus.FieldLogger, e TripEvent) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, e); err != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"trip_id": e.TripID,
			"to":      e.To,
		}).Warn("publish trip event failed")
	}
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []TripEvent
}

func (r *Recorder) Publish(_ context.Context, e TripEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Events() []TripEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TripEvent, len(r.events))
	copy(out, r.events)
	return out
}
