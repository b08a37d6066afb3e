// README: Trip service: creation with background dispatch, driver transitions, cancellation.
package trip

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mmcloughlin/geohash"
	"github.com/sirupsen/logrus"

	"ridedispatch/internal/events"
	"ridedispatch/internal/types"
)

const pickupCellPrecision = 7

var (
	ErrNotFound   = errors.New("trip not found")
	ErrForbidden  = errors.New("trip not accessible by caller")
	ErrConflict   = errors.New("trip state conflict")
	ErrActiveTrip = errors.New("passenger has active trip")
	ErrBadRequest = errors.New("bad request")
)

type Repository interface {
	Create(ctx context.Context, t *Trip, e *Event) error
	Get(ctx context.Context, id types.ID) (*Trip, error)
	HasActiveByPassenger(ctx context.Context, passengerID types.ID) (bool, error)
	Transition(ctx context.Context, tr Transition, e *Event) (bool, error)
	Cancel(ctx context.Context, tr Transition, e *Event) (bool, error)
	Events(ctx context.Context, tripID types.ID) ([]Event, error)
}

// Pricing supplies distance and fare for a pickup/destination pair.
type Pricing interface {
	Estimate(ctx context.Context, from, to types.Point) (distanceKm float64, fare types.Money, err error)
}

// AddressResolver fills in addresses the client did not send.
type AddressResolver interface {
	ReverseGeocode(ctx context.Context, p types.Point) (string, error)
}

// Dispatcher starts the driver search for a new trip without blocking.
type Dispatcher interface {
	Schedule(tripID types.ID, pickup types.Point)
}

type Service struct {
	store      Repository
	pricing    Pricing
	dispatcher Dispatcher
	addresses  AddressResolver
	events     events.Publisher
	log        logrus.FieldLogger
	now        func() time.Time
}

type Option func(*Service)

func WithAddressResolver(r AddressResolver) Option {
	return func(s *Service) { s.addresses = r }
}

func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.events = p }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store Repository, pricing Pricing, dispatcher Dispatcher, log logrus.FieldLogger, opts ...Option) *Service {
	s := &Service{
		store:      store,
		pricing:    pricing,
		dispatcher: dispatcher,
		events:     events.Noop{},
		log:        log,
		now:        Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type CreateCommand struct {
	PassengerID   types.ID
	Pickup        types.Point
	Destination   types.Point
	PickupAddress string
	DestAddress   string
}

type DriverCommand struct {
	TripID   types.ID
	DriverID types.ID
}

type CompleteCommand struct {
	TripID   types.ID
	DriverID types.ID
	// ActualFare in minor units; nil charges the estimate.
	ActualFare *int64
}

type CancelCommand struct {
	TripID   types.ID
	CallerID types.ID
	Reason   string
}

// Create persists a REQUESTED trip and hands it to the dispatcher. It returns
// as soon as the row is written; dispatch outcome is observed through the trip.
func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*Trip, error) {
	if cmd.PassengerID == "" || !cmd.Pickup.Valid() || !cmd.Destination.Valid() {
		return nil, ErrBadRequest
	}
	active, err := s.store.HasActiveByPassenger(ctx, cmd.PassengerID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, ErrActiveTrip
	}

	km, fare, err := s.pricing.Estimate(ctx, cmd.Pickup, cmd.Destination)
	if err != nil {
		return nil, fmt.Errorf("estimate fare: %w", err)
	}

	now := s.now()
	t := &Trip{
		ID:            types.NewID(),
		PassengerID:   cmd.PassengerID,
		Status:        StatusRequested,
		Pickup:        cmd.Pickup,
		Destination:   cmd.Destination,
		PickupAddress: strings.TrimSpace(cmd.PickupAddress),
		DestAddress:   strings.TrimSpace(cmd.DestAddress),
		PickupCell:    geohash.EncodeWithPrecision(cmd.Pickup.Lat, cmd.Pickup.Lng, pickupCellPrecision),
		EstimatedFare: fare,
		EstimatedKm:   km,
		RequestedAt:   now,
	}
	s.fillAddresses(ctx, t)

	err = s.store.Create(ctx, t, &Event{
		TripID:     t.ID,
		FromStatus: StatusNone,
		ToStatus:   StatusRequested,
		ActorType:  ActorPassenger,
		ActorID:    &t.PassengerID,
		CreatedAt:  now,
	})
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"trip_id":      t.ID,
		"passenger_id": t.PassengerID,
		"pickup_cell":  t.PickupCell,
		"fare":         t.EstimatedFare.Amount,
	}).Info("trip requested")
	s.publish(ctx, t, StatusNone)

	s.dispatcher.Schedule(t.ID, t.Pickup)
	return t, nil
}

func (s *Service) fillAddresses(ctx context.Context, t *Trip) {
	if s.addresses == nil {
		return
	}
	resolve := func(p types.Point, dst *string) {
		if *dst != "" {
			return
		}
		addr, err := s.addresses.ReverseGeocode(ctx, p)
		if err != nil {
			s.log.WithError(err).WithField("point", p.LatLng()).Debug("reverse geocode failed")
			return
		}
		*dst = addr
	}
	resolve(t.Pickup, &t.PickupAddress)
	resolve(t.Destination, &t.DestAddress)
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Trip, error) {
	return s.store.Get(ctx, id)
}

// GetFor returns the trip when callerID is its passenger or assigned driver.
func (s *Service) GetFor(ctx context.Context, id, callerID types.ID) (*Trip, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.VisibleTo(callerID) {
		return nil, ErrForbidden
	}
	return t, nil
}

// History lists the trip's status changes, oldest first, for the same callers
// GetFor admits.
func (s *Service) History(ctx context.Context, id, callerID types.ID) ([]Event, error) {
	if _, err := s.GetFor(ctx, id, callerID); err != nil {
		return nil, err
	}
	return s.store.Events(ctx, id)
}

func (s *Service) MarkEnRoute(ctx context.Context, cmd DriverCommand) (*Trip, error) {
	return s.advance(ctx, cmd.TripID, cmd.DriverID, StatusEnRoute, nil)
}

func (s *Service) Arrive(ctx context.Context, cmd DriverCommand) (*Trip, error) {
	return s.advance(ctx, cmd.TripID, cmd.DriverID, StatusArrived, nil)
}

func (s *Service) Start(ctx context.Context, cmd DriverCommand) (*Trip, error) {
	return s.advance(ctx, cmd.TripID, cmd.DriverID, StatusInProgress, nil)
}

func (s *Service) Complete(ctx context.Context, cmd CompleteCommand) (*Trip, error) {
	if cmd.ActualFare != nil && *cmd.ActualFare < 0 {
		return nil, ErrBadRequest
	}
	return s.advance(ctx, cmd.TripID, cmd.DriverID, StatusCompleted, cmd.ActualFare)
}

func (s *Service) advance(ctx context.Context, tripID, driverID types.ID, to Status, fare *int64) (*Trip, error) {
	t, err := s.store.Get(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if !t.AssignedTo(driverID) {
		return nil, ErrForbidden
	}
	if err := ValidateTransition(t.Status, to); err != nil {
		return nil, err
	}

	tr := Transition{
		TripID:  t.ID,
		From:    t.Status,
		To:      to,
		Version: t.StatusVersion,
		At:      s.now(),
	}
	if to == StatusCompleted {
		actual := t.EstimatedFare
		if fare != nil {
			actual.Amount = *fare
		}
		tr.ActualFare = &actual
	}
	ok, err := s.store.Transition(ctx, tr, &Event{
		TripID:     t.ID,
		FromStatus: t.Status,
		ToStatus:   to,
		ActorType:  ActorDriver,
		ActorID:    &driverID,
		CreatedAt:  tr.At,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflict
	}

	from := t.Status
	tr.Apply(t)
	s.log.WithFields(logrus.Fields{
		"trip_id":   t.ID,
		"driver_id": driverID,
		"from":      from,
		"to":        to,
	}).Info("trip advanced")
	s.publish(ctx, t, from)
	return t, nil
}

// Cancel is allowed to the passenger and, once assigned, the driver. Pending
// offers of the trip are expired in the same transaction.
func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (*Trip, error) {
	t, err := s.store.Get(ctx, cmd.TripID)
	if err != nil {
		return nil, err
	}
	var actor string
	switch {
	case t.PassengerID == cmd.CallerID:
		actor = ActorPassenger
	case t.AssignedTo(cmd.CallerID):
		actor = ActorDriver
	default:
		return nil, ErrForbidden
	}
	if err := ValidateTransition(t.Status, StatusCancelled); err != nil {
		return nil, err
	}

	reason := strings.TrimSpace(cmd.Reason)
	if reason == "" {
		reason = actor + "_cancelled"
	}
	tr := Transition{
		TripID:  t.ID,
		From:    t.Status,
		To:      StatusCancelled,
		Version: t.StatusVersion,
		At:      s.now(),
		Reason:  &reason,
	}
	callerID := cmd.CallerID
	ok, err := s.store.Cancel(ctx, tr, &Event{
		TripID:     t.ID,
		FromStatus: t.Status,
		ToStatus:   StatusCancelled,
		ActorType:  actor,
		ActorID:    &callerID,
		CreatedAt:  tr.At,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflict
	}

	from := t.Status
	tr.Apply(t)
	s.log.WithFields(logrus.Fields{
		"trip_id": t.ID,
		"actor":   actor,
		"from":    from,
		"reason":  reason,
	}).Info("trip cancelled")
	s.publish(ctx, t, from)
	return t, nil
}

func (s *Service) publish(ctx context.Context, t *Trip, from Status) {
	events.Emit(ctx, s.events, s.log, EventFor(t, from))
}

// EventFor builds the bus event for t having just left from.
func EventFor(t *Trip, from Status) events.TripEvent {
	return events.TripEvent{
		TripID:      t.ID,
		PassengerID: t.PassengerID,
		DriverID:    t.DriverID,
		From:        string(from),
		To:          string(t.Status),
		At:          time.Now().UTC(),
	}
}
