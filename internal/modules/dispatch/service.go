// README: Dispatch coordinator: radius-expansion search, then one atomic write of offers and trip status.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"ridedispatch/internal/config"
	"ridedispatch/internal/events"
	"ridedispatch/internal/modules/location"
	"ridedispatch/internal/modules/offer"
	"ridedispatch/internal/modules/trip"
	"ridedispatch/internal/notify"
	"ridedispatch/internal/types"
)

// notifyParallelism bounds concurrent push sends for one dispatch.
const notifyParallelism = 4

type Repository interface {
	InTx(ctx context.Context, fn func(Tx) error) error
}

type Tx interface {
	LockTrip(ctx context.Context, id types.ID) (*trip.Trip, error)
	UpdateTrip(ctx context.Context, tr trip.Transition) (bool, error)
	CreateOffers(ctx context.Context, offers []offer.Offer) error
	AppendEvent(ctx context.Context, e *trip.Event) error
}

type Recorder interface {
	RecordDispatch(ctx context.Context, r Record) error
	GetDispatch(ctx context.Context, tripID types.ID) (*Record, error)
}

type Coordinator struct {
	cfg      config.DispatchConfig
	offerTTL time.Duration
	oracle   location.Index
	store    Repository
	recorder Recorder
	notifier notify.Notifier
	events   events.Publisher
	log      logrus.FieldLogger
	now      func() time.Time
}

type Option func(*Coordinator)

func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

func WithNotifier(n notify.Notifier) Option {
	return func(c *Coordinator) { c.notifier = n }
}

func WithPublisher(p events.Publisher) Option {
	return func(c *Coordinator) { c.events = p }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func NewCoordinator(cfg config.DispatchConfig, offerTTL time.Duration, oracle location.Index, store Repository, log logrus.FieldLogger, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:      cfg,
		offerTTL: offerTTL,
		oracle:   oracle,
		store:    store,
		notifier: notify.Noop{},
		events:   events.Noop{},
		log:      log,
		now:      trip.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FindAndNotifyDrivers searches the configured radii in increasing order and
// stops at the first one returning any driver. The closest NotifyLimit
// drivers get a PENDING offer and the trip moves to FINDING_DRIVER in one
// transaction. When every radius comes back empty or failed, the trip ends in
// NO_DRIVERS_AVAILABLE.
func (c *Coordinator) FindAndNotifyDrivers(ctx context.Context, tripID types.ID, pickup types.Point) (Result, error) {
	log := c.log.WithField("trip_id", tripID)

	drivers, radius := c.search(ctx, log, pickup)
	if len(drivers) == 0 {
		err := c.markNoDrivers(ctx, tripID)
		if errors.Is(err, errAbandoned) {
			log.Info("dispatch abandoned, trip no longer requested")
			return Result{}, nil
		}
		if err != nil {
			return Result{}, err
		}
		log.WithField("radius_km", radius).Info("no drivers available")
		c.record(ctx, log, Record{TripID: tripID, Outcome: OutcomeNoDrivers, RadiusKm: radius, DispatchedAt: c.now()})
		return Result{DriversNotified: 0, RadiusKm: radius}, nil
	}

	if len(drivers) > c.cfg.NotifyLimit {
		drivers = drivers[:c.cfg.NotifyLimit]
	}
	now := c.now()
	offers := make([]offer.Offer, len(drivers))
	ids := make([]types.ID, len(drivers))
	for i, d := range drivers {
		offers[i] = offer.Offer{
			ID:         types.NewID(),
			TripID:     tripID,
			DriverID:   d.ID,
			Status:     offer.StatusPending,
			NotifiedAt: now,
		}
		ids[i] = d.ID
	}

	t, err := c.commitOffers(ctx, tripID, offers, now)
	if errors.Is(err, errAbandoned) {
		log.Info("dispatch abandoned, trip no longer requested")
		return Result{}, nil
	}
	if err != nil {
		return Result{}, err
	}

	log.WithFields(logrus.Fields{
		"radius_km": radius,
		"notified":  len(offers),
	}).Info("offers dispatched")
	c.record(ctx, log, Record{TripID: tripID, Outcome: OutcomeOffered, RadiusKm: radius, DriverIDs: ids, DispatchedAt: now})
	c.notifyDrivers(ctx, log, t, offers, drivers)
	return Result{DriversNotified: len(offers), RadiusKm: radius}, nil
}

// search returns the drivers of the first non-empty radius and that radius,
// or no drivers and the last radius tried.
func (c *Coordinator) search(ctx context.Context, log logrus.FieldLogger, pickup types.Point) ([]location.Driver, float64) {
	var last float64
	failures := 0
	for _, radius := range c.cfg.RadiiKm {
		last = radius
		res, err := c.oracle.SearchNearby(ctx, pickup, radius, c.cfg.NotifyLimit)
		if err != nil {
			failures++
			log.WithError(err).WithField("radius_km", radius).Warn("driver search failed, widening radius")
			continue
		}
		if len(res.Drivers) > 0 {
			return res.Drivers, radius
		}
		log.WithField("radius_km", radius).Debug("no drivers at radius")
	}
	if failures == len(c.cfg.RadiiKm) && failures > 0 {
		// Reported as no drivers to the trip; kept distinct in logs so an
		// outage is not mistaken for an empty map.
		log.WithField("radii", len(c.cfg.RadiiKm)).Error("driver search failed at every radius")
	}
	return nil, last
}

func (c *Coordinator) markNoDrivers(ctx context.Context, tripID types.ID) error {
	var t *trip.Trip
	err := c.store.InTx(ctx, func(tx Tx) error {
		var err error
		if t, err = lockRequested(ctx, tx, tripID); err != nil {
			return err
		}
		now := c.now()
		// REQUESTED has no direct edge to NO_DRIVERS_AVAILABLE; walk through
		// FINDING_DRIVER inside the same transaction.
		for _, to := range []trip.Status{trip.StatusFindingDriver, trip.StatusNoDriversAvailable} {
			if err := writeTransition(ctx, tx, t, to, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	events.Emit(ctx, c.events, c.log, trip.EventFor(t, trip.StatusFindingDriver))
	return nil
}

func (c *Coordinator) commitOffers(ctx context.Context, tripID types.ID, offers []offer.Offer, now time.Time) (*trip.Trip, error) {
	var t *trip.Trip
	err := c.store.InTx(ctx, func(tx Tx) error {
		var err error
		if t, err = lockRequested(ctx, tx, tripID); err != nil {
			return err
		}
		if err := trip.ValidateTransition(t.Status, trip.StatusFindingDriver); err != nil {
			return err
		}
		if err := tx.CreateOffers(ctx, offers); err != nil {
			return fmt.Errorf("%w: create offers: %v", ErrInconsistent, err)
		}
		return writeTransition(ctx, tx, t, trip.StatusFindingDriver, now)
	})
	if err != nil {
		return nil, err
	}
	e := trip.EventFor(t, trip.StatusRequested)
	e.Offers = len(offers)
	events.Emit(ctx, c.events, c.log, e)
	return t, nil
}

func lockRequested(ctx context.Context, tx Tx, tripID types.ID) (*trip.Trip, error) {
	t, err := tx.LockTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if t.Status != trip.StatusRequested {
		return nil, errAbandoned
	}
	return t, nil
}

// writeTransition validates, writes and logs one step, then applies it to t.
func writeTransition(ctx context.Context, tx Tx, t *trip.Trip, to trip.Status, at time.Time) error {
	if err := trip.ValidateTransition(t.Status, to); err != nil {
		return err
	}
	tr := trip.Transition{TripID: t.ID, From: t.Status, To: to, Version: t.StatusVersion, At: at}
	ok, err := tx.UpdateTrip(ctx, tr)
	if err != nil {
		return fmt.Errorf("%w: update trip: %v", ErrInconsistent, err)
	}
	if !ok {
		return fmt.Errorf("%w: trip %s changed under lock", ErrInconsistent, t.ID)
	}
	if err := tx.AppendEvent(ctx, &trip.Event{
		TripID:     t.ID,
		FromStatus: t.Status,
		ToStatus:   to,
		ActorType:  trip.ActorSystem,
		CreatedAt:  at,
	}); err != nil {
		return fmt.Errorf("%w: append event: %v", ErrInconsistent, err)
	}
	tr.Apply(t)
	return nil
}

func (c *Coordinator) record(ctx context.Context, log logrus.FieldLogger, r Record) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.RecordDispatch(ctx, r); err != nil {
		log.WithError(err).Warn("record dispatch failed")
	}
}

func (c *Coordinator) notifyDrivers(ctx context.Context, log logrus.FieldLogger, t *trip.Trip, offers []offer.Offer, drivers []location.Driver) {
	var g errgroup.Group
	g.SetLimit(notifyParallelism)
	for i := range offers {
		o, d := offers[i], drivers[i]
		g.Go(func() error {
			err := c.notifier.NotifyOffer(ctx, notify.OfferNotice{
				OfferID:       o.ID,
				TripID:        o.TripID,
				DriverID:      o.DriverID,
				Pickup:        t.Pickup,
				DistanceKm:    d.DistanceKm,
				EstimatedFare: t.EstimatedFare,
				ExpiresAt:     o.NotifiedAt.Add(c.offerTTL),
			})
			if err != nil {
				log.WithError(err).WithField("driver_id", o.DriverID).Warn("offer push failed")
			}
			return nil
		})
	}
	_ = g.Wait()
}
