// README: Offer lifecycle: lazy expiry, race-safe accept, decline.
package offer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"ridedispatch/internal/events"
	"ridedispatch/internal/modules/trip"
	"ridedispatch/internal/types"
)

var (
	ErrNotFound            = errors.New("offer not found")
	ErrForbidden           = errors.New("offer belongs to another driver")
	ErrExpired             = errors.New("offer expired")
	ErrAlreadyResponded    = errors.New("offer already responded")
	ErrTripAlreadyAssigned = errors.New("trip already assigned")
	ErrInconsistent        = errors.New("offer state inconsistent")
)

type Repository interface {
	ListPendingByDriver(ctx context.Context, driverID types.ID, notifiedAfter time.Time) ([]Listing, error)
	ExpireStale(ctx context.Context, cutoff time.Time) (int64, error)
	InTx(ctx context.Context, fn func(Tx) error) error
}

// Tx is the unit of work for accept/decline. Nothing written through it is
// visible unless the function passed to InTx returns nil.
type Tx interface {
	LockOffer(ctx context.Context, id types.ID) (*Offer, error)
	LockOfferWithTrip(ctx context.Context, id types.ID) (*Offer, *trip.Trip, error)
	Respond(ctx context.Context, id types.ID, to Status, at time.Time) (bool, error)
	AssignTrip(ctx context.Context, tr trip.Transition) (bool, error)
	ExpireSiblings(ctx context.Context, tripID, acceptedID types.ID) (int64, error)
	AppendEvent(ctx context.Context, e *trip.Event) error
}

type Service struct {
	store  Repository
	ttl    time.Duration
	events events.Publisher
	log    logrus.FieldLogger
	now    func() time.Time
}

type Option func(*Service)

func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.events = p }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store Repository, ttl time.Duration, log logrus.FieldLogger, opts ...Option) *Service {
	s := &Service{
		store:  store,
		ttl:    ttl,
		events: events.Noop{},
		log:    log,
		now:    trip.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) TTL() time.Duration { return s.ttl }

type AcceptCommand struct {
	OfferID  types.ID
	DriverID types.ID
}

type DeclineCommand struct {
	OfferID  types.ID
	DriverID types.ID
}

// ListLive returns the driver's live offers, oldest first. Stale rows are
// filtered out here and left untouched in storage.
func (s *Service) ListLive(ctx context.Context, driverID types.ID) ([]View, error) {
	now := s.now()
	listings, err := s.store.ListPendingByDriver(ctx, driverID, now.Add(-s.ttl))
	if err != nil {
		return nil, err
	}
	views := make([]View, 0, len(listings))
	for _, l := range listings {
		if !l.Live(now, s.ttl) {
			continue
		}
		views = append(views, NewView(l, now, s.ttl))
	}
	return views, nil
}

// checkOwnedAndFresh applies the checks shared by accept and decline, in order:
// ownership, then the response window.
func (s *Service) checkOwnedAndFresh(o *Offer, driverID types.ID, now time.Time) error {
	if o.DriverID != driverID {
		return ErrForbidden
	}
	if o.Stale(now, s.ttl) {
		return ErrExpired
	}
	return nil
}

// checkAcceptable decides why an owned, fresh offer cannot be accepted. The
// driver's own answer wins over the trip state; an offer expired by another
// driver's accept or by a cancel reads as the trip being taken.
func checkAcceptable(o *Offer, t *trip.Trip) error {
	if o.Status == StatusAccepted || o.Status == StatusDeclined {
		return ErrAlreadyResponded
	}
	// A cancelled or otherwise closed trip loses the same way as a taken one.
	if t.DriverID != nil || t.Status != trip.StatusFindingDriver {
		return ErrTripAlreadyAssigned
	}
	if o.Status != StatusPending {
		return ErrExpired
	}
	return nil
}

// Accept resolves the race between drivers offered the same trip. The trip
// row is locked for the whole unit, and the assignment write is a
// compare-and-set on the trip's version and empty driver, so exactly one
// accept per trip can commit.
func (s *Service) Accept(ctx context.Context, cmd AcceptCommand) (*trip.Trip, error) {
	now := s.now()
	var (
		assigned *trip.Trip
		expired  int64
	)
	err := s.store.InTx(ctx, func(tx Tx) error {
		o, t, err := tx.LockOfferWithTrip(ctx, cmd.OfferID)
		if err != nil {
			if errors.Is(err, trip.ErrNotFound) {
				return inconsistent("load trip of offer", err)
			}
			return err
		}
		if err := s.checkOwnedAndFresh(o, cmd.DriverID, now); err != nil {
			return err
		}
		if err := checkAcceptable(o, t); err != nil {
			return err
		}
		if err := trip.ValidateTransition(t.Status, trip.StatusDriverAssigned); err != nil {
			return err
		}

		ok, err := tx.Respond(ctx, o.ID, StatusAccepted, now)
		if err != nil || !ok {
			return inconsistent("mark offer accepted", err)
		}
		driverID := cmd.DriverID
		tr := trip.Transition{
			TripID:   t.ID,
			From:     t.Status,
			To:       trip.StatusDriverAssigned,
			Version:  t.StatusVersion,
			DriverID: &driverID,
			At:       now,
		}
		if ok, err = tx.AssignTrip(ctx, tr); err != nil || !ok {
			return inconsistent("assign trip", err)
		}
		if expired, err = tx.ExpireSiblings(ctx, t.ID, o.ID); err != nil {
			return inconsistent("expire sibling offers", err)
		}
		if err := tx.AppendEvent(ctx, &trip.Event{
			TripID:     t.ID,
			FromStatus: t.Status,
			ToStatus:   trip.StatusDriverAssigned,
			ActorType:  trip.ActorDriver,
			ActorID:    &driverID,
			CreatedAt:  now,
		}); err != nil {
			return inconsistent("append trip event", err)
		}
		tr.Apply(t)
		assigned = t
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInconsistent) {
			s.log.WithError(err).WithFields(logrus.Fields{
				"offer_id":  cmd.OfferID,
				"driver_id": cmd.DriverID,
			}).Error("accept rolled back")
		}
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"offer_id":         cmd.OfferID,
		"trip_id":          assigned.ID,
		"driver_id":        cmd.DriverID,
		"siblings_expired": expired,
	}).Info("offer accepted")
	events.Emit(ctx, s.events, s.log, trip.EventFor(assigned, trip.StatusFindingDriver))
	return assigned, nil
}

func (s *Service) Decline(ctx context.Context, cmd DeclineCommand) error {
	now := s.now()
	err := s.store.InTx(ctx, func(tx Tx) error {
		o, err := tx.LockOffer(ctx, cmd.OfferID)
		if err != nil {
			return err
		}
		if err := s.checkOwnedAndFresh(o, cmd.DriverID, now); err != nil {
			return err
		}
		if o.Status != StatusPending {
			return ErrAlreadyResponded
		}
		ok, err := tx.Respond(ctx, o.ID, StatusDeclined, now)
		if err != nil || !ok {
			return inconsistent("mark offer declined", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{
		"offer_id":  cmd.OfferID,
		"driver_id": cmd.DriverID,
	}).Info("offer declined")
	return nil
}

// SweepExpired persists EXPIRED for pending offers past the TTL. Purely
// cosmetic: liveness never depends on it.
func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	return s.store.ExpireStale(ctx, s.now().Add(-s.ttl))
}

// RunExpirySweeper calls SweepExpired every interval until ctx is done.
func (s *Service) RunExpirySweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.SweepExpired(ctx)
			if err != nil {
				s.log.WithError(err).Warn("offer sweep failed")
				continue
			}
			if n > 0 {
				s.log.WithField("expired", n).Debug("offer sweep")
			}
		}
	}
}

func inconsistent(step string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s matched no row", ErrInconsistent, step)
	}
	return fmt.Errorf("%w: %s: %v", ErrInconsistent, step, err)
}
