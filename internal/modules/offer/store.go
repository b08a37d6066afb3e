// README: Offer store backed by PostgreSQL. Row locks are always taken trip first, then offer.
package offer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"ridedispatch/internal/infra"
	"ridedispatch/internal/modules/trip"
	"ridedispatch/internal/types"
)

type Store struct {
	db infra.DBTX
}

func NewStore(db infra.DBTX) *Store {
	return &Store{db: db}
}

const offerColumns = `id, trip_id, driver_id, status, notified_at, responded_at`

// CreateBatch inserts offers with a single batch round trip.
func (s *Store) CreateBatch(ctx context.Context, offers []Offer) error {
	if len(offers) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, o := range offers {
		batch.Queue(`
			INSERT INTO offers (id, trip_id, driver_id, status, notified_at)
			VALUES ($1, $2, $3, $4, $5)`,
			string(o.ID), string(o.TripID), string(o.DriverID), string(o.Status), o.NotifiedAt,
		)
	}
	br := s.db.SendBatch(ctx, batch)
	for range offers {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("insert offer: %w", err)
		}
	}
	return br.Close()
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Offer, error) {
	return scanOffer(s.db.QueryRow(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1`, string(id)))
}

func (s *Store) getForUpdate(ctx context.Context, id types.ID) (*Offer, error) {
	return scanOffer(s.db.QueryRow(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1 FOR UPDATE`, string(id)))
}

func scanOffer(row pgx.Row) (*Offer, error) {
	var o Offer
	err := row.Scan(&o.ID, &o.TripID, &o.DriverID, &o.Status, &o.NotifiedAt, &o.RespondedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan offer: %w", err)
	}
	return &o, nil
}

func (s *Store) ListPendingByDriver(ctx context.Context, driverID types.ID, notifiedAfter time.Time) ([]Listing, error) {
	rows, err := s.db.Query(ctx, `
		SELECT o.id, o.trip_id, o.driver_id, o.status, o.notified_at, o.responded_at,
		       t.pickup_lat, t.pickup_lng, t.dest_lat, t.dest_lng,
		       t.pickup_address, t.dest_address,
		       t.estimated_fare, t.currency, t.estimated_km
		FROM offers o
		JOIN trips t ON t.id = o.trip_id
		WHERE o.driver_id = $1
		  AND o.status = 'pending'
		  AND o.notified_at > $2
		ORDER BY o.notified_at, o.id`, string(driverID), notifiedAfter)
	if err != nil {
		return nil, fmt.Errorf("query pending offers: %w", err)
	}
	defer rows.Close()

	var out []Listing
	for rows.Next() {
		var l Listing
		if err := rows.Scan(
			&l.ID, &l.TripID, &l.DriverID, &l.Status, &l.NotifiedAt, &l.RespondedAt,
			&l.Pickup.Lat, &l.Pickup.Lng, &l.Destination.Lat, &l.Destination.Lng,
			&l.PickupAddress, &l.DestAddress,
			&l.EstimatedFare.Amount, &l.EstimatedFare.Currency, &l.EstimatedKm,
		); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Respond moves a pending offer to a final status. False means it was no
// longer pending.
func (s *Store) Respond(ctx context.Context, id types.ID, to Status, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE offers SET status = $1, responded_at = $2
		WHERE id = $3 AND status = 'pending'`,
		string(to), at, string(id))
	if err != nil {
		return false, fmt.Errorf("respond offer: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ExpireSiblings(ctx context.Context, tripID, acceptedID types.ID) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE offers SET status = 'expired'
		WHERE trip_id = $1 AND id <> $2 AND status = 'pending'`,
		string(tripID), string(acceptedID))
	if err != nil {
		return 0, fmt.Errorf("expire sibling offers: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ExpireStale persists EXPIRED for pending offers notified at or before
// cutoff. Responded offers are never touched, so repeated runs are harmless.
func (s *Store) ExpireStale(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE offers SET status = 'expired'
		WHERE status = 'pending' AND notified_at <= $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("expire stale offers: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) InTx(ctx context.Context, fn func(Tx) error) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		return fn(&pgTx{offers: NewStore(tx), trips: trip.NewStore(tx)})
	})
}

type pgTx struct {
	offers *Store
	trips  *trip.Store
}

func (t *pgTx) LockOffer(ctx context.Context, id types.ID) (*Offer, error) {
	return t.offers.getForUpdate(ctx, id)
}

func (t *pgTx) LockOfferWithTrip(ctx context.Context, id types.ID) (*Offer, *trip.Trip, error) {
	o, err := t.offers.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	tr, err := t.trips.GetForUpdate(ctx, o.TripID)
	if err != nil {
		return nil, nil, err
	}
	if o, err = t.offers.getForUpdate(ctx, id); err != nil {
		return nil, nil, err
	}
	return o, tr, nil
}

func (t *pgTx) Respond(ctx context.Context, id types.ID, to Status, at time.Time) (bool, error) {
	return t.offers.Respond(ctx, id, to, at)
}

func (t *pgTx) AssignTrip(ctx context.Context, tr trip.Transition) (bool, error) {
	return t.trips.UpdateStatus(ctx, tr)
}

func (t *pgTx) ExpireSiblings(ctx context.Context, tripID, acceptedID types.ID) (int64, error) {
	return t.offers.ExpireSiblings(ctx, tripID, acceptedID)
}

func (t *pgTx) AppendEvent(ctx context.Context, e *trip.Event) error {
	return t.trips.AppendEvent(ctx, e)
}
