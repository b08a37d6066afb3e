// README: Trip store backed by PostgreSQL. Works on the pool or inside a caller's tx.
package trip

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"ridedispatch/internal/infra"
	"ridedispatch/internal/types"
)

type Store struct {
	db infra.DBTX
}

func NewStore(db infra.DBTX) *Store {
	return &Store{db: db}
}

const tripColumns = `
	id, passenger_id, driver_id, status, status_version,
	pickup_lat, pickup_lng, pickup_address, pickup_cell,
	dest_lat, dest_lng, dest_address,
	estimated_fare, actual_fare, currency, estimated_km,
	requested_at, assigned_at, en_route_at, arrived_at, started_at, completed_at, cancelled_at,
	cancellation_reason`

func (s *Store) Create(ctx context.Context, t *Trip, e *Event) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO trips (
				id, passenger_id, driver_id, status, status_version,
				pickup_lat, pickup_lng, pickup_address, pickup_cell,
				dest_lat, dest_lng, dest_address,
				estimated_fare, currency, estimated_km, requested_at
			) VALUES (
				$1, $2, $3, $4, $5,
				$6, $7, $8, $9,
				$10, $11, $12,
				$13, $14, $15, $16
			)`,
			string(t.ID),
			string(t.PassengerID),
			toStringPtr(t.DriverID),
			string(t.Status),
			t.StatusVersion,
			t.Pickup.Lat, t.Pickup.Lng, t.PickupAddress, t.PickupCell,
			t.Destination.Lat, t.Destination.Lng, t.DestAddress,
			t.EstimatedFare.Amount, t.EstimatedFare.Currency, t.EstimatedKm, t.RequestedAt,
		)
		if err != nil {
			return fmt.Errorf("insert trip: %w", err)
		}
		if e != nil {
			return NewStore(tx).AppendEvent(ctx, e)
		}
		return nil
	})
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Trip, error) {
	return scanTrip(s.db.QueryRow(ctx, `SELECT `+tripColumns+` FROM trips WHERE id = $1`, string(id)))
}

// GetForUpdate locks the trip row; only meaningful inside a transaction.
func (s *Store) GetForUpdate(ctx context.Context, id types.ID) (*Trip, error) {
	return scanTrip(s.db.QueryRow(ctx, `SELECT `+tripColumns+` FROM trips WHERE id = $1 FOR UPDATE`, string(id)))
}

func scanTrip(row pgx.Row) (*Trip, error) {
	var t Trip
	var driverID, cancelReason *string
	var actualFare *int64

	err := row.Scan(
		&t.ID, &t.PassengerID, &driverID, &t.Status, &t.StatusVersion,
		&t.Pickup.Lat, &t.Pickup.Lng, &t.PickupAddress, &t.PickupCell,
		&t.Destination.Lat, &t.Destination.Lng, &t.DestAddress,
		&t.EstimatedFare.Amount, &actualFare, &t.EstimatedFare.Currency, &t.EstimatedKm,
		&t.RequestedAt, &t.AssignedAt, &t.EnRouteAt, &t.ArrivedAt, &t.StartedAt, &t.CompletedAt, &t.CancelledAt,
		&cancelReason,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan trip: %w", err)
	}
	if driverID != nil {
		d := types.ID(*driverID)
		t.DriverID = &d
	}
	if actualFare != nil {
		t.ActualFare = &types.Money{Amount: *actualFare, Currency: t.EstimatedFare.Currency}
	}
	t.CancelReason = cancelReason
	return &t, nil
}

// UpdateStatus is the compare-and-set write behind every transition. When the
// transition sets a driver, the row must not already have one.
func (s *Store) UpdateStatus(ctx context.Context, tr Transition) (bool, error) {
	var fare *int64
	if tr.ActualFare != nil {
		fare = &tr.ActualFare.Amount
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE trips
		SET status = $1,
			status_version = status_version + 1,
			driver_id = COALESCE($2, driver_id),
			assigned_at = CASE WHEN $1 = 'driver_assigned' THEN $6::timestamptz ELSE assigned_at END,
			en_route_at = CASE WHEN $1 = 'en_route_to_pickup' THEN $6::timestamptz ELSE en_route_at END,
			arrived_at = CASE WHEN $1 = 'arrived_at_pickup' THEN $6::timestamptz ELSE arrived_at END,
			started_at = CASE WHEN $1 = 'in_progress' THEN $6::timestamptz ELSE started_at END,
			completed_at = CASE WHEN $1 = 'completed' THEN $6::timestamptz ELSE completed_at END,
			cancelled_at = CASE WHEN $1 = 'cancelled' THEN $6::timestamptz ELSE cancelled_at END,
			cancellation_reason = COALESCE($7::text, cancellation_reason),
			actual_fare = COALESCE($8::bigint, actual_fare)
		WHERE id = $3 AND status = $4 AND status_version = $5
		  AND ($2::text IS NULL OR driver_id IS NULL)`,
		string(tr.To),
		toStringPtr(tr.DriverID),
		string(tr.TripID),
		string(tr.From),
		tr.Version,
		tr.At,
		tr.Reason,
		fare,
	)
	if err != nil {
		return false, fmt.Errorf("update trip status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Transition applies tr and records e in one transaction.
func (s *Store) Transition(ctx context.Context, tr Transition, e *Event) (bool, error) {
	var ok bool
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		inner := NewStore(tx)
		var err error
		if ok, err = inner.UpdateStatus(ctx, tr); err != nil || !ok {
			return err
		}
		return inner.AppendEvent(ctx, e)
	})
	return ok, err
}

// Cancel transitions the trip to cancelled and expires its pending offers in
// the same transaction, so no offer of a cancelled trip stays acceptable.
func (s *Store) Cancel(ctx context.Context, tr Transition, e *Event) (bool, error) {
	var ok bool
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		inner := NewStore(tx)
		if _, err := inner.GetForUpdate(ctx, tr.TripID); err != nil {
			return err
		}
		var err error
		if ok, err = inner.UpdateStatus(ctx, tr); err != nil || !ok {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE offers SET status = 'expired'
			WHERE trip_id = $1 AND status = 'pending'`, string(tr.TripID)); err != nil {
			return fmt.Errorf("expire offers: %w", err)
		}
		return inner.AppendEvent(ctx, e)
	})
	return ok, err
}

func (s *Store) AppendEvent(ctx context.Context, e *Event) error {
	if e == nil {
		return nil
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO trip_state_events (
			trip_id, from_status, to_status, actor_type, actor_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6)`,
		string(e.TripID),
		string(e.FromStatus),
		string(e.ToStatus),
		e.ActorType,
		toStringPtr(e.ActorID),
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append trip event: %w", err)
	}
	return nil
}

func (s *Store) Events(ctx context.Context, tripID types.ID) ([]Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, trip_id, from_status, to_status, actor_type, actor_id, created_at
		FROM trip_state_events
		WHERE trip_id = $1
		ORDER BY id`, string(tripID))
	if err != nil {
		return nil, fmt.Errorf("query trip events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var actorID *string
		if err := rows.Scan(&e.ID, &e.TripID, &e.FromStatus, &e.ToStatus, &e.ActorType, &actorID, &e.CreatedAt); err != nil {
			return nil, err
		}
		if actorID != nil {
			a := types.ID(*actorID)
			e.ActorID = &a
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) HasActiveByPassenger(ctx context.Context, passengerID types.ID) (bool, error) {
	row := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM trips
			WHERE passenger_id = $1
			  AND status IN ('requested','finding_driver','driver_assigned','en_route_to_pickup','arrived_at_pickup','in_progress')
		)`, string(passengerID),
	)
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func toStringPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

// Now is the clock used for transition timestamps; stored at microsecond
// precision to match TIMESTAMPTZ.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
