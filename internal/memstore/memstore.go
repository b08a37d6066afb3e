// Package memstore is an in-memory implementation of the trip, offer and
// dispatch repositories on go-memdb. Write transactions are serialized by
// memdb's writer lock and only become visible on Commit; readers work on
// immutable snapshots.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-memdb"

	"ridedispatch/internal/modules/dispatch"
	"ridedispatch/internal/modules/offer"
	"ridedispatch/internal/modules/trip"
	"ridedispatch/internal/types"
)

const (
	tableTrips  = "trips"
	tableOffers = "offers"
	tableEvents = "trip_state_events"
)

var schema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		tableTrips: {
			Name: tableTrips,
			Indexes: map[string]*memdb.IndexSchema{
				"id":        {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
				"passenger": {Name: "passenger", Indexer: &memdb.StringFieldIndex{Field: "PassengerID"}},
			},
		},
		tableOffers: {
			Name: tableOffers,
			Indexes: map[string]*memdb.IndexSchema{
				"id":     {Name: "id", Unique: true, Indexer: &memdb.StringFieldIndex{Field: "ID"}},
				"trip":   {Name: "trip", Indexer: &memdb.StringFieldIndex{Field: "TripID"}},
				"driver": {Name: "driver", Indexer: &memdb.StringFieldIndex{Field: "DriverID"}},
			},
		},
		tableEvents: {
			Name: tableEvents,
			Indexes: map[string]*memdb.IndexSchema{
				"id":   {Name: "id", Unique: true, Indexer: &memdb.IntFieldIndex{Field: "ID"}},
				"trip": {Name: "trip", Indexer: &memdb.StringFieldIndex{Field: "TripID"}},
			},
		},
	},
}

type DB struct {
	mem *memdb.MemDB
	// nextEventID is only touched inside write transactions.
	nextEventID int64
}

func New() *DB {
	mem, err := memdb.NewMemDB(schema)
	if err != nil {
		panic(fmt.Sprintf("memstore: invalid schema: %v", err))
	}
	return &DB{mem: mem}
}

func (db *DB) Trips() *TripRepo { return &TripRepo{db: db} }
func (db *DB) Offers() *OfferRepo { return &OfferRepo{db: db} }
func (db *DB) Dispatch() *DispatchRepo { return &DispatchRepo{db: db} }

func (db *DB) view(fn func(txn) error) error {
	tx := db.mem.Txn(false)
	defer tx.Abort()
	return fn(txn{Txn: tx, db: db})
}

// update runs fn in a write transaction, committing only when fn returns nil.
func (db *DB) update(ctx context.Context, fn func(txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := db.mem.Txn(true)
	defer tx.Abort()
	if err := fn(txn{Txn: tx, db: db}); err != nil {
		return err
	}
	tx.Commit()
	return nil
}

func (db *DB) mustUpdate(fn func(txn) error) {
	if err := db.update(context.Background(), fn); err != nil {
		panic(fmt.Sprintf("memstore: %v", err))
	}
}

// PutTrip seeds or overwrites a trip.
func (db *DB) PutTrip(t trip.Trip) {
	db.mustUpdate(func(tx txn) error { return tx.putTrip(t) })
}

// PutOffer seeds or overwrites an offer.
func (db *DB) PutOffer(o offer.Offer) {
	db.mustUpdate(func(tx txn) error { return tx.putOffer(o) })
}

func (db *DB) Trip(id types.ID) (trip.Trip, bool) {
	var t *trip.Trip
	_ = db.view(func(tx txn) (err error) {
		t, err = tx.trip(id)
		return err
	})
	if t == nil {
		return trip.Trip{}, false
	}
	return *t, true
}

func (db *DB) Offer(id types.ID) (offer.Offer, bool) {
	var o *offer.Offer
	_ = db.view(func(tx txn) (err error) {
		o, err = tx.offer(id)
		return err
	})
	if o == nil {
		return offer.Offer{}, false
	}
	return *o, true
}

// OffersByTrip returns the trip's offers ordered by notification time.
func (db *DB) OffersByTrip(tripID types.ID) []offer.Offer {
	var out []offer.Offer
	_ = db.view(func(tx txn) (err error) {
		out, err = tx.offersBy("trip", tripID)
		return err
	})
	return out
}

// Events returns the trip's state events in insertion order.
func (db *DB) Events(tripID types.ID) []trip.Event {
	var out []trip.Event
	_ = db.view(func(tx txn) error {
		it, err := tx.Get(tableEvents, "trip", string(tripID))
		if err != nil {
			return err
		}
		for raw := it.Next(); raw != nil; raw = it.Next() {
			out = append(out, *raw.(*trip.Event))
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// txn wraps a memdb transaction. Stored objects are never written through:
// every read hands out a copy and every write inserts a fresh value.
type txn struct {
	*memdb.Txn
	db *DB
}

func (tx txn) trip(id types.ID) (*trip.Trip, error) {
	raw, err := tx.First(tableTrips, "id", string(id))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, trip.ErrNotFound
	}
	t := *raw.(*trip.Trip)
	return &t, nil
}

func (tx txn) offer(id types.ID) (*offer.Offer, error) {
	raw, err := tx.First(tableOffers, "id", string(id))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, offer.ErrNotFound
	}
	o := *raw.(*offer.Offer)
	return &o, nil
}

// offersBy collects offers from an index before any write touches the table.
func (tx txn) offersBy(index string, args ...interface{}) ([]offer.Offer, error) {
	for i, a := range args {
		if id, ok := a.(types.ID); ok {
			args[i] = string(id)
		}
	}
	it, err := tx.Get(tableOffers, index, args...)
	if err != nil {
		return nil, err
	}
	var out []offer.Offer
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, *raw.(*offer.Offer))
	}
	sortOffers(out)
	return out, nil
}

func (tx txn) putTrip(t trip.Trip) error {
	return tx.Insert(tableTrips, &t)
}

func (tx txn) putOffer(o offer.Offer) error {
	return tx.Insert(tableOffers, &o)
}

// updateStatus has the same compare-and-set semantics as the SQL store.
func (tx txn) updateStatus(tr trip.Transition) (bool, error) {
	t, err := tx.trip(tr.TripID)
	if errors.Is(err, trip.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if t.Status != tr.From || t.StatusVersion != tr.Version {
		return false, nil
	}
	if tr.DriverID != nil && t.DriverID != nil {
		return false, nil
	}
	tr.Apply(t)
	return true, tx.putTrip(*t)
}

func (tx txn) appendEvent(e *trip.Event) error {
	if e == nil {
		return nil
	}
	tx.db.nextEventID++
	ev := *e
	ev.ID = tx.db.nextEventID
	return tx.Insert(tableEvents, &ev)
}

func (tx txn) expirePending(tripID, except types.ID) (int64, error) {
	offers, err := tx.offersBy("trip", tripID)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, o := range offers {
		if o.ID == except || o.Status != offer.StatusPending {
			continue
		}
		o.Status = offer.StatusExpired
		if err := tx.putOffer(o); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func sortOffers(offers []offer.Offer) {
	sort.Slice(offers, func(i, j int) bool {
		if !offers[i].NotifiedAt.Equal(offers[j].NotifiedAt) {
			return offers[i].NotifiedAt.Before(offers[j].NotifiedAt)
		}
		return offers[i].ID < offers[j].ID
	})
}

// TripRepo implements trip.Repository.
type TripRepo struct{ db *DB }

func (r *TripRepo) Create(ctx context.Context, t *trip.Trip, e *trip.Event) error {
	return r.db.update(ctx, func(tx txn) error {
		if _, err := tx.trip(t.ID); err == nil {
			return fmt.Errorf("trip %s already exists", t.ID)
		}
		if err := tx.putTrip(*t); err != nil {
			return err
		}
		return tx.appendEvent(e)
	})
}

func (r *TripRepo) Get(_ context.Context, id types.ID) (*trip.Trip, error) {
	var t *trip.Trip
	err := r.db.view(func(tx txn) (err error) {
		t, err = tx.trip(id)
		return err
	})
	return t, err
}

func (r *TripRepo) HasActiveByPassenger(_ context.Context, passengerID types.ID) (bool, error) {
	active := false
	err := r.db.view(func(tx txn) error {
		it, err := tx.Get(tableTrips, "passenger", string(passengerID))
		if err != nil {
			return err
		}
		for raw := it.Next(); raw != nil; raw = it.Next() {
			if raw.(*trip.Trip).Status.Active() {
				active = true
				return nil
			}
		}
		return nil
	})
	return active, err
}

func (r *TripRepo) Transition(ctx context.Context, tr trip.Transition, e *trip.Event) (bool, error) {
	var ok bool
	err := r.db.update(ctx, func(tx txn) (err error) {
		if ok, err = tx.updateStatus(tr); err != nil || !ok {
			return err
		}
		return tx.appendEvent(e)
	})
	return ok, err
}

func (r *TripRepo) Cancel(ctx context.Context, tr trip.Transition, e *trip.Event) (bool, error) {
	var ok bool
	err := r.db.update(ctx, func(tx txn) (err error) {
		if ok, err = tx.updateStatus(tr); err != nil || !ok {
			return err
		}
		if _, err := tx.expirePending(tr.TripID, ""); err != nil {
			return err
		}
		return tx.appendEvent(e)
	})
	return ok, err
}

func (r *TripRepo) Events(_ context.Context, tripID types.ID) ([]trip.Event, error) {
	return r.db.Events(tripID), nil
}

// OfferRepo implements offer.Repository.
type OfferRepo struct{ db *DB }

func (r *OfferRepo) ListPendingByDriver(_ context.Context, driverID types.ID, notifiedAfter time.Time) ([]offer.Listing, error) {
	var out []offer.Listing
	err := r.db.view(func(tx txn) error {
		offers, err := tx.offersBy("driver", driverID)
		if err != nil {
			return err
		}
		for _, o := range offers {
			if o.Status != offer.StatusPending || !o.NotifiedAt.After(notifiedAfter) {
				continue
			}
			t, err := tx.trip(o.TripID)
			if err != nil {
				return err
			}
			out = append(out, offer.Listing{
				Offer:         o,
				Pickup:        t.Pickup,
				Destination:   t.Destination,
				PickupAddress: t.PickupAddress,
				DestAddress:   t.DestAddress,
				EstimatedFare: t.EstimatedFare,
				EstimatedKm:   t.EstimatedKm,
			})
		}
		return nil
	})
	return out, err
}

func (r *OfferRepo) ExpireStale(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := r.db.update(ctx, func(tx txn) error {
		offers, err := tx.offersBy("id")
		if err != nil {
			return err
		}
		for _, o := range offers {
			if o.Status != offer.StatusPending || o.NotifiedAt.After(cutoff) {
				continue
			}
			o.Status = offer.StatusExpired
			if err := tx.putOffer(o); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

func (r *OfferRepo) InTx(ctx context.Context, fn func(offer.Tx) error) error {
	return r.db.update(ctx, func(tx txn) error { return fn(offerTx{tx}) })
}

type offerTx struct{ tx txn }

func (t offerTx) LockOffer(_ context.Context, id types.ID) (*offer.Offer, error) {
	return t.tx.offer(id)
}

func (t offerTx) LockOfferWithTrip(_ context.Context, id types.ID) (*offer.Offer, *trip.Trip, error) {
	o, err := t.tx.offer(id)
	if err != nil {
		return nil, nil, err
	}
	tr, err := t.tx.trip(o.TripID)
	if err != nil {
		return nil, nil, err
	}
	return o, tr, nil
}

func (t offerTx) Respond(_ context.Context, id types.ID, to offer.Status, at time.Time) (bool, error) {
	o, err := t.tx.offer(id)
	if errors.Is(err, offer.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if o.Status != offer.StatusPending {
		return false, nil
	}
	o.Status = to
	o.RespondedAt = &at
	return true, t.tx.putOffer(*o)
}

func (t offerTx) AssignTrip(_ context.Context, tr trip.Transition) (bool, error) {
	return t.tx.updateStatus(tr)
}

func (t offerTx) ExpireSiblings(_ context.Context, tripID, acceptedID types.ID) (int64, error) {
	return t.tx.expirePending(tripID, acceptedID)
}

func (t offerTx) AppendEvent(_ context.Context, e *trip.Event) error {
	return t.tx.appendEvent(e)
}

// DispatchRepo implements dispatch.Repository.
type DispatchRepo struct{ db *DB }

func (r *DispatchRepo) InTx(ctx context.Context, fn func(dispatch.Tx) error) error {
	return r.db.update(ctx, func(tx txn) error { return fn(dispatchTx{tx}) })
}

type dispatchTx struct{ tx txn }

func (t dispatchTx) LockTrip(_ context.Context, id types.ID) (*trip.Trip, error) {
	return t.tx.trip(id)
}

func (t dispatchTx) UpdateTrip(_ context.Context, tr trip.Transition) (bool, error) {
	return t.tx.updateStatus(tr)
}

func (t dispatchTx) CreateOffers(_ context.Context, offers []offer.Offer) error {
	for _, o := range offers {
		if _, err := t.tx.offer(o.ID); err == nil {
			return fmt.Errorf("offer %s already exists", o.ID)
		}
		if _, err := t.tx.trip(o.TripID); err != nil {
			return fmt.Errorf("offer %s references unknown trip %s", o.ID, o.TripID)
		}
	}
	for _, o := range offers {
		if err := t.tx.putOffer(o); err != nil {
			return err
		}
	}
	return nil
}

func (t dispatchTx) AppendEvent(_ context.Context, e *trip.Event) error {
	return t.tx.appendEvent(e)
}

var (
	_ trip.Repository     = (*TripRepo)(nil)
	_ offer.Repository    = (*OfferRepo)(nil)
	_ dispatch.Repository = (*DispatchRepo)(nil)
)
