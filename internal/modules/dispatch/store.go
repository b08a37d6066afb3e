// README: Dispatch store: runs the offer batch and trip transition in one Postgres transaction.
package dispatch

import (
	"context"

	"github.com/jackc/pgx/v5"

	"ridedispatch/internal/infra"
	"ridedispatch/internal/modules/offer"
	"ridedispatch/internal/modules/trip"
	"ridedispatch/internal/types"
)

type Store struct {
	db infra.DBTX
}

func NewStore(db infra.DBTX) *Store {
	return &Store{db: db}
}

func (s *Store) InTx(ctx context.Context, fn func(Tx) error) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		return fn(&pgTx{trips: trip.NewStore(tx), offers: offer.NewStore(tx)})
	})
}

type pgTx struct {
	trips  *trip.Store
	offers *offer.Store
}

func (t *pgTx) LockTrip(ctx context.Context, id types.ID) (*trip.Trip, error) {
	return t.trips.GetForUpdate(ctx, id)
}

func (t *pgTx) UpdateTrip(ctx context.Context, tr trip.Transition) (bool, error) {
	return t.trips.UpdateStatus(ctx, tr)
}

func (t *pgTx) CreateOffers(ctx context.Context, offers []offer.Offer) error {
	return t.offers.CreateBatch(ctx, offers)
}

func (t *pgTx) AppendEvent(ctx context.Context, e *trip.Event) error {
	return t.trips.AppendEvent(ctx, e)
}
