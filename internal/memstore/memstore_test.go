package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"ridedispatch/internal/modules/dispatch"
	"ridedispatch/internal/modules/offer"
	"ridedispatch/internal/modules/trip"
	"ridedispatch/internal/types"
)

func TestTxRollsBackOnError(t *testing.T) {
	db := New()
	db.PutTrip(trip.Trip{ID: "t1", PassengerID: "p1", Status: trip.StatusRequested})
	ctx := context.Background()

	boom := errors.New("boom")
	err := db.Dispatch().InTx(ctx, func(tx dispatch.Tx) error {
		if err := tx.CreateOffers(ctx, []offer.Offer{{ID: "o1", TripID: "t1", DriverID: "d1", Status: offer.StatusPending}}); err != nil {
			return err
		}
		if ok, err := tx.UpdateTrip(ctx, trip.Transition{TripID: "t1", From: trip.StatusRequested, To: trip.StatusFindingDriver, At: time.Now()}); err != nil || !ok {
			t.Fatalf("update = %v, %v", ok, err)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if got, _ := db.Trip("t1"); got.Status != trip.StatusRequested || got.StatusVersion != 0 {
		t.Fatalf("trip = %+v, want untouched", got)
	}
	if _, ok := db.Offer("o1"); ok {
		t.Fatal("offer survived rollback")
	}
}

func TestUpdateStatusCompareAndSet(t *testing.T) {
	db := New()
	d1, d2 := types.ID("d1"), types.ID("d2")
	db.PutTrip(trip.Trip{ID: "t1", Status: trip.StatusFindingDriver, StatusVersion: 1})
	ctx := context.Background()

	assign := func(driver *types.ID, version int) bool {
		var ok bool
		_ = db.Offers().InTx(ctx, func(tx offer.Tx) error {
			ok, _ = tx.AssignTrip(ctx, trip.Transition{
				TripID: "t1", From: trip.StatusFindingDriver, To: trip.StatusDriverAssigned,
				Version: version, DriverID: driver, At: time.Now(),
			})
			return nil
		})
		return ok
	}

	if assign(&d1, 0) {
		t.Fatal("stale version accepted")
	}
	if !assign(&d1, 1) {
		t.Fatal("current version rejected")
	}
	if assign(&d2, 1) {
		t.Fatal("second assignment accepted")
	}
	got, _ := db.Trip("t1")
	if got.DriverID == nil || *got.DriverID != d1 || got.StatusVersion != 2 {
		t.Fatalf("trip = %+v", got)
	}
}

func TestCreateOffersRejectsUnknownTrip(t *testing.T) {
	db := New()
	ctx := context.Background()
	err := db.Dispatch().InTx(ctx, func(tx dispatch.Tx) error {
		return tx.CreateOffers(ctx, []offer.Offer{{ID: "o1", TripID: "ghost", DriverID: "d1"}})
	})
	if err == nil {
		t.Fatal("expected error for unknown trip")
	}
}

func TestListPendingByDriverJoinsTrip(t *testing.T) {
	db := New()
	now := time.Now()
	db.PutTrip(trip.Trip{ID: "t1", Status: trip.StatusFindingDriver, PickupAddress: "District 1", EstimatedKm: 3})
	db.PutOffer(offer.Offer{ID: "o2", TripID: "t1", DriverID: "d1", Status: offer.StatusPending, NotifiedAt: now})
	db.PutOffer(offer.Offer{ID: "o1", TripID: "t1", DriverID: "d1", Status: offer.StatusPending, NotifiedAt: now})
	db.PutOffer(offer.Offer{ID: "o3", TripID: "t1", DriverID: "d1", Status: offer.StatusPending, NotifiedAt: now.Add(-time.Minute)})

	got, err := db.Offers().ListPendingByDriver(context.Background(), "d1", now.Add(-15*time.Second))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].ID != "o1" || got[1].ID != "o2" {
		t.Fatalf("listings = %+v", got)
	}
	if got[0].PickupAddress != "District 1" || got[0].EstimatedKm != 3 {
		t.Fatalf("trip fields missing: %+v", got[0])
	}
}
