package dispatch_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"ridedispatch/internal/modules/dispatch"
	"ridedispatch/internal/types"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisRecorderRoundTrip(t *testing.T) {
	mr, client := newTestRedis(t)
	rec := dispatch.NewRedisRecorder(client)
	ctx := context.Background()

	in := dispatch.Record{
		TripID:       "t1",
		Outcome:      dispatch.OutcomeOffered,
		RadiusKm:     10,
		DriverIDs:    []types.ID{"d2", "d1"},
		DispatchedAt: now,
	}
	if err := rec.RecordDispatch(ctx, in); err != nil {
		t.Fatalf("record: %v", err)
	}

	got, err := rec.GetDispatch(ctx, "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Outcome != dispatch.OutcomeOffered || got.RadiusKm != 10 || !got.DispatchedAt.Equal(now) {
		t.Fatalf("record = %+v", got)
	}
	if len(got.DriverIDs) != 2 || got.DriverIDs[0] != "d1" || got.DriverIDs[1] != "d2" {
		t.Fatalf("driver ids = %v", got.DriverIDs)
	}

	if ttl := mr.TTL("dispatch:trip:t1"); ttl != 7*24*time.Hour {
		t.Fatalf("ttl = %v", ttl)
	}
	mr.FastForward(8 * 24 * time.Hour)
	if _, err := rec.GetDispatch(ctx, "t1"); !errors.Is(err, dispatch.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after ttl, got %v", err)
	}
}

func TestRedisRecorderNoDrivers(t *testing.T) {
	_, client := newTestRedis(t)
	rec := dispatch.NewRedisRecorder(client)
	ctx := context.Background()

	if err := rec.RecordDispatch(ctx, dispatch.Record{TripID: "t2", Outcome: dispatch.OutcomeNoDrivers, RadiusKm: 15, DispatchedAt: now}); err != nil {
		t.Fatalf("record: %v", err)
	}
	got, err := rec.GetDispatch(ctx, "t2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Outcome != dispatch.OutcomeNoDrivers || len(got.DriverIDs) != 0 {
		t.Fatalf("record = %+v", got)
	}
}

func TestMemoryRecorder(t *testing.T) {
	rec := dispatch.NewMemoryRecorder()
	ctx := context.Background()
	if _, err := rec.GetDispatch(ctx, "t1"); !errors.Is(err, dispatch.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	ids := []types.ID{"d3", "d1"}
	if err := rec.RecordDispatch(ctx, dispatch.Record{TripID: "t1", Outcome: dispatch.OutcomeOffered, DriverIDs: ids}); err != nil {
		t.Fatalf("record: %v", err)
	}
	got, _ := rec.GetDispatch(ctx, "t1")
	if got.DriverIDs[0] != "d1" || ids[0] != "d3" {
		t.Fatalf("expected sorted copy, got %v (input %v)", got.DriverIDs, ids)
	}
}
