// README: Dispatch audit records in Redis (pipelined writes, 7-day TTL) or in memory.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"ridedispatch/internal/types"
)

const (
	dispatchKeyPrefix = "dispatch:trip:%s"
	notifiedKeySuffix = ":notified"
	// Trips resolve well within 7 days.
	keyTTL = 7 * 24 * time.Hour
)

type RedisRecorder struct {
	redis *redis.Client
}

func NewRedisRecorder(redis *redis.Client) *RedisRecorder {
	return &RedisRecorder{redis: redis}
}

// RecordDispatch records the outcome, radius and notified driver set for a trip.
func (s *RedisRecorder) RecordDispatch(ctx context.Context, r Record) error {
	key := dispatchKey(r.TripID)
	pipe := s.redis.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"outcome":       string(r.Outcome),
		"radius_km":     strconv.FormatFloat(r.RadiusKm, 'f', -1, 64),
		"dispatched_at": r.DispatchedAt.UTC().Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, key, keyTTL)
	if len(r.DriverIDs) > 0 {
		members := make([]interface{}, len(r.DriverIDs))
		for i, d := range r.DriverIDs {
			members[i] = string(d)
		}
		notifiedKey := key + notifiedKeySuffix
		pipe.SAdd(ctx, notifiedKey, members...)
		pipe.Expire(ctx, notifiedKey, keyTTL)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisRecorder) GetDispatch(ctx context.Context, tripID types.ID) (*Record, error) {
	key := dispatchKey(tripID)
	fields, err := s.redis.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	members, err := s.redis.SMembers(ctx, key+notifiedKeySuffix).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	r := &Record{TripID: tripID, Outcome: Outcome(fields["outcome"])}
	if r.RadiusKm, err = strconv.ParseFloat(fields["radius_km"], 64); err != nil {
		return nil, fmt.Errorf("parse radius: %w", err)
	}
	if r.DispatchedAt, err = time.Parse(time.RFC3339Nano, fields["dispatched_at"]); err != nil {
		return nil, fmt.Errorf("parse dispatched_at: %w", err)
	}
	sort.Strings(members)
	for _, m := range members {
		r.DriverIDs = append(r.DriverIDs, types.ID(m))
	}
	return r, nil
}

func dispatchKey(tripID types.ID) string {
	return fmt.Sprintf(dispatchKeyPrefix, string(tripID))
}

// MemoryRecorder keeps records for the process lifetime.
type MemoryRecorder struct {
	mu      sync.RWMutex
	records map[types.ID]Record
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{records: make(map[types.ID]Record)}
}

func (m *MemoryRecorder) RecordDispatch(_ context.Context, r Record) error {
	ids := make([]types.ID, len(r.DriverIDs))
	copy(ids, r.DriverIDs)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	r.DriverIDs = ids

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[r.TripID] = r
	return nil
}

func (m *MemoryRecorder) GetDispatch(_ context.Context, tripID types.ID) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[tripID]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}
