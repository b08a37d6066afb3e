package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ridedispatch/internal/logger"
	"ridedispatch/internal/modules/dispatch"
	"ridedispatch/internal/types"
)

type finderFunc func(ctx context.Context, tripID types.ID, pickup types.Point) (dispatch.Result, error)

func (f finderFunc) FindAndNotifyDrivers(ctx context.Context, tripID types.ID, pickup types.Point) (dispatch.Result, error) {
	return f(ctx, tripID, pickup)
}

func TestRunnerRunsEveryJob(t *testing.T) {
	var mu sync.Mutex
	seen := map[types.ID]bool{}
	r := dispatch.NewRunner(finderFunc(func(_ context.Context, id types.ID, _ types.Point) (dispatch.Result, error) {
		mu.Lock()
		seen[id] = true
		mu.Unlock()
		return dispatch.Result{}, nil
	}), 2, logger.Discard())

	for _, id := range []types.ID{"t1", "t2", "t3", "t4", "t5"} {
		r.Schedule(id, pickup)
	}
	r.Wait()
	if len(seen) != 5 {
		t.Fatalf("ran %d jobs, want 5", len(seen))
	}
}

// TestRunnerBoundsConcurrency parks every job on a barrier until the test has
// seen the worker limit filled, then lets the rest drain.
func TestRunnerBoundsConcurrency(t *testing.T) {
	const workers, jobs = 3, 12
	var running, peak int32
	entered := make(chan struct{}, jobs)
	release := make(chan struct{})
	r := dispatch.NewRunner(finderFunc(func(context.Context, types.ID, types.Point) (dispatch.Result, error) {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		entered <- struct{}{}
		<-release
		atomic.AddInt32(&running, -1)
		return dispatch.Result{}, nil
	}), workers, logger.Discard())

	for i := 0; i < jobs; i++ {
		r.Schedule(types.NewID(), pickup)
	}
	for i := 0; i < workers; i++ {
		<-entered
	}
	if got := atomic.LoadInt32(&running); got != workers {
		t.Fatalf("running = %d with the barrier closed, want %d", got, workers)
	}
	close(release)
	r.Wait()

	if got := len(entered) + workers; got != jobs {
		t.Fatalf("ran %d jobs, want %d", got, jobs)
	}
	if peak != workers {
		t.Fatalf("peak concurrency %d, want %d", peak, workers)
	}
}

func TestRunnerSurvivesPanicsAndErrors(t *testing.T) {
	var done int32
	r := dispatch.NewRunner(finderFunc(func(_ context.Context, id types.ID, _ types.Point) (dispatch.Result, error) {
		defer atomic.AddInt32(&done, 1)
		switch id {
		case "boom":
			panic("oracle returned nil slice header")
		case "fail":
			return dispatch.Result{}, errors.New("db down")
		}
		return dispatch.Result{DriversNotified: 1}, nil
	}), 1, logger.Discard())

	r.Schedule("boom", pickup)
	r.Schedule("fail", pickup)
	r.Schedule("ok", pickup)
	r.Wait()
	if atomic.LoadInt32(&done) != 3 {
		t.Fatalf("completed %d jobs, want 3", done)
	}
}

func TestRunnerCloseCancelsInFlight(t *testing.T) {
	started := make(chan struct{})
	r := dispatch.NewRunner(finderFunc(func(ctx context.Context, _ types.ID, _ types.Point) (dispatch.Result, error) {
		close(started)
		<-ctx.Done()
		return dispatch.Result{}, ctx.Err()
	}), 1, logger.Discard())

	r.Schedule("slow", pickup)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestRunnerCloseWaitsForIdle(t *testing.T) {
	r := dispatch.NewRunner(finderFunc(func(context.Context, types.ID, types.Point) (dispatch.Result, error) {
		return dispatch.Result{}, nil
	}), 1, logger.Discard())
	r.Schedule("t1", pickup)
	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
}
