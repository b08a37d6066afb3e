// README: Runner executes dispatches in the background with a bounded worker count.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"ridedispatch/internal/types"
)

type Finder interface {
	FindAndNotifyDrivers(ctx context.Context, tripID types.ID, pickup types.Point) (Result, error)
}

// Runner detaches dispatch from the request that created the trip. Each job
// has its own error boundary: failures and panics are logged, never returned
// to the caller of Schedule.
type Runner struct {
	finder Finder
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	log    logrus.FieldLogger
}

func NewRunner(finder Finder, workers int, log logrus.FieldLogger) *Runner {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		finder: finder,
		sem:    semaphore.NewWeighted(int64(workers)),
		ctx:    ctx,
		cancel: cancel,
		log:    log,
	}
}

func (r *Runner) Schedule(tripID types.ID, pickup types.Point) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.sem.Acquire(r.ctx, 1); err != nil {
			r.log.WithError(err).WithField("trip_id", tripID).Warn("dispatch dropped, runner closed")
			return
		}
		defer r.sem.Release(1)
		r.run(tripID, pickup)
	}()
}

func (r *Runner) run(tripID types.ID, pickup types.Point) {
	log := r.log.WithField("trip_id", tripID)
	defer func() {
		if rec := recover(); rec != nil {
			log.WithField("stack", string(debug.Stack())).Error(fmt.Sprintf("dispatch panic: %v", rec))
		}
	}()

	res, err := r.finder.FindAndNotifyDrivers(r.ctx, tripID, pickup)
	if err != nil {
		log.WithError(err).Error("dispatch failed")
		return
	}
	log.WithFields(logrus.Fields{
		"notified":  res.DriversNotified,
		"radius_km": res.RadiusKm,
	}).Debug("dispatch finished")
}

// Wait blocks until every scheduled dispatch has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Close waits for in-flight dispatches until ctx expires, then cancels them.
func (r *Runner) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return ctx.Err()
	}
}
