// README: Bounded retry with a per-call timeout around any Index.
package location

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"ridedispatch/internal/types"
)

const retryInitialInterval = 50 * time.Millisecond

// Retrying calls the wrapped index up to retries+1 times, each attempt under
// its own timeout. Exhausting the attempts yields ErrUpstreamUnavailable.
type Retrying struct {
	next     Index
	retries  int
	timeout  time.Duration
	interval time.Duration
	log      logrus.FieldLogger
}

func NewRetrying(next Index, retries int, timeout time.Duration, log logrus.FieldLogger) *Retrying {
	if retries < 0 {
		retries = 0
	}
	return &Retrying{next: next, retries: retries, timeout: timeout, interval: retryInitialInterval, log: log}
}

func (r *Retrying) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.interval
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(backoff.WithContext(b, ctx), uint64(r.retries))
}

func (r *Retrying) SearchNearby(ctx context.Context, center types.Point, radiusKm float64, limit int) (SearchResult, error) {
	attempt := 0
	res, err := backoff.RetryWithData(func() (SearchResult, error) {
		attempt++
		res, err := r.attempt(ctx, center, radiusKm, limit)
		if err != nil {
			r.log.WithError(err).WithFields(logrus.Fields{
				"radius_km": radiusKm,
				"attempt":   attempt,
			}).Warn("driver search attempt failed")
		}
		return res, err
	}, r.backOff(ctx))
	if err != nil {
		return SearchResult{}, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	return res, nil
}

func (r *Retrying) attempt(ctx context.Context, center types.Point, radiusKm float64, limit int) (SearchResult, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	return r.next.SearchNearby(ctx, center, radiusKm, limit)
}
