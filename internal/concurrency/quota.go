package concurrency

import (
	"context"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Quota caps calls to one upstream.
//
// maxInFlight bounds concurrent calls; waiters are admitted in arrival order.
// perSecond, when > 0, additionally bounds the call rate with a token bucket.
type Quota struct {
	sem     *semaphore.Weighted
	limiter *rate.Limiter
}

func NewQuota(maxInFlight int, perSecond float64) *Quota {
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	q := &Quota{sem: semaphore.NewWeighted(int64(maxInFlight))}
	if perSecond > 0 {
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		q.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return q
}

// Do waits for a free slot (and a rate token) and runs fn.
// A nil Quota runs fn directly.
func (q *Quota) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if q == nil {
		return fn(ctx)
	}
	if err := q.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer q.sem.Release(1)
	if q.limiter != nil {
		if err := q.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return fn(ctx)
}

// QuotaCall is Do for calls that produce a value.
func QuotaCall[T any](ctx context.Context, q *Quota, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := q.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		out = v
		return err
	})
	return out, err
}
