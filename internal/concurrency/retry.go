package concurrency

import (
	"context"
	"time"
)

// RetryWithBackoff runs op and, on failure, retries it up to count more times
// waiting delay between attempts. The last error is returned unchanged.
func RetryWithBackoff(ctx context.Context, count int, delay time.Duration, op func(ctx context.Context) error) error {
	return RetryIf(ctx, count, delay, nil, op)
}

// RetryIf is RetryWithBackoff with a predicate; errors for which retryable
// returns false are returned immediately. A nil predicate retries everything.
func RetryIf(ctx context.Context, count int, delay time.Duration, retryable func(error) bool, op func(ctx context.Context) error) error {
	if count < 0 {
		count = 0
	}
	var err error
	for attempt := 0; ; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if attempt >= count || (retryable != nil && !retryable(err)) {
			return err
		}
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return err
			case <-t.C:
			}
		} else if ctx.Err() != nil {
			return err
		}
	}
}

// Retry is RetryWithBackoff for calls that produce a value.
func Retry[T any](ctx context.Context, count int, delay time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := RetryWithBackoff(ctx, count, delay, func(ctx context.Context) error {
		v, err := op(ctx)
		out = v
		return err
	})
	return out, err
}
