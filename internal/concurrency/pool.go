package concurrency

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
)

// BoundedPool runs worker over items with at most n calls in flight.
//
// Items are drawn from a shared queue in order; a failing worker does not stop
// its siblings. All worker errors are joined and returned once the queue is
// empty, so callers decide whether a partial failure matters.
func BoundedPool[T any](ctx context.Context, n int, items []T, worker func(ctx context.Context, item T) error) error {
	if len(items) == 0 || worker == nil {
		return nil
	}
	if n <= 0 {
		n = 1
	}
	if n > len(items) {
		n = len(items)
	}

	var (
		mu   sync.Mutex
		next int
		errs []error
	)
	pop := func() (T, bool) {
		mu.Lock()
		defer mu.Unlock()
		var zero T
		if next >= len(items) || ctx.Err() != nil {
			return zero, false
		}
		it := items[next]
		next++
		return it, true
	}

	var g errgroup.Group
	g.SetLimit(n)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			for {
				it, ok := pop()
				if !ok {
					return nil
				}
				if err := worker(ctx, it); err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
			}
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
