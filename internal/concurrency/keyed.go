package concurrency

import (
	"context"
	"runtime/debug"
	"sync"
)

// KeyedRunner serializes runs per key.
//
// Each key owns a slot with one running job and at most one queued follow-up.
// Activating a busy key queues the follow-up (or joins the one already queued),
// so no two runs for the same key overlap and no request is dropped. The slot
// is removed once it has nothing left to run.
type KeyedRunner[K comparable] struct {
	run     func(ctx context.Context, key K)
	onPanic func(key K, v any, stack []byte)

	mu    sync.Mutex
	slots map[K]*slot
	idle  []chan struct{}
}

type slot struct {
	done chan struct{}

	pendingCtx  context.Context
	pendingDone chan struct{}
}

type KeyedOption[K comparable] func(*KeyedRunner[K])

// WithPanicHandler is called with the recovered value and stack when a run
// panics. The slot stays usable either way.
func WithPanicHandler[K comparable](fn func(key K, v any, stack []byte)) KeyedOption[K] {
	return func(r *KeyedRunner[K]) { r.onPanic = fn }
}

func NewKeyedRunner[K comparable](run func(ctx context.Context, key K), opts ...KeyedOption[K]) *KeyedRunner[K] {
	r := &KeyedRunner[K]{run: run, slots: map[K]*slot{}}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Activate schedules a run for key and returns a channel closed when that run
// has finished.
func (r *KeyedRunner[K]) Activate(ctx context.Context, key K) <-chan struct{} {
	r.mu.Lock()
	s, busy := r.slots[key]
	if !busy {
		s = &slot{done: make(chan struct{})}
		r.slots[key] = s
		done := s.done
		r.mu.Unlock()
		go r.loop(ctx, key, s)
		return done
	}
	if s.pendingDone == nil {
		s.pendingDone = make(chan struct{})
	}
	// Latest caller wins the context of the queued run.
	s.pendingCtx = ctx
	done := s.pendingDone
	r.mu.Unlock()
	return done
}

// Busy reports whether key has a running or queued job.
func (r *KeyedRunner[K]) Busy(key K) bool {
	r.mu.Lock()
	_, ok := r.slots[key]
	r.mu.Unlock()
	return ok
}

// Len returns the number of keys with live slots.
func (r *KeyedRunner[K]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}

// Wait blocks until no key has a running or queued job, or ctx is done.
// Runs activated while waiting are waited for too.
func (r *KeyedRunner[K]) Wait(ctx context.Context) error {
	r.mu.Lock()
	if len(r.slots) == 0 {
		r.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	r.idle = append(r.idle, ch)
	r.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *KeyedRunner[K]) loop(ctx context.Context, key K, s *slot) {
	for {
		r.safeRun(ctx, key)

		r.mu.Lock()
		close(s.done)
		if s.pendingDone == nil {
			delete(r.slots, key)
			if len(r.slots) == 0 {
				for _, ch := range r.idle {
					close(ch)
				}
				r.idle = nil
			}
			r.mu.Unlock()
			return
		}
		ctx = s.pendingCtx
		s.done = s.pendingDone
		s.pendingDone = nil
		s.pendingCtx = nil
		r.mu.Unlock()
	}
}

func (r *KeyedRunner[K]) safeRun(ctx context.Context, key K) {
	// A panicking job must not wedge the key forever.
	defer func() {
		if v := recover(); v != nil && r.onPanic != nil {
			r.onPanic(key, v, debug.Stack())
		}
	}()
	r.run(ctx, key)
}
