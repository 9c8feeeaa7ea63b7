package concurrency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestBoundedPoolLimitsConcurrency(t *testing.T) {
	t.Parallel()
	items := make([]int, 40)
	for i := range items {
		items[i] = i
	}

	var inFlight, peak, seen atomic.Int64
	err := BoundedPool(context.Background(), 4, items, func(ctx context.Context, _ int) error {
		cur := inFlight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		seen.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("BoundedPool error: %v", err)
	}
	if seen.Load() != int64(len(items)) {
		t.Fatalf("processed = %d, want %d", seen.Load(), len(items))
	}
	if peak.Load() > 4 {
		t.Fatalf("peak in flight = %d, want <= 4", peak.Load())
	}
}

func TestBoundedPoolErrorDoesNotStopSiblings(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	var seen atomic.Int64
	err := BoundedPool(context.Background(), 2, []int{1, 2, 3, 4, 5}, func(ctx context.Context, v int) error {
		seen.Add(1)
		if v == 2 {
			return boom
		}
		return nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if seen.Load() != 5 {
		t.Fatalf("processed = %d, want 5", seen.Load())
	}
}

func TestQuotaCapsInFlight(t *testing.T) {
	t.Parallel()
	q := NewQuota(2, 0)
	var inFlight, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Do(context.Background(), func(ctx context.Context) error {
				cur := inFlight.Add(1)
				for {
					p := peak.Load()
					if cur <= p || peak.CompareAndSwap(p, cur) {
						break
					}
				}
				time.Sleep(3 * time.Millisecond)
				inFlight.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	if peak.Load() > 2 {
		t.Fatalf("peak = %d, want <= 2", peak.Load())
	}
}

func TestQuotaCallReturnsValue(t *testing.T) {
	t.Parallel()
	v, err := QuotaCall(context.Background(), NewQuota(1, 100), func(ctx context.Context) (string, error) {
		return "ok", nil
	})
	if err != nil || v != "ok" {
		t.Fatalf("QuotaCall = %q, %v", v, err)
	}
}

func TestRetryWithBackoff(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	tests := []struct {
		name      string
		count     int
		failTimes int
		wantCalls int
		wantErr   bool
	}{
		{name: "first try", count: 3, failTimes: 0, wantCalls: 1},
		{name: "recovers", count: 3, failTimes: 2, wantCalls: 3},
		{name: "exhausted", count: 2, failTimes: 10, wantCalls: 3, wantErr: true},
		{name: "no retries", count: 0, failTimes: 10, wantCalls: 1, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			calls := 0
			err := RetryWithBackoff(context.Background(), tt.count, time.Millisecond, func(ctx context.Context) error {
				calls++
				if calls <= tt.failTimes {
					return boom
				}
				return nil
			})
			if calls != tt.wantCalls {
				t.Fatalf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if tt.wantErr != (err != nil) {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && err != boom {
				t.Fatalf("final error changed: %v", err)
			}
		})
	}
}

func TestRetryIfStopsOnNonRetryable(t *testing.T) {
	t.Parallel()
	fatal := errors.New("fatal")
	calls := 0
	err := RetryIf(context.Background(), 5, time.Millisecond, func(err error) bool { return err != fatal }, func(ctx context.Context) error {
		calls++
		return fatal
	})
	if err != fatal || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestKeyedRunnerSerializesPerKey(t *testing.T) {
	t.Parallel()
	var active, overlaps, runs atomic.Int64
	release := make(chan struct{})
	r := NewKeyedRunner(func(ctx context.Context, key int64) {
		if active.Add(1) > 1 {
			overlaps.Add(1)
		}
		<-release
		runs.Add(1)
		active.Add(-1)
	})

	first := r.Activate(context.Background(), 7)
	var queued []<-chan struct{}
	for i := 0; i < 5; i++ {
		queued = append(queued, r.Activate(context.Background(), 7))
	}
	for i := 1; i < len(queued); i++ {
		if queued[i] != queued[0] {
			t.Fatalf("queued activations were not coalesced")
		}
	}
	close(release)
	<-first
	<-queued[0]

	if overlaps.Load() != 0 {
		t.Fatalf("overlapping runs = %d", overlaps.Load())
	}
	if runs.Load() != 2 {
		t.Fatalf("runs = %d, want 2 (one running + one coalesced follow-up)", runs.Load())
	}
	deadline := time.Now().Add(time.Second)
	for r.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if r.Len() != 0 {
		t.Fatalf("slot leaked: %d", r.Len())
	}
}

func TestKeyedRunnerRunsKeysInParallel(t *testing.T) {
	t.Parallel()
	var wg sync.WaitGroup
	wg.Add(2)
	gate := make(chan struct{})
	r := NewKeyedRunner(func(ctx context.Context, key string) {
		wg.Done()
		<-gate
	})
	a := r.Activate(context.Background(), "a")
	b := r.Activate(context.Background(), "b")

	waited := make(chan struct{})
	go func() { wg.Wait(); close(waited) }()
	select {
	case <-waited:
	case <-time.After(2 * time.Second):
		t.Fatalf("different keys did not run concurrently")
	}
	close(gate)
	<-a
	<-b
}

func TestKeyedRunnerReportsPanic(t *testing.T) {
	t.Parallel()
	type report struct {
		key   int
		v     any
		stack []byte
	}
	got := make(chan report, 1)
	var runs atomic.Int32
	r := NewKeyedRunner(func(ctx context.Context, key int) {
		if runs.Add(1) == 1 {
			panic("boom")
		}
	}, WithPanicHandler(func(key int, v any, stack []byte) {
		got <- report{key, v, stack}
	}))

	<-r.Activate(context.Background(), 7)
	select {
	case rep := <-got:
		if rep.key != 7 || rep.v != "boom" || len(rep.stack) == 0 {
			t.Fatalf("unexpected report: key=%d v=%v stack=%d bytes", rep.key, rep.v, len(rep.stack))
		}
	default:
		t.Fatal("panic not reported")
	}

	<-r.Activate(context.Background(), 7)
	if runs.Load() != 2 {
		t.Fatalf("key not reusable after panic, runs = %d", runs.Load())
	}
}

func TestKeyedRunnerWait(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	r := NewKeyedRunner(func(ctx context.Context, key string) { <-gate })

	if err := r.Wait(context.Background()); err != nil {
		t.Fatalf("Wait on idle runner: %v", err)
	}
	r.Activate(context.Background(), "a")
	r.Activate(context.Background(), "a")
	r.Activate(context.Background(), "b")

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.Wait(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait = %v while runs are blocked", err)
	}

	close(gate)
	done := make(chan error, 1)
	go func() { done <- r.Wait(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after runs finished")
	}
	if r.Len() != 0 {
		t.Fatalf("slots left: %d", r.Len())
	}
}
