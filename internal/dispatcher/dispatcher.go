// Package dispatcher connects the poller to the delivery engine: it
// activates chats when a stream goes live and runs the periodic jobs
// (poll, drain, cleanup, audit) on robfig/cron schedules.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"streamwatch/internal/eventbus"
	rtsup "streamwatch/internal/runtime/supervisor"
	logx "streamwatch/pkg/logx"
)

type Checker interface {
	Check(ctx context.Context)
	AuditChannels(ctx context.Context) (int, error)
}

type Activator interface {
	Activate(ctx context.Context, chatID int64) <-chan struct{}
}

type Store interface {
	ChatIDsPendingStream(ctx context.Context, streamID string) ([]int64, error)
	ChatIDsWithWork(ctx context.Context) ([]int64, error)
	CleanupStreams(ctx context.Context, before time.Time) (int64, error)
	PruneBackoff(ctx context.Context, now time.Time) (int, error)
}

type Config struct {
	Check   string
	Drain   string
	Cleanup string
	Audit   string
	// Timezone applies to cron expressions; empty means local time.
	Timezone string
	// StreamRetention is how long ended streams are kept before cleanup.
	StreamRetention time.Duration
	// JobTimeout bounds one run of a periodic job.
	JobTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Check) == "" {
		c.Check = "5m"
	}
	if strings.TrimSpace(c.Drain) == "" {
		c.Drain = "1m"
	}
	if strings.TrimSpace(c.Cleanup) == "" {
		c.Cleanup = "@hourly"
	}
	if strings.TrimSpace(c.Audit) == "" {
		c.Audit = "@daily"
	}
	if c.StreamRetention <= 0 {
		c.StreamRetention = 24 * time.Hour
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 30 * time.Minute
	}
	return c
}

type Dispatcher struct {
	cfg     Config
	checker Checker
	sender  Activator
	store   Store
	bus     eventbus.Bus
	log     logx.Logger
	sup     *rtsup.Supervisor
	now     func() time.Time

	mu     sync.Mutex
	c      *cron.Cron
	unsub  func()
	cancel context.CancelFunc
	// running guards each job against overlapping itself.
	running map[string]*atomic.Bool
}

type Option func(*Dispatcher)

func WithSupervisor(sup *rtsup.Supervisor) Option { return func(d *Dispatcher) { d.sup = sup } }

func New(cfg Config, checker Checker, sender Activator, store Store, bus eventbus.Bus, log logx.Logger, opts ...Option) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		cfg:     cfg.withDefaults(),
		checker: checker,
		sender:  sender,
		store:   store,
		bus:     bus,
		log:     log.With(logx.String("comp", "dispatcher")),
		now:     time.Now,
		running: map[string]*atomic.Bool{},
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Start subscribes to stream events and starts the periodic jobs.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.c != nil {
		return nil
	}

	loc := time.Local
	if tz := strings.TrimSpace(d.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("dispatcher: timezone %q: %w", tz, err)
		}
		loc = l
	}

	base, cancel := context.WithCancel(ctx)
	c := cron.New(cron.WithParser(parser), cron.WithLocation(loc))
	jobs := []struct {
		name string
		expr string
		run  func(ctx context.Context) error
	}{
		// Poll loops and chat drives outlive the tick, so they get base.
		{"check", d.cfg.Check, func(context.Context) error { d.checker.Check(base); return nil }},
		{"drain", d.cfg.Drain, func(context.Context) error { _, err := d.Drain(base); return err }},
		{"cleanup", d.cfg.Cleanup, d.Cleanup},
		{"audit", d.cfg.Audit, func(ctx context.Context) error { _, err := d.checker.AuditChannels(ctx); return err }},
	}
	now := d.now().In(loc)
	for _, j := range jobs {
		sched, err := ParseSchedule(j.expr, now, j.name)
		if err != nil {
			cancel()
			return fmt.Errorf("dispatcher: %s: %w", j.name, err)
		}
		d.running[j.name] = &atomic.Bool{}
		name, run := j.name, j.run
		c.Schedule(sched, cron.FuncJob(func() { d.runJob(base, name, run) }))
	}

	if d.bus != nil {
		ch, unsub := d.bus.Subscribe(256, eventbus.TypeStreamNew)
		d.unsub = unsub
		loop := func(ctx context.Context) { d.consume(ctx, ch) }
		if d.sup != nil {
			d.sup.Go0("dispatcher.events", loop)
		} else {
			go loop(base)
		}
	}

	d.c = c
	d.cancel = cancel
	c.Start()
	d.log.Info("dispatcher started",
		logx.String("check", d.cfg.Check),
		logx.String("drain", d.cfg.Drain),
		logx.String("tz", loc.String()),
	)
	return nil
}

// Stop stops the schedules and the event loop and waits for running jobs.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.mu.Lock()
	c, unsub, cancel := d.c, d.unsub, d.cancel
	d.c, d.unsub, d.cancel = nil, nil, nil
	d.mu.Unlock()
	if c == nil {
		return
	}
	if unsub != nil {
		unsub()
	}
	cancel()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	d.log.Info("dispatcher stopped")
}

func (d *Dispatcher) runJob(ctx context.Context, name string, run func(ctx context.Context) error) {
	flag := d.running[name]
	if !flag.CompareAndSwap(false, true) {
		d.log.Debug("job still running, tick skipped", logx.String("job", name))
		return
	}
	defer flag.Store(false)

	ctx, cancel := context.WithTimeout(ctx, d.cfg.JobTimeout)
	defer cancel()
	start := d.now()
	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		d.log.Warn("job failed", logx.String("job", name), logx.Err(err))
		return
	}
	d.log.Trace("job done", logx.String("job", name), logx.Duration("took", d.now().Sub(start)))
}

func (d *Dispatcher) consume(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Type != eventbus.TypeStreamNew {
				continue
			}
			if data, ok := ev.Data.(eventbus.StreamNew); ok {
				d.OnStreamNew(ctx, data)
			}
		}
	}
}

// OnStreamNew activates every chat still waiting to receive the stream.
func (d *Dispatcher) OnStreamNew(ctx context.Context, ev eventbus.StreamNew) int {
	chatIDs, err := d.store.ChatIDsPendingStream(ctx, ev.StreamID)
	if err != nil {
		d.log.Warn("load pending chats failed", logx.String("stream", ev.StreamID), logx.Err(err))
		chatIDs = ev.ChatIDs
	}
	for _, id := range chatIDs {
		d.sender.Activate(ctx, id)
	}
	return len(chatIDs)
}

// Drain activates every chat that has anything to send, update or delete.
func (d *Dispatcher) Drain(ctx context.Context) (int, error) {
	chatIDs, err := d.store.ChatIDsWithWork(ctx)
	if err != nil {
		return 0, fmt.Errorf("load chats with work: %w", err)
	}
	for _, id := range chatIDs {
		d.sender.Activate(ctx, id)
	}
	if len(chatIDs) > 0 {
		d.log.Debug("drain activated chats", logx.Int("chats", len(chatIDs)))
	}
	return len(chatIDs), nil
}

// Cleanup purges ended streams nothing refers to and expired backoff records.
func (d *Dispatcher) Cleanup(ctx context.Context) error {
	now := d.now()
	streams, err := d.store.CleanupStreams(ctx, now.Add(-d.cfg.StreamRetention))
	if err != nil {
		return fmt.Errorf("cleanup streams: %w", err)
	}
	backoffs, err := d.store.PruneBackoff(ctx, now)
	if err != nil {
		return fmt.Errorf("prune backoff: %w", err)
	}
	if streams > 0 || backoffs > 0 {
		d.log.Info("cleanup done", logx.Int64("streams", streams), logx.Int("backoffs", backoffs))
	}
	return nil
}
