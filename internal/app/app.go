package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"streamwatch/internal/checker"
	"streamwatch/internal/config"
	"streamwatch/internal/dispatcher"
	"streamwatch/internal/eventbus"
	"streamwatch/internal/observability"
	rtsup "streamwatch/internal/runtime/supervisor"
	"streamwatch/internal/sender"
	"streamwatch/internal/source"
	"streamwatch/internal/source/goodgame"
	"streamwatch/internal/storage"
	"streamwatch/internal/transport/telegram"
	logx "streamwatch/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   storage.Store
	backoff storage.BackoffStore
	redis   *storage.RedisBackoff

	tg      *telegram.Client
	sources *source.Registry
	checker *checker.Checker
	sender  *sender.Engine
	disp    *dispatcher.Dispatcher
	subs    *Subscriptions
	ops     *observability.Server
	started time.Time

	events <-chan eventbus.Event
	unsub  func()
}

// New wires every component from the manager's current config.
// Goroutines started later run under a supervisor derived from ctx.
func New(ctx context.Context, cfgm *config.Manager) (a *App, err error) {
	cfg := cfgm.Get()
	if cfg == nil {
		if cfg, err = cfgm.Load(); err != nil {
			return nil, err
		}
	}

	// Telegram logging stays off until the transport exists.
	logCfg := mapLogging(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, log := logx.New(bootCfg, nil)
	defer func() {
		if err != nil {
			_ = logSvc.Close()
		}
	}()

	tgCfg, err := mapTelegram(cfg)
	if err != nil {
		return nil, err
	}
	tg, err := telegram.New(tgCfg, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	logSvc.SetSender(tg)
	logSvc.Apply(logCfg)

	a = &App{
		cfgm: cfgm,
		sup:  rtsup.NewSupervisor(ctx, rtsup.WithLogger(log.With(logx.String("comp", "supervisor")))),
		log:  log.With(logx.String("comp", "app")),
		logs: logSvc,
		bus:  eventbus.New(),
		tg:   tg,
	}
	defer func() {
		if err != nil {
			a.closeStores()
		}
	}()

	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	if a.store, err = storage.Open(sc, log.With(logx.String("comp", "storage"))); err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	a.backoff = a.store
	if rc, ok := redisBackoff(cfg); ok {
		rb, err := storage.NewRedisBackoff(rc)
		if err != nil {
			return nil, fmt.Errorf("backoff: %w", err)
		}
		a.redis = rb
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = rb.Ping(pctx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("backoff: redis ping: %w", err)
		}
		a.backoff = rb
	}

	a.sources = source.NewRegistry()
	if cfg.Sources.Goodgame.Enabled {
		gc, err := mapGoodgame(cfg)
		if err != nil {
			return nil, err
		}
		a.sources.Register(goodgame.New(gc, nil, log))
	}

	cc, err := mapChecker(cfg)
	if err != nil {
		return nil, err
	}
	a.checker = checker.New(cc, a.store, a.sources, a.bus, log, checker.WithSupervisor(a.sup))

	ec, err := mapSender(cfg)
	if err != nil {
		return nil, err
	}
	a.sender = sender.New(ec, a.store, a.backoff, tg, log, sender.WithBus(a.bus))

	dc, err := mapDispatcher(cfg)
	if err != nil {
		return nil, err
	}
	a.disp = dispatcher.New(dc, a.checker, a.sender, dispatchStore{Store: a.store, backoff: a.backoff}, a.bus, log,
		dispatcher.WithSupervisor(a.sup))

	a.subs = NewSubscriptions(a.store, a.sources, log.With(logx.String("comp", "subscriptions")))
	a.ops = observability.New(mapOps(cfg), a.status, log)
	return a, nil
}

// dispatchStore routes backoff pruning to the configured backoff store.
type dispatchStore struct {
	storage.Store
	backoff storage.BackoffStore
}

func (d dispatchStore) PruneBackoff(ctx context.Context, now time.Time) (int, error) {
	return d.backoff.PruneBackoff(ctx, now)
}

// Subscriptions is the entry point for linking chats to channels. The
// process itself exposes no command or HTTP surface that calls it; an
// embedding front end (bot commands, admin tool) is expected to.
func (a *App) Subscriptions() *Subscriptions { return a.subs }

// Done is closed when the app context is cancelled.
func (a *App) Done() <-chan struct{} { return a.sup.Context().Done() }

func (a *App) Err() error { return a.sup.Err() }

func (a *App) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.started = time.Now()
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateSchedules(cfg)
	})

	// subscribe before anything can publish
	a.events, a.unsub = a.bus.Subscribe(256,
		eventbus.TypeChannelsRemoved, eventbus.TypeChatRemoved, eventbus.TypeChatMigrated, eventbus.TypeStreamsEnded)
	a.sup.Go0("app.events", a.consumeEvents)

	if err := a.disp.Start(a.sup.Context()); err != nil {
		return err
	}

	// resume work left over from the previous run
	if n, err := a.disp.Drain(a.sup.Context()); err != nil {
		a.log.Warn("initial drain failed", logx.Err(err))
	} else if n > 0 {
		a.log.Info("resumed pending deliveries", logx.Int("chats", n))
	}

	sub := a.cfgm.Subscribe(4)
	a.sup.Go0("config.reload", func(ctx context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.applyConfig(ctx, sub)
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch, time.Second, 30*time.Second)
	if a.ops.Enabled() {
		a.sup.GoRestart("ops.server", a.ops.Serve, 500*time.Millisecond, 10*time.Second)
	}

	names := make([]string, 0, 1)
	for _, s := range a.sources.All() {
		names = append(names, s.ID())
	}
	a.log.Info("app started", logx.String("sources", strings.Join(names, ",")))
	return nil
}

func (a *App) status() observability.Status {
	st := observability.Status{
		StartedAt:  a.started,
		Goroutines: a.sup.Active(),
		Sources:    map[string]bool{},
		Chats:      a.sender.InFlight(),
		Dropped:    a.bus.Dropped(),
		Panics:     a.sender.Panics(),
	}
	for _, src := range a.sources.All() {
		st.Sources[src.ID()] = a.checker.Running(src.ID())
	}
	if err := a.sup.Err(); err != nil {
		st.Err = err.Error()
	}
	return st
}

// applyConfig applies logging changes live and flags everything else.
func (a *App) applyConfig(ctx context.Context, sub <-chan *config.Config) {
	applied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			ch := config.SummarizeChange(applied, cfg)
			applied = cfg
			if ch.Empty() {
				a.log.Debug("config reloaded (no changes)")
				continue
			}
			a.logs.Apply(mapLogging(cfg))
			fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Fields...)
			a.log.Info("config reloaded", fields...)
			if len(ch.Restart) > 0 {
				a.log.Warn("restart required for config changes", logx.String("sections", strings.Join(ch.Restart, ",")))
			}
		}
	}
}

func (a *App) consumeEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-a.events:
			if !ok {
				return
			}
			a.handleEvent(ctx, ev)
		}
	}
}

func (a *App) handleEvent(ctx context.Context, ev eventbus.Event) {
	switch data := ev.Data.(type) {
	case eventbus.ChannelsRemoved:
		if err := a.store.DeleteChannels(ctx, data.ChannelIDs); err != nil {
			a.log.Error("delete removed channels failed", logx.String("service", data.Service), logx.Err(err))
			return
		}
		a.log.Info("channels removed", logx.String("service", data.Service), logx.Int("count", len(data.ChannelIDs)))
	case eventbus.ChatRemoved:
		a.log.Warn("chat removed", logx.Int64("chat_id", data.ChatID), logx.String("reason", data.Reason))
	case eventbus.ChatMigrated:
		a.log.Info("chat migrated", logx.Int64("from", data.From), logx.Int64("to", data.To), logx.Bool("merged", data.Merged))
	case eventbus.StreamsEnded:
		a.log.Debug("streams ended", logx.Int("count", len(data.StreamIDs)))
	default:
		a.log.Trace("event", logx.String("type", ev.Type))
	}
}

// Stop shuts components down in dependency order, each step bounded by ctx.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping")
	a.disp.Stop(ctx)
	if a.unsub != nil {
		a.unsub()
	}
	err := a.sup.Stop(ctx)
	if err != nil {
		a.log.Warn("supervisor stop", logx.Err(err))
	}
	// Chat drives run outside the supervisor; their last store writes must
	// land before the stores close.
	if werr := a.sender.Wait(ctx); werr != nil {
		a.log.Warn("chat drives still running at shutdown", logx.Int("chats", a.sender.InFlight()), logx.Err(werr))
		err = errors.Join(err, werr)
	}
	a.closeStores()
	a.log.Info("stopped")
	_ = a.logs.Close()
	return err
}

func (a *App) closeStores() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn("close redis", logx.Err(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("close storage", logx.Err(err))
		}
	}
}
