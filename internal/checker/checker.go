// Package checker runs one polling loop per streaming service and reconciles
// what the platform reports with the stored channel and stream state.
package checker

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"streamwatch/internal/concurrency"
	"streamwatch/internal/eventbus"
	rtsup "streamwatch/internal/runtime/supervisor"
	"streamwatch/internal/source"
	"streamwatch/internal/storage"
	logx "streamwatch/pkg/logx"
)

// Store is the part of storage.Store the poller needs.
type Store interface {
	ChannelsForSync(ctx context.Context, service string, limit int, now, syncedBefore time.Time) ([]storage.Channel, error)
	SetChannelsSyncTimeout(ctx context.Context, ids []string, until time.Time) error
	SetChannelsSynced(ctx context.Context, ids []string, at time.Time) error
	SetChannelTitle(ctx context.Context, id, title string) error
	ChannelIDs(ctx context.Context, service, afterID string, limit int) ([]string, error)
	LiveStreams(ctx context.Context, channelIDs []string) ([]storage.Stream, error)
	InsertStream(ctx context.Context, s storage.Stream) ([]int64, error)
	UpdateStream(ctx context.Context, s storage.Stream, changed bool) error
	EndStreams(ctx context.Context, ids []string, at time.Time) error
}

type Config struct {
	// SyncTimeout is how far a picked channel's sync timeout is pushed
	// before its platform call; a crashed cycle frees it after this.
	SyncTimeout time.Duration
	// SyncInterval is the minimum age of lastSyncAt for a channel to be due.
	SyncInterval time.Duration
	RetryCount   int
	RetryDelay   time.Duration
	// MaxInFlight caps concurrent GetStreams calls per service.
	MaxInFlight int
	// AuditBatch is the page size used by AuditChannels.
	AuditBatch int
}

func (c Config) withDefaults() Config {
	if c.SyncTimeout <= 0 {
		c.SyncTimeout = 5 * time.Minute
	}
	if c.SyncInterval < 0 {
		c.SyncInterval = 0
	}
	if c.RetryCount < 0 {
		c.RetryCount = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 250 * time.Millisecond
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 1
	}
	if c.AuditBatch <= 0 {
		c.AuditBatch = 100
	}
	return c
}

type Checker struct {
	cfg     Config
	store   Store
	sources *source.Registry
	bus     eventbus.Bus
	log     logx.Logger
	sup     *rtsup.Supervisor
	now     func() time.Time

	mu      sync.Mutex
	running map[string]chan struct{}
	quotas  map[string]*concurrency.Quota
}

type Option func(*Checker)

// WithSupervisor runs service loops under sup instead of bare goroutines.
func WithSupervisor(sup *rtsup.Supervisor) Option { return func(c *Checker) { c.sup = sup } }

func WithClock(now func() time.Time) Option { return func(c *Checker) { c.now = now } }

func New(cfg Config, store Store, sources *source.Registry, bus eventbus.Bus, log logx.Logger, opts ...Option) *Checker {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Checker{
		cfg:     cfg.withDefaults(),
		store:   store,
		sources: sources,
		bus:     bus,
		log:     log.With(logx.String("comp", "checker")),
		now:     time.Now,
		running: map[string]chan struct{}{},
		quotas:  map[string]*concurrency.Quota{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Check starts a loop for every service that is not already running one.
// It does not wait for the loops.
func (c *Checker) Check(ctx context.Context) {
	for _, src := range c.sources.All() {
		c.start(ctx, src)
	}
}

// Running reports whether service has a loop in progress.
func (c *Checker) Running(service string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.running[service]
	return ok
}

// Wait blocks until the current loop of service (if any) has exited.
func (c *Checker) Wait(ctx context.Context, service string) error {
	c.mu.Lock()
	done, ok := c.running[service]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Checker) start(ctx context.Context, src source.Source) (<-chan struct{}, bool) {
	id := src.ID()
	c.mu.Lock()
	if done, ok := c.running[id]; ok {
		c.mu.Unlock()
		return done, false
	}
	done := make(chan struct{})
	c.running[id] = done
	c.mu.Unlock()

	run := func(ctx context.Context) {
		defer func() {
			c.mu.Lock()
			delete(c.running, id)
			c.mu.Unlock()
			close(done)
		}()
		c.runThread(ctx, src)
	}
	if c.sup != nil {
		c.sup.Go0("checker."+id, run)
	} else {
		go run(ctx)
	}
	return done, true
}

func (c *Checker) quota(service string) *concurrency.Quota {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.quotas[service]
	if !ok {
		q = concurrency.NewQuota(c.cfg.MaxInFlight, 0)
		c.quotas[service] = q
	}
	return q
}

func (c *Checker) runThread(ctx context.Context, src source.Source) {
	log := c.log.With(logx.String("service", src.ID()))
	started := c.now()
	batches, channels := 0, 0
	for ctx.Err() == nil {
		n, err := c.syncBatch(ctx, src, log)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				log.Error("poll cycle aborted", logx.Err(err))
			}
			break
		}
		if n == 0 {
			break
		}
		batches++
		channels += n
	}
	if batches > 0 {
		log.Debug("poll cycle finished",
			logx.Int("batches", batches),
			logx.Int("channels", channels),
			logx.Duration("took", c.now().Sub(started)),
		)
	}
}

// syncBatch processes one batch and returns how many channels it picked.
// Returned errors stop the loop; platform failures only skip the batch.
func (c *Checker) syncBatch(ctx context.Context, src source.Source, log logx.Logger) (int, error) {
	service := src.ID()
	now := c.now()

	channels, err := c.store.ChannelsForSync(ctx, service, src.BatchSize(), now, now.Add(-c.cfg.SyncInterval))
	if err != nil {
		return 0, err
	}
	if len(channels) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(channels))
	rawIDs := make([]string, 0, len(channels))
	byID := make(map[string]storage.Channel, len(channels))
	for _, ch := range channels {
		ids = append(ids, ch.ID)
		byID[ch.ID] = ch
		_, raw, ok := source.Unwrap(ch.ID)
		if !ok {
			raw = ch.ID
		}
		rawIDs = append(rawIDs, raw)
	}

	if err := c.store.SetChannelsSyncTimeout(ctx, ids, now.Add(c.cfg.SyncTimeout)); err != nil {
		return 0, err
	}

	q := c.quota(service)
	res, err := concurrency.Retry(ctx, c.cfg.RetryCount, c.cfg.RetryDelay, func(ctx context.Context) (source.Result, error) {
		return concurrency.QuotaCall(ctx, q, func(ctx context.Context) (source.Result, error) {
			return src.GetStreams(ctx, rawIDs)
		})
	})
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		log.Warn("batch skipped", logx.Int("channels", len(ids)), logx.Err(err))
		return len(channels), nil
	}

	c.reconcile(ctx, service, now, byID, ids, res, log)
	return len(channels), nil
}

func (c *Checker) reconcile(ctx context.Context, service string, syncAt time.Time, byID map[string]storage.Channel, ids []string, res source.Result, log logx.Logger) {
	excluded := map[string]struct{}{}
	for _, raw := range res.SkippedChannelIDs {
		excluded[source.Wrap(service, raw)] = struct{}{}
	}
	removed := make([]string, 0, len(res.RemovedChannelIDs))
	for _, raw := range res.RemovedChannelIDs {
		id := source.Wrap(service, raw)
		excluded[id] = struct{}{}
		removed = append(removed, id)
	}

	checked := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, skip := excluded[id]; !skip {
			checked = append(checked, id)
		}
	}

	// Streams of channels outside the batch are upstream noise.
	fresh := make(map[string][]storage.Stream, len(checked))
	for _, raw := range res.Streams {
		st := toStream(service, raw, syncAt)
		if _, ok := byID[st.ChannelID]; !ok {
			log.Debug("stream skipped: channel not in batch", logx.String("stream", st.ID), logx.String("channel", st.ChannelID))
			continue
		}
		if _, skip := excluded[st.ChannelID]; skip {
			continue
		}
		fresh[st.ChannelID] = append(fresh[st.ChannelID], st)
	}

	if err := c.store.SetChannelsSynced(ctx, checked, syncAt); err != nil {
		log.Error("update last sync failed", logx.Err(err))
	}
	for _, id := range checked {
		streams := fresh[id]
		if len(streams) == 0 {
			continue
		}
		title := streams[0].ChannelTitle
		if title != "" && title != byID[id].Title {
			if err := c.store.SetChannelTitle(ctx, id, title); err != nil {
				log.Warn("update channel title failed", logx.String("channel", id), logx.Err(err))
			}
		}
	}

	c.diffStreams(ctx, checked, fresh, syncAt, log)

	if len(removed) > 0 && c.bus != nil {
		log.Info("channels removed upstream", logx.Int("count", len(removed)))
		c.bus.Publish(eventbus.Event{
			Type: eventbus.TypeChannelsRemoved,
			Data: eventbus.ChannelsRemoved{Service: service, ChannelIDs: removed},
		})
	}
}

func (c *Checker) diffStreams(ctx context.Context, checked []string, fresh map[string][]storage.Stream, at time.Time, log logx.Logger) {
	if len(checked) == 0 {
		return
	}
	known, err := c.store.LiveStreams(ctx, checked)
	if err != nil {
		log.Error("load live streams failed", logx.Err(err))
		return
	}
	knownByID := make(map[string]storage.Stream, len(known))
	for _, st := range known {
		knownByID[st.ID] = st
	}

	seen := map[string]struct{}{}
	for _, id := range checked {
		for _, st := range fresh[id] {
			seen[st.ID] = struct{}{}
			prev, ok := knownByID[st.ID]
			if !ok {
				c.insertStream(ctx, st, log)
				continue
			}
			changed := describesDifferently(prev, st)
			if !changed && sameViewers(prev.Viewers, st.Viewers) {
				continue
			}
			st.CreatedAt = prev.CreatedAt
			if err := c.store.UpdateStream(ctx, st, changed); err != nil {
				log.Warn("update stream failed", logx.String("stream", st.ID), logx.Err(err))
			}
		}
	}

	var ended []string
	for _, st := range known {
		if _, ok := seen[st.ID]; !ok {
			ended = append(ended, st.ID)
		}
	}
	if len(ended) == 0 {
		return
	}
	if err := c.store.EndStreams(ctx, ended, at); err != nil {
		log.Error("end streams failed", logx.Err(err))
		return
	}
	log.Debug("streams ended", logx.Int("count", len(ended)))
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: eventbus.TypeStreamsEnded, Data: eventbus.StreamsEnded{StreamIDs: ended}})
	}
}

func (c *Checker) insertStream(ctx context.Context, st storage.Stream, log logx.Logger) {
	chatIDs, err := c.store.InsertStream(ctx, st)
	if err != nil {
		log.Error("insert stream failed", logx.String("stream", st.ID), logx.Err(err))
		return
	}
	log.Info("stream online", logx.String("stream", st.ID), logx.String("channel", st.ChannelID), logx.Int("chats", len(chatIDs)))
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{
			Type: eventbus.TypeStreamNew,
			Data: eventbus.StreamNew{StreamID: st.ID, ChannelID: st.ChannelID, ChatIDs: chatIDs},
		})
	}
}

func toStream(service string, raw source.RawStream, at time.Time) storage.Stream {
	return storage.Stream{
		ID:           source.Wrap(service, raw.ID),
		ChannelID:    source.Wrap(service, raw.ChannelID),
		URL:          raw.URL,
		Title:        raw.Title,
		Game:         raw.Game,
		IsRecord:     raw.IsRecord,
		Previews:     raw.Previews,
		Viewers:      raw.Viewers,
		ChannelTitle: raw.ChannelTitle,
		CreatedAt:    at,
		UpdatedAt:    at,
	}
}

// describesDifferently compares the fields rendered into messages.
// Viewer counts are not rendered and do not count as a change.
func describesDifferently(a, b storage.Stream) bool {
	return a.Title != b.Title ||
		a.Game != b.Game ||
		a.URL != b.URL ||
		a.IsRecord != b.IsRecord ||
		a.ChannelTitle != b.ChannelTitle ||
		!slices.Equal(a.Previews, b.Previews)
}

func sameViewers(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
