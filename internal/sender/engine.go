// Package sender delivers stream notifications to chats.
//
// Each chat is driven by one serialized state machine cycling through three
// phases: send pending streams, update changed messages, delete messages of
// ended streams. Transport failures are classified and turned into chat
// removal, migration, item drops or backoff windows.
package sender

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"streamwatch/internal/classify"
	"streamwatch/internal/concurrency"
	"streamwatch/internal/eventbus"
	"streamwatch/internal/storage"
	"streamwatch/internal/transport"
	logx "streamwatch/pkg/logx"
)

// Store is the part of storage.Store the engine needs.
type Store interface {
	GetChat(ctx context.Context, id int64) (storage.Chat, error)
	DeleteChat(ctx context.Context, id int64) error
	ChangeChatID(ctx context.Context, oldID, newID int64) error

	GetStream(ctx context.Context, id string) (storage.Stream, error)
	SetStreamPreviewFileID(ctx context.Context, streamID, fileID string) error

	PendingStreamIDs(ctx context.Context, chatID int64, limit int) ([]string, error)
	DropPendingStream(ctx context.Context, chatID int64, streamID string) error
	MessagesWithChanges(ctx context.Context, chatID int64, limit int) ([]storage.Message, error)
	MessagesForDelete(ctx context.Context, chatID int64, limit int) ([]storage.Message, error)
	CommitSentMessage(ctx context.Context, m storage.Message) error
	UpdateMessageText(ctx context.Context, chatID int64, id int, text string) error
	DeleteMessage(ctx context.Context, chatID int64, id int) error
}

type Config struct {
	// BatchSize bounds each per-phase working set fetched from the store.
	BatchSize int
	// ProbeTimeout bounds each preview probe request.
	ProbeTimeout time.Duration
	// DownloadTimeout bounds fetching a preview for an upload by bytes.
	DownloadTimeout  time.Duration
	MaxDownloadBytes int64
	// AutoCleanMaxAge is the age after which messages are only forgotten,
	// never deleted remotely.
	AutoCleanMaxAge time.Duration
	// RetryCount and RetryDelay apply to transient transport failures.
	RetryCount int
	RetryDelay time.Duration
	// MaxInFlight and RatePerSec cap transport calls across all chats.
	MaxInFlight int
	RatePerSec  float64
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
	if c.DownloadTimeout <= 0 {
		c.DownloadTimeout = 60 * time.Second
	}
	if c.MaxDownloadBytes <= 0 {
		c.MaxDownloadBytes = 10 << 20
	}
	if c.AutoCleanMaxAge <= 0 {
		c.AutoCleanMaxAge = 48 * time.Hour
	}
	if c.RetryCount < 0 {
		c.RetryCount = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 8
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 25
	}
	return c
}

// Phase is a step of the per-chat round robin.
type Phase int

const (
	PhaseSend Phase = iota
	PhaseUpdate
	PhaseDelete

	phaseCount
)

func (p Phase) String() string {
	switch p {
	case PhaseSend:
		return "send"
	case PhaseUpdate:
		return "update"
	case PhaseDelete:
		return "delete"
	default:
		return "unknown"
	}
}

func (p Phase) next() Phase { return (p + 1) % phaseCount }

type Engine struct {
	cfg     Config
	store   Store
	backoff storage.BackoffStore
	tr      transport.Transport
	bus     eventbus.Bus
	log     logx.Logger
	now     func() time.Time

	quota  *concurrency.Quota
	probe  *prober
	runner *concurrency.KeyedRunner[int64]
	photos singleflight.Group

	mu      sync.Mutex
	cursors map[int64]Phase
	panics  atomic.Int64
}

type Option func(*Engine)

// WithHTTPClient sets the client used to probe and download previews.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) {
		if c != nil {
			e.probe.client = c
		}
	}
}

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func WithBus(bus eventbus.Bus) Option { return func(e *Engine) { e.bus = bus } }

func New(cfg Config, store Store, backoff storage.BackoffStore, tr transport.Transport, log logx.Logger, opts ...Option) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:     cfg,
		store:   store,
		backoff: backoff,
		tr:      tr,
		log:     log.With(logx.String("comp", "sender")),
		now:     time.Now,
		quota:   concurrency.NewQuota(cfg.MaxInFlight, cfg.RatePerSec),
		probe: &prober{
			client:       &http.Client{},
			timeout:      cfg.ProbeTimeout,
			downloadMax:  cfg.MaxDownloadBytes,
			downloadTime: cfg.DownloadTimeout,
		},
		cursors: map[int64]Phase{},
	}
	for _, o := range opts {
		o(e)
	}
	e.runner = concurrency.NewKeyedRunner(e.runActivation,
		concurrency.WithPanicHandler(func(chatID int64, v any, stack []byte) {
			e.panics.Add(1)
			e.log.Error("chat drive panicked",
				logx.Int64("chat_id", chatID),
				logx.Any("panic", v),
				logx.Stack(string(stack)),
			)
		}))
	return e
}

// Activate schedules a drive for chatID. A chat that is already being driven
// gets exactly one follow-up drive after the current one. The returned
// channel is closed when the scheduled drive has finished.
func (e *Engine) Activate(ctx context.Context, chatID int64) <-chan struct{} {
	return e.runner.Activate(ctx, chatID)
}

// Busy reports whether chatID has a drive running or queued.
func (e *Engine) Busy(chatID int64) bool { return e.runner.Busy(chatID) }

// InFlight is the number of chats with a drive running or queued.
func (e *Engine) InFlight() int { return e.runner.Len() }

// Panics counts drives that ended in a recovered panic.
func (e *Engine) Panics() int64 { return e.panics.Load() }

// Wait blocks until every scheduled drive has finished or ctx is done.
func (e *Engine) Wait(ctx context.Context) error { return e.runner.Wait(ctx) }

// settleTimeout bounds store writes that record an already delivered
// transport call. They run even when the drive's context is cancelled.
const settleTimeout = 10 * time.Second

func settled(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

func (e *Engine) runActivation(ctx context.Context, chatID int64) {
	err := e.Drive(ctx, chatID)
	switch {
	case err == nil, IsTerminal(err):
	case errors.Is(err, context.Canceled):
	default:
		e.log.Error("chat drive failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
}

// Drive runs one activation for chatID: phases are walked from where the
// previous activation stopped until every phase reports no work left.
//
// When the drive starts mid-round it wraps once to flush the phases before
// its entry point, so no phase runs more than twice per activation.
func (e *Engine) Drive(ctx context.Context, chatID int64) error {
	log := e.log.With(logx.Int64("chat_id", chatID))

	rec, ok, err := e.backoff.GetBackoff(ctx, chatID)
	if err != nil {
		return fmt.Errorf("load backoff: %w", err)
	}
	if ok {
		if rec.Active(e.now()) {
			log.Debug("chat in backoff", logx.Int64("until", rec.Timeout))
			return nil
		}
		if err := e.backoff.DeleteBackoff(ctx, chatID); err != nil {
			log.Warn("clear backoff failed", logx.Err(err))
		}
	}

	chat, err := e.store.GetChat(ctx, chatID)
	if errors.Is(err, storage.ErrNotFound) {
		e.forget(chatID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load chat: %w", err)
	}

	act := newActivation(chat, log)
	phase := e.cursor(chatID)
	entry := phase
	wrapped := false
	for {
		if wrapped && phase >= entry {
			break
		}
		if err := ctx.Err(); err != nil {
			e.setCursor(chatID, phase)
			return err
		}
		done, err := e.step(ctx, act, phase)
		if err != nil {
			if IsTerminal(err) {
				e.forget(chatID)
			} else {
				e.setCursor(chatID, phase)
			}
			return err
		}
		if !done {
			continue
		}
		phase = phase.next()
		if phase == PhaseSend {
			if entry == PhaseSend || wrapped {
				break
			}
			wrapped = true
		}
	}
	e.forget(chatID)
	if act.fallbacks > 0 || act.suspended {
		log.Debug("chat drive finished",
			logx.Int("fallbacks", act.fallbacks),
			logx.Bool("suspended", act.suspended),
		)
	}
	return nil
}

func (e *Engine) step(ctx context.Context, act *activation, p Phase) (bool, error) {
	switch p {
	case PhaseSend:
		return e.sendNext(ctx, act)
	case PhaseUpdate:
		return e.updateNext(ctx, act)
	case PhaseDelete:
		return e.deleteNext(ctx, act)
	default:
		return true, nil
	}
}

func (e *Engine) cursor(chatID int64) Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cursors[chatID]
}

func (e *Engine) setCursor(chatID int64, p Phase) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p == PhaseSend {
		delete(e.cursors, chatID)
		return
	}
	e.cursors[chatID] = p
}

func (e *Engine) forget(chatID int64) {
	e.mu.Lock()
	delete(e.cursors, chatID)
	e.mu.Unlock()
}

// call runs one transport operation through the shared quota, retrying
// transient failures.
func (e *Engine) call(ctx context.Context, op func(ctx context.Context) error) error {
	return concurrency.RetryIf(ctx, e.cfg.RetryCount, e.cfg.RetryDelay, retryable, func(ctx context.Context) error {
		return e.quota.Do(ctx, op)
	})
}

func retryable(err error) bool {
	return classify.Classify(err).Action == classify.Transient
}
