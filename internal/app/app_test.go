package app

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"streamwatch/internal/config"
	"streamwatch/internal/eventbus"
	"streamwatch/internal/source"
	"streamwatch/internal/storage"
	logx "streamwatch/pkg/logx"
)

type fakeSource struct {
	channels map[string]source.ChannelInfo
}

func (f *fakeSource) ID() string            { return "fake" }
func (f *fakeSource) Name() string          { return "Fake" }
func (f *fakeSource) BatchSize() int        { return 10 }
func (f *fakeSource) Match(url string) bool { return len(url) > 9 && url[:9] == "fake.tv/c" }
func (f *fakeSource) GetStreams(context.Context, []string) (source.Result, error) {
	return source.Result{}, nil
}
func (f *fakeSource) GetExistsChannelIDs(_ context.Context, ids []string) ([]string, error) {
	return ids, nil
}
func (f *fakeSource) FindChannel(_ context.Context, query string) (source.ChannelInfo, error) {
	if len(query) > 10 && query[:10] == "fake.tv/c/" {
		query = query[10:]
	}
	info, ok := f.channels[query]
	if !ok {
		return source.ChannelInfo{}, source.ErrChannelNotFound
	}
	return info, nil
}

func openStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "app.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newSubs(t *testing.T) (*Subscriptions, storage.Store) {
	st := openStore(t)
	src := &fakeSource{channels: map[string]source.ChannelInfo{
		"alice": {ID: "alice", Title: "Alice", URL: "https://fake.tv/c/alice"},
	}}
	return NewSubscriptions(st, source.NewRegistry(src), logx.Nop()), st
}

func TestSubscriptionsAddByURL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	subs, st := newSubs(t)

	ch, err := subs.Add(ctx, 42, "fake.tv/c/alice")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if ch.ID != "fake:alice" || ch.Service != "fake" || ch.Title != "Alice" {
		t.Fatalf("channel = %+v", ch)
	}
	if _, err := st.GetChat(ctx, 42); err != nil {
		t.Fatalf("chat not created: %v", err)
	}
	// a subscribed channel is due for its first sync right away
	due, err := st.ChannelsForSync(ctx, "fake", 10, time.Now(), time.Now())
	if err != nil || len(due) != 1 {
		t.Fatalf("due = %v, %v", due, err)
	}

	// second add is idempotent
	if _, err := subs.Add(ctx, 42, "fake:alice"); err != nil {
		t.Fatalf("Add again: %v", err)
	}
	if err := subs.Remove(ctx, 42, "fake:alice"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
}

func TestSubscriptionsAddErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	subs, _ := newSubs(t)

	if _, err := subs.Add(ctx, 1, "https://elsewhere.example/x"); !errors.Is(err, source.ErrUnknownService) {
		t.Fatalf("err = %v, want ErrUnknownService", err)
	}
	if _, err := subs.Add(ctx, 1, "fake:bob"); !errors.Is(err, source.ErrChannelNotFound) {
		t.Fatalf("err = %v, want ErrChannelNotFound", err)
	}
}

type pruneSpy struct {
	storage.BackoffStore
	calls int
}

func (p *pruneSpy) PruneBackoff(context.Context, time.Time) (int, error) {
	p.calls++
	return 7, nil
}

func TestDispatchStoreRoutesPrune(t *testing.T) {
	t.Parallel()
	spy := &pruneSpy{}
	ds := dispatchStore{Store: openStore(t), backoff: spy}
	n, err := ds.PruneBackoff(context.Background(), time.Now())
	if err != nil || n != 7 || spy.calls != 1 {
		t.Fatalf("n=%d err=%v calls=%d", n, err, spy.calls)
	}
}

func TestHandleChannelsRemoved(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openStore(t)
	if err := st.PutChannel(ctx, storage.Channel{ID: "fake:gone", Service: "fake"}); err != nil {
		t.Fatal(err)
	}
	a := &App{store: st, log: logx.Nop()}
	a.handleEvent(ctx, eventbus.Event{
		Type: eventbus.TypeChannelsRemoved,
		Data: eventbus.ChannelsRemoved{Service: "fake", ChannelIDs: []string{"fake:gone"}},
	})
	if _, err := st.GetChannel(ctx, "fake:gone"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("channel still present: %v", err)
	}
}

func TestConfigMapping(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Telegram: config.TelegramConfig{Token: "t", LogChatID: -5},
		Logging: config.LoggingConfig{
			Level:    "debug",
			Telegram: config.TelegramLogConfig{Enabled: true, MinLevel: "error"},
		},
		Storage:    config.StorageConfig{Driver: " Postgres ", DSN: "postgres://x", BusyTimeout: "2s"},
		Backoff:    config.BackoffConfig{Driver: "redis", RedisAddr: "localhost:6379"},
		Checker:    config.CheckerConfig{SyncInterval: "90", RetryDelay: "100ms"},
		Sender:     config.SenderConfig{ProbeTimeout: "3s", RatePerSec: 20},
		Dispatcher: config.DispatcherConfig{Check: "@every 2m", StreamRetention: "12h"},
		Sources:    config.SourcesConfig{Goodgame: config.GoodgameConfig{Enabled: true, Timeout: "10s"}},
	}

	if lc := mapLogging(cfg); lc.Telegram.ChatID != -5 || lc.Telegram.MinLevel != "error" {
		t.Fatalf("logging = %+v", lc)
	}
	if tc, err := mapTelegram(cfg); err != nil || tc.Timeout != 60*time.Second {
		t.Fatalf("telegram = %+v, %v", tc, err)
	}
	if sc, err := mapStorage(cfg); err != nil || sc.Driver != "postgres" || sc.BusyTimeout != 2*time.Second {
		t.Fatalf("storage = %+v, %v", sc, err)
	}
	if rc, ok := redisBackoff(cfg); !ok || rc.KeyPrefix != "streamwatch:" {
		t.Fatalf("redis = %+v, %v", rc, ok)
	}
	if cc, err := mapChecker(cfg); err != nil || cc.SyncInterval != 90*time.Second || cc.RetryDelay != 100*time.Millisecond {
		t.Fatalf("checker = %+v, %v", cc, err)
	}
	if ec, err := mapSender(cfg); err != nil || ec.ProbeTimeout != 3*time.Second || ec.RatePerSec != 20 {
		t.Fatalf("sender = %+v, %v", ec, err)
	}
	if dc, err := mapDispatcher(cfg); err != nil || dc.Check != "@every 2m" || dc.StreamRetention != 12*time.Hour {
		t.Fatalf("dispatcher = %+v, %v", dc, err)
	}
	if gc, err := mapGoodgame(cfg); err != nil || gc.Timeout != 10*time.Second {
		t.Fatalf("goodgame = %+v, %v", gc, err)
	}
}

func TestValidateSchedules(t *testing.T) {
	t.Parallel()
	ok := &config.Config{Dispatcher: config.DispatcherConfig{Check: "*/5 * * * *", Cleanup: "03:30"}}
	if err := validateSchedules(ok); err != nil {
		t.Fatalf("validateSchedules: %v", err)
	}
	bad := &config.Config{Dispatcher: config.DispatcherConfig{Drain: "whenever"}}
	if err := validateSchedules(bad); err == nil {
		t.Fatal("expected error for bad schedule")
	}
	tz := &config.Config{Dispatcher: config.DispatcherConfig{Timezone: "Mars/Olympus"}}
	if err := validateSchedules(tz); err == nil {
		t.Fatal("expected error for bad timezone")
	}
}
