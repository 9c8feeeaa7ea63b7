package config

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

const validYAML = `
telegram:
  token: "123:abc"
  timeout: 30s
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  dsn: "file:streamwatch.db"
checker:
  sync_interval: 2m
  retry_count: 3
dispatcher:
  check: "@every 5m"
  cleanup: "@hourly"
sources:
  goodgame:
    enabled: true
    batch_size: 25
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func noEnv(string) (string, bool) { return "", false }

func newTestManager(path string, env map[string]string) *Manager {
	m := NewManager(path)
	m.lookup = func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	return m
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	m := newTestManager(writeFile(t, "config.yaml", validYAML), nil)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" || cfg.Checker.RetryCount != 3 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.Dispatcher.Check != "@every 5m" || !cfg.Sources.Goodgame.Enabled {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if m.Get() != cfg {
		t.Fatal("Load did not commit")
	}
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	body := `{"telegram":{"token":"t"},"logging":{"level":"info","console":true},
"storage":{"dsn":"postgres://x"},"sources":{"goodgame":{"enabled":true}}}`
	cfg, err := newTestManager(writeFile(t, "config.json", body), nil).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Storage.DSN != "postgres://x" {
		t.Fatalf("dsn = %q", cfg.Storage.DSN)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name, file, body string
	}{
		{"yaml", "c.yaml", validYAML + "bogus: 1\n"},
		{"json", "c.json", `{"telegram":{"token":"t","poll_timeout":"1s"}}`},
		{"trailing", "c.json", `{"telegram":{"token":"t"}}{}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := newTestManager(writeFile(t, tt.file, tt.body), nil).Parse(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Parallel()
	body := strings.Replace(validYAML, `token: "123:abc"`, `token: ""`, 1)
	m := newTestManager(writeFile(t, "config.yaml", body), map[string]string{
		EnvTelegramToken: "from-env",
		EnvStorageDSN:    "file:other.db",
		EnvLogChatID:     "-1001",
	})
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Telegram.Token != "from-env" || cfg.Storage.DSN != "file:other.db" || cfg.Telegram.LogChatID != -1001 {
		t.Fatalf("env not applied: %+v", cfg.Telegram)
	}

	m.lookup = noEnv
	if _, err := m.Parse(); err == nil || !strings.Contains(err.Error(), "telegram.token") {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestLoadDotEnvSkipsMissing(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	const key = "STREAMWATCH_TEST_DOTENV"
	p := writeFile(t, ".env", key+"=hello\n")
	t.Setenv(key, "")
	os.Unsetenv(key)
	if err := LoadDotEnv(p); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv(key); got != "hello" {
		t.Fatalf("%s = %q", key, got)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	base := func() Config {
		return Config{
			Telegram: TelegramConfig{Token: "t"},
			Storage:  StorageConfig{DSN: "file:x.db"},
			Sources:  SourcesConfig{Goodgame: GoodgameConfig{Enabled: true}},
		}
	}
	tests := []struct {
		name string
		mut  func(*Config)
		want string
	}{
		{"ok", func(*Config) {}, ""},
		{"bad driver", func(c *Config) { c.Storage.Driver = "mysql" }, "storage.driver"},
		{"redis without addr", func(c *Config) { c.Backoff.Driver = "redis" }, "backoff.redis_addr"},
		{"bad duration", func(c *Config) { c.Sender.ProbeTimeout = "soon" }, "sender.probe_timeout"},
		{"no sources", func(c *Config) { c.Sources.Goodgame.Enabled = false }, "no source"},
		{"log chat", func(c *Config) { c.Logging.Telegram.Enabled = true }, "log_chat_id"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base()
			tt.mut(&c)
			err := c.Validate()
			if tt.want == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"250ms", 250 * time.Millisecond, false},
		{" 300 ", 300 * time.Second, false},
		{"-1s", 0, true},
		{"later", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDurationField("x", tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Fatalf("ParseDurationField(%q) = %v, %v", tt.in, got, err)
		}
	}
	if d, _ := ParseDurationOrDefault("x", "", time.Minute); d != time.Minute {
		t.Fatalf("default = %v", d)
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Telegram: TelegramConfig{Token: "a"}, Logging: LoggingConfig{Level: "info"}}
	newCfg := &Config{Telegram: TelegramConfig{Token: "b"}, Logging: LoggingConfig{Level: "debug"}}
	ch := SummarizeChange(oldCfg, newCfg)
	if !slices.Equal(ch.Sections, []string{"telegram", "logging"}) {
		t.Fatalf("sections = %v", ch.Sections)
	}
	if !slices.Equal(ch.Restart, []string{"telegram"}) {
		t.Fatalf("restart = %v", ch.Restart)
	}
	if !SummarizeChange(newCfg, newCfg).Empty() {
		t.Fatal("identical configs reported a change")
	}
}

func TestWatchPublishesChanges(t *testing.T) {
	path := writeFile(t, "config.yaml", validYAML)
	m := newTestManager(path, nil)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()

	// The watcher may not be registered yet, so rewrite until a reload lands.
	// Writes must be spaced wider than the debounce or they keep resetting it.
	body := strings.Replace(validYAML, "level: debug", "level: warn", 1)
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(3 * reloadDebounce)
	defer tick.Stop()
	for {
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
		select {
		case cfg := <-sub:
			if cfg.Logging.Level != "warn" {
				t.Fatalf("level = %q", cfg.Logging.Level)
			}
			cancel()
			<-done
			return
		case <-tick.C:
		case <-deadline:
			t.Fatal("no config published")
		}
	}
}

func TestPublishDropsOldest(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")
	sub := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	if got := <-sub; got != b {
		t.Fatal("expected newest config")
	}
}
