package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks the fields that would otherwise fail late, at wiring time.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, errors.New("telegram.token is required"))
	}
	if c.Logging.Telegram.Enabled && c.Telegram.LogChatID == 0 {
		errs = append(errs, errors.New("logging.telegram.enabled requires telegram.log_chat_id"))
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "postgres", "postgresql", "pgx":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unsupported %q", c.Storage.Driver))
	}
	if strings.TrimSpace(c.Storage.DSN) == "" {
		errs = append(errs, errors.New("storage.dsn is required"))
	}

	switch strings.ToLower(strings.TrimSpace(c.Backoff.Driver)) {
	case "", "sql":
	case "redis":
		if strings.TrimSpace(c.Backoff.RedisAddr) == "" {
			errs = append(errs, errors.New("backoff.redis_addr is required for the redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("backoff.driver: unsupported %q", c.Backoff.Driver))
	}

	if !c.Sources.Goodgame.Enabled {
		errs = append(errs, errors.New("sources: no source is enabled"))
	}

	durations := []struct{ path, raw string }{
		{"telegram.timeout", c.Telegram.Timeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"checker.sync_timeout", c.Checker.SyncTimeout},
		{"checker.sync_interval", c.Checker.SyncInterval},
		{"checker.retry_delay", c.Checker.RetryDelay},
		{"sender.probe_timeout", c.Sender.ProbeTimeout},
		{"sender.download_timeout", c.Sender.DownloadTimeout},
		{"sender.retry_delay", c.Sender.RetryDelay},
		{"dispatcher.stream_retention", c.Dispatcher.StreamRetention},
		{"dispatcher.job_timeout", c.Dispatcher.JobTimeout},
		{"sources.goodgame.retry_delay", c.Sources.Goodgame.RetryDelay},
		{"sources.goodgame.timeout", c.Sources.Goodgame.Timeout},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			errs = append(errs, err)
		}
	}

	if c.Sender.RatePerSec < 0 || c.Sources.Goodgame.RatePerSec < 0 {
		errs = append(errs, errors.New("rate_per_sec must be >= 0"))
	}
	return errors.Join(errs...)
}
