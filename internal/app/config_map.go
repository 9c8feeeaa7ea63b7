package app

import (
	"strings"
	"time"

	"streamwatch/internal/checker"
	"streamwatch/internal/config"
	"streamwatch/internal/dispatcher"
	"streamwatch/internal/observability"
	"streamwatch/internal/sender"
	"streamwatch/internal/source/goodgame"
	"streamwatch/internal/storage"
	"streamwatch/internal/transport/telegram"
	logx "streamwatch/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			ChatID:     cfg.Telegram.LogChatID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func mapOps(cfg *config.Config) observability.Config {
	o := cfg.Ops
	return observability.Config{Enabled: o.Enabled, Addr: o.Addr, Token: o.Token, AllowInsecure: o.AllowInsecure}
}

func mapTelegram(cfg *config.Config) (telegram.Config, error) {
	timeout, err := config.ParseDurationOrDefault("telegram.timeout", cfg.Telegram.Timeout, 60*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{Token: cfg.Telegram.Token, Timeout: timeout}, nil
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		DSN:         cfg.Storage.DSN,
		BusyTimeout: busy,
	}, nil
}

// redisBackoff reports whether backoff records go to Redis, and with what settings.
func redisBackoff(cfg *config.Config) (storage.RedisConfig, bool) {
	b := cfg.Backoff
	if !strings.EqualFold(strings.TrimSpace(b.Driver), "redis") {
		return storage.RedisConfig{}, false
	}
	prefix := b.KeyPrefix
	if prefix == "" {
		prefix = "streamwatch:"
	}
	return storage.RedisConfig{
		Addr:      b.RedisAddr,
		Password:  b.RedisPassword,
		DB:        b.RedisDB,
		KeyPrefix: prefix,
	}, true
}

func mapChecker(cfg *config.Config) (checker.Config, error) {
	c := cfg.Checker
	out := checker.Config{
		RetryCount:  c.RetryCount,
		MaxInFlight: c.MaxInFlight,
		AuditBatch:  c.AuditBatch,
	}
	var err error
	if out.SyncTimeout, err = config.ParseDurationField("checker.sync_timeout", c.SyncTimeout); err != nil {
		return checker.Config{}, err
	}
	if out.SyncInterval, err = config.ParseDurationField("checker.sync_interval", c.SyncInterval); err != nil {
		return checker.Config{}, err
	}
	if out.RetryDelay, err = config.ParseDurationField("checker.retry_delay", c.RetryDelay); err != nil {
		return checker.Config{}, err
	}
	return out, nil
}

func mapSender(cfg *config.Config) (sender.Config, error) {
	s := cfg.Sender
	out := sender.Config{
		BatchSize:        s.BatchSize,
		MaxDownloadBytes: s.MaxDownloadBytes,
		RetryCount:       s.RetryCount,
		MaxInFlight:      s.MaxInFlight,
		RatePerSec:       s.RatePerSec,
	}
	var err error
	if out.ProbeTimeout, err = config.ParseDurationField("sender.probe_timeout", s.ProbeTimeout); err != nil {
		return sender.Config{}, err
	}
	if out.DownloadTimeout, err = config.ParseDurationField("sender.download_timeout", s.DownloadTimeout); err != nil {
		return sender.Config{}, err
	}
	if out.RetryDelay, err = config.ParseDurationField("sender.retry_delay", s.RetryDelay); err != nil {
		return sender.Config{}, err
	}
	return out, nil
}

func mapDispatcher(cfg *config.Config) (dispatcher.Config, error) {
	d := cfg.Dispatcher
	out := dispatcher.Config{
		Check:    d.Check,
		Drain:    d.Drain,
		Cleanup:  d.Cleanup,
		Audit:    d.Audit,
		Timezone: d.Timezone,
	}
	var err error
	if out.StreamRetention, err = config.ParseDurationField("dispatcher.stream_retention", d.StreamRetention); err != nil {
		return dispatcher.Config{}, err
	}
	if out.JobTimeout, err = config.ParseDurationField("dispatcher.job_timeout", d.JobTimeout); err != nil {
		return dispatcher.Config{}, err
	}
	return out, nil
}

func mapGoodgame(cfg *config.Config) (goodgame.Config, error) {
	g := cfg.Sources.Goodgame
	out := goodgame.Config{
		BaseURL:     g.BaseURL,
		BatchSize:   g.BatchSize,
		Parallel:    g.Parallel,
		RetryCount:  g.RetryCount,
		MaxInFlight: g.MaxInFlight,
		RatePerSec:  g.RatePerSec,
	}
	var err error
	if out.RetryDelay, err = config.ParseDurationField("sources.goodgame.retry_delay", g.RetryDelay); err != nil {
		return goodgame.Config{}, err
	}
	if out.Timeout, err = config.ParseDurationField("sources.goodgame.timeout", g.Timeout); err != nil {
		return goodgame.Config{}, err
	}
	return out, nil
}

// validateSchedules rejects a config whose job schedules or timezone would
// fail when the dispatcher starts.
func validateSchedules(cfg *config.Config) error {
	dc, err := mapDispatcher(cfg)
	if err != nil {
		return err
	}
	loc := time.Local
	if tz := strings.TrimSpace(dc.Timezone); tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return err
		}
	}
	now := time.Now().In(loc)
	for name, raw := range map[string]string{"check": dc.Check, "drain": dc.Drain, "cleanup": dc.Cleanup, "audit": dc.Audit} {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		if _, err := dispatcher.ParseSchedule(raw, now, name); err != nil {
			return err
		}
	}
	return nil
}
