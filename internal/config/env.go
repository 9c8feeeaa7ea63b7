package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment overrides. Secrets usually live here rather than in the file.
const (
	EnvTelegramToken = "STREAMWATCH_TELEGRAM_TOKEN"
	EnvLogChatID     = "STREAMWATCH_LOG_CHAT_ID"
	EnvStorageDriver = "STREAMWATCH_STORAGE_DRIVER"
	EnvStorageDSN    = "STREAMWATCH_STORAGE_DSN"
	EnvRedisAddr     = "STREAMWATCH_REDIS_ADDR"
	EnvRedisPassword = "STREAMWATCH_REDIS_PASSWORD"
	EnvOpsToken      = "STREAMWATCH_OPS_TOKEN"
)

// LoadDotEnv loads KEY=VALUE files into the process environment.
// Missing files are skipped; variables already set are left alone.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if strings.TrimSpace(f) == "" {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str(EnvTelegramToken, &cfg.Telegram.Token)
	str(EnvStorageDriver, &cfg.Storage.Driver)
	str(EnvStorageDSN, &cfg.Storage.DSN)
	str(EnvRedisAddr, &cfg.Backoff.RedisAddr)
	str(EnvRedisPassword, &cfg.Backoff.RedisPassword)
	str(EnvOpsToken, &cfg.Ops.Token)

	if v, ok := lookup(EnvLogChatID); ok && strings.TrimSpace(v) != "" {
		id, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvLogChatID, err)
		}
		cfg.Telegram.LogChatID = id
	}
	return nil
}
