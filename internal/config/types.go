package config

// Config is the on-disk configuration (JSON or YAML).
//
// Durations are Go duration strings ("250ms", "5m"); a bare integer is read
// as seconds. Empty or zero values fall back to the component defaults.
type Config struct {
	Telegram   TelegramConfig   `json:"telegram"`
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
	Backoff    BackoffConfig    `json:"backoff,omitempty"`
	Checker    CheckerConfig    `json:"checker,omitempty"`
	Sender     SenderConfig     `json:"sender,omitempty"`
	Dispatcher DispatcherConfig `json:"dispatcher,omitempty"`
	Sources    SourcesConfig    `json:"sources"`
	Ops        OpsConfig        `json:"ops,omitempty"`
}

type TelegramConfig struct {
	Token   string `json:"token"`
	Timeout string `json:"timeout,omitempty"`
	// LogChatID receives warn+ log lines when logging.telegram is enabled.
	LogChatID int64 `json:"log_chat_id,omitempty"`
}

type LoggingConfig struct {
	Level    string            `json:"level"`
	Console  bool              `json:"console"`
	File     FileLogConfig     `json:"file,omitempty"`
	Telegram TelegramLogConfig `json:"telegram,omitempty"`
}

type FileLogConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type TelegramLogConfig struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects the relational store: "sqlite" (default) or "postgres".
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	DSN         string `json:"dsn"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// BackoffConfig selects where per-chat backoff records live.
// "sql" keeps them in the main store; "redis" keeps them in one Redis hash.
type BackoffConfig struct {
	Driver        string `json:"driver,omitempty"`
	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty"`
	KeyPrefix     string `json:"key_prefix,omitempty"`
}

type CheckerConfig struct {
	SyncTimeout  string `json:"sync_timeout,omitempty"`
	SyncInterval string `json:"sync_interval,omitempty"`
	RetryCount   int    `json:"retry_count,omitempty"`
	RetryDelay   string `json:"retry_delay,omitempty"`
	MaxInFlight  int    `json:"max_in_flight,omitempty"`
	AuditBatch   int    `json:"audit_batch,omitempty"`
}

type SenderConfig struct {
	BatchSize        int     `json:"batch_size,omitempty"`
	ProbeTimeout     string  `json:"probe_timeout,omitempty"`
	DownloadTimeout  string  `json:"download_timeout,omitempty"`
	MaxDownloadBytes int64   `json:"max_download_bytes,omitempty"`
	RetryCount       int     `json:"retry_count,omitempty"`
	RetryDelay       string  `json:"retry_delay,omitempty"`
	MaxInFlight      int     `json:"max_in_flight,omitempty"`
	RatePerSec       float64 `json:"rate_per_sec,omitempty"`
}

// DispatcherConfig holds job schedules. Each accepts a cron expression,
// an "@every"/"@hourly" descriptor, a Go duration or "HH:MM".
type DispatcherConfig struct {
	Check           string `json:"check,omitempty"`
	Drain           string `json:"drain,omitempty"`
	Cleanup         string `json:"cleanup,omitempty"`
	Audit           string `json:"audit,omitempty"`
	Timezone        string `json:"timezone,omitempty"`
	StreamRetention string `json:"stream_retention,omitempty"`
	JobTimeout      string `json:"job_timeout,omitempty"`
}

type SourcesConfig struct {
	Goodgame GoodgameConfig `json:"goodgame"`
}

type GoodgameConfig struct {
	Enabled     bool    `json:"enabled"`
	BaseURL     string  `json:"base_url,omitempty"`
	BatchSize   int     `json:"batch_size,omitempty"`
	Parallel    int     `json:"parallel,omitempty"`
	RetryCount  int     `json:"retry_count,omitempty"`
	RetryDelay  string  `json:"retry_delay,omitempty"`
	MaxInFlight int     `json:"max_in_flight,omitempty"`
	RatePerSec  float64 `json:"rate_per_sec,omitempty"`
	Timeout     string  `json:"timeout,omitempty"`
}

// OpsConfig enables the health/status/pprof HTTP server.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}
