package config

// Config is the relay configuration file. Every section is optional; zero
// values select defaults when the app maps them onto components.
type Config struct {
	Telegram   TelegramConfig   `json:"telegram"`
	Logging    LoggingConfig    `json:"logging"`
	HTTP       HTTPConfig       `json:"http"`
	Storage    StorageConfig    `json:"storage"`
	Redis      *RedisConfig     `json:"redis,omitempty"`
	Admission  AdmissionConfig  `json:"admission"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Health     HealthConfig     `json:"health"`
	Ack        AckConfig        `json:"ack"`
	Pprof      PprofConfig      `json:"pprof"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	GroupLog     string  `json:"group_log"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout    string `json:"poll_timeout"`
	SendRatePerSec int    `json:"send_rate_per_sec,omitempty" validate:"min=0"`
	// AlertChatID seeds an unfiltered subscription so a fresh install
	// delivers somewhere.
	AlertChatID int64 `json:"alert_chat_id,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level" validate:"omitempty,oneof=trace debug info warn warning error TRACE DEBUG INFO WARN WARNING ERROR"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty" validate:"min=0"`
	MaxBackups int    `json:"max_backups,omitempty" validate:"min=0"`
	MaxAgeDays int    `json:"max_age_days,omitempty" validate:"min=0"`
	Compress   bool   `json:"compress,omitempty"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec" validate:"min=0"`
}

// HTTPConfig controls the webhook intake and the read-only admin API.
//
// Security note: WebhookSecret is required on every POST; leave Addr empty
// to disable the listener entirely.
type HTTPConfig struct {
	Addr          string `json:"addr"`
	WebhookSecret string `json:"webhook_secret"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	// Metrics exposes /metrics on the same listener.
	Metrics bool `json:"metrics"`
}

// StorageConfig selects the event store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/alerts.db" }
type StorageConfig struct {
	Driver       string `json:"driver" validate:"omitempty,oneof=sqlite sqlite3 postgres postgresql pg memory mem"`
	Path         string `json:"path"`
	BusyTimeout  string `json:"busy_timeout,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty" validate:"min=0"`
}

// RedisConfig moves the hourly rate window to Redis so several relay
// instances share one budget.
type RedisConfig struct {
	Addr     string `json:"addr" validate:"required"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty" validate:"min=0"`
	Prefix   string `json:"prefix,omitempty"`
}

type AdmissionConfig struct {
	// DefaultCooldown is the per-module quiet period after an admitted alert.
	// Empty selects 60s; "0s" turns the cooldown off.
	DefaultCooldown string `json:"default_cooldown"`
	MaxPerHour      int    `json:"max_per_hour" validate:"min=0"`
	// WindowMaxKeys caps the in-memory rate map (0: 10000).
	WindowMaxKeys int    `json:"window_max_keys,omitempty" validate:"min=0"`
	SweepInterval string `json:"sweep_interval,omitempty"`
}

type DispatcherConfig struct {
	LoopBackoff     string `json:"loop_backoff,omitempty"`
	SendTimeout     string `json:"send_timeout,omitempty"`
	BreakerFailures int    `json:"breaker_failures,omitempty"`
	BreakerCooldown string `json:"breaker_cooldown,omitempty"`
	// RecoverLimit bounds how many pending alerts are re-queued at startup.
	RecoverLimit int `json:"recover_limit,omitempty" validate:"min=0"`
}

// HealthConfig lists the modules to probe and when.
//
// Schedule accepts a cron expression (seconds optional), a descriptor such
// as "@every 5m", or a bare Go duration.
type HealthConfig struct {
	Schedule string         `json:"schedule"`
	Timeout  string         `json:"timeout,omitempty"`
	Modules  []ModuleTarget `json:"modules" validate:"dive"`
}

type ModuleTarget struct {
	Name     string `json:"name" validate:"required"`
	Endpoint string `json:"endpoint" validate:"omitempty,url"`
	// Cooldown overrides admission.default_cooldown for this module; "0s"
	// turns it off.
	Cooldown string `json:"cooldown,omitempty"`
}

type AckConfig struct {
	// Redeliver re-queues delayed alerts when their delay elapses.
	Redeliver bool `json:"redeliver"`
	// TokenTTL bounds how long oversized callback ids stay resolvable.
	TokenTTL string `json:"token_ttl,omitempty"`
}

// PprofConfig enables the profiling listener. It stays on loopback unless
// a token is set or AllowInsecure is true.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}
