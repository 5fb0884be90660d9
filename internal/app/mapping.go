package app

import (
	"fmt"
	"strings"
	"time"

	"alertrelay/internal/admission"
	"alertrelay/internal/bot"
	"alertrelay/internal/config"
	"alertrelay/internal/dispatch"
	"alertrelay/internal/health"
	"alertrelay/internal/httpapi"
	"alertrelay/internal/observability/pprof"
	"alertrelay/internal/storage"
	telegram "alertrelay/internal/transport/telegram/adapter"
	logx "alertrelay/pkg/logx"
)

const (
	defaultSQLitePath    = "./data/alerts.db"
	defaultRecoverLimit  = 1000
	defaultTokenTTL      = 24 * time.Hour
	defaultSweepInterval = 5 * time.Minute
	tokenStoreMax        = 10000
)

func mapTelegramConfig(cfg *Config) (telegram.Config, error) {
	poll, err := parseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:          cfg.Telegram.Token,
		PollTimeout:    poll,
		SendRatePerSec: cfg.Telegram.SendRatePerSec,
	}, nil
}

func mapLogConfig(cfg *Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled:    l.File.Enabled,
			Path:       l.File.Path,
			MaxSizeMB:  l.File.MaxSizeMB,
			MaxBackups: l.File.MaxBackups,
			MaxAgeDays: l.File.MaxAgeDays,
			Compress:   l.File.Compress,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "sqlite", "sqlite3":
		driver = "sqlite"
		if path == "" {
			path = defaultSQLitePath
		}
	case "postgres", "postgresql", "pg":
		driver = "postgres"
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path (postgres DSN) is required when storage.driver=%s", sc.Driver)
		}
	case "memory", "mem":
		driver = "memory"
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy, MaxOpenConns: sc.MaxOpenConns}, nil
}

func mapAdmissionConfig(cfg *Config) (admission.Config, error) {
	cd, err := parseCooldown("admission.default_cooldown", cfg.Admission.DefaultCooldown, admission.DefaultCooldown)
	if err != nil {
		return admission.Config{}, err
	}
	return admission.Config{DefaultCooldown: cd, MaxPerHour: cfg.Admission.MaxPerHour}, nil
}

func mapDispatchConfig(cfg *Config) (dispatch.Config, error) {
	d := cfg.Dispatcher
	backoff, err := parseDurationField("dispatcher.loop_backoff", d.LoopBackoff)
	if err != nil {
		return dispatch.Config{}, err
	}
	send, err := parseDurationField("dispatcher.send_timeout", d.SendTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	cool, err := parseDurationField("dispatcher.breaker_cooldown", d.BreakerCooldown)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		LoopBackoff:     backoff,
		SendTimeout:     send,
		BreakerFailures: d.BreakerFailures,
		BreakerCooldown: cool,
	}, nil
}

// healthPlan is the mapped health section: probe targets plus per-module
// cooldown overrides.
type healthPlan struct {
	Schedule  string
	Timeout   time.Duration
	Targets   []health.Target
	Cooldowns map[string]time.Duration
}

func mapHealthConfig(cfg *Config, defCooldown time.Duration) (healthPlan, error) {
	h := cfg.Health
	timeout, err := parseDurationOrDefault("health.timeout", h.Timeout, health.DefaultTimeout)
	if err != nil {
		return healthPlan{}, err
	}
	plan := healthPlan{
		Schedule:  health.NormalizeSchedule(h.Schedule),
		Timeout:   timeout,
		Cooldowns: map[string]time.Duration{},
	}
	for i, m := range h.Modules {
		name := strings.TrimSpace(m.Name)
		cd, err := parseCooldown(fmt.Sprintf("health.modules[%d].cooldown", i), m.Cooldown, defCooldown)
		if err != nil {
			return healthPlan{}, err
		}
		plan.Cooldowns[name] = max(cd, 0)
		if ep := strings.TrimSpace(m.Endpoint); ep != "" {
			plan.Targets = append(plan.Targets, health.Target{Module: name, Endpoint: ep})
		}
	}
	return plan, nil
}

func mapServerConfig(cfg *Config) (httpapi.ServerConfig, error) {
	rt, err := parseDurationField("http.read_timeout", cfg.HTTP.ReadTimeout)
	if err != nil {
		return httpapi.ServerConfig{}, err
	}
	wt, err := parseDurationField("http.write_timeout", cfg.HTTP.WriteTimeout)
	if err != nil {
		return httpapi.ServerConfig{}, err
	}
	return httpapi.ServerConfig{Addr: strings.TrimSpace(cfg.HTTP.Addr), ReadTimeout: rt, WriteTimeout: wt}, nil
}

func mapPprofConfig(cfg *Config) pprof.Config {
	p := cfg.Pprof
	return pprof.Config{
		Enabled:       p.Enabled,
		Addr:          strings.TrimSpace(p.Addr),
		Token:         strings.TrimSpace(p.Token),
		AllowInsecure: p.AllowInsecure,
	}
}

func mapAckConfig(cfg *Config) (ttl time.Duration, err error) {
	return parseDurationOrDefault("ack.token_ttl", cfg.Ack.TokenTTL, defaultTokenTTL)
}

func botSettings(cfg *Config) bot.Settings {
	adm, _ := mapAdmissionConfig(cfg)
	plan, _ := mapHealthConfig(cfg, adm.DefaultCooldown)
	maxPerHour := adm.MaxPerHour
	if maxPerHour <= 0 {
		maxPerHour = admission.DefaultMaxPerHour
	}
	sc, _ := mapStorageConfig(cfg)
	return bot.Settings{
		Cooldown:       max(adm.DefaultCooldown, 0),
		MaxPerHour:     maxPerHour,
		ProbeTimeout:   plan.Timeout,
		HealthSchedule: plan.Schedule,
		Storage:        sc.Driver,
	}
}

// validateMapped checks what config.Validate cannot: the health
// schedule must parse and storage must map onto a driver. It runs on
// every hot reload before the new config is published.
func validateMapped(cfg *Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	return health.ValidateSchedule(cfg.Health.Schedule)
}

func parseDurationField(path, raw string) (time.Duration, error) {
	return config.ParseDurationField(path, raw)
}

func parseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	return config.ParseDurationOrDefault(path, raw, def)
}

// parseCooldown is like parseDurationOrDefault except that an explicit zero
// ("0", "0s") maps to admission.NoCooldown instead of the default.
func parseCooldown(path, raw string, def time.Duration) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	d, err := parseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return admission.NoCooldown, nil
	}
	return d, nil
}
