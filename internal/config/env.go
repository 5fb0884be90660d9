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

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// LoadDotEnv reads KEY=VALUE pairs from path into the process environment.
// Variables already set win. A missing file is not an error.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays environment variables onto cfg. Unset or blank
// variables leave the file value alone.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(k string) (string, bool) {
		v, ok := lookup(k)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	var errs []error

	if v, ok := get("BOT_TOKEN"); ok {
		cfg.Telegram.Token = v
	}
	if v, ok := get("WEBHOOK_SECRET"); ok {
		cfg.HTTP.WebhookSecret = v
	}
	if v, ok := get("WEBHOOK_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			errs = append(errs, fmt.Errorf("WEBHOOK_PORT: invalid port %q", v))
		} else {
			cfg.HTTP.Addr = ":" + strconv.Itoa(port)
		}
	}
	if v, ok := get("DATABASE_URL"); ok {
		driver, path := ParseDatabaseURL(v)
		cfg.Storage.Driver = driver
		cfg.Storage.Path = path
	}
	if v, ok := get("ALERT_CHAT_ID"); ok {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("ALERT_CHAT_ID: %w", err))
		} else {
			cfg.Telegram.AlertChatID = id
		}
	}
	if v, ok := get("ALERT_COOLDOWN"); ok {
		// Plain integers are seconds.
		if n, err := strconv.Atoi(v); err == nil {
			v = strconv.Itoa(n) + "s"
		}
		if _, err := ParseDurationField("ALERT_COOLDOWN", v); err != nil {
			errs = append(errs, err)
		} else {
			cfg.Admission.DefaultCooldown = v
		}
	}
	if v, ok := get("MAX_ALERTS_PER_HOUR"); ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			errs = append(errs, fmt.Errorf("MAX_ALERTS_PER_HOUR: invalid value %q", v))
		} else {
			cfg.Admission.MaxPerHour = n
		}
	}
	if v, ok := get("LOG_LEVEL"); ok {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v, ok := get("LOG_FILE"); ok {
		cfg.Logging.File.Enabled = true
		cfg.Logging.File.Path = v
	}
	if v, ok := get("REDIS_ADDR"); ok {
		if cfg.Redis == nil {
			cfg.Redis = &RedisConfig{}
		}
		cfg.Redis.Addr = v
	}
	return errors.Join(errs...)
}

// ParseDatabaseURL maps a DATABASE_URL onto a storage driver and path.
//
//	sqlite:///data/alerts.db   -> sqlite, data/alerts.db
//	sqlite:////abs/alerts.db   -> sqlite, /abs/alerts.db
//	postgres://user@host/db    -> postgres, the URL unchanged
//	memory                     -> memory
//	./alerts.db                -> sqlite, ./alerts.db
func ParseDatabaseURL(raw string) (driver, path string) {
	raw = strings.TrimSpace(raw)
	lower := strings.ToLower(raw)
	switch {
	case lower == "memory" || lower == ":memory:":
		return "memory", ""
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return "postgres", raw
	case strings.HasPrefix(lower, "sqlite:///"):
		return "sqlite", raw[len("sqlite:///"):]
	case strings.HasPrefix(lower, "sqlite://"):
		return "sqlite", raw[len("sqlite://"):]
	default:
		return "sqlite", raw
	}
}
