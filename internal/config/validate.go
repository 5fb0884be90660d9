package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct constraints and every duration field. It does
// not require a bot token; commands that talk to Telegram check that.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := structValidator.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var errs []error
	durations := []struct{ path, raw string }{
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"http.read_timeout", cfg.HTTP.ReadTimeout},
		{"http.write_timeout", cfg.HTTP.WriteTimeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"admission.default_cooldown", cfg.Admission.DefaultCooldown},
		{"admission.sweep_interval", cfg.Admission.SweepInterval},
		{"dispatcher.loop_backoff", cfg.Dispatcher.LoopBackoff},
		{"dispatcher.send_timeout", cfg.Dispatcher.SendTimeout},
		{"dispatcher.breaker_cooldown", cfg.Dispatcher.BreakerCooldown},
		{"health.timeout", cfg.Health.Timeout},
		{"ack.token_ttl", cfg.Ack.TokenTTL},
	}
	for i, m := range cfg.Health.Modules {
		durations = append(durations, struct{ path, raw string }{fmt.Sprintf("health.modules[%d].cooldown", i), m.Cooldown})
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			errs = append(errs, err)
		}
	}

	seen := make(map[string]struct{}, len(cfg.Health.Modules))
	for i, m := range cfg.Health.Modules {
		key := strings.ToLower(strings.TrimSpace(m.Name))
		if _, dup := seen[key]; dup {
			errs = append(errs, fmt.Errorf("health.modules[%d]: duplicate module %q", i, m.Name))
		}
		seen[key] = struct{}{}
	}

	drv := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if (drv == "postgres" || drv == "postgresql" || drv == "pg") && strings.TrimSpace(cfg.Storage.Path) == "" {
		errs = append(errs, errors.New("storage.path (DSN) is required when storage.driver=postgres"))
	}
	if strings.TrimSpace(cfg.HTTP.Addr) != "" && strings.TrimSpace(cfg.HTTP.WebhookSecret) == "" {
		errs = append(errs, errors.New("http.webhook_secret is required when http.addr is set"))
	}
	return errors.Join(errs...)
}
