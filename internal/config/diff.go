package config

import (
	"reflect"
	"strings"

	logx "alertrelay/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens),
// and (3) the changed sections that only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	restart := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 20)

	// Telegram: owners and log group apply live, token and polling do not.
	if !reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) ||
		strings.TrimSpace(oldCfg.Telegram.GroupLog) != strings.TrimSpace(newCfg.Telegram.GroupLog) ||
		oldCfg.Telegram.AlertChatID != newCfg.Telegram.AlertChatID {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Int("telegram.owner_count", len(newCfg.Telegram.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(newCfg.Telegram.GroupLog) != ""),
			logx.Int64("telegram.alert_chat_id", newCfg.Telegram.AlertChatID),
		)
	}
	if oldCfg.Telegram.Token != newCfg.Telegram.Token ||
		strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		oldCfg.Telegram.SendRatePerSec != newCfg.Telegram.SendRatePerSec {
		restart = append(restart, "telegram.transport")
		attrs = append(attrs, logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token))
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	// HTTP (never log the secret)
	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		restart = append(restart, "http")
		attrs = append(attrs,
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.metrics", newCfg.HTTP.Metrics),
			logx.Bool("http.secret_changed", oldCfg.HTTP.WebhookSecret != newCfg.HTTP.WebhookSecret),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		restart = append(restart, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}

	if (oldCfg.Redis == nil) != (newCfg.Redis == nil) ||
		(oldCfg.Redis != nil && newCfg.Redis != nil && *oldCfg.Redis != *newCfg.Redis) {
		changed = append(changed, "redis")
		restart = append(restart, "redis")
		attrs = append(attrs, logx.Bool("redis.enabled", newCfg.Redis != nil))
	}

	if oldCfg.Admission != newCfg.Admission {
		changed = append(changed, "admission")
		attrs = append(attrs,
			logx.String("admission.default_cooldown", newCfg.Admission.DefaultCooldown),
			logx.Int("admission.max_per_hour", newCfg.Admission.MaxPerHour),
		)
		if oldCfg.Admission.WindowMaxKeys != newCfg.Admission.WindowMaxKeys ||
			oldCfg.Admission.SweepInterval != newCfg.Admission.SweepInterval {
			restart = append(restart, "admission.window")
		}
	}

	if oldCfg.Dispatcher != newCfg.Dispatcher {
		changed = append(changed, "dispatcher")
		restart = append(restart, "dispatcher")
		attrs = append(attrs,
			logx.String("dispatcher.send_timeout", newCfg.Dispatcher.SendTimeout),
			logx.Int("dispatcher.breaker_failures", newCfg.Dispatcher.BreakerFailures),
		)
	}

	if !reflect.DeepEqual(oldCfg.Health, newCfg.Health) {
		changed = append(changed, "health")
		attrs = append(attrs,
			logx.String("health.schedule", newCfg.Health.Schedule),
			logx.Int("health.module_count", len(newCfg.Health.Modules)),
		)
	}

	if oldCfg.Ack != newCfg.Ack {
		changed = append(changed, "ack")
		restart = append(restart, "ack")
		attrs = append(attrs, logx.Bool("ack.redeliver", newCfg.Ack.Redeliver))
	}

	if oldCfg.Pprof != newCfg.Pprof {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.Bool("pprof.token_set", newCfg.Pprof.Token != ""),
		)
	}

	return changed, attrs, restart
}
