package config

import (
	"reflect"
	"sort"
	"strings"

	logx "taskbot/pkg/logx"
)

// HotReloadable are the sections applied without a restart.
var HotReloadable = map[string]bool{
	"logging":  true,
	"delivery": true,
}

// SummarizeConfigChange returns the changed sections (sorted) and safe
// fields for logging. Secrets are reported only as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if oldCfg.Telegram.Token != newCfg.Telegram.Token ||
		strings.TrimSpace(oldCfg.Telegram.PollTimeout) != strings.TrimSpace(newCfg.Telegram.PollTimeout) ||
		strings.TrimSpace(oldCfg.Telegram.GroupLog) != strings.TrimSpace(newCfg.Telegram.GroupLog) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(newCfg.Telegram.GroupLog) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	oh, nh := oldCfg.HTTP, newCfg.HTTP
	oh.JWTSecret, nh.JWTSecret = "", ""
	if oh != nh || oldCfg.HTTP.JWTSecret != newCfg.HTTP.JWTSecret {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.jwt_secret_changed", oldCfg.HTTP.JWTSecret != newCfg.HTTP.JWTSecret),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.dsn_changed", oldCfg.Storage.DSN != newCfg.Storage.DSN),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
			logx.String("scheduler.maintenance", strings.TrimSpace(newCfg.Scheduler.Maintenance)),
		)
	}

	oTE := derefTaskEngine(oldCfg.TaskEngine)
	nTE := derefTaskEngine(newCfg.TaskEngine)
	if (oldCfg.TaskEngine != nil) != (newCfg.TaskEngine != nil) || !reflect.DeepEqual(oTE, nTE) {
		changed = append(changed, "task_engine")
		enabled := newCfg.Scheduler.Enabled
		if nTE.Enabled != nil {
			enabled = *nTE.Enabled
		}
		attrs = append(attrs,
			logx.Bool("task_engine.enabled", enabled),
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.Int("task_engine.retry_max", nTE.RetryMax),
		)
	}

	if oldCfg.Reminder != newCfg.Reminder {
		changed = append(changed, "reminder")
		attrs = append(attrs,
			logx.String("reminder.display_timezone", strings.TrimSpace(newCfg.Reminder.DisplayTimezone)),
			logx.String("reminder.fire_slack", strings.TrimSpace(newCfg.Reminder.FireSlack)),
		)
	}

	// An omitted delivery section means the defaults.
	oD, nD := EffectiveDelivery(oldCfg), EffectiveDelivery(newCfg)
	if oD != nD {
		changed = append(changed, "delivery")
		attrs = append(attrs,
			logx.Bool("delivery.enabled", nD.Enabled),
			logx.Int("delivery.rate_per_sec", nD.RatePerSec),
			logx.Bool("delivery.persist_dedup", nD.PersistDedup),
			logx.Uint64("delivery.breaker_failures", uint64(nD.BreakerFailures)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired filters changed down to the sections that only take
// effect after a restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		if !HotReloadable[s] {
			out = append(out, s)
		}
	}
	return out
}

// EffectiveDelivery returns the delivery section with the omitted-section
// default applied.
func EffectiveDelivery(cfg *Config) DeliveryConfig {
	if cfg == nil || cfg.Delivery == nil {
		return DefaultDelivery()
	}
	return *cfg.Delivery
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}
