package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"taskbot/internal/config"
	"taskbot/internal/delivery"
	"taskbot/internal/httpapi"
	"taskbot/internal/job/engine"
	"taskbot/internal/job/scheduler"
	"taskbot/internal/reminder"
	"taskbot/internal/storage"
	logx "taskbot/pkg/logx"
)

const defaultMaintenance = "@every 1h"

func mapLoggingConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

// groupLogChat parses telegram.group_log. ok is false when unset or invalid.
func groupLogChat(cfg *config.Config) (int64, bool) {
	raw := strings.TrimSpace(cfg.Telegram.GroupLog)
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	var d config.Durations
	out := storage.Config{
		Driver:       strings.ToLower(strings.TrimSpace(sc.Driver)),
		DSN:          strings.TrimSpace(sc.DSN),
		BusyTimeout:  d.Or("storage.busy_timeout", sc.BusyTimeout, time.Second),
		MaxOpenConns: sc.MaxOpenConns,
	}
	if out.DSN == "" {
		return storage.Config{}, fmt.Errorf("storage.dsn is required")
	}
	return out, d.Err()
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	te := cfg.TaskEngine
	if te == nil {
		te = &config.TaskEngineConfig{}
	}
	enabled := cfg.Scheduler.Enabled
	if te.Enabled != nil {
		enabled = *te.Enabled
	}
	// Fired jobs would have nowhere to run.
	if cfg.Scheduler.Enabled && !enabled {
		return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
	}

	var d config.Durations
	out := engine.Config{
		Enabled:        enabled,
		Workers:        te.Workers,
		QueueSize:      te.QueueSize,
		DefaultTimeout: d.Or("task_engine.default_timeout", te.DefaultTimeout, 0),
		MaxQueueDelay:  d.Or("task_engine.max_queue_delay", te.MaxQueueDelay, 0),
		HistorySize:    te.HistorySize,
		RetryMax:       te.RetryMax,
	}
	if out.Workers <= 0 {
		out.Workers = 2
	}
	if out.QueueSize <= 0 {
		out.QueueSize = 256
	}
	if out.HistorySize <= 0 {
		out.HistorySize = 200
	}
	if out.RetryMax <= 0 {
		out.RetryMax = 3
	}
	return out, d.Err()
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, string, error) {
	sc := cfg.Scheduler
	var d config.Durations
	out := scheduler.Config{
		Enabled:      sc.Enabled,
		Timezone:     strings.TrimSpace(sc.Timezone),
		RequeueDelay: d.Or("scheduler.requeue_delay", sc.RequeueDelay, 5*time.Second),
	}
	maint := strings.TrimSpace(sc.Maintenance)
	if maint == "" {
		maint = defaultMaintenance
	}
	return out, maint, d.Err()
}

func mapReminderConfig(cfg *config.Config) (reminder.Config, error) {
	rc := cfg.Reminder
	var d config.Durations
	out := reminder.Config{
		EngineTimeout:   d.Or("reminder.engine_timeout", rc.EngineTimeout, 2*time.Second),
		StoreTimeout:    d.Or("reminder.store_timeout", rc.StoreTimeout, 2*time.Second),
		DisplayTimezone: strings.TrimSpace(rc.DisplayTimezone),
		FireSlack:       d.Or("reminder.fire_slack", rc.FireSlack, time.Minute),
	}
	return out, d.Err()
}

func mapDeliveryConfig(cfg *config.Config) (delivery.Config, error) {
	dc := config.EffectiveDelivery(cfg)
	var d config.Durations
	out := delivery.Config{
		Enabled:         dc.Enabled,
		RatePerSec:      dc.RatePerSec,
		Timeout:         d.Or("delivery.timeout", dc.Timeout, 10*time.Second),
		DedupWindow:     d.Or("delivery.dedup_window", dc.DedupWindow, 24*time.Hour),
		DedupMaxEntries: dc.DedupMaxEntries,
		PersistDedup:    dc.PersistDedup,
		BreakerFailures: dc.BreakerFailures,
		BreakerCooldown: d.Or("delivery.breaker_cooldown", dc.BreakerCooldown, 30*time.Second),
	}
	return out, d.Err()
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	hc := cfg.HTTP
	var d config.Durations
	out := httpapi.Config{
		Enabled:        hc.Enabled,
		Addr:           strings.TrimSpace(hc.Addr),
		JWTSecret:      hc.JWTSecret,
		ReadTimeout:    d.Or("http.read_timeout", hc.ReadTimeout, 10*time.Second),
		WriteTimeout:   d.Or("http.write_timeout", hc.WriteTimeout, 30*time.Second),
		IdleTimeout:    d.Or("http.idle_timeout", hc.IdleTimeout, 60*time.Second),
		RequestTimeout: d.Or("http.request_timeout", hc.RequestTimeout, 30*time.Second),
	}
	return out, d.Err()
}

// validateMappings rejects configs the component mappers would refuse, so
// a bad hot reload is never committed.
func validateMappings(cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapReminderConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDeliveryConfig(cfg); err != nil {
		return err
	}
	_, err := mapHTTPConfig(cfg)
	return err
}
