package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags, duration strings and time zones. It is the
// gate for both the initial load and every hot reload.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	durations := map[string]string{
		"telegram.poll_timeout":   cfg.Telegram.PollTimeout,
		"http.read_timeout":       cfg.HTTP.ReadTimeout,
		"http.write_timeout":      cfg.HTTP.WriteTimeout,
		"http.idle_timeout":       cfg.HTTP.IdleTimeout,
		"http.request_timeout":    cfg.HTTP.RequestTimeout,
		"storage.busy_timeout":    cfg.Storage.BusyTimeout,
		"scheduler.requeue_delay": cfg.Scheduler.RequeueDelay,
		"reminder.engine_timeout": cfg.Reminder.EngineTimeout,
		"reminder.store_timeout":  cfg.Reminder.StoreTimeout,
		"reminder.fire_slack":     cfg.Reminder.FireSlack,
	}
	if te := cfg.TaskEngine; te != nil {
		durations["task_engine.default_timeout"] = te.DefaultTimeout
		durations["task_engine.max_queue_delay"] = te.MaxQueueDelay
	}
	if d := cfg.Delivery; d != nil {
		durations["delivery.timeout"] = d.Timeout
		durations["delivery.dedup_window"] = d.DedupWindow
		durations["delivery.breaker_cooldown"] = d.BreakerCooldown
	}
	var errs []error
	if cfg.HTTP.Enabled && len(cfg.HTTP.JWTSecret) < 32 {
		errs = append(errs, errors.New("http.jwt_secret: must be at least 32 characters"))
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	zones := map[string]string{
		"scheduler.timezone":        cfg.Scheduler.Timezone,
		"reminder.display_timezone": cfg.Reminder.DisplayTimezone,
	}
	for path, name := range zones {
		if name = strings.TrimSpace(name); name == "" {
			continue
		}
		if _, err := time.LoadLocation(name); err != nil {
			errs = append(errs, fmt.Errorf("%s: unknown time zone %q", path, name))
		}
	}
	return errors.Join(errs...)
}
