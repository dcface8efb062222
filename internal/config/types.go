package config

// Config is the on-disk configuration (JSON or YAML). Secrets may come
// from the environment instead, see ApplyEnv.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	HTTP      HTTPConfig      `json:"http"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// TaskEngine controls the workers that run fired jobs. If omitted the
	// engine follows scheduler.enabled with defaults.
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`

	Reminder ReminderConfig `json:"reminder"`

	// Delivery defaults to enabled when the section is omitted.
	Delivery *DeliveryConfig `json:"delivery,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token" validate:"required"`
	// GroupLog is the chat id the Telegram log sink posts to.
	GroupLog string `json:"group_log,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level" validate:"omitempty,oneof=trace debug info warn warning error fatal panic TRACE DEBUG INFO WARN WARNING ERROR FATAL PANIC"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path" validate:"required_if=Enabled true"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec" validate:"gte=0"`
}

// HTTPConfig controls the REST API.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8080"
	// JWTSecret signs HS256 bearer tokens, at least 32 bytes. Do not log.
	JWTSecret string `json:"jwt_secret,omitempty" validate:"required_if=Enabled true"`

	ReadTimeout    string `json:"read_timeout,omitempty"`
	WriteTimeout   string `json:"write_timeout,omitempty"`
	IdleTimeout    string `json:"idle_timeout,omitempty"`
	RequestTimeout string `json:"request_timeout,omitempty"`
}

// StorageConfig selects the database.
//
// Example:
//
//	"storage": { "driver": "sqlite", "dsn": "./data/taskbot.db" }
type StorageConfig struct {
	Driver       string `json:"driver" validate:"omitempty,oneof=sqlite sqlite3 postgres postgresql pgx"`
	DSN          string `json:"dsn" validate:"required"`
	BusyTimeout  string `json:"busy_timeout,omitempty"` // sqlite
	MaxOpenConns int    `json:"max_open_conns,omitempty" validate:"gte=0"`
}

// SchedulerConfig controls one-shot jobs and the maintenance cron.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Timezone applies to cron specs only.
	Timezone     string `json:"timezone,omitempty"`
	RequeueDelay string `json:"requeue_delay,omitempty"`
	// Maintenance is the cron spec of the dedup prune job. Default "@every 1h".
	Maintenance string `json:"maintenance,omitempty"`
}

// TaskEngineConfig controls the job execution engine.
//
// Defaults (when fields are omitted/zero):
//   - enabled: scheduler.enabled
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 3
type TaskEngineConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Workers        int    `json:"workers,omitempty" validate:"gte=0"`
	QueueSize      int    `json:"queue_size,omitempty" validate:"gte=0"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty" validate:"gte=0"`
	RetryMax       int    `json:"retry_max,omitempty" validate:"gte=0"`
}

type ReminderConfig struct {
	// DisplayTimezone renders due times in reminder messages and bot
	// replies. Default "Etc/GMT+10".
	DisplayTimezone string `json:"display_timezone,omitempty"`
	EngineTimeout   string `json:"engine_timeout,omitempty"`
	StoreTimeout    string `json:"store_timeout,omitempty"`
	FireSlack       string `json:"fire_slack,omitempty"`
}

// DeliveryConfig controls outbound reminder messages. Durations are Go
// duration strings.
type DeliveryConfig struct {
	Enabled         bool   `json:"enabled"`
	RatePerSec      int    `json:"rate_per_sec" validate:"gte=0"`
	Timeout         string `json:"timeout,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty" validate:"gte=0"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`
	BreakerFailures uint32 `json:"breaker_failures,omitempty"`
	BreakerCooldown string `json:"breaker_cooldown,omitempty"`
}

// DefaultDelivery is what an omitted delivery section means.
func DefaultDelivery() DeliveryConfig {
	return DeliveryConfig{
		Enabled:         true,
		RatePerSec:      3,
		Timeout:         "10s",
		DedupWindow:     "24h",
		DedupMaxEntries: 2000,
		PersistDedup:    true,
		BreakerFailures: 5,
		BreakerCooldown: "30s",
	}
}
