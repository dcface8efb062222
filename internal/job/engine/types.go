package engine

import (
	"context"
	"time"
)

// Config controls the execution engine. The app maps config.task_engine
// into this struct.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// DefaultTimeout applies when Job.Timeout is 0.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops jobs that waited in the queue longer than this.
	// 0 disables stale dropping.
	MaxQueueDelay time.Duration

	HistorySize int
	RetryMax    int
}

// Options tunes retries for one job.
type Options struct {
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%
	// KeepWhenStale exempts the job from the MaxQueueDelay drop. Jobs
	// whose only trigger has already been consumed set it.
	KeepWhenStale bool
}

func (o Options) withDefaults(cfg Config) Options {
	if o.RetryMax <= 0 {
		o.RetryMax = cfg.RetryMax
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 15 * time.Second
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 0.2
	}
	return o
}

// Job is a unit of work executed by a worker.
type Job struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Opt     Options
}

type HistoryItem struct {
	ID         string
	Name       string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Attempts   int
	Error      string
}

// JobEvent is published on the event bus for job lifecycle changes.
type JobEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

const (
	EventStarted  = "job.started"
	EventFinished = "job.finished"
	EventFailed   = "job.failed"
	EventDropped  = "job.dropped"
)

// Snapshot is a diagnostics view of the engine.
type Snapshot struct {
	Enabled  bool
	Running  bool
	Workers  int
	QueueLen int
	QueueCap int
	InFlight int

	DroppedQueueFull uint64
	DroppedStale     uint64

	History []HistoryItem
}
