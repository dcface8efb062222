package scheduler

import (
	"context"
	"errors"
	"time"

	"taskbot/internal/job/engine"
)

var (
	// ErrUnavailable means the scheduler could not accept or cancel a job
	// (disabled, job table unreachable).
	ErrUnavailable = errors.New("scheduling unavailable")
	ErrUnknownKind = errors.New("no handler registered for job kind")
)

// Config controls the scheduler.
type Config struct {
	Enabled bool
	// Timezone is the IANA zone for maintenance cron specs. One-shot jobs
	// are absolute instants and ignore it.
	Timezone string
	// RequeueDelay re-arms a fired job whose hand-off to the engine failed
	// because the queue was full.
	RequeueDelay time.Duration
}

// Job is a persisted one-shot job. Handle is the opaque cancellation key.
type Job struct {
	Handle    string
	Kind      string
	Payload   string
	FireAt    time.Time
	CreatedAt time.Time
}

// CancelOutcome reports what Cancel found.
type CancelOutcome int

const (
	Cancelled CancelOutcome = iota + 1
	// AlreadyFiredOrUnknown is not an error: the job ran, was claimed by a
	// worker, or never existed.
	AlreadyFiredOrUnknown
)

func (o CancelOutcome) String() string {
	switch o {
	case Cancelled:
		return "cancelled"
	case AlreadyFiredOrUnknown:
		return "already_fired_or_unknown"
	default:
		return "unknown"
	}
}

// HandlerFunc runs a fired job of one kind.
type HandlerFunc func(ctx context.Context, payload string) error

// Store persists one-shot jobs. DeleteJob reports whether a row was removed;
// a worker claims a job by deleting it, so at most one of Cancel or the
// fire path wins.
type Store interface {
	InsertJob(ctx context.Context, j Job) error
	DeleteJob(ctx context.Context, handle string) (bool, error)
	ListJobs(ctx context.Context) ([]Job, error)
}

// Executor accepts fired jobs. *engine.Service satisfies it.
type Executor interface {
	Enqueue(j engine.Job) error
}

type CronInfo struct {
	Name string
	Spec string
	Next time.Time
	Prev time.Time
}

type Snapshot struct {
	Enabled  bool
	Running  bool
	Timezone string
	Armed    int
	Kinds    []string
	Crons    []CronInfo
}

const (
	EventJobArmed    = "schedule.armed"
	EventJobFired    = "schedule.fired"
	EventJobCanceled = "schedule.canceled"
)

// JobEvent is published on the event bus.
type JobEvent struct {
	Handle string    `json:"handle"`
	Kind   string    `json:"kind"`
	FireAt time.Time `json:"fire_at"`
}
