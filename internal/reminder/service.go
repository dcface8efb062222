// Package reminder keeps one armed due-date reminder per open task and
// runs the reminder when it fires.
//
// Reconcile is called by the task use cases after every mutation. It
// always cancels the previous job before scheduling a new one and never
// fails the mutation. Cancellation is advisory: Fire re-reads the task and
// does nothing for tasks that were completed, deleted or moved to a later
// due time.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskbot/internal/delivery"
	"taskbot/internal/eventbus"
	"taskbot/internal/job/scheduler"
	"taskbot/internal/todo"
	logx "taskbot/pkg/logx"
)

// KindDue is the scheduler job kind of a due-date reminder.
const KindDue = "reminder.due"

const displayLayout = "02.01.2006 15:04 (UTC-07:00)"

const (
	EventArmed          = "reminder.armed"
	EventCancelled      = "reminder.cancelled"
	EventScheduleFailed = "reminder.schedule_failed"
	EventDelivered      = "reminder.delivered"
	EventDeliveryFailed = "reminder.delivery_failed"
	EventStale          = "reminder.stale"
)

type Config struct {
	// EngineTimeout bounds each Schedule and Cancel call.
	EngineTimeout time.Duration
	// StoreTimeout bounds the handle write.
	StoreTimeout time.Duration
	// DisplayTimezone renders due times in messages. Default Etc/GMT+10.
	DisplayTimezone string
	// FireSlack is how far a task's due time may lie beyond the fire
	// instant before the job counts as rescheduled away. Default 1m.
	FireSlack time.Duration
}

// Tasks is the slice of the task store the reminder core touches.
type Tasks interface {
	GetTask(ctx context.Context, id string) (*todo.Task, error)
	SetReminderHandle(ctx context.Context, id, handle string) error
}

type Scheduler interface {
	Schedule(ctx context.Context, at time.Time, kind, payload string) (string, error)
	Cancel(ctx context.Context, handle string) (scheduler.CancelOutcome, error)
}

type Recipients interface {
	TelegramChatID(ctx context.Context, userID int64) (int64, bool, error)
}

type Deliverer interface {
	Deliver(ctx context.Context, m delivery.Message) error
}

// Event is published on the bus.
type Event struct {
	TaskID string    `json:"task_id"`
	Handle string    `json:"handle,omitempty"`
	DueAt  time.Time `json:"due_at,omitzero"`
	Reason string    `json:"reason,omitempty"`
	Error  string    `json:"error,omitempty"`
}

type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

type Service struct {
	cfg        Config
	loc        *time.Location
	tasks      Tasks
	sched      Scheduler
	recipients Recipients
	out        Deliverer
	log        logx.Logger
	bus        eventbus.Bus
	now        func() time.Time
}

func New(cfg Config, tasks Tasks, sched Scheduler, recipients Recipients, out Deliverer, log logx.Logger, bus eventbus.Bus, opts ...Option) (*Service, error) {
	if cfg.EngineTimeout <= 0 {
		cfg.EngineTimeout = 2 * time.Second
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 2 * time.Second
	}
	if strings.TrimSpace(cfg.DisplayTimezone) == "" {
		cfg.DisplayTimezone = "Etc/GMT+10"
	}
	if cfg.FireSlack <= 0 {
		cfg.FireSlack = time.Minute
	}
	loc, err := time.LoadLocation(cfg.DisplayTimezone)
	if err != nil {
		return nil, fmt.Errorf("display timezone %q: %w", cfg.DisplayTimezone, err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:        cfg,
		loc:        loc,
		tasks:      tasks,
		sched:      sched,
		recipients: recipients,
		out:        out,
		log:        log,
		bus:        bus,
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Location is the zone reminders are rendered in.
func (s *Service) Location() *time.Location { return s.loc }

// Reconcile brings the armed job in line with after. before is nil on
// create, after is nil on delete. The returned handle is already stored.
func (s *Service) Reconcile(ctx context.Context, before, after *todo.Task) string {
	if ctx == nil {
		ctx = context.Background()
	}
	// The mutation is already committed; a caller going away must not
	// leave the handle half-updated.
	ctx = context.WithoutCancel(ctx)

	if before != nil && before.ReminderHandle != "" {
		s.cancel(ctx, before)
	}

	handle := ""
	if after != nil && s.armable(after) {
		handle = s.schedule(ctx, after)
	}

	if after != nil {
		s.persist(ctx, after.ID, handle)
	}
	return handle
}

func (s *Service) armable(t *todo.Task) bool {
	return !t.Completed && t.DueAt != nil && t.DueAt.After(s.now())
}

func (s *Service) cancel(ctx context.Context, t *todo.Task) {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.EngineTimeout)
	defer cancel()

	out, err := s.sched.Cancel(cctx, t.ReminderHandle)
	switch {
	case err != nil:
		s.log.Warn("reminder cancel failed",
			logx.String("task", t.ID), logx.String("handle", t.ReminderHandle), logx.Err(err))
	case out == scheduler.AlreadyFiredOrUnknown:
		s.log.Debug("reminder already fired or unknown",
			logx.String("task", t.ID), logx.String("handle", t.ReminderHandle))
	default:
		s.publish(EventCancelled, Event{TaskID: t.ID, Handle: t.ReminderHandle})
	}
}

func (s *Service) schedule(ctx context.Context, t *todo.Task) string {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.EngineTimeout)
	defer cancel()

	due := t.DueAt.UTC()
	handle, err := s.sched.Schedule(cctx, due, KindDue, t.ID)
	if err != nil {
		s.log.Warn("reminder not armed",
			logx.String("task", t.ID), logx.Time("due", due), logx.Err(err))
		s.publish(EventScheduleFailed, Event{TaskID: t.ID, DueAt: due, Error: err.Error()})
		return ""
	}
	s.log.Debug("reminder armed", logx.String("task", t.ID), logx.String("handle", handle), logx.Time("due", due))
	s.publish(EventArmed, Event{TaskID: t.ID, Handle: handle, DueAt: due})
	return handle
}

func (s *Service) persist(ctx context.Context, taskID, handle string) {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	err := s.tasks.SetReminderHandle(cctx, taskID, handle)
	switch {
	case err == nil:
	case errors.Is(err, todo.ErrNotFound):
		// Deleted concurrently; a job armed meanwhile fires as a no-op.
		s.log.Debug("reminder handle not stored; task gone", logx.String("task", taskID))
	default:
		s.log.Warn("reminder handle not stored",
			logx.String("task", taskID), logx.String("handle", handle), logx.Err(err))
	}
}

// Fire is the job body of KindDue. It returns an error only when the task
// or its recipient could not be read, so the engine may retry the read.
// Delivery is attempted at most once and its failure is logged only.
func (s *Service) Fire(ctx context.Context, taskID string) error {
	t, err := s.tasks.GetTask(ctx, taskID)
	if errors.Is(err, todo.ErrNotFound) {
		s.stale(taskID, "deleted")
		return nil
	}
	if err != nil {
		return fmt.Errorf("read task %s: %w", taskID, err)
	}
	switch {
	case t.Completed:
		s.stale(taskID, "completed")
		return nil
	case t.DueAt == nil:
		s.stale(taskID, "no due time")
		return nil
	case t.DueAt.After(s.now().Add(s.cfg.FireSlack)):
		s.stale(taskID, "rescheduled")
		return nil
	}

	chat, ok, err := s.recipients.TelegramChatID(ctx, t.OwnerID)
	if err != nil {
		return fmt.Errorf("resolve recipient of %d: %w", t.OwnerID, err)
	}
	if !ok {
		s.log.Debug("reminder skipped; no recipient", logx.String("task", taskID), logx.Int64("owner", t.OwnerID))
		return nil
	}

	due := t.DueAt.UTC()
	msg := delivery.Message{
		ChatID: chat,
		Text:   s.Compose(t),
		Key:    DedupKey(t.ID, due),
	}
	if err := s.out.Deliver(ctx, msg); err != nil {
		s.log.Warn("reminder delivery failed", logx.String("task", taskID), logx.Int64("chat", chat), logx.Err(err))
		s.publish(EventDeliveryFailed, Event{TaskID: taskID, DueAt: due, Error: err.Error()})
		return nil
	}
	s.log.Info("reminder delivered", logx.String("task", taskID), logx.Int64("chat", chat))
	s.publish(EventDelivered, Event{TaskID: taskID, DueAt: due})
	return nil
}

func (s *Service) stale(taskID, reason string) {
	s.log.Debug("stale reminder ignored", logx.String("task", taskID), logx.String("reason", reason))
	s.publish(EventStale, Event{TaskID: taskID, Reason: reason})
}

// Compose renders the reminder text for t.
func (s *Service) Compose(t *todo.Task) string {
	var b strings.Builder
	b.WriteString("Task due!\n\n")
	b.WriteString("Task: ")
	b.WriteString(t.Title)
	if t.CategoryName != "" {
		b.WriteString(" [")
		b.WriteString(t.CategoryName)
		b.WriteString("]")
	}
	if t.DueAt != nil {
		b.WriteString("\nDue: ")
		b.WriteString(t.DueAt.In(s.loc).Format(displayLayout))
	}
	b.WriteString("\n\nDon't forget to complete it!")
	return b.String()
}

// DedupKey identifies one reminder of one task at one due instant.
func DedupKey(taskID string, due time.Time) string {
	return fmt.Sprintf("reminder:%s:%d", taskID, due.UnixMilli())
}

func (s *Service) publish(typ string, ev Event) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
	}
}
