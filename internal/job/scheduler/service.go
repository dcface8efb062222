// Package scheduler is the scheduling engine: persistent one-shot jobs
// addressed by opaque handles, plus cron-style maintenance schedules.
//
// One-shot jobs live in a Store so they survive restarts. Start re-arms
// every stored job; jobs whose instant passed while the process was down
// fire immediately. At fire time a job is handed to the engine, and the
// worker claims it by deleting its row before running the handler. Cancel
// deletes the same row, so a job either runs or is cancelled, never both.
//
// The job table is assumed to be owned by a single process.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"taskbot/internal/eventbus"
	"taskbot/internal/job/engine"
	logx "taskbot/pkg/logx"
)

type cronDef struct {
	name    string
	spec    string
	timeout time.Duration
	run     func(ctx context.Context) error
	entryID cron.EntryID
	busy    *atomic.Bool
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	exec  Executor
	store Store

	handlers map[string]HandlerFunc

	parser  cron.Parser
	c       *cron.Cron
	loc     *time.Location
	crons   []cronDef
	running bool

	// tmu guards timers. Fire callbacks take it first, so a timer is always
	// in the map before its callback can look for it.
	tmu    sync.Mutex
	timers map[string]*time.Timer
}

func New(cfg Config, exec Executor, store Store, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.RequeueDelay <= 0 {
		cfg.RequeueDelay = 5 * time.Second
	}
	return &Service{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		exec:     exec,
		store:    store,
		handlers: map[string]HandlerFunc{},
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		timers:   map[string]*time.Timer{},
	}
}

// Handle registers the body for jobs of kind. Register before Start so
// restored jobs find their handler.
func (s *Service) Handle(kind string, fn HandlerFunc) {
	s.mu.Lock()
	s.handlers[kind] = fn
	s.mu.Unlock()
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled && s.store != nil && s.exec != nil
}

// Apply updates the config. A timezone change restarts the cron runner.
func (s *Service) Apply(cfg Config) {
	if cfg.RequeueDelay <= 0 {
		cfg.RequeueDelay = 5 * time.Second
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tzChanged := strings.TrimSpace(s.cfg.Timezone) != strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg
	if s.running && tzChanged {
		s.restartCronLocked()
	}
}

// Start starts the cron runner and re-arms persisted one-shot jobs.
func (s *Service) Start(ctx context.Context) error {
	if !s.Enabled() {
		return nil
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.startCronLocked()
	s.mu.Unlock()

	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		s.log.Warn("restoring scheduled jobs failed", logx.Err(err))
		return fmt.Errorf("%w: list jobs: %v", ErrUnavailable, err)
	}
	overdue := 0
	now := time.Now()
	for _, j := range jobs {
		if !j.FireAt.After(now) {
			overdue++
		}
		s.arm(j, time.Until(j.FireAt))
	}
	s.log.Info("scheduler started",
		logx.String("tz", s.location().String()),
		logx.Int("restored", len(jobs)),
		logx.Int("overdue", overdue),
		logx.Int("crons", len(s.crons)),
	)
	return nil
}

// Stop stops the cron runner and all timers. Stored jobs stay and are
// re-armed by the next Start.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.running = false
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}

	s.tmu.Lock()
	for _, t := range s.timers {
		t.Stop()
	}
	n := len(s.timers)
	s.timers = map[string]*time.Timer{}
	s.tmu.Unlock()

	s.log.Info("scheduler stopped", logx.Int("timers", n), logx.Duration("took", time.Since(start)))
}

// Schedule persists a one-shot job for instant at and returns its handle.
// Instants in the past fire as soon as possible.
func (s *Service) Schedule(ctx context.Context, at time.Time, kind, payload string) (string, error) {
	if at.IsZero() {
		return "", errors.New("fire time required")
	}
	s.mu.Lock()
	enabled := s.cfg.Enabled && s.store != nil && s.exec != nil
	_, known := s.handlers[kind]
	running := s.running
	s.mu.Unlock()

	if !enabled {
		return "", fmt.Errorf("%w: scheduler disabled", ErrUnavailable)
	}
	if !known {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}

	j := Job{
		Handle:    uuid.NewString(),
		Kind:      kind,
		Payload:   payload,
		FireAt:    at.UTC(),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.InsertJob(ctx, j); err != nil {
		return "", fmt.Errorf("%w: insert job: %v", ErrUnavailable, err)
	}
	if running {
		s.arm(j, time.Until(j.FireAt))
	}
	s.publish(EventJobArmed, j)
	s.log.Debug("job scheduled", logx.String("handle", j.Handle), logx.String("kind", kind), logx.Time("fire_at", j.FireAt))
	return j.Handle, nil
}

// Cancel destroys the job behind handle. A job that already fired, is
// being run, or never existed yields AlreadyFiredOrUnknown without error.
func (s *Service) Cancel(ctx context.Context, handle string) (CancelOutcome, error) {
	handle = strings.TrimSpace(handle)
	if handle == "" {
		return AlreadyFiredOrUnknown, nil
	}
	if !s.Enabled() {
		return 0, fmt.Errorf("%w: scheduler disabled", ErrUnavailable)
	}

	s.tmu.Lock()
	if t, ok := s.timers[handle]; ok {
		t.Stop()
		delete(s.timers, handle)
	}
	s.tmu.Unlock()

	removed, err := s.store.DeleteJob(ctx, handle)
	if err != nil {
		return 0, fmt.Errorf("%w: delete job: %v", ErrUnavailable, err)
	}
	if !removed {
		return AlreadyFiredOrUnknown, nil
	}
	s.publish(EventJobCanceled, Job{Handle: handle})
	return Cancelled, nil
}

func (s *Service) arm(j Job, delay time.Duration) {
	delay = max(delay, 0)
	s.tmu.Lock()
	defer s.tmu.Unlock()
	if old, ok := s.timers[j.Handle]; ok {
		old.Stop()
	}
	s.timers[j.Handle] = time.AfterFunc(delay, func() { s.fire(j) })
}

func (s *Service) fire(j Job) {
	s.tmu.Lock()
	if _, ok := s.timers[j.Handle]; !ok {
		// cancelled or stopped meanwhile
		s.tmu.Unlock()
		return
	}
	delete(s.timers, j.Handle)
	s.tmu.Unlock()

	s.mu.Lock()
	h := s.handlers[j.Kind]
	requeue := s.cfg.RequeueDelay
	running := s.running
	s.mu.Unlock()
	if !running {
		return
	}

	var claimed, skipped bool
	// The timer is spent, so a stale drop would lose the job until restart.
	err := s.exec.Enqueue(engine.Job{
		Name: "scheduled." + j.Kind,
		Opt:  engine.Options{KeepWhenStale: true},
		Run: func(ctx context.Context) error {
			// Attempts of one job run sequentially on one worker.
			if skipped {
				return nil
			}
			if !claimed {
				ok, err := s.store.DeleteJob(ctx, j.Handle)
				if err != nil {
					return fmt.Errorf("claim job %s: %w", j.Handle, err)
				}
				if !ok {
					skipped = true
					s.log.Debug("job cancelled before run", logx.String("handle", j.Handle), logx.String("kind", j.Kind))
					return nil
				}
				claimed = true
				s.publish(EventJobFired, j)
			}
			if h == nil {
				return engine.NoRetry(fmt.Errorf("%w: %q", ErrUnknownKind, j.Kind))
			}
			return h(ctx, j.Payload)
		},
	})
	if err == nil {
		return
	}
	if errors.Is(err, engine.ErrQueueFull) {
		s.log.Warn("job hand-off failed; re-arming", logx.String("handle", j.Handle), logx.Duration("delay", requeue), logx.Err(err))
		s.arm(j, requeue)
		return
	}
	// The row is still stored; the next Start picks it up.
	s.log.Warn("job hand-off failed", logx.String("handle", j.Handle), logx.String("kind", j.Kind), logx.Err(err))
}

// AddCron registers a maintenance schedule (cron, @every, duration or HH:MM).
// Runs are skipped while the previous run of the same name is in flight.
func (s *Service) AddCron(name, schedule string, timeout time.Duration, run func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	if name == "" || run == nil {
		return errors.New("name and run are required")
	}
	spec, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	if _, err := s.parser.Parse(spec.CronSpec()); err != nil {
		return fmt.Errorf("schedule %q: %w", schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeCronLocked(name)
	s.crons = append(s.crons, cronDef{name: name, spec: spec.CronSpec(), timeout: timeout, run: run, busy: &atomic.Bool{}})
	if s.c != nil {
		return s.addCronLocked(&s.crons[len(s.crons)-1])
	}
	return nil
}

func (s *Service) removeCronLocked(name string) {
	n := 0
	for _, d := range s.crons {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			continue
		}
		s.crons[n] = d
		n++
	}
	s.crons = s.crons[:n]
}

func (s *Service) addCronLocked(d *cronDef) error {
	def := *d
	eid, err := s.c.AddFunc(def.spec, func() {
		if !def.busy.CompareAndSwap(false, true) {
			s.log.Debug("cron run skipped; previous still running", logx.String("name", def.name))
			return
		}
		err := s.exec.Enqueue(engine.Job{
			Name:    def.name,
			Timeout: def.timeout,
			Run: func(ctx context.Context) error {
				defer def.busy.Store(false)
				return def.run(ctx)
			},
		})
		if err != nil {
			def.busy.Store(false)
			s.log.Warn("cron enqueue failed", logx.String("name", def.name), logx.Err(err))
		}
	})
	if err != nil {
		return err
	}
	d.entryID = eid
	return nil
}

func (s *Service) startCronLocked() {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for i := range s.crons {
		if err := s.addCronLocked(&s.crons[i]); err != nil {
			s.log.Error("cron register failed", logx.String("name", s.crons[i].name), logx.Err(err))
		}
	}
	s.c.Start()
}

func (s *Service) restartCronLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	s.startCronLocked()
	s.log.Info("cron restarted", logx.String("tz", s.loc.String()))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to UTC", logx.String("tz", tz), logx.Err(err))
		return time.UTC
	}
	return loc
}

func (s *Service) location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loc == nil {
		return time.UTC
	}
	return s.loc
}

func (s *Service) publish(typ string, j Job) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Data: JobEvent{Handle: j.Handle, Kind: j.Kind, FireAt: j.FireAt}})
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Enabled:  s.cfg.Enabled,
		Running:  s.running,
		Timezone: strings.TrimSpace(s.cfg.Timezone),
	}
	for k := range s.handlers {
		snap.Kinds = append(snap.Kinds, k)
	}
	for _, d := range s.crons {
		info := CronInfo{Name: d.name, Spec: d.spec}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		snap.Crons = append(snap.Crons, info)
	}
	s.mu.Unlock()

	s.tmu.Lock()
	snap.Armed = len(s.timers)
	s.tmu.Unlock()

	sort.Strings(snap.Kinds)
	return snap
}
