// Package app wires the task service together: storage, the job engine and
// scheduler, reminder delivery, and the Telegram and REST front-ends.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"taskbot/internal/config"
	"taskbot/internal/delivery"
	"taskbot/internal/eventbus"
	"taskbot/internal/httpapi"
	"taskbot/internal/job/engine"
	"taskbot/internal/job/scheduler"
	"taskbot/internal/reminder"
	rtsup "taskbot/internal/runtime/supervisor"
	"taskbot/internal/storage"
	"taskbot/internal/todo"
	kit "taskbot/internal/transport"
	telegram "taskbot/internal/transport/telegram/adapter"
	"taskbot/internal/transport/telegram/bot"
	logx "taskbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.MemBus
	store *storage.Store

	adapter *telegram.Adapter

	engine   *engine.Service
	sched    *scheduler.Service
	delivery *delivery.Service
	reminder *reminder.Service
	tasks    *todo.Service
	bot      *bot.Bot
	api      *httpapi.Server

	maintenance string
	updates     chan kit.Update
}

// New loads the config and builds every component. Nothing runs until
// Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	pollTimeout, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, logx.NewConsole("INFO").With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	// Telegram logging starts disabled so Apply does not warn before the
	// target chat is set.
	logCfg := mapLoggingConfig(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, root := logx.New(bootCfg, ad)
	if chatID, ok := groupLogChat(cfg); ok {
		logSvc.SetTelegramTarget(chatID, cfg.Logging.Telegram.ThreadID)
	}
	logSvc.Apply(logCfg)
	log := root.With(logx.String("comp", "app"))
	comp := func(name string) logx.Logger { return root.With(logx.String("comp", name)) }

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, sc, comp("storage"))
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*App, error) {
		_ = store.Close()
		return nil, err
	}

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return fail(err)
	}
	eng := engine.New(engCfg, comp("taskengine"), bus)

	schedCfg, maintenance, err := mapSchedulerConfig(cfg)
	if err != nil {
		return fail(err)
	}
	sched := scheduler.New(schedCfg, eng, store, comp("scheduler"), bus)

	dcfg, err := mapDeliveryConfig(cfg)
	if err != nil {
		return fail(err)
	}
	out := delivery.New(dcfg, ad, store, comp("delivery"), bus)

	rcfg, err := mapReminderConfig(cfg)
	if err != nil {
		return fail(err)
	}
	rem, err := reminder.New(rcfg, store, sched, store, out, comp("reminder"), bus)
	if err != nil {
		return fail(err)
	}
	sched.Handle(reminder.KindDue, rem.Fire)

	tasks := todo.NewService(store, rem, comp("todo"))

	hcfg, err := mapHTTPConfig(cfg)
	if err != nil {
		return fail(err)
	}
	api, err := httpapi.New(hcfg, tasks, store, comp("http"))
	if err != nil {
		return fail(err)
	}

	b := bot.New(bot.Config{Location: rem.Location()}, tasks, ad, comp("bot"))

	return &App{
		cfgm:        cfgm,
		log:         log,
		logs:        logSvc,
		bus:         bus,
		store:       store,
		adapter:     ad,
		engine:      eng,
		sched:       sched,
		delivery:    out,
		reminder:    rem,
		tasks:       tasks,
		bot:         b,
		api:         api,
		maintenance: maintenance,
		updates:     make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateMappings(cfg)
	})

	if err := a.adapter.Start(run, a.updates); err != nil {
		return err
	}
	a.sup.Go0("telegram.menu", func(c context.Context) {
		mctx, cancel := context.WithTimeout(c, 10*time.Second)
		defer cancel()
		if err := a.adapter.UpdateMenuCommands(mctx, a.bot.Commands()); err != nil {
			a.log.Warn("menu update failed", logx.Err(err))
		}
	})

	// Engine first: restored overdue jobs fire as soon as the scheduler starts.
	if a.engine.Enabled() {
		a.engine.Start(run)
	}
	if a.sched.Enabled() {
		if err := a.sched.Start(run); err != nil {
			return err
		}
		if err := a.sched.AddCron("dedup.prune", a.maintenance, 30*time.Second, a.pruneDedup); err != nil {
			return fmt.Errorf("scheduler.maintenance: %w", err)
		}
	} else {
		a.log.Warn("scheduler disabled; reminders will not be armed")
	}

	if err := a.api.Start(run); err != nil {
		return fmt.Errorf("http api: %w", err)
	}

	a.sup.Go("bot.dispatch", func(c context.Context) error {
		err := a.bot.Run(c, a.updates)
		if c.Err() != nil {
			return nil
		}
		return err
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(last, next)
				last = next
			}
		}
	})

	a.sup.GoRestart("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	}, rtsup.WithRestartBackoff(time.Second, time.Minute))

	a.log.Info("app started",
		logx.Bool("http", a.api.Enabled()),
		logx.Bool("scheduler", a.sched.Enabled()),
		logx.String("display_tz", a.reminder.Location().String()),
	)
	return nil
}

func (a *App) pruneDedup(ctx context.Context) error {
	n, err := a.store.PruneDedup(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		a.log.Debug("dedup pruned", logx.Int64("rows", n))
	}
	return nil
}

// applyConfig hot-applies logging and delivery. Other sections only log
// that a restart is required.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)

	if chatID, ok := groupLogChat(next); ok {
		a.logs.SetTelegramTarget(chatID, next.Logging.Telegram.ThreadID)
	} else {
		a.logs.SetTelegramTarget(0, 0)
	}
	a.logs.Apply(mapLoggingConfig(next))

	if dcfg, err := mapDeliveryConfig(next); err != nil {
		a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
	} else {
		a.delivery.Apply(dcfg)
	}

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// Front-ends first so no mutation races the scheduler shutdown.
	a.step(ctx, "http", 2*time.Second, func(c context.Context) error { a.api.Stop(c); return nil })
	a.step(ctx, "adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "storage", 1*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by max and the caller's deadline. A
// step that overruns is left running and logged when it finishes.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}
