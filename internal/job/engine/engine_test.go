package engine

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"taskbot/internal/eventbus"
	logx "taskbot/pkg/logx"
)

func newTestEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), eventbus.New())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	s := newTestEngine(t, Config{Workers: 1, RetryMax: 3})
	var calls atomic.Int32
	err := s.Enqueue(Job{
		Name: "flaky",
		Opt:  Options{RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond},
		Run: func(ctx context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("transient")
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, func() bool { return len(s.Snapshot().History) == 1 })
	h := s.Snapshot().History[0]
	if h.Error != "" || h.Attempts != 3 {
		t.Fatalf("history=%+v", h)
	}
}

func TestNoRetryStopsImmediately(t *testing.T) {
	t.Parallel()

	s := newTestEngine(t, Config{Workers: 1, RetryMax: 5})
	var calls atomic.Int32
	_ = s.Enqueue(Job{Name: "permanent", Run: func(ctx context.Context) error {
		calls.Add(1)
		return NoRetry(errors.New("bad payload"))
	}})
	waitFor(t, func() bool { return len(s.Snapshot().History) == 1 })
	if calls.Load() != 1 {
		t.Fatalf("calls=%d want 1", calls.Load())
	}
	if got := s.Snapshot().History[0].Error; got != "bad payload" {
		t.Fatalf("error=%q", got)
	}
}

func TestPanicIsIsolated(t *testing.T) {
	t.Parallel()

	s := newTestEngine(t, Config{Workers: 1})
	_ = s.Enqueue(Job{Name: "panics", Run: func(ctx context.Context) error { panic("boom") }, Opt: Options{RetryMax: -1}})
	var ok atomic.Bool
	_ = s.Enqueue(Job{Name: "after", Run: func(ctx context.Context) error { ok.Store(true); return nil }})
	waitFor(t, ok.Load)
}

func TestStaleJobsDroppedUnlessKept(t *testing.T) {
	t.Parallel()

	s := newTestEngine(t, Config{Workers: 1, MaxQueueDelay: 20 * time.Millisecond})
	release := make(chan struct{})
	_ = s.Enqueue(Job{Name: "blocker", Run: func(ctx context.Context) error {
		<-release
		return nil
	}})
	var stale, kept atomic.Bool
	_ = s.Enqueue(Job{Name: "stale", Run: func(context.Context) error { stale.Store(true); return nil }})
	_ = s.Enqueue(Job{
		Name: "kept",
		Opt:  Options{KeepWhenStale: true},
		Run:  func(context.Context) error { kept.Store(true); return nil },
	})
	time.Sleep(60 * time.Millisecond)
	close(release)

	waitFor(t, kept.Load)
	if stale.Load() {
		t.Fatalf("stale job ran")
	}
	var dropped bool
	for _, h := range s.Snapshot().History {
		if h.Name == "stale" && h.Error == "stale_queue_delay" {
			dropped = true
		}
	}
	if !dropped {
		t.Fatalf("history=%+v", s.Snapshot().History)
	}
}

func TestEnqueueRejectedWhenNotRunning(t *testing.T) {
	t.Parallel()

	disabled := New(Config{Enabled: false}, logx.Nop(), nil)
	if err := disabled.Enqueue(Job{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err=%v", err)
	}
	idle := New(Config{Enabled: true}, logx.Nop(), nil)
	if err := idle.Enqueue(Job{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err=%v", err)
	}
	if err := idle.Enqueue(Job{Name: " "}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestStopWaitsForInFlightJob(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Workers: 1}, logx.Nop(), nil)
	ctx, cancelStart := context.WithCancel(context.Background())
	s.Start(ctx)

	started := make(chan struct{})
	var finished atomic.Bool
	_ = s.Enqueue(Job{Name: "slow", Run: func(c context.Context) error {
		close(started)
		select {
		case <-time.After(100 * time.Millisecond):
			finished.Store(true)
			return nil
		case <-c.Done():
			return c.Err()
		}
	}})
	<-started
	// Canceling the start context must not cut the running job.
	cancelStart()

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(stopCtx)
	if !finished.Load() {
		t.Fatalf("in-flight job was not allowed to finish")
	}
	if err := s.Enqueue(Job{Name: "late", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err=%v", err)
	}
}

func TestBackoffDelayHonorsHintAndCap(t *testing.T) {
	t.Parallel()

	opt := Options{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	if d := backoffDelay(opt, 1, nil, nil); d != 100*time.Millisecond {
		t.Fatalf("d=%v", d)
	}
	if d := backoffDelay(opt, 3, nil, nil); d != 400*time.Millisecond {
		t.Fatalf("d=%v", d)
	}
	if d := backoffDelay(opt, 10, nil, nil); d != time.Second {
		t.Fatalf("d=%v", d)
	}
	hint := RetryAfter(errors.New("429"), 300*time.Millisecond)
	if d := backoffDelay(opt, 1, hint, nil); d != 300*time.Millisecond {
		t.Fatalf("hint d=%v", d)
	}
	opt.RetryJitter = 0.2
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		d := backoffDelay(opt, 2, nil, rng)
		if d < 160*time.Millisecond || d > 240*time.Millisecond {
			t.Fatalf("jittered d=%v out of range", d)
		}
	}
}
