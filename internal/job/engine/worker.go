package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	logx "taskbot/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan queuedJob, idx int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qj := <-queue:
			s.inFlight.Add(1)
			s.execOne(ctx, stopCh, qj, rng)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qj queuedJob, rng *rand.Rand) {
	start := time.Now()
	queueDelay := max(start.Sub(qj.enqueuedAt), 0)

	s.mu.Lock()
	maxDelay := s.cfg.MaxQueueDelay
	s.mu.Unlock()
	if maxDelay > 0 && queueDelay > maxDelay && !qj.opt.KeepWhenStale {
		s.onDropped(start, qj.job, queueDelay, "stale_queue_delay")
		s.record(HistoryItem{ID: qj.job.ID, Name: qj.job.Name, Started: start, QueueDelay: queueDelay, Error: "stale_queue_delay"})
		return
	}

	s.log.Debug("job started", logx.String("job", qj.job.Name), logx.String("id", qj.job.ID), logx.Duration("queue_delay", queueDelay))
	s.publish(EventStarted, JobEvent{ID: qj.job.ID, Name: qj.job.Name, Started: start, QueueDelay: queueDelay})

	var err error
	attempts := 0
	maxAttempts := 1 + max(qj.opt.RetryMax, 0)
attemptLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		err = s.runOnce(ctx, qj)
		if err == nil {
			break
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			err = nr.err
			break
		}
		if attempt >= maxAttempts {
			break
		}

		delay := backoffDelay(qj.opt, attempt, err, rng)
		s.log.Debug("job retry scheduled", logx.String("job", qj.job.Name), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			err = ctx.Err()
			break attemptLoop
		case <-stopCh:
			tmr.Stop()
			err = fmt.Errorf("%w: retry abandoned after %v", ErrStopping, err)
			break attemptLoop
		case <-tmr.C:
		}
	}

	dur := time.Since(start)
	item := HistoryItem{ID: qj.job.ID, Name: qj.job.Name, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	ev := JobEvent{ID: qj.job.ID, Name: qj.job.Name, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	if err != nil {
		item.Error = err.Error()
		ev.Error = item.Error
		s.log.Warn("job failed", logx.String("job", qj.job.Name), logx.String("id", qj.job.ID), logx.Err(err), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		s.publish(EventFailed, ev)
	} else {
		s.log.Debug("job completed", logx.String("job", qj.job.Name), logx.String("id", qj.job.ID), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		s.publish(EventFinished, ev)
	}
	s.record(item)
}

// runOnce executes a single attempt. A panic becomes an error so one bad
// job cannot kill its worker.
func (s *Service) runOnce(ctx context.Context, qj queuedJob) (err error) {
	runCtx := ctx
	if qj.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qj.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("job panicked", logx.String("job", qj.job.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return qj.job.Run(runCtx)
}

func backoffDelay(opt Options, retry int, err error, rng *rand.Rand) time.Duration {
	maxD := opt.RetryMaxDelay
	if maxD <= 0 {
		maxD = 15 * time.Second
	}

	var d time.Duration
	var ra interface{ RetryAfter() time.Duration }
	if err != nil && errors.As(err, &ra) {
		d = ra.RetryAfter()
	} else {
		d = opt.RetryBase
		if d <= 0 {
			d = 500 * time.Millisecond
		}
		for i := 1; i < retry && d < maxD; i++ {
			d *= 2
		}
	}
	d = min(max(d, 0), maxD)

	if j := opt.RetryJitter; j > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * j
		d = time.Duration(float64(d) * (1 + r))
	}
	return min(max(d, 0), maxD)
}
