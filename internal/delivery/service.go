// Package delivery is the outbound message channel: a single best-effort
// attempt per message behind dedup, a token bucket and a circuit breaker.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"taskbot/internal/eventbus"
	kit "taskbot/internal/transport"
	logx "taskbot/pkg/logx"
)

// Service is safe for concurrent use.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	sender  Sender
	store   DedupStore
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[kit.MessageRef]

	// key -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem

	sent, failed, deduped atomic.Uint64
}

func New(cfg Config, sender Sender, store DedupStore, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:    log,
		bus:    bus,
		sender: sender,
		store:  store,
		dedup:  map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}

	rebuild := s.breaker == nil || cfg.BreakerFailures != s.cfg.BreakerFailures || cfg.BreakerCooldown != s.cfg.BreakerCooldown
	s.cfg = cfg
	// Token bucket: burst = rate per sec.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	if rebuild {
		s.breaker = s.newBreaker(cfg)
	}
}

func (s *Service) newBreaker(cfg Config) *gobreaker.CircuitBreaker[kit.MessageRef] {
	failures := cfg.BreakerFailures
	return gobreaker.NewCircuitBreaker[kit.MessageRef](gobreaker.Settings{
		Name:        "delivery",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.log.Warn("delivery breaker state changed",
				logx.String("from", from.String()),
				logx.String("to", to.String()),
			)
		},
	})
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled && s.sender != nil
}

// Deliver makes at most one send attempt. A message suppressed by dedup
// returns nil. Errors are ErrDisabled, ErrNoRecipient, ErrCircuitOpen, a
// context error while rate limited, or the wrapped send error.
func (s *Service) Deliver(ctx context.Context, m Message) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	cb := s.breaker
	sender := s.sender
	s.mu.Unlock()

	if !cfg.Enabled || sender == nil {
		return ErrDisabled
	}
	if m.ChatID == 0 {
		return ErrNoRecipient
	}
	text := strings.TrimSpace(m.Text)
	if text == "" {
		return errors.New("empty message")
	}

	key := strings.TrimSpace(m.Key)
	reserved := false
	if key != "" && cfg.DedupWindow > 0 {
		if !s.reserve(ctx, key, cfg) {
			s.deduped.Add(1)
			s.publish(EventDeduped, m, nil)
			s.log.Debug("delivery deduped", logx.String("key", key))
			return nil
		}
		reserved = true
	}

	if err := lim.Wait(ctx); err != nil {
		if reserved {
			s.release(key)
		}
		return err
	}

	_, err := cb.Execute(func() (kit.MessageRef, error) {
		callCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
		return sender.SendText(callCtx, kit.ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}, text,
			&kit.SendOptions{ParseMode: m.ParseMode, DisablePreview: true})
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		// Nothing was sent; a later fire for the same key may try again.
		if reserved {
			s.release(key)
		}
		s.failed.Add(1)
		s.publish(EventFailed, m, ErrCircuitOpen)
		return fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	}
	if reserved {
		s.persist(ctx, key, cfg)
	}
	if err != nil {
		s.failed.Add(1)
		s.appendHistory(key, err)
		s.publish(EventFailed, m, err)
		return fmt.Errorf("send: %w", err)
	}
	s.sent.Add(1)
	s.appendHistory(key, nil)
	s.publish(EventSent, m, nil)
	return nil
}

// reserve returns false when key is inside its window, else marks it.
func (s *Service) reserve(ctx context.Context, key string, cfg Config) bool {
	now := time.Now()

	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dedup[key] = now.Add(cfg.DedupWindow)
	s.dmu.Unlock()

	if cfg.PersistDedup && s.store != nil {
		cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		until, ok, err := s.store.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}
	s.pruneDedup(now, cfg.DedupMaxEntries)
	return true
}

func (s *Service) release(key string) {
	s.dmu.Lock()
	delete(s.dedup, key)
	s.dmu.Unlock()
}

func (s *Service) persist(ctx context.Context, key string, cfg Config) {
	if !cfg.PersistDedup || s.store == nil {
		return
	}
	s.dmu.Lock()
	until := s.dedup[key]
	s.dmu.Unlock()
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 250*time.Millisecond)
	defer cancel()
	if err := s.store.PutDedup(cctx, key, until); err != nil {
		s.log.Debug("dedup persist failed", logx.String("key", key), logx.Err(err))
	}
}

// pruneDedup drops expired keys, then the earliest expiring ones above maxN.
func (s *Service) pruneDedup(now time.Time, maxN int) {
	s.dmu.Lock()
	defer s.dmu.Unlock()
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	for maxN > 0 && len(s.dedup) > maxN {
		var (
			minKey string
			minT   time.Time
		)
		for k, t := range s.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(s.dedup, minKey)
	}
}

func (s *Service) appendHistory(key string, err error) {
	it := HistoryItem{At: time.Now(), Key: key}
	if err != nil {
		it.Error = err.Error()
	}
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, m Message, err error) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	ev := Event{ChatID: m.ChatID, ThreadID: m.ThreadID, Key: m.Key, At: now}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Enabled: s.cfg.Enabled, Breaker: s.breaker.State().String()}
	s.mu.Unlock()
	snap.Sent, snap.Failed, snap.Deduped = s.sent.Load(), s.failed.Load(), s.deduped.Load()
	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}
