package delivery

import (
	"context"
	"errors"
	"time"

	kit "taskbot/internal/transport"
)

var (
	ErrDisabled    = errors.New("delivery disabled")
	ErrNoRecipient = errors.New("no recipient")
	// ErrCircuitOpen means the breaker rejected the attempt without sending.
	ErrCircuitOpen = errors.New("delivery circuit open")
)

// Config controls the outbound channel.
type Config struct {
	Enabled    bool
	RatePerSec int
	// Timeout bounds one send call.
	Timeout         time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
	// BreakerFailures consecutive failures open the breaker for
	// BreakerCooldown.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// Message is one outbound text. Key, when set, suppresses repeats of the
// same logical message within the dedup window.
type Message struct {
	ChatID    int64
	ThreadID  int
	Text      string
	Key       string
	ParseMode string
}

// Sender is the outbound half of a transport adapter.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

// DedupStore keeps suppression windows across restarts.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

type HistoryItem struct {
	At    time.Time
	Key   string
	Error string
}

type Snapshot struct {
	Enabled bool
	Breaker string
	Sent    uint64
	Failed  uint64
	Deduped uint64
	History []HistoryItem
}

// Event is emitted on the event bus for delivery outcomes.
type Event struct {
	ChatID   int64     `json:"chat_id"`
	ThreadID int       `json:"thread_id,omitempty"`
	Key      string    `json:"key,omitempty"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}

const (
	EventSent    = "delivery.sent"
	EventFailed  = "delivery.failed"
	EventDeduped = "delivery.deduped"
)
