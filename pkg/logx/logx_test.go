package logx

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	kit "taskbot/internal/transport"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{" WARNING ", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"", zerolog.InfoLevel},
		{"loud", zerolog.InfoLevel},
	}
	for _, tc := range cases {
		if got := parseLevel(tc.in, zerolog.InfoLevel); got != tc.want {
			t.Fatalf("parseLevel(%q)=%v want %v", tc.in, got, tc.want)
		}
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()

	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	l.Info("nothing happens", String("k", "v"))
	if l.With(String("a", "b")).IsZero() {
		t.Fatalf("logger with fields should not be zero")
	}
	Nop().Error("dropped")
}

func TestFormatTelegramJSON(t *testing.T) {
	t.Parallel()

	line := []byte(`{"level":"warn","message":"delivery failed","task":"abc","time":"x","caller":"fire.go:10"}` + "\n")
	got := formatTelegramJSON(line)
	if !strings.HasPrefix(got, "[WARN] delivery failed") {
		t.Fatalf("unexpected header: %q", got)
	}
	if !strings.Contains(got, "- task=abc") || strings.Contains(got, "time=") {
		t.Fatalf("unexpected body: %q", got)
	}
	// keys are sorted so output is stable
	if strings.Index(got, "caller=") > strings.Index(got, "task=") {
		t.Fatalf("fields not sorted: %q", got)
	}

	raw := formatTelegramJSON([]byte("  plain text  "))
	if raw != "plain text" {
		t.Fatalf("raw passthrough: %q", raw)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("ж", 2000)
	cases := []struct {
		in   string
		maxN int
		want string
	}{
		{"short", 10, "short"},
		{"hello world", 8, "hello wo"},
		{"hello wonderful world", 12, "hello won..."},
		{"жжжж", 3, "ж"},
		{long, 3500, strings.Repeat("ж", 1748) + "..."},
	}
	for _, tc := range cases {
		got := truncate(tc.in, tc.maxN)
		if got != tc.want {
			t.Fatalf("truncate(%.20q, %d)=%.40q want %.40q", tc.in, tc.maxN, got, tc.want)
		}
		if !utf8.ValidString(got) || len(got) > tc.maxN {
			t.Fatalf("truncate(%.20q, %d): valid=%v len=%d", tc.in, tc.maxN, utf8.ValidString(got), len(got))
		}
	}
}

type recordingSender struct {
	mu   sync.Mutex
	sent []string
}

func (r *recordingSender) SendText(_ context.Context, _ kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	r.mu.Lock()
	r.sent = append(r.sent, text)
	r.mu.Unlock()
	return kit.MessageRef{}, nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func TestTelegramSinkRespectsMinLevel(t *testing.T) {
	sender := &recordingSender{}
	svc, log := New(Config{Level: "debug", Console: false}, sender)
	svc.SetTelegramTarget(-100, 0)
	svc.Apply(Config{
		Level:    "debug",
		Telegram: TelegramConfig{Enabled: true, MinLevel: "warn", RatePerSec: 10},
	})
	defer svc.Close()

	log.Info("not forwarded")
	log.Warn("forwarded")

	deadline := time.Now().Add(2 * time.Second)
	for sender.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if sender.count() != 1 {
		t.Fatalf("sent=%d want 1", sender.count())
	}
}
