package kv

import (
	"log/slog"
	"os"
	"testing"
)

func TestKeyShapes(t *testing.T) {
	t.Parallel()

	if got := tickKey("BTCUSD"); got != "ticks:BTCUSD" {
		t.Errorf("tickKey = %q", got)
	}
	if got := depthKey("ETHUSD"); got != "orderbook:ETHUSD" {
		t.Errorf("depthKey = %q", got)
	}
	if got := idemKey("abc-123"); got != "idem:abc-123" {
		t.Errorf("idemKey = %q", got)
	}
}

func TestNewRejectsBadURL(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	if _, err := New("not-a-url", 1000, logger); err == nil {
		t.Error("expected an error for a malformed redis url")
	}
}

func TestNewAcceptsRedisURL(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	c, err := New("redis://localhost:6379/0", 1000, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.historyLimit != 1000 {
		t.Errorf("historyLimit = %d", c.historyLimit)
	}
	_ = c.Close()
}
