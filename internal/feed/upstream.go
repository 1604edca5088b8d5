// Package feed ingests upstream market data and drives the publication
// pipeline: the mark store, the KV mirrors, the lossless matching channel
// and the broadcast bus.
//
// One WebSocket connection runs per upstream stream (a trade stream and a
// depth stream per instrument). Every connection auto-reconnects with
// exponential backoff (1s doubling to the configured cap) and a read
// deadline watchdog, so a silently dead upstream is detected within one
// watchdog window.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"propcore/internal/metrics"
)

// stream is one upstream subscription: a raw endpoint and the handler its
// frames feed. Raw stream endpoints need no subscribe message; the path
// carries the subscription.
type stream struct {
	name       string // e.g. "btcusdt@trade"
	url        string
	watchdog   time.Duration
	backoffCap time.Duration
	handler    func(ctx context.Context, raw []byte)
	logger     *slog.Logger
}

// run connects and reads until ctx is cancelled, reconnecting on any error.
// A connection that delivered at least one frame resets the backoff.
func (s *stream) run(ctx context.Context) error {
	backoff := time.Second

	for {
		healthy, err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		metrics.FeedReconnects.WithLabelValues(s.name).Inc()
		s.logger.Warn("stream disconnected, reconnecting",
			"stream", s.name,
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		if healthy {
			backoff = time.Second
		} else {
			backoff *= 2
			if backoff > s.backoffCap {
				backoff = s.backoffCap
			}
		}
	}
}

func (s *stream) connectAndRead(ctx context.Context) (healthy bool, err error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	s.logger.Info("stream connected", "stream", s.name)

	// Read loop with a deadline so a silent upstream triggers a reconnect.
	for {
		if ctx.Err() != nil {
			return healthy, ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(s.watchdog))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return healthy, fmt.Errorf("read: %w", err)
		}

		healthy = true
		s.handler(ctx, msg)
	}
}
