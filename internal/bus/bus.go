// Package bus is the in-process event fan-out between the core and its
// observers (the WS broadcaster, the audit sink, the candle aggregator),
// mirrored to Redis pub/sub for external consumers.
//
// Delivery is at-most-once per subscriber: a full subscriber queue drops the
// event rather than blocking the publisher. The lossless tick path between
// the price hub and the matching engine does not ride the bus.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"propcore/internal/metrics"
	"propcore/pkg/types"
)

// Logical channel names. Depth events share one in-process channel; the
// Redis mirror splits them into the per-symbol orderbook_{symbol} names.
const (
	ChanPriceTicks    = "price_ticks"
	ChanOrderbook     = "orderbook"
	ChanTradeEvents   = "trade_events"
	ChanOrderEvents   = "order_events"
	ChanAccountEvents = "account_events"
)

// Event is one published payload. Payload is the typed value the publisher
// handed in (types.Tick, types.TradeEvent, ...); consumers type-switch.
type Event struct {
	Channel string
	Payload any
}

// Mirror forwards events to an external pub/sub. Implementations must not
// retain the payload past the call.
type Mirror interface {
	Publish(ctx context.Context, channel string, payload any) error
}

type subscriber struct {
	name string
	ch   chan Event
}

// Bus fans events out to in-process subscribers and the optional mirror.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]*subscriber

	mirror   Mirror
	mirrorCh chan Event

	logger   *slog.Logger
	lastWarn atomic.Int64 // unix seconds, throttles drop warnings
}

// New builds a bus. mirror may be nil when no Redis is configured.
func New(mirror Mirror, logger *slog.Logger) *Bus {
	return &Bus{
		subs:     make(map[string][]*subscriber),
		mirror:   mirror,
		mirrorCh: make(chan Event, 1024),
		logger:   logger.With("component", "bus"),
	}
}

// Subscribe registers a named consumer on the given channels and returns its
// queue. Subscribers live for the process; there is no unsubscribe.
func (b *Bus) Subscribe(name string, size int, channels ...string) <-chan Event {
	sub := &subscriber{name: name, ch: make(chan Event, size)}

	b.mu.Lock()
	for _, c := range channels {
		b.subs[c] = append(b.subs[c], sub)
	}
	b.mu.Unlock()

	return sub.ch
}

// Publish delivers the payload to every subscriber of the channel without
// blocking. Full queues drop the event.
func (b *Bus) Publish(channel string, payload any) {
	ev := Event{Channel: channel, Payload: payload}

	b.mu.RLock()
	subs := b.subs[channel]
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		default:
			metrics.BusDropped.WithLabelValues(channel).Inc()
			b.warnDrop(channel, sub.name)
		}
	}

	if b.mirror != nil {
		select {
		case b.mirrorCh <- ev:
		default:
			metrics.BusDropped.WithLabelValues(channel).Inc()
		}
	}
}

// warnDrop logs at most once per ten seconds; a slow subscriber would
// otherwise flood the log at tick rate.
func (b *Bus) warnDrop(channel, name string) {
	now := time.Now().Unix()
	last := b.lastWarn.Load()
	if now-last < 10 {
		return
	}
	if b.lastWarn.CompareAndSwap(last, now) {
		b.logger.Warn("subscriber queue full, dropping events", "channel", channel, "subscriber", name)
	}
}

// Run pumps mirrored events to the external pub/sub. Blocks until ctx is
// cancelled. Mirror errors are logged and the event is abandoned; external
// observers tolerate loss.
func (b *Bus) Run(ctx context.Context) {
	if b.mirror == nil {
		<-ctx.Done()
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.mirrorCh:
			name := mirrorChannel(ev)
			if err := b.mirror.Publish(ctx, name, ev.Payload); err != nil {
				b.warnDrop(name, "mirror")
			}
		}
	}
}

// mirrorChannel maps an in-process event to its external channel name.
func mirrorChannel(ev Event) string {
	if ev.Channel == ChanOrderbook {
		if d, ok := ev.Payload.(types.DepthSnapshot); ok {
			return "orderbook_" + d.Symbol
		}
	}
	return ev.Channel
}
