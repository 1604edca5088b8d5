package bus

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"propcore/pkg/types"
)

func newTestBus(mirror Mirror) *Bus {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(mirror, logger)
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	t.Parallel()

	b := newTestBus(nil)
	first := b.Subscribe("first", 4, ChanPriceTicks)
	second := b.Subscribe("second", 4, ChanPriceTicks)

	tick := types.Tick{Symbol: "BTCUSD", Price: 30000, Ts: 1}
	b.Publish(ChanPriceTicks, tick)

	for _, ch := range []<-chan Event{first, second} {
		select {
		case ev := <-ch:
			got, ok := ev.Payload.(types.Tick)
			if !ok || got.Price != 30000 {
				t.Errorf("payload = %+v", ev.Payload)
			}
		default:
			t.Fatal("subscriber did not receive the event")
		}
	}
}

func TestChannelIsolation(t *testing.T) {
	t.Parallel()

	b := newTestBus(nil)
	trades := b.Subscribe("trades", 4, ChanTradeEvents)

	b.Publish(ChanPriceTicks, types.Tick{Symbol: "BTCUSD", Price: 1})

	select {
	case ev := <-trades:
		t.Errorf("trade subscriber received %v from another channel", ev.Channel)
	default:
	}
}

func TestFullQueueDropsWithoutBlocking(t *testing.T) {
	t.Parallel()

	b := newTestBus(nil)
	slow := b.Subscribe("slow", 1, ChanPriceTicks)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			b.Publish(ChanPriceTicks, types.Tick{Symbol: "BTCUSD", Price: float64(i)})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber queue")
	}

	// The single buffered slot holds the first event; the rest were dropped.
	ev := <-slow
	if tick := ev.Payload.(types.Tick); tick.Price != 0 {
		t.Errorf("first buffered event = %v, want price 0", tick.Price)
	}
}

type captureMirror struct {
	mu     sync.Mutex
	events map[string]int
}

func (m *captureMirror) Publish(ctx context.Context, channel string, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.events == nil {
		m.events = make(map[string]int)
	}
	m.events[channel]++
	return nil
}

func (m *captureMirror) count(channel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events[channel]
}

func TestMirrorSplitsOrderbookChannels(t *testing.T) {
	t.Parallel()

	mirror := &captureMirror{}
	b := newTestBus(mirror)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	b.Publish(ChanOrderbook, types.DepthSnapshot{Symbol: "BTCUSD"})
	b.Publish(ChanTradeEvents, types.TradeEvent{Type: "trade_fill"})

	deadline := time.After(2 * time.Second)
	for mirror.count("orderbook_BTCUSD") == 0 || mirror.count(ChanTradeEvents) == 0 {
		select {
		case <-deadline:
			t.Fatalf("mirror events missing: %+v", mirror.events)
		case <-time.After(10 * time.Millisecond):
		}
	}
}
