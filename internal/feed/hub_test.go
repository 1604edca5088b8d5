package feed

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"propcore/internal/bus"
	"propcore/internal/config"
	"propcore/internal/instrument"
	"propcore/internal/kv"
	"propcore/internal/market"
	"propcore/pkg/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestHub(t *testing.T) (*Hub, *bus.Bus) {
	t.Helper()
	logger := quietLogger()
	cfg := config.Default()
	reg := instrument.New(nil, time.Hour, logger)
	b := bus.New(nil, logger)
	h := NewHub(cfg, reg, market.NewMarks(), market.NewDepthBook(), nil, b, logger)
	return h, b
}

func recvTick(t *testing.T, ch <-chan types.Tick) types.Tick {
	t.Helper()
	select {
	case tick := <-ch:
		return tick
	case <-time.After(time.Second):
		t.Fatal("no tick on the matching channel")
		return types.Tick{}
	}
}

func TestHandleTradeFeedsPipeline(t *testing.T) {
	t.Parallel()
	h, b := newTestHub(t)
	events := b.Subscribe("test", 16, bus.ChanPriceTicks)
	ctx := context.Background()

	h.handleTrade(ctx, "BTCUSD", []byte(`{"e":"trade","s":"BTCUSDT","p":"30000.5","T":1690000000000}`))

	tick := recvTick(t, h.Ticks())
	if tick.Symbol != "BTCUSD" || tick.Price != 30000.5 || tick.Ts != 1690000000000 {
		t.Errorf("tick = %+v, want BTCUSD 30000.5 @1690000000000", tick)
	}

	if h.marks.Price("BTCUSD") != 30000.5 {
		t.Errorf("mark = %v, want 30000.5", h.marks.Price("BTCUSD"))
	}

	select {
	case ev := <-events:
		broadcast, ok := ev.Payload.(types.Tick)
		if !ok || broadcast.Price != 30000.5 {
			t.Errorf("broadcast payload = %+v, want the tick", ev.Payload)
		}
	default:
		t.Error("price change should reach the broadcast bus")
	}
}

func TestHandleTradeDedupesMirrorsOnly(t *testing.T) {
	t.Parallel()
	h, b := newTestHub(t)
	events := b.Subscribe("test", 16, bus.ChanPriceTicks)
	ctx := context.Background()

	frame := []byte(`{"e":"trade","s":"BTCUSDT","p":"30000","T":1690000000000}`)
	h.handleTrade(ctx, "BTCUSD", frame)
	h.handleTrade(ctx, "BTCUSD", frame)

	// Matching sees both ticks.
	recvTick(t, h.Ticks())
	recvTick(t, h.Ticks())

	// The broadcast path sees only the first.
	<-events
	select {
	case ev := <-events:
		t.Errorf("identical consecutive price should not broadcast, got %+v", ev.Payload)
	default:
	}
}

func TestHandleTradeRejectsBadFrames(t *testing.T) {
	t.Parallel()
	h, _ := newTestHub(t)
	ctx := context.Background()

	h.handleTrade(ctx, "BTCUSD", []byte(`not json`))
	h.handleTrade(ctx, "BTCUSD", []byte(`{"e":"trade","p":"zero","T":1}`))
	h.handleTrade(ctx, "BTCUSD", []byte(`{"e":"trade","p":"-5","T":1}`))

	select {
	case tick := <-h.Ticks():
		t.Errorf("bad frame produced tick %+v", tick)
	default:
	}
}

func TestQueueRingThrottlesPerSymbol(t *testing.T) {
	t.Parallel()
	logger := quietLogger()
	cfg := config.Default()
	cfg.Broadcast.TickRingThrottle = 100 * time.Millisecond

	// kv.New does not dial, and the ring pump is not running here, so nothing
	// reaches Redis; only the throttle decision is exercised.
	kvc, err := kv.New("redis://localhost:6379/0", 1000, logger)
	if err != nil {
		t.Fatalf("kv.New: %v", err)
	}
	reg := instrument.New(nil, time.Hour, logger)
	h := NewHub(cfg, reg, market.NewMarks(), market.NewDepthBook(), kvc, bus.New(nil, logger), logger)

	h.queueRing(types.Tick{Symbol: "BTCUSD", Price: 30000, Ts: 1})
	h.queueRing(types.Tick{Symbol: "BTCUSD", Price: 30001, Ts: 2}) // inside the window
	h.queueRing(types.Tick{Symbol: "ETHUSD", Price: 2000, Ts: 3})  // own window

	time.Sleep(250 * time.Millisecond)
	h.queueRing(types.Tick{Symbol: "BTCUSD", Price: 30002, Ts: 4})

	if got := len(h.ringCh); got != 3 {
		t.Fatalf("ring queue length = %d, want 3", got)
	}
	for i, want := range []int64{1, 3, 4} {
		if tick := <-h.ringCh; tick.Ts != want {
			t.Errorf("ring[%d].Ts = %d, want %d", i, tick.Ts, want)
		}
	}
}

func TestDepthHandlerMirrorsAndBatches(t *testing.T) {
	t.Parallel()
	h, b := newTestHub(t)
	events := b.Subscribe("test", 16, bus.ChanOrderbook)
	handler := h.depthHandler("BTCUSD")
	ctx := context.Background()

	frame := []byte(`{"lastUpdateId":1,"bids":[["29999.5","1.5"],["29999.0","2"]],"asks":[["30001.0","0.7"]]}`)
	handler(ctx, frame)
	handler(ctx, frame) // inside the flush window

	snap, ok := h.depth.Get("BTCUSD")
	if !ok {
		t.Fatal("depth mirror not updated")
	}
	if len(snap.Bids) != 2 || snap.Bids[0].Price != 29999.5 || snap.Bids[0].Qty != 1.5 {
		t.Errorf("bids = %+v, want top level 29999.5 x 1.5", snap.Bids)
	}
	if len(snap.Asks) != 1 || snap.Asks[0].Price != 30001.0 {
		t.Errorf("asks = %+v, want one level at 30001", snap.Asks)
	}

	// Only the first snapshot inside the window is published.
	<-events
	select {
	case <-events:
		t.Error("second snapshot inside the flush window should not publish")
	default:
	}
}

func TestParseLevelsSkipsMalformed(t *testing.T) {
	t.Parallel()

	levels := parseLevels([][]string{
		{"30000", "1"},
		{"bad", "1"},
		{"30001"},
		{"30002", "nope"},
	})
	if len(levels) != 1 || levels[0].Price != 30000 {
		t.Errorf("levels = %+v, want only the well-formed one", levels)
	}
}

func TestRestLastPrice(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/ticker/price" {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("symbol"); got != "BTCUSDT" {
			t.Errorf("symbol param = %q, want BTCUSDT", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","price":"30123.45"}`))
	}))
	defer srv.Close()

	c := NewRestClient(srv.URL, quietLogger())
	px, err := c.LastPrice(context.Background(), "btcusdt")
	if err != nil {
		t.Fatalf("LastPrice: %v", err)
	}
	if px != 30123.45 {
		t.Errorf("price = %v, want 30123.45", px)
	}
}

func TestRestLastPriceBadStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":-1121,"msg":"Invalid symbol."}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewRestClient(srv.URL, quietLogger())
	if _, err := c.LastPrice(context.Background(), "nopeusd"); err == nil {
		t.Fatal("expected error on non-200 response")
	}
}
