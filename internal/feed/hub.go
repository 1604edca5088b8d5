package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"propcore/internal/bus"
	"propcore/internal/config"
	"propcore/internal/instrument"
	"propcore/internal/kv"
	"propcore/internal/market"
	"propcore/internal/metrics"
	"propcore/pkg/types"
)

const kvWriteTimeout = 2 * time.Second

// Hub owns the upstream streams and fans every price update along the
// publication pipeline, in order: the latest-price hash (batched), the tick
// ring (throttled per symbol), the matching channel (blocking, lossless)
// and the broadcast bus.
//
// Identical consecutive prices are suppressed from the mirror and broadcast
// paths only; matching and risk consume every tick.
type Hub struct {
	cfg   *config.Config
	reg   *instrument.Registry
	marks *market.Marks
	depth *market.DepthBook
	kv    *kv.Client // nil when Redis is not configured
	bus   *bus.Bus

	ticks  chan types.Tick
	ringCh chan types.Tick

	mu       sync.Mutex
	pending  map[string]float64   // latest-price batch, flushed on a timer
	lastRing map[string]time.Time // per-symbol ring throttle

	logger *slog.Logger
}

// NewHub wires the pipeline. kvc may be nil; the KV mirrors then stay off.
func NewHub(cfg *config.Config, reg *instrument.Registry, marks *market.Marks, depth *market.DepthBook, kvc *kv.Client, b *bus.Bus, logger *slog.Logger) *Hub {
	return &Hub{
		cfg:      cfg,
		reg:      reg,
		marks:    marks,
		depth:    depth,
		kv:       kvc,
		bus:      b,
		ticks:    make(chan types.Tick, cfg.Engine.TickBuffer),
		ringCh:   make(chan types.Tick, 256),
		pending:  make(map[string]float64),
		lastRing: make(map[string]time.Time),
		logger:   logger.With("component", "feed"),
	}
}

// Ticks is the lossless channel the matching engine consumes.
func (h *Hub) Ticks() <-chan types.Tick { return h.ticks }

// Run opens one trade stream and one depth stream per active instrument and
// blocks until ctx is cancelled. The stream set is fixed at start; contracts
// provisioned later are picked up on the next process restart.
func (h *Hub) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	keys := h.reg.PriceKeys()
	for _, key := range keys {
		symbol, ok := h.reg.SymbolForPriceKey(key)
		if !ok {
			continue
		}

		trades := h.newStream(key+"@trade", func(ctx context.Context, raw []byte) {
			h.handleTrade(ctx, symbol, raw)
		})
		g.Go(func() error { return trades.run(ctx) })

		book := h.newStream(key+"@depth10@100ms", h.depthHandler(symbol))
		g.Go(func() error { return book.run(ctx) })
	}

	g.Go(func() error { return h.flushLatest(ctx) })
	if h.kv != nil {
		g.Go(func() error { return h.ringPump(ctx) })
	}

	h.logger.Info("feed started", "streams", len(keys)*2)
	return g.Wait()
}

func (h *Hub) newStream(name string, handler func(context.Context, []byte)) *stream {
	return &stream{
		name:       name,
		url:        h.cfg.Feed.WSBaseURL + "/" + name,
		watchdog:   h.cfg.Feed.WatchdogTimeout,
		backoffCap: h.cfg.Feed.ReconnectMax,
		handler:    handler,
		logger:     h.logger,
	}
}

// tradeEvent is the upstream trade frame; only price and trade time matter.
type tradeEvent struct {
	Event     string `json:"e"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	TradeTime int64  `json:"T"`
}

// depthEvent is the upstream partial-book frame: ten [price, qty] string
// pairs per side.
type depthEvent struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

func (h *Hub) handleTrade(ctx context.Context, symbol string, raw []byte) {
	var ev tradeEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		h.logger.Error("unmarshal trade frame", "symbol", symbol, "error", err)
		return
	}
	px, err := strconv.ParseFloat(ev.Price, 64)
	if err != nil || px <= 0 {
		h.logger.Error("bad trade price", "symbol", symbol, "price", ev.Price)
		return
	}
	ts := ev.TradeTime
	if ts == 0 {
		ts = types.NowMs()
	}

	metrics.TicksTotal.WithLabelValues(symbol).Inc()
	tick := types.Tick{Symbol: symbol, Price: px, Ts: ts}

	_, changed := h.marks.Set(symbol, px, ts)
	if changed {
		h.queueLatest(symbol, px)
		h.queueRing(tick)
	} else {
		metrics.TicksDeduped.WithLabelValues(symbol).Inc()
	}

	// Matching and risk see every tick, deduped or not. The send blocks when
	// the buffer is full; ticks are never dropped here.
	select {
	case h.ticks <- tick:
	case <-ctx.Done():
		return
	}

	if changed {
		h.bus.Publish(bus.ChanPriceTicks, tick)
	}
}

// depthHandler parses snapshots into the depth mirror and publishes at most
// one snapshot per flush window per symbol.
func (h *Hub) depthHandler(symbol string) func(context.Context, []byte) {
	var lastPub time.Time
	return func(ctx context.Context, raw []byte) {
		var ev depthEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			h.logger.Error("unmarshal depth frame", "symbol", symbol, "error", err)
			return
		}

		snap := types.DepthSnapshot{
			Symbol: symbol,
			Bids:   parseLevels(ev.Bids),
			Asks:   parseLevels(ev.Asks),
			Ts:     types.NowMs(),
		}
		h.depth.Set(snap)

		if time.Since(lastPub) < h.cfg.Broadcast.DepthFlush {
			return
		}
		lastPub = time.Now()

		if h.kv != nil {
			kctx, cancel := context.WithTimeout(ctx, kvWriteTimeout)
			if err := h.kv.SetDepth(kctx, snap); err != nil {
				h.logger.Warn("depth mirror write failed", "symbol", symbol, "error", err)
			}
			cancel()
		}
		h.bus.Publish(bus.ChanOrderbook, snap)
	}
}

func parseLevels(raw [][]string) []types.DepthLevel {
	out := make([]types.DepthLevel, 0, len(raw))
	for _, lvl := range raw {
		if len(lvl) < 2 {
			continue
		}
		px, err1 := strconv.ParseFloat(lvl[0], 64)
		qty, err2 := strconv.ParseFloat(lvl[1], 64)
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, types.DepthLevel{Price: px, Qty: qty})
	}
	return out
}

func (h *Hub) queueLatest(symbol string, px float64) {
	if h.kv == nil {
		return
	}
	h.mu.Lock()
	h.pending[symbol] = px
	h.mu.Unlock()
}

// queueRing forwards at most one tick per throttle window per symbol to the
// ring writer. A full writer queue drops the tick; the ring is a mirror.
func (h *Hub) queueRing(t types.Tick) {
	if h.kv == nil {
		return
	}
	now := time.Now()

	h.mu.Lock()
	if now.Sub(h.lastRing[t.Symbol]) < h.cfg.Broadcast.TickRingThrottle {
		h.mu.Unlock()
		return
	}
	h.lastRing[t.Symbol] = now
	h.mu.Unlock()

	select {
	case h.ringCh <- t:
	default:
	}
}

// flushLatest batches latest-price updates into one hash write per window.
func (h *Hub) flushLatest(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.Broadcast.LatestPricesFlush)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.mu.Lock()
			if len(h.pending) == 0 {
				h.mu.Unlock()
				continue
			}
			batch := h.pending
			h.pending = make(map[string]float64, len(batch))
			h.mu.Unlock()

			kctx, cancel := context.WithTimeout(ctx, kvWriteTimeout)
			err := h.kv.SetLatestPrices(kctx, batch)
			cancel()
			if err != nil {
				h.logger.Warn("latest price flush failed", "symbols", len(batch), "error", err)
			}
		}
	}
}

func (h *Hub) ringPump(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-h.ringCh:
			kctx, cancel := context.WithTimeout(ctx, kvWriteTimeout)
			err := h.kv.PushTick(kctx, t)
			cancel()
			if err != nil {
				h.logger.Warn("tick ring push failed", "symbol", t.Symbol, "error", err)
			}
		}
	}
}
