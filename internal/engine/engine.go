// Package engine is the tick-driven matching engine.
//
// It consumes the lossless tick channel produced by the feed hub and, per
// tick and in this order: refreshes unrealized PnL for the symbol's open
// trades, fills eligible pending limit orders, triggers SL/TP exits past the
// grace window, then hands the tick to the risk engine. A single tick can
// therefore never both fill a limit order and close the resulting trade.
//
// Ticks are processed in arrival order per symbol. Each symbol gets a lane
// goroutine; the dispatcher routes ticks to lanes and lanes block until the
// fills spawned by a tick have completed their latency window, so an
// eligible limit order is always filled before the next tick on its symbol.
//
// Fills and closes for one account are serialized by a per-account mutex
// held across the artificial execution latency. The latency sleep is not
// cancellable; Drain waits it out on shutdown.
package engine

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"propcore/internal/bus"
	"propcore/internal/config"
	"propcore/internal/instrument"
	"propcore/internal/market"
	"propcore/internal/state"
	"propcore/pkg/types"
)

// RiskGate is the decision surface the engine consults. Implemented by the
// risk engine; injected so the two packages stay decoupled.
type RiskGate interface {
	// PreTradeCheck gates order submission. Pure; no state mutation.
	PreTradeCheck(accountID, symbol string, quantity float64) types.Verdict
	// EvaluateImmediateRisk gates a proposed fill against the hypothetical
	// post-fill balance. Called before and after the latency window.
	EvaluateImmediateRisk(accountID string, ins types.Instrument, quantity, execPrice float64) types.Verdict
	// EvaluateOpenPositions runs the per-tick rule matrix for the symbol.
	EvaluateOpenPositions(symbol string, price float64)
}

// Store is the slice of the relational store the engine persists through.
// A nil Store runs the engine memory-only.
type Store interface {
	SaveOrder(ctx context.Context, o types.Order) error
	UpdateOrderStatus(ctx context.Context, id string, status types.OrderStatus) error
	SaveTrade(ctx context.Context, t types.Trade) error
	CloseTrade(ctx context.Context, ct types.ClosedTrade) error
	PatchAccount(ctx context.Context, a types.Account) error
}

// PriceSource is the synchronous fallback for market orders whose cached
// mark has gone stale.
type PriceSource interface {
	LastPrice(ctx context.Context, priceKey string) (float64, error)
}

// Engine matches orders against the tick stream and owns trade lifecycle.
type Engine struct {
	cfg    *config.Config
	reg    *instrument.Registry
	state  *state.State
	marks  *market.Marks
	risk   RiskGate
	store  Store       // may be nil
	prices PriceSource // may be nil
	bus    *bus.Bus
	logger *slog.Logger

	ticks <-chan types.Tick

	// lanes maps symbol -> tick queue. Guarded by lanesMu; lanes are created
	// on first tick and live until shutdown.
	lanes   map[string]chan types.Tick
	lanesMu sync.Mutex
	laneWG  sync.WaitGroup

	// locks serializes fills and closes per account.
	locks   map[string]*sync.Mutex
	locksMu sync.Mutex

	// dupes is the short-lived duplicate-order set.
	dupes   map[string]time.Time
	dupesMu sync.Mutex

	// fillWG tracks in-flight fill tasks across their latency windows.
	fillWG sync.WaitGroup

	rng   *rand.Rand
	rngMu sync.Mutex
}

// New wires the engine. store and prices may be nil; risk must not be.
func New(
	cfg *config.Config,
	reg *instrument.Registry,
	st *state.State,
	marks *market.Marks,
	risk RiskGate,
	store Store,
	prices PriceSource,
	b *bus.Bus,
	ticks <-chan types.Tick,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		cfg:    cfg,
		reg:    reg,
		state:  st,
		marks:  marks,
		risk:   risk,
		store:  store,
		prices: prices,
		bus:    b,
		logger: logger.With("component", "engine"),
		ticks:  ticks,
		lanes:  make(map[string]chan types.Tick),
		locks:  make(map[string]*sync.Mutex),
		dupes:  make(map[string]time.Time),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run dispatches ticks to per-symbol lanes until ctx is cancelled, then
// drains the lanes. Matching never drops a tick: a slow lane backpressures
// through the tick channel into the feed hub.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			e.closeLanes()
			e.laneWG.Wait()
			return ctx.Err()
		case t := <-e.ticks:
			select {
			case e.lane(t.Symbol) <- t:
			case <-ctx.Done():
				e.closeLanes()
				e.laneWG.Wait()
				return ctx.Err()
			}
		}
	}
}

// Drain blocks until every in-flight fill task has finished its latency
// window. Called on shutdown after Run has returned.
func (e *Engine) Drain() {
	e.fillWG.Wait()
}

func (e *Engine) lane(symbol string) chan types.Tick {
	e.lanesMu.Lock()
	defer e.lanesMu.Unlock()

	ch, ok := e.lanes[symbol]
	if !ok {
		ch = make(chan types.Tick, 256)
		e.lanes[symbol] = ch
		e.laneWG.Add(1)
		go e.runLane(symbol, ch)
	}
	return ch
}

func (e *Engine) closeLanes() {
	e.lanesMu.Lock()
	defer e.lanesMu.Unlock()
	for symbol, ch := range e.lanes {
		close(ch)
		delete(e.lanes, symbol)
	}
}

// runLane processes one symbol's ticks in order. prev carries the previous
// tick's price for the limit-fill slippage gap; the first tick has no gap.
func (e *Engine) runLane(symbol string, ch chan types.Tick) {
	defer e.laneWG.Done()

	prev := math.NaN()
	for t := range ch {
		base := prev
		if math.IsNaN(base) {
			base = t.Price
		}
		e.processTick(t, base)
		prev = t.Price
	}
}

// processTick is the per-tick pipeline. It returns only after the fills it
// spawned have completed, so the next tick on this symbol observes them.
func (e *Engine) processTick(t types.Tick, prev float64) {
	ins, ok := e.reg.Get(t.Symbol)
	if !ok {
		return
	}

	e.publishUnrealized(t, ins)

	var fills sync.WaitGroup
	claimed := e.state.ClaimPending(t.Symbol, func(o types.Order) bool {
		return fillEligible(o, t.Price)
	})
	for _, o := range claimed {
		o := o
		fills.Add(1)
		e.fillWG.Add(1)
		go func() {
			defer fills.Done()
			defer e.fillWG.Done()
			e.fillOrder(o, ins, t.Price, prev)
		}()
	}

	e.scanExits(t, ins)

	e.risk.EvaluateOpenPositions(t.Symbol, t.Price)

	fills.Wait()
}

// fillEligible reports whether the tick price crosses the order's price.
func fillEligible(o types.Order, price float64) bool {
	if o.Side == types.BUY {
		return price <= o.Price
	}
	return price >= o.Price
}

// publishUnrealized aggregates mark-to-market PnL per account for the
// symbol's open trades and emits account_upnl events. Observational only.
func (e *Engine) publishUnrealized(t types.Tick, ins types.Instrument) {
	trades := e.state.OpenTradesOn(t.Symbol)
	if len(trades) == 0 {
		return
	}

	byAccount := make(map[string]float64, len(trades))
	for i := range trades {
		byAccount[trades[i].AccountID] += trades[i].UnrealizedPnL(t.Price, ins.TickValue)
	}

	for accountID, upnl := range byAccount {
		acct, ok := e.state.Account(accountID)
		if !ok {
			continue
		}
		e.bus.Publish(bus.ChanAccountEvents, types.AccountEvent{
			Type:      "account_upnl",
			AccountID: accountID,
			Balance:   acct.Balance,
			Equity:    acct.Equity(upnl),
			UPnL:      upnl,
			Status:    acct.Status,
			Ts:        t.Ts,
		})
	}
}

// scanExits closes open trades whose SL or TP the tick crossed. Trades
// younger than the grace window are skipped so the tick that filled them
// cannot also close them. Exits settle at the barrier price, not the tick.
func (e *Engine) scanExits(t types.Tick, ins types.Instrument) {
	grace := e.cfg.Engine.SLTPGrace
	now := time.Now()

	for _, tr := range e.state.OpenTradesOn(t.Symbol) {
		if now.Sub(tr.OpenedAt) < grace {
			continue
		}
		switch tr.Side {
		case types.BUY:
			if tr.SL > 0 && t.Price <= tr.SL {
				e.CloseTrade(tr, tr.SL, types.ExitStopLoss)
			} else if tr.TP > 0 && t.Price >= tr.TP {
				e.CloseTrade(tr, tr.TP, types.ExitTakeProfit)
			}
		case types.SELL:
			if tr.SL > 0 && t.Price >= tr.SL {
				e.CloseTrade(tr, tr.SL, types.ExitStopLoss)
			} else if tr.TP > 0 && t.Price <= tr.TP {
				e.CloseTrade(tr, tr.TP, types.ExitTakeProfit)
			}
		}
	}
}

// lockFor returns the account's fill mutex, creating it on first use.
// Account locks are never removed; the set is bounded by the account count.
func (e *Engine) lockFor(accountID string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()

	mu, ok := e.locks[accountID]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[accountID] = mu
	}
	return mu
}