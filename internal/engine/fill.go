package engine

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"

	"propcore/internal/bus"
	"propcore/internal/metrics"
	"propcore/pkg/types"
)

// fillOrder executes one fill under the account lock: sleep the execution
// latency, price the fill adversarially (spread plus gap slippage), re-run
// the immediate risk gate, then open the trade. A risk failure after the
// latency rejects the order and produces no trade.
func (e *Engine) fillOrder(o types.Order, ins types.Instrument, base, prev float64) (types.Trade, types.Verdict) {
	mu := e.lockFor(o.AccountID)
	mu.Lock()
	defer mu.Unlock()

	// Not cancellable mid-flight; Drain waits this out on shutdown.
	time.Sleep(e.cfg.Engine.ExecutionLatency)

	slip := e.slippage(base, prev, ins)
	exec := base + o.Side.Sign()*(ins.Spread+slip)

	filled := o.Quantity
	if e.cfg.Engine.EnablePartialFills {
		filled = e.partialQty(o.Quantity, ins)
	}

	if v := e.risk.EvaluateImmediateRisk(o.AccountID, ins, filled, exec); !v.OK {
		e.setOrderStatus(o.ID, types.StatusRejected)
		e.emitReject(o, v.Code)
		return types.Trade{}, v
	}

	if rem := o.Quantity - filled; rem > 0 {
		e.requeueRemainder(o, rem)
	}

	now := time.Now()
	tr := types.Trade{
		ID:         uuid.NewString(),
		OrderID:    o.ID,
		AccountID:  o.AccountID,
		Symbol:     o.Symbol,
		Side:       o.Side,
		EntryPrice: exec,
		Quantity:   filled,
		SL:         o.SL,
		TP:         o.TP,
		PnL:        -ins.Commission * filled,
		OpenedAt:   now,
	}
	e.state.AddOpenTrade(tr)
	e.persistTrade(tr)
	e.setOrderStatus(o.ID, types.StatusFilled)

	e.bus.Publish(bus.ChanOrderEvents, types.OrderEvent{
		Type:      "order_filled",
		OrderID:   o.ID,
		AccountID: o.AccountID,
		Symbol:    o.Symbol,
		Side:      o.Side,
		OrderType: o.Type,
		Quantity:  filled,
		Price:     exec,
		Ts:        types.NowMs(),
	})
	e.bus.Publish(bus.ChanTradeEvents, types.TradeEvent{
		Type:      "trade_fill",
		TradeID:   tr.ID,
		OrderID:   o.ID,
		AccountID: o.AccountID,
		Symbol:    o.Symbol,
		Side:      o.Side,
		Price:     exec,
		Quantity:  filled,
		Ts:        types.NowMs(),
	})

	metrics.FillsTotal.WithLabelValues(o.Symbol).Inc()
	metrics.OrdersTotal.WithLabelValues(string(o.Type), "filled").Inc()
	e.logger.Info("order filled",
		"order_id", o.ID,
		"account_id", o.AccountID,
		"symbol", o.Symbol,
		"side", o.Side,
		"qty", filled,
		"price", exec,
	)

	return tr, types.Allow()
}

// slippage is proportional to the gap between consecutive ticks, capped by
// the instrument override or the engine default.
func (e *Engine) slippage(base, prev float64, ins types.Instrument) float64 {
	limit := ins.MaxSlippage
	if limit <= 0 {
		limit = e.cfg.Engine.MaxSlippage
	}
	return math.Min(math.Abs(base-prev)*0.2, limit)
}

// partialQty picks the filled portion: the configured ratio when it is in
// (0,1], else uniform in [0.5,1.0], floored to the lot step and at least
// minQty. A residual below minQty cannot trade, so the order fills entirely.
func (e *Engine) partialQty(qty float64, ins types.Instrument) float64 {
	r := e.cfg.Engine.PartialFillRatio
	if r <= 0 || r > 1 {
		e.rngMu.Lock()
		r = 0.5 + e.rng.Float64()*0.5
		e.rngMu.Unlock()
	}

	filled := stepFloor(qty*r, ins.QtyStep)
	if filled < ins.MinQty {
		filled = ins.MinQty
	}
	if qty-filled < ins.MinQty {
		return qty
	}
	return filled
}

func stepFloor(x, step float64) float64 {
	if step <= 0 {
		return x
	}
	return math.Floor(x/step+1e-9) * step
}

// requeueRemainder re-appends the unfilled portion as a fresh pending order
// at the same price.
func (e *Engine) requeueRemainder(o types.Order, rem float64) {
	next := o
	next.ID = uuid.NewString()
	next.Quantity = rem
	next.Status = types.StatusPending
	next.CreatedAt = time.Now()

	e.state.AddPendingOrder(next)
	e.persistOrder(next)

	e.bus.Publish(bus.ChanOrderEvents, types.OrderEvent{
		Type:      "order_pending",
		OrderID:   next.ID,
		AccountID: next.AccountID,
		Symbol:    next.Symbol,
		Side:      next.Side,
		OrderType: next.Type,
		Quantity:  next.Quantity,
		Price:     next.Price,
		Ts:        types.NowMs(),
	})
	metrics.OrdersTotal.WithLabelValues(string(next.Type), "pending").Inc()
	e.logger.Info("partial fill remainder queued",
		"order_id", next.ID,
		"parent_id", o.ID,
		"symbol", next.Symbol,
		"qty", rem,
	)
}

// Persistence helpers run on a background context: accepted work must reach
// the store even when the submitting request has gone away. Failures are
// logged and absorbed; the in-memory state remains authoritative until the
// next successful write.

func (e *Engine) persistOrder(o types.Order) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveOrder(context.Background(), o); err != nil {
		e.logger.Error("persist order", "order_id", o.ID, "error", err)
	}
}

func (e *Engine) setOrderStatus(id string, status types.OrderStatus) {
	if e.store == nil {
		return
	}
	if err := e.store.UpdateOrderStatus(context.Background(), id, status); err != nil {
		e.logger.Error("update order status", "order_id", id, "status", status, "error", err)
	}
}

func (e *Engine) persistTrade(t types.Trade) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveTrade(context.Background(), t); err != nil {
		e.logger.Error("persist trade", "trade_id", t.ID, "error", err)
	}
}

func (e *Engine) persistClose(ct types.ClosedTrade) {
	if e.store == nil {
		return
	}
	if err := e.store.CloseTrade(context.Background(), ct); err != nil {
		e.logger.Error("persist close", "trade_id", ct.ID, "error", err)
	}
}

func (e *Engine) persistAccount(a types.Account) {
	if e.store == nil {
		return
	}
	if err := e.store.PatchAccount(context.Background(), a); err != nil {
		e.logger.Error("persist account", "account_id", a.ID, "error", err)
	}
}