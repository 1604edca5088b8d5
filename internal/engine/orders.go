package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"propcore/internal/bus"
	"propcore/internal/metrics"
	"propcore/pkg/types"
)

// PlaceRequest is a validated order submission. ID may be pre-generated by
// the gateway (it doubles as the idempotency anchor); when empty the engine
// assigns one.
type PlaceRequest struct {
	ID         string
	UserID     string
	AccountID  string
	Symbol     string
	Side       types.Side
	Type       types.OrderType
	Quantity   float64
	LimitPrice float64
	SL         float64
	TP         float64
}

// PlaceResult reports the submission outcome. Code is empty on acceptance;
// Status is then filled (market) or pending (limit). For fills Price and
// Quantity carry the execution price and the filled quantity, which may be
// below the requested quantity when partial fills are enabled.
type PlaceResult struct {
	OrderID  string
	Symbol   string
	Status   types.OrderStatus
	Price    float64
	Quantity float64
	Code     types.Code
}

// Rejected reports whether the submission was turned down.
func (r PlaceResult) Rejected() bool { return r.Code != "" }

// PlaceOrder runs the submission pipeline: symbol normalization, duplicate
// suppression, the pre-trade risk gate, then either an immediate fill
// (market) or a queue append (limit). Market fills run synchronously; the
// caller waits through the execution latency. ctx bounds only the price
// fallback fetch; accepted orders persist regardless of cancellation.
func (e *Engine) PlaceOrder(ctx context.Context, req PlaceRequest) PlaceResult {
	symbol, known := e.reg.Normalize(req.Symbol)

	order := types.Order{
		ID:        req.ID,
		AccountID: req.AccountID,
		Symbol:    symbol,
		Side:      req.Side,
		Type:      req.Type,
		Quantity:  req.Quantity,
		SL:        req.SL,
		TP:        req.TP,
		CreatedAt: time.Now(),
	}
	if order.ID == "" {
		order.ID = uuid.NewString()
	}

	if !known {
		return e.reject(order, types.CodeSymbolNotSupported)
	}
	ins, ok := e.reg.Get(symbol)
	if !ok {
		return e.reject(order, types.CodeContractMetaNotFound)
	}

	if e.duplicate(req.AccountID, symbol, req.Side, req.Type, req.Quantity) {
		return e.reject(order, types.CodeDuplicateOrder)
	}

	if v := e.risk.PreTradeCheck(req.AccountID, symbol, req.Quantity); !v.OK {
		return e.reject(order, v.Code)
	}

	if req.Type == types.OrderLimit {
		return e.queueLimit(order, req.LimitPrice)
	}
	return e.executeMarket(ctx, order, ins)
}

// queueLimit appends the order to the symbol's pending list. It fills when
// a tick crosses the limit price.
func (e *Engine) queueLimit(order types.Order, limitPrice float64) PlaceResult {
	if limitPrice <= 0 {
		return e.reject(order, types.CodeLimitPriceRequired)
	}
	order.Price = limitPrice
	order.Status = types.StatusPending

	e.state.AddPendingOrder(order)
	e.persistOrder(order)

	e.bus.Publish(bus.ChanOrderEvents, types.OrderEvent{
		Type:      "order_pending",
		OrderID:   order.ID,
		AccountID: order.AccountID,
		Symbol:    order.Symbol,
		Side:      order.Side,
		OrderType: order.Type,
		Quantity:  order.Quantity,
		Price:     order.Price,
		Ts:        types.NowMs(),
	})
	metrics.OrdersTotal.WithLabelValues(string(order.Type), "pending").Inc()
	e.logger.Info("limit order queued",
		"order_id", order.ID,
		"account_id", order.AccountID,
		"symbol", order.Symbol,
		"side", order.Side,
		"qty", order.Quantity,
		"limit", order.Price,
	)

	return PlaceResult{
		OrderID:  order.ID,
		Symbol:   order.Symbol,
		Status:   types.StatusPending,
		Price:    order.Price,
		Quantity: order.Quantity,
	}
}

// executeMarket resolves the base price, runs the immediate risk gate and
// fills synchronously. prev equals base here: a market order has no prior
// tick gap, so only the spread applies.
func (e *Engine) executeMarket(ctx context.Context, order types.Order, ins types.Instrument) PlaceResult {
	base, code := e.basePrice(ctx, ins)
	if code != "" {
		return e.reject(order, code)
	}
	order.Price = base
	order.Status = types.StatusFilled
	e.persistOrder(order)

	if v := e.risk.EvaluateImmediateRisk(order.AccountID, ins, order.Quantity, base); !v.OK {
		e.setOrderStatus(order.ID, types.StatusRejected)
		return e.reject(order, v.Code)
	}

	e.fillWG.Add(1)
	defer e.fillWG.Done()
	tr, v := e.fillOrder(order, ins, base, base)
	if !v.OK {
		// fillOrder already marked the row rejected and emitted the event.
		return PlaceResult{OrderID: order.ID, Symbol: order.Symbol, Code: v.Code}
	}

	return PlaceResult{
		OrderID:  order.ID,
		Symbol:   order.Symbol,
		Status:   types.StatusFilled,
		Price:    tr.EntryPrice,
		Quantity: tr.Quantity,
	}
}

// basePrice resolves the execution base for a market order: the cached mark
// when fresh, otherwise a synchronous REST fetch. INR-quoted instruments are
// converted with the live USDINR mark or the configured fallback.
func (e *Engine) basePrice(ctx context.Context, ins types.Instrument) (float64, types.Code) {
	now := time.Now()

	var base float64
	if m, ok := e.marks.Fresh(ins.Symbol, e.cfg.Engine.PriceStale, now); ok {
		base = m.Price
	} else {
		if e.prices == nil {
			return 0, types.CodeNoLivePrice
		}
		px, err := e.prices.LastPrice(ctx, ins.PriceKey)
		if err != nil || px <= 0 {
			e.logger.Warn("price fallback failed", "symbol", ins.Symbol, "error", err)
			return 0, types.CodeNoLivePrice
		}
		e.marks.Set(ins.Symbol, px, types.NowMs())
		base = px
	}

	if ins.ConvertToINR {
		base *= e.usdinrQuote(now)
	}
	return base, ""
}

func (e *Engine) usdinrQuote(now time.Time) float64 {
	if m, ok := e.marks.Fresh("USDINR", e.cfg.Engine.PriceStale, now); ok && m.Price > 0 {
		return m.Price
	}
	return e.cfg.Engine.USDINRFallback
}

// duplicate is a check-and-stamp over the short-lived duplicate set. Two
// submissions with the same account, symbol, side, type and quantity inside
// the window count as one.
func (e *Engine) duplicate(accountID, symbol string, side types.Side, typ types.OrderType, qty float64) bool {
	key := fmt.Sprintf("%s|%s|%s|%s|%.8f", accountID, symbol, side, typ, qty)
	now := time.Now()
	window := e.cfg.Engine.DuplicateWindow

	e.dupesMu.Lock()
	defer e.dupesMu.Unlock()

	if seen, ok := e.dupes[key]; ok && now.Sub(seen) < window {
		return true
	}
	if len(e.dupes) > 1024 {
		for k, ts := range e.dupes {
			if now.Sub(ts) >= window {
				delete(e.dupes, k)
			}
		}
	}
	e.dupes[key] = now
	return false
}

// reject emits the order_reject event and returns the tagged result.
func (e *Engine) reject(order types.Order, code types.Code) PlaceResult {
	e.emitReject(order, code)
	return PlaceResult{OrderID: order.ID, Symbol: order.Symbol, Code: code}
}

func (e *Engine) emitReject(order types.Order, code types.Code) {
	e.bus.Publish(bus.ChanOrderEvents, types.OrderEvent{
		Type:      "order_reject",
		OrderID:   order.ID,
		AccountID: order.AccountID,
		Symbol:    order.Symbol,
		Side:      order.Side,
		OrderType: order.Type,
		Quantity:  order.Quantity,
		Price:     order.Price,
		Code:      code,
		Ts:        types.NowMs(),
	})
	metrics.OrdersTotal.WithLabelValues(string(order.Type), "rejected").Inc()
	e.logger.Warn("order rejected",
		"order_id", order.ID,
		"account_id", order.AccountID,
		"symbol", order.Symbol,
		"code", code,
	)
}