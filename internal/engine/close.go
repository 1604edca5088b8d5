package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"propcore/internal/bus"
	"propcore/internal/metrics"
	"propcore/pkg/types"
)

// CloseTrade settles an open trade at closePrice. The realized figure folds
// the entry commission already carried in the trade's running pnl; no close
// commission applies unless configured. The balance and session counters
// absorb the result as exact decimals and the close is persisted and
// broadcast.
//
// Returns false when the trade was already closed by a concurrent path (an
// SL exit racing a breach liquidation, for instance); removal from the open
// arena is the atomic claim. The per-account lock serializes closes against
// fills. Risk receives this method as its injected close function.
func (e *Engine) CloseTrade(tr types.Trade, closePrice float64, reason types.ExitReason) bool {
	mu := e.lockFor(tr.AccountID)
	mu.Lock()
	defer mu.Unlock()

	cur, ok := e.state.RemoveOpenTrade(tr.ID)
	if !ok {
		return false
	}

	tickValue := 1.0
	ins, ok := e.reg.Get(cur.Symbol)
	if ok && ins.TickValue > 0 {
		tickValue = ins.TickValue
	}

	delta := (closePrice - cur.EntryPrice) * cur.Quantity * tickValue * cur.Side.Sign()
	net := delta + cur.PnL
	if e.cfg.Engine.ClosingCommission {
		net -= ins.Commission * cur.Quantity
	}

	now := time.Now()
	e.persistClose(types.ClosedTrade{
		Trade:      cur,
		ClosePrice: closePrice,
		NetPnL:     net,
		ExitReason: reason,
		ClosedAt:   now,
	})

	netD := decimal.NewFromFloat(net)
	acct, found := e.state.MutateAccount(cur.AccountID, func(a *types.Account) {
		a.Balance = a.Balance.Add(netD)

		day := a.DayKey(now)
		if a.Session.Day != day {
			// Rollover guard for closes landing before the reset job:
			// the new day starts at the pre-close balance.
			a.Session = types.SessionPnL{Day: day, StartOfDayEquity: a.Balance.Sub(netD)}
		}
		a.Session.Realized = a.Session.Realized.Add(netD)
		if a.Session.Realized.GreaterThan(a.BestDayProfit) {
			a.BestDayProfit = a.Session.Realized
		}
	})
	if found {
		e.persistAccount(acct)
	}

	e.bus.Publish(bus.ChanTradeEvents, types.TradeEvent{
		Type:       "trade_close",
		TradeID:    cur.ID,
		OrderID:    cur.OrderID,
		AccountID:  cur.AccountID,
		Symbol:     cur.Symbol,
		Side:       cur.Side,
		Price:      closePrice,
		Quantity:   cur.Quantity,
		NetPnL:     net,
		ExitReason: reason,
		Ts:         types.NowMs(),
	})
	metrics.TradesClosed.WithLabelValues(string(reason)).Inc()
	e.logger.Info("trade closed",
		"trade_id", cur.ID,
		"account_id", cur.AccountID,
		"symbol", cur.Symbol,
		"reason", reason,
		"price", closePrice,
		"net_pnl", net,
	)

	return true
}