// Package risk enforces the prop-firm rule set over accounts and trades.
//
// The engine exposes three decision surfaces to the matching engine:
//
//   - PreTradeCheck:         gates order submission (status, hours, lots,
//     loss limits) without mutating anything
//   - EvaluateImmediateRisk: gates a proposed fill against the hypothetical
//     post-fill balance, run before and after the latency window
//   - EvaluateOpenPositions: the per-tick rule matrix; ratchets the trailing
//     peak, blows accounts on breach, flags consistency and promotes passed
//     accounts
//
// A breach flips the account to blown first, then liquidates its open
// trades through an injected close function, so no new fill can slip in
// between. The close function is bound at boot (BindClose); risk never
// imports the matching engine.
package risk

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"propcore/internal/instrument"
	"propcore/internal/market"
	"propcore/internal/metrics"
	"propcore/internal/state"
	"propcore/pkg/types"
)

// CloseFn closes an open trade at a price with a reason, returning false if
// the trade was already closed. The matching engine's CloseTrade is injected
// here at boot.
type CloseFn func(tr types.Trade, closePrice float64, reason types.ExitReason) bool

// Store is the persistence slice the risk engine writes through. A nil Store
// keeps rule state in memory only.
type Store interface {
	PatchAccount(ctx context.Context, a types.Account) error
	AppendAudit(ctx context.Context, event, accountID string, payload any) error
}

// Engine evaluates the rule matrix. All account reads go through the shared
// state facade; verdicts never mutate, breaches do. Status and balance
// changes fan out as account_update events through the facade itself.
type Engine struct {
	state  *state.State
	reg    *instrument.Registry
	marks  *market.Marks
	store  Store // may be nil
	logger *slog.Logger

	closeFn CloseFn
}

// New builds the risk engine. BindClose must be called before any tick or
// order reaches the system.
func New(st *state.State, reg *instrument.Registry, marks *market.Marks, store Store, logger *slog.Logger) *Engine {
	return &Engine{
		state:  st,
		reg:    reg,
		marks:  marks,
		store:  store,
		logger: logger.With("component", "risk"),
	}
}

// BindClose injects the trade-close function. Not safe to rebind once
// traffic is flowing.
func (r *Engine) BindClose(fn CloseFn) { r.closeFn = fn }

// PreTradeCheck gates an order submission. Pure: a fresh account snapshot
// plus instrument metadata, no mutation. The first failing rule wins.
func (r *Engine) PreTradeCheck(accountID, symbol string, quantity float64) types.Verdict {
	acct, ok := r.state.Account(accountID)
	if !ok {
		return types.Reject(types.CodeAccountNotFound)
	}
	if !acct.Status.CanTrade() {
		return types.Reject(types.CodeAccountInactive)
	}

	ins, ok := r.reg.Get(symbol)
	if !ok {
		return types.Reject(types.CodeContractMetaNotFound)
	}
	if !r.reg.IsOpen(symbol, time.Now()) {
		return types.Reject(types.CodeMarketClosed)
	}
	if v := lotVerdict(ins, acct.Tier, quantity); !v.OK {
		return v
	}

	return lossVerdict(&acct, &ins, acct.Balance, time.Now())
}

// EvaluateImmediateRisk gates a proposed fill. The hypothetical post-fill
// balance carries the entry commission debit; the loss-rule family must
// still hold against it.
func (r *Engine) EvaluateImmediateRisk(accountID string, ins types.Instrument, quantity, execPrice float64) types.Verdict {
	acct, ok := r.state.Account(accountID)
	if !ok {
		return types.Reject(types.CodeAccountNotFound)
	}
	if !acct.Status.CanTrade() {
		return types.Reject(types.CodeAccountInactive)
	}
	if v := lotVerdict(ins, acct.Tier, quantity); !v.OK {
		return v
	}

	hypo := acct.Balance.Sub(decimal.NewFromFloat(ins.Commission * quantity))
	v := lossVerdict(&acct, &ins, hypo, time.Now())
	if !v.OK {
		r.logger.Warn("fill rejected by immediate risk",
			"account_id", accountID,
			"symbol", ins.Symbol,
			"qty", quantity,
			"exec_price", execPrice,
			"code", v.Code,
		)
	}
	return v
}

// EvaluateOpenPositions runs the per-tick rule matrix for every account:
// peak ratchet, breach rules in matrix order, consistency flag, profit
// target. Called by the matching engine after its fill and exit scans.
func (r *Engine) EvaluateOpenPositions(symbol string, price float64) {
	ins, _ := r.reg.Get(symbol)
	now := time.Now()
	for _, acct := range r.state.Accounts() {
		r.evaluateAccount(acct, &ins, symbol, price, now)
	}
}

func (r *Engine) evaluateAccount(a types.Account, ins *types.Instrument, symbol string, price float64, now time.Time) {
	if !a.Status.CanTrade() {
		return
	}

	// Trailing peak follows new balance highs while LIVE. Persist on change;
	// the floor derives from the stored peak after a restart.
	if a.DrawdownMode != types.DrawdownFrozen && a.Balance.GreaterThan(peakOf(&a)) {
		updated, ok := r.state.MutateAccount(a.ID, func(x *types.Account) {
			if x.Balance.GreaterThan(x.PeakBalance) {
				x.PeakBalance = x.Balance
			}
		})
		if ok {
			r.persistAccount(updated)
			a = updated
		}
	}

	if a.MaxLoss.IsPositive() && a.Balance.LessThanOrEqual(a.StartBalance.Sub(a.MaxLoss)) {
		r.handleBreach(a, types.CodeMaxLoss, types.ExitMaxLoss, symbol, price)
		return
	}
	if limit := dailyLimit(&a, ins); limit.IsPositive() && sessionRealized(&a, now).LessThanOrEqual(limit.Neg()) {
		r.handleBreach(a, types.CodeDailyLossLimit, types.ExitDailyLossLimit, symbol, price)
		return
	}
	if a.MaxIntradayLoss.IsPositive() && a.Session.StartOfDayEquity.Sub(a.Balance).GreaterThanOrEqual(a.MaxIntradayLoss) {
		r.handleBreach(a, types.CodeMaxIntradayLoss, types.ExitMaxIntradayLoss, symbol, price)
		return
	}
	if a.TrailingDrawdown.IsPositive() && a.Balance.LessThanOrEqual(ddFloor(&a)) {
		r.handleBreach(a, types.CodeTrailingDD, types.ExitTrailingDD, symbol, price)
		return
	}

	if a.Status != types.AccountActive {
		return
	}

	// Consistency: one day carrying more than half the target disqualifies
	// the pass until reviewed.
	if !a.ConsistencyFlag && a.ProfitTarget.IsPositive() {
		half := a.ProfitTarget.Div(decimal.NewFromInt(2))
		if a.BestDayProfit.GreaterThan(half) {
			updated, ok := r.state.MutateAccount(a.ID, func(x *types.Account) {
				x.ConsistencyFlag = true
			})
			if ok {
				r.persistAccount(updated)
				r.audit("CONSISTENCY_FLAG", a.ID, map[string]any{
					"best_day_profit": updated.BestDayProfit,
					"profit_target":   updated.ProfitTarget,
				})
				r.logger.Warn("consistency flag set",
					"account_id", a.ID,
					"best_day_profit", updated.BestDayProfit,
				)
				a = updated
			}
		}
	}

	if a.ProfitTarget.IsPositive() && !a.ConsistencyFlag && a.TotalProfit().GreaterThanOrEqual(a.ProfitTarget) {
		updated, ok := r.state.MutateAccount(a.ID, func(x *types.Account) {
			x.Status = types.AccountPassed
			x.StatusReason = "PROFIT_TARGET"
			x.DrawdownMode = types.DrawdownFrozen
		})
		if !ok {
			return
		}
		r.persistAccount(updated)
		r.audit("ACCOUNT_PASSED", a.ID, map[string]any{
			"balance":       updated.Balance,
			"profit_target": updated.ProfitTarget,
		})
		r.logger.Info("account passed, trailing drawdown frozen", "account_id", a.ID)
	}
}

// handleBreach flips the account to blown before any position is touched,
// audits the transition, then liquidates every open trade with a slippage
// exit. First breach wins; a concurrent breach on another symbol's tick
// observes the blown status and returns.
func (r *Engine) handleBreach(a types.Account, code types.Code, reason types.ExitReason, symbol string, price float64) {
	already := false
	updated, ok := r.state.MutateAccount(a.ID, func(x *types.Account) {
		if x.Status == types.AccountBlown {
			already = true
			return
		}
		x.Status = types.AccountBlown
		x.StatusReason = string(code)
		x.DrawdownMode = types.DrawdownFrozen
	})
	if !ok || already {
		return
	}

	r.persistAccount(updated)
	r.audit("ACCOUNT_BLOWN", a.ID, map[string]any{
		"rule":    code,
		"symbol":  symbol,
		"price":   price,
		"balance": updated.Balance,
	})
	metrics.AccountsBlown.WithLabelValues(string(code)).Inc()
	r.logger.Error("account blown",
		"account_id", a.ID,
		"rule", code,
		"symbol", symbol,
		"price", price,
	)

	r.liquidate(a.ID, price, reason)
}

// liquidate closes every open trade of the account at a slippage-adjusted
// exit derived from the breach tick.
func (r *Engine) liquidate(accountID string, tickPrice float64, reason types.ExitReason) {
	fn := r.closeFn
	if fn == nil {
		r.logger.Error("no close function bound, open trades remain", "account_id", accountID)
		return
	}
	for _, tr := range r.state.OpenTradesFor(accountID) {
		fn(tr, breachExitPrice(&tr, tickPrice), reason)
	}
}

// breachExitPrice models forced-liquidation slippage: a fixed fraction of
// the entry plus a quarter of the gap the breach tick opened. Buys add,
// sells subtract.
func breachExitPrice(tr *types.Trade, tick float64) float64 {
	slip := tr.EntryPrice*0.0001 + math.Abs(tick-tr.EntryPrice)*0.25
	if tr.Side == types.BUY {
		return tick + slip
	}
	return tick - slip
}

// lotVerdict validates quantity against the instrument's lot rules. Step
// alignment uses decimal arithmetic; float remainders misfire on fractional
// steps like 0.01.
func lotVerdict(ins types.Instrument, tier types.Tier, quantity float64) types.Verdict {
	if quantity <= 0 || quantity < ins.MinQty {
		return types.Reject(types.CodeInvalidLotSize)
	}
	if ins.QtyStep > 0 {
		q := decimal.NewFromFloat(quantity)
		step := decimal.NewFromFloat(ins.QtyStep)
		if !q.Mod(step).IsZero() {
			return types.Reject(types.CodeInvalidLotSize)
		}
	}
	if maxLots, ok := ins.MaxLots[tier]; ok && maxLots > 0 && quantity > maxLots {
		return types.Reject(types.CodeMaxLotSize)
	}
	return types.Allow()
}

// lossVerdict runs the loss-rule family against the given balance. Shared
// by the pre-trade and immediate gates; the per-tick path breaches through
// handleBreach instead of returning verdicts.
func lossVerdict(a *types.Account, ins *types.Instrument, balance decimal.Decimal, now time.Time) types.Verdict {
	if a.MaxLoss.IsPositive() && balance.LessThanOrEqual(a.StartBalance.Sub(a.MaxLoss)) {
		return types.Reject(types.CodeMaxLoss)
	}
	if limit := dailyLimit(a, ins); limit.IsPositive() && sessionRealized(a, now).LessThanOrEqual(limit.Neg()) {
		return types.Reject(types.CodeDailyLossLimit)
	}
	if a.MaxIntradayLoss.IsPositive() && a.Session.StartOfDayEquity.Sub(balance).GreaterThanOrEqual(a.MaxIntradayLoss) {
		return types.Reject(types.CodeMaxIntradayLoss)
	}
	if a.TrailingDrawdown.IsPositive() && balance.LessThanOrEqual(ddFloor(a)) {
		return types.Reject(types.CodeTrailingDD)
	}
	return types.Allow()
}

// dailyLimit is the account's daily loss limit, falling back to the
// instrument's when the account carries none.
func dailyLimit(a *types.Account, ins *types.Instrument) decimal.Decimal {
	if a.DailyLossLimit.IsPositive() {
		return a.DailyLossLimit
	}
	if ins != nil && ins.DailyLossLimit > 0 {
		return decimal.NewFromFloat(ins.DailyLossLimit)
	}
	return decimal.Zero
}

// sessionRealized is today's realized PnL. A session row from an earlier
// day counts as zero; the reset job will roll it shortly.
func sessionRealized(a *types.Account, now time.Time) decimal.Decimal {
	if a.Session.Day != a.DayKey(now) {
		return decimal.Zero
	}
	return a.Session.Realized
}

// peakOf is the effective trailing peak, never below the start balance.
func peakOf(a *types.Account) decimal.Decimal {
	if a.PeakBalance.LessThan(a.StartBalance) {
		return a.StartBalance
	}
	return a.PeakBalance
}

// ddFloor is the trailing-drawdown floor: the effective peak minus the
// allowance. While LIVE the peak ratchets with new highs; once FROZEN it is
// pinned, so the floor stops advancing.
func ddFloor(a *types.Account) decimal.Decimal {
	return peakOf(a).Sub(a.TrailingDrawdown)
}

func (r *Engine) persistAccount(a types.Account) {
	if r.store == nil {
		return
	}
	if err := r.store.PatchAccount(context.Background(), a); err != nil {
		r.logger.Error("persist account", "account_id", a.ID, "error", err)
	}
}

func (r *Engine) audit(event, accountID string, payload any) {
	if r.store == nil {
		return
	}
	if err := r.store.AppendAudit(context.Background(), event, accountID, payload); err != nil {
		r.logger.Error("audit append", "event", event, "account_id", accountID, "error", err)
	}
}