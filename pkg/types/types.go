// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the execution core: order and
// trade shapes, instrument contracts, account state, rejection codes and bus
// event payloads. It has no dependencies on internal packages, so it can be
// imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "buy"
	SELL Side = "sell"
)

// Valid reports whether the side is one of the two known values.
func (s Side) Valid() bool {
	return s == BUY || s == SELL
}

// Sign returns +1 for buys and -1 for sells, for directional PnL math.
func (s Side) Sign() float64 {
	if s == SELL {
		return -1
	}
	return 1
}

// OrderType enumerates the supported order kinds.
type OrderType string

const (
	OrderMarket OrderType = "market" // executes immediately at the live price
	OrderLimit  OrderType = "limit"  // queues until the price crosses the limit
)

// Valid reports whether the order type is one of the two known values.
func (t OrderType) Valid() bool {
	return t == OrderMarket || t == OrderLimit
}

// OrderStatus tracks the lifecycle of an order row.
type OrderStatus string

const (
	StatusPending  OrderStatus = "pending"
	StatusFilled   OrderStatus = "filled"
	StatusRejected OrderStatus = "rejected"
	StatusCanceled OrderStatus = "canceled"
)

// Tier distinguishes evaluation accounts from funded ones. Lot caps and some
// risk limits differ per tier.
type Tier string

const (
	TierEvaluation Tier = "evaluation"
	TierFunded     Tier = "funded"
)

// AccountStatus is the account lifecycle state. blown and passed freeze
// drawdown math; blown, suspended and paused block new orders.
type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountPassed    AccountStatus = "passed"
	AccountBlown     AccountStatus = "blown"
	AccountSuspended AccountStatus = "suspended"
	AccountPaused    AccountStatus = "paused"
)

// CanTrade reports whether new orders are accepted for this status.
func (s AccountStatus) CanTrade() bool {
	switch s {
	case AccountBlown, AccountSuspended, AccountPaused:
		return false
	}
	return true
}

// DrawdownMode controls whether the trailing peak still ratchets upward.
type DrawdownMode string

const (
	DrawdownLive   DrawdownMode = "LIVE"   // peak follows new balance highs
	DrawdownFrozen DrawdownMode = "FROZEN" // peak is pinned (account passed or blown)
)

// Code tags a rejection reason. Codes travel in result structs and API
// responses; they are never raised as panics and never matched by message.
type Code string

const (
	// Request validation.
	CodeMissingField       Code = "MISSING_FIELD"
	CodeInvalidSide        Code = "INVALID_SIDE"
	CodeInvalidOrderType   Code = "INVALID_ORDER_TYPE"
	CodeLimitPriceRequired Code = "LIMIT_PRICE_REQUIRED"

	// Pre-trade and post-fill risk rules.
	CodeSymbolNotSupported   Code = "SYMBOL_NOT_SUPPORTED"
	CodeContractMetaNotFound Code = "CONTRACT_META_NOT_FOUND"
	CodeMarketClosed         Code = "MARKET_CLOSED"
	CodeAccountNotFound      Code = "ACCOUNT_NOT_FOUND"
	CodeAccountInactive      Code = "ACCOUNT_INACTIVE"
	CodeInvalidLotSize       Code = "INVALID_LOT_SIZE"
	CodeMaxLotSize           Code = "MAX_LOT_SIZE"
	CodeMaxLoss              Code = "MAX_LOSS"
	CodeDailyLossLimit       Code = "DAILY_LOSS_LIMIT"
	CodeMaxIntradayLoss      Code = "MAX_INTRADAY_LOSS"
	CodeTrailingDD           Code = "TRAILING_DRAWDOWN"

	// Execution-path failures.
	CodeNoLivePrice     Code = "NO_LIVE_PRICE"
	CodeDuplicateOrder  Code = "DUPLICATE_ORDER"
	CodeRiskEngineError Code = "RISK_ENGINE_ERROR"
)

// Verdict is how risk decisions travel between packages. OK means the order
// may proceed; otherwise Code carries the first failing rule.
type Verdict struct {
	OK   bool
	Code Code
}

// Allow is the passing verdict.
func Allow() Verdict { return Verdict{OK: true} }

// Reject builds a failing verdict tagged with the given code.
func Reject(code Code) Verdict { return Verdict{Code: code} }

// ExitReason records why a trade was closed.
type ExitReason string

const (
	ExitManual          ExitReason = "MANUAL"
	ExitStopLoss        ExitReason = "STOP_LOSS"
	ExitTakeProfit      ExitReason = "TAKE_PROFIT"
	ExitMaxLoss         ExitReason = "MAX_LOSS"
	ExitDailyLossLimit  ExitReason = "DAILY_LOSS_LIMIT"
	ExitMaxIntradayLoss ExitReason = "MAX_INTRADAY_LOSS"
	ExitTrailingDD      ExitReason = "TRAILING_DRAWDOWN"
	ExitDailyReset      ExitReason = "DAILY_RESET"
)

// TradingHours is a daily session window in the instrument's zone.
// StartHour is inclusive, EndHour exclusive. StartHour > EndHour means the
// window wraps past midnight (e.g. 18 -> 2).
type TradingHours struct {
	StartHour int    `json:"start_hour"`
	EndHour   int    `json:"end_hour"`
	Zone      string `json:"zone"`
}

// Instrument is the tradable contract definition. Rows loaded from the store
// merge over built-in defaults by symbol.
type Instrument struct {
	Symbol         string           `json:"symbol"`    // canonical, e.g. "BTCUSD"
	Name           string           `json:"name"`      // display name
	PriceKey       string           `json:"price_key"` // upstream feed pair, lowercase, e.g. "btcusdt"
	TickValue      float64          `json:"tick_value"`
	Spread         float64          `json:"spread"`     // half-spread applied on fills, price units
	Commission     float64          `json:"commission"` // per lot, debited at entry
	MinQty         float64          `json:"min_qty"`
	QtyStep        float64          `json:"qty_step"`
	MaxLots        map[Tier]float64 `json:"max_lots"`
	MaxSlippage    float64          `json:"max_slippage"` // 0 means the engine default
	ConvertToINR   bool             `json:"convert_to_inr"`
	DailyLossLimit float64          `json:"daily_loss_limit"` // fallback when the account has none
	Hours          TradingHours     `json:"hours"`
	Active         bool             `json:"active"`
	Aliases        []string         `json:"aliases,omitempty"`
}

// SessionPnL is the per-day slice of an account's performance. Day is
// YYYY-MM-DD in the account's zone; realized resets at rollover.
type SessionPnL struct {
	Day              string          `json:"day"`
	Realized         decimal.Decimal `json:"realized"`
	StartOfDayEquity decimal.Decimal `json:"start_of_day_equity"`
}

// Account is a simulated prop-firm account. Money fields are decimals so
// realized PnL accumulates exactly; per-tick mark math stays float64.
type Account struct {
	ID                string          `json:"id"`
	Tier              Tier            `json:"tier"`
	Status            AccountStatus   `json:"status"`
	StatusReason      string          `json:"status_reason,omitempty"`
	StartBalance      decimal.Decimal `json:"start_balance"`
	Balance           decimal.Decimal `json:"balance"`
	MaxLoss           decimal.Decimal `json:"max_loss"`
	DailyLossLimit    decimal.Decimal `json:"daily_loss_limit"`
	MaxIntradayLoss   decimal.Decimal `json:"max_intraday_loss"`
	TrailingDrawdown  decimal.Decimal `json:"trailing_drawdown"`
	DrawdownMode      DrawdownMode    `json:"drawdown_mode"`
	PeakBalance       decimal.Decimal `json:"peak_balance"`
	ProfitTarget      decimal.Decimal `json:"profit_target"`
	BestDayProfit     decimal.Decimal `json:"best_day_profit"`
	ConsistencyFlag   bool            `json:"consistency_flag"`
	CloseOnDailyReset bool            `json:"close_on_daily_reset"`
	Zone              string          `json:"zone,omitempty"` // day-rollover zone, defaults to the process zone
	Session           SessionPnL      `json:"session"`
}

// Equity is current balance plus the given unrealized PnL.
func (a *Account) Equity(upnl float64) decimal.Decimal {
	return a.Balance.Add(decimal.NewFromFloat(upnl))
}

// TotalProfit is lifetime profit over the starting balance.
func (a *Account) TotalProfit() decimal.Decimal {
	return a.Balance.Sub(a.StartBalance)
}

// DayKey is now's calendar date (YYYY-MM-DD) in the account's zone, falling
// back to the process zone when the zone is unset or unknown. Session PnL
// and the daily reset both key on this.
func (a *Account) DayKey(now time.Time) string {
	if a.Zone != "" {
		if loc, err := time.LoadLocation(a.Zone); err == nil {
			return now.In(loc).Format("2006-01-02")
		}
	}
	return now.Format("2006-01-02")
}

// Order is an order request after validation. For limit orders Price is the
// limit; for market orders it is filled in with the base execution price.
type Order struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	Symbol    string    `json:"symbol"`
	Side      Side      `json:"side"`
	Type      OrderType `json:"type"`
	Price     float64   `json:"price,omitempty"`
	Quantity  float64   `json:"quantity"`
	SL        float64   `json:"sl,omitempty"`
	TP        float64   `json:"tp,omitempty"`
	Status    OrderStatus `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Trade is an open position. PnL starts at the negated entry commission and
// is folded into the realized figure at close.
type Trade struct {
	ID         string    `json:"id"`
	OrderID    string    `json:"order_id"`
	AccountID  string    `json:"account_id"`
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	EntryPrice float64   `json:"entry_price"`
	Quantity   float64   `json:"quantity"`
	SL         float64   `json:"sl,omitempty"`
	TP         float64   `json:"tp,omitempty"`
	PnL        float64   `json:"pnl"`
	OpenedAt   time.Time `json:"opened_at"`
}

// UnrealizedPnL is the mark-to-market PnL of the open trade at price.
func (t *Trade) UnrealizedPnL(price, tickValue float64) float64 {
	return (price - t.EntryPrice) * t.Quantity * tickValue * t.Side.Sign()
}

// ClosedTrade is the terminal record of a trade.
type ClosedTrade struct {
	Trade
	ClosePrice float64    `json:"close_price"`
	NetPnL     float64    `json:"net_pnl"`
	ExitReason ExitReason `json:"exit_reason"`
	ClosedAt   time.Time  `json:"closed_at"`
}

// Tick is one normalized price update. Ts is unix milliseconds.
type Tick struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	Ts     int64   `json:"ts"`
}

// DepthLevel is a single bid or ask level.
type DepthLevel struct {
	Price float64 `json:"price"`
	Qty   float64 `json:"qty"`
}

// DepthSnapshot is a ten-level order book view for one symbol.
type DepthSnapshot struct {
	Symbol string       `json:"symbol"`
	Bids   []DepthLevel `json:"bids"`
	Asks   []DepthLevel `json:"asks"`
	Ts     int64        `json:"ts"`
}

// TradeEvent is published on the trade_events channel when a trade opens
// or closes.
type TradeEvent struct {
	Type       string     `json:"type"` // "trade_fill" or "trade_close"
	TradeID    string     `json:"trade_id"`
	OrderID    string     `json:"order_id,omitempty"`
	AccountID  string     `json:"account_id"`
	Symbol     string     `json:"symbol"`
	Side       Side       `json:"side"`
	Price      float64    `json:"price"`
	Quantity   float64    `json:"quantity"`
	NetPnL     float64    `json:"net_pnl,omitempty"`
	ExitReason ExitReason `json:"exit_reason,omitempty"`
	Ts         int64      `json:"ts"`
}

// OrderEvent is published on the order_events channel for order lifecycle
// transitions: queued, filled, rejected.
type OrderEvent struct {
	Type      string    `json:"type"` // "order_pending", "order_filled" or "order_reject"
	OrderID   string    `json:"order_id,omitempty"`
	AccountID string    `json:"account_id"`
	Symbol    string    `json:"symbol"`
	Side      Side      `json:"side"`
	OrderType OrderType `json:"order_type"`
	Quantity  float64   `json:"quantity"`
	Price     float64   `json:"price,omitempty"`
	Code      Code      `json:"code,omitempty"`
	Ts        int64     `json:"ts"`
}

// AccountEvent is published on the account_events channel for balance,
// equity and status changes.
type AccountEvent struct {
	Type      string          `json:"type"` // "account_update" or "account_upnl"
	AccountID string          `json:"account_id"`
	Balance   decimal.Decimal `json:"balance"`
	Equity    decimal.Decimal `json:"equity"`
	UPnL      float64         `json:"upnl"`
	Status    AccountStatus   `json:"status"`
	Reason    string          `json:"reason,omitempty"`
	Ts        int64           `json:"ts"`
}

// Candle is one OHLCV bucket. Volume counts ticks, not traded size; the feed
// carries no size information for last-trade prices.
type Candle struct {
	Symbol   string  `json:"symbol"`
	Interval string  `json:"interval"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   int64   `json:"volume"`
	StartTs  int64   `json:"start_ts"`
}

// NowMs is the timestamp convention used across events.
func NowMs() int64 {
	return time.Now().UnixMilli()
}
