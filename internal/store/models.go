package store

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"propcore/pkg/types"
)

const (
	tradeOpen   = "open"
	tradeClosed = "closed"
)

// accountRow flattens types.Account into one table. Money columns are
// decimals so realized PnL survives round trips exactly.
type accountRow struct {
	ID                string          `gorm:"primaryKey"`
	Tier              string          `gorm:"index"`
	Status            string          `gorm:"index"`
	StatusReason      string
	StartBalance      decimal.Decimal `gorm:"type:decimal(20,6)"`
	Balance           decimal.Decimal `gorm:"type:decimal(20,6)"`
	MaxLoss           decimal.Decimal `gorm:"type:decimal(20,6)"`
	DailyLossLimit    decimal.Decimal `gorm:"type:decimal(20,6)"`
	MaxIntradayLoss   decimal.Decimal `gorm:"type:decimal(20,6)"`
	TrailingDrawdown  decimal.Decimal `gorm:"type:decimal(20,6)"`
	DrawdownMode      string
	PeakBalance       decimal.Decimal `gorm:"type:decimal(20,6)"`
	ProfitTarget      decimal.Decimal `gorm:"type:decimal(20,6)"`
	BestDayProfit     decimal.Decimal `gorm:"type:decimal(20,6)"`
	ConsistencyFlag   bool
	CloseOnDailyReset bool
	Zone              string
	SessionDay        string
	SessionRealized   decimal.Decimal `gorm:"type:decimal(20,6)"`
	StartOfDayEquity  decimal.Decimal `gorm:"type:decimal(20,6)"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (accountRow) TableName() string { return "accounts" }

func newAccountRow(a types.Account) accountRow {
	return accountRow{
		ID:                a.ID,
		Tier:              string(a.Tier),
		Status:            string(a.Status),
		StatusReason:      a.StatusReason,
		StartBalance:      a.StartBalance,
		Balance:           a.Balance,
		MaxLoss:           a.MaxLoss,
		DailyLossLimit:    a.DailyLossLimit,
		MaxIntradayLoss:   a.MaxIntradayLoss,
		TrailingDrawdown:  a.TrailingDrawdown,
		DrawdownMode:      string(a.DrawdownMode),
		PeakBalance:       a.PeakBalance,
		ProfitTarget:      a.ProfitTarget,
		BestDayProfit:     a.BestDayProfit,
		ConsistencyFlag:   a.ConsistencyFlag,
		CloseOnDailyReset: a.CloseOnDailyReset,
		Zone:              a.Zone,
		SessionDay:        a.Session.Day,
		SessionRealized:   a.Session.Realized,
		StartOfDayEquity:  a.Session.StartOfDayEquity,
	}
}

func (r accountRow) toAccount() types.Account {
	return types.Account{
		ID:                r.ID,
		Tier:              types.Tier(r.Tier),
		Status:            types.AccountStatus(r.Status),
		StatusReason:      r.StatusReason,
		StartBalance:      r.StartBalance,
		Balance:           r.Balance,
		MaxLoss:           r.MaxLoss,
		DailyLossLimit:    r.DailyLossLimit,
		MaxIntradayLoss:   r.MaxIntradayLoss,
		TrailingDrawdown:  r.TrailingDrawdown,
		DrawdownMode:      types.DrawdownMode(r.DrawdownMode),
		PeakBalance:       r.PeakBalance,
		ProfitTarget:      r.ProfitTarget,
		BestDayProfit:     r.BestDayProfit,
		ConsistencyFlag:   r.ConsistencyFlag,
		CloseOnDailyReset: r.CloseOnDailyReset,
		Zone:              r.Zone,
		Session: types.SessionPnL{
			Day:              r.SessionDay,
			Realized:         r.SessionRealized,
			StartOfDayEquity: r.StartOfDayEquity,
		},
	}
}

// instrumentRow flattens the contract definition. MaxLots is two columns
// rather than a serialized map; the tier set is closed.
type instrumentRow struct {
	Symbol            string `gorm:"primaryKey"`
	Name              string
	PriceKey          string
	TickValue         float64
	Spread            float64
	Commission        float64
	MinQty            float64
	QtyStep           float64
	MaxLotsEvaluation float64
	MaxLotsFunded     float64
	MaxSlippage       float64
	ConvertToINR      bool
	DailyLossLimit    float64
	HoursStart        int
	HoursEnd          int
	HoursZone         string
	Active            bool `gorm:"index"`
	Aliases           string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (instrumentRow) TableName() string { return "instruments" }

func newInstrumentRow(ins types.Instrument) instrumentRow {
	return instrumentRow{
		Symbol:            ins.Symbol,
		Name:              ins.Name,
		PriceKey:          ins.PriceKey,
		TickValue:         ins.TickValue,
		Spread:            ins.Spread,
		Commission:        ins.Commission,
		MinQty:            ins.MinQty,
		QtyStep:           ins.QtyStep,
		MaxLotsEvaluation: ins.MaxLots[types.TierEvaluation],
		MaxLotsFunded:     ins.MaxLots[types.TierFunded],
		MaxSlippage:       ins.MaxSlippage,
		ConvertToINR:      ins.ConvertToINR,
		DailyLossLimit:    ins.DailyLossLimit,
		HoursStart:        ins.Hours.StartHour,
		HoursEnd:          ins.Hours.EndHour,
		HoursZone:         ins.Hours.Zone,
		Active:            ins.Active,
		Aliases:           strings.Join(ins.Aliases, ","),
	}
}

func (r instrumentRow) toInstrument() types.Instrument {
	var aliases []string
	if r.Aliases != "" {
		aliases = strings.Split(r.Aliases, ",")
	}
	return types.Instrument{
		Symbol:     r.Symbol,
		Name:       r.Name,
		PriceKey:   r.PriceKey,
		TickValue:  r.TickValue,
		Spread:     r.Spread,
		Commission: r.Commission,
		MinQty:     r.MinQty,
		QtyStep:    r.QtyStep,
		MaxLots: map[types.Tier]float64{
			types.TierEvaluation: r.MaxLotsEvaluation,
			types.TierFunded:     r.MaxLotsFunded,
		},
		MaxSlippage:    r.MaxSlippage,
		ConvertToINR:   r.ConvertToINR,
		DailyLossLimit: r.DailyLossLimit,
		Hours: types.TradingHours{
			StartHour: r.HoursStart,
			EndHour:   r.HoursEnd,
			Zone:      r.HoursZone,
		},
		Active:  r.Active,
		Aliases: aliases,
	}
}

type orderRow struct {
	ID        string `gorm:"primaryKey"`
	AccountID string `gorm:"index"`
	Symbol    string `gorm:"index"`
	Side      string
	Type      string
	Price     float64
	Quantity  float64
	SL        float64
	TP        float64
	Status    string `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (orderRow) TableName() string { return "orders" }

func newOrderRow(o types.Order) orderRow {
	return orderRow{
		ID:        o.ID,
		AccountID: o.AccountID,
		Symbol:    o.Symbol,
		Side:      string(o.Side),
		Type:      string(o.Type),
		Price:     o.Price,
		Quantity:  o.Quantity,
		SL:        o.SL,
		TP:        o.TP,
		Status:    string(o.Status),
		CreatedAt: o.CreatedAt,
	}
}

func (r orderRow) toOrder() types.Order {
	return types.Order{
		ID:        r.ID,
		AccountID: r.AccountID,
		Symbol:    r.Symbol,
		Side:      types.Side(r.Side),
		Type:      types.OrderType(r.Type),
		Price:     r.Price,
		Quantity:  r.Quantity,
		SL:        r.SL,
		TP:        r.TP,
		Status:    types.OrderStatus(r.Status),
		CreatedAt: r.CreatedAt,
	}
}

// tradeRow keeps open and closed trades in one table; Status discriminates
// and the close columns stay zero until the trade exits.
type tradeRow struct {
	ID         string `gorm:"primaryKey"`
	OrderID    string `gorm:"index"`
	AccountID  string `gorm:"index"`
	Symbol     string `gorm:"index"`
	Side       string
	EntryPrice float64
	Quantity   float64
	SL         float64
	TP         float64
	PnL        float64
	Status     string `gorm:"index"`
	ClosePrice float64
	NetPnL     float64
	ExitReason string
	OpenedAt   time.Time
	ClosedAt   time.Time
	UpdatedAt  time.Time
}

func (tradeRow) TableName() string { return "trades" }

func newTradeRow(t types.Trade) tradeRow {
	return tradeRow{
		ID:         t.ID,
		OrderID:    t.OrderID,
		AccountID:  t.AccountID,
		Symbol:     t.Symbol,
		Side:       string(t.Side),
		EntryPrice: t.EntryPrice,
		Quantity:   t.Quantity,
		SL:         t.SL,
		TP:         t.TP,
		PnL:        t.PnL,
		Status:     tradeOpen,
		OpenedAt:   t.OpenedAt,
	}
}

func (r tradeRow) toTrade() types.Trade {
	return types.Trade{
		ID:         r.ID,
		OrderID:    r.OrderID,
		AccountID:  r.AccountID,
		Symbol:     r.Symbol,
		Side:       types.Side(r.Side),
		EntryPrice: r.EntryPrice,
		Quantity:   r.Quantity,
		SL:         r.SL,
		TP:         r.TP,
		PnL:        r.PnL,
		OpenedAt:   r.OpenedAt,
	}
}

func (r tradeRow) toClosedTrade() types.ClosedTrade {
	return types.ClosedTrade{
		Trade:      r.toTrade(),
		ClosePrice: r.ClosePrice,
		NetPnL:     r.NetPnL,
		ExitReason: types.ExitReason(r.ExitReason),
		ClosedAt:   r.ClosedAt,
	}
}

// auditRow is one append-only audit trail entry.
type auditRow struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Event     string `gorm:"index"`
	AccountID string `gorm:"index"`
	Payload   string
	CreatedAt time.Time
}

func (auditRow) TableName() string { return "trade_audit_logs" }

func newAuditRow(event, accountID string, payload any) (auditRow, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return auditRow{}, err
	}
	return auditRow{Event: event, AccountID: accountID, Payload: string(raw)}, nil
}

// AuditEntry is the read-side view of one audit row.
type AuditEntry struct {
	ID        uint            `json:"id"`
	Event     string          `json:"event"`
	AccountID string          `json:"account_id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

func (r auditRow) toEntry() AuditEntry {
	return AuditEntry{
		ID:        r.ID,
		Event:     r.Event,
		AccountID: r.AccountID,
		Payload:   json.RawMessage(r.Payload),
		CreatedAt: r.CreatedAt,
	}
}
