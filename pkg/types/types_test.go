package types

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestSideSign(t *testing.T) {
	t.Parallel()

	tests := []struct {
		side Side
		want float64
	}{
		{BUY, 1},
		{SELL, -1},
	}

	for _, tt := range tests {
		if got := tt.side.Sign(); got != tt.want {
			t.Errorf("Side(%q).Sign() = %v, want %v", tt.side, got, tt.want)
		}
	}
}

func TestAccountStatusCanTrade(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status AccountStatus
		want   bool
	}{
		{AccountActive, true},
		{AccountPassed, true}, // funded-track keeps trading with frozen drawdown
		{AccountBlown, false},
		{AccountSuspended, false},
		{AccountPaused, false},
	}

	for _, tt := range tests {
		if got := tt.status.CanTrade(); got != tt.want {
			t.Errorf("AccountStatus(%q).CanTrade() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestUnrealizedPnL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		side      Side
		entry     float64
		price     float64
		qty       float64
		tickValue float64
		want      float64
	}{
		{"long gain", BUY, 30000, 30100, 0.5, 1, 50},
		{"long loss", BUY, 30000, 29900, 0.5, 1, -50},
		{"short gain", SELL, 30000, 29900, 0.5, 1, 50},
		{"short loss", SELL, 30000, 30100, 0.5, 1, -50},
		{"tick value scales", BUY, 100, 101, 2, 10, 20},
	}

	for _, tt := range tests {
		tr := Trade{Side: tt.side, EntryPrice: tt.entry, Quantity: tt.qty}
		if got := tr.UnrealizedPnL(tt.price, tt.tickValue); got != tt.want {
			t.Errorf("%s: UnrealizedPnL = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestAccountEquityAndTotalProfit(t *testing.T) {
	t.Parallel()

	a := Account{
		StartBalance: decimal.NewFromInt(50000),
		Balance:      decimal.NewFromInt(50135),
	}

	if got := a.TotalProfit(); !got.Equal(decimal.NewFromInt(135)) {
		t.Errorf("TotalProfit = %s, want 135", got)
	}
	if got := a.Equity(-35); !got.Equal(decimal.NewFromInt(50100)) {
		t.Errorf("Equity(-35) = %s, want 50100", got)
	}
}

func TestVerdict(t *testing.T) {
	t.Parallel()

	if v := Allow(); !v.OK || v.Code != "" {
		t.Errorf("Allow() = %+v, want OK with empty code", v)
	}
	if v := Reject(CodeMaxLoss); v.OK || v.Code != CodeMaxLoss {
		t.Errorf("Reject(MAX_LOSS) = %+v", v)
	}
}
