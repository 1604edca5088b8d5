package instrument

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"propcore/pkg/types"
)

type fakeLoader struct {
	rows []types.Instrument
	err  error
}

func (f *fakeLoader) ActiveInstruments(ctx context.Context) ([]types.Instrument, error) {
	return f.rows, f.err
}

func newTestRegistry(loader Loader) *Registry {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(loader, time.Minute, logger)
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(nil)

	tests := []struct {
		raw  string
		want string
		ok   bool
	}{
		{"BTCUSD", "BTCUSD", true},
		{"btcusd", "BTCUSD", true},
		{"BTCUSDT", "BTCUSD", true},
		{"btc_usdt", "BTCUSD", true},
		{"BTC:USD", "BTCUSD", true},
		{"btc-usd", "BTCUSD", true},
		{"btc", "BTCUSD", true},
		{"XBT", "BTCUSD", true},
		{"BTCINR", "BTCUSD", true},
		{"eth", "ETHUSD", true},
		{"paxgusdt", "XAUUSD", true},
		{"gold", "XAUUSD", true},
		{"usdtinr", "USDINR", true},
		{"DOGEUSD", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		got, ok := r.Normalize(tt.raw)
		if ok != tt.ok || got != tt.want {
			t.Errorf("Normalize(%q) = (%q, %v), want (%q, %v)", tt.raw, got, ok, tt.want, tt.ok)
		}
	}
}

func TestIsOpenWrapAroundWindow(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(nil)

	// XAUUSD trades 05:00-04:00 IST (break 04:00-05:00). Instants below are
	// UTC; IST is UTC+5:30.
	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"inside break 04:30 IST", time.Date(2026, 3, 9, 23, 0, 0, 0, time.UTC), false},
		{"before break 03:30 IST", time.Date(2026, 3, 9, 22, 0, 0, 0, time.UTC), true},
		{"after break 05:30 IST", time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), true},
		{"evening 21:30 IST", time.Date(2026, 3, 10, 16, 0, 0, 0, time.UTC), true},
	}

	for _, tt := range tests {
		if got := r.IsOpen("XAUUSD", tt.at); got != tt.want {
			t.Errorf("%s: IsOpen = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestIsOpenDayWindow(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(nil)

	// USDINR trades 09:00-17:00 IST.
	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"09:00 IST open boundary", time.Date(2026, 3, 10, 3, 30, 0, 0, time.UTC), true},
		{"08:30 IST before open", time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC), false},
		{"16:30 IST last half hour", time.Date(2026, 3, 10, 11, 0, 0, 0, time.UTC), true},
		{"17:00 IST close boundary", time.Date(2026, 3, 10, 11, 30, 0, 0, time.UTC), false},
	}

	for _, tt := range tests {
		if got := r.IsOpen("USDINR", tt.at); got != tt.want {
			t.Errorf("%s: IsOpen = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestIsOpenAlwaysOpenAndUnknown(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(nil)

	for hour := 0; hour < 24; hour += 6 {
		at := time.Date(2026, 3, 10, hour, 0, 0, 0, time.UTC)
		if !r.IsOpen("BTCUSD", at) {
			t.Errorf("BTCUSD should be open at %v", at)
		}
	}
	if r.IsOpen("NOPE", time.Now()) {
		t.Error("unknown symbol should never be open")
	}
}

func TestReloadMergesOverDefaults(t *testing.T) {
	t.Parallel()

	loader := &fakeLoader{rows: []types.Instrument{
		{
			Symbol: "BTCUSD", PriceKey: "btcusdt", TickValue: 1,
			Spread: 6, Commission: 75, MinQty: 0.01, QtyStep: 0.01,
			MaxLots: map[types.Tier]float64{types.TierEvaluation: 3},
			Active:  true,
		},
		{
			Symbol: "DOGEUSD", PriceKey: "dogeusdt", TickValue: 1,
			Spread: 0.0001, Commission: 0.5, MinQty: 100, QtyStep: 100,
			Active: true, Aliases: []string{"DOGE"},
		},
		{Symbol: "LUNAUSD", PriceKey: "lunausdt", Active: false},
	}}
	r := newTestRegistry(loader)
	r.Reload(context.Background())

	btc, ok := r.Get("BTCUSD")
	if !ok || btc.Commission != 75 {
		t.Errorf("store row should override default, got commission %v", btc.Commission)
	}
	if _, ok := r.Get("DOGEUSD"); !ok {
		t.Error("store-only instrument missing after reload")
	}
	if sym, ok := r.Normalize("doge"); !ok || sym != "DOGEUSD" {
		t.Errorf("store-row alias not registered, got (%q, %v)", sym, ok)
	}
	if _, ok := r.Get("LUNAUSD"); ok {
		t.Error("inactive store row must not be served")
	}
	if eth, ok := r.Get("ETHUSD"); !ok || eth.Commission != 20 {
		t.Error("default instrument lost after merge")
	}
}

func TestReloadSoftFailKeepsTable(t *testing.T) {
	t.Parallel()

	loader := &fakeLoader{err: errors.New("store down")}
	r := newTestRegistry(loader)
	r.Reload(context.Background())

	if _, ok := r.Get("BTCUSD"); !ok {
		t.Error("failed reload must keep the previous table")
	}
}

func TestPriceKeyLookup(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(nil)

	if sym, ok := r.SymbolForPriceKey("BTCUSDT"); !ok || sym != "BTCUSD" {
		t.Errorf("SymbolForPriceKey(BTCUSDT) = (%q, %v)", sym, ok)
	}
	keys := r.PriceKeys()
	found := false
	for _, k := range keys {
		if k == "btcusdt" {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("PriceKeys() = %v, want btcusdt present", keys)
	}
}
