// Package instrument maintains the tradable contract table: canonical
// symbols, alias resolution, per-contract economics and trading hours.
//
// The table is rebuilt by merging store rows over built-in defaults and is
// swapped atomically, so readers on the hot tick path never take a lock.
// A failed reload keeps the previous table.
package instrument

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"propcore/pkg/types"
)

// Loader supplies instrument rows from persistent storage. A nil Loader
// leaves the registry on built-in defaults.
type Loader interface {
	ActiveInstruments(ctx context.Context) ([]types.Instrument, error)
}

// table is one immutable generation of the registry.
type table struct {
	bySymbol   map[string]types.Instrument
	aliases    map[string]string // normalized alias -> canonical symbol
	byPriceKey map[string]string // upstream pair -> canonical symbol
}

// Registry resolves raw symbol strings to contracts and answers
// trading-hours questions.
type Registry struct {
	current      atomic.Pointer[table]
	loader       Loader
	refreshEvery time.Duration
	logger       *slog.Logger
}

// New builds a registry seeded with the built-in defaults. Call Run to keep
// it refreshed from the loader.
func New(loader Loader, refreshEvery time.Duration, logger *slog.Logger) *Registry {
	r := &Registry{
		loader:       loader,
		refreshEvery: refreshEvery,
		logger:       logger.With("component", "registry"),
	}
	r.current.Store(buildTable(Defaults()))
	return r
}

// Run reloads immediately and then on every refresh interval. Blocks until
// ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	r.reload(ctx)

	ticker := time.NewTicker(r.refreshEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reload(ctx)
		}
	}
}

// Reload forces a synchronous refresh. Used at boot so the first table
// already includes store rows.
func (r *Registry) Reload(ctx context.Context) {
	r.reload(ctx)
}

func (r *Registry) reload(ctx context.Context) {
	if r.loader == nil {
		return
	}
	rows, err := r.loader.ActiveInstruments(ctx)
	if err != nil {
		// Keep serving the previous table.
		r.logger.Warn("instrument reload failed, keeping previous table", "error", err)
		return
	}

	merged := mergeOverDefaults(rows)
	r.current.Store(buildTable(merged))
	r.logger.Info("instrument table reloaded", "instruments", len(merged), "from_store", len(rows))
}

// mergeOverDefaults overlays store rows onto the built-in set by symbol.
// Store rows win; defaults fill anything the store does not know about.
func mergeOverDefaults(rows []types.Instrument) []types.Instrument {
	merged := make(map[string]types.Instrument, len(rows)+8)
	for _, ins := range Defaults() {
		merged[ins.Symbol] = ins
	}
	for _, ins := range rows {
		if !ins.Active {
			continue
		}
		merged[ins.Symbol] = ins
	}

	out := make([]types.Instrument, 0, len(merged))
	for _, ins := range merged {
		out = append(out, ins)
	}
	return out
}

func buildTable(instruments []types.Instrument) *table {
	t := &table{
		bySymbol:   make(map[string]types.Instrument, len(instruments)),
		aliases:    make(map[string]string),
		byPriceKey: make(map[string]string, len(instruments)),
	}
	for _, ins := range instruments {
		if !ins.Active {
			continue
		}
		t.bySymbol[ins.Symbol] = ins
		if ins.PriceKey != "" {
			t.byPriceKey[strings.ToLower(ins.PriceKey)] = ins.Symbol
		}
		for _, alias := range ins.Aliases {
			t.aliases[canonicalize(alias)] = ins.Symbol
		}
	}
	return t
}

// canonicalize strips separators and maps the quote-asset spelling the feed
// uses (USDT) to the canonical USD suffix.
func canonicalize(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.Map(func(r rune) rune {
		switch r {
		case ':', '_', '-', '/', ' ':
			return -1
		}
		return r
	}, s)
	if strings.HasSuffix(s, "USDT") {
		s = strings.TrimSuffix(s, "USDT") + "USD"
	}
	return s
}

// Normalize resolves a raw client-supplied symbol to its canonical form.
// Unknown symbols return ok=false; callers reject with SYMBOL_NOT_SUPPORTED.
func (r *Registry) Normalize(raw string) (string, bool) {
	t := r.current.Load()
	s := canonicalize(raw)
	if _, ok := t.bySymbol[s]; ok {
		return s, true
	}
	if sym, ok := t.aliases[s]; ok {
		return sym, true
	}
	return "", false
}

// Get returns the contract for a canonical symbol.
func (r *Registry) Get(symbol string) (types.Instrument, bool) {
	t := r.current.Load()
	ins, ok := t.bySymbol[symbol]
	return ins, ok
}

// SymbolForPriceKey maps an upstream feed pair back to the canonical symbol.
func (r *Registry) SymbolForPriceKey(key string) (string, bool) {
	t := r.current.Load()
	sym, ok := t.byPriceKey[strings.ToLower(key)]
	return sym, ok
}

// PriceKeys lists the distinct upstream pairs the feed must subscribe to.
func (r *Registry) PriceKeys() []string {
	t := r.current.Load()
	keys := make([]string, 0, len(t.byPriceKey))
	for k := range t.byPriceKey {
		keys = append(keys, k)
	}
	return keys
}

// All returns a copy of the active contract set.
func (r *Registry) All() []types.Instrument {
	t := r.current.Load()
	out := make([]types.Instrument, 0, len(t.bySymbol))
	for _, ins := range t.bySymbol {
		out = append(out, ins)
	}
	return out
}

// IsOpen reports whether the instrument trades at the given instant.
// Hours are [StartHour, EndHour) in the instrument's zone; StartHour >
// EndHour wraps past midnight, StartHour == EndHour means always open.
func (r *Registry) IsOpen(symbol string, at time.Time) bool {
	ins, ok := r.Get(symbol)
	if !ok {
		return false
	}
	return withinHours(ins.Hours, at)
}

func withinHours(h types.TradingHours, at time.Time) bool {
	if h.StartHour == h.EndHour {
		return true
	}
	loc, err := time.LoadLocation(h.Zone)
	if err != nil {
		loc = time.UTC
	}
	hour := at.In(loc).Hour()
	if h.StartHour < h.EndHour {
		return hour >= h.StartHour && hour < h.EndHour
	}
	// Wraps past midnight, e.g. 18 -> 2.
	return hour >= h.StartHour || hour < h.EndHour
}
