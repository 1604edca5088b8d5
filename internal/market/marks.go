// Package market holds the live market-data mirrors: the last-price mark
// store and the latest depth snapshots.
//
// Both mirrors are updated by the feed hub and read from the hot paths of
// the matching engine, the risk engine and the API gateway. They are
// concurrency-safe (RWMutex protected) and never block; staleness decisions
// belong to the callers.
package market

import (
	"sync"
	"time"
)

// Mark is the last known price of one symbol. Prev is the price before the
// most recent change; Ts is the upstream trade time in unix milliseconds.
type Mark struct {
	Price float64
	Prev  float64
	Ts    int64
}

// Age returns how old the mark is relative to now.
func (m Mark) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(m.Ts))
}

// Marks mirrors the latest price per canonical symbol.
type Marks struct {
	mu sync.RWMutex
	m  map[string]Mark
}

// NewMarks creates an empty mark store.
func NewMarks() *Marks {
	return &Marks{m: make(map[string]Mark)}
}

// Set records a price update and reports whether it changed the mark.
// An update carrying the same price as the current mark only advances the
// timestamp; changed=false lets the hub suppress no-op publications.
func (ms *Marks) Set(symbol string, price float64, ts int64) (prev float64, changed bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	cur, ok := ms.m[symbol]
	if ok && cur.Price == price {
		cur.Ts = ts
		ms.m[symbol] = cur
		return cur.Prev, false
	}

	prev = price
	if ok {
		prev = cur.Price
	}
	ms.m[symbol] = Mark{Price: price, Prev: prev, Ts: ts}
	return prev, true
}

// Last returns the current mark for a symbol.
func (ms *Marks) Last(symbol string) (Mark, bool) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	mk, ok := ms.m[symbol]
	return mk, ok
}

// Price is Last reduced to the price, for callers that tolerate zero.
func (ms *Marks) Price(symbol string) float64 {
	mk, _ := ms.Last(symbol)
	return mk.Price
}

// Fresh returns the mark only when it is younger than maxAge.
func (ms *Marks) Fresh(symbol string, maxAge time.Duration, now time.Time) (Mark, bool) {
	mk, ok := ms.Last(symbol)
	if !ok {
		return Mark{}, false
	}
	if mk.Age(now) > maxAge {
		return Mark{}, false
	}
	return mk, true
}

// Snapshot copies the whole mirror, for welcome frames and /prices.
func (ms *Marks) Snapshot() map[string]Mark {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	out := make(map[string]Mark, len(ms.m))
	for sym, mk := range ms.m {
		out[sym] = mk
	}
	return out
}
