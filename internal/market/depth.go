package market

import (
	"sync"

	"propcore/pkg/types"
)

// DepthBook mirrors the latest ten-level depth snapshot per symbol. The feed
// hub replaces snapshots wholesale; there is no incremental book building.
type DepthBook struct {
	mu sync.RWMutex
	m  map[string]types.DepthSnapshot
}

// NewDepthBook creates an empty depth mirror.
func NewDepthBook() *DepthBook {
	return &DepthBook{m: make(map[string]types.DepthSnapshot)}
}

// Set replaces the snapshot for its symbol.
func (d *DepthBook) Set(snap types.DepthSnapshot) {
	d.mu.Lock()
	d.m[snap.Symbol] = snap
	d.mu.Unlock()
}

// Get returns the latest snapshot for a symbol.
func (d *DepthBook) Get(symbol string) (types.DepthSnapshot, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	snap, ok := d.m[symbol]
	return snap, ok
}

// Snapshot copies the whole mirror, for welcome frames.
func (d *DepthBook) Snapshot() map[string]types.DepthSnapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]types.DepthSnapshot, len(d.m))
	for sym, snap := range d.m {
		out[sym] = snap
	}
	return out
}
