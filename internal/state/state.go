// Package state is the shared in-memory trade state: accounts, open trades
// and pending limit orders.
//
// All access goes through one mutex facade. Getters return copies and slices
// of copies, so no caller ever holds a reference into the maps. Trades live
// in a single arena keyed by trade id with account and symbol indexes on the
// side. Account mutations run as closures under the write lock, which keeps
// read-modify-write sequences (balance, peak, session) atomic without
// exposing the lock.
package state

import (
	"sync"

	"propcore/internal/bus"
	"propcore/internal/metrics"
	"propcore/pkg/types"
)

// State holds everything the engines share.
type State struct {
	mu sync.RWMutex

	accounts map[string]*types.Account

	trades    map[string]*types.Trade        // the arena: trade id -> trade
	byAccount map[string]map[string]struct{} // account id -> trade ids
	bySymbol  map[string]map[string]struct{} // symbol -> trade ids

	pending map[string][]*types.Order // symbol -> queued limit orders

	bus *bus.Bus // account_update fan-out; may be nil in tests
}

// New builds an empty state. b may be nil; account updates are then silent.
func New(b *bus.Bus) *State {
	return &State{
		accounts:  make(map[string]*types.Account),
		trades:    make(map[string]*types.Trade),
		byAccount: make(map[string]map[string]struct{}),
		bySymbol:  make(map[string]map[string]struct{}),
		pending:   make(map[string][]*types.Order),
		bus:       b,
	}
}

// LoadAccounts seeds the account map at boot. Replaces any existing entries.
func (s *State) LoadAccounts(accounts []types.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range accounts {
		a := accounts[i]
		s.accounts[a.ID] = &a
	}
}

// Account returns a copy of the account.
func (s *State) Account(id string) (types.Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return types.Account{}, false
	}
	return *a, true
}

// Accounts returns copies of every account.
func (s *State) Accounts() []types.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, *a)
	}
	return out
}

// MutateAccount runs fn on the live account under the write lock and
// publishes the result as an account_update. The returned copy reflects the
// mutation. ok is false when the account does not exist.
func (s *State) MutateAccount(id string, fn func(*types.Account)) (types.Account, bool) {
	s.mu.Lock()
	a, ok := s.accounts[id]
	if !ok {
		s.mu.Unlock()
		return types.Account{}, false
	}
	fn(a)
	snapshot := *a
	s.mu.Unlock()

	s.publishAccount(snapshot)
	return snapshot, true
}

// UpdateAccount replaces the stored account wholesale.
func (s *State) UpdateAccount(a types.Account) {
	s.mu.Lock()
	s.accounts[a.ID] = &a
	s.mu.Unlock()

	s.publishAccount(a)
}

func (s *State) publishAccount(a types.Account) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.ChanAccountEvents, types.AccountEvent{
		Type:      "account_update",
		AccountID: a.ID,
		Balance:   a.Balance,
		Equity:    a.Balance,
		Status:    a.Status,
		Reason:    a.StatusReason,
		Ts:        types.NowMs(),
	})
}

// AddOpenTrade places the trade into the arena and its indexes.
func (s *State) AddOpenTrade(t types.Trade) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := t
	s.trades[c.ID] = &c
	index(s.byAccount, c.AccountID, c.ID)
	index(s.bySymbol, c.Symbol, c.ID)
	metrics.OpenTrades.Set(float64(len(s.trades)))
}

// RemoveOpenTrade drops the trade from the arena. The removed copy is
// returned so the caller can close it without re-reading.
func (s *State) RemoveOpenTrade(id string) (types.Trade, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trades[id]
	if !ok {
		return types.Trade{}, false
	}
	delete(s.trades, id)
	unindex(s.byAccount, t.AccountID, id)
	unindex(s.bySymbol, t.Symbol, id)
	metrics.OpenTrades.Set(float64(len(s.trades)))
	return *t, true
}

// Trade returns a copy of one open trade.
func (s *State) Trade(id string) (types.Trade, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trades[id]
	if !ok {
		return types.Trade{}, false
	}
	return *t, true
}

// OpenTrades returns copies of every open trade.
func (s *State) OpenTrades() []types.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Trade, 0, len(s.trades))
	for _, t := range s.trades {
		out = append(out, *t)
	}
	return out
}

// OpenTradesFor returns copies of the account's open trades.
func (s *State) OpenTradesFor(accountID string) []types.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.byAccount[accountID])
}

// OpenTradesOn returns copies of the open trades on a symbol.
func (s *State) OpenTradesOn(symbol string) []types.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.bySymbol[symbol])
}

// OpenTradeCount reports the arena size; shutdown refuses to exit while
// this is non-zero and fills are in flight.
func (s *State) OpenTradeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.trades)
}

func (s *State) collect(ids map[string]struct{}) []types.Trade {
	out := make([]types.Trade, 0, len(ids))
	for id := range ids {
		if t, ok := s.trades[id]; ok {
			out = append(out, *t)
		}
	}
	return out
}

// AddPendingOrder queues a limit order on its symbol.
func (s *State) AddPendingOrder(o types.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := o
	s.pending[c.Symbol] = append(s.pending[c.Symbol], &c)
}

// RemovePendingOrder cancels one queued order.
func (s *State) RemovePendingOrder(symbol, id string) (types.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue := s.pending[symbol]
	for i, o := range queue {
		if o.ID == id {
			s.pending[symbol] = append(queue[:i], queue[i+1:]...)
			return *o, true
		}
	}
	return types.Order{}, false
}

// PendingOrders returns copies of the symbol's queue.
func (s *State) PendingOrders(symbol string) []types.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Order, 0, len(s.pending[symbol]))
	for _, o := range s.pending[symbol] {
		out = append(out, *o)
	}
	return out
}

// AllPendingOrders returns copies of every queued order, for state sync.
func (s *State) AllPendingOrders() []types.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Order
	for _, queue := range s.pending {
		for _, o := range queue {
			out = append(out, *o)
		}
	}
	return out
}

// ClaimPending atomically removes and returns the symbol's queued orders
// that satisfy eligible. Claimed orders can no longer double-fill: the claim
// and the removal happen under one lock acquisition.
func (s *State) ClaimPending(symbol string, eligible func(types.Order) bool) []types.Order {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue := s.pending[symbol]
	var claimed []types.Order
	remaining := queue[:0]
	for _, o := range queue {
		if eligible(*o) {
			claimed = append(claimed, *o)
		} else {
			remaining = append(remaining, o)
		}
	}
	s.pending[symbol] = remaining
	return claimed
}

func index(m map[string]map[string]struct{}, key, id string) {
	set, ok := m[key]
	if !ok {
		set = make(map[string]struct{})
		m[key] = set
	}
	set[id] = struct{}{}
}

func unindex(m map[string]map[string]struct{}, key, id string) {
	if set, ok := m[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(m, key)
		}
	}
}
