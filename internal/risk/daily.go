package risk

import (
	"context"
	"time"

	"propcore/pkg/types"
)

// RunDailyReset rolls account sessions at local-midnight boundaries. It
// sweeps once at start (to catch sessions that went stale while the process
// was down) and then every minute. Each account rolls in its own zone.
func (r *Engine) RunDailyReset(ctx context.Context) {
	r.resetDueAccounts(time.Now())

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.resetDueAccounts(now)
		}
	}
}

func (r *Engine) resetDueAccounts(now time.Time) {
	for _, a := range r.state.Accounts() {
		day := a.DayKey(now)
		if a.Session.Day == day {
			continue
		}
		r.resetAccount(a, day)
	}
}

// resetAccount force-closes overnight positions when the account opts in,
// then starts a fresh session at the settled balance.
func (r *Engine) resetAccount(a types.Account, day string) {
	if a.CloseOnDailyReset {
		fn := r.closeFn
		for _, tr := range r.state.OpenTradesFor(a.ID) {
			px := r.marks.Price(tr.Symbol)
			if px <= 0 {
				px = tr.EntryPrice
			}
			if fn != nil {
				fn(tr, px, types.ExitDailyReset)
			}
		}
	}

	updated, ok := r.state.MutateAccount(a.ID, func(x *types.Account) {
		x.Session = types.SessionPnL{Day: day, StartOfDayEquity: x.Balance}
	})
	if !ok {
		return
	}
	r.persistAccount(updated)
	r.audit("DAILY_RESET", a.ID, map[string]any{
		"day":                 day,
		"start_of_day_equity": updated.Session.StartOfDayEquity,
	})
	r.logger.Info("session rolled", "account_id", a.ID, "day", day)
}