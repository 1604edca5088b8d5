// Package candles aggregates the normalized tick stream into fixed-interval
// OHLCV series for the chart endpoint. Volume counts ticks, not traded size:
// the upstream last-price frames carry no reliable quantity.
//
// Each symbol keeps one ring of buckets per interval. Buckets materialize on
// the first tick that lands in them; quiet intervals leave gaps rather than
// synthetic flat candles.
package candles

import (
	"context"
	"log/slog"
	"sync"

	"propcore/internal/bus"
	"propcore/pkg/types"
)

var intervalMs = map[string]int64{
	"1m":  60_000,
	"5m":  300_000,
	"15m": 900_000,
	"1h":  3_600_000,
}

// Intervals lists the supported interval names, shortest first.
var Intervals = []string{"1m", "5m", "15m", "1h"}

// Supported reports whether the interval name is one the aggregator builds.
func Supported(interval string) bool {
	_, ok := intervalMs[interval]
	return ok
}

type seriesKey struct{ symbol, interval string }

// series is a fixed-capacity ring of buckets, oldest first.
type series struct {
	buf   []types.Candle
	start int
	n     int
}

func (s *series) last() *types.Candle {
	if s.n == 0 {
		return nil
	}
	return &s.buf[(s.start+s.n-1)%len(s.buf)]
}

func (s *series) push(c types.Candle) {
	if s.n < len(s.buf) {
		s.buf[(s.start+s.n)%len(s.buf)] = c
		s.n++
		return
	}
	s.buf[s.start] = c
	s.start = (s.start + 1) % len(s.buf)
}

func (s *series) tail(limit int) []types.Candle {
	if limit <= 0 || limit > s.n {
		limit = s.n
	}
	out := make([]types.Candle, 0, limit)
	for i := s.n - limit; i < s.n; i++ {
		out = append(out, s.buf[(s.start+i)%len(s.buf)])
	}
	return out
}

// Aggregator folds ticks into per-symbol, per-interval rings.
type Aggregator struct {
	bus    *bus.Bus
	logger *slog.Logger
	limit  int

	mu     sync.RWMutex
	series map[seriesKey]*series
}

// New builds an aggregator whose rings hold historyLimit buckets each.
func New(b *bus.Bus, historyLimit int, logger *slog.Logger) *Aggregator {
	if historyLimit <= 0 {
		historyLimit = 1000
	}
	return &Aggregator{
		bus:    b,
		logger: logger.With("component", "candles"),
		limit:  historyLimit,
		series: make(map[seriesKey]*series),
	}
}

// Run consumes the tick channel until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) {
	ticks := a.bus.Subscribe("candles", 1024, bus.ChanPriceTicks)
	a.logger.Info("candle aggregator started", "intervals", Intervals, "ring", a.limit)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ticks:
			if t, ok := ev.Payload.(types.Tick); ok {
				a.Apply(t)
			}
		}
	}
}

// Apply folds one tick into every interval series for its symbol.
func (a *Aggregator) Apply(t types.Tick) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for interval, ms := range intervalMs {
		a.applyLocked(t, interval, ms)
	}
}

func (a *Aggregator) applyLocked(t types.Tick, interval string, ms int64) {
	key := seriesKey{symbol: t.Symbol, interval: interval}
	s, ok := a.series[key]
	if !ok {
		s = &series{buf: make([]types.Candle, a.limit)}
		a.series[key] = s
	}

	bucketStart := t.Ts - t.Ts%ms
	cur := s.last()
	if cur != nil && cur.StartTs == bucketStart {
		if t.Price > cur.High {
			cur.High = t.Price
		}
		if t.Price < cur.Low {
			cur.Low = t.Price
		}
		cur.Close = t.Price
		cur.Volume++
		return
	}
	if cur != nil && bucketStart < cur.StartTs {
		// Late tick for a bucket that already rolled. Dropping it beats
		// rewriting closed history.
		return
	}

	s.push(types.Candle{
		Symbol:   t.Symbol,
		Interval: interval,
		Open:     t.Price,
		High:     t.Price,
		Low:      t.Price,
		Close:    t.Price,
		Volume:   1,
		StartTs:  bucketStart,
	})
}

// Snapshot returns up to limit buckets for the symbol and interval in
// ascending start-time order. Nil means the pair has no history yet.
func (a *Aggregator) Snapshot(symbol, interval string, limit int) []types.Candle {
	a.mu.RLock()
	defer a.mu.RUnlock()

	s, ok := a.series[seriesKey{symbol: symbol, interval: interval}]
	if !ok {
		return nil
	}
	return s.tail(limit)
}
