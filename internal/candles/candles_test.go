package candles

import (
	"log/slog"
	"os"
	"testing"

	"propcore/pkg/types"
)

func newTestAggregator(limit int) *Aggregator {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(nil, limit, logger)
}

func TestApplyBucketsByInterval(t *testing.T) {
	t.Parallel()

	a := newTestAggregator(1000)
	for _, tick := range []types.Tick{
		{Symbol: "BTCUSD", Price: 100, Ts: 0},
		{Symbol: "BTCUSD", Price: 102, Ts: 30_000},
		{Symbol: "BTCUSD", Price: 98, Ts: 59_999},
		{Symbol: "BTCUSD", Price: 101, Ts: 60_000},
	} {
		a.Apply(tick)
	}

	oneMin := a.Snapshot("BTCUSD", "1m", 0)
	if len(oneMin) != 2 {
		t.Fatalf("1m buckets = %d, want 2", len(oneMin))
	}
	first := oneMin[0]
	if first.Open != 100 || first.High != 102 || first.Low != 98 || first.Close != 98 {
		t.Errorf("first 1m bucket OHLC = %v/%v/%v/%v, want 100/102/98/98",
			first.Open, first.High, first.Low, first.Close)
	}
	if first.Volume != 3 {
		t.Errorf("first 1m bucket volume = %d, want 3 ticks", first.Volume)
	}
	second := oneMin[1]
	if second.StartTs != 60_000 || second.Open != 101 || second.Volume != 1 {
		t.Errorf("second 1m bucket = %+v, want a fresh bucket at 60000", second)
	}

	fiveMin := a.Snapshot("BTCUSD", "5m", 0)
	if len(fiveMin) != 1 {
		t.Fatalf("5m buckets = %d, want 1 (all ticks inside the first window)", len(fiveMin))
	}
	if fiveMin[0].Close != 101 || fiveMin[0].Volume != 4 {
		t.Errorf("5m bucket close/volume = %v/%d, want 101/4", fiveMin[0].Close, fiveMin[0].Volume)
	}
}

func TestSnapshotAscendingAndLimited(t *testing.T) {
	t.Parallel()

	a := newTestAggregator(1000)
	for i := int64(0); i < 5; i++ {
		a.Apply(types.Tick{Symbol: "ETHUSD", Price: 100 + float64(i), Ts: i * 60_000})
	}

	got := a.Snapshot("ETHUSD", "1m", 3)
	if len(got) != 3 {
		t.Fatalf("snapshot length = %d, want 3", len(got))
	}
	wantStarts := []int64{120_000, 180_000, 240_000}
	for i, c := range got {
		if c.StartTs != wantStarts[i] {
			t.Errorf("bucket %d start = %d, want %d", i, c.StartTs, wantStarts[i])
		}
	}
}

func TestRingEvictsOldest(t *testing.T) {
	t.Parallel()

	a := newTestAggregator(3)
	for i := int64(0); i < 5; i++ {
		a.Apply(types.Tick{Symbol: "SOLUSD", Price: 50, Ts: i * 60_000})
	}

	got := a.Snapshot("SOLUSD", "1m", 0)
	if len(got) != 3 {
		t.Fatalf("ring kept %d buckets, want 3", len(got))
	}
	if got[0].StartTs != 120_000 {
		t.Errorf("oldest surviving bucket starts at %d, want 120000", got[0].StartTs)
	}
}

func TestLateTickIsDropped(t *testing.T) {
	t.Parallel()

	a := newTestAggregator(1000)
	a.Apply(types.Tick{Symbol: "BTCUSD", Price: 100, Ts: 60_000})
	a.Apply(types.Tick{Symbol: "BTCUSD", Price: 999, Ts: 0}) // belongs to a rolled bucket

	got := a.Snapshot("BTCUSD", "1m", 0)
	if len(got) != 1 {
		t.Fatalf("buckets = %d, want 1", len(got))
	}
	if got[0].High != 100 || got[0].Volume != 1 {
		t.Errorf("late tick mutated the open bucket: %+v", got[0])
	}
}

func TestSnapshotUnknownSeries(t *testing.T) {
	t.Parallel()

	a := newTestAggregator(1000)
	if got := a.Snapshot("BTCUSD", "1m", 10); got != nil {
		t.Errorf("snapshot of an empty series = %v, want nil", got)
	}
}

func TestSupportedIntervals(t *testing.T) {
	t.Parallel()

	for _, iv := range Intervals {
		if !Supported(iv) {
			t.Errorf("Supported(%q) = false", iv)
		}
	}
	if Supported("2m") {
		t.Error("Supported(2m) = true, want false")
	}
}
