package detector

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"perp-spike-alerts/internal/history"
	"perp-spike-alerts/internal/market"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func defaultThresholds() Thresholds {
	return Thresholds{
		OISpikePct:          decimal.NewFromInt(10),
		WhaleNotional:       decimal.NewFromInt(100000),
		FundingSpikePct:     decimal.NewFromInt(50),
		LiquidationNotional: decimal.NewFromInt(50000),
		VolumeSpikePct:      decimal.NewFromInt(200),
		VolatilityPct:       decimal.NewFromInt(3),
	}
}

func newEngine(t *testing.T) (*Engine, *history.Store) {
	t.Helper()
	store := history.NewStore(65 * time.Minute)
	engine := NewEngine(defaultThresholds(), Windows{Volume: time.Hour, Volatility: time.Minute}, store)
	return engine, store
}

func record(t *testing.T, store *history.Store, snap market.Snapshot) {
	t.Helper()
	if err := store.Record(snap); err != nil {
		t.Fatalf("record: %v", err)
	}
}

func baseSnap(ts time.Time) market.Snapshot {
	return market.Snapshot{
		Asset:        "BTC",
		OpenInterest: decimal.NewFromInt(1000000),
		MarkPrice:    decimal.NewFromInt(100),
		FundingRate:  decimal.NewFromFloat(0.0001),
		DayVolume:    decimal.NewFromInt(100),
		Timestamp:    ts,
	}
}

func kinds(candidates []market.Candidate) map[market.AlertKind]market.Candidate {
	out := map[market.AlertKind]market.Candidate{}
	for _, c := range candidates {
		out[c.Kind] = c
	}
	return out
}

func TestNoSignalOnFirstObservation(t *testing.T) {
	engine, store := newEngine(t)

	snap := baseSnap(base)
	record(t, store, snap)

	if got := engine.EvaluateSnapshot(snap); len(got) != 0 {
		t.Fatalf("first observation must be silent, got %d candidates", len(got))
	}
}

func TestOISpikeThreshold(t *testing.T) {
	cases := []struct {
		name string
		next int64
		fire bool
	}{
		{"plus 15 percent fires", 1150000, true},
		{"plus 5 percent stays quiet", 1050000, false},
		{"exactly 10 percent stays quiet", 1100000, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			engine, store := newEngine(t)
			record(t, store, baseSnap(base))

			next := baseSnap(base.Add(time.Minute))
			next.OpenInterest = decimal.NewFromInt(tc.next)
			record(t, store, next)

			got := kinds(engine.EvaluateSnapshot(next))
			c, fired := got[market.KindOISpike]
			if fired != tc.fire {
				t.Fatalf("fire=%v, want %v (candidates: %v)", fired, tc.fire, got)
			}
			if fired && !c.Magnitude.Equal(decimal.NewFromInt(15)) {
				t.Fatalf("magnitude should be 15, got %s", c.Magnitude)
			}
			if fired && c.Direction != market.DirectionUp {
				t.Fatalf("direction should be up, got %s", c.Direction)
			}
		})
	}
}

func TestOISpikeSkipsZeroPrior(t *testing.T) {
	engine, store := newEngine(t)

	prev := baseSnap(base)
	prev.OpenInterest = decimal.Zero
	record(t, store, prev)

	next := baseSnap(base.Add(time.Minute))
	next.OpenInterest = decimal.NewFromInt(500000)
	record(t, store, next)

	if _, fired := kinds(engine.EvaluateSnapshot(next))[market.KindOISpike]; fired {
		t.Fatal("zero prior OI must not produce a signal")
	}
}

func TestFundingSpikeThreshold(t *testing.T) {
	cases := []struct {
		name string
		next float64
		fire bool
	}{
		{"plus 100 percent fires", 0.0002, true},
		{"plus 40 percent stays quiet", 0.00014, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			engine, store := newEngine(t)
			record(t, store, baseSnap(base))

			next := baseSnap(base.Add(time.Minute))
			next.FundingRate = decimal.NewFromFloat(tc.next)
			record(t, store, next)

			_, fired := kinds(engine.EvaluateSnapshot(next))[market.KindFundingSpike]
			if fired != tc.fire {
				t.Fatalf("fire=%v, want %v", fired, tc.fire)
			}
		})
	}
}

func TestFundingSpikeSkipsZeroPrior(t *testing.T) {
	engine, store := newEngine(t)

	prev := baseSnap(base)
	prev.FundingRate = decimal.Zero
	record(t, store, prev)

	next := baseSnap(base.Add(time.Minute))
	next.FundingRate = decimal.NewFromFloat(0.01)
	record(t, store, next)

	if _, fired := kinds(engine.EvaluateSnapshot(next))[market.KindFundingSpike]; fired {
		t.Fatal("zero prior funding must not produce a signal")
	}
}

func TestWhalePositionBoundary(t *testing.T) {
	engine, _ := newEngine(t)

	pos := market.Position{
		Asset:     "BTC",
		User:      "0x1111111111111111111111111111111111111111",
		Notional:  decimal.NewFromInt(150000),
		EntryPx:   decimal.NewFromInt(100),
		Side:      market.SideShort,
		Timestamp: base,
	}

	c, fired := engine.EvaluatePosition(pos)
	if !fired {
		t.Fatal("150000 notional must fire at threshold 100000")
	}
	if c.Direction != market.DirectionShort {
		t.Fatalf("direction should be short, got %s", c.Direction)
	}
	if !c.PerEvent() {
		t.Fatal("whale candidates must be per-event")
	}

	pos.Notional = decimal.NewFromInt(100000)
	if _, fired := engine.EvaluatePosition(pos); !fired {
		t.Fatal("whale boundary is inclusive; exactly 100000 must fire")
	}

	pos.Notional = decimal.NewFromInt(99999)
	if _, fired := engine.EvaluatePosition(pos); fired {
		t.Fatal("99999 notional must not fire")
	}
}

func TestWhaleEventIdentityStable(t *testing.T) {
	engine, _ := newEngine(t)

	pos := market.Position{
		Asset:     "BTC",
		User:      "0x1111111111111111111111111111111111111111",
		Notional:  decimal.NewFromInt(150000),
		EntryPx:   decimal.NewFromInt(100),
		Side:      market.SideLong,
		Timestamp: base,
	}
	first, ok := engine.EvaluatePosition(pos)
	if !ok {
		t.Fatal("150000 notional must fire")
	}

	// One poll later the same position is re-observed with a slightly
	// different mark-to-market notional.
	pos.Timestamp = base.Add(time.Minute)
	pos.Notional = decimal.NewFromInt(151200)
	second, ok := engine.EvaluatePosition(pos)
	if !ok {
		t.Fatal("re-observed position must still produce a candidate")
	}
	if first.DedupeKey() != second.DedupeKey() {
		t.Fatalf("same position must keep one dedupe key across polls: %q vs %q",
			first.DedupeKey(), second.DedupeKey())
	}

	// The opposite side on the same wallet is a distinct position.
	pos.Side = market.SideShort
	third, _ := engine.EvaluatePosition(pos)
	if third.DedupeKey() == first.DedupeKey() {
		t.Fatal("long and short positions must not share a dedupe key")
	}
}

func TestLiquidationBoundary(t *testing.T) {
	engine, _ := newEngine(t)

	liq := market.Liquidation{
		Asset:     "BTC",
		Notional:  decimal.NewFromInt(60000),
		Price:     decimal.NewFromInt(100),
		Timestamp: base,
	}

	c, fired := engine.EvaluateLiquidation(liq)
	if !fired {
		t.Fatal("60000 notional must fire at threshold 50000")
	}
	if !c.PerEvent() {
		t.Fatal("liquidation candidates must be per-event")
	}

	// The liquidation boundary is exclusive: exactly the threshold is
	// not yet anomalous.
	liq.Notional = decimal.NewFromInt(50000)
	if _, fired := engine.EvaluateLiquidation(liq); fired {
		t.Fatal("exactly 50000 must not fire")
	}
}

func TestVolumeAnomalyBoundary(t *testing.T) {
	cases := []struct {
		name   string
		volume int64
		fire   bool
	}{
		{"triple average fires inclusively", 300, true},
		{"just below stays quiet", 299, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			engine, store := newEngine(t)

			record(t, store, baseSnap(base))
			mid := baseSnap(base.Add(30 * time.Minute))
			record(t, store, mid)

			next := baseSnap(base.Add(61 * time.Minute))
			next.DayVolume = decimal.NewFromInt(tc.volume)
			record(t, store, next)

			got := kinds(engine.EvaluateSnapshot(next))
			c, fired := got[market.KindVolumeAnomaly]
			if fired != tc.fire {
				t.Fatalf("fire=%v, want %v", fired, tc.fire)
			}
			if fired && !c.Magnitude.Equal(decimal.NewFromInt(200)) {
				t.Fatalf("magnitude should be 200, got %s", c.Magnitude)
			}
		})
	}
}

func TestVolumeAnomalyNeedsFullWindow(t *testing.T) {
	engine, store := newEngine(t)

	record(t, store, baseSnap(base))
	next := baseSnap(base.Add(10 * time.Minute))
	next.DayVolume = decimal.NewFromInt(100000)
	record(t, store, next)

	if _, fired := kinds(engine.EvaluateSnapshot(next))[market.KindVolumeAnomaly]; fired {
		t.Fatal("volume anomaly must stay quiet before the window has 1h of data")
	}
}

func TestVolatilityWithinLookback(t *testing.T) {
	engine, store := newEngine(t)

	record(t, store, baseSnap(base))
	next := baseSnap(base.Add(time.Minute))
	next.MarkPrice = decimal.NewFromInt(104)
	record(t, store, next)

	got := kinds(engine.EvaluateSnapshot(next))
	c, fired := got[market.KindVolatility]
	if !fired {
		t.Fatal("4 percent in 60s must fire at threshold 3")
	}
	if !c.Magnitude.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("magnitude should be 4, got %s", c.Magnitude)
	}
}

func TestVolatilitySlowMoveDoesNotFire(t *testing.T) {
	engine, store := newEngine(t)

	// Same 4 percent move spread over five minutes: each 60s step is
	// below the threshold.
	prices := []int64{100, 101, 102, 103, 104}
	var last market.Snapshot
	for i, p := range prices {
		snap := baseSnap(base.Add(time.Duration(i) * time.Minute))
		snap.MarkPrice = decimal.NewFromInt(p)
		record(t, store, snap)
		last = snap
	}

	if _, fired := kinds(engine.EvaluateSnapshot(last))[market.KindVolatility]; fired {
		t.Fatal("a slow move must not trip the 60s volatility detector")
	}
}

func TestVolatilityNeedsLookbackSample(t *testing.T) {
	engine, store := newEngine(t)

	only := baseSnap(base)
	only.MarkPrice = decimal.NewFromInt(104)
	record(t, store, only)

	if _, fired := kinds(engine.EvaluateSnapshot(only))[market.KindVolatility]; fired {
		t.Fatal("no sample at the lookback boundary means no signal")
	}
}
