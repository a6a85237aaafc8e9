package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"perp-spike-alerts/internal/alerting"
	"perp-spike-alerts/internal/config"
	"perp-spike-alerts/internal/dedup"
	"perp-spike-alerts/internal/detector"
	"perp-spike-alerts/internal/fetcher"
	"perp-spike-alerts/internal/history"
	"perp-spike-alerts/internal/market"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type stubSource struct {
	result fetcher.Result
	err    error
}

func (s *stubSource) Fetch(ctx context.Context) (fetcher.Result, error) {
	if s.err != nil {
		return fetcher.Result{}, s.err
	}
	return s.result, nil
}

type stubNotifier struct {
	notes []alerting.Notification
	err   error
}

func (s *stubNotifier) Notify(ctx context.Context, note alerting.Notification) error {
	s.notes = append(s.notes, note)
	return s.err
}

func testConfig() *config.Config {
	return &config.Config{
		History: config.HistoryConfig{
			VolumeWindow:       time.Hour,
			VolatilityLookback: time.Minute,
			RetentionGrace:     5 * time.Minute,
		},
		Alerting: config.AlertingConfig{
			Enabled:  true,
			Cooldown: 10 * time.Minute,
			EventTTL: 24 * time.Hour,
		},
	}
}

func newTestService(t *testing.T, source fetcher.Source, notifier alerting.Notifier) (*Service, *history.Store) {
	t.Helper()
	cfg := testConfig()
	store := history.NewStore(cfg.History.Horizon())
	engine := detector.NewEngine(detector.Thresholds{
		OISpikePct:          decimal.NewFromInt(10),
		WhaleNotional:       decimal.NewFromInt(100000),
		FundingSpikePct:     decimal.NewFromInt(50),
		LiquidationNotional: decimal.NewFromInt(50000),
		VolumeSpikePct:      decimal.NewFromInt(200),
		VolatilityPct:       decimal.NewFromInt(3),
	}, detector.Windows{Volume: cfg.History.VolumeWindow, Volatility: cfg.History.VolatilityLookback}, store)

	svc := New(cfg, Deps{
		Source:   source,
		History:  store,
		Engine:   engine,
		Filter:   dedup.NewFilter(dedup.Options{Cooldown: cfg.Alerting.Cooldown}),
		Notifier: notifier,
	}, zerolog.Nop())
	return svc, store
}

func oiSnapshot(ts time.Time, oi int64) market.Snapshot {
	return market.Snapshot{
		Asset:        "BTC",
		OpenInterest: decimal.NewFromInt(oi),
		MarkPrice:    decimal.NewFromInt(100),
		FundingRate:  decimal.NewFromFloat(0.0001),
		DayVolume:    decimal.NewFromInt(100),
		Timestamp:    ts,
	}
}

func TestTickFetchErrorLeavesHistoryUntouched(t *testing.T) {
	source := &stubSource{err: errors.New("exchange unreachable")}
	svc, store := newTestService(t, source, &stubNotifier{})

	err := svc.Tick(context.Background(), base)
	if err == nil {
		t.Fatal("fetch failure must surface as a cycle error")
	}
	var cycleErr *CycleError
	if !errors.As(err, &cycleErr) || cycleErr.Class != ClassFetch {
		t.Fatalf("expected fetch-class error, got %v", err)
	}
	if store.Len("BTC") != 0 {
		t.Fatal("a failed fetch must not mutate the history window")
	}
}

func TestTickFireThenSuppress(t *testing.T) {
	source := &stubSource{}
	notifier := &stubNotifier{}
	svc, _ := newTestService(t, source, notifier)

	// Baseline tick: no prior state, nothing fires.
	source.result = fetcher.Result{Snapshots: []market.Snapshot{oiSnapshot(base, 1000000)}}
	if err := svc.Tick(context.Background(), base); err != nil {
		t.Fatalf("baseline tick failed: %v", err)
	}
	if len(notifier.notes) != 0 {
		t.Fatalf("baseline tick must be silent, sent %d", len(notifier.notes))
	}

	// +20% OI fires once.
	source.result = fetcher.Result{Snapshots: []market.Snapshot{oiSnapshot(base.Add(time.Minute), 1200000)}}
	if err := svc.Tick(context.Background(), base.Add(time.Minute)); err != nil {
		t.Fatalf("spike tick failed: %v", err)
	}
	if len(notifier.notes) != 1 {
		t.Fatalf("spike tick should dispatch exactly 1 alert, sent %d", len(notifier.notes))
	}
	if notifier.notes[0].Kind != market.KindOISpike {
		t.Fatalf("expected oi_spike alert, got %s", notifier.notes[0].Kind)
	}

	// Another +20% one minute later is inside the cooldown.
	source.result = fetcher.Result{Snapshots: []market.Snapshot{oiSnapshot(base.Add(2*time.Minute), 1440000)}}
	if err := svc.Tick(context.Background(), base.Add(2*time.Minute)); err != nil {
		t.Fatalf("repeat tick failed: %v", err)
	}
	if len(notifier.notes) != 1 {
		t.Fatalf("repeat spike within cooldown must be suppressed, sent %d", len(notifier.notes))
	}
}

func TestTickDispatchFailureKeepsFiredState(t *testing.T) {
	source := &stubSource{}
	notifier := &stubNotifier{err: errors.New("telegram down")}
	svc, _ := newTestService(t, source, notifier)

	source.result = fetcher.Result{Snapshots: []market.Snapshot{oiSnapshot(base, 1000000)}}
	if err := svc.Tick(context.Background(), base); err != nil {
		t.Fatalf("baseline tick failed: %v", err)
	}

	source.result = fetcher.Result{Snapshots: []market.Snapshot{oiSnapshot(base.Add(time.Minute), 1200000)}}
	err := svc.Tick(context.Background(), base.Add(time.Minute))
	var cycleErr *CycleError
	if !errors.As(err, &cycleErr) || cycleErr.Class != ClassDispatch {
		t.Fatalf("expected dispatch-class error, got %v", err)
	}
	if len(notifier.notes) != 1 {
		t.Fatalf("failed dispatch was still attempted once, got %d", len(notifier.notes))
	}

	// The key is FIRED despite the delivery failure: the same spike does
	// not get re-sent on the next tick.
	source.result = fetcher.Result{Snapshots: []market.Snapshot{oiSnapshot(base.Add(2*time.Minute), 1440000)}}
	_ = svc.Tick(context.Background(), base.Add(2*time.Minute))
	if len(notifier.notes) != 1 {
		t.Fatalf("dedup state must survive a dispatch failure, got %d sends", len(notifier.notes))
	}
}

func TestTickWhaleReobservedDoesNotRefire(t *testing.T) {
	source := &stubSource{}
	notifier := &stubNotifier{}
	svc, _ := newTestService(t, source, notifier)

	whale := func(ts time.Time, notional int64) market.Position {
		return market.Position{
			Asset:     "BTC",
			User:      "0x1111111111111111111111111111111111111111",
			Notional:  decimal.NewFromInt(notional),
			EntryPx:   decimal.NewFromInt(100),
			Side:      market.SideLong,
			Timestamp: ts,
		}
	}

	source.result = fetcher.Result{Positions: []market.Position{whale(base, 150000)}}
	if err := svc.Tick(context.Background(), base); err != nil {
		t.Fatalf("first tick failed: %v", err)
	}
	if len(notifier.notes) != 1 {
		t.Fatalf("new whale position should dispatch once, sent %d", len(notifier.notes))
	}

	// The next poll sees the same open position with the notional
	// drifted by the mark price.
	source.result = fetcher.Result{Positions: []market.Position{whale(base.Add(time.Minute), 151200)}}
	if err := svc.Tick(context.Background(), base.Add(time.Minute)); err != nil {
		t.Fatalf("second tick failed: %v", err)
	}
	if len(notifier.notes) != 1 {
		t.Fatalf("an unchanged position must not alert on every poll, sent %d", len(notifier.notes))
	}
}

func TestTickPerEventLiquidationFiresOnce(t *testing.T) {
	source := &stubSource{}
	notifier := &stubNotifier{}
	svc, _ := newTestService(t, source, notifier)

	liq := market.Liquidation{
		Asset:     "BTC",
		Notional:  decimal.NewFromInt(60000),
		Price:     decimal.NewFromInt(100),
		Timestamp: base,
	}
	source.result = fetcher.Result{Liquidations: []market.Liquidation{liq}}

	if err := svc.Tick(context.Background(), base); err != nil {
		t.Fatalf("tick failed: %v", err)
	}
	if len(notifier.notes) != 1 {
		t.Fatalf("liquidation should dispatch once, sent %d", len(notifier.notes))
	}

	// The poll window overlaps; the same event shows up again.
	if err := svc.Tick(context.Background(), base.Add(time.Minute)); err != nil {
		t.Fatalf("second tick failed: %v", err)
	}
	if len(notifier.notes) != 1 {
		t.Fatalf("a re-observed liquidation must not re-fire, sent %d", len(notifier.notes))
	}
}
