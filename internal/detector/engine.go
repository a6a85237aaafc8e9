package detector

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"perp-spike-alerts/internal/history"
	"perp-spike-alerts/internal/market"
)

var dec100 = decimal.NewFromInt(100)

// Thresholds holds the six signal thresholds. Percentages are absolute
// values (e.g. 10 means 10%), notionals are quote-currency amounts.
type Thresholds struct {
	OISpikePct          decimal.Decimal
	WhaleNotional       decimal.Decimal
	FundingSpikePct     decimal.Decimal
	LiquidationNotional decimal.Decimal
	VolumeSpikePct      decimal.Decimal
	VolatilityPct       decimal.Decimal
}

// Windows parameterise the history lookbacks.
type Windows struct {
	Volume     time.Duration // trailing-average window for the volume signal
	Volatility time.Duration // price comparison lookback
}

// Engine evaluates the six detectors against the snapshot history.
// Detectors are pure with respect to the store's current contents and
// return no candidate when required prior data is absent, so nothing
// fires on an asset's first observation.
type Engine struct {
	thresholds Thresholds
	windows    Windows
	store      *history.Store
}

// NewEngine wires detector thresholds to a history store.
func NewEngine(thresholds Thresholds, windows Windows, store *history.Store) *Engine {
	if windows.Volume <= 0 {
		windows.Volume = time.Hour
	}
	if windows.Volatility <= 0 {
		windows.Volatility = time.Minute
	}
	return &Engine{thresholds: thresholds, windows: windows, store: store}
}

// EvaluateSnapshot runs the four state-based detectors for an asset
// whose snapshot was just recorded.
func (e *Engine) EvaluateSnapshot(snap market.Snapshot) []market.Candidate {
	var out []market.Candidate
	if c, ok := e.oiSpike(snap); ok {
		out = append(out, c)
	}
	if c, ok := e.fundingSpike(snap); ok {
		out = append(out, c)
	}
	if c, ok := e.volumeAnomaly(snap); ok {
		out = append(out, c)
	}
	if c, ok := e.volatility(snap); ok {
		out = append(out, c)
	}
	return out
}

// oiSpike fires on |ΔOI%| strictly above the threshold against the
// prior poll. A zero prior OI yields no signal.
func (e *Engine) oiSpike(snap market.Snapshot) (market.Candidate, bool) {
	prev, ok := e.store.Previous(snap.Asset)
	if !ok || prev.OpenInterest.IsZero() {
		return market.Candidate{}, false
	}
	change := percentChange(snap.OpenInterest, prev.OpenInterest)
	if !change.Abs().GreaterThan(e.thresholds.OISpikePct) {
		return market.Candidate{}, false
	}
	return market.Candidate{
		Kind:      market.KindOISpike,
		Asset:     snap.Asset,
		Magnitude: change.Abs(),
		Direction: signDirection(change),
		Value:     snap.OpenInterest,
		Timestamp: snap.Timestamp,
	}, true
}

// fundingSpike fires on |Δfunding%| strictly above the threshold. The
// relative change is against the absolute prior rate so sign flips
// register as large moves; a zero prior rate yields no signal.
func (e *Engine) fundingSpike(snap market.Snapshot) (market.Candidate, bool) {
	prev, ok := e.store.Previous(snap.Asset)
	if !ok || prev.FundingRate.IsZero() {
		return market.Candidate{}, false
	}
	change := percentChange(snap.FundingRate, prev.FundingRate)
	if !change.Abs().GreaterThan(e.thresholds.FundingSpikePct) {
		return market.Candidate{}, false
	}
	return market.Candidate{
		Kind:      market.KindFundingSpike,
		Asset:     snap.Asset,
		Magnitude: change.Abs(),
		Direction: signDirection(change),
		Value:     snap.FundingRate,
		Timestamp: snap.Timestamp,
	}, true
}

// volumeAnomaly fires when current volume reaches the trailing-hour
// average scaled by the threshold (inclusive boundary: the configured
// percentage itself is anomalous). Skipped until the history spans the
// full averaging window.
func (e *Engine) volumeAnomaly(snap market.Snapshot) (market.Candidate, bool) {
	avg, ok := e.store.AverageVolume(snap.Asset, e.windows.Volume)
	if !ok || avg.IsZero() {
		return market.Candidate{}, false
	}
	floor := decimal.NewFromInt(1).Add(e.thresholds.VolumeSpikePct.Div(dec100))
	ratio := snap.DayVolume.Div(avg)
	if ratio.LessThan(floor) {
		return market.Candidate{}, false
	}
	return market.Candidate{
		Kind:      market.KindVolumeAnomaly,
		Asset:     snap.Asset,
		Magnitude: ratio.Sub(decimal.NewFromInt(1)).Mul(dec100),
		Direction: market.DirectionUp,
		Value:     snap.DayVolume,
		Timestamp: snap.Timestamp,
	}, true
}

// volatility compares the current mark price to the price at the
// lookback boundary. No candidate when the window does not yet reach
// that far back.
func (e *Engine) volatility(snap market.Snapshot) (market.Candidate, bool) {
	ref, ok := e.store.AtOrBefore(snap.Asset, snap.Timestamp.Add(-e.windows.Volatility))
	if !ok || ref.MarkPrice.IsZero() {
		return market.Candidate{}, false
	}
	change := percentChange(snap.MarkPrice, ref.MarkPrice)
	if !change.Abs().GreaterThan(e.thresholds.VolatilityPct) {
		return market.Candidate{}, false
	}
	return market.Candidate{
		Kind:      market.KindVolatility,
		Asset:     snap.Asset,
		Magnitude: change.Abs(),
		Direction: signDirection(change),
		Value:     snap.MarkPrice,
		Price:     snap.MarkPrice,
		Timestamp: snap.Timestamp,
	}, true
}

// EvaluatePosition fires a whale candidate when the position notional
// reaches the threshold (inclusive). The event identity is the wallet
// and side, so re-observing the same open position on later polls
// yields the same dedupe key.
func (e *Engine) EvaluatePosition(pos market.Position) (market.Candidate, bool) {
	if pos.Notional.LessThan(e.thresholds.WhaleNotional) {
		return market.Candidate{}, false
	}
	direction := market.DirectionLong
	if pos.Side == market.SideShort {
		direction = market.DirectionShort
	}
	return market.Candidate{
		Kind:      market.KindWhalePosition,
		Asset:     pos.Asset,
		Magnitude: pos.Notional,
		Direction: direction,
		Value:     pos.Notional,
		Price:     pos.EntryPx,
		Timestamp: pos.Timestamp,
		EventID:   fmt.Sprintf("%s|%s", pos.User, pos.Side),
	}, true
}

// EvaluateLiquidation fires when the liquidated notional strictly
// exceeds the threshold.
func (e *Engine) EvaluateLiquidation(liq market.Liquidation) (market.Candidate, bool) {
	if !liq.Notional.GreaterThan(e.thresholds.LiquidationNotional) {
		return market.Candidate{}, false
	}
	return market.Candidate{
		Kind:      market.KindLiquidation,
		Asset:     liq.Asset,
		Magnitude: liq.Notional,
		Direction: market.DirectionDown,
		Value:     liq.Notional,
		Price:     liq.Price,
		Timestamp: liq.Timestamp,
		EventID:   fmt.Sprintf("%d|%s", liq.Timestamp.UnixMilli(), liq.Notional.String()),
	}, true
}

// percentChange returns (now - prev) / |prev| * 100.
func percentChange(now, prev decimal.Decimal) decimal.Decimal {
	return now.Sub(prev).Div(prev.Abs()).Mul(dec100)
}

func signDirection(change decimal.Decimal) market.Direction {
	if change.Sign() < 0 {
		return market.DirectionDown
	}
	return market.DirectionUp
}
