package market

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Snapshot is a single observation of one perp market. Snapshots are
// immutable once recorded.
type Snapshot struct {
	Asset        string
	OpenInterest decimal.Decimal
	MarkPrice    decimal.Decimal
	FundingRate  decimal.Decimal
	DayVolume    decimal.Decimal
	Timestamp    time.Time
}

// Side of a position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Position is an open position observed on a tracked wallet.
type Position struct {
	Asset     string
	User      string
	Notional  decimal.Decimal
	EntryPx   decimal.Decimal
	Side      Side
	Timestamp time.Time
}

// Liquidation is a forced position closure reported by the exchange.
type Liquidation struct {
	Asset     string
	Notional  decimal.Decimal
	Price     decimal.Decimal
	Timestamp time.Time
}

// AlertKind enumerates the six monitored signals.
type AlertKind string

const (
	KindOISpike       AlertKind = "oi_spike"
	KindWhalePosition AlertKind = "whale_position"
	KindFundingSpike  AlertKind = "funding_spike"
	KindLiquidation   AlertKind = "large_liquidation"
	KindVolumeAnomaly AlertKind = "volume_anomaly"
	KindVolatility    AlertKind = "volatility"
)

// Direction of the move behind a candidate.
type Direction string

const (
	DirectionUp    Direction = "up"
	DirectionDown  Direction = "down"
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// Candidate is a detector hit that has not passed the dedup filter yet.
// Magnitude is an absolute percentage for the relative signals and a
// quote notional for whale/liquidation candidates.
type Candidate struct {
	Kind      AlertKind
	Asset     string
	Magnitude decimal.Decimal
	Direction Direction
	Value     decimal.Decimal
	Price     decimal.Decimal
	Timestamp time.Time
	// EventID identifies a discrete event (whale position, liquidation)
	// so repeated observations of the same event share a dedupe key.
	EventID string
}

// PerEvent reports whether the candidate fires once per event rather
// than once per asset state.
func (c Candidate) PerEvent() bool {
	return c.EventID != ""
}

// DedupeKey groups repeated detections of the same condition.
func (c Candidate) DedupeKey() string {
	if c.PerEvent() {
		return fmt.Sprintf("%s|%s|%s", c.Kind, c.Asset, c.EventID)
	}
	return fmt.Sprintf("%s|%s", c.Kind, c.Asset)
}
