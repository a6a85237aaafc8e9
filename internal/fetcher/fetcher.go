package fetcher

import (
	"context"

	"perp-spike-alerts/internal/market"
)

// Result bundles everything one poll observes.
type Result struct {
	Snapshots    []market.Snapshot
	Positions    []market.Position
	Liquidations []market.Liquidation
}

// Source retrieves the exchange state consumed by a poll tick.
type Source interface {
	Fetch(ctx context.Context) (Result, error)
}

// LiquidationFeed supplies liquidation events collected out-of-band,
// e.g. from a websocket stream, since the previous drain.
type LiquidationFeed interface {
	Drain() []market.Liquidation
}
