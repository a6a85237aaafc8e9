package alerting

import (
	"fmt"
	"strings"
	"time"

	"perp-spike-alerts/internal/market"
)

// arrow maps a candidate direction onto a message glyph.
func arrow(d market.Direction) string {
	switch d {
	case market.DirectionDown, market.DirectionShort:
		return "↓"
	default:
		return "↑"
	}
}

// Render produces the outward alert text for a candidate. Wording
// follows the historical monitor format so downstream consumers keep
// parsing.
func Render(c market.Candidate) string {
	switch c.Kind {
	case market.KindOISpike:
		return fmt.Sprintf("%s OI SPIKE: %s OI changed %s%% (now: %s)",
			arrow(c.Direction), c.Asset, c.Magnitude.StringFixed(1), c.Value.StringFixed(0))
	case market.KindWhalePosition:
		return fmt.Sprintf("🐋 WHALE: %s %s $%s (entry: %s)",
			arrow(c.Direction), c.Asset, c.Magnitude.StringFixed(0), c.Price.StringFixed(2))
	case market.KindFundingSpike:
		return fmt.Sprintf("📊 FUNDING SPIKE: %s funding %s %s%% (now: %s)",
			c.Asset, arrow(c.Direction), c.Magnitude.StringFixed(1), c.Value.StringFixed(6))
	case market.KindLiquidation:
		return fmt.Sprintf("💥 LIQUIDATION: %s $%s @ $%s",
			c.Asset, c.Magnitude.StringFixed(0), c.Price.StringFixed(2))
	case market.KindVolumeAnomaly:
		return fmt.Sprintf("📊 VOLUME: %s volume %s%% above 1h average (now: %s)",
			c.Asset, c.Magnitude.StringFixed(1), c.Value.StringFixed(0))
	case market.KindVolatility:
		return fmt.Sprintf("📈 VOLATILITY: %s %s %s%% in 60s (now: $%s)",
			arrow(c.Direction), c.Asset, c.Magnitude.StringFixed(2), c.Price.StringFixed(2))
	default:
		return fmt.Sprintf("ALERT: %s %s %s", c.Kind, c.Asset, c.Magnitude.String())
	}
}

// RenderBatch prefixes the monitor header and joins alert lines into a
// single outward message.
func RenderBatch(ts time.Time, lines []string) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[HL Monitor] %s\n", ts.UTC().Format(time.RFC3339)))
	builder.WriteString(strings.Join(lines, "\n"))
	return builder.String()
}
