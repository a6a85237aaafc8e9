package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"perp-spike-alerts/internal/market"
)

var (
	simulateKind      string
	simulateAsset     string
	simulateMagnitude float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一条告警并走一遍推送链路",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateAsset == "" {
			return errors.New("--asset 必须提供")
		}
		if simulateMagnitude <= 0 {
			return errors.New("--magnitude 必须大于 0")
		}

		kind := market.AlertKind(simulateKind)
		switch kind {
		case market.KindOISpike, market.KindWhalePosition, market.KindFundingSpike,
			market.KindLiquidation, market.KindVolumeAnomaly, market.KindVolatility:
		default:
			return errors.New("--kind 不是合法的信号类型")
		}

		magnitude := decimal.NewFromFloat(simulateMagnitude)
		return getApp().SimulateAlert(cmd.Context(), kind, simulateAsset, magnitude)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateKind, "kind", string(market.KindOISpike), "信号类型")
	simulateCmd.Flags().StringVar(&simulateAsset, "asset", "", "资产符号，如 BTC")
	simulateCmd.Flags().Float64Var(&simulateMagnitude, "magnitude", 0, "告警幅度")
}
