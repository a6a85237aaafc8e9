package app

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"perp-spike-alerts/internal/alerting"
	"perp-spike-alerts/internal/market"
)

// SimulateAlert 构造一条指定信号的候选告警并走一遍渲染/推送链路。
func (a *App) SimulateAlert(ctx context.Context, kind market.AlertKind, asset string, magnitude decimal.Decimal) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}

	candidate := market.Candidate{
		Kind:      kind,
		Asset:     asset,
		Magnitude: magnitude,
		Direction: market.DirectionUp,
		Value:     magnitude,
		Price:     decimal.Zero,
		Timestamp: time.Now().UTC(),
	}

	filter := a.newFilter()
	if !filter.Admit(candidate) {
		return errors.New("候选告警被去重过滤器拦截")
	}

	note := alerting.Notification{
		Kind:      candidate.Kind,
		Asset:     candidate.Asset,
		Text:      alerting.Render(candidate),
		Timestamp: candidate.Timestamp,
	}
	return notifier.Notify(ctx, note)
}
