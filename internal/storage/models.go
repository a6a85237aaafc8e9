package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// AlertRow is an emitted alert persisted for auditing and the show
// command.
type AlertRow struct {
	ID        int64
	Kind      string
	Asset     string
	Magnitude decimal.Decimal
	Direction string
	Message   string
	FiredAt   time.Time
	CreatedAt time.Time
}
