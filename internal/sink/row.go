package sink

import (
	"time"

	"github.com/IggyIkenna/basis-strategy-v1/internal/codec"
	"github.com/IggyIkenna/basis-strategy-v1/internal/schema"
	"github.com/shopspring/decimal"
)

// TickRow is the flattened tick summary stored in SQL sinks. The full
// record travels in Payload.
type TickRow struct {
	RunID           string          `gorm:"primaryKey;type:varchar(64)"`
	Seq             uint64          `gorm:"primaryKey"`
	StrategyID      string          `gorm:"type:varchar(64);index;not null"`
	Timestamp       time.Time       `gorm:"index;not null"`
	State           string          `gorm:"type:varchar(32);not null"`
	Action          string          `gorm:"type:varchar(32);not null"`
	DecisionID      string          `gorm:"type:varchar(64)"`
	Advisory        string          `gorm:"type:varchar(32);not null"`
	TotalValue      decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	NetDelta        decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	BalancePnL      decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	CumulativePnL   decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	Unexplained     decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	WithinTolerance bool            `gorm:"not null"`
	Degraded        bool            `gorm:"not null"`
	Error           string          `gorm:"type:text"`
	Payload         []byte          `gorm:"type:bytea"`
}

func (TickRow) TableName() string {
	return "tick_records"
}

// AttributionRow is one P&L component of one tick.
type AttributionRow struct {
	RunID      string          `gorm:"primaryKey;type:varchar(64)"`
	Seq        uint64          `gorm:"primaryKey"`
	Component  string          `gorm:"primaryKey;type:varchar(32)"`
	Timestamp  time.Time       `gorm:"index;not null"`
	Period     decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	Cumulative decimal.Decimal `gorm:"type:numeric(30,10);not null"`
}

func (AttributionRow) TableName() string {
	return "pnl_attribution"
}

func rowsOf(rec schema.TickRecord) (TickRow, []AttributionRow, error) {
	payload, err := codec.EncodeTick(rec)
	if err != nil {
		return TickRow{}, nil, err
	}
	row := TickRow{
		RunID:           rec.RunID,
		Seq:             rec.Seq,
		StrategyID:      rec.StrategyID,
		Timestamp:       rec.Timestamp.UTC(),
		State:           rec.StrategyState.String(),
		Action:          schema.ActionNone.String(),
		Advisory:        rec.Risk.Advisory.String(),
		TotalValue:      rec.Exposure.TotalValue,
		NetDelta:        rec.Exposure.NetDelta,
		BalancePnL:      rec.PnL.BalancePnL,
		CumulativePnL:   rec.PnL.CumulativePnL,
		Unexplained:     rec.PnL.Unexplained,
		WithinTolerance: rec.PnL.WithinTolerance,
		Degraded:        rec.Degraded,
		Error:           rec.Error,
		Payload:         payload,
	}
	if rec.Decision != nil {
		row.Action = rec.Decision.Action.String()
		row.DecisionID = rec.Decision.ID
	}

	attrs := make([]AttributionRow, 0, len(rec.PnL.Attribution))
	for _, a := range rec.PnL.Attribution {
		attrs = append(attrs, AttributionRow{
			RunID:      rec.RunID,
			Seq:        rec.Seq,
			Component:  a.Name,
			Timestamp:  row.Timestamp,
			Period:     a.Period,
			Cumulative: a.Cumulative,
		})
	}
	return row, attrs, nil
}
