package pnl

import (
	"sync"
	"time"

	"github.com/IggyIkenna/basis-strategy-v1/internal/exposure"
	"github.com/IggyIkenna/basis-strategy-v1/internal/marketdata"
	"github.com/IggyIkenna/basis-strategy-v1/internal/schema"
	"github.com/IggyIkenna/basis-strategy-v1/pkg/exception"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"
)

const component = "pnl_engine"

// Config controls reconciliation.
type Config struct {
	// Tolerance is the allowed |unexplained| as a fraction of |balance P&L|.
	Tolerance decimal.Decimal
	// AbsoluteFloor is the allowed |unexplained| when balance P&L is near zero.
	AbsoluteFloor decimal.Decimal
	// FundingHours are the UTC hours at which perp funding settles.
	FundingHours []int
}

// Engine reconciles balance P&L against attribution P&L. It owns the
// cumulative totals of one run.
type Engine struct {
	cfg        Config
	calc       *exposure.Calculator
	components []Component

	mu         sync.RWMutex
	cumulative map[string]decimal.Decimal
	balance    decimal.Decimal
	last       schema.PnLRecord
	warnings   int
}

// NewEngine creates a P&L engine. Without components every built-in one is used.
func NewEngine(cfg Config, registry *schema.Registry, components ...Component) (*Engine, error) {
	if cfg.Tolerance.IsNegative() {
		return nil, exception.Configuration(component, exception.CodeConfigInvalid, "tolerance must be >= 0").
			With("field", "pnl.tolerance").
			With("actual", cfg.Tolerance.String())
	}
	if cfg.AbsoluteFloor.IsNegative() {
		return nil, exception.Configuration(component, exception.CodeConfigInvalid, "absolute floor must be >= 0").
			With("field", "pnl.absoluteFloor").
			With("actual", cfg.AbsoluteFloor.String())
	}
	for _, h := range cfg.FundingHours {
		if h < 0 || h > 23 {
			return nil, exception.Configuration(component, exception.CodeConfigInvalid, "funding hour out of range").
				With("field", "pnl.fundingHours").
				With("actual", h)
		}
	}
	if len(components) == 0 {
		components = DefaultComponents()
	}
	return &Engine{
		cfg:        cfg,
		calc:       exposure.NewCalculator(registry),
		components: components,
		cumulative: make(map[string]decimal.Decimal, len(components)),
		balance:    decimal.Zero,
	}, nil
}

// FundingHours returns the configured funding hours.
func (e *Engine) FundingHours() []int {
	return e.cfg.FundingHours
}

// Calculate reconciles the period between the previous committed exposure and
// the current one. It does not change the engine; call Commit to make the
// record the new baseline.
func (e *Engine) Calculate(ts time.Time, current, previous schema.ExposureSnapshot, activity schema.Activity, market marketdata.Market) (schema.PnLRecord, error) {
	revalued, err := e.calc.Calculate(ts, positionsOf(previous), market)
	if err != nil {
		return schema.PnLRecord{}, err
	}
	period := &Period{
		From:       previous.Timestamp,
		To:         ts,
		Previous:   previous,
		Current:    current,
		Revalued:   revalued,
		Activity:   activity,
		Market:     market,
		FundingDue: FundingDue(previous.Timestamp, ts, e.cfg.FundingHours),
	}
	period.decompose()

	e.mu.RLock()
	defer e.mu.RUnlock()

	rec := schema.PnLRecord{
		Timestamp:     ts.UTC(),
		PeriodStart:   previous.Timestamp,
		BalancePnL:    current.TotalValue.Sub(previous.TotalValue),
		Attribution:   make([]schema.Attribution, 0, len(e.components)),
		AttributedPnL: decimal.Zero,
		Provisional:   true,
	}
	rec.CumulativePnL = e.balance.Add(rec.BalancePnL)

	for _, c := range e.components {
		v, err := c.Attribute(period)
		if err != nil {
			return schema.PnLRecord{}, exception.DataUnavailable(component, "attribution component failed").
				With("component", c.Name()).
				At(ts).
				Wrap(err)
		}
		rec.Attribution = append(rec.Attribution, schema.Attribution{
			Name:       c.Name(),
			Period:     v,
			Cumulative: e.cumulative[c.Name()].Add(v),
		})
		rec.AttributedPnL = rec.AttributedPnL.Add(v)
	}

	rec.Unexplained = rec.BalancePnL.Sub(rec.AttributedPnL)
	rec.Tolerance = rec.BalancePnL.Abs().Mul(e.cfg.Tolerance)
	if rec.Tolerance.LessThan(e.cfg.AbsoluteFloor) {
		rec.Tolerance = e.cfg.AbsoluteFloor
	}
	rec.WithinTolerance = rec.Unexplained.Abs().LessThanOrEqual(rec.Tolerance)
	if !rec.WithinTolerance {
		rec.Warning = exception.Reconciliation(component, "unexplained P&L exceeds tolerance").
			With("balance", rec.BalancePnL.String()).
			With("attributed", rec.AttributedPnL.String()).
			With("unexplained", rec.Unexplained.String()).
			With("tolerance", rec.Tolerance.String()).
			At(ts).
			Error()
	}
	return rec, nil
}

// Commit makes a record the new cumulative baseline and logs a breach.
func (e *Engine) Commit(rec schema.PnLRecord) schema.PnLRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec.Provisional = false
	e.balance = rec.CumulativePnL
	for _, a := range rec.Attribution {
		e.cumulative[a.Name] = a.Cumulative
	}
	if !rec.WithinTolerance {
		e.warnings++
		logs.Warnf("reconciliation warning at %s: %s", rec.Timestamp.Format(time.RFC3339), rec.Warning)
	}
	e.last = rec
	return rec
}

// Restore continues cumulative totals from a recovered record.
func (e *Engine) Restore(rec schema.PnLRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.balance = rec.CumulativePnL
	e.cumulative = make(map[string]decimal.Decimal, len(rec.Attribution))
	for _, a := range rec.Attribution {
		e.cumulative[a.Name] = a.Cumulative
	}
	e.last = rec
}

// Last returns the last committed record.
func (e *Engine) Last() schema.PnLRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.last
}

// Warnings returns the number of committed records outside tolerance.
func (e *Engine) Warnings() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.warnings
}

func positionsOf(exp schema.ExposureSnapshot) schema.PositionSnapshot {
	positions := make([]schema.Position, 0, len(exp.Assets))
	for _, a := range exp.Assets {
		positions = append(positions, schema.Position{Key: a.Key, Quantity: a.Quantity, CostBasis: a.CostBasis})
	}
	return schema.PositionSnapshot{Timestamp: exp.Timestamp, Seq: exp.PositionSeq, Positions: positions}
}
