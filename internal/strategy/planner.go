package strategy

import (
	"time"

	"github.com/IggyIkenna/basis-strategy-v1/internal/marketdata"
	"github.com/IggyIkenna/basis-strategy-v1/internal/schema"
	"github.com/shopspring/decimal"
)

// Input is everything a decision may read.
type Input struct {
	Timestamp time.Time
	Exposure  schema.ExposureSnapshot
	Risk      schema.RiskAssessment
	Market    marketdata.Market
}

// Plan is the concrete work of a decision.
type Plan struct {
	Targets      []schema.TargetPosition
	Instructions []schema.ExecutionInstruction
}

// Planner turns a strategy type's rules into plans. Implementations must be
// pure: the same input always yields the same plan.
type Planner interface {
	Name() string
	InitialSetup(in Input) (Plan, error)
	// Deviation returns the rebalance trigger metric as a fraction.
	Deviation(in Input) (decimal.Decimal, error)
	Rebalance(in Input) (Plan, error)
	Exit(in Input) (Plan, error)
}

func (p *Plan) target(key schema.PositionKey, qty decimal.Decimal) {
	p.Targets = append(p.Targets, schema.TargetPosition{Key: key, Quantity: qty})
}

func (p *Plan) add(instr schema.ExecutionInstruction) {
	p.Instructions = append(p.Instructions, instr)
}

func quantity(exp schema.ExposureSnapshot, key schema.PositionKey) decimal.Decimal {
	if a, ok := exp.Asset(key); ok {
		return a.Quantity
	}
	return decimal.Zero
}
