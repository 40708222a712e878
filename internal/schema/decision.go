package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// ActionKind is the closed set of strategy decisions.
type ActionKind uint8

const (
	ActionNone ActionKind = iota
	ActionInitialSetup
	ActionRebalance
	ActionRiskExit
)

var actionKindNames = []string{
	ActionNone:         "NONE",
	ActionInitialSetup: "INITIAL_SETUP",
	ActionRebalance:    "REBALANCE",
	ActionRiskExit:     "RISK_EXIT",
}

func (a ActionKind) String() string { return enumName(actionKindNames, a) }

func (a ActionKind) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *ActionKind) UnmarshalText(text []byte) error {
	v, err := lookupEnum[ActionKind](actionKindNames, string(text), "action kind")
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// InstructionKind is the closed set of venue operations.
type InstructionKind uint8

const (
	InstructionUnknown InstructionKind = iota
	InstructionTransfer
	InstructionSpotTrade
	InstructionDerivativeTrade
	InstructionSupply
	InstructionBorrow
	InstructionWithdraw
	InstructionRepay
)

var instructionKindNames = []string{
	InstructionUnknown:         "UNKNOWN",
	InstructionTransfer:        "TRANSFER",
	InstructionSpotTrade:       "SPOT_TRADE",
	InstructionDerivativeTrade: "DERIVATIVE_TRADE",
	InstructionSupply:          "SUPPLY",
	InstructionBorrow:          "BORROW",
	InstructionWithdraw:        "WITHDRAW",
	InstructionRepay:           "REPAY",
}

func (k InstructionKind) String() string { return enumName(instructionKindNames, k) }

func (k InstructionKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *InstructionKind) UnmarshalText(text []byte) error {
	v, err := parseEnum[InstructionKind](instructionKindNames, string(text), "instruction kind")
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// ExecutionInstruction is one venue operation of a Decision.
//
// Amount sign conventions:
//   - TRANSFER: positive amount of Asset moved from Venue to ToVenue
//   - SPOT_TRADE / DERIVATIVE_TRADE: positive buys Asset, negative sells, paid in Quote
//   - SUPPLY / WITHDRAW: positive amount of the underlying Quote moved into/out of receipt Asset
//   - BORROW / REPAY: positive amount of the underlying Quote borrowed/repaid against debt Asset
//
// A sweep TRANSFER or SUPPLY is sized at dispatch from the balance its source
// key holds; Amount is then a cap and the gross debit, fees included.
type ExecutionInstruction struct {
	ID      string          `json:"id"`
	Venue   Venue           `json:"venue"`
	Kind    InstructionKind `json:"kind"`
	Asset   Asset           `json:"asset"`
	Quote   Asset           `json:"quote,omitempty"`
	ToVenue Venue           `json:"toVenue,omitempty"`
	Amount  decimal.Decimal `json:"amount"`
	// AtomicGroup groups consecutive instructions that must succeed as a unit.
	AtomicGroup string `json:"atomicGroup,omitempty"`
	// Parallel allows dispatch concurrently with adjacent parallel
	// instructions on other venues.
	Parallel bool `json:"parallel,omitempty"`
	// Sweep caps Amount at the source balance; a zero Amount takes all of it.
	Sweep bool `json:"sweep,omitempty"`
}

// SweepKey returns the balance a sweep instruction draws from.
func (i ExecutionInstruction) SweepKey() (PositionKey, bool) {
	switch i.Kind {
	case InstructionTransfer:
		return Key(i.Venue, i.Asset), true
	case InstructionSupply:
		return Key(i.Venue, i.Quote), true
	default:
		return PositionKey{}, false
	}
}

// Venues returns the venues touched by the instruction.
func (i ExecutionInstruction) Venues() []Venue {
	if i.Kind == InstructionTransfer && i.ToVenue != "" && i.ToVenue != i.Venue {
		return []Venue{i.Venue, i.ToVenue}
	}
	return []Venue{i.Venue}
}

// Decision is the output of one strategy evaluation.
type Decision struct {
	ID           string                 `json:"id"`
	Timestamp    time.Time              `json:"timestamp"`
	Action       ActionKind             `json:"action"`
	Reasoning    string                 `json:"reasoning"`
	Targets      []TargetPosition       `json:"targets"`
	Instructions []ExecutionInstruction `json:"instructions"`
	Priority     int                    `json:"priority"`
	// OverrideRiskGating marks decisions that run regardless of risk advisories.
	OverrideRiskGating bool `json:"overrideRiskGating"`
	// Deviation is the metric value that caused a rebalance.
	Deviation decimal.Decimal `json:"deviation"`
}

// Target returns the target quantity for a key.
func (d Decision) Target(key PositionKey) (decimal.Decimal, bool) {
	for _, t := range d.Targets {
		if t.Key == key {
			return t.Quantity, true
		}
	}
	return decimal.Zero, false
}

// TargetPosition is a serializable target entry.
type TargetPosition struct {
	Key      PositionKey     `json:"key"`
	Quantity decimal.Decimal `json:"quantity"`
}

// IsNoop reports whether the decision carries no work.
func (d Decision) IsNoop() bool {
	return d.Action == ActionNone && len(d.Instructions) == 0
}
