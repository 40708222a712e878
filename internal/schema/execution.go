package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// InstructionState tracks the lifecycle of an instruction inside one execution.
type InstructionState uint8

const (
	InstructionStatePending InstructionState = iota
	InstructionStateSent
	InstructionStateFilled
	InstructionStateApplied
	InstructionStateFailed
	InstructionStateSkipped
	InstructionStateRolledBack
)

var instructionStateNames = []string{
	InstructionStatePending:    "PENDING",
	InstructionStateSent:       "SENT",
	InstructionStateFilled:     "FILLED",
	InstructionStateApplied:    "APPLIED",
	InstructionStateFailed:     "FAILED",
	InstructionStateSkipped:    "SKIPPED",
	InstructionStateRolledBack: "ROLLED_BACK",
}

func (s InstructionState) String() string {
	if int(s) < len(instructionStateNames) {
		return instructionStateNames[s]
	}
	return "UNKNOWN"
}

func (s InstructionState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *InstructionState) UnmarshalText(text []byte) error {
	v, err := lookupEnum[InstructionState](instructionStateNames, string(text), "instruction state")
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// IsTerminal reports whether no further transition is possible.
func (s InstructionState) IsTerminal() bool {
	switch s {
	case InstructionStateApplied, InstructionStateFailed, InstructionStateSkipped, InstructionStateRolledBack:
		return true
	default:
		return false
	}
}

// Fill is a venue confirmation of an instruction.
type Fill struct {
	InstructionID string          `json:"instructionId"`
	Venue         Venue           `json:"venue"`
	Timestamp     time.Time       `json:"timestamp"`
	Price         decimal.Decimal `json:"price"`
	// Fee is the cost paid, in reporting currency; it is already included in Deltas.
	Fee    decimal.Decimal `json:"fee"`
	Deltas []Delta         `json:"deltas"`
}

// InstructionOutcome is the per-instruction part of an ExecutionResult.
type InstructionOutcome struct {
	Instruction ExecutionInstruction `json:"instruction"`
	State       InstructionState     `json:"state"`
	Attempts    int                  `json:"attempts"`
	Fill        *Fill                `json:"fill,omitempty"`
	Error       string               `json:"error,omitempty"`
}

// ExecutionResult reports what a Decision's execution actually did.
type ExecutionResult struct {
	DecisionID string               `json:"decisionId"`
	Outcomes   []InstructionOutcome `json:"outcomes"`
	Completed  []string             `json:"completed"`
	Partial    bool                 `json:"partial"`
	FailedID   string               `json:"failedId,omitempty"`
	RolledBack string               `json:"rolledBackGroup,omitempty"`
	Fees       decimal.Decimal      `json:"fees"`
	Error      string               `json:"error,omitempty"`
}

// Succeeded reports whether every instruction was applied.
func (r ExecutionResult) Succeeded() bool {
	return r.FailedID == "" && len(r.Completed) == len(r.Outcomes)
}

// Fills returns the fills of applied instructions in declared order.
func (r ExecutionResult) Fills() []Fill {
	out := make([]Fill, 0, len(r.Outcomes))
	for _, o := range r.Outcomes {
		if o.State == InstructionStateApplied && o.Fill != nil {
			out = append(out, *o.Fill)
		}
	}
	return out
}
