package execution

import (
	"errors"
	"sync"

	"github.com/IggyIkenna/basis-strategy-v1/internal/schema"
	"github.com/shopspring/decimal"
)

var (
	ErrDuplicateInstruction = errors.New("instruction id already exists")
	ErrUnknownInstruction   = errors.New("instruction not found")
	ErrInvalidTransition    = errors.New("invalid instruction state transition")
)

// Ledger tracks the lifecycle of every instruction of one decision.
//
//	PENDING -> SENT -> FILLED -> APPLIED
//	PENDING -> SKIPPED
//	SENT    -> FAILED
//	FILLED  -> FAILED | ROLLED_BACK
//	SENT    -> ROLLED_BACK (atomic request refused as a whole)
type Ledger struct {
	mu       sync.Mutex
	order    []string
	outcomes map[string]*schema.InstructionOutcome
}

// NewLedger creates a ledger with every instruction pending.
func NewLedger(instrs []schema.ExecutionInstruction) (*Ledger, error) {
	l := &Ledger{
		order:    make([]string, 0, len(instrs)),
		outcomes: make(map[string]*schema.InstructionOutcome, len(instrs)),
	}
	for _, instr := range instrs {
		if instr.ID == "" {
			return nil, ErrUnknownInstruction
		}
		if _, ok := l.outcomes[instr.ID]; ok {
			return nil, ErrDuplicateInstruction
		}
		l.order = append(l.order, instr.ID)
		l.outcomes[instr.ID] = &schema.InstructionOutcome{
			Instruction: instr,
			State:       schema.InstructionStatePending,
		}
	}
	return l, nil
}

// State returns the current state of an instruction.
func (l *Ledger) State(id string) (schema.InstructionState, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.outcomes[id]
	if !ok {
		return schema.InstructionStatePending, false
	}
	return o.State, true
}

// Sent records a dispatch attempt.
func (l *Ledger) Sent(id string) error {
	return l.transition(id, func(o *schema.InstructionOutcome) bool {
		switch o.State {
		case schema.InstructionStatePending, schema.InstructionStateSent:
			o.State = schema.InstructionStateSent
			o.Attempts++
			return true
		default:
			return false
		}
	})
}

// Sized records the amount a sweep instruction is dispatched with.
func (l *Ledger) Sized(id string, amount decimal.Decimal) error {
	return l.transition(id, func(o *schema.InstructionOutcome) bool {
		if o.State != schema.InstructionStatePending {
			return false
		}
		o.Instruction.Amount = amount
		return true
	})
}

// Filled records the venue confirmation.
func (l *Ledger) Filled(id string, fill schema.Fill) error {
	return l.transition(id, func(o *schema.InstructionOutcome) bool {
		if o.State != schema.InstructionStateSent {
			return false
		}
		f := fill
		o.Fill = &f
		o.State = schema.InstructionStateFilled
		return true
	})
}

// Applied records that the fill reached the position tracker.
func (l *Ledger) Applied(id string) error {
	return l.transition(id, func(o *schema.InstructionOutcome) bool {
		if o.State != schema.InstructionStateFilled {
			return false
		}
		o.State = schema.InstructionStateApplied
		return true
	})
}

// Failed records a venue or apply failure.
func (l *Ledger) Failed(id string, cause error) error {
	return l.transition(id, func(o *schema.InstructionOutcome) bool {
		switch o.State {
		case schema.InstructionStateSent, schema.InstructionStateFilled:
		default:
			return false
		}
		o.State = schema.InstructionStateFailed
		if cause != nil {
			o.Error = cause.Error()
		}
		return true
	})
}

// RolledBack discards a staged fill of an aborted atomic group.
func (l *Ledger) RolledBack(id string) error {
	return l.transition(id, func(o *schema.InstructionOutcome) bool {
		switch o.State {
		case schema.InstructionStateSent, schema.InstructionStateFilled:
		default:
			return false
		}
		o.State = schema.InstructionStateRolledBack
		return true
	})
}

// SkipPending marks every instruction that was never sent as skipped.
func (l *Ledger) SkipPending() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range l.order {
		if o := l.outcomes[id]; o.State == schema.InstructionStatePending {
			o.State = schema.InstructionStateSkipped
		}
	}
}

// Result summarises the ledger.
func (l *Ledger) Result(decisionID string) schema.ExecutionResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	res := schema.ExecutionResult{
		DecisionID: decisionID,
		Outcomes:   make([]schema.InstructionOutcome, 0, len(l.order)),
		Completed:  []string{},
		Fees:       decimal.Zero,
	}
	for _, id := range l.order {
		o := *l.outcomes[id]
		res.Outcomes = append(res.Outcomes, o)
		switch o.State {
		case schema.InstructionStateApplied:
			res.Completed = append(res.Completed, id)
			if o.Fill != nil {
				res.Fees = res.Fees.Add(o.Fill.Fee)
			}
		case schema.InstructionStateFailed:
			if res.FailedID == "" {
				res.FailedID = id
				res.Error = o.Error
			}
			if o.Instruction.AtomicGroup != "" {
				res.RolledBack = o.Instruction.AtomicGroup
			}
		case schema.InstructionStateRolledBack:
			res.RolledBack = o.Instruction.AtomicGroup
		}
	}
	res.Partial = res.FailedID != "" && len(res.Completed) > 0
	return res
}

func (l *Ledger) transition(id string, apply func(o *schema.InstructionOutcome) bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.outcomes[id]
	if !ok {
		return ErrUnknownInstruction
	}
	if o.State.IsTerminal() || !apply(o) {
		return ErrInvalidTransition
	}
	return nil
}
