package strategy

import (
	"fmt"
	"strings"
	"sync"

	"github.com/IggyIkenna/basis-strategy-v1/internal/schema"
	"github.com/IggyIkenna/basis-strategy-v1/pkg/exception"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"
)

const component = "strategy_engine"

// Decision priorities.
const (
	PriorityNone         = 0
	PriorityRebalance    = 50
	PriorityInitialSetup = 60
	PriorityRiskExit     = 100
)

var decisionNamespace = uuid.MustParse("5b8d7c4e-2f61-4c0a-9a43-0d8e1f6b7a21")

// Config holds the decision parameters of one strategy instance.
type Config struct {
	StrategyID string
	// RebalanceThreshold is the deviation fraction above which a rebalance is decided.
	RebalanceThreshold decimal.Decimal
}

// Engine is the decision state machine of one strategy instance.
type Engine struct {
	cfg     Config
	planner Planner

	mu    sync.RWMutex
	state schema.StrategyState
}

// NewEngine creates an engine waiting for its initial setup.
func NewEngine(cfg Config, planner Planner) (*Engine, error) {
	if planner == nil {
		return nil, exception.Configuration(component, exception.CodeUnsupportedStrategy, "planner is nil").
			With("strategy", cfg.StrategyID)
	}
	if !cfg.RebalanceThreshold.IsPositive() {
		return nil, exception.Configuration(component, exception.CodeConfigInvalid, "rebalance threshold must be > 0").
			With("field", "strategy.rebalanceThreshold").
			With("actual", cfg.RebalanceThreshold.String())
	}
	return &Engine{cfg: cfg, planner: planner, state: schema.StateAwaitingInitialSetup}, nil
}

// State returns the current state.
func (e *Engine) State() schema.StrategyState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Planner returns the strategy planner.
func (e *Engine) Planner() Planner {
	return e.planner
}

// Restore sets the state of a recovered run. A transient REBALANCING state
// collapses to STEADY_STATE.
func (e *Engine) Restore(state schema.StrategyState) {
	if state == schema.StateRebalancing {
		state = schema.StateSteady
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = state
}

// Decide evaluates one tick. It reads only its input and the current state,
// so repeated calls on unchanged input return identical decisions.
func (e *Engine) Decide(in Input) (schema.Decision, error) {
	state := e.State()

	if state == schema.StateRiskExit {
		return e.decision(in, schema.ActionNone, "strategy exited, holding", Plan{}, decimal.Zero), nil
	}

	if in.Risk.Advisory == schema.AdvisoryExitRecommended {
		plan, err := e.planner.Exit(in)
		if err != nil {
			return schema.Decision{}, err
		}
		dec := e.decision(in, schema.ActionRiskExit, exitReason(in.Risk), plan, decimal.Zero)
		dec.Priority = PriorityRiskExit
		dec.OverrideRiskGating = true
		return dec, nil
	}

	switch state {
	case schema.StateAwaitingInitialSetup:
		plan, err := e.planner.InitialSetup(in)
		if err != nil {
			return schema.Decision{}, err
		}
		reason := fmt.Sprintf("initial setup: %s deploys %d instructions across %d venues",
			e.planner.Name(), len(plan.Instructions), countVenues(plan.Instructions))
		dec := e.decision(in, schema.ActionInitialSetup, reason, plan, decimal.Zero)
		dec.Priority = PriorityInitialSetup
		return dec, nil

	case schema.StateSteady, schema.StateRebalancing:
		deviation, err := e.planner.Deviation(in)
		if err != nil {
			return schema.Decision{}, err
		}
		if deviation.GreaterThan(e.cfg.RebalanceThreshold) {
			plan, err := e.planner.Rebalance(in)
			if err != nil {
				return schema.Decision{}, err
			}
			reason := fmt.Sprintf("deviation %s%% > %s%% threshold", percent(deviation), percent(e.cfg.RebalanceThreshold))
			dec := e.decision(in, schema.ActionRebalance, reason, plan, deviation)
			dec.Priority = PriorityRebalance
			return dec, nil
		}
		reason := fmt.Sprintf("deviation %s%% <= %s%% threshold", percent(deviation), percent(e.cfg.RebalanceThreshold))
		return e.decision(in, schema.ActionNone, reason, Plan{}, deviation), nil

	default:
		return schema.Decision{}, exception.State(component, exception.CodeInvalidSequence, "unknown strategy state").
			With("state", state.String()).
			At(in.Timestamp)
	}
}

// Begin marks a decision as being executed.
func (e *Engine) Begin(dec schema.Decision) {
	e.mu.Lock()
	defer e.mu.Unlock()
	prev := e.state
	switch dec.Action {
	case schema.ActionRebalance:
		if e.state == schema.StateSteady {
			e.state = schema.StateRebalancing
		}
	case schema.ActionRiskExit:
		e.state = schema.StateRiskExit
	case schema.ActionNone, schema.ActionInitialSetup:
	}
	if prev != e.state {
		logs.Infof("strategy %s: %s -> %s (decision %s)", e.cfg.StrategyID, prev, e.state, dec.ID)
	}
}

// Complete applies the outcome of an executed decision and returns the new state.
func (e *Engine) Complete(dec schema.Decision, result schema.ExecutionResult) schema.StrategyState {
	e.mu.Lock()
	defer e.mu.Unlock()
	prev := e.state
	switch dec.Action {
	case schema.ActionInitialSetup:
		if result.Succeeded() {
			e.state = schema.StateSteady
		}
	case schema.ActionRebalance:
		if e.state == schema.StateRebalancing {
			e.state = schema.StateSteady
		}
	case schema.ActionRiskExit:
		e.state = schema.StateRiskExit
	case schema.ActionNone:
	}
	if prev != e.state {
		logs.Infof("strategy %s: %s -> %s (decision %s, succeeded: %t)", e.cfg.StrategyID, prev, e.state, dec.ID, result.Succeeded())
	}
	return e.state
}

func (e *Engine) decision(in Input, action schema.ActionKind, reason string, plan Plan, deviation decimal.Decimal) schema.Decision {
	id := uuid.NewSHA1(decisionNamespace, []byte(fmt.Sprintf("%s|%d|%s|%s",
		e.cfg.StrategyID, in.Timestamp.UnixNano(), action, fingerprint(in.Exposure)))).String()

	instructions := make([]schema.ExecutionInstruction, len(plan.Instructions))
	for i, instr := range plan.Instructions {
		if instr.ID == "" {
			instr.ID = fmt.Sprintf("%s-%02d", id[:8], i+1)
		}
		instructions[i] = instr
	}
	targets := plan.Targets
	if targets == nil {
		targets = []schema.TargetPosition{}
	}
	return schema.Decision{
		ID:           id,
		Timestamp:    in.Timestamp.UTC(),
		Action:       action,
		Reasoning:    reason,
		Targets:      targets,
		Instructions: instructions,
		Priority:     PriorityNone,
		Deviation:    deviation,
	}
}

// fingerprint identifies the positions a decision was made on.
func fingerprint(exp schema.ExposureSnapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d", exp.PositionSeq)
	for _, a := range exp.Assets {
		fmt.Fprintf(&b, ";%s=%s", a.Key, a.Quantity)
	}
	return b.String()
}

func percent(v decimal.Decimal) string {
	return v.Mul(decimal.NewFromInt(100)).Round(4).String()
}

func exitReason(risk schema.RiskAssessment) string {
	breached := risk.Breached()
	parts := make([]string, 0, len(breached))
	for _, m := range breached {
		if m.Severity != schema.SeverityExit {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%s vs %s", m.Name, m.Value.Round(6), m.Threshold))
	}
	return "risk exit: " + strings.Join(parts, ", ")
}

func countVenues(instrs []schema.ExecutionInstruction) int {
	seen := make(map[schema.Venue]struct{})
	for _, i := range instrs {
		for _, v := range i.Venues() {
			seen[v] = struct{}{}
		}
	}
	return len(seen)
}
