package core

import (
	"sync"
	"time"

	"github.com/IggyIkenna/basis-strategy-v1/internal/execution"
	"github.com/IggyIkenna/basis-strategy-v1/internal/exposure"
	"github.com/IggyIkenna/basis-strategy-v1/internal/marketdata"
	"github.com/IggyIkenna/basis-strategy-v1/internal/obs"
	"github.com/IggyIkenna/basis-strategy-v1/internal/ops"
	"github.com/IggyIkenna/basis-strategy-v1/internal/pnl"
	"github.com/IggyIkenna/basis-strategy-v1/internal/risk"
	"github.com/IggyIkenna/basis-strategy-v1/internal/schema"
	"github.com/IggyIkenna/basis-strategy-v1/internal/sink"
	"github.com/IggyIkenna/basis-strategy-v1/internal/state"
	"github.com/IggyIkenna/basis-strategy-v1/internal/strategy"
	"github.com/IggyIkenna/basis-strategy-v1/pkg/exception"
	"github.com/shopspring/decimal"
)

const component = "engine"

// State is the lifecycle state of an engine.
type State uint8

const (
	StateIdle State = iota
	StateRunning
	// StateDegraded keeps observing and recording but makes no decisions.
	StateDegraded
	StateStopped
)

var stateNames = []string{
	StateIdle:     "IDLE",
	StateRunning:  "RUNNING",
	StateDegraded: "DEGRADED",
	StateStopped:  "STOPPED",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Config holds the run parameters of an engine.
type Config struct {
	StrategyID string
	Mode       ops.Mode
	Capital    decimal.Decimal
	SeedVenue  schema.Venue

	Start time.Time
	End   time.Time
	Step  time.Duration

	Interval     time.Duration
	QueueSize    int
	SyncBalances bool

	// SnapshotPath receives the final position snapshot of a run.
	SnapshotPath string
	// Now is the wall clock of the live loop.
	Now func() time.Time
}

// Deps is the engine context. Every component is owned by exactly one engine.
type Deps struct {
	Registry     *schema.Registry
	Provider     marketdata.Provider
	Tracker      *state.Tracker
	Exposure     *exposure.Calculator
	Risk         *risk.Assessor
	Strategy     *strategy.Engine
	Orchestrator *execution.Orchestrator
	PnL          *pnl.Engine
	Sink         sink.Sink
	// Journal is optional; it receives run markers and the seed snapshot.
	Journal *sink.Journal
	Metrics *obs.Metrics
}

// Status is a point-in-time view of an engine.
type Status struct {
	RunID          string               `json:"runId"`
	StrategyID     string               `json:"strategyId"`
	State          State                `json:"state"`
	StrategyState  schema.StrategyState `json:"strategyState"`
	LastTick       time.Time            `json:"lastTick"`
	LastPnL        schema.PnLRecord     `json:"lastPnl"`
	DegradedReason string               `json:"degradedReason,omitempty"`
	Ticks          uint64               `json:"ticks"`
	Warnings       int                  `json:"warnings"`
}

// Engine sequences the components of one strategy instance.
type Engine struct {
	cfg       Config
	deps      Deps
	reporting schema.Asset
	runID     string
	seq       *obs.Sequence

	// tickMu serializes ticks; the fields below it belong to the tick in flight.
	tickMu       sync.Mutex
	prevExposure *schema.ExposureSnapshot
	lastTs       time.Time
	cur          *tickState

	mu       sync.RWMutex
	state    State
	degraded string
	lastTick time.Time
	ticks    uint64

	runMu   sync.Mutex
	cancel  func()
	done    chan struct{}
	release func()
}

// NewEngine wires the engine context. The orchestrator's cascade and
// observer are taken over by the engine.
func NewEngine(cfg Config, deps Deps) (*Engine, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if cfg.StrategyID == "" {
		return nil, exception.Configuration(component, exception.CodeConfigMissing, "strategy id is empty").
			With("field", "strategy.id")
	}
	switch cfg.Mode {
	case ops.ModeBacktest:
		if cfg.Step <= 0 || !cfg.End.After(cfg.Start) {
			return nil, exception.Configuration(component, exception.CodeConfigInvalid, "invalid backtest window").
				With("field", "backtest").
				With("start", cfg.Start).
				With("end", cfg.End).
				With("step", cfg.Step.String())
		}
	case ops.ModeLive:
		if cfg.Interval <= 0 {
			return nil, exception.Configuration(component, exception.CodeConfigInvalid, "live interval must be > 0").
				With("field", "live.interval")
		}
	default:
		return nil, exception.Configuration(component, exception.CodeConfigInvalid, "unknown mode").
			With("field", "strategy.mode").
			With("actual", cfg.Mode)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if deps.Metrics == nil {
		deps.Metrics = obs.NewMetrics()
	}

	e := &Engine{
		cfg:       cfg,
		deps:      deps,
		reporting: deps.Registry.ReportingAsset(),
		runID:     obs.NewRunID(),
		seq:       obs.NewSequence(0),
	}
	deps.Orchestrator.OnApplied(e.cascade)
	deps.Orchestrator.SetObserver(deps.Metrics)
	return e, nil
}

func (d Deps) validate() error {
	missing := func(name string) error {
		return exception.Configuration(component, exception.CodeConfigMissing, "engine dependency is nil").
			With("dependency", name)
	}
	switch {
	case d.Registry == nil:
		return missing("registry")
	case d.Provider == nil:
		return missing("provider")
	case d.Tracker == nil:
		return missing("tracker")
	case d.Exposure == nil:
		return missing("exposure")
	case d.Risk == nil:
		return missing("risk")
	case d.Strategy == nil:
		return missing("strategy")
	case d.Orchestrator == nil:
		return missing("orchestrator")
	case d.PnL == nil:
		return missing("pnl")
	case d.Sink == nil:
		return missing("sink")
	}
	return nil
}

// RunID identifies the current run.
func (e *Engine) RunID() string {
	return e.runID
}

// Metrics returns the engine metrics.
func (e *Engine) Metrics() *obs.Metrics {
	return e.deps.Metrics
}

// Status returns the engine state without side effects.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Status{
		RunID:          e.runID,
		StrategyID:     e.cfg.StrategyID,
		State:          e.state,
		StrategyState:  e.deps.Strategy.State(),
		LastTick:       e.lastTick,
		LastPnL:        e.deps.PnL.Last(),
		DegradedReason: e.degraded,
		Ticks:          e.ticks,
		Warnings:       e.deps.PnL.Warnings(),
	}
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	if s != StateDegraded {
		e.degraded = ""
	}
	e.mu.Unlock()
}

func (e *Engine) isDegraded() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state == StateDegraded
}

func (e *Engine) degrade(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateStopped {
		return
	}
	e.state = StateDegraded
	e.degraded = reason
}

// Resume leaves degraded mode after an operator has dealt with the cause.
func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateDegraded {
		return exception.State(component, exception.CodeEngineStopped, "engine is not degraded").
			With("state", e.state.String())
	}
	e.state = StateRunning
	e.degraded = ""
	return nil
}
