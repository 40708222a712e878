package obs

import (
	"sync/atomic"
	"time"

	"github.com/IggyIkenna/basis-strategy-v1/internal/schema"
)

const (
	maxAction = int(schema.ActionRiskExit)
	maxState  = int(schema.InstructionStateRolledBack)
)

// Metrics collects lightweight counters and latency stats of one engine.
// The zero value is not usable; a nil *Metrics ignores every call.
type Metrics struct {
	ticks           uint64
	ticksSkipped    uint64
	ticksDegraded   uint64
	decisions       [maxAction + 1]uint64
	instructions    [maxState + 1]uint64
	executions      uint64
	executionErrors uint64
	reconWarnings   uint64
	attempts        uint64

	tickLatency      LatencyStats
	executionLatency LatencyStats
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64
	Sum   time.Duration
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	Ticks            uint64
	TicksSkipped     uint64
	TicksDegraded    uint64
	Decisions        map[schema.ActionKind]uint64
	Instructions     map[schema.InstructionState]uint64
	Executions       uint64
	ExecutionErrors  uint64
	Attempts         uint64
	ReconWarnings    uint64
	TickLatency      LatencySnapshot
	ExecutionLatency LatencySnapshot
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// ObserveTick records one completed tick.
func (m *Metrics) ObserveTick(rec schema.TickRecord, elapsed time.Duration) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.ticks, 1)
	if rec.Degraded {
		atomic.AddUint64(&m.ticksDegraded, 1)
	}
	if rec.PnL.Warning != "" {
		atomic.AddUint64(&m.reconWarnings, 1)
	}
	m.tickLatency.Observe(elapsed)
}

// IncTickSkipped counts a tick dropped for missing data.
func (m *Metrics) IncTickSkipped() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.ticksSkipped, 1)
}

// ObserveDecision counts a decision by action.
func (m *Metrics) ObserveDecision(action schema.ActionKind) {
	if m == nil {
		return
	}
	idx := int(action)
	if idx >= 0 && idx < len(m.decisions) {
		atomic.AddUint64(&m.decisions[idx], 1)
	}
}

// ObserveExecution counts instruction outcomes and execution latency.
func (m *Metrics) ObserveExecution(result schema.ExecutionResult, elapsed time.Duration) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.executions, 1)
	if !result.Succeeded() {
		atomic.AddUint64(&m.executionErrors, 1)
	}
	for _, o := range result.Outcomes {
		idx := int(o.State)
		if idx >= 0 && idx < len(m.instructions) {
			atomic.AddUint64(&m.instructions[idx], 1)
		}
		atomic.AddUint64(&m.attempts, uint64(o.Attempts))
	}
	m.executionLatency.Observe(elapsed)
}

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	decisions := make(map[schema.ActionKind]uint64)
	for i := range m.decisions {
		if v := atomic.LoadUint64(&m.decisions[i]); v > 0 {
			decisions[schema.ActionKind(i)] = v
		}
	}
	instructions := make(map[schema.InstructionState]uint64)
	for i := range m.instructions {
		if v := atomic.LoadUint64(&m.instructions[i]); v > 0 {
			instructions[schema.InstructionState(i)] = v
		}
	}
	return Snapshot{
		Ticks:            atomic.LoadUint64(&m.ticks),
		TicksSkipped:     atomic.LoadUint64(&m.ticksSkipped),
		TicksDegraded:    atomic.LoadUint64(&m.ticksDegraded),
		Decisions:        decisions,
		Instructions:     instructions,
		Executions:       atomic.LoadUint64(&m.executions),
		ExecutionErrors:  atomic.LoadUint64(&m.executionErrors),
		Attempts:         atomic.LoadUint64(&m.attempts),
		ReconWarnings:    atomic.LoadUint64(&m.reconWarnings),
		TickLatency:      m.tickLatency.Snapshot(),
		ExecutionLatency: m.executionLatency.Snapshot(),
	}
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		min := atomic.LoadUint64(&l.min)
		if min != 0 && nanos >= min {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, min, nanos) {
			break
		}
	}

	for {
		max := atomic.LoadUint64(&l.max)
		if nanos <= max {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, max, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	sum := atomic.LoadUint64(&l.sum)
	return LatencySnapshot{
		Count: count,
		Sum:   time.Duration(sum),
		Min:   time.Duration(atomic.LoadUint64(&l.min)),
		Max:   time.Duration(atomic.LoadUint64(&l.max)),
		Avg:   time.Duration(sum / count),
	}
}
