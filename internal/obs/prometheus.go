package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "basis"

// Collector exports a Metrics snapshot to Prometheus on every scrape.
type Collector struct {
	metrics *Metrics
	labels  prometheus.Labels

	ticks           *prometheus.Desc
	ticksSkipped    *prometheus.Desc
	ticksDegraded   *prometheus.Desc
	decisions       *prometheus.Desc
	instructions    *prometheus.Desc
	executions      *prometheus.Desc
	executionErrors *prometheus.Desc
	attempts        *prometheus.Desc
	reconWarnings   *prometheus.Desc
	tickSeconds     *prometheus.Desc
	execSeconds     *prometheus.Desc
}

// NewCollector describes the engine metrics with constant strategy labels.
func NewCollector(metrics *Metrics, strategyID string) *Collector {
	labels := prometheus.Labels{"strategy": strategyID}
	desc := func(name, help string, variable ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, variable, labels)
	}
	return &Collector{
		metrics:         metrics,
		labels:          labels,
		ticks:           desc("ticks_total", "Completed ticks."),
		ticksSkipped:    desc("ticks_skipped_total", "Ticks skipped for unavailable data."),
		ticksDegraded:   desc("ticks_degraded_total", "Ticks recorded while degraded."),
		decisions:       desc("decisions_total", "Decisions by action.", "action"),
		instructions:    desc("instructions_total", "Instruction outcomes by final state.", "state"),
		executions:      desc("executions_total", "Executed decisions."),
		executionErrors: desc("execution_failures_total", "Executions that did not complete."),
		attempts:        desc("venue_attempts_total", "Venue calls including retries."),
		reconWarnings:   desc("reconciliation_warnings_total", "P&L reconciliations outside tolerance."),
		tickSeconds:     desc("tick_duration_seconds_total", "Cumulative tick processing time."),
		execSeconds:     desc("execution_duration_seconds_total", "Cumulative execution time."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.ticks, c.ticksSkipped, c.ticksDegraded, c.decisions, c.instructions,
		c.executions, c.executionErrors, c.attempts, c.reconWarnings,
		c.tickSeconds, c.execSeconds,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.metrics.Snapshot()
	counter := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, labels...)
	}
	counter(c.ticks, float64(s.Ticks))
	counter(c.ticksSkipped, float64(s.TicksSkipped))
	counter(c.ticksDegraded, float64(s.TicksDegraded))
	for action, v := range s.Decisions {
		counter(c.decisions, float64(v), action.String())
	}
	for state, v := range s.Instructions {
		counter(c.instructions, float64(v), state.String())
	}
	counter(c.executions, float64(s.Executions))
	counter(c.executionErrors, float64(s.ExecutionErrors))
	counter(c.attempts, float64(s.Attempts))
	counter(c.reconWarnings, float64(s.ReconWarnings))
	counter(c.tickSeconds, s.TickLatency.Sum.Seconds())
	counter(c.execSeconds, s.ExecutionLatency.Sum.Seconds())
}
