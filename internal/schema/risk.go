package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Severity is the advisory a breached metric raises.
type Severity uint8

const (
	SeverityNone Severity = iota
	SeverityWarn
	SeverityRebalance
	SeverityExit
)

var severityNames = []string{
	SeverityNone:      "NONE",
	SeverityWarn:      "WARN",
	SeverityRebalance: "REBALANCE",
	SeverityExit:      "EXIT",
}

func (s Severity) String() string { return enumName(severityNames, s) }

func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Severity) UnmarshalText(text []byte) error {
	v, err := lookupEnum[Severity](severityNames, string(text), "severity")
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Advisory is the overall recommendation of a RiskAssessment.
type Advisory uint8

const (
	AdvisoryContinue Advisory = iota
	AdvisoryRebalanceRecommended
	AdvisoryExitRecommended
)

var advisoryNames = []string{
	AdvisoryContinue:             "CONTINUE",
	AdvisoryRebalanceRecommended: "REBALANCE_RECOMMENDED",
	AdvisoryExitRecommended:      "EXIT_RECOMMENDED",
}

func (a Advisory) String() string { return enumName(advisoryNames, a) }

func (a Advisory) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Advisory) UnmarshalText(text []byte) error {
	v, err := lookupEnum[Advisory](advisoryNames, string(text), "advisory")
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Comparison describes which side of the threshold is safe.
type Comparison uint8

const (
	// BreachBelow means the metric is breached when value < threshold.
	BreachBelow Comparison = iota
	// BreachAbove means the metric is breached when value > threshold.
	BreachAbove
)

var comparisonNames = []string{
	BreachBelow: "BELOW",
	BreachAbove: "ABOVE",
}

func (c Comparison) MarshalText() ([]byte, error) { return []byte(enumName(comparisonNames, c)), nil }

func (c *Comparison) UnmarshalText(text []byte) error {
	v, err := lookupEnum[Comparison](comparisonNames, string(text), "comparison")
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// Trend compares a metric with its value at the previous tick.
type Trend int8

const (
	TrendUnknown   Trend = 0
	TrendImproving Trend = 1
	TrendStable    Trend = 2
	TrendWorsening Trend = 3
)

var trendNames = []string{
	TrendUnknown:   "UNKNOWN",
	TrendImproving: "IMPROVING",
	TrendStable:    "STABLE",
	TrendWorsening: "WORSENING",
}

func (t Trend) String() string {
	if int(t) >= 0 && int(t) < len(trendNames) {
		return trendNames[t]
	}
	return trendNames[TrendUnknown]
}

func (t Trend) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *Trend) UnmarshalText(text []byte) error {
	v, err := lookupEnum[Trend](trendNames, string(text), "trend")
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// RiskMetric is one evaluated limit.
type RiskMetric struct {
	Name       string           `json:"name"`
	Value      decimal.Decimal  `json:"value"`
	Threshold  decimal.Decimal  `json:"threshold"`
	Comparison Comparison       `json:"comparison"`
	Breached   bool             `json:"breached"`
	Severity   Severity         `json:"severity"`
	Previous   *decimal.Decimal `json:"previous,omitempty"`
	Trend      Trend            `json:"trend"`
}

// RiskAssessment is the derived risk view of an exposure snapshot.
type RiskAssessment struct {
	Timestamp time.Time    `json:"timestamp"`
	Metrics   []RiskMetric `json:"metrics"`
	Advisory  Advisory     `json:"advisory"`
}

// Metric returns a metric by name.
func (r RiskAssessment) Metric(name string) (RiskMetric, bool) {
	for _, m := range r.Metrics {
		if m.Name == name {
			return m, true
		}
	}
	return RiskMetric{}, false
}

// Breached returns every breached metric.
func (r RiskAssessment) Breached() []RiskMetric {
	var out []RiskMetric
	for _, m := range r.Metrics {
		if m.Breached {
			out = append(out, m)
		}
	}
	return out
}
