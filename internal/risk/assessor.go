package risk

import (
	"sync"
	"time"

	"github.com/IggyIkenna/basis-strategy-v1/internal/marketdata"
	"github.com/IggyIkenna/basis-strategy-v1/internal/schema"
	"github.com/IggyIkenna/basis-strategy-v1/pkg/exception"
	"github.com/shopspring/decimal"
)

const component = "risk_assessor"

// Metric name prefixes.
const (
	MetricHealthFactor        = "health_factor"
	MetricMarginRatio         = "margin_ratio"
	MetricLiquidationDistance = "liquidation_distance"
	MetricFundingRate         = "funding_rate"
	MetricDeltaRatio          = "delta_ratio"
	MetricKillSwitch          = "kill_switch"
)

type previous struct {
	value    decimal.Decimal
	breached bool
}

// Assessor evaluates exposure against configured limits. Assess is a pure
// function of its inputs and the last committed assessment.
type Assessor struct {
	cfg      Config
	registry *schema.Registry

	mu   sync.RWMutex
	prev map[string]previous
}

// NewAssessor creates an assessor with static limits.
func NewAssessor(cfg Config, registry *schema.Registry) *Assessor {
	return &Assessor{
		cfg:      cfg,
		registry: registry,
		prev:     make(map[string]previous),
	}
}

// Assess computes every enabled metric.
func (a *Assessor) Assess(ts time.Time, exp schema.ExposureSnapshot, market marketdata.Market) (schema.RiskAssessment, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := schema.RiskAssessment{Timestamp: ts.UTC(), Advisory: schema.AdvisoryContinue}
	add := func(name string, value decimal.Decimal, limit Limit, cmp schema.Comparison) {
		out.Metrics = append(out.Metrics, a.metric(name, value, limit, cmp))
	}

	if a.cfg.KillSwitch {
		add(MetricKillSwitch, decimal.NewFromInt(1), Limit{Enabled: true, Threshold: decimal.Zero, Severity: schema.SeverityExit}, schema.BreachAbove)
	}

	for _, venue := range a.registry.Venues() {
		if a.cfg.HealthFactor.Enabled {
			if hf, ok := healthFactor(exp, venue, a.registry); ok {
				add(MetricHealthFactor+":"+string(venue), hf, a.cfg.HealthFactor, schema.BreachBelow)
			}
		}

		perps := venuePerps(exp, venue)
		if len(perps) == 0 {
			continue
		}
		equity := exp.VenueValue(venue)
		notional := decimal.Zero
		for _, p := range perps {
			notional = notional.Add(p.Notional)
		}

		if a.cfg.MarginRatio.Enabled && notional.IsPositive() {
			add(MetricMarginRatio+":"+string(venue), equity.Div(notional), a.cfg.MarginRatio, schema.BreachBelow)
		}

		if a.cfg.LiquidationDistance.Enabled {
			if dist, ok := a.liquidationDistance(exp, venue, equity, perps); ok {
				add(MetricLiquidationDistance+":"+string(venue), dist, a.cfg.LiquidationDistance, schema.BreachBelow)
			}
		}

		if a.cfg.FundingRate.Enabled {
			for _, p := range perps {
				rate, err := market.FundingRate(venue, p.Key.Asset)
				if err != nil {
					return schema.RiskAssessment{}, exception.DataUnavailable(component, "funding rate unavailable").
						With("key", p.Key.String()).
						At(ts).
						Wrap(err)
				}
				// longs pay positive funding, shorts pay negative funding
				paid := rate.Mul(decimal.NewFromInt(int64(p.Quantity.Sign())))
				add(MetricFundingRate+":"+string(venue)+":"+string(p.Key.Asset), paid, a.cfg.FundingRate, schema.BreachAbove)
			}
		}
	}

	if a.cfg.DeltaRatio.Enabled {
		add(MetricDeltaRatio, exp.DeltaRatio(), a.cfg.DeltaRatio, schema.BreachAbove)
	}

	worst := schema.SeverityNone
	for _, m := range out.Metrics {
		if m.Breached && m.Severity > worst {
			worst = m.Severity
		}
	}
	switch worst {
	case schema.SeverityExit:
		out.Advisory = schema.AdvisoryExitRecommended
	case schema.SeverityRebalance:
		out.Advisory = schema.AdvisoryRebalanceRecommended
	default:
		out.Advisory = schema.AdvisoryContinue
	}
	return out, nil
}

// Commit stores the assessment as the previous tick for trends and hysteresis.
func (a *Assessor) Commit(assessment schema.RiskAssessment) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, m := range assessment.Metrics {
		a.prev[m.Name] = previous{value: m.Value, breached: m.Breached}
	}
}

// Reset forgets every committed metric.
func (a *Assessor) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prev = make(map[string]previous)
}

func (a *Assessor) metric(name string, value decimal.Decimal, limit Limit, cmp schema.Comparison) schema.RiskMetric {
	m := schema.RiskMetric{
		Name:       name,
		Value:      value,
		Threshold:  limit.Threshold,
		Comparison: cmp,
		Trend:      schema.TrendUnknown,
	}

	prev, seen := a.prev[name]
	threshold := limit.Threshold
	if seen && prev.breached && a.cfg.Hysteresis.IsPositive() {
		band := limit.Threshold.Abs().Mul(a.cfg.Hysteresis)
		if cmp == schema.BreachBelow {
			threshold = threshold.Add(band)
		} else {
			threshold = threshold.Sub(band)
		}
	}
	if cmp == schema.BreachBelow {
		m.Breached = value.LessThan(threshold)
	} else {
		m.Breached = value.GreaterThan(threshold)
	}
	if m.Breached {
		m.Severity = limit.Severity
		if m.Severity == schema.SeverityNone {
			m.Severity = schema.SeverityWarn
		}
	}

	if seen {
		p := prev.value
		m.Previous = &p
		m.Trend = trend(p, value, cmp, a.cfg.StableBand)
	}
	return m
}

func trend(prev, cur decimal.Decimal, cmp schema.Comparison, band decimal.Decimal) schema.Trend {
	diff := cur.Sub(prev)
	if diff.Abs().LessThanOrEqual(prev.Abs().Mul(band)) {
		return schema.TrendStable
	}
	better := diff.IsPositive()
	if cmp == schema.BreachAbove {
		better = !better
	}
	if better {
		return schema.TrendImproving
	}
	return schema.TrendWorsening
}

func healthFactor(exp schema.ExposureSnapshot, venue schema.Venue, registry *schema.Registry) (decimal.Decimal, bool) {
	collateral, debt := decimal.Zero, decimal.Zero
	for _, asset := range exp.Assets {
		if asset.Key.Venue != venue {
			continue
		}
		switch asset.Kind {
		case schema.InstrumentReceipt:
			inst, _ := registry.Instrument(asset.Key)
			collateral = collateral.Add(asset.Value.Mul(inst.LiquidationThreshold))
		case schema.InstrumentDebt:
			debt = debt.Add(asset.Value.Abs())
		}
	}
	if !debt.IsPositive() {
		return decimal.Zero, false
	}
	return collateral.Div(debt), true
}

func venuePerps(exp schema.ExposureSnapshot, venue schema.Venue) []schema.AssetExposure {
	var out []schema.AssetExposure
	for _, asset := range exp.Assets {
		if asset.Key.Venue == venue && asset.Kind == schema.InstrumentPerp && !asset.Quantity.IsZero() {
			out = append(out, asset)
		}
	}
	return out
}

// liquidationDistance finds the closest liquidation price among the venue's
// perps. Venue equity moves with the underlying by the venue's net delta D:
// E(m) = E0 + D(m - m0), and liquidation is E(m) = mm·|q|·m.
func (a *Assessor) liquidationDistance(exp schema.ExposureSnapshot, venue schema.Venue, equity decimal.Decimal, perps []schema.AssetExposure) (decimal.Decimal, bool) {
	var (
		best  decimal.Decimal
		found bool
	)
	for _, p := range perps {
		mark := p.UnitPrice
		if !mark.IsPositive() {
			continue
		}
		netDelta := decimal.Zero
		for _, asset := range exp.Assets {
			if asset.Key.Venue == venue && asset.Underlying == p.Underlying {
				netDelta = netDelta.Add(asset.DeltaUnits)
			}
		}
		fixed := equity.Sub(netDelta.Mul(mark))
		denom := a.cfg.MaintenanceMargin.Mul(p.Quantity.Abs()).Sub(netDelta)
		if denom.IsZero() {
			continue
		}
		liq := fixed.Div(denom)
		if !liq.IsPositive() {
			continue
		}
		dist := liq.Sub(mark).Abs().Div(mark)
		if !found || dist.LessThan(best) {
			best, found = dist, true
		}
	}
	return best, found
}
