package risk

import (
	"context"
	"testing"
	"time"

	"github.com/IggyIkenna/basis-strategy-v1/internal/marketdata"
	"github.com/IggyIkenna/basis-strategy-v1/internal/schema"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func registry(t *testing.T) *schema.Registry {
	t.Helper()
	reg := schema.NewRegistry("USDT")
	for _, inst := range []schema.Instrument{
		{Key: schema.Key("binance", "USDT"), Kind: schema.InstrumentSpot, Conversion: schema.ConversionIdentity},
		{Key: schema.Key("binance", "BTC-PERP"), Kind: schema.InstrumentPerp, Conversion: schema.ConversionMarkPrice, Underlying: "BTC", Settlement: "USDT"},
		{Key: schema.Key("aave", "aUSDT"), Kind: schema.InstrumentReceipt, Conversion: schema.ConversionProtocolIndex, Underlying: "USDT", Protocol: "aave", LiquidationThreshold: d("0.8")},
		{Key: schema.Key("aave", "debtETH"), Kind: schema.InstrumentDebt, Conversion: schema.ConversionProtocolIndex, Underlying: "ETH", Protocol: "aave"},
	} {
		require.NoError(t, reg.Add(inst))
	}
	return reg
}

func market(fundingRate string) marketdata.Market {
	s := marketdata.NewStore(0)
	s.SetFundingRate("binance", "BTC-PERP", t0, d(fundingRate))
	return marketdata.NewView(context.Background(), s, t0, "USDT")
}

func shortPerp(collateral string) schema.ExposureSnapshot {
	return schema.ExposureSnapshot{
		Timestamp: t0,
		Assets: []schema.AssetExposure{
			{Key: schema.Key("binance", "USDT"), Kind: schema.InstrumentSpot, Underlying: "USDT", Quantity: d(collateral), Value: d(collateral), Notional: d(collateral)},
			{
				Key: schema.Key("binance", "BTC-PERP"), Kind: schema.InstrumentPerp, Underlying: "BTC",
				Quantity: d("-1"), UnitPrice: d("50000"), CostBasis: d("-50000"),
				Value: decimal.Zero, Notional: d("50000"), DeltaUnits: d("-1"), DeltaValue: d("-50000"),
			},
		},
	}
}

func lending(debt string) schema.ExposureSnapshot {
	return schema.ExposureSnapshot{
		Timestamp: t0,
		Assets: []schema.AssetExposure{
			{Key: schema.Key("aave", "aUSDT"), Kind: schema.InstrumentReceipt, Underlying: "USDT", Value: d("1000"), Notional: d("1000")},
			{Key: schema.Key("aave", "debtETH"), Kind: schema.InstrumentDebt, Underlying: "ETH", Value: d(debt).Neg(), Notional: d(debt)},
		},
	}
}

func TestHealthFactor(t *testing.T) {
	a := NewAssessor(Config{
		HealthFactor: Limit{Enabled: true, Threshold: d("1.5"), Severity: schema.SeverityExit},
	}, registry(t))

	ok, err := a.Assess(t0, lending("500"), market("0"))
	require.NoError(t, err)
	m, found := ok.Metric("health_factor:aave")
	require.True(t, found)
	assert.True(t, m.Value.Equal(d("1.6")))
	assert.False(t, m.Breached)
	assert.Equal(t, schema.AdvisoryContinue, ok.Advisory)

	bad, err := a.Assess(t0, lending("600"), market("0"))
	require.NoError(t, err)
	m, _ = bad.Metric("health_factor:aave")
	assert.True(t, m.Breached)
	assert.Equal(t, schema.SeverityExit, m.Severity)
	assert.Equal(t, schema.AdvisoryExitRecommended, bad.Advisory)
}

func TestPerpMetrics(t *testing.T) {
	a := NewAssessor(Config{
		MarginRatio:         Limit{Enabled: true, Threshold: d("0.1"), Severity: schema.SeverityExit},
		LiquidationDistance: Limit{Enabled: true, Threshold: d("0.25"), Severity: schema.SeverityRebalance},
		FundingRate:         Limit{Enabled: true, Threshold: d("0.001"), Severity: schema.SeverityWarn},
		MaintenanceMargin:   d("0.005"),
	}, registry(t))

	got, err := a.Assess(t0, shortPerp("10000"), market("-0.002"))
	require.NoError(t, err)

	margin, ok := got.Metric("margin_ratio:binance")
	require.True(t, ok)
	assert.True(t, margin.Value.Equal(d("0.2")))
	assert.False(t, margin.Breached)

	// liq = (10000 + 50000) / (1 × 1.005)
	liq, ok := got.Metric("liquidation_distance:binance")
	require.True(t, ok)
	assert.InDelta(t, 0.19402985, liq.Value.InexactFloat64(), 1e-6)
	assert.True(t, liq.Breached)
	assert.Equal(t, schema.SeverityRebalance, liq.Severity)

	funding, ok := got.Metric("funding_rate:binance:BTC-PERP")
	require.True(t, ok)
	assert.True(t, funding.Value.Equal(d("0.002")))
	assert.True(t, funding.Breached)
	assert.Equal(t, schema.SeverityWarn, funding.Severity)

	assert.Equal(t, schema.AdvisoryRebalanceRecommended, got.Advisory)
	assert.Len(t, got.Breached(), 2)
}

func TestFundingRateMissing(t *testing.T) {
	a := NewAssessor(Config{FundingRate: Limit{Enabled: true, Threshold: d("0.001")}}, registry(t))
	empty := marketdata.NewView(context.Background(), marketdata.NewStore(0), t0, "USDT")
	_, err := a.Assess(t0, shortPerp("10000"), empty)
	assert.Error(t, err)
}

func TestTrendAndHysteresis(t *testing.T) {
	a := NewAssessor(Config{
		DeltaRatio: Limit{Enabled: true, Threshold: d("0.05"), Severity: schema.SeverityRebalance},
		Hysteresis: d("0.2"),
	}, registry(t))
	exp := func(net string) schema.ExposureSnapshot {
		return schema.ExposureSnapshot{NetDelta: d(net), GrossExposure: d("100")}
	}

	first, err := a.Assess(t0, exp("6"), market("0"))
	require.NoError(t, err)
	m, _ := first.Metric(MetricDeltaRatio)
	assert.True(t, m.Breached)
	assert.Nil(t, m.Previous)
	assert.Equal(t, schema.TrendUnknown, m.Trend)

	// assessing again without commit does not move the baseline
	again, err := a.Assess(t0, exp("6"), market("0"))
	require.NoError(t, err)
	assert.Equal(t, first, again)

	a.Commit(first)
	second, err := a.Assess(t0.Add(time.Hour), exp("4.5"), market("0"))
	require.NoError(t, err)
	m, _ = second.Metric(MetricDeltaRatio)
	assert.True(t, m.Breached, "still inside hysteresis band")
	require.NotNil(t, m.Previous)
	assert.True(t, m.Previous.Equal(d("0.06")))
	assert.Equal(t, schema.TrendImproving, m.Trend)

	a.Commit(second)
	third, err := a.Assess(t0.Add(2*time.Hour), exp("3.5"), market("0"))
	require.NoError(t, err)
	m, _ = third.Metric(MetricDeltaRatio)
	assert.False(t, m.Breached)
	assert.Equal(t, schema.AdvisoryContinue, third.Advisory)

	a.Commit(third)
	fourth, err := a.Assess(t0.Add(3*time.Hour), exp("3.5"), market("0"))
	require.NoError(t, err)
	m, _ = fourth.Metric(MetricDeltaRatio)
	assert.Equal(t, schema.TrendStable, m.Trend)
}

func TestKillSwitch(t *testing.T) {
	a := NewAssessor(Config{KillSwitch: true}, registry(t))
	got, err := a.Assess(t0, schema.ExposureSnapshot{}, market("0"))
	require.NoError(t, err)
	assert.Equal(t, schema.AdvisoryExitRecommended, got.Advisory)
	m, ok := got.Metric(MetricKillSwitch)
	require.True(t, ok)
	assert.True(t, m.Breached)
}
