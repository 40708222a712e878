package exposure

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IggyIkenna/basis-strategy-v1/internal/marketdata"
	"github.com/IggyIkenna/basis-strategy-v1/internal/schema"
	"github.com/IggyIkenna/basis-strategy-v1/pkg/exception"
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
		{Key: schema.Key("wallet", "USDT"), Kind: schema.InstrumentSpot, Conversion: schema.ConversionIdentity},
		{Key: schema.Key("binance", "BTC"), Kind: schema.InstrumentSpot, Conversion: schema.ConversionSpotPrice},
		{Key: schema.Key("binance", "BTC-PERP"), Kind: schema.InstrumentPerp, Conversion: schema.ConversionMarkPrice, Underlying: "BTC", Settlement: "USDT"},
		{Key: schema.Key("aave", "aUSDT"), Kind: schema.InstrumentReceipt, Conversion: schema.ConversionProtocolIndex, Underlying: "USDT", Protocol: "aave"},
		{Key: schema.Key("aave", "debtETH"), Kind: schema.InstrumentDebt, Conversion: schema.ConversionProtocolIndex, Underlying: "ETH", Protocol: "aave"},
		{Key: schema.Key("etherfi", "weETH"), Kind: schema.InstrumentSpot, Conversion: schema.ConversionOraclePrice, Underlying: "ETH"},
	} {
		require.NoError(t, reg.Add(inst))
	}
	return reg
}

func market(t *testing.T) marketdata.Market {
	t.Helper()
	s := marketdata.NewStore(0)
	s.SetPrice("BTC", t0, d("50000"))
	s.SetPrice("ETH", t0, d("3000"))
	s.SetMarkPrice("binance", "BTC-PERP", t0, d("50100"))
	s.SetOraclePrice("weETH", t0, d("3150"))
	s.SetRate("aave", "USDT", t0, marketdata.Rate{SupplyIndex: d("1.1"), BorrowIndex: d("1.2")})
	s.SetRate("aave", "ETH", t0, marketdata.Rate{SupplyIndex: d("1.01"), BorrowIndex: d("1.05")})
	return marketdata.NewView(context.Background(), s, t0, "USDT")
}

func snapshot(positions ...schema.Position) schema.PositionSnapshot {
	schema.SortPositions(positions)
	return schema.PositionSnapshot{Timestamp: t0, Seq: 4, Positions: positions}
}

func TestCalculateConversionMethods(t *testing.T) {
	calc := NewCalculator(registry(t))
	snap := snapshot(
		schema.Position{Key: schema.Key("wallet", "USDT"), Quantity: d("1000")},
		schema.Position{Key: schema.Key("binance", "BTC"), Quantity: d("2")},
		schema.Position{Key: schema.Key("binance", "BTC-PERP"), Quantity: d("-2"), CostBasis: d("-100400")},
		schema.Position{Key: schema.Key("aave", "aUSDT"), Quantity: d("100")},
		schema.Position{Key: schema.Key("aave", "debtETH"), Quantity: d("1")},
		schema.Position{Key: schema.Key("etherfi", "weETH"), Quantity: d("2")},
	)

	exp, err := calc.Calculate(t0, snap, market(t))
	require.NoError(t, err)
	assert.EqualValues(t, 4, exp.PositionSeq)

	testCases := []struct {
		key      schema.PositionKey
		value    string
		notional string
		delta    string
	}{
		{key: schema.Key("wallet", "USDT"), value: "1000", notional: "1000", delta: "0"},
		{key: schema.Key("binance", "BTC"), value: "100000", notional: "100000", delta: "2"},
		// short 2 @ 50200 entry, mark 50100: +200
		{key: schema.Key("binance", "BTC-PERP"), value: "200", notional: "100200", delta: "-2"},
		{key: schema.Key("aave", "aUSDT"), value: "110", notional: "110", delta: "0"},
		{key: schema.Key("aave", "debtETH"), value: "-3150", notional: "3150", delta: "-1.05"},
		{key: schema.Key("etherfi", "weETH"), value: "6300", notional: "6300", delta: "2.1"},
	}
	for _, tc := range testCases {
		t.Run(tc.key.String(), func(t *testing.T) {
			a, ok := exp.Asset(tc.key)
			require.True(t, ok)
			assert.True(t, a.Value.Equal(d(tc.value)), "value %s", a.Value)
			assert.True(t, a.Notional.Equal(d(tc.notional)), "notional %s", a.Notional)
			assert.True(t, a.DeltaUnits.Equal(d(tc.delta)), "delta %s", a.DeltaUnits)
		})
	}

	assert.True(t, exp.TotalValue.Equal(d("104460")), exp.TotalValue.String())
	assert.True(t, exp.DeltaByUnderlying["BTC"].IsZero())
	assert.True(t, exp.DeltaByUnderlying["ETH"].Equal(d("1.05")))
	// ETH: 1.05 × 3000
	assert.True(t, exp.NetDelta.Equal(d("3150")), exp.NetDelta.String())
}

func TestCalculateUnknownAsset(t *testing.T) {
	calc := NewCalculator(registry(t))
	_, err := calc.Calculate(t0, snapshot(schema.Position{Key: schema.Key("okx", "SOL"), Quantity: d("1")}), market(t))
	require.Error(t, err)
	assert.True(t, errors.Is(err, exception.ErrConfiguration))
	e, _ := exception.As(err)
	assert.Equal(t, exception.CodeNoConversionRule, e.Code)
}

func TestCalculateMissingPrice(t *testing.T) {
	reg := registry(t)
	require.NoError(t, reg.Add(schema.Instrument{Key: schema.Key("okx", "SOL"), Kind: schema.InstrumentSpot, Conversion: schema.ConversionSpotPrice}))
	calc := NewCalculator(reg)
	_, err := calc.Calculate(t0, snapshot(schema.Position{Key: schema.Key("okx", "SOL"), Quantity: d("1")}), market(t))
	require.Error(t, err)
	assert.True(t, errors.Is(err, exception.ErrDataUnavailable))
	e, _ := exception.As(err)
	assert.Equal(t, component, e.Component)
}

func TestCalculateIsPure(t *testing.T) {
	calc := NewCalculator(registry(t))
	snap := snapshot(
		schema.Position{Key: schema.Key("binance", "BTC"), Quantity: d("1")},
		schema.Position{Key: schema.Key("binance", "BTC-PERP"), Quantity: d("-1"), CostBasis: d("-50000")},
	)
	m := market(t)
	a, err := calc.Calculate(t0, snap, m)
	require.NoError(t, err)
	b, err := calc.Calculate(t0, snap, m)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.True(t, a.NetDelta.IsZero())
}
