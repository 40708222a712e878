package main

import (
	"testing"

	"github.com/IggyIkenna/basis-strategy-v1/internal/chaos"
	"github.com/IggyIkenna/basis-strategy-v1/internal/ops"
	"github.com/IggyIkenna/basis-strategy-v1/internal/schema"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadBasis(t *testing.T) ops.Loaded {
	t.Helper()
	loaded, err := ops.Load("../../../configs/btc_basis.json")
	require.NoError(t, err)
	loaded.Backtest.DataDir = "../../../testdata/btc_basis"
	return loaded
}

func TestParseKinds(t *testing.T) {
	kinds, err := parseKinds("derivative_trade, SPOT_TRADE,")
	require.NoError(t, err)
	assert.Equal(t, []schema.InstructionKind{schema.InstructionDerivativeTrade, schema.InstructionSpotTrade}, kinds)

	_, err = parseKinds("MARGIN_CALL")
	require.Error(t, err)

	kinds, err = parseKinds("")
	require.NoError(t, err)
	assert.Empty(t, kinds)
}

func TestDrillWithoutFaultsVerifies(t *testing.T) {
	rep, err := drill(t.Context(), loadBasis(t), chaos.Config{Seed: 7}, nil, t.TempDir())
	require.NoError(t, err)
	assert.Len(t, rep.Wrapped, 4)
	assert.Empty(t, rep.RunErr)
	assert.Equal(t, 25, rep.Ticks)
	assert.Zero(t, rep.Failed)
	assert.Zero(t, rep.Warnings)
	assert.True(t, rep.Verified, rep.VerifyError)
}

func TestDrillFailedSetupStillVerifies(t *testing.T) {
	cfg := chaos.Config{Seed: 7, FailKinds: []schema.InstructionKind{schema.InstructionDerivativeTrade}}
	rep, err := drill(t.Context(), loadBasis(t), cfg, []string{"okx"}, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, []schema.Venue{"okx"}, rep.Wrapped)
	assert.NotEmpty(t, rep.RunErr)
	assert.Equal(t, 1, rep.Ticks)
	assert.Equal(t, 1, rep.Failed)
	assert.True(t, rep.Verified, rep.VerifyError)
}

func TestDrillScaledFundingRaisesWarnings(t *testing.T) {
	cfg := chaos.Config{Seed: 7, FundingMultiplier: decimal.NewFromInt(3)}
	rep, err := drill(t.Context(), loadBasis(t), cfg, nil, t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, rep.RunErr)
	assert.Equal(t, 25, rep.Ticks)
	assert.Positive(t, rep.Warnings)
	assert.True(t, rep.Verified, rep.VerifyError)
}

func TestDrillRejectsUnknownVenue(t *testing.T) {
	_, err := drill(t.Context(), loadBasis(t), chaos.Config{}, []string{"kraken"}, t.TempDir())
	require.Error(t, err)
}
