package execution

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/IggyIkenna/basis-strategy-v1/internal/exposure"
	"github.com/IggyIkenna/basis-strategy-v1/internal/marketdata"
	"github.com/IggyIkenna/basis-strategy-v1/internal/schema"
	"github.com/IggyIkenna/basis-strategy-v1/internal/state"
	"github.com/IggyIkenna/basis-strategy-v1/internal/strategy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// book runs planner output through simulated venues that charge fees.
type book struct {
	reg     *schema.Registry
	store   *marketdata.Store
	tracker *state.Tracker
	orch    *Orchestrator
	seq     int
}

func newBook(t *testing.T, reg *schema.Registry, store *marketdata.Store, fees map[schema.Venue]FeeSchedule) *book {
	t.Helper()
	tr := state.NewTracker(reg)
	_, err := tr.SeedInitialCapital(t0, d("100000"), "USDT", "wallet")
	require.NoError(t, err)
	var venues []Venue
	for name, fee := range fees {
		venues = append(venues, NewSimulated(name, fee, reg, store))
	}
	orch, err := NewOrchestrator(BacktestConfig(), tr, venues...)
	require.NoError(t, err)
	return &book{reg: reg, store: store, tracker: tr, orch: orch}
}

func (b *book) input(t *testing.T, ts time.Time) strategy.Input {
	t.Helper()
	market := marketdata.NewView(context.Background(), b.store, ts, "USDT")
	exp, err := exposure.NewCalculator(b.reg).Calculate(ts, b.tracker.CurrentSnapshot(), market)
	require.NoError(t, err)
	return strategy.Input{Timestamp: ts, Exposure: exp, Market: market}
}

func (b *book) run(t *testing.T, ts time.Time, action schema.ActionKind, plan strategy.Plan) schema.ExecutionResult {
	t.Helper()
	b.seq++
	dec := schema.Decision{ID: fmt.Sprintf("dec-%d", b.seq), Action: action, Instructions: plan.Instructions}
	for i := range dec.Instructions {
		dec.Instructions[i].ID = fmt.Sprintf("%s-%d", dec.ID, i)
	}
	res, err := b.orch.Execute(t.Context(), ts, dec)
	require.NoError(t, err)
	require.True(t, res.Succeeded())
	return res
}

func (b *book) qty(venue schema.Venue, asset schema.Asset) string {
	return b.tracker.CurrentSnapshot().Quantity(schema.Key(venue, asset)).String()
}

func TestBasisExitReturnsEverythingToSeed(t *testing.T) {
	reg := schema.NewRegistry("USDT")
	require.NoError(t, reg.Add(schema.Instrument{Key: schema.Key("wallet", "USDT"), Kind: schema.InstrumentSpot, Conversion: schema.ConversionIdentity}))
	store := marketdata.NewStore(0)
	store.SetPrice("BTC", t0, d("50000"))
	fees := map[schema.Venue]FeeSchedule{"wallet": {Transfer: d("1")}}
	for _, v := range []schema.Venue{"binance", "okx"} {
		require.NoError(t, reg.Add(schema.Instrument{Key: schema.Key(v, "USDT"), Kind: schema.InstrumentSpot, Conversion: schema.ConversionIdentity}))
		require.NoError(t, reg.Add(schema.Instrument{Key: schema.Key(v, "BTC"), Kind: schema.InstrumentSpot, Conversion: schema.ConversionSpotPrice}))
		require.NoError(t, reg.Add(schema.Instrument{Key: schema.Key(v, "BTC-PERP"), Kind: schema.InstrumentPerp, Conversion: schema.ConversionMarkPrice, Underlying: "BTC", Settlement: "USDT"}))
		store.SetMarkPrice(v, "BTC-PERP", t0, d("50000"))
		store.SetFundingRate(v, "BTC-PERP", t0, d("0.0001"))
		fees[v] = FeeSchedule{Spot: d("0.001"), Derivative: d("0.0005"), Transfer: d("1")}
	}
	b := newBook(t, reg, store, fees)

	planner, err := strategy.NewBasis(strategy.BasisConfig{
		Capital:    d("100000"),
		SeedVenue:  "wallet",
		Quote:      "USDT",
		Underlying: "BTC",
		Reserve:    d("0.01"),
		Allocations: []strategy.Allocation{
			{Venue: "binance", Weight: d("0.5"), SpotAsset: "BTC", PerpAsset: "BTC-PERP"},
			{Venue: "okx", Weight: d("0.5"), SpotAsset: "BTC", PerpAsset: "BTC-PERP"},
		},
	})
	require.NoError(t, err)

	setup, err := planner.InitialSetup(b.input(t, t0))
	require.NoError(t, err)
	b.run(t, t0, schema.ActionInitialSetup, setup)
	assert.Equal(t, "0", b.qty("wallet", "USDT"))
	assert.Equal(t, "424.75", b.qty("binance", "USDT"))

	exit, err := planner.Exit(b.input(t, t0))
	require.NoError(t, err)
	res := b.run(t, t0, schema.ActionRiskExit, exit)
	assert.Len(t, res.Completed, 6)

	// each venue nets 49850.5 after close and sell fees, minus the transfer fee
	assert.Equal(t, "99699", b.qty("wallet", "USDT"))
	for _, v := range []schema.Venue{"binance", "okx"} {
		for _, asset := range []schema.Asset{"USDT", "BTC", "BTC-PERP"} {
			assert.Equal(t, "0", b.qty(v, asset), "%s/%s", v, asset)
		}
	}
	swept := res.Outcomes[len(res.Outcomes)-1].Instruction
	assert.True(t, swept.Sweep)
	assert.Equal(t, "49850.5", swept.Amount.String())
}

func lendingBook(t *testing.T) (*book, *strategy.Lending) {
	t.Helper()
	reg := schema.NewRegistry("USDT")
	require.NoError(t, reg.Add(schema.Instrument{Key: schema.Key("wallet", "USDT"), Kind: schema.InstrumentSpot, Conversion: schema.ConversionIdentity}))
	store := marketdata.NewStore(0)
	fees := map[schema.Venue]FeeSchedule{"wallet": {Transfer: d("1")}}
	for venue, token := range map[schema.Venue]schema.Asset{"aave": "aUSDT", "morpho": "mUSDT"} {
		require.NoError(t, reg.Add(schema.Instrument{Key: schema.Key(venue, "USDT"), Kind: schema.InstrumentSpot, Conversion: schema.ConversionIdentity}))
		require.NoError(t, reg.Add(schema.Instrument{Key: schema.Key(venue, token), Kind: schema.InstrumentReceipt, Conversion: schema.ConversionProtocolIndex, Underlying: "USDT", Protocol: string(venue)}))
		fees[venue] = FeeSchedule{Lending: d("0.001"), Transfer: d("1")}
	}
	store.SetRate("aave", "USDT", t0, marketdata.Rate{SupplyIndex: d("1.25"), BorrowIndex: d("1.3")})
	store.SetRate("morpho", "USDT", t0, marketdata.Rate{SupplyIndex: d("1.1"), BorrowIndex: d("1.2")})

	planner, err := strategy.NewLending(strategy.LendingConfig{
		Capital:   d("100000"),
		SeedVenue: "wallet",
		Quote:     "USDT",
		Reserve:   d("0.01"),
		Allocations: []strategy.Allocation{
			{Venue: "aave", Weight: d("0.5"), SpotAsset: "aUSDT"},
			{Venue: "morpho", Weight: d("0.5"), SpotAsset: "mUSDT"},
		},
	})
	require.NoError(t, err)

	b := newBook(t, reg, store, fees)
	setup, err := planner.InitialSetup(b.input(t, t0))
	require.NoError(t, err)
	b.run(t, t0, schema.ActionInitialSetup, setup)
	return b, planner
}

func TestLendingExitReturnsEverythingToSeed(t *testing.T) {
	b, planner := lendingBook(t)
	// the 49999 that arrived keeps 499 idle after a 49500 gross supply
	assert.Equal(t, "499", b.qty("aave", "USDT"))

	exit, err := planner.Exit(b.input(t, t0))
	require.NoError(t, err)
	b.run(t, t0, schema.ActionRiskExit, exit)

	wallet := b.tracker.CurrentSnapshot().Quantity(schema.Key("wallet", "USDT"))
	assert.True(t, wallet.GreaterThan(d("99700")), wallet.String())
	assert.True(t, wallet.LessThan(d("100000")), wallet.String())
	for venue, token := range map[schema.Venue]schema.Asset{"aave": "aUSDT", "morpho": "mUSDT"} {
		assert.Equal(t, "0", b.qty(venue, "USDT"), "%s idle", venue)
		left := b.tracker.CurrentSnapshot().Quantity(schema.Key(venue, token))
		assert.True(t, left.LessThan(d("0.000001")), "%s receipt %s", venue, left)
	}
}

func TestLendingRebalanceAbsorbsFees(t *testing.T) {
	b, planner := lendingBook(t)
	t1 := t0.Add(time.Hour)
	b.store.SetRate("aave", "USDT", t1, marketdata.Rate{SupplyIndex: d("1.5"), BorrowIndex: d("1.6")})
	b.store.SetRate("morpho", "USDT", t1, marketdata.Rate{SupplyIndex: d("1.1"), BorrowIndex: d("1.2")})

	in := b.input(t, t1)
	before, err := planner.Deviation(in)
	require.NoError(t, err)
	require.True(t, before.GreaterThan(d("0.04")), before.String())

	plan, err := planner.Rebalance(in)
	require.NoError(t, err)
	res := b.run(t, t1, schema.ActionRebalance, plan)
	assert.Len(t, res.Completed, len(plan.Instructions))

	// the wallet only received the withdrawn amount less the transfer fee
	assert.Equal(t, "0", b.qty("wallet", "USDT"))
	after, err := planner.Deviation(b.input(t, t1))
	require.NoError(t, err)
	assert.True(t, after.LessThan(d("0.001")), after.String())
}
