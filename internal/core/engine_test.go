package core

import (
	"context"
	"testing"
	"time"

	"github.com/IggyIkenna/basis-strategy-v1/internal/chaos"
	"github.com/IggyIkenna/basis-strategy-v1/internal/execution"
	"github.com/IggyIkenna/basis-strategy-v1/internal/exposure"
	"github.com/IggyIkenna/basis-strategy-v1/internal/journal"
	"github.com/IggyIkenna/basis-strategy-v1/internal/marketdata"
	"github.com/IggyIkenna/basis-strategy-v1/internal/ops"
	"github.com/IggyIkenna/basis-strategy-v1/internal/pnl"
	"github.com/IggyIkenna/basis-strategy-v1/internal/risk"
	"github.com/IggyIkenna/basis-strategy-v1/internal/schema"
	"github.com/IggyIkenna/basis-strategy-v1/internal/sink"
	"github.com/IggyIkenna/basis-strategy-v1/internal/state"
	"github.com/IggyIkenna/basis-strategy-v1/internal/strategy"
	"github.com/IggyIkenna/basis-strategy-v1/pkg/exception"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

var basisVenues = []schema.Venue{"binance", "okx", "bybit"}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func basisRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg := schema.NewRegistry("USDT")
	require.NoError(t, reg.Add(schema.Instrument{Key: schema.Key("wallet", "USDT"), Kind: schema.InstrumentSpot, Conversion: schema.ConversionIdentity}))
	for _, v := range basisVenues {
		require.NoError(t, reg.Add(schema.Instrument{Key: schema.Key(v, "USDT"), Kind: schema.InstrumentSpot, Conversion: schema.ConversionIdentity}))
		require.NoError(t, reg.Add(schema.Instrument{Key: schema.Key(v, "BTC"), Kind: schema.InstrumentSpot, Conversion: schema.ConversionSpotPrice}))
		require.NoError(t, reg.Add(schema.Instrument{Key: schema.Key(v, "BTC-PERP"), Kind: schema.InstrumentPerp, Conversion: schema.ConversionMarkPrice, Underlying: "BTC", Settlement: "USDT"}))
	}
	return reg
}

func basisStore(maxAge time.Duration) *marketdata.Store {
	s := marketdata.NewStore(maxAge)
	s.SetPrice("BTC", t0, d("3764.17"))
	for _, v := range basisVenues {
		s.SetMarkPrice(v, "BTC-PERP", t0, d("3760.41"))
		s.SetFundingRate(v, "BTC-PERP", t0, d("0.0001"))
	}
	return s
}

type harness struct {
	engine  *Engine
	tracker *state.Tracker
	memory  *sink.Memory
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	mode     ops.Mode
	maxAge   time.Duration
	end      time.Time
	exec     execution.Config
	wrap     map[schema.Venue]chaos.Config
	journal  *sink.Journal
	interval time.Duration
	fees     execution.FeeSchedule
	reserve  decimal.Decimal
	risk     risk.Config
	market   func(*marketdata.Store)
}

func live(interval time.Duration) harnessOption {
	return func(c *harnessConfig) {
		c.mode = ops.ModeLive
		c.interval = interval
		c.exec = execution.LiveConfig()
		c.exec.Attempts = 2
		c.exec.Sleep = func(context.Context, time.Duration) error { return nil }
	}
}

func withChaos(venue schema.Venue, cfg chaos.Config) harnessOption {
	return func(c *harnessConfig) { c.wrap[venue] = cfg }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	cfg := harnessConfig{
		mode: ops.ModeBacktest,
		end:  t0.Add(3 * time.Hour),
		exec: execution.BacktestConfig(),
		wrap: map[schema.Venue]chaos.Config{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	reg := basisRegistry(t)
	store := basisStore(cfg.maxAge)
	if cfg.market != nil {
		cfg.market(store)
	}
	tracker := state.NewTracker(reg)

	venues := []execution.Venue{execution.NewSimulated("wallet", cfg.fees, reg, store)}
	for _, name := range basisVenues {
		var v execution.Venue = execution.NewSimulated(name, cfg.fees, reg, store)
		if c, ok := cfg.wrap[name]; ok {
			wrapped, err := chaos.Wrap(v, c)
			require.NoError(t, err)
			v = wrapped
		}
		venues = append(venues, v)
	}
	orch, err := execution.NewOrchestrator(cfg.exec, tracker, venues...)
	require.NoError(t, err)

	planner, err := strategy.NewBasis(strategy.BasisConfig{
		Capital:    d("100000"),
		SeedVenue:  "wallet",
		Quote:      "USDT",
		Underlying: "BTC",
		Reserve:    cfg.reserve,
		Allocations: []strategy.Allocation{
			{Venue: "binance", Weight: d("0.4"), SpotAsset: "BTC", PerpAsset: "BTC-PERP"},
			{Venue: "okx", Weight: d("0.3"), SpotAsset: "BTC", PerpAsset: "BTC-PERP"},
			{Venue: "bybit", Weight: d("0.3"), SpotAsset: "BTC", PerpAsset: "BTC-PERP"},
		},
	})
	require.NoError(t, err)
	decisions, err := strategy.NewEngine(strategy.Config{StrategyID: "btc-basis", RebalanceThreshold: d("0.005")}, planner)
	require.NoError(t, err)
	pnlEngine, err := pnl.NewEngine(pnl.Config{Tolerance: d("0.05"), AbsoluteFloor: d("1"), FundingHours: []int{0, 8, 16}}, reg)
	require.NoError(t, err)

	memory := sink.NewMemory()
	var out sink.Sink = memory
	if cfg.journal != nil {
		out = sink.FanOut{memory, cfg.journal}
	}

	e, err := NewEngine(Config{
		StrategyID: "btc-basis",
		Mode:       cfg.mode,
		Capital:    d("100000"),
		SeedVenue:  "wallet",
		Start:      t0,
		End:        cfg.end,
		Step:       time.Hour,
		Interval:   cfg.interval,
		QueueSize:  4,
	}, Deps{
		Registry:     reg,
		Provider:     store,
		Tracker:      tracker,
		Exposure:     exposure.NewCalculator(reg),
		Risk:         risk.NewAssessor(cfg.risk, reg),
		Strategy:     decisions,
		Orchestrator: orch,
		PnL:          pnlEngine,
		Sink:         out,
		Journal:      cfg.journal,
	})
	require.NoError(t, err)
	return &harness{engine: e, tracker: tracker, memory: memory}
}

func requireCode(t *testing.T, err error, code exception.Code) {
	t.Helper()
	require.Error(t, err)
	x, ok := exception.As(err)
	require.True(t, ok, "not an exception: %v", err)
	assert.Equal(t, code, x.Code)
}

func TestNewEngineValidates(t *testing.T) {
	_, err := NewEngine(Config{StrategyID: "x", Mode: ops.ModeBacktest}, Deps{})
	require.ErrorIs(t, err, exception.ErrConfiguration)

	h := newHarness(t)
	deps := h.engine.deps
	_, err = NewEngine(Config{StrategyID: "x", Mode: ops.ModeBacktest, Start: t0, End: t0}, deps)
	require.ErrorIs(t, err, exception.ErrConfiguration)

	_, err = NewEngine(Config{StrategyID: "x", Mode: ops.ModeLive}, deps)
	require.ErrorIs(t, err, exception.ErrConfiguration)
}

func TestBacktestInitialSetupThenHolds(t *testing.T) {
	h := newHarness(t)

	st, err := h.engine.RunBacktest(t.Context())
	require.NoError(t, err)
	assert.Equal(t, StateStopped, st.State)
	assert.Equal(t, schema.StateSteady, st.StrategyState)
	assert.EqualValues(t, 4, st.Ticks)
	assert.Empty(t, h.tracker.Owner())

	recs := h.memory.Records()
	require.Len(t, recs, 4)

	first := recs[0]
	require.NotNil(t, first.Decision)
	assert.Equal(t, schema.ActionInitialSetup, first.Decision.Action)
	require.Len(t, first.Decision.Instructions, 9)
	require.NotNil(t, first.Execution)
	assert.True(t, first.Execution.Succeeded())
	assert.True(t, first.Exposure.NetDelta.IsZero())
	assert.True(t, first.PnL.WithinTolerance)
	assert.False(t, first.PnL.Provisional)

	size := first.Positions.Quantity(schema.Key("binance", "BTC"))
	assert.True(t, size.IsPositive())
	for _, v := range basisVenues {
		assert.True(t, first.Positions.Quantity(schema.Key(v, "BTC-PERP")).Equal(first.Positions.Quantity(schema.Key(v, "BTC")).Neg()), v)
	}

	for i, rec := range recs {
		assert.EqualValues(t, i+1, rec.Seq)
		assert.Equal(t, t0.Add(time.Duration(i)*time.Hour), rec.Timestamp)
		assert.Empty(t, rec.Error)
		if i == 0 {
			continue
		}
		require.NotNil(t, rec.Decision, "tick %d", i)
		assert.Equal(t, schema.ActionNone, rec.Decision.Action)
		assert.Nil(t, rec.Execution)
		assert.Equal(t, first.Positions.Seq, rec.Positions.Seq)
	}

	snap := h.engine.Metrics().Snapshot()
	assert.EqualValues(t, 4, snap.Ticks)
	assert.EqualValues(t, 1, snap.Decisions[schema.ActionInitialSetup])
	assert.EqualValues(t, 3, snap.Decisions[schema.ActionNone])
}

func TestBacktestSettlesFundingAtFundingHour(t *testing.T) {
	h := newHarness(t, func(c *harnessConfig) { c.end = t0.Add(9 * time.Hour) })

	_, err := h.engine.RunBacktest(t.Context())
	require.NoError(t, err)

	recs := h.memory.Records()
	require.Len(t, recs, 10)
	var settled []time.Time
	for _, rec := range recs {
		if len(rec.Activity.Funding) > 0 {
			settled = append(settled, rec.Timestamp)
			assert.True(t, rec.Activity.FundingTotal().IsPositive(), "short perps receive positive funding")
			assert.True(t, rec.PnL.WithinTolerance, rec.PnL.Warning)
		}
	}
	assert.Equal(t, []time.Time{t0.Add(8 * time.Hour)}, settled)

	fundingTick := recs[8]
	var attributed decimal.Decimal
	for _, a := range fundingTick.PnL.Attribution {
		if a.Name == schema.ComponentFunding {
			attributed = a.Period
		}
	}
	assert.True(t, attributed.Equal(fundingTick.Activity.FundingTotal()))
	assert.True(t, fundingTick.PnL.BalancePnL.Equal(fundingTick.Activity.FundingTotal()))
}

func TestBacktestRiskExitWithFeesReturnsFundsToSeed(t *testing.T) {
	h := newHarness(t, func(c *harnessConfig) {
		c.fees = execution.FeeSchedule{Spot: d("0.001"), Derivative: d("0.0005"), Transfer: d("1")}
		c.reserve = d("0.01")
		c.risk = risk.Config{FundingRate: risk.Limit{Enabled: true, Threshold: d("0.001"), Severity: schema.SeverityExit}}
		c.market = func(s *marketdata.Store) {
			// shorts start paying 1% per period
			for _, v := range basisVenues {
				s.SetFundingRate(v, "BTC-PERP", t0.Add(2*time.Hour), d("-0.01"))
			}
		}
	})

	st, err := h.engine.RunBacktest(t.Context())
	require.NoError(t, err)
	assert.Equal(t, schema.StateRiskExit, st.StrategyState)

	recs := h.memory.Records()
	require.Len(t, recs, 4)
	assert.Equal(t, schema.ActionInitialSetup, recs[0].Decision.Action)
	exit := recs[2]
	require.NotNil(t, exit.Decision)
	assert.Equal(t, schema.ActionRiskExit, exit.Decision.Action)
	require.NotNil(t, exit.Execution)
	assert.True(t, exit.Execution.Succeeded(), exit.Execution.Error)
	assert.Len(t, exit.Execution.Completed, 9)
	assert.True(t, exit.Execution.Fees.IsPositive())
	assert.Empty(t, exit.Error)

	snap := h.tracker.CurrentSnapshot()
	for _, v := range basisVenues {
		for _, asset := range []schema.Asset{"USDT", "BTC", "BTC-PERP"} {
			assert.True(t, snap.Quantity(schema.Key(v, asset)).IsZero(), "%s/%s left %s", v, asset, snap.Quantity(schema.Key(v, asset)))
		}
	}
	wallet := snap.Quantity(schema.Key("wallet", "USDT"))
	assert.True(t, wallet.GreaterThan(d("99500")), wallet.String())
	assert.True(t, wallet.LessThan(d("100000")), wallet.String())
}

func TestBacktestDataGapIsFatal(t *testing.T) {
	h := newHarness(t, func(c *harnessConfig) { c.maxAge = time.Hour })

	st, err := h.engine.RunBacktest(t.Context())
	require.Error(t, err)
	assert.ErrorIs(t, err, exception.ErrDataUnavailable)
	assert.Equal(t, StateStopped, st.State)
	assert.Equal(t, 2, h.memory.Len())
	assert.Empty(t, h.tracker.Owner())
}

func TestTickOrderingAndSeeding(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.Tick(t.Context(), t0)
	requireCode(t, err, exception.CodeNotSeeded)

	_, err = h.tracker.SeedInitialCapital(t0, d("100000"), "USDT", "wallet")
	require.NoError(t, err)

	_, err = h.engine.Tick(t.Context(), t0.Add(time.Hour))
	require.NoError(t, err)
	_, err = h.engine.Tick(t.Context(), t0.Add(time.Hour))
	requireCode(t, err, exception.CodeInvalidSequence)
	_, err = h.engine.Tick(t.Context(), t0)
	requireCode(t, err, exception.CodeInvalidSequence)
	assert.Equal(t, 1, h.memory.Len())
}

func TestTrackerClaimedByAnotherRun(t *testing.T) {
	h := newHarness(t)
	release, err := h.tracker.Claim("other-run")
	require.NoError(t, err)
	defer release()

	_, err = h.engine.RunBacktest(t.Context())
	require.ErrorIs(t, err, exception.ErrState)
	requireCode(t, err, exception.CodeTrackerClaimed)
	assert.Equal(t, 0, h.memory.Len())
	assert.False(t, h.tracker.Seeded())
}

func TestRunBacktestRequiresBacktestMode(t *testing.T) {
	h := newHarness(t, live(time.Second))
	_, err := h.engine.RunBacktest(t.Context())
	require.ErrorIs(t, err, exception.ErrConfiguration)

	b := newHarness(t)
	require.ErrorIs(t, b.engine.Start(t.Context()), exception.ErrConfiguration)
}

func TestLiveExecutionFailureDegrades(t *testing.T) {
	h := newHarness(t, live(time.Hour), withChaos("binance", chaos.Config{
		Seed:      1,
		FailKinds: []schema.InstructionKind{schema.InstructionDerivativeTrade},
	}))
	_, err := h.tracker.SeedInitialCapital(t0, d("100000"), "USDT", "wallet")
	require.NoError(t, err)

	rec, err := h.engine.Tick(t.Context(), t0)
	require.NoError(t, err)
	require.NotNil(t, rec.Decision)
	assert.Equal(t, schema.ActionInitialSetup, rec.Decision.Action)
	require.NotNil(t, rec.Execution)
	assert.False(t, rec.Execution.Succeeded())
	assert.NotEmpty(t, rec.Error)
	assert.True(t, rec.Degraded)

	st := h.engine.Status()
	assert.Equal(t, StateDegraded, st.State)
	assert.NotEmpty(t, st.DegradedReason)

	// degraded: observed and recorded, no decision
	rec, err = h.engine.Tick(t.Context(), t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Nil(t, rec.Decision)
	assert.Empty(t, rec.Error)
	assert.True(t, rec.Degraded)
	assert.Equal(t, 2, h.memory.Len())

	require.NoError(t, h.engine.Resume())
	assert.Equal(t, StateRunning, h.engine.Status().State)
	requireCode(t, h.engine.Resume(), exception.CodeEngineStopped)

	rec, err = h.engine.Tick(t.Context(), t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.NotNil(t, rec.Decision)
}

func TestLiveStartStop(t *testing.T) {
	dir := t.TempDir()
	j, err := sink.OpenJournal(t.Context(), journal.DefaultConfig(dir))
	require.NoError(t, err)
	defer j.Close()

	h := newHarness(t, live(20*time.Millisecond), func(c *harnessConfig) { c.journal = j })
	require.NoError(t, h.engine.Start(t.Context()))
	requireCode(t, h.engine.Start(t.Context()), exception.CodeEngineRunning)
	assert.Equal(t, h.engine.RunID(), h.tracker.Owner())

	require.Eventually(t, func() bool { return h.engine.Status().Ticks >= 3 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, h.engine.Stop())
	requireCode(t, h.engine.Stop(), exception.CodeEngineStopped)

	st := h.engine.Status()
	assert.Equal(t, StateStopped, st.State)
	assert.Empty(t, h.tracker.Owner())

	recs := h.memory.Records()
	require.GreaterOrEqual(t, len(recs), 3)
	require.NotNil(t, recs[0].Decision)
	assert.Equal(t, schema.ActionInitialSetup, recs[0].Decision.Action)
	for i := 1; i < len(recs); i++ {
		assert.True(t, recs[i].Timestamp.After(recs[i-1].Timestamp))
	}

	require.NoError(t, j.Writer().Sync(t.Context()))
	for _, typ := range []schema.EventType{schema.EventSeed, schema.EventRunStart, schema.EventRunStop, schema.EventTick} {
		_, _, ok, err := journal.Last(t.Context(), journal.PlaybackConfig{Dir: dir}, typ)
		require.NoError(t, err)
		assert.True(t, ok, "event type %d", typ)
	}
}
