package execution

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IggyIkenna/basis-strategy-v1/internal/marketdata"
	"github.com/IggyIkenna/basis-strategy-v1/internal/schema"
	"github.com/IggyIkenna/basis-strategy-v1/internal/state"
	"github.com/IggyIkenna/basis-strategy-v1/pkg/backoff"
	"github.com/IggyIkenna/basis-strategy-v1/pkg/exception"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg := schema.NewRegistry("USDT")
	for _, inst := range []schema.Instrument{
		{Key: schema.Key("wallet", "USDT"), Kind: schema.InstrumentSpot, Conversion: schema.ConversionIdentity},
		{Key: schema.Key("binance", "USDT"), Kind: schema.InstrumentSpot, Conversion: schema.ConversionIdentity},
		{Key: schema.Key("binance", "BTC"), Kind: schema.InstrumentSpot, Conversion: schema.ConversionSpotPrice},
		{Key: schema.Key("binance", "BTC-PERP"), Kind: schema.InstrumentPerp, Conversion: schema.ConversionMarkPrice, Underlying: "BTC", Settlement: "USDT"},
		{Key: schema.Key("okx", "USDT"), Kind: schema.InstrumentSpot, Conversion: schema.ConversionIdentity},
		{Key: schema.Key("okx", "BTC"), Kind: schema.InstrumentSpot, Conversion: schema.ConversionSpotPrice},
		{Key: schema.Key("aave", "USDT"), Kind: schema.InstrumentSpot, Conversion: schema.ConversionIdentity},
		{Key: schema.Key("aave", "aUSDT"), Kind: schema.InstrumentReceipt, Conversion: schema.ConversionProtocolIndex, Underlying: "USDT", Protocol: "aave"},
	} {
		require.NoError(t, reg.Add(inst))
	}
	return reg
}

func testStore() *marketdata.Store {
	s := marketdata.NewStore(0)
	s.SetPrice("BTC", t0, d("50000"))
	s.SetMarkPrice("binance", "BTC-PERP", t0, d("50000"))
	s.SetFundingRate("binance", "BTC-PERP", t0, d("0.0001"))
	s.SetRate("aave", "USDT", t0, marketdata.Rate{SupplyIndex: d("1.25"), BorrowIndex: d("1.3")})
	return s
}

type fixture struct {
	reg     *schema.Registry
	tracker *state.Tracker
	orch    *Orchestrator
	applied []string
}

func newFixture(t *testing.T, cfg Config, extra ...Venue) *fixture {
	t.Helper()
	reg := testRegistry(t)
	tr := state.NewTracker(reg)
	_, err := tr.SeedInitialCapital(t0, d("100000"), "USDT", "wallet")
	require.NoError(t, err)

	store := testStore()
	venues := []Venue{
		NewSimulated("wallet", FeeSchedule{}, reg, store),
		NewSimulated("binance", FeeSchedule{}, reg, store),
		NewSimulated("okx", FeeSchedule{}, reg, store),
		NewSimulated("aave", FeeSchedule{}, reg, store),
	}
	venues = append(venues, extra...)
	orch, err := NewOrchestrator(cfg, tr, venues...)
	require.NoError(t, err)

	f := &fixture{reg: reg, tracker: tr, orch: orch}
	orch.OnApplied(func(_ context.Context, _ time.Time, _ schema.PositionSnapshot, fills []schema.Fill) error {
		for _, fill := range fills {
			f.applied = append(f.applied, fill.InstructionID)
		}
		return nil
	})
	return f
}

func transfer(id string, from, to schema.Venue, amount string) schema.ExecutionInstruction {
	return schema.ExecutionInstruction{ID: id, Venue: from, ToVenue: to, Kind: schema.InstructionTransfer, Asset: "USDT", Amount: d(amount)}
}

func spot(id string, venue schema.Venue, amount string) schema.ExecutionInstruction {
	return schema.ExecutionInstruction{ID: id, Venue: venue, Kind: schema.InstructionSpotTrade, Asset: "BTC", Quote: "USDT", Amount: d(amount)}
}

func parallel(i schema.ExecutionInstruction) schema.ExecutionInstruction {
	i.Parallel = true
	return i
}

func grouped(group string, i schema.ExecutionInstruction) schema.ExecutionInstruction {
	i.AtomicGroup = group
	return i
}

func TestExecuteAppliesInDeclaredOrder(t *testing.T) {
	f := newFixture(t, BacktestConfig())
	dec := schema.Decision{ID: "dec-1", Action: schema.ActionInitialSetup, Instructions: []schema.ExecutionInstruction{
		parallel(transfer("t1", "wallet", "binance", "50000")),
		parallel(transfer("t2", "wallet", "okx", "50000")),
		parallel(spot("s1", "binance", "0.5")),
		parallel(spot("s2", "okx", "0.5")),
		parallel(schema.ExecutionInstruction{ID: "p1", Venue: "binance", Kind: schema.InstructionDerivativeTrade, Asset: "BTC-PERP", Quote: "USDT", Amount: d("-0.5")}),
	}}

	res, err := f.orch.Execute(t.Context(), t0, dec)
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
	assert.Equal(t, []string{"t1", "t2", "s1", "s2", "p1"}, res.Completed)
	assert.Equal(t, []string{"t1", "t2", "s1", "s2", "p1"}, f.applied)
	assert.False(t, res.Partial)
	assert.True(t, res.Fees.IsZero())

	snap := f.tracker.CurrentSnapshot()
	assert.True(t, snap.Quantity(schema.Key("wallet", "USDT")).IsZero())
	assert.True(t, snap.Quantity(schema.Key("binance", "USDT")).Equal(d("25000")))
	assert.True(t, snap.Quantity(schema.Key("binance", "BTC")).Equal(d("0.5")))
	p, ok := snap.Position(schema.Key("binance", "BTC-PERP"))
	require.True(t, ok)
	assert.True(t, p.Quantity.Equal(d("-0.5")))
	assert.True(t, p.CostBasis.Equal(d("-25000")))
}

func TestUnitsSplitOnSharedVenue(t *testing.T) {
	o := &Orchestrator{cfg: Config{Parallelism: 4}}
	units := o.units([]schema.ExecutionInstruction{
		parallel(transfer("t1", "wallet", "binance", "1")),
		parallel(transfer("t2", "wallet", "okx", "1")),
		parallel(spot("s1", "binance", "1")),
		parallel(spot("s2", "okx", "1")),
		grouped("g", spot("s3", "binance", "1")),
		grouped("g", spot("s4", "binance", "1")),
		spot("s5", "okx", "1"),
	})
	require.Len(t, units, 5)
	assert.Len(t, units[0].instrs, 1)
	assert.Len(t, units[1].instrs, 1)
	assert.Len(t, units[2].instrs, 2)
	assert.Equal(t, "g", units[3].group)
	assert.Len(t, units[3].instrs, 2)
	assert.Len(t, units[4].instrs, 1)
}

func TestAtomicGroupRollsBack(t *testing.T) {
	f := newFixture(t, BacktestConfig())
	before := f.tracker.CurrentSnapshot()
	dec := schema.Decision{ID: "dec-2", Instructions: []schema.ExecutionInstruction{
		grouped("g1", transfer("t1", "wallet", "binance", "1000")),
		grouped("g1", spot("s1", "binance", "1")),
	}}

	res, err := f.orch.Execute(t.Context(), t0, dec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, exception.ErrInsufficientBalance))
	assert.Equal(t, before, f.tracker.CurrentSnapshot())
	assert.Empty(t, f.applied)

	assert.Equal(t, "s1", res.FailedID)
	assert.Equal(t, "g1", res.RolledBack)
	assert.Empty(t, res.Completed)
	assert.False(t, res.Partial)
	assert.Equal(t, schema.InstructionStateRolledBack, res.Outcomes[0].State)
	assert.Equal(t, schema.InstructionStateFailed, res.Outcomes[1].State)
}

func TestNonAtomicFailureHalts(t *testing.T) {
	f := newFixture(t, BacktestConfig())
	dec := schema.Decision{ID: "dec-3", Instructions: []schema.ExecutionInstruction{
		transfer("t1", "wallet", "binance", "1000"),
		spot("s1", "binance", "1"),
		transfer("t2", "wallet", "okx", "10"),
	}}

	res, err := f.orch.Execute(t.Context(), t0, dec)
	require.Error(t, err)
	assert.True(t, res.Partial)
	assert.Equal(t, []string{"t1"}, res.Completed)
	assert.Equal(t, "s1", res.FailedID)
	assert.Equal(t, schema.InstructionStateSkipped, res.Outcomes[2].State)
	assert.NotEmpty(t, res.Error)

	snap := f.tracker.CurrentSnapshot()
	assert.True(t, snap.Quantity(schema.Key("binance", "USDT")).Equal(d("1000")))
	assert.True(t, snap.Quantity(schema.Key("okx", "USDT")).IsZero())
}

func TestUnknownVenueDispatchesNothing(t *testing.T) {
	f := newFixture(t, BacktestConfig())
	dec := schema.Decision{ID: "dec-4", Instructions: []schema.ExecutionInstruction{
		transfer("t1", "wallet", "binance", "1000"),
		spot("s1", "kraken", "1"),
	}}
	res, err := f.orch.Execute(t.Context(), t0, dec)
	require.Error(t, err)
	e, ok := exception.As(err)
	require.True(t, ok)
	assert.Equal(t, exception.CodeUnknownVenue, e.Code)
	for _, o := range res.Outcomes {
		assert.Equal(t, schema.InstructionStateSkipped, o.State)
	}
	assert.True(t, f.tracker.CurrentSnapshot().Quantity(schema.Key("wallet", "USDT")).Equal(d("100000")))
}

type flakyVenue struct {
	name     schema.Venue
	failures int
	calls    atomic.Int32
}

func (v *flakyVenue) Name() schema.Venue { return v.name }

func (v *flakyVenue) Submit(_ context.Context, ts time.Time, instr schema.ExecutionInstruction) (schema.Fill, error) {
	n := int(v.calls.Add(1))
	if n <= v.failures {
		return schema.Fill{}, errors.New("connection reset")
	}
	return schema.Fill{Timestamp: ts, Deltas: []schema.Delta{
		{Key: schema.Key("wallet", "USDT"), Amount: instr.Amount.Neg()},
		{Key: schema.Key("okx", "USDT"), Amount: instr.Amount},
	}}, nil
}

func liveTestConfig(waits *[]time.Duration) Config {
	cfg := LiveConfig()
	cfg.Sleep = func(_ context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return nil
	}
	cfg.Backoff = backoff.Backoff{Min: 5 * time.Second, Max: time.Minute, Factor: 2}
	return cfg
}

func TestLiveRetriesWithBackoff(t *testing.T) {
	var waits []time.Duration
	flaky := &flakyVenue{name: "bridge", failures: 2}
	f := newFixture(t, liveTestConfig(&waits), flaky)

	res, err := f.orch.Execute(t.Context(), t0, schema.Decision{ID: "dec-5", Instructions: []schema.ExecutionInstruction{
		{ID: "b1", Venue: "bridge", Kind: schema.InstructionTransfer, Asset: "USDT", Amount: d("10")},
	}})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Outcomes[0].Attempts)
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second}, waits)
	assert.True(t, f.tracker.CurrentSnapshot().Quantity(schema.Key("okx", "USDT")).Equal(d("10")))
}

func TestLiveRetriesExhausted(t *testing.T) {
	var waits []time.Duration
	flaky := &flakyVenue{name: "bridge", failures: 10}
	f := newFixture(t, liveTestConfig(&waits), flaky)

	res, err := f.orch.Execute(t.Context(), t0, schema.Decision{ID: "dec-6", Instructions: []schema.ExecutionInstruction{
		{ID: "b1", Venue: "bridge", Kind: schema.InstructionTransfer, Asset: "USDT", Amount: d("10")},
	}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, exception.ErrExecution))
	e, _ := exception.As(err)
	assert.Equal(t, exception.CodeRetriesExhausted, e.Code)
	assert.EqualValues(t, 3, flaky.calls.Load())
	assert.Equal(t, schema.InstructionStateFailed, res.Outcomes[0].State)
}

func TestBacktestDoesNotRetry(t *testing.T) {
	flaky := &flakyVenue{name: "bridge", failures: 1}
	f := newFixture(t, BacktestConfig(), flaky)
	_, err := f.orch.Execute(t.Context(), t0, schema.Decision{ID: "dec-7", Instructions: []schema.ExecutionInstruction{
		{ID: "b1", Venue: "bridge", Kind: schema.InstructionTransfer, Asset: "USDT", Amount: d("10")},
	}})
	require.Error(t, err)
	assert.EqualValues(t, 1, flaky.calls.Load())
}

type barrierVenue struct {
	name    schema.Venue
	arrived *sync.WaitGroup
	all     chan struct{}
}

func (v *barrierVenue) Name() schema.Venue { return v.name }

func (v *barrierVenue) Submit(ctx context.Context, ts time.Time, instr schema.ExecutionInstruction) (schema.Fill, error) {
	v.arrived.Done()
	select {
	case <-v.all:
	case <-time.After(2 * time.Second):
		return schema.Fill{}, exception.Execution("test", exception.CodeVenueRejected, "siblings were not dispatched concurrently")
	}
	return schema.Fill{Timestamp: ts}, nil
}

func TestParallelBatchDispatchesConcurrently(t *testing.T) {
	var arrived sync.WaitGroup
	arrived.Add(2)
	all := make(chan struct{})
	go func() {
		arrived.Wait()
		close(all)
	}()
	a := &barrierVenue{name: "a", arrived: &arrived, all: all}
	b := &barrierVenue{name: "b", arrived: &arrived, all: all}
	f := newFixture(t, Config{Attempts: 1, Parallelism: 2}, a, b)

	res, err := f.orch.Execute(t.Context(), t0, schema.Decision{ID: "dec-8", Instructions: []schema.ExecutionInstruction{
		{ID: "a1", Venue: "a", Kind: schema.InstructionSpotTrade, Asset: "BTC", Amount: d("1"), Parallel: true},
		{ID: "b1", Venue: "b", Kind: schema.InstructionSpotTrade, Asset: "BTC", Amount: d("1"), Parallel: true},
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "b1"}, res.Completed)
}

type countingVenue struct {
	name     schema.Venue
	inflight *atomic.Int32
	peak     *atomic.Int32
}

func (v *countingVenue) Name() schema.Venue { return v.name }

func (v *countingVenue) Submit(_ context.Context, ts time.Time, _ schema.ExecutionInstruction) (schema.Fill, error) {
	n := v.inflight.Add(1)
	defer v.inflight.Add(-1)
	for {
		p := v.peak.Load()
		if n <= p || v.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	return schema.Fill{Timestamp: ts}, nil
}

func TestBacktestDispatchesOneAtATime(t *testing.T) {
	assert.Equal(t, 1, BacktestConfig().Parallelism)

	var inflight, peak atomic.Int32
	var venues []Venue
	var instrs []schema.ExecutionInstruction
	for _, name := range []schema.Venue{"a", "b", "c", "d"} {
		venues = append(venues, &countingVenue{name: name, inflight: &inflight, peak: &peak})
		instrs = append(instrs, schema.ExecutionInstruction{ID: string(name) + "1", Venue: name, Kind: schema.InstructionSpotTrade, Asset: "BTC", Amount: d("1"), Parallel: true})
	}
	f := newFixture(t, BacktestConfig(), venues...)

	res, err := f.orch.Execute(t.Context(), t0, schema.Decision{ID: "dec-serial", Instructions: instrs})
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "b1", "c1", "d1"}, res.Completed)
	assert.EqualValues(t, 1, peak.Load())
}

func TestSweepSizesFromBalance(t *testing.T) {
	f := newFixture(t, BacktestConfig())
	sweep := func(i schema.ExecutionInstruction) schema.ExecutionInstruction {
		i.Sweep = true
		return i
	}
	res, err := f.orch.Execute(t.Context(), t0, schema.Decision{ID: "dec-sweep", Instructions: []schema.ExecutionInstruction{
		transfer("t1", "wallet", "binance", "1000"),
		grouped("g", sweep(transfer("t2", "binance", "okx", "0"))),
		grouped("g", sweep(transfer("t3", "okx", "wallet", "600"))),
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2", "t3"}, res.Completed)
	assert.True(t, res.Outcomes[1].Instruction.Amount.Equal(d("1000")))
	assert.True(t, res.Outcomes[2].Instruction.Amount.Equal(d("600")))

	snap := f.tracker.CurrentSnapshot()
	assert.True(t, snap.Quantity(schema.Key("binance", "USDT")).IsZero())
	assert.True(t, snap.Quantity(schema.Key("okx", "USDT")).Equal(d("400")))
	assert.True(t, snap.Quantity(schema.Key("wallet", "USDT")).Equal(d("99600")))

	res, err = f.orch.Execute(t.Context(), t0, schema.Decision{ID: "dec-empty", Instructions: []schema.ExecutionInstruction{
		sweep(transfer("t4", "binance", "wallet", "0")),
	}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, exception.ErrInsufficientBalance))
	assert.Equal(t, "t4", res.FailedID)

	_, err = f.orch.Execute(t.Context(), t0, schema.Decision{ID: "dec-bad", Instructions: []schema.ExecutionInstruction{
		sweep(spot("s1", "okx", "1")),
	}})
	e, ok := exception.As(err)
	require.True(t, ok)
	assert.Equal(t, exception.CodeInvalidInstruction, e.Code)
}

func TestSimulatedSweepSupplyIsGrossOfFee(t *testing.T) {
	reg := testRegistry(t)
	v := NewSimulated("aave", FeeSchedule{Lending: d("0.001")}, reg, testStore())
	fill, err := v.Submit(t.Context(), t0, schema.ExecutionInstruction{ID: "s", Venue: "aave", Kind: schema.InstructionSupply, Asset: "aUSDT", Quote: "USDT", Amount: d("1001"), Sweep: true})
	require.NoError(t, err)
	assert.True(t, fill.Deltas[0].Amount.Equal(d("-1001")), fill.Deltas[0].Amount.String())
	assert.True(t, fill.Deltas[1].Amount.Equal(d("800")), fill.Deltas[1].Amount.String())
	assert.True(t, fill.Fee.Equal(d("1")), fill.Fee.String())
}

func TestSimulatedLendingAndFunding(t *testing.T) {
	reg := testRegistry(t)
	tr := state.NewTracker(reg)
	_, err := tr.SeedInitialCapital(t0, d("1000"), "USDT", "aave")
	require.NoError(t, err)
	store := testStore()
	aave := NewSimulated("aave", FeeSchedule{}, reg, store)
	orch, err := NewOrchestrator(BacktestConfig(), tr, aave)
	require.NoError(t, err)

	_, err = orch.Execute(t.Context(), t0, schema.Decision{ID: "dec-9", Instructions: []schema.ExecutionInstruction{
		{ID: "sup", Venue: "aave", Kind: schema.InstructionSupply, Asset: "aUSDT", Quote: "USDT", Amount: d("1000")},
		{ID: "wd", Venue: "aave", Kind: schema.InstructionWithdraw, Asset: "aUSDT", Quote: "USDT", Amount: d("500")},
	}})
	require.NoError(t, err)
	snap := tr.CurrentSnapshot()
	assert.True(t, snap.Quantity(schema.Key("aave", "aUSDT")).Equal(d("400")))
	assert.True(t, snap.Quantity(schema.Key("aave", "USDT")).Equal(d("500")))

	binance := NewSimulated("binance", FeeSchedule{}, reg, store)
	payments, deltas, err := binance.SettleFunding(t.Context(), t0, []schema.Position{
		{Key: schema.Key("binance", "BTC-PERP"), Quantity: d("-2"), CostBasis: d("-100000")},
		{Key: schema.Key("binance", "BTC"), Quantity: d("2")},
	})
	require.NoError(t, err)
	require.Len(t, deltas, 1)
	assert.Equal(t, schema.Key("binance", "USDT"), deltas[0].Key)
	assert.True(t, deltas[0].Amount.Equal(d("10")))
	require.Len(t, payments, 1)
	assert.True(t, payments[0].Amount.Equal(d("10")))
}

func TestSimulatedFees(t *testing.T) {
	reg := testRegistry(t)
	v := NewSimulated("binance", FeeSchedule{Spot: d("0.001"), Derivative: d("0.0005")}, reg, testStore())
	fill, err := v.Submit(t.Context(), t0, spot("s1", "binance", "1"))
	require.NoError(t, err)
	assert.True(t, fill.Fee.Equal(d("50")))
	assert.True(t, fill.Deltas[1].Amount.Equal(d("-50050")))

	fill, err = v.Submit(t.Context(), t0, schema.ExecutionInstruction{ID: "p1", Venue: "binance", Kind: schema.InstructionDerivativeTrade, Asset: "BTC-PERP", Quote: "USDT", Amount: d("-1")})
	require.NoError(t, err)
	assert.True(t, fill.Fee.Equal(d("25")))

	_, err = v.Submit(t.Context(), t0, spot("s2", "binance", "0"))
	e, ok := exception.As(err)
	require.True(t, ok)
	assert.Equal(t, exception.CodeInvalidInstruction, e.Code)
}

func TestLedgerTransitions(t *testing.T) {
	l, err := NewLedger([]schema.ExecutionInstruction{{ID: "a"}, {ID: "b"}})
	require.NoError(t, err)

	assert.ErrorIs(t, l.Applied("a"), ErrInvalidTransition)
	require.NoError(t, l.Sent("a"))
	require.NoError(t, l.Filled("a", schema.Fill{Fee: d("1")}))
	require.NoError(t, l.Applied("a"))
	assert.ErrorIs(t, l.Failed("a", errors.New("late")), ErrInvalidTransition)
	assert.ErrorIs(t, l.Sent("zzz"), ErrUnknownInstruction)

	l.SkipPending()
	st, _ := l.State("b")
	assert.Equal(t, schema.InstructionStateSkipped, st)

	res := l.Result("dec")
	assert.Equal(t, []string{"a"}, res.Completed)
	assert.True(t, res.Fees.Equal(d("1")))

	_, err = NewLedger([]schema.ExecutionInstruction{{ID: "a"}, {ID: "a"}})
	assert.ErrorIs(t, err, ErrDuplicateInstruction)
}

func TestHTTPVenueSignsAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		want := Sign("s3cret", r.Header.Get(HeaderTimestamp), r.Method, r.URL.Path, body)
		if r.Header.Get(HeaderAPIKey) != "key" || r.Header.Get(HeaderSignature) != want {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"code":"AUTH","message":"bad signature"}}`))
			return
		}
		switch r.URL.Path {
		case "/v1/instructions":
			_, _ = w.Write([]byte(`{"fill":{"instructionId":"x1","venue":"okx","price":"50000","fee":"1.5","deltas":[{"key":{"venue":"okx","asset":"BTC"},"amount":"0.1","price":"50000"}]}}`))
		case "/v1/balances":
			_, _ = w.Write([]byte(`{"positions":[{"key":{"asset":"USDT"},"quantity":"12.5","costBasis":"0"}]}`))
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	v, err := NewHTTPVenue(HTTPConfig{Name: "okx", BaseURL: srv.URL + "/", APIKey: "key", Secret: "s3cret"}, srv.Client())
	require.NoError(t, err)

	fill, err := v.Submit(t.Context(), t0, spot("x1", "okx", "0.1"))
	require.NoError(t, err)
	assert.True(t, fill.Fee.Equal(d("1.5")))
	require.Len(t, fill.Deltas, 1)
	assert.Equal(t, schema.Key("okx", "BTC"), fill.Deltas[0].Key)

	balances, err := v.Balances(t.Context(), t0)
	require.NoError(t, err)
	require.Len(t, balances, 1)
	assert.Equal(t, schema.Key("okx", "USDT"), balances[0].Key)

	_, err = v.SubmitAtomic(t.Context(), t0, nil)
	require.Error(t, err)
	assert.True(t, Retryable(err))

	bad, err := NewHTTPVenue(HTTPConfig{Name: "okx", BaseURL: srv.URL, APIKey: "key", Secret: "wrong"}, srv.Client())
	require.NoError(t, err)
	_, err = bad.Submit(t.Context(), t0, spot("x2", "okx", "0.1"))
	e, ok := exception.As(err)
	require.True(t, ok)
	assert.Equal(t, exception.CodeVenueRejected, e.Code)
	assert.False(t, Retryable(err))
	reason, _ := e.Field("reason")
	assert.Equal(t, "bad signature", reason)
}
