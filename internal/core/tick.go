package core

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/IggyIkenna/basis-strategy-v1/internal/execution"
	"github.com/IggyIkenna/basis-strategy-v1/internal/marketdata"
	"github.com/IggyIkenna/basis-strategy-v1/internal/ops"
	"github.com/IggyIkenna/basis-strategy-v1/internal/pnl"
	"github.com/IggyIkenna/basis-strategy-v1/internal/schema"
	"github.com/IggyIkenna/basis-strategy-v1/internal/strategy"
	"github.com/IggyIkenna/basis-strategy-v1/pkg/exception"
	"github.com/yanun0323/logs"
)

// tickState is the derived state of the tick in flight.
type tickState struct {
	ts       time.Time
	market   *marketdata.View
	activity schema.Activity
	exposure schema.ExposureSnapshot
	risk     schema.RiskAssessment
	pnl      schema.PnLRecord
	// mutated is set once the tick changed tracked balances.
	mutated bool
}

// Tick processes one timestamp. A tick that fails before any decision is
// dropped without a record; the error says why.
func (e *Engine) Tick(ctx context.Context, ts time.Time) (schema.TickRecord, error) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	start := time.Now()
	ts = ts.UTC()
	if !e.lastTs.IsZero() && !ts.After(e.lastTs) {
		return schema.TickRecord{}, exception.State(component, exception.CodeInvalidSequence, "tick is not after the last tick").
			With("last", e.lastTs.Format(time.RFC3339)).
			At(ts)
	}
	if !e.deps.Tracker.Seeded() {
		return schema.TickRecord{}, exception.State(component, exception.CodeNotSeeded, "tick before initial capital").At(ts)
	}

	t := &tickState{ts: ts, market: marketdata.NewView(ctx, e.deps.Provider, ts, e.reporting)}
	e.cur = t
	defer func() { e.cur = nil }()

	// Value the book before anything changes it, so a data gap drops the
	// tick with the tracker untouched.
	snap := e.deps.Tracker.CurrentSnapshot()
	if err := e.derive(t, snap); err != nil {
		return e.drop(ts, err)
	}
	if e.prevExposure == nil {
		base := t.exposure
		e.prevExposure = &base
	}
	// Once balances moved the tick must be recorded, or the next tick would
	// settle the same funding again.
	var failure error
	if err := e.confirmBalances(ctx, t); err != nil {
		if !t.mutated {
			return e.drop(ts, err)
		}
		failure = err
	}
	if failure == nil {
		snap = e.deps.Tracker.CurrentSnapshot()
		if err := e.derive(t, snap); err != nil {
			if !t.mutated {
				return e.drop(ts, err)
			}
			failure = err
		}
	}

	rec := schema.TickRecord{
		RunID:      e.runID,
		StrategyID: e.cfg.StrategyID,
		Timestamp:  ts,
	}
	switch {
	case failure != nil:
	case e.isDegraded():
		logs.Debugf("run %s tick %s degraded, observing only", e.runID, ts.Format(time.RFC3339))
	default:
		dec, result, err := e.decide(ctx, t)
		if dec != nil {
			rec.Decision = dec
			rec.Execution = result
		}
		if err != nil {
			if dec == nil && !t.mutated && exception.KindOf(err) == exception.KindDataUnavailable {
				return e.drop(ts, err)
			}
			failure = err
		}
	}

	snap = e.deps.Tracker.CurrentSnapshot()
	if err := e.derive(t, snap); err != nil {
		failure = errors.Join(failure, err)
	} else if t.pnl, err = e.deps.PnL.Calculate(ts, t.exposure, *e.prevExposure, t.activity, t.market); err != nil {
		failure = errors.Join(failure, err)
	} else {
		t.pnl = e.deps.PnL.Commit(t.pnl)
		e.deps.Risk.Commit(t.risk)
		exp := t.exposure
		e.prevExposure = &exp
	}
	e.lastTs = ts

	rec.Seq = e.seq.Next()
	rec.StrategyState = e.deps.Strategy.State()
	rec.Positions = snap
	rec.Exposure = t.exposure
	rec.Risk = t.risk
	rec.PnL = t.pnl
	rec.Activity = t.activity
	if failure != nil {
		rec.Error = failure.Error()
		if e.cfg.Mode == ops.ModeLive {
			e.degrade(failure.Error())
			logs.Errorf("run %s tick %s failed, engine degraded, err: %+v", e.runID, ts.Format(time.RFC3339), failure)
		}
	}
	rec.Degraded = e.isDegraded()

	if err := e.deps.Sink.Append(ctx, rec); err != nil {
		logs.Errorf("run %s tick %s seq %d not persisted, err: %+v", e.runID, ts.Format(time.RFC3339), rec.Seq, err)
		if e.cfg.Mode == ops.ModeLive {
			e.degrade(err.Error())
		}
		failure = errors.Join(failure, err)
	}

	e.deps.Metrics.ObserveTick(rec, time.Since(start))
	e.mu.Lock()
	e.lastTick = ts
	e.ticks++
	e.mu.Unlock()

	logs.Debugf("run %s tick %s seq %d state %s value %s pnl %s unexplained %s",
		e.runID, ts.Format(time.RFC3339), rec.Seq, rec.StrategyState, rec.Exposure.TotalValue, rec.PnL.BalancePnL, rec.PnL.Unexplained)

	if failure != nil && e.cfg.Mode == ops.ModeBacktest {
		return rec, failure
	}
	return rec, nil
}

// decide asks the strategy for a decision and executes it.
func (e *Engine) decide(ctx context.Context, t *tickState) (*schema.Decision, *schema.ExecutionResult, error) {
	prevState := e.deps.Strategy.State()
	dec, err := e.deps.Strategy.Decide(strategy.Input{
		Timestamp: t.ts,
		Exposure:  t.exposure,
		Risk:      t.risk,
		Market:    t.market,
	})
	if err != nil {
		return nil, nil, err
	}
	e.deps.Metrics.ObserveDecision(dec.Action)
	if dec.Action == schema.ActionNone {
		logs.Debugf("run %s tick %s no action: %s", e.runID, t.ts.Format(time.RFC3339), dec.Reasoning)
		return &dec, nil, nil
	}

	logs.Infof("run %s tick %s decision %s %s (%d instructions): %s",
		e.runID, t.ts.Format(time.RFC3339), dec.ID, dec.Action, len(dec.Instructions), dec.Reasoning)
	e.deps.Strategy.Begin(dec)
	result, execErr := e.deps.Orchestrator.Execute(ctx, t.ts, dec)
	next := e.deps.Strategy.Complete(dec, result)
	if next != prevState {
		logs.Infof("run %s strategy state %s -> %s", e.runID, prevState, next)
	}
	return &dec, &result, execErr
}

// cascade runs after every tracker apply of an execution.
func (e *Engine) cascade(_ context.Context, ts time.Time, snap schema.PositionSnapshot, fills []schema.Fill) error {
	t := e.cur
	if t == nil {
		return nil
	}
	for _, f := range fills {
		if f.Fee.IsZero() {
			continue
		}
		t.activity.Fees = append(t.activity.Fees, schema.Payment{Key: schema.Key(f.Venue, e.reporting), Amount: f.Fee})
	}
	if err := e.derive(t, snap); err != nil {
		return err
	}
	rec, err := e.deps.PnL.Calculate(ts, t.exposure, *e.prevExposure, t.activity, t.market)
	if err != nil {
		return err
	}
	t.pnl = rec
	logs.Debugf("run %s cascade seq %d fills %d value %s delta %s provisional pnl %s",
		e.runID, snap.Seq, len(fills), t.exposure.TotalValue, t.exposure.NetDelta, rec.BalancePnL)
	return nil
}

func (e *Engine) derive(t *tickState, snap schema.PositionSnapshot) error {
	exp, err := e.deps.Exposure.Calculate(t.ts, snap, t.market)
	if err != nil {
		return err
	}
	assessment, err := e.deps.Risk.Assess(t.ts, exp, t.market)
	if err != nil {
		return err
	}
	t.exposure = exp
	t.risk = assessment
	return nil
}

// confirmBalances settles funding due since the last tick and, in live
// mode, aligns tracked balances with what venues report.
func (e *Engine) confirmBalances(ctx context.Context, t *tickState) error {
	venues := e.deps.Orchestrator.Venues()
	sort.Slice(venues, func(i, j int) bool { return venues[i].Name() < venues[j].Name() })

	from := e.lastTs
	if from.IsZero() {
		from = e.prevExposure.Timestamp
	}
	if pnl.FundingDue(from, t.ts, e.deps.PnL.FundingHours()) {
		positions := e.deps.Tracker.CurrentSnapshot().NonZero()
		var (
			payments []schema.Payment
			deltas   []schema.Delta
		)
		for _, v := range venues {
			settler, ok := v.(execution.FundingSettler)
			if !ok {
				continue
			}
			p, d, err := settler.SettleFunding(ctx, t.ts, positions)
			if err != nil {
				return err
			}
			payments = append(payments, p...)
			deltas = append(deltas, d...)
		}
		if len(deltas) > 0 {
			if _, err := e.deps.Tracker.ApplyDeltas(t.ts, deltas, schema.DeltaSourceFunding); err != nil {
				return err
			}
			t.mutated = true
		}
		t.activity.Funding = append(t.activity.Funding, payments...)
		if len(payments) > 0 {
			logs.Infof("run %s tick %s funding settled: %s", e.runID, t.ts.Format(time.RFC3339), t.activity.FundingTotal())
		}
	}

	if e.cfg.Mode != ops.ModeLive || !e.cfg.SyncBalances {
		return nil
	}
	current := e.deps.Tracker.CurrentSnapshot()
	var deltas []schema.Delta
	for _, v := range venues {
		reporter, ok := v.(execution.BalanceReporter)
		if !ok {
			continue
		}
		balances, err := reporter.Balances(ctx, t.ts)
		if err != nil {
			if x, ok := exception.As(err); ok && x.Code == exception.CodeUnsupportedOperation {
				continue
			}
			return err
		}
		for _, b := range balances {
			if _, ok := e.deps.Registry.Instrument(b.Key); !ok {
				continue
			}
			diff := b.Quantity.Sub(current.Quantity(b.Key))
			if diff.IsZero() {
				continue
			}
			logs.Warnf("run %s venue %s balance %s differs from tracker by %s", e.runID, v.Name(), b.Key, diff)
			deltas = append(deltas, schema.Delta{Key: b.Key, Amount: diff})
		}
	}
	if len(deltas) == 0 {
		return nil
	}
	if _, err := e.deps.Tracker.ApplyDeltas(t.ts, deltas, schema.DeltaSourceVenueSync); err != nil {
		return err
	}
	t.mutated = true
	return nil
}

// drop abandons a tick before any decision was taken.
func (e *Engine) drop(ts time.Time, err error) (schema.TickRecord, error) {
	if exception.KindOf(err) == exception.KindDataUnavailable {
		e.deps.Metrics.IncTickSkipped()
		logs.Warnf("run %s tick %s skipped, err: %+v", e.runID, ts.Format(time.RFC3339), err)
	} else {
		logs.Errorf("run %s tick %s aborted, err: %+v", e.runID, ts.Format(time.RFC3339), err)
	}
	return schema.TickRecord{}, err
}
