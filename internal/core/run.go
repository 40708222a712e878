package core

import (
	"context"
	"errors"
	"time"

	"github.com/IggyIkenna/basis-strategy-v1/internal/bus"
	"github.com/IggyIkenna/basis-strategy-v1/internal/obs"
	"github.com/IggyIkenna/basis-strategy-v1/internal/ops"
	"github.com/IggyIkenna/basis-strategy-v1/internal/schema"
	"github.com/IggyIkenna/basis-strategy-v1/internal/state"
	"github.com/IggyIkenna/basis-strategy-v1/pkg/exception"
	"github.com/yanun0323/logs"
)

const finishTimeout = 5 * time.Second

// RunBacktest steps through the configured window on the calling goroutine.
// Timestamps already covered by a recovered run are skipped. The first
// failing tick ends the run.
func (e *Engine) RunBacktest(ctx context.Context) (Status, error) {
	if e.cfg.Mode != ops.ModeBacktest {
		return e.Status(), exception.Configuration(component, exception.CodeConfigInvalid, "engine is not in backtest mode").
			With("field", "strategy.mode").
			With("actual", e.cfg.Mode)
	}

	e.runMu.Lock()
	err := e.begin(ctx, e.cfg.Start)
	e.runMu.Unlock()
	if err != nil {
		return e.Status(), err
	}

	var runErr error
	last := e.resumeFrom()
	for ts := e.cfg.Start; !ts.After(e.cfg.End); ts = ts.Add(e.cfg.Step) {
		if !last.IsZero() && !ts.After(last) {
			continue
		}
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		if _, err := e.Tick(ctx, ts); err != nil {
			runErr = err
			break
		}
	}

	reason := "completed"
	if runErr != nil {
		reason = runErr.Error()
	}
	e.runMu.Lock()
	err = e.finish(reason)
	e.runMu.Unlock()
	if err != nil {
		runErr = errors.Join(runErr, err)
	}
	return e.Status(), runErr
}

// Start launches the live loop: a feed publishes one tick per interval into a
// bounded queue, and a single consumer processes them in order.
func (e *Engine) Start(ctx context.Context) error {
	if e.cfg.Mode != ops.ModeLive {
		return exception.Configuration(component, exception.CodeConfigInvalid, "engine is not in live mode").
			With("field", "strategy.mode").
			With("actual", e.cfg.Mode)
	}

	e.runMu.Lock()
	defer e.runMu.Unlock()
	if err := e.begin(ctx, e.cfg.Now().UTC().Truncate(e.cfg.Interval)); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	q := bus.NewQueue(e.cfg.QueueSize)
	done := make(chan struct{})
	feedDone := make(chan struct{})

	go func() {
		defer close(feedDone)
		bus.Feed(runCtx, q, e.cfg.Interval, e.cfg.Now)
	}()
	go func() {
		defer close(done)
		q.Run(runCtx, func(t bus.Tick) {
			if lag := e.cfg.Now().Sub(t.Enqueued); lag > e.cfg.Interval {
				logs.Warnf("run %s tick %s waited %s in queue", e.runID, t.At.Format(time.RFC3339), lag)
			}
			if _, err := e.Tick(runCtx, t.At); err != nil {
				logs.Debugf("run %s tick %s not recorded, err: %v", e.runID, t.At.Format(time.RFC3339), err)
			}
		})
		<-feedDone
		if n := q.Dropped(); n > 0 {
			logs.Warnf("run %s dropped %d ticks on a full queue", e.runID, n)
		}
	}()

	e.cancel = cancel
	e.done = done
	logs.Infof("run %s live loop started, interval: %s, queue: %d", e.runID, e.cfg.Interval, e.cfg.QueueSize)
	return nil
}

// Stop ends the live loop, waits for the tick in flight, writes the final
// snapshot and releases the tracker.
func (e *Engine) Stop() error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.cancel == nil {
		return exception.State(component, exception.CodeEngineStopped, "engine is not running").
			With("state", e.Status().State.String())
	}
	e.cancel()
	<-e.done
	e.cancel = nil
	e.done = nil
	return e.finish("stopped")
}

// Recover restores positions, strategy state, cumulative P&L and the tick
// sequence from a snapshot file and the tick journal. It must run before the
// engine starts.
func (e *Engine) Recover(ctx context.Context, cfg state.RecoverConfig) (state.RecoverResult, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.release != nil {
		return state.RecoverResult{}, exception.State(component, exception.CodeEngineRunning, "cannot recover a running engine").
			With("run_id", e.runID)
	}

	res, err := state.RecoverPositions(ctx, cfg)
	if err != nil {
		return state.RecoverResult{}, err
	}
	if !res.Found {
		logs.Infof("run %s nothing to recover, journal: %s, snapshot: %s", e.runID, cfg.JournalDir, cfg.SnapshotPath)
		return res, nil
	}
	if err := e.deps.Tracker.Restore(res.Snapshot); err != nil {
		return state.RecoverResult{}, err
	}

	e.tickMu.Lock()
	defer e.tickMu.Unlock()
	if res.LastTick != nil {
		last := res.LastTick
		e.deps.PnL.Restore(last.PnL)
		e.deps.Risk.Commit(last.Risk)
		e.deps.Strategy.Restore(last.StrategyState)
		e.seq = obs.NewSequence(res.TickCount)
		exp := last.Exposure
		e.prevExposure = &exp
		e.lastTs = last.Timestamp

		e.mu.Lock()
		e.lastTick = last.Timestamp
		e.mu.Unlock()
	}
	logs.Infof("run %s recovered, position seq: %d, ticks: %d, last tick: %s",
		e.runID, res.Snapshot.Seq, res.TickCount, e.lastTs.Format(time.RFC3339))
	return res, nil
}

func (e *Engine) resumeFrom() time.Time {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()
	return e.lastTs
}

// begin claims the tracker, books initial capital unless positions were
// recovered, and journals the run start. runMu is held.
func (e *Engine) begin(ctx context.Context, seedAt time.Time) error {
	if e.release != nil {
		return exception.State(component, exception.CodeEngineRunning, "engine is already running").
			With("run_id", e.runID)
	}
	release, err := e.deps.Tracker.Claim(e.runID)
	if err != nil {
		return err
	}

	if !e.deps.Tracker.Seeded() {
		snap, err := e.deps.Tracker.SeedInitialCapital(seedAt, e.cfg.Capital, e.reporting, e.cfg.SeedVenue)
		if err != nil {
			release()
			return err
		}
		logs.Infof("run %s seeded %s %s at %s", e.runID, e.cfg.Capital, e.reporting, e.cfg.SeedVenue)
		if e.deps.Journal != nil {
			if err := e.deps.Journal.Seed(ctx, snap); err != nil {
				release()
				return err
			}
		}
	}

	if e.deps.Journal != nil {
		if err := e.deps.Journal.Run(ctx, schema.EventRunStart, e.runEvent(seedAt, "")); err != nil {
			release()
			return err
		}
	}

	e.release = release
	e.setState(StateRunning)
	logs.Infof("run %s started, strategy: %s, mode: %s", e.runID, e.cfg.StrategyID, e.cfg.Mode)
	return nil
}

// finish writes the final snapshot, journals the run stop and releases the
// tracker. runMu is held.
func (e *Engine) finish(reason string) error {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()

	var errs []error
	snap := e.deps.Tracker.CurrentSnapshot()
	if e.cfg.SnapshotPath != "" {
		if err := state.WriteSnapshot(e.cfg.SnapshotPath, snap); err != nil {
			errs = append(errs, err)
		} else {
			logs.Infof("run %s snapshot written, path: %s, seq: %d", e.runID, e.cfg.SnapshotPath, snap.Seq)
		}
	}
	if e.deps.Journal != nil {
		if err := e.deps.Journal.Run(ctx, schema.EventRunStop, e.runEvent(snap.Timestamp, reason)); err != nil {
			errs = append(errs, err)
		}
	}
	if e.release != nil {
		e.release()
		e.release = nil
	}
	e.setState(StateStopped)

	st := e.Status()
	logs.Infof("run %s stopped (%s), ticks: %d, state: %s, cumulative pnl: %s, warnings: %d",
		e.runID, reason, st.Ticks, st.StrategyState, st.LastPnL.CumulativePnL, st.Warnings)
	return errors.Join(errs...)
}

func (e *Engine) runEvent(ts time.Time, reason string) schema.RunEvent {
	return schema.RunEvent{
		RunID:      e.runID,
		StrategyID: e.cfg.StrategyID,
		Mode:       string(e.cfg.Mode),
		Timestamp:  ts,
		Reason:     reason,
	}
}
