package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IggyIkenna/basis-strategy-v1/internal/schema"
	"github.com/IggyIkenna/basis-strategy-v1/pkg/backoff"
	"github.com/IggyIkenna/basis-strategy-v1/pkg/exception"
	"github.com/yanun0323/logs"
	"golang.org/x/sync/errgroup"
)

const component = "execution_orchestrator"

// Config controls dispatch and retries.
type Config struct {
	// Attempts per venue call; 1 disables retries.
	Attempts int
	Backoff  backoff.Backoff
	// VenueTimeout bounds one venue call; zero means no timeout.
	VenueTimeout time.Duration
	// Parallelism bounds concurrent venue calls of one batch.
	Parallelism int
	// Sleep overrides the wait between attempts.
	Sleep backoff.Sleeper
}

// BacktestConfig is single-attempt, one-at-a-time dispatch with no timeout.
func BacktestConfig() Config {
	return Config{Attempts: 1, Parallelism: 1}
}

// LiveConfig retries every venue call three times from a 5s backoff.
func LiveConfig() Config {
	return Config{
		Attempts:     3,
		Backoff:      backoff.Default(),
		VenueTimeout: 30 * time.Second,
		Parallelism:  8,
	}
}

// Positions is the position tracker as seen by execution: sweeps read it,
// fills write it.
type Positions interface {
	CurrentSnapshot() schema.PositionSnapshot
	ApplyDeltas(ts time.Time, deltas []schema.Delta, source schema.DeltaSource) (schema.PositionSnapshot, error)
}

// Cascade recomputes derived state after fills reached the tracker.
type Cascade func(ctx context.Context, ts time.Time, snapshot schema.PositionSnapshot, fills []schema.Fill) error

// Observer receives the result of every execution.
type Observer interface {
	ObserveExecution(result schema.ExecutionResult, elapsed time.Duration)
}

// Orchestrator turns a decision into venue calls and tracker updates.
type Orchestrator struct {
	cfg       Config
	positions Positions
	venues    map[schema.Venue]Venue
	cascade   Cascade
	observer  Observer
}

// NewOrchestrator creates an orchestrator over the given venues.
func NewOrchestrator(cfg Config, positions Positions, venues ...Venue) (*Orchestrator, error) {
	if positions == nil {
		return nil, exception.Configuration(component, exception.CodeConfigMissing, "position tracker is nil")
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	o := &Orchestrator{
		cfg:       cfg,
		positions: positions,
		venues:    make(map[schema.Venue]Venue, len(venues)),
	}
	for _, v := range venues {
		if _, dup := o.venues[v.Name()]; dup {
			return nil, exception.Configuration(component, exception.CodeConfigInvalid, "duplicate venue").
				With("venue", v.Name())
		}
		o.venues[v.Name()] = v
	}
	return o, nil
}

// OnApplied sets the recompute cascade.
func (o *Orchestrator) OnApplied(fn Cascade) {
	o.cascade = fn
}

// SetObserver sets the execution observer.
func (o *Orchestrator) SetObserver(obs Observer) {
	o.observer = obs
}

// Venue returns a registered venue.
func (o *Orchestrator) Venue(name schema.Venue) (Venue, bool) {
	v, ok := o.venues[name]
	return v, ok
}

// Venues returns every registered venue.
func (o *Orchestrator) Venues() []Venue {
	out := make([]Venue, 0, len(o.venues))
	for _, v := range o.venues {
		out = append(out, v)
	}
	return out
}

type unit struct {
	group  string
	instrs []schema.ExecutionInstruction
}

// Execute runs a decision's instructions in declared order. Consecutive
// parallel instructions on distinct venues are dispatched together; fills are
// always applied in declared order. Atomic groups reach the tracker as one
// apply or not at all. The first failure halts the rest of the decision.
func (o *Orchestrator) Execute(ctx context.Context, ts time.Time, dec schema.Decision) (schema.ExecutionResult, error) {
	start := time.Now()
	ledger, err := NewLedger(dec.Instructions)
	if err != nil {
		return schema.ExecutionResult{DecisionID: dec.ID, Error: err.Error()},
			exception.Execution(component, exception.CodeInvalidInstruction, "invalid instruction ids").
				With("decision", dec.ID).
				At(ts).
				Wrap(err)
	}
	if len(dec.Instructions) == 0 {
		return ledger.Result(dec.ID), nil
	}

	var runErr error
	if err := o.validate(dec.Instructions); err != nil {
		runErr = err.At(ts).With("decision", dec.ID)
	}
	for _, u := range o.units(dec.Instructions) {
		if runErr != nil {
			break
		}
		if err := ctx.Err(); err != nil {
			runErr = exception.Execution(component, exception.CodeVenueTimeout, "execution cancelled").
				With("decision", dec.ID).
				At(ts).
				Wrap(err)
			break
		}
		if u.group != "" {
			runErr = o.runGroup(ctx, ts, ledger, u)
		} else {
			runErr = o.runBatch(ctx, ts, ledger, u.instrs)
		}
	}

	ledger.SkipPending()
	res := ledger.Result(dec.ID)
	if runErr != nil && res.Error == "" {
		res.Error = runErr.Error()
	}
	if o.observer != nil {
		o.observer.ObserveExecution(res, time.Since(start))
	}

	if runErr != nil {
		logs.Errorf("decision %s (%s) halted after %d/%d instructions, failed: %s, rolled back: %q, err: %+v",
			dec.ID, dec.Action, len(res.Completed), len(res.Outcomes), res.FailedID, res.RolledBack, runErr)
		return res, runErr
	}
	logs.Infof("decision %s (%s) executed %d instructions, fees: %s", dec.ID, dec.Action, len(res.Completed), res.Fees)
	return res, nil
}

func (o *Orchestrator) validate(instrs []schema.ExecutionInstruction) *exception.Error {
	for _, instr := range instrs {
		switch instr.Kind {
		case schema.InstructionTransfer, schema.InstructionSpotTrade, schema.InstructionDerivativeTrade,
			schema.InstructionSupply, schema.InstructionBorrow, schema.InstructionWithdraw, schema.InstructionRepay:
		default:
			return exception.Execution(component, exception.CodeInvalidInstruction, "unknown instruction kind").
				With("instruction", instr.ID).
				With("kind", instr.Kind.String())
		}
		if _, ok := instr.SweepKey(); instr.Sweep && !ok {
			return exception.Execution(component, exception.CodeInvalidInstruction, "instruction kind cannot sweep").
				With("instruction", instr.ID).
				With("kind", instr.Kind.String())
		}
		for _, v := range instr.Venues() {
			if _, ok := o.venues[v]; !ok {
				return exception.Execution(component, exception.CodeUnknownVenue, "instruction targets an unknown venue").
					With("instruction", instr.ID).
					With("venue", v)
			}
		}
	}
	return nil
}

func (o *Orchestrator) units(instrs []schema.ExecutionInstruction) []unit {
	var units []unit
	for i := 0; i < len(instrs); {
		instr := instrs[i]
		if instr.AtomicGroup != "" {
			j := i + 1
			for j < len(instrs) && instrs[j].AtomicGroup == instr.AtomicGroup {
				j++
			}
			units = append(units, unit{group: instr.AtomicGroup, instrs: instrs[i:j]})
			i = j
			continue
		}
		j := i + 1
		if instr.Parallel {
			busy := make(map[schema.Venue]struct{})
			for _, v := range instr.Venues() {
				busy[v] = struct{}{}
			}
		batch:
			for j < len(instrs) && instrs[j].Parallel && instrs[j].AtomicGroup == "" {
				for _, v := range instrs[j].Venues() {
					if _, ok := busy[v]; ok {
						break batch
					}
				}
				for _, v := range instrs[j].Venues() {
					busy[v] = struct{}{}
				}
				j++
			}
		}
		units = append(units, unit{instrs: instrs[i:j]})
		i = j
	}
	return units
}

func (o *Orchestrator) runBatch(ctx context.Context, ts time.Time, ledger *Ledger, instrs []schema.ExecutionInstruction) error {
	fills := make([]schema.Fill, len(instrs))
	errs := make([]error, len(instrs))
	if len(instrs) == 1 {
		fills[0], errs[0] = o.submit(ctx, ts, ledger, instrs[0], nil)
	} else {
		var g errgroup.Group
		g.SetLimit(o.cfg.Parallelism)
		for i, instr := range instrs {
			g.Go(func() error {
				fills[i], errs[i] = o.submit(ctx, ts, ledger, instr, nil)
				return nil
			})
		}
		_ = g.Wait()
	}

	// fills that happened at a venue are booked even when a sibling failed
	var first error
	for i, instr := range instrs {
		if errs[i] != nil {
			_ = ledger.Failed(instr.ID, errs[i])
			if first == nil {
				first = errs[i]
			}
			continue
		}
		snap, err := o.positions.ApplyDeltas(ts, fills[i].Deltas, schema.DeltaSourceFill)
		if err != nil {
			_ = ledger.Failed(instr.ID, err)
			if first == nil {
				first = err
			}
			continue
		}
		_ = ledger.Applied(instr.ID)
		if o.cascade != nil {
			if err := o.cascade(ctx, ts, snap, []schema.Fill{fills[i]}); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

func (o *Orchestrator) runGroup(ctx context.Context, ts time.Time, ledger *Ledger, u unit) error {
	fills, failedID, err := o.submitGroup(ctx, ts, ledger, u.instrs)
	if err != nil {
		o.rollback(ledger, u.instrs, failedID, err)
		return err
	}

	var deltas []schema.Delta
	for _, f := range fills {
		deltas = append(deltas, f.Deltas...)
	}
	snap, err := o.positions.ApplyDeltas(ts, deltas, schema.DeltaSourceFill)
	if err != nil {
		o.rollback(ledger, u.instrs, culprit(u.instrs, fills, err), err)
		return err
	}
	for _, instr := range u.instrs {
		_ = ledger.Applied(instr.ID)
	}
	if o.cascade != nil {
		return o.cascade(ctx, ts, snap, fills)
	}
	return nil
}

func (o *Orchestrator) submitGroup(ctx context.Context, ts time.Time, ledger *Ledger, instrs []schema.ExecutionInstruction) ([]schema.Fill, string, error) {
	if atomic, ok := o.atomicVenue(instrs); ok {
		var fills []schema.Fill
		for _, instr := range instrs {
			_ = ledger.Sent(instr.ID)
		}
		_, err := o.retry(ctx, func(ctx context.Context) error {
			f, err := atomic.SubmitAtomic(ctx, ts, instrs)
			if err != nil {
				return err
			}
			fills = f
			return nil
		})
		if err != nil {
			return nil, failedInstruction(instrs, err), o.wrap(instrs[0], err)
		}
		if len(fills) != len(instrs) {
			return nil, instrs[0].ID, exception.Execution(component, exception.CodeVenueRejected, "atomic submit returned wrong fill count").
				With("venue", instrs[0].Venue).
				With("expected", len(instrs)).
				With("actual", len(fills))
		}
		for i, instr := range instrs {
			fills[i].InstructionID = instr.ID
			_ = ledger.Filled(instr.ID, fills[i])
		}
		return fills, "", nil
	}

	// later members see the balances earlier members staged
	var staged []schema.Delta
	fills := make([]schema.Fill, 0, len(instrs))
	for _, instr := range instrs {
		f, err := o.submit(ctx, ts, ledger, instr, staged)
		if err != nil {
			if len(fills) > 0 {
				logs.Warnf("atomic group %s: %d venue fills discarded, venue side effects are not reversed", instr.AtomicGroup, len(fills))
			}
			return nil, instr.ID, err
		}
		fills = append(fills, f)
		staged = append(staged, f.Deltas...)
	}
	return fills, "", nil
}

func (o *Orchestrator) rollback(ledger *Ledger, instrs []schema.ExecutionInstruction, failedID string, cause error) {
	for _, instr := range instrs {
		if instr.ID == failedID {
			_ = ledger.Failed(instr.ID, cause)
			continue
		}
		_ = ledger.RolledBack(instr.ID)
	}
	logs.Warnf("atomic group %s rolled back, failed instruction: %s, err: %+v", instrs[0].AtomicGroup, failedID, cause)
}

// atomicVenue returns the venue of a single-venue group when it supports
// atomic submission. Groups with sweeps are sized member by member.
func (o *Orchestrator) atomicVenue(instrs []schema.ExecutionInstruction) (AtomicSubmitter, bool) {
	name := instrs[0].Venue
	for _, instr := range instrs {
		if instr.Sweep {
			return nil, false
		}
		for _, v := range instr.Venues() {
			if v != name {
				return nil, false
			}
		}
	}
	a, ok := o.venues[name].(AtomicSubmitter)
	return a, ok
}

func (o *Orchestrator) submit(ctx context.Context, ts time.Time, ledger *Ledger, instr schema.ExecutionInstruction, staged []schema.Delta) (schema.Fill, error) {
	instr, err := o.size(ts, ledger, instr, staged)
	if err != nil {
		_ = ledger.Sent(instr.ID)
		return schema.Fill{}, err
	}
	venue := o.venues[instr.Venue]
	var fill schema.Fill
	attempts, err := o.retry(ctx, func(ctx context.Context) error {
		_ = ledger.Sent(instr.ID)
		f, err := venue.Submit(ctx, ts, instr)
		if err != nil {
			logs.Warnf("venue %s instruction %s (%s) failed: %+v", instr.Venue, instr.ID, instr.Kind, err)
			return err
		}
		fill = f
		return nil
	})
	if err != nil {
		wrapped := o.wrap(instr, err)
		if attempts > 1 {
			wrapped = exception.Execution(component, exception.CodeRetriesExhausted, "venue call failed after retries").
				With("instruction", instr.ID).
				With("venue", instr.Venue).
				With("attempts", attempts).
				At(ts).
				Wrap(wrapped)
		}
		return schema.Fill{}, wrapped
	}
	fill.InstructionID = instr.ID
	if fill.Venue == "" {
		fill.Venue = instr.Venue
	}
	if fill.Timestamp.IsZero() {
		fill.Timestamp = ts.UTC()
	}
	_ = ledger.Filled(instr.ID, fill)
	return fill, nil
}

// size resolves a sweep amount from the tracker balance plus the deltas
// staged ahead of it in the same group.
func (o *Orchestrator) size(ts time.Time, ledger *Ledger, instr schema.ExecutionInstruction, staged []schema.Delta) (schema.ExecutionInstruction, error) {
	if !instr.Sweep {
		return instr, nil
	}
	key, _ := instr.SweepKey()
	available := o.positions.CurrentSnapshot().Quantity(key)
	for _, d := range staged {
		if d.Key == key {
			available = available.Add(d.Amount)
		}
	}
	amount := available
	if instr.Amount.IsPositive() && instr.Amount.LessThan(available) {
		amount = instr.Amount
	}
	if !amount.IsPositive() {
		return instr, exception.InsufficientBalance(component, "nothing to sweep").
			With("instruction", instr.ID).
			With("key", key.String()).
			With("available", available.String()).
			At(ts)
	}
	if !amount.Equal(instr.Amount) {
		logs.Debugf("sweep %s sized %s -> %s from %s", instr.ID, instr.Amount, amount, key)
	}
	instr.Amount = amount
	_ = ledger.Sized(instr.ID, amount)
	return instr, nil
}

func (o *Orchestrator) retry(ctx context.Context, call func(ctx context.Context) error) (int, error) {
	return backoff.Retry(ctx, backoff.Policy{
		Attempts:  o.cfg.Attempts,
		Backoff:   o.cfg.Backoff,
		Retryable: Retryable,
		Sleep:     o.cfg.Sleep,
	}, func(ctx context.Context, _ int) error {
		if o.cfg.VenueTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, o.cfg.VenueTimeout)
			defer cancel()
		}
		err := call(ctx)
		if err != nil && errors.Is(err, context.DeadlineExceeded) {
			return exception.Execution(component, exception.CodeVenueTimeout, "venue call timed out").
				With("timeout", o.cfg.VenueTimeout.String()).
				Wrap(err)
		}
		return err
	})
}

// wrap gives untyped venue errors an execution code.
func (o *Orchestrator) wrap(instr schema.ExecutionInstruction, err error) error {
	if _, ok := exception.As(err); ok {
		return err
	}
	return exception.Execution(component, exception.CodeVenueUnavailable, "venue call failed").
		With("instruction", instr.ID).
		With("venue", instr.Venue).
		Wrap(err)
}

// Retryable reports whether a venue error is transient.
func Retryable(err error) bool {
	e, ok := exception.As(err)
	if !ok {
		return !errors.Is(err, context.Canceled)
	}
	switch e.Kind {
	case exception.KindDataUnavailable:
		return true
	case exception.KindExecution:
		return e.Code == exception.CodeVenueTimeout || e.Code == exception.CodeVenueUnavailable
	default:
		return false
	}
}

// failedInstruction finds the instruction named by a venue error.
func failedInstruction(instrs []schema.ExecutionInstruction, err error) string {
	if e, ok := exception.As(err); ok {
		if v, ok := e.Field("instruction"); ok {
			id := fmt.Sprint(v)
			for _, instr := range instrs {
				if instr.ID == id {
					return id
				}
			}
		}
	}
	return instrs[0].ID
}

// culprit finds the last instruction whose fill touched the key a tracker
// error names.
func culprit(instrs []schema.ExecutionInstruction, fills []schema.Fill, err error) string {
	if e, ok := exception.As(err); ok {
		if v, ok := e.Field("key"); ok {
			key := fmt.Sprint(v)
			for i := len(fills) - 1; i >= 0; i-- {
				for _, d := range fills[i].Deltas {
					if d.Key.String() == key {
						return instrs[i].ID
					}
				}
			}
		}
	}
	return instrs[len(instrs)-1].ID
}
