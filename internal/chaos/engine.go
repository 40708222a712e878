package chaos

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/IggyIkenna/basis-strategy-v1/internal/execution"
	"github.com/IggyIkenna/basis-strategy-v1/internal/schema"
	"github.com/IggyIkenna/basis-strategy-v1/pkg/exception"
	"github.com/shopspring/decimal"
)

// Config controls fault injection.
type Config struct {
	Seed int64
	// RejectRate is the probability that a venue call is rejected.
	RejectRate float64
	// UnavailableRate is the probability that a venue call fails transiently.
	UnavailableRate float64
	// MaxDelay adds a random latency to every venue call.
	MaxDelay time.Duration
	// FailInstructions always rejects the listed instruction ids.
	FailInstructions []string
	// FailKinds always rejects the listed instruction kinds.
	FailKinds []schema.InstructionKind
	// FundingMultiplier scales settled funding; zero leaves it untouched.
	FundingMultiplier decimal.Decimal
}

// Validate ensures the config is within supported ranges.
func (c Config) Validate() error {
	if c.RejectRate < 0 || c.RejectRate > 1 {
		return fmt.Errorf("rejectRate must be between 0 and 1")
	}
	if c.UnavailableRate < 0 || c.UnavailableRate > 1 {
		return fmt.Errorf("unavailableRate must be between 0 and 1")
	}
	if c.MaxDelay < 0 {
		return fmt.Errorf("maxDelay must be >= 0")
	}
	return nil
}

// Venue wraps a venue and injects failures into its calls.
type Venue struct {
	inner execution.Venue
	cfg   Config
	ids   map[string]struct{}
	kinds map[schema.InstructionKind]struct{}

	mu       sync.Mutex
	rng      *rand.Rand
	injected int
}

// Wrap creates a fault-injecting venue.
func Wrap(inner execution.Venue, cfg Config) (*Venue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UTC().UnixNano()
	}
	v := &Venue{
		inner: inner,
		cfg:   cfg,
		ids:   make(map[string]struct{}, len(cfg.FailInstructions)),
		kinds: make(map[schema.InstructionKind]struct{}, len(cfg.FailKinds)),
		rng:   rand.New(rand.NewSource(cfg.Seed)),
	}
	for _, id := range cfg.FailInstructions {
		v.ids[id] = struct{}{}
	}
	for _, k := range cfg.FailKinds {
		v.kinds[k] = struct{}{}
	}
	return v, nil
}

// Injected returns the number of faults injected so far.
func (v *Venue) Injected() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.injected
}

func (v *Venue) Name() schema.Venue { return v.inner.Name() }

func (v *Venue) Submit(ctx context.Context, ts time.Time, instr schema.ExecutionInstruction) (schema.Fill, error) {
	if err := v.fault(ctx, ts, instr); err != nil {
		return schema.Fill{}, err
	}
	return v.inner.Submit(ctx, ts, instr)
}

// SubmitAtomic fails the whole request when any instruction draws a fault.
func (v *Venue) SubmitAtomic(ctx context.Context, ts time.Time, instrs []schema.ExecutionInstruction) ([]schema.Fill, error) {
	for _, instr := range instrs {
		if err := v.fault(ctx, ts, instr); err != nil {
			return nil, err
		}
	}
	if a, ok := v.inner.(execution.AtomicSubmitter); ok {
		return a.SubmitAtomic(ctx, ts, instrs)
	}
	fills := make([]schema.Fill, 0, len(instrs))
	for _, instr := range instrs {
		f, err := v.inner.Submit(ctx, ts, instr)
		if err != nil {
			return nil, err
		}
		fills = append(fills, f)
	}
	return fills, nil
}

// SettleFunding delegates and scales the settled amounts.
func (v *Venue) SettleFunding(ctx context.Context, ts time.Time, positions []schema.Position) ([]schema.Payment, []schema.Delta, error) {
	s, ok := v.inner.(execution.FundingSettler)
	if !ok {
		return nil, nil, nil
	}
	payments, deltas, err := s.SettleFunding(ctx, ts, positions)
	if err != nil || v.cfg.FundingMultiplier.IsZero() {
		return payments, deltas, err
	}
	for i := range payments {
		payments[i].Amount = payments[i].Amount.Mul(v.cfg.FundingMultiplier)
	}
	for i := range deltas {
		deltas[i].Amount = deltas[i].Amount.Mul(v.cfg.FundingMultiplier)
	}
	v.mu.Lock()
	v.injected++
	v.mu.Unlock()
	return payments, deltas, nil
}

// Balances delegates when the wrapped venue reports balances.
func (v *Venue) Balances(ctx context.Context, ts time.Time) ([]schema.Position, error) {
	if r, ok := v.inner.(execution.BalanceReporter); ok {
		return r.Balances(ctx, ts)
	}
	return nil, exception.Execution(v.component(), exception.CodeUnsupportedOperation, "venue does not report balances")
}

func (v *Venue) fault(ctx context.Context, ts time.Time, instr schema.ExecutionInstruction) error {
	delay, reject, unavailable := v.draw(instr)
	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	switch {
	case reject:
		return exception.Execution(v.component(), exception.CodeVenueRejected, "injected rejection").
			With("instruction", instr.ID).
			With("kind", instr.Kind.String()).
			At(ts)
	case unavailable:
		return exception.Execution(v.component(), exception.CodeVenueUnavailable, "injected outage").
			With("instruction", instr.ID).
			At(ts)
	}
	return nil
}

func (v *Venue) draw(instr schema.ExecutionInstruction) (time.Duration, bool, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var delay time.Duration
	if v.cfg.MaxDelay > 0 {
		delay = time.Duration(v.rng.Int63n(v.cfg.MaxDelay.Nanoseconds() + 1))
	}
	_, forcedID := v.ids[instr.ID]
	_, forcedKind := v.kinds[instr.Kind]
	reject := forcedID || forcedKind || (v.cfg.RejectRate > 0 && v.rng.Float64() < v.cfg.RejectRate)
	unavailable := !reject && v.cfg.UnavailableRate > 0 && v.rng.Float64() < v.cfg.UnavailableRate
	if reject || unavailable {
		v.injected++
	}
	return delay, reject, unavailable
}

func (v *Venue) component() string {
	return fmt.Sprintf("chaos:%s", v.inner.Name())
}
