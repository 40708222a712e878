package state

import (
	"sync"
	"time"

	"github.com/IggyIkenna/basis-strategy-v1/internal/schema"
	"github.com/IggyIkenna/basis-strategy-v1/pkg/exception"
	"github.com/shopspring/decimal"
)

const component = "position_tracker"

type entry struct {
	qty   decimal.Decimal
	basis decimal.Decimal
}

// Tracker owns the authoritative PositionSnapshot. It is the only component
// allowed to mutate balances; every write goes through one mutex.
type Tracker struct {
	registry *schema.Registry

	mu        sync.RWMutex
	positions map[schema.PositionKey]entry
	current   schema.PositionSnapshot
	seeded    bool

	claimMu sync.Mutex
	owner   string
}

// NewTracker creates an empty tracker for the registered instruments.
func NewTracker(registry *schema.Registry) *Tracker {
	return &Tracker{
		registry:  registry,
		positions: make(map[schema.PositionKey]entry),
	}
}

// Claim gives the caller exclusive ownership of the tracker until release is called.
func (t *Tracker) Claim(owner string) (release func(), err error) {
	t.claimMu.Lock()
	defer t.claimMu.Unlock()
	if t.owner != "" {
		return nil, exception.State(component, exception.CodeTrackerClaimed, "tracker already claimed").
			With("owner", t.owner).
			With("requested_by", owner)
	}
	t.owner = owner
	var once sync.Once
	return func() {
		once.Do(func() {
			t.claimMu.Lock()
			t.owner = ""
			t.claimMu.Unlock()
		})
	}, nil
}

// Owner returns the current claim holder.
func (t *Tracker) Owner() string {
	t.claimMu.Lock()
	defer t.claimMu.Unlock()
	return t.owner
}

// Seeded reports whether initial capital (or a restored snapshot) is in place.
func (t *Tracker) Seeded() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.seeded
}

// SeedInitialCapital books the starting balance. It may be called once.
func (t *Tracker) SeedInitialCapital(ts time.Time, amount decimal.Decimal, asset schema.Asset, venue schema.Venue) (schema.PositionSnapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.seeded {
		return schema.PositionSnapshot{}, exception.State(component, exception.CodeAlreadySeeded, "initial capital already seeded").
			With("asset", asset).
			With("venue", venue).
			At(ts)
	}
	if !amount.IsPositive() {
		return schema.PositionSnapshot{}, exception.Configuration(component, exception.CodeConfigInvalid, "initial capital must be > 0").
			With("field", "strategy.capital").
			With("actual", amount.String())
	}
	snap, err := t.applyLocked(ts, []schema.Delta{{Key: schema.Key(venue, asset), Amount: amount}}, schema.DeltaSourceSeed)
	if err != nil {
		return schema.PositionSnapshot{}, err
	}
	t.seeded = true
	return snap, nil
}

// Restore replaces the state with a recovered snapshot. Only valid before seeding.
func (t *Tracker) Restore(snapshot schema.PositionSnapshot) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.seeded {
		return exception.State(component, exception.CodeAlreadySeeded, "cannot restore over live state").
			With("seq", t.current.Seq)
	}
	positions := make(map[schema.PositionKey]entry, len(snapshot.Positions))
	for _, p := range snapshot.Positions {
		if _, ok := t.registry.Instrument(p.Key); !ok {
			return exception.Configuration(component, exception.CodeUnknownInstrument, "restored position is not a tracked instrument").
				With("key", p.Key.String())
		}
		positions[p.Key] = entry{qty: p.Quantity, basis: p.CostBasis}
	}
	t.positions = positions
	t.current = buildSnapshot(positions, snapshot.Timestamp, snapshot.Seq, schema.DeltaSourceRecovery)
	t.seeded = true
	return nil
}

// CurrentSnapshot returns the latest snapshot without side effects.
func (t *Tracker) CurrentSnapshot() schema.PositionSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current.Clone()
}

// ApplyDeltas applies every delta or none of them and returns the new snapshot.
// Deltas are applied in order, so intermediate balances of a group may dip
// below zero as long as the final balances are valid.
func (t *Tracker) ApplyDeltas(ts time.Time, deltas []schema.Delta, source schema.DeltaSource) (schema.PositionSnapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.seeded {
		return schema.PositionSnapshot{}, exception.State(component, exception.CodeNotSeeded, "apply before initial capital").
			With("source", source.String()).
			At(ts)
	}
	return t.applyLocked(ts, deltas, source)
}

func (t *Tracker) applyLocked(ts time.Time, deltas []schema.Delta, source schema.DeltaSource) (schema.PositionSnapshot, error) {
	if len(deltas) == 0 {
		return t.current.Clone(), nil
	}

	work := make(map[schema.PositionKey]entry, len(t.positions)+len(deltas))
	for k, v := range t.positions {
		work[k] = v
	}
	requested := make(map[schema.PositionKey]decimal.Decimal, len(deltas))
	order := make([]schema.PositionKey, 0, len(deltas))

	note := func(key schema.PositionKey, amount decimal.Decimal) {
		if _, ok := requested[key]; !ok {
			order = append(order, key)
		}
		requested[key] = requested[key].Add(amount)
	}

	for _, d := range deltas {
		inst, ok := t.registry.Instrument(d.Key)
		if !ok {
			return schema.PositionSnapshot{}, exception.Configuration(component, exception.CodeUnknownInstrument, "delta targets an untracked instrument").
				With("key", d.Key.String()).
				With("source", source.String()).
				At(ts)
		}
		if d.Amount.IsZero() {
			continue
		}
		note(d.Key, d.Amount)

		if inst.Kind != schema.InstrumentPerp {
			e := work[d.Key]
			e.qty = e.qty.Add(d.Amount)
			work[d.Key] = e
			continue
		}

		e, realized := applyPerp(work[d.Key], d.Amount, d.Price)
		work[d.Key] = e
		if !realized.IsZero() {
			settle := inst.SettlementKey()
			if _, ok := t.registry.Instrument(settle); !ok {
				return schema.PositionSnapshot{}, exception.Configuration(component, exception.CodeUnknownInstrument, "perp settlement asset is not tracked").
					With("key", d.Key.String()).
					With("settlement", settle.String()).
					At(ts)
			}
			s := work[settle]
			s.qty = s.qty.Add(realized)
			work[settle] = s
			note(settle, realized)
		}
	}

	for _, key := range order {
		inst, _ := t.registry.Instrument(key)
		if inst.Kind.AllowsNegative() {
			continue
		}
		next := work[key].qty
		if next.IsNegative() {
			available := t.positions[key].qty
			return schema.PositionSnapshot{}, exception.InsufficientBalance(component, "delta would drive balance negative").
				With("key", key.String()).
				With("available", available.String()).
				With("requested", requested[key].String()).
				With("shortfall", next.Neg().String()).
				With("source", source.String()).
				At(ts)
		}
	}

	for k, v := range work {
		if v.qty.IsZero() && v.basis.IsZero() {
			delete(work, k)
		}
	}

	t.positions = work
	t.current = buildSnapshot(work, ts, t.current.Seq+1, source)
	return t.current.Clone(), nil
}

// applyPerp moves a perp entry by qty at price. Reducing the position releases
// a proportional share of cost basis and returns the realized P&L.
func applyPerp(e entry, qty, price decimal.Decimal) (entry, decimal.Decimal) {
	realized := decimal.Zero
	if e.qty.IsZero() || e.qty.Sign() == qty.Sign() {
		e.basis = e.basis.Add(qty.Mul(price))
		e.qty = e.qty.Add(qty)
		return e, realized
	}

	closing := qty.Abs()
	held := e.qty.Abs()
	if closing.GreaterThanOrEqual(held) {
		// full close, maybe flip
		realized = e.qty.Mul(price).Sub(e.basis)
		rest := qty.Add(e.qty)
		e.qty = rest
		e.basis = rest.Mul(price)
		return e, realized
	}

	fraction := closing.Div(held)
	closedQty := e.qty.Mul(fraction)
	closedBasis := e.basis.Mul(fraction)
	realized = closedQty.Mul(price).Sub(closedBasis)
	e.basis = e.basis.Sub(closedBasis)
	e.qty = e.qty.Add(qty)
	return e, realized
}

func buildSnapshot(positions map[schema.PositionKey]entry, ts time.Time, seq uint64, source schema.DeltaSource) schema.PositionSnapshot {
	entries := make([]schema.Position, 0, len(positions))
	for key, e := range positions {
		entries = append(entries, schema.Position{
			Key:       key,
			Quantity:  e.qty,
			CostBasis: e.basis,
		})
	}
	schema.SortPositions(entries)
	return schema.PositionSnapshot{
		Timestamp: ts.UTC(),
		Seq:       seq,
		Source:    source,
		Positions: entries,
	}
}
