package strategy

import (
	"fmt"

	"github.com/IggyIkenna/basis-strategy-v1/internal/schema"
	"github.com/IggyIkenna/basis-strategy-v1/pkg/exception"
	"github.com/shopspring/decimal"
)

// Allocation is one venue leg of a planner.
type Allocation struct {
	Venue  schema.Venue    `json:"venue"`
	Weight decimal.Decimal `json:"weight"`
	// SpotAsset is the held asset: the spot leg of a basis trade or the
	// receipt token of a lending position.
	SpotAsset schema.Asset `json:"spotAsset"`
	// PerpAsset is the hedge instrument, empty for lending.
	PerpAsset schema.Asset `json:"perpAsset,omitempty"`
}

// BasisConfig parameterises the funding basis planner: long spot, short perp
// of identical size on each venue.
type BasisConfig struct {
	Capital     decimal.Decimal
	SeedVenue   schema.Venue
	Quote       schema.Asset
	Underlying  schema.Asset
	Allocations []Allocation
	// Reserve is the fraction of each venue's capital kept in the quote asset as margin.
	Reserve decimal.Decimal
	// QtyPrecision is the number of decimals of spot quantities.
	QtyPrecision int32
}

// Basis plans a market neutral long spot / short perp book.
type Basis struct {
	cfg BasisConfig
}

// NewBasis validates the config and creates a basis planner.
func NewBasis(cfg BasisConfig) (*Basis, error) {
	if cfg.QtyPrecision <= 0 {
		cfg.QtyPrecision = 8
	}
	if err := validateCommon("basis", cfg.Capital, cfg.SeedVenue, cfg.Quote, cfg.Reserve, cfg.Allocations); err != nil {
		return nil, err
	}
	if cfg.Underlying == "" {
		return nil, missing("basis.underlying")
	}
	for i, a := range cfg.Allocations {
		if a.SpotAsset == "" {
			return nil, missing(fmt.Sprintf("basis.allocations[%d].spotAsset", i))
		}
		if a.PerpAsset == "" {
			return nil, missing(fmt.Sprintf("basis.allocations[%d].perpAsset", i))
		}
	}
	return &Basis{cfg: cfg}, nil
}

func (b *Basis) Name() string { return "basis" }

// InitialSetup funds every venue, buys spot and shorts the same size of perp.
func (b *Basis) InitialSetup(in Input) (Plan, error) {
	spot, err := in.Market.Price(b.cfg.Underlying)
	if err != nil {
		return Plan{}, err
	}
	if !spot.IsPositive() {
		return Plan{}, exception.DataUnavailable(component, "non-positive spot price").
			With("asset", b.cfg.Underlying).
			With("price", spot.String()).
			At(in.Timestamp)
	}

	var plan Plan
	amounts := make([]decimal.Decimal, len(b.cfg.Allocations))
	for i, a := range b.cfg.Allocations {
		amounts[i] = b.cfg.Capital.Mul(a.Weight)
		if a.Venue == b.cfg.SeedVenue {
			continue
		}
		plan.add(schema.ExecutionInstruction{
			Venue:    b.cfg.SeedVenue,
			Kind:     schema.InstructionTransfer,
			Asset:    b.cfg.Quote,
			ToVenue:  a.Venue,
			Amount:   amounts[i],
			Parallel: true,
		})
	}

	deployed := decimal.NewFromInt(1).Sub(b.cfg.Reserve)
	sizes := make([]decimal.Decimal, len(b.cfg.Allocations))
	for i, a := range b.cfg.Allocations {
		sizes[i] = amounts[i].Mul(deployed).Div(spot).Truncate(b.cfg.QtyPrecision)
		plan.add(schema.ExecutionInstruction{
			Venue:    a.Venue,
			Kind:     schema.InstructionSpotTrade,
			Asset:    a.SpotAsset,
			Quote:    b.cfg.Quote,
			Amount:   sizes[i],
			Parallel: true,
		})
		plan.target(schema.Key(a.Venue, a.SpotAsset), sizes[i])
	}
	for i, a := range b.cfg.Allocations {
		plan.add(schema.ExecutionInstruction{
			Venue:    a.Venue,
			Kind:     schema.InstructionDerivativeTrade,
			Asset:    a.PerpAsset,
			Quote:    b.cfg.Quote,
			Amount:   sizes[i].Neg(),
			Parallel: true,
		})
		plan.target(schema.Key(a.Venue, a.PerpAsset), sizes[i].Neg())
	}
	return plan, nil
}

// Deviation is the portfolio delta ratio.
func (b *Basis) Deviation(in Input) (decimal.Decimal, error) {
	return in.Exposure.DeltaRatio(), nil
}

// Rebalance resizes each venue's perp to hedge its spot exactly.
func (b *Basis) Rebalance(in Input) (Plan, error) {
	var plan Plan
	for _, a := range b.cfg.Allocations {
		spotQty := quantity(in.Exposure, schema.Key(a.Venue, a.SpotAsset))
		perpKey := schema.Key(a.Venue, a.PerpAsset)
		target := spotQty.Neg()
		plan.target(perpKey, target)

		diff := target.Sub(quantity(in.Exposure, perpKey))
		if diff.IsZero() {
			continue
		}
		plan.add(schema.ExecutionInstruction{
			Venue:    a.Venue,
			Kind:     schema.InstructionDerivativeTrade,
			Asset:    a.PerpAsset,
			Quote:    b.cfg.Quote,
			Amount:   diff,
			Parallel: true,
		})
	}
	return plan, nil
}

// Exit closes perps and sells spot atomically per venue, then sweeps each
// venue's quote balance back to the seed venue. Sweeps are sized at dispatch
// so close and sell fees never overdraw the venue.
func (b *Basis) Exit(in Input) (Plan, error) {
	var plan Plan
	var sweeps []schema.ExecutionInstruction
	for _, a := range b.cfg.Allocations {
		group := fmt.Sprintf("exit-%s", a.Venue)
		spotKey := schema.Key(a.Venue, a.SpotAsset)
		perpKey := schema.Key(a.Venue, a.PerpAsset)
		spotQty := quantity(in.Exposure, spotKey)
		perpQty := quantity(in.Exposure, perpKey)

		if !perpQty.IsZero() {
			plan.add(schema.ExecutionInstruction{
				Venue:       a.Venue,
				Kind:        schema.InstructionDerivativeTrade,
				Asset:       a.PerpAsset,
				Quote:       b.cfg.Quote,
				Amount:      perpQty.Neg(),
				AtomicGroup: group,
			})
		}
		if spotQty.IsPositive() {
			plan.add(schema.ExecutionInstruction{
				Venue:       a.Venue,
				Kind:        schema.InstructionSpotTrade,
				Asset:       a.SpotAsset,
				Quote:       b.cfg.Quote,
				Amount:      spotQty.Neg(),
				AtomicGroup: group,
			})
		}
		plan.target(spotKey, decimal.Zero)
		plan.target(perpKey, decimal.Zero)

		if a.Venue == b.cfg.SeedVenue {
			continue
		}
		if !spotQty.IsPositive() && perpQty.IsZero() && quantity(in.Exposure, schema.Key(a.Venue, b.cfg.Quote)).IsZero() {
			continue
		}
		sweeps = append(sweeps, schema.ExecutionInstruction{
			Venue:   a.Venue,
			Kind:    schema.InstructionTransfer,
			Asset:   b.cfg.Quote,
			ToVenue: b.cfg.SeedVenue,
			Sweep:   true,
		})
	}
	plan.Instructions = append(plan.Instructions, sweeps...)
	return plan, nil
}

func validateCommon(prefix string, capital decimal.Decimal, seed schema.Venue, quote schema.Asset, reserve decimal.Decimal, allocs []Allocation) error {
	if !capital.IsPositive() {
		return exception.Configuration(component, exception.CodeConfigInvalid, "capital must be > 0").
			With("field", prefix+".capital").
			With("actual", capital.String())
	}
	if seed == "" {
		return missing(prefix + ".seedVenue")
	}
	if quote == "" {
		return missing(prefix + ".quote")
	}
	if reserve.IsNegative() || reserve.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return exception.Configuration(component, exception.CodeConfigInvalid, "reserve must be in [0, 1)").
			With("field", prefix+".reserve").
			With("actual", reserve.String())
	}
	if len(allocs) == 0 {
		return missing(prefix + ".allocations")
	}
	total := decimal.Zero
	seen := make(map[schema.Venue]struct{}, len(allocs))
	for i, a := range allocs {
		if a.Venue == "" {
			return missing(fmt.Sprintf("%s.allocations[%d].venue", prefix, i))
		}
		if _, dup := seen[a.Venue]; dup {
			return exception.Configuration(component, exception.CodeConfigInvalid, "duplicate allocation venue").
				With("field", fmt.Sprintf("%s.allocations[%d].venue", prefix, i)).
				With("venue", a.Venue)
		}
		seen[a.Venue] = struct{}{}
		if !a.Weight.IsPositive() {
			return exception.Configuration(component, exception.CodeConfigInvalid, "allocation weight must be > 0").
				With("field", fmt.Sprintf("%s.allocations[%d].weight", prefix, i)).
				With("actual", a.Weight.String())
		}
		total = total.Add(a.Weight)
	}
	if !total.Equal(decimal.NewFromInt(1)) {
		return exception.Configuration(component, exception.CodeConfigInvalid, "allocation weights must sum to 1").
			With("field", prefix+".allocations").
			With("actual", total.String())
	}
	return nil
}

func missing(field string) error {
	return exception.Configuration(component, exception.CodeConfigMissing, "required field is missing").
		With("field", field)
}
