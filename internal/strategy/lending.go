package strategy

import (
	"fmt"

	"github.com/IggyIkenna/basis-strategy-v1/internal/schema"
	"github.com/shopspring/decimal"
)

// LendingConfig parameterises the lending planner: the quote asset is split
// across protocol venues by weight and supplied for yield.
type LendingConfig struct {
	Capital     decimal.Decimal
	SeedVenue   schema.Venue
	Quote       schema.Asset
	Allocations []Allocation
	Reserve     decimal.Decimal
	// Precision is the number of decimals of supplied and withdrawn amounts.
	Precision int32
}

// Lending plans a supply-only yield book.
type Lending struct {
	cfg LendingConfig
}

// NewLending validates the config and creates a lending planner.
func NewLending(cfg LendingConfig) (*Lending, error) {
	if cfg.Precision <= 0 {
		cfg.Precision = 6
	}
	if err := validateCommon("lending", cfg.Capital, cfg.SeedVenue, cfg.Quote, cfg.Reserve, cfg.Allocations); err != nil {
		return nil, err
	}
	for i, a := range cfg.Allocations {
		if a.SpotAsset == "" {
			return nil, missing(fmt.Sprintf("lending.allocations[%d].spotAsset", i))
		}
	}
	return &Lending{cfg: cfg}, nil
}

func (l *Lending) Name() string { return "lending" }

// InitialSetup moves each allocation to its venue and supplies it, capped at
// what arrived after the transfer fee.
func (l *Lending) InitialSetup(in Input) (Plan, error) {
	var plan Plan
	deployed := decimal.NewFromInt(1).Sub(l.cfg.Reserve)
	for _, a := range l.cfg.Allocations {
		amount := l.cfg.Capital.Mul(a.Weight)
		if a.Venue != l.cfg.SeedVenue {
			plan.add(schema.ExecutionInstruction{
				Venue:   l.cfg.SeedVenue,
				Kind:    schema.InstructionTransfer,
				Asset:   l.cfg.Quote,
				ToVenue: a.Venue,
				Amount:  amount,
			})
		}
		supply := amount.Mul(deployed).Truncate(l.cfg.Precision)
		plan.add(schema.ExecutionInstruction{
			Venue:    a.Venue,
			Kind:     schema.InstructionSupply,
			Asset:    a.SpotAsset,
			Quote:    l.cfg.Quote,
			Amount:   supply,
			Parallel: true,
			Sweep:    true,
		})
		plan.target(schema.Key(a.Venue, a.SpotAsset), supply)
	}
	return plan, nil
}

// Deviation is the largest absolute gap between a venue's share of equity
// and its configured weight.
func (l *Lending) Deviation(in Input) (decimal.Decimal, error) {
	shares, total := l.shares(in.Exposure)
	if total.IsZero() {
		return decimal.Zero, nil
	}
	worst := decimal.Zero
	for i, a := range l.cfg.Allocations {
		gap := shares[i].Div(total).Sub(a.Weight).Abs()
		if gap.GreaterThan(worst) {
			worst = gap
		}
	}
	return worst, nil
}

// Rebalance withdraws from overweight venues into the seed venue and then
// supplies underweight venues from it. Transfers and supplies are sweeps
// capped at the planned amount, so withdraw and transfer fees shrink the
// legs that follow instead of overdrawing them.
func (l *Lending) Rebalance(in Input) (Plan, error) {
	price, err := in.Market.Price(l.cfg.Quote)
	if err != nil {
		return Plan{}, err
	}
	shares, total := l.shares(in.Exposure)

	var plan Plan
	withdrawn := decimal.Zero
	shortfalls := make([]decimal.Decimal, len(l.cfg.Allocations))
	shortTotal := decimal.Zero
	for i, a := range l.cfg.Allocations {
		gap := shares[i].Sub(total.Mul(a.Weight))
		if !gap.IsPositive() {
			shortfalls[i] = gap.Neg()
			shortTotal = shortTotal.Add(shortfalls[i])
			continue
		}
		amount := gap.Div(price).Truncate(l.cfg.Precision)
		if !amount.IsPositive() {
			continue
		}
		group := fmt.Sprintf("rebalance-%s", a.Venue)
		plan.add(schema.ExecutionInstruction{
			Venue:       a.Venue,
			Kind:        schema.InstructionWithdraw,
			Asset:       a.SpotAsset,
			Quote:       l.cfg.Quote,
			Amount:      amount,
			AtomicGroup: group,
		})
		if a.Venue != l.cfg.SeedVenue {
			plan.add(schema.ExecutionInstruction{
				Venue:       a.Venue,
				Kind:        schema.InstructionTransfer,
				Asset:       l.cfg.Quote,
				ToVenue:     l.cfg.SeedVenue,
				Amount:      amount,
				AtomicGroup: group,
				Sweep:       true,
			})
		}
		withdrawn = withdrawn.Add(amount)
	}

	if shortTotal.IsPositive() && withdrawn.IsPositive() {
		scale := withdrawn.Mul(price).Div(shortTotal)
		if scale.GreaterThan(decimal.NewFromInt(1)) {
			scale = decimal.NewFromInt(1)
		}
		for i, a := range l.cfg.Allocations {
			amount := shortfalls[i].Mul(scale).Div(price).Truncate(l.cfg.Precision)
			if !amount.IsPositive() {
				continue
			}
			group := fmt.Sprintf("rebalance-%s", a.Venue)
			if a.Venue != l.cfg.SeedVenue {
				plan.add(schema.ExecutionInstruction{
					Venue:       l.cfg.SeedVenue,
					Kind:        schema.InstructionTransfer,
					Asset:       l.cfg.Quote,
					ToVenue:     a.Venue,
					Amount:      amount,
					AtomicGroup: group,
					Sweep:       true,
				})
			}
			plan.add(schema.ExecutionInstruction{
				Venue:       a.Venue,
				Kind:        schema.InstructionSupply,
				Asset:       a.SpotAsset,
				Quote:       l.cfg.Quote,
				Amount:      amount,
				AtomicGroup: group,
				Sweep:       true,
			})
		}
	}
	for _, a := range l.cfg.Allocations {
		plan.target(schema.Key(a.Venue, a.SpotAsset), total.Mul(a.Weight).Div(price))
	}
	return plan, nil
}

// Exit withdraws every supplied position and sweeps each venue's quote
// balance back to the seed venue.
func (l *Lending) Exit(in Input) (Plan, error) {
	var plan Plan
	var transfers []schema.ExecutionInstruction
	for _, a := range l.cfg.Allocations {
		key := schema.Key(a.Venue, a.SpotAsset)
		plan.target(key, decimal.Zero)

		exp, ok := in.Exposure.Asset(key)
		if !ok || !exp.Quantity.IsPositive() {
			continue
		}
		index := exp.Index
		if index.IsZero() {
			index = decimal.NewFromInt(1)
		}
		amount := exp.Quantity.Mul(index).Truncate(l.cfg.Precision)
		if !amount.IsPositive() {
			continue
		}
		plan.add(schema.ExecutionInstruction{
			Venue:    a.Venue,
			Kind:     schema.InstructionWithdraw,
			Asset:    a.SpotAsset,
			Quote:    l.cfg.Quote,
			Amount:   amount,
			Parallel: true,
		})
		if a.Venue == l.cfg.SeedVenue {
			continue
		}
		transfers = append(transfers, schema.ExecutionInstruction{
			Venue:   a.Venue,
			Kind:    schema.InstructionTransfer,
			Asset:   l.cfg.Quote,
			ToVenue: l.cfg.SeedVenue,
			Sweep:   true,
		})
	}
	plan.Instructions = append(plan.Instructions, transfers...)
	return plan, nil
}

// shares returns each allocation venue's equity and their sum.
func (l *Lending) shares(exp schema.ExposureSnapshot) ([]decimal.Decimal, decimal.Decimal) {
	shares := make([]decimal.Decimal, len(l.cfg.Allocations))
	total := decimal.Zero
	for i, a := range l.cfg.Allocations {
		shares[i] = exp.VenueValue(a.Venue)
		total = total.Add(shares[i])
	}
	return shares, total
}
