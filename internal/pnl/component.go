package pnl

import (
	"fmt"
	"time"

	"github.com/IggyIkenna/basis-strategy-v1/internal/marketdata"
	"github.com/IggyIkenna/basis-strategy-v1/internal/schema"
	"github.com/IggyIkenna/basis-strategy-v1/pkg/exception"
	"github.com/shopspring/decimal"
)

// Period is the input of every attribution component.
type Period struct {
	From, To time.Time
	Previous schema.ExposureSnapshot
	Current  schema.ExposureSnapshot
	// Revalued holds the previous positions valued at current prices.
	Revalued   schema.ExposureSnapshot
	Activity   schema.Activity
	Market     marketdata.Market
	FundingDue bool

	parts map[schema.PositionKey]parts
}

// parts splits the price driven value change of one held balance. Whatever
// the parts do not price stays unexplained.
type parts struct {
	delta  decimal.Decimal
	yield  decimal.Decimal
	borrow decimal.Decimal
	spread decimal.Decimal
}

func (p *Period) decompose() {
	p.parts = make(map[schema.PositionKey]parts, len(p.Previous.Assets))
	for _, prev := range p.Previous.Assets {
		cur, ok := p.Revalued.Asset(prev.Key)
		if !ok {
			continue
		}
		var out parts
		spotMove := cur.UnderlyingPrice.Sub(prev.UnderlyingPrice)
		unitMove := cur.UnitPrice.Sub(prev.UnitPrice)
		out.delta = prev.DeltaUnits.Mul(spotMove)
		switch prev.Conversion {
		case schema.ConversionProtocolIndex:
			accrued := prev.Quantity.Mul(cur.Index.Sub(prev.Index)).Mul(cur.UnderlyingPrice)
			switch prev.Kind {
			case schema.InstrumentDebt:
				out.borrow = accrued.Neg()
			default:
				out.yield = accrued
			}
		case schema.ConversionMarkPrice:
			out.spread = prev.Quantity.Mul(unitMove.Sub(spotMove))
		case schema.ConversionOraclePrice:
			out.spread = prev.Quantity.Mul(unitMove).Sub(out.delta)
		}
		p.parts[prev.Key] = out
	}
}

func (p *Period) sum(pick func(parts) decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range p.Previous.Assets {
		if v, ok := p.parts[a.Key]; ok {
			total = total.Add(pick(v))
		}
	}
	return total
}

// Component explains one source of P&L.
type Component interface {
	Name() string
	Attribute(p *Period) (decimal.Decimal, error)
}

type componentFunc struct {
	name string
	fn   func(p *Period) (decimal.Decimal, error)
}

func (c componentFunc) Name() string { return c.name }

func (c componentFunc) Attribute(p *Period) (decimal.Decimal, error) { return c.fn(p) }

// SupplyYield is interest accrued on receipt tokens.
func SupplyYield() Component {
	return componentFunc{schema.ComponentSupplyYield, func(p *Period) (decimal.Decimal, error) {
		return p.sum(func(v parts) decimal.Decimal { return v.yield }), nil
	}}
}

// BorrowCost is interest accrued on debt tokens, negative.
func BorrowCost() Component {
	return componentFunc{schema.ComponentBorrowCost, func(p *Period) (decimal.Decimal, error) {
		return p.sum(func(v parts) decimal.Decimal { return v.borrow }), nil
	}}
}

// Delta is the P&L of net directional exposure to underlying spot moves.
func Delta() Component {
	return componentFunc{schema.ComponentDelta, func(p *Period) (decimal.Decimal, error) {
		return p.sum(func(v parts) decimal.Decimal { return v.delta }), nil
	}}
}

// BasisSpread is the move of perp marks and oracle prices away from the
// underlying spot: size × (Δmark − Δspot) for perps.
func BasisSpread() Component {
	return componentFunc{schema.ComponentBasisSpread, func(p *Period) (decimal.Decimal, error) {
		return p.sum(func(v parts) decimal.Decimal { return v.spread }), nil
	}}
}

// TransactionCosts is the fees paid, negative.
func TransactionCosts() Component {
	return componentFunc{schema.ComponentTransactionCosts, func(p *Period) (decimal.Decimal, error) {
		return p.Activity.FeeTotal().Neg(), nil
	}}
}

// Funding is the expected funding of the perps held into a funding time:
// −size × mark × rate, from market funding rates.
func Funding() Component {
	return componentFunc{schema.ComponentFunding, func(p *Period) (decimal.Decimal, error) {
		if !p.FundingDue {
			return decimal.Zero, nil
		}
		total := decimal.Zero
		for _, a := range p.Previous.Assets {
			if a.Kind != schema.InstrumentPerp || a.Quantity.IsZero() {
				continue
			}
			rate, err := p.Market.FundingRate(a.Key.Venue, a.Key.Asset)
			if err != nil {
				return decimal.Zero, err
			}
			mark, err := p.Market.MarkPrice(a.Key.Venue, a.Key.Asset)
			if err != nil {
				return decimal.Zero, err
			}
			total = total.Add(a.Quantity.Mul(mark).Mul(rate).Neg())
		}
		return total, nil
	}}
}

// DefaultComponents returns every built-in component.
func DefaultComponents() []Component {
	return []Component{SupplyYield(), BorrowCost(), Funding(), BasisSpread(), Delta(), TransactionCosts()}
}

// ComponentsByName resolves configured component names.
func ComponentsByName(names []string) ([]Component, error) {
	if len(names) == 0 {
		return DefaultComponents(), nil
	}
	all := make(map[string]Component)
	for _, c := range DefaultComponents() {
		all[c.Name()] = c
	}
	out := make([]Component, 0, len(names))
	for i, n := range names {
		c, ok := all[n]
		if !ok {
			return nil, exception.Configuration(component, exception.CodeConfigInvalid, "unknown attribution component").
				With("field", fmt.Sprintf("pnl.components[%d]", i)).
				With("actual", n)
		}
		out = append(out, c)
	}
	return out, nil
}

// FundingDue reports whether a funding time falls in (from, to]. Hours are UTC.
func FundingDue(from, to time.Time, hours []int) bool {
	if len(hours) == 0 || from.IsZero() || !to.After(from) {
		return false
	}
	if to.Sub(from) >= 24*time.Hour {
		return true
	}
	set := make(map[int]struct{}, len(hours))
	for _, h := range hours {
		set[h] = struct{}{}
	}
	for t := from.UTC().Truncate(time.Hour).Add(time.Hour); !t.After(to); t = t.Add(time.Hour) {
		if _, ok := set[t.Hour()]; ok {
			return true
		}
	}
	return false
}
