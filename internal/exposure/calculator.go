package exposure

import (
	"time"

	"github.com/IggyIkenna/basis-strategy-v1/internal/marketdata"
	"github.com/IggyIkenna/basis-strategy-v1/internal/schema"
	"github.com/IggyIkenna/basis-strategy-v1/pkg/exception"
	"github.com/shopspring/decimal"
)

const component = "exposure_calculator"

var one = decimal.NewFromInt(1)

// Calculator converts position snapshots into reporting-currency exposure.
type Calculator struct {
	registry *schema.Registry
}

// NewCalculator creates a calculator for the registered instruments.
func NewCalculator(registry *schema.Registry) *Calculator {
	return &Calculator{registry: registry}
}

// Calculate values every balance of the snapshot. It holds no state.
func (c *Calculator) Calculate(ts time.Time, snapshot schema.PositionSnapshot, market marketdata.Market) (schema.ExposureSnapshot, error) {
	out := schema.ExposureSnapshot{
		Timestamp:         ts.UTC(),
		PositionSeq:       snapshot.Seq,
		Assets:            make([]schema.AssetExposure, 0, len(snapshot.Positions)),
		TotalValue:        decimal.Zero,
		GrossExposure:     decimal.Zero,
		NetDelta:          decimal.Zero,
		DeltaByUnderlying: make(map[schema.Asset]decimal.Decimal),
	}

	for _, pos := range snapshot.Positions {
		inst, ok := c.registry.Instrument(pos.Key)
		if !ok {
			return schema.ExposureSnapshot{}, exception.Configuration(component, exception.CodeNoConversionRule, "no conversion rule for tracked balance").
				With("key", pos.Key.String()).
				With("quantity", pos.Quantity.String()).
				At(ts)
		}
		a, err := c.value(inst, pos, market)
		if err != nil {
			if e, ok := exception.As(err); ok && e.Component != component {
				return schema.ExposureSnapshot{}, exception.DataUnavailable(component, "cannot value balance").
					With("key", pos.Key.String()).
					With("conversion", inst.Conversion.String()).
					At(ts).
					Wrap(err)
			}
			return schema.ExposureSnapshot{}, err
		}

		out.Assets = append(out.Assets, a)
		out.TotalValue = out.TotalValue.Add(a.Value)
		out.GrossExposure = out.GrossExposure.Add(a.Notional)
		if !a.DeltaUnits.IsZero() {
			out.NetDelta = out.NetDelta.Add(a.DeltaValue)
			out.DeltaByUnderlying[a.Underlying] = out.DeltaByUnderlying[a.Underlying].Add(a.DeltaUnits)
		}
	}
	return out, nil
}

func (c *Calculator) value(inst schema.Instrument, pos schema.Position, market marketdata.Market) (schema.AssetExposure, error) {
	a := schema.AssetExposure{
		Key:        pos.Key,
		Kind:       inst.Kind,
		Conversion: inst.Conversion,
		Underlying: inst.Underlying,
		Quantity:   pos.Quantity,
		Index:      one,
		CostBasis:  pos.CostBasis,
	}
	directional := c.registry.IsDirectional(inst)

	underlying := one
	if directional {
		p, err := market.Price(inst.Underlying)
		if err != nil {
			return a, err
		}
		underlying = p
	}
	a.UnderlyingPrice = underlying

	switch inst.Conversion {
	case schema.ConversionIdentity:
		a.UnitPrice = one
		a.Value = pos.Quantity
		a.Notional = pos.Quantity.Abs()
		directional = false

	case schema.ConversionSpotPrice:
		a.UnitPrice = underlying
		a.Value = pos.Quantity.Mul(underlying)
		a.Notional = a.Value.Abs()
		a.DeltaUnits = pos.Quantity

	case schema.ConversionOraclePrice:
		p, err := market.OraclePrice(pos.Key.Asset)
		if err != nil {
			return a, err
		}
		a.UnitPrice = p
		a.Value = pos.Quantity.Mul(p)
		a.Notional = a.Value.Abs()
		if directional && !underlying.IsZero() {
			a.DeltaUnits = a.Value.Div(underlying)
		}

	case schema.ConversionProtocolIndex:
		rate, err := market.Rate(inst.Protocol, inst.Underlying)
		if err != nil {
			return a, err
		}
		units := pos.Quantity
		switch inst.Kind {
		case schema.InstrumentDebt:
			a.Index = rate.BorrowIndex
			units = units.Mul(rate.BorrowIndex).Neg()
		default:
			a.Index = rate.SupplyIndex
			units = units.Mul(rate.SupplyIndex)
		}
		a.UnitPrice = a.Index.Mul(underlying)
		a.Value = units.Mul(underlying)
		a.Notional = a.Value.Abs()
		a.DeltaUnits = units

	case schema.ConversionMarkPrice:
		mark, err := market.MarkPrice(pos.Key.Venue, pos.Key.Asset)
		if err != nil {
			return a, err
		}
		a.UnitPrice = mark
		a.Value = pos.Quantity.Mul(mark).Sub(pos.CostBasis)
		a.Notional = pos.Quantity.Abs().Mul(mark)
		a.DeltaUnits = pos.Quantity

	default:
		return a, exception.Configuration(component, exception.CodeNoConversionRule, "unsupported conversion method").
			With("key", pos.Key.String()).
			With("conversion", inst.Conversion.String())
	}

	if !directional {
		a.DeltaUnits = decimal.Zero
	}
	a.DeltaValue = a.DeltaUnits.Mul(underlying)
	return a, nil
}
