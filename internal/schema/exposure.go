package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// AssetExposure is the reporting-currency view of one balance.
type AssetExposure struct {
	Key        PositionKey      `json:"key"`
	Kind       InstrumentKind   `json:"kind"`
	Conversion ConversionMethod `json:"conversion"`
	Underlying Asset            `json:"underlying"`
	Quantity   decimal.Decimal  `json:"quantity"`
	// UnitPrice is the price used for valuation: spot, oracle or mark price,
	// or index × underlying price for protocol tokens.
	UnitPrice decimal.Decimal `json:"unitPrice"`
	// UnderlyingPrice is the spot price of the underlying, one for the reporting asset.
	UnderlyingPrice decimal.Decimal `json:"underlyingPrice"`
	Index           decimal.Decimal `json:"index"`
	CostBasis       decimal.Decimal `json:"costBasis"`
	// Value is the signed contribution to total portfolio value.
	Value decimal.Decimal `json:"value"`
	// Notional is the absolute gross size in reporting currency.
	Notional decimal.Decimal `json:"notional"`
	// DeltaUnits is the signed directional exposure in units of the underlying.
	DeltaUnits decimal.Decimal `json:"deltaUnits"`
	// DeltaValue is DeltaUnits valued at the underlying spot price.
	DeltaValue decimal.Decimal `json:"deltaValue"`
}

// ExposureSnapshot is derived from a PositionSnapshot and market data.
type ExposureSnapshot struct {
	Timestamp     time.Time       `json:"timestamp"`
	PositionSeq   uint64          `json:"positionSeq"`
	Assets        []AssetExposure `json:"assets"`
	TotalValue    decimal.Decimal `json:"totalValue"`
	GrossExposure decimal.Decimal `json:"grossExposure"`
	NetDelta      decimal.Decimal `json:"netDelta"`
	// DeltaByUnderlying holds net delta units per underlying asset.
	DeltaByUnderlying map[Asset]decimal.Decimal `json:"deltaByUnderlying"`
}

// Asset returns the exposure entry for a key.
func (e ExposureSnapshot) Asset(key PositionKey) (AssetExposure, bool) {
	for _, a := range e.Assets {
		if a.Key == key {
			return a, true
		}
	}
	return AssetExposure{}, false
}

// VenueValue sums the value of every non-perp balance on a venue plus the
// unrealized P&L of its perps, which is the venue's account equity.
func (e ExposureSnapshot) VenueValue(venue Venue) decimal.Decimal {
	total := decimal.Zero
	for _, a := range e.Assets {
		if a.Key.Venue == venue {
			total = total.Add(a.Value)
		}
	}
	return total
}

// DeltaRatio returns |net delta| / gross exposure, zero when flat.
func (e ExposureSnapshot) DeltaRatio() decimal.Decimal {
	if e.GrossExposure.IsZero() {
		return decimal.Zero
	}
	return e.NetDelta.Abs().Div(e.GrossExposure)
}
