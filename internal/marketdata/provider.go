package marketdata

import (
	"context"
	"time"

	"github.com/IggyIkenna/basis-strategy-v1/internal/schema"
	"github.com/IggyIkenna/basis-strategy-v1/pkg/exception"
	"github.com/shopspring/decimal"
)

const component = "data_provider"

// Rate is the state of a lending market at a point in time. Indexes start at
// one and grow with accrued interest; APRs are annual fractions.
type Rate struct {
	SupplyIndex decimal.Decimal `json:"supplyIndex"`
	BorrowIndex decimal.Decimal `json:"borrowIndex"`
	SupplyAPR   decimal.Decimal `json:"supplyApr"`
	BorrowAPR   decimal.Decimal `json:"borrowApr"`
}

// Provider supplies point-in-time market data. A missing value is reported as
// a DataUnavailable error, never replaced by a fallback.
type Provider interface {
	// PriceAt returns the spot price of an asset in the reporting asset.
	PriceAt(ctx context.Context, asset schema.Asset, ts time.Time) (decimal.Decimal, error)
	OraclePriceAt(ctx context.Context, asset schema.Asset, ts time.Time) (decimal.Decimal, error)
	MarkPriceAt(ctx context.Context, venue schema.Venue, instrument schema.Asset, ts time.Time) (decimal.Decimal, error)
	RateAt(ctx context.Context, protocol string, asset schema.Asset, ts time.Time) (Rate, error)
	// FundingRateAt returns the per-period funding rate; positive means longs pay shorts.
	FundingRateAt(ctx context.Context, venue schema.Venue, instrument schema.Asset, ts time.Time) (decimal.Decimal, error)
}

// Market is the read-only market view of one tick.
type Market interface {
	Timestamp() time.Time
	Price(asset schema.Asset) (decimal.Decimal, error)
	OraclePrice(asset schema.Asset) (decimal.Decimal, error)
	MarkPrice(venue schema.Venue, instrument schema.Asset) (decimal.Decimal, error)
	Rate(protocol string, asset schema.Asset) (Rate, error)
	FundingRate(venue schema.Venue, instrument schema.Asset) (decimal.Decimal, error)
}

func unavailable(kind string, key string, ts time.Time) *exception.Error {
	return exception.DataUnavailable(component, "no market data").
		With("series", kind).
		With("key", key).
		At(ts)
}
