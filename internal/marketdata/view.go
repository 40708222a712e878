package marketdata

import (
	"context"
	"sync"
	"time"

	"github.com/IggyIkenna/basis-strategy-v1/internal/schema"
	"github.com/shopspring/decimal"
)

// View is the Market of one tick. Every value is fetched from the provider at
// most once, so all components of a tick see the same numbers.
type View struct {
	ctx       context.Context
	provider  Provider
	ts        time.Time
	reporting schema.Asset

	mu    sync.Mutex
	cache map[string]any
}

// NewView creates a view at ts. The reporting asset is priced at one.
func NewView(ctx context.Context, provider Provider, ts time.Time, reporting schema.Asset) *View {
	return &View{
		ctx:       ctx,
		provider:  provider,
		ts:        ts,
		reporting: reporting,
		cache:     make(map[string]any),
	}
}

func (v *View) Timestamp() time.Time { return v.ts }

func memo[T any](v *View, key string, fetch func() (T, error)) (T, error) {
	v.mu.Lock()
	if hit, ok := v.cache[key]; ok {
		v.mu.Unlock()
		return hit.(T), nil
	}
	v.mu.Unlock()

	val, err := fetch()
	if err != nil {
		var zero T
		return zero, err
	}

	v.mu.Lock()
	if hit, ok := v.cache[key]; ok {
		val = hit.(T)
	} else {
		v.cache[key] = val
	}
	v.mu.Unlock()
	return val, nil
}

func (v *View) Price(asset schema.Asset) (decimal.Decimal, error) {
	if asset == v.reporting {
		return decimal.NewFromInt(1), nil
	}
	return memo(v, "spot:"+string(asset), func() (decimal.Decimal, error) {
		return v.provider.PriceAt(v.ctx, asset, v.ts)
	})
}

func (v *View) OraclePrice(asset schema.Asset) (decimal.Decimal, error) {
	if asset == v.reporting {
		return decimal.NewFromInt(1), nil
	}
	return memo(v, "oracle:"+string(asset), func() (decimal.Decimal, error) {
		return v.provider.OraclePriceAt(v.ctx, asset, v.ts)
	})
}

func (v *View) MarkPrice(venue schema.Venue, instrument schema.Asset) (decimal.Decimal, error) {
	return memo(v, "mark:"+venueKey(venue, instrument), func() (decimal.Decimal, error) {
		return v.provider.MarkPriceAt(v.ctx, venue, instrument, v.ts)
	})
}

func (v *View) FundingRate(venue schema.Venue, instrument schema.Asset) (decimal.Decimal, error) {
	return memo(v, "funding:"+venueKey(venue, instrument), func() (decimal.Decimal, error) {
		return v.provider.FundingRateAt(v.ctx, venue, instrument, v.ts)
	})
}

func (v *View) Rate(protocol string, asset schema.Asset) (Rate, error) {
	return memo(v, "rate:"+rateKey(protocol, asset), func() (Rate, error) {
		return v.provider.RateAt(v.ctx, protocol, asset, v.ts)
	})
}
