package marketdata

import (
	"context"
	"sync"
	"time"

	"github.com/IggyIkenna/basis-strategy-v1/internal/schema"
	"github.com/shopspring/decimal"
)

// Store is an in-memory Provider backed by time series. Lookups return the
// latest value at or before the requested timestamp.
type Store struct {
	mu     sync.RWMutex
	maxAge time.Duration

	spot    map[schema.Asset]*series[decimal.Decimal]
	oracle  map[schema.Asset]*series[decimal.Decimal]
	mark    map[string]*series[decimal.Decimal]
	funding map[string]*series[decimal.Decimal]
	rates   map[string]*series[Rate]
}

// NewStore creates an empty store. maxAge bounds how stale a value may be;
// zero accepts any earlier value.
func NewStore(maxAge time.Duration) *Store {
	return &Store{
		maxAge:  maxAge,
		spot:    make(map[schema.Asset]*series[decimal.Decimal]),
		oracle:  make(map[schema.Asset]*series[decimal.Decimal]),
		mark:    make(map[string]*series[decimal.Decimal]),
		funding: make(map[string]*series[decimal.Decimal]),
		rates:   make(map[string]*series[Rate]),
	}
}

func venueKey(venue schema.Venue, instrument schema.Asset) string {
	return string(venue) + "/" + string(instrument)
}

func rateKey(protocol string, asset schema.Asset) string {
	return protocol + "/" + string(asset)
}

func addTo[K comparable, T any](m map[K]*series[T], key K, ts time.Time, v T) {
	s, ok := m[key]
	if !ok {
		s = &series[T]{}
		m[key] = s
	}
	s.add(ts.UTC(), v)
}

func (s *Store) SetPrice(asset schema.Asset, ts time.Time, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	addTo(s.spot, asset, ts, price)
}

func (s *Store) SetOraclePrice(asset schema.Asset, ts time.Time, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	addTo(s.oracle, asset, ts, price)
}

func (s *Store) SetMarkPrice(venue schema.Venue, instrument schema.Asset, ts time.Time, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	addTo(s.mark, venueKey(venue, instrument), ts, price)
}

func (s *Store) SetFundingRate(venue schema.Venue, instrument schema.Asset, ts time.Time, rate decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	addTo(s.funding, venueKey(venue, instrument), ts, rate)
}

func (s *Store) SetRate(protocol string, asset schema.Asset, ts time.Time, rate Rate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	addTo(s.rates, rateKey(protocol, asset), ts, rate)
}

func (s *Store) PriceAt(_ context.Context, asset schema.Asset, ts time.Time) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.spot[asset].at(ts, s.maxAge); ok {
		return v, nil
	}
	return decimal.Zero, unavailable("spot", string(asset), ts)
}

func (s *Store) OraclePriceAt(_ context.Context, asset schema.Asset, ts time.Time) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.oracle[asset].at(ts, s.maxAge); ok {
		return v, nil
	}
	return decimal.Zero, unavailable("oracle", string(asset), ts)
}

func (s *Store) MarkPriceAt(_ context.Context, venue schema.Venue, instrument schema.Asset, ts time.Time) (decimal.Decimal, error) {
	key := venueKey(venue, instrument)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.mark[key].at(ts, s.maxAge); ok {
		return v, nil
	}
	return decimal.Zero, unavailable("mark", key, ts)
}

func (s *Store) FundingRateAt(_ context.Context, venue schema.Venue, instrument schema.Asset, ts time.Time) (decimal.Decimal, error) {
	key := venueKey(venue, instrument)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.funding[key].at(ts, s.maxAge); ok {
		return v, nil
	}
	return decimal.Zero, unavailable("funding", key, ts)
}

func (s *Store) RateAt(_ context.Context, protocol string, asset schema.Asset, ts time.Time) (Rate, error) {
	key := rateKey(protocol, asset)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.rates[key].at(ts, s.maxAge); ok {
		return v, nil
	}
	return Rate{}, unavailable("rate", key, ts)
}

// Span returns the time range covered by spot prices.
func (s *Store) Span() (time.Time, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var first, last time.Time
	found := false
	for _, ser := range s.spot {
		f, l, ok := ser.span()
		if !ok {
			continue
		}
		if !found || f.Before(first) {
			first = f
		}
		if !found || l.After(last) {
			last = l
		}
		found = true
	}
	return first, last, found
}
