package marketdata

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/IggyIkenna/basis-strategy-v1/internal/schema"
	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"
)

const defaultLiveTimeout = 10 * time.Second

// HTTPProvider reads market data from a JSON quote service:
//
//	GET /v1/spot?asset=BTC&ts=1700000000           {"value":"43000.5"}
//	GET /v1/oracle?asset=weETH&ts=...              {"value":"1.04"}
//	GET /v1/mark?venue=binance&instrument=BTC-PERP {"value":"43010"}
//	GET /v1/funding?venue=binance&instrument=...   {"value":"0.0001"}
//	GET /v1/rate?protocol=aave&asset=USDT&ts=...   {"supplyIndex":"1.02",...}
type HTTPProvider struct {
	client  *http.Client
	baseURL string
	timeout time.Duration
}

// NewHTTPProvider creates a live provider. A zero timeout uses 10s.
func NewHTTPProvider(client *http.Client, baseURL string, timeout time.Duration) *HTTPProvider {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = defaultLiveTimeout
	}
	return &HTTPProvider{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
	}
}

type valueResponse struct {
	Value decimal.Decimal `json:"value"`
}

func (p *HTTPProvider) PriceAt(ctx context.Context, asset schema.Asset, ts time.Time) (decimal.Decimal, error) {
	var resp valueResponse
	err := p.get(ctx, "spot", ts, url.Values{"asset": {string(asset)}}, &resp)
	return resp.Value, err
}

func (p *HTTPProvider) OraclePriceAt(ctx context.Context, asset schema.Asset, ts time.Time) (decimal.Decimal, error) {
	var resp valueResponse
	err := p.get(ctx, "oracle", ts, url.Values{"asset": {string(asset)}}, &resp)
	return resp.Value, err
}

func (p *HTTPProvider) MarkPriceAt(ctx context.Context, venue schema.Venue, instrument schema.Asset, ts time.Time) (decimal.Decimal, error) {
	var resp valueResponse
	err := p.get(ctx, "mark", ts, url.Values{"venue": {string(venue)}, "instrument": {string(instrument)}}, &resp)
	return resp.Value, err
}

func (p *HTTPProvider) FundingRateAt(ctx context.Context, venue schema.Venue, instrument schema.Asset, ts time.Time) (decimal.Decimal, error) {
	var resp valueResponse
	err := p.get(ctx, "funding", ts, url.Values{"venue": {string(venue)}, "instrument": {string(instrument)}}, &resp)
	return resp.Value, err
}

func (p *HTTPProvider) RateAt(ctx context.Context, protocol string, asset schema.Asset, ts time.Time) (Rate, error) {
	var resp Rate
	err := p.get(ctx, "rate", ts, url.Values{"protocol": {protocol}, "asset": {string(asset)}}, &resp)
	return resp, err
}

func (p *HTTPProvider) get(ctx context.Context, series string, ts time.Time, query url.Values, out any) error {
	query.Set("ts", strconv.FormatInt(ts.Unix(), 10))
	key := series + "?" + query.Encode()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/"+key, nil)
	if err != nil {
		return unavailable(series, key, ts).Wrap(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return unavailable(series, key, ts).Wrap(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return unavailable(series, key, ts).
			With("status", resp.StatusCode).
			Wrap(fmt.Errorf("%s", strings.TrimSpace(string(body))))
	}
	if err := sonic.ConfigFastest.NewDecoder(resp.Body).Decode(out); err != nil {
		return unavailable(series, key, ts).Wrap(err)
	}
	return nil
}
