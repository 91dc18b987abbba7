package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bitcard/fulfillment-engine/internal/domain"
	"github.com/shopspring/decimal"
)

// Oracle returns the USD price of one unit of an asset.
type Oracle interface {
	USDPrice(ctx context.Context, asset string) (decimal.Decimal, error)
}

var coinIDs = map[string]string{
	domain.AssetBTC:         "bitcoin",
	domain.AssetUSDC:        "usd-coin",
	domain.AssetUSDCCompany: "usd-coin",
}

// CoinGecko reads spot prices from the /simple/price endpoint.
type CoinGecko struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewCoinGecko(baseURL, apiKey string, timeout time.Duration) *CoinGecko {
	if baseURL == "" {
		baseURL = "https://api.coingecko.com"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &CoinGecko{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *CoinGecko) USDPrice(ctx context.Context, asset string) (decimal.Decimal, error) {
	id, ok := coinIDs[asset]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", domain.ErrUnsupportedAsset, asset)
	}

	q := url.Values{}
	q.Set("ids", id)
	q.Set("vs_currencies", "usd")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v3/simple/price?"+q.Encode(), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("build price request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("x-cg-pro-api-key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("price lookup for %s: %w", asset, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("price lookup for %s returned %d", asset, resp.StatusCode)
	}

	var body map[string]map[string]json.Number
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("decode price response: %w", err)
	}
	raw, ok := body[id]["usd"]
	if !ok {
		return decimal.Zero, fmt.Errorf("price for %s missing from response", asset)
	}
	price, err := decimal.NewFromString(raw.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse price %q: %w", raw, err)
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("non-positive price %s for %s", price, asset)
	}
	return price, nil
}

// Static serves fixed prices. USDC defaults to 1.
type Static struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

func NewStatic(prices map[string]decimal.Decimal) *Static {
	s := &Static{prices: map[string]decimal.Decimal{
		domain.AssetUSDC:        decimal.NewFromInt(1),
		domain.AssetUSDCCompany: decimal.NewFromInt(1),
	}}
	for asset, p := range prices {
		s.prices[asset] = p
	}
	return s
}

func (s *Static) Set(asset string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[asset] = price
}

func (s *Static) USDPrice(_ context.Context, asset string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[asset]
	if !ok {
		return decimal.Zero, fmt.Errorf("no static price for %s", asset)
	}
	return p, nil
}
