// Package price looks up fiat prices for display.
package price

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const coingeckoAPI = "https://api.coingecko.com/api/v3"

// coinIDs maps native and token symbols to CoinGecko ids.
var coinIDs = map[string]string{
	"ETH":   "ethereum",
	"POL":   "polygon-ecosystem-token",
	"MATIC": "matic-network",
	"BNB":   "binancecoin",
	"USDC":  "usd-coin",
	"USDT":  "tether",
	"DAI":   "dai",
}

type cachedPrice struct {
	usd     float64
	fetched time.Time
}

// CoinGeckoClient fetches USD prices from the CoinGecko simple price API.
type CoinGeckoClient struct {
	baseURL string
	client  *http.Client
	ttl     time.Duration

	mu    sync.Mutex
	cache map[string]cachedPrice
}

// NewCoinGeckoClient creates a client against baseURL. An empty baseURL uses the public API.
func NewCoinGeckoClient(baseURL string) *CoinGeckoClient {
	if baseURL == "" {
		baseURL = coingeckoAPI
	}
	return &CoinGeckoClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
		ttl:   time.Minute,
		cache: make(map[string]cachedPrice),
	}
}

// USDPrice returns the USD price of symbol. Results are cached for a minute.
func (c *CoinGeckoClient) USDPrice(ctx context.Context, symbol string) (float64, error) {
	id, ok := coinIDs[strings.ToUpper(symbol)]
	if !ok {
		return 0, fmt.Errorf("no price source for %q", symbol)
	}

	c.mu.Lock()
	if p, ok := c.cache[id]; ok && time.Since(p.fetched) < c.ttl {
		c.mu.Unlock()
		return p.usd, nil
	}
	c.mu.Unlock()

	endpoint := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=usd", c.baseURL, url.QueryEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to get price: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("failed to get price: status %d", resp.StatusCode)
	}

	var priceResp map[string]struct {
		USD float64 `json:"usd"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&priceResp); err != nil {
		return 0, fmt.Errorf("failed to decode price: %w", err)
	}
	entry, ok := priceResp[id]
	if !ok {
		return 0, fmt.Errorf("price for %s missing from response", id)
	}

	c.mu.Lock()
	c.cache[id] = cachedPrice{usd: entry.USD, fetched: time.Now()}
	c.mu.Unlock()
	return entry.USD, nil
}
