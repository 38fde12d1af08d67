// Package coingecko is a minimal client for the CoinGecko simple price API.
package coingecko

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/whiplashfi/whiplash/internal/domain"
)

// Client fetches spot prices.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a client. baseURL is the API root, e.g.
// "https://api.coingecko.com/api/v3". apiKey is optional.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// SolUSD returns the current SOL price in USD.
func (c *Client) SolUSD(ctx context.Context) (decimal.Decimal, error) {
	return c.Price(ctx, "solana", "usd")
}

// Price returns the price of a CoinGecko asset id in the given currency.
func (c *Client) Price(ctx context.Context, id, vs string) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("ids", id)
	params.Set("vs_currencies", vs)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/simple/price?"+params.Encode(), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("coingecko: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("coingecko: %w: %v", domain.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return decimal.Zero, fmt.Errorf("coingecko: read response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return decimal.Zero, fmt.Errorf("coingecko: %w: %w", domain.ErrUpstreamUnavailable, domain.ErrRateLimited)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decimal.Zero, fmt.Errorf("coingecko: %w: HTTP %d: %s", domain.ErrUpstreamUnavailable, resp.StatusCode, body)
	}

	var out map[string]map[string]decimal.Decimal
	if err := json.Unmarshal(body, &out); err != nil {
		return decimal.Zero, fmt.Errorf("coingecko: decode price: %w", err)
	}
	price, ok := out[id][vs]
	if !ok || !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("coingecko: %w: no %s/%s price in response", domain.ErrUpstreamUnavailable, id, vs)
	}
	return price, nil
}
