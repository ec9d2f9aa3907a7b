package dataclients

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cryptofunk/locatefees/internal/resilience"
)

// VolatilityReading is the Market response for a ticker or market-wide
// volatility index.
type VolatilityReading struct {
	VolIndex string    `json:"vol_index"`
	AsOf     time.Time `json:"as_of"`
}

type volatilityWireResponse struct {
	Value string    `json:"value"`
	AsOf  time.Time `json:"as_of"`
}

// MarketClient is the typed client for ticker and market volatility
// (spec §4.5).
type MarketClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewMarketClient builds a client against baseURL, authenticating with
// apiKey on every request.
func NewMarketClient(baseURL, apiKey string, timeout time.Duration, log zerolog.Logger) *MarketClient {
	return &MarketClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

// GetTickerVolatility fetches the volatility index for one ticker.
func (c *MarketClient) GetTickerVolatility(ctx context.Context, ticker string) (*VolatilityReading, error) {
	return c.getVolatility(ctx, fmt.Sprintf("%s/volatility/%s", c.baseURL, ticker))
}

// GetMarketVIX fetches the market-wide volatility index, used as the
// fallback signal when a ticker-specific reading is unavailable.
func (c *MarketClient) GetMarketVIX(ctx context.Context) (*VolatilityReading, error) {
	return c.getVolatility(ctx, fmt.Sprintf("%s/vix", c.baseURL))
}

func (c *MarketClient) getVolatility(ctx context.Context, reqURL string) (*VolatilityReading, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build market request: %w", err)
	}
	c.attachHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("market request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &resilience.HTTPStatusError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("market returned status %d: %s", resp.StatusCode, string(body)),
		}
	}

	var wire volatilityWireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode market response: %w", err)
	}

	return &VolatilityReading{VolIndex: wire.Value, AsOf: wire.AsOf}, nil
}

func (c *MarketClient) attachHeaders(req *http.Request) {
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("X-Correlation-ID", uuid.New().String())
}
