// Package dataclients holds the three typed HTTP clients for external
// signal sources. Each is deterministic and side-effect free from the
// caller's point of view: given a request it returns a value or a
// classified error, and attaches no retry or breaker logic of its own
// — that belongs to the resilience layer wrapping the call (spec §4.5).
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

// BorrowStatus mirrors the ticker lifecycle status a SecLend quote
// carries (spec §3).
type BorrowStatus string

const (
	BorrowStatusEasy   BorrowStatus = "EASY"
	BorrowStatusMedium BorrowStatus = "MEDIUM"
	BorrowStatusHard   BorrowStatus = "HARD"
)

// BorrowQuote is the SecLend response for one ticker.
type BorrowQuote struct {
	Rate   string       `json:"rate"`
	Status BorrowStatus `json:"status"`
	AsOf   time.Time    `json:"as_of"`
}

type secLendWireResponse struct {
	Rate   string    `json:"rate"`
	Status string    `json:"status"`
	AsOf   time.Time `json:"as_of"`
}

// SecLendClient is the typed client for the SecLend borrow-rate API.
type SecLendClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewSecLendClient builds a client against baseURL, authenticating
// with apiKey on every request.
func NewSecLendClient(baseURL, apiKey string, timeout time.Duration, log zerolog.Logger) *SecLendClient {
	return &SecLendClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

// GetBorrow fetches the current borrow rate for ticker. A 404 response
// is interpreted as "no rate available" and returned as a
// *resilience.HTTPStatusError with StatusCode 404 rather than a
// fabricated zero rate (spec §4.5).
func (c *SecLendClient) GetBorrow(ctx context.Context, ticker string) (*BorrowQuote, error) {
	reqURL := fmt.Sprintf("%s/borrows/%s", c.baseURL, ticker)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build seclend request: %w", err)
	}
	c.attachHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("seclend request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &resilience.HTTPStatusError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("seclend returned status %d for %s: %s", resp.StatusCode, ticker, string(body)),
		}
	}

	var wire secLendWireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode seclend response: %w", err)
	}

	return &BorrowQuote{Rate: wire.Rate, Status: BorrowStatus(wire.Status), AsOf: wire.AsOf}, nil
}

func (c *SecLendClient) attachHeaders(req *http.Request) {
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("X-Correlation-ID", uuid.New().String())
}
