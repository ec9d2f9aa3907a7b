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

// CorporateEvent is one scheduled event a ticker is subject to, e.g. an
// earnings date or a dividend record date, with its associated risk
// contribution (spec §3).
type CorporateEvent struct {
	Type       string    `json:"type"`
	EventDate  time.Time `json:"event_date"`
	RiskFactor int       `json:"risk_factor"`
}

// EventClient is the typed client for upcoming corporate events
// affecting borrow risk (spec §4.5).
type EventClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewEventClient builds a client against baseURL, authenticating with
// apiKey on every request.
func NewEventClient(baseURL, apiKey string, timeout time.Duration, log zerolog.Logger) *EventClient {
	return &EventClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

// GetEvents fetches every event scheduled for ticker within the next
// windowDays. The caller (Data Service) selects the highest risk_factor
// whose event_date falls within the loan horizon (spec §4.6).
func (c *EventClient) GetEvents(ctx context.Context, ticker string, windowDays int) ([]CorporateEvent, error) {
	reqURL := fmt.Sprintf("%s/events/%s?window=%d", c.baseURL, ticker, windowDays)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build event request: %w", err)
	}
	c.attachHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("event request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &resilience.HTTPStatusError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("event service returned status %d for %s: %s", resp.StatusCode, ticker, string(body)),
		}
	}

	var events []CorporateEvent
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		return nil, fmt.Errorf("decode event response: %w", err)
	}
	return events, nil
}

func (c *EventClient) attachHeaders(req *http.Request) {
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("X-Correlation-ID", uuid.New().String())
}
