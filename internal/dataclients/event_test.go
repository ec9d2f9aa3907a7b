package dataclients

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventClient_GetEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/events/GME", r.URL.Path)
		assert.Equal(t, "30", r.URL.Query().Get("window"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`[
			{"type": "earnings", "event_date": "2026-02-01T00:00:00Z", "risk_factor": 7},
			{"type": "dividend_record", "event_date": "2026-02-15T00:00:00Z", "risk_factor": 2}
		]`))
	}))
	defer server.Close()

	client := NewEventClient(server.URL, "test-key", time.Second, zerolog.Nop())
	events, err := client.GetEvents(t.Context(), "GME", 30)

	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 7, events[0].RiskFactor)
}

func TestEventClient_EmptyEventList(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	client := NewEventClient(server.URL, "test-key", time.Second, zerolog.Nop())
	events, err := client.GetEvents(t.Context(), "GME", 30)

	require.NoError(t, err)
	assert.Empty(t, events)
}
