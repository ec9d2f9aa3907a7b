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

func TestMarketClient_GetTickerVolatility(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/volatility/GME", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"value": "42.5", "as_of": "2026-01-01T00:00:00Z"}`))
	}))
	defer server.Close()

	client := NewMarketClient(server.URL, "test-key", time.Second, zerolog.Nop())
	reading, err := client.GetTickerVolatility(t.Context(), "GME")

	require.NoError(t, err)
	assert.Equal(t, "42.5", reading.VolIndex)
}

func TestMarketClient_GetMarketVIX(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/vix", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"value": "18.0", "as_of": "2026-01-01T00:00:00Z"}`))
	}))
	defer server.Close()

	client := NewMarketClient(server.URL, "test-key", time.Second, zerolog.Nop())
	reading, err := client.GetMarketVIX(t.Context())

	require.NoError(t, err)
	assert.Equal(t, "18.0", reading.VolIndex)
}

func TestMarketClient_ServerErrorIsClassified(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewMarketClient(server.URL, "test-key", time.Second, zerolog.Nop())
	_, err := client.GetTickerVolatility(t.Context(), "GME")

	require.Error(t, err)
}
