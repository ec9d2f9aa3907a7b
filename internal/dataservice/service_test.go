package dataservice

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptofunk/locatefees/internal/apierr"
	"github.com/cryptofunk/locatefees/internal/cache"
	"github.com/cryptofunk/locatefees/internal/config"
	"github.com/cryptofunk/locatefees/internal/dataclients"
	"github.com/cryptofunk/locatefees/internal/decimalkernel"
	"github.com/cryptofunk/locatefees/internal/resilience"
)

func testTTLs() config.KeyspaceTTL {
	return config.KeyspaceTTL{
		BorrowSeconds:  300,
		VolSeconds:     900,
		EventSeconds:   3600,
		BrokerSeconds:  1800,
		MinRateSeconds: 86400,
		CalcSeconds:    60,
	}
}

func newTestCache(t *testing.T) *cache.Cache {
	t.Helper()
	return cache.New(cache.NewLocal(100), cache.NewShared(nil, zerolog.Nop()), nil, testTTLs(), zerolog.Nop())
}

func noRetryPipeline() *resilience.Pipeline {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{Name: "test"})
	retry := resilience.RetryConfig{MaxRetries: 0, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	return resilience.NewPipeline("test", breaker, retry, time.Second)
}

type fakeMinRates struct {
	rate decimalkernel.Decimal
	err  error
}

func (f *fakeMinRates) GetMinimumRate(ctx context.Context, ticker string) (decimalkernel.Decimal, error) {
	return f.rate, f.err
}

func newTestService(t *testing.T, secLendURL, marketURL, eventURL string, minRates MinimumRateLookup) *Service {
	t.Helper()
	c := newTestCache(t)
	cfg := Config{
		DefaultVolatilityIndex: decimalkernel.NewFromInt(20),
		GlobalMinimumRate:      decimalkernel.NewFromInt(0),
		VolatilityGraceWindow:  time.Minute,
		EventLookaheadDays:     30,
	}
	return New(
		c,
		noRetryPipeline(), noRetryPipeline(), noRetryPipeline(),
		dataclients.NewSecLendClient(secLendURL, "test-key", time.Second, zerolog.Nop()),
		dataclients.NewMarketClient(marketURL, "test-key", time.Second, zerolog.Nop()),
		dataclients.NewEventClient(eventURL, "test-key", time.Second, zerolog.Nop()),
		minRates,
		cfg,
		zerolog.Nop(),
	)
}

func okServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	s := httptest.NewServer(handler)
	t.Cleanup(s.Close)
	return s
}

func TestGetSignalBundle_AllSourcesLive(t *testing.T) {
	secLend := okServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"rate": "0.05", "status": "EASY", "as_of": "2026-01-01T00:00:00Z"}`))
	})
	market := okServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"value": "30.0", "as_of": "2026-01-01T00:00:00Z"}`))
	})
	event := okServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"type": "earnings", "event_date": "` + time.Now().Add(48*time.Hour).Format(time.RFC3339) + `", "risk_factor": 5}]`))
	})

	svc := newTestService(t, secLend.URL, market.URL, event.URL, &fakeMinRates{})
	bundle, err := svc.GetSignalBundle(t.Context(), "GME", 10)

	require.NoError(t, err)
	assert.Equal(t, "0.05", bundle.BaseBorrowRate.String())
	assert.Equal(t, dataclients.BorrowStatusEasy, bundle.BorrowStatus)
	assert.Equal(t, "30", bundle.VolatilityIndex.String())
	assert.Equal(t, 5, bundle.EventRiskFactor)
	assert.Equal(t, SourceLive, bundle.SourceFlags["borrow"])
	assert.Equal(t, SourceLive, bundle.SourceFlags["volatility"])
}

func TestGetSignalBundle_ConcurrentFetchesAllInvoked(t *testing.T) {
	var secLendCalls, marketCalls, eventCalls int32

	secLend := okServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&secLendCalls, 1)
		_, _ = w.Write([]byte(`{"rate": "0.05", "status": "EASY", "as_of": "2026-01-01T00:00:00Z"}`))
	})
	market := okServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&marketCalls, 1)
		_, _ = w.Write([]byte(`{"value": "30.0", "as_of": "2026-01-01T00:00:00Z"}`))
	})
	event := okServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&eventCalls, 1)
		_, _ = w.Write([]byte(`[]`))
	})

	svc := newTestService(t, secLend.URL, market.URL, event.URL, &fakeMinRates{})
	_, err := svc.GetSignalBundle(t.Context(), "GME", 10)

	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&secLendCalls))
	assert.EqualValues(t, 1, atomic.LoadInt32(&marketCalls))
	assert.EqualValues(t, 1, atomic.LoadInt32(&eventCalls))
}

func TestGetSignalBundle_BorrowFallsBackToMinimumRateOnFailure(t *testing.T) {
	secLend := okServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error": "no rate"}`))
	})
	market := okServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"value": "30.0", "as_of": "2026-01-01T00:00:00Z"}`))
	})
	event := okServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})

	minRates := &fakeMinRates{rate: decimalkernel.NewFromInt(2)}
	svc := newTestService(t, secLend.URL, market.URL, event.URL, minRates)
	bundle, err := svc.GetSignalBundle(t.Context(), "GME", 10)

	require.NoError(t, err)
	assert.Equal(t, "2", bundle.BaseBorrowRate.String())
	assert.Equal(t, dataclients.BorrowStatusHard, bundle.BorrowStatus)
	assert.Equal(t, SourceFallback, bundle.SourceFlags["borrow"])
}

func TestGetSignalBundle_BorrowPropagatesConfigUnavailable(t *testing.T) {
	secLend := okServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	market := okServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"value": "30.0", "as_of": "2026-01-01T00:00:00Z"}`))
	})
	event := okServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})

	minRates := &fakeMinRates{err: apierr.ConfigUnavailable("no minrate for ticker")}
	svc := newTestService(t, secLend.URL, market.URL, event.URL, minRates)
	_, err := svc.GetSignalBundle(t.Context(), "GME", 10)

	require.Error(t, err)
	kind, ok := apierr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindConfigUnavailable, kind)
}

func TestGetSignalBundle_BorrowFallsBackOnPlainLookupError(t *testing.T) {
	secLend := okServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	market := okServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"value": "30.0", "as_of": "2026-01-01T00:00:00Z"}`))
	})
	event := okServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})

	minRates := &fakeMinRates{err: fmt.Errorf("transient db error")}
	svc := newTestService(t, secLend.URL, market.URL, event.URL, minRates)
	bundle, err := svc.GetSignalBundle(t.Context(), "GME", 10)

	require.NoError(t, err)
	assert.Equal(t, "0", bundle.BaseBorrowRate.String())
	assert.Equal(t, SourceFallback, bundle.SourceFlags["borrow"])
}

func TestGetSignalBundle_VolatilityFallsBackToMarketWide(t *testing.T) {
	secLend := okServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"rate": "0.05", "status": "EASY", "as_of": "2026-01-01T00:00:00Z"}`))
	})
	market := okServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/vix" {
			_, _ = w.Write([]byte(`{"value": "18.0", "as_of": "2026-01-01T00:00:00Z"}`))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	})
	event := okServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})

	svc := newTestService(t, secLend.URL, market.URL, event.URL, &fakeMinRates{})
	bundle, err := svc.GetSignalBundle(t.Context(), "GME", 10)

	require.NoError(t, err)
	assert.Equal(t, "18", bundle.VolatilityIndex.String())
}

func TestGetSignalBundle_VolatilityUsesGracedValueWithinWindow(t *testing.T) {
	var fail int32
	market := okServer(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&fail) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"value": "25.0", "as_of": "2026-01-01T00:00:00Z"}`))
	})
	secLend := okServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"rate": "0.05", "status": "EASY", "as_of": "2026-01-01T00:00:00Z"}`))
	})
	event := okServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})

	svc := newTestService(t, secLend.URL, market.URL, event.URL, &fakeMinRates{})
	_, err := svc.GetSignalBundle(t.Context(), "GME", 10)
	require.NoError(t, err)

	// Evict the cached reading and make the provider fail; the grace
	// window should still return the last live value.
	svc.cache.Invalidate(t.Context(), cache.KeyspaceVol, "vol:GME")
	atomic.StoreInt32(&fail, 1)

	bundle, err := svc.GetSignalBundle(t.Context(), "GME", 10)
	require.NoError(t, err)
	assert.Equal(t, "25", bundle.VolatilityIndex.String())
	assert.Equal(t, SourceFallback, bundle.SourceFlags["volatility"])
}

func TestGetSignalBundle_VolatilityUsesDefaultOutsideGraceWindow(t *testing.T) {
	market := okServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	secLend := okServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"rate": "0.05", "status": "EASY", "as_of": "2026-01-01T00:00:00Z"}`))
	})
	event := okServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})

	svc := newTestService(t, secLend.URL, market.URL, event.URL, &fakeMinRates{})
	svc.graceWindow = 0 // expired immediately

	bundle, err := svc.GetSignalBundle(t.Context(), "GME", 10)
	require.NoError(t, err)
	assert.Equal(t, "20", bundle.VolatilityIndex.String())
	assert.Equal(t, SourceFallback, bundle.SourceFlags["volatility"])
}

func TestGetSignalBundle_EventRiskSelectsHighestWithinHorizon(t *testing.T) {
	secLend := okServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"rate": "0.05", "status": "EASY", "as_of": "2026-01-01T00:00:00Z"}`))
	})
	market := okServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"value": "30.0", "as_of": "2026-01-01T00:00:00Z"}`))
	})
	event := okServer(t, func(w http.ResponseWriter, r *http.Request) {
		near := time.Now().Add(24 * time.Hour).Format(time.RFC3339)
		far := time.Now().Add(90 * 24 * time.Hour).Format(time.RFC3339)
		_, _ = w.Write([]byte(fmt.Sprintf(
			`[{"type":"earnings","event_date":"%s","risk_factor":9},{"type":"merger","event_date":"%s","risk_factor":3}]`,
			near, far,
		)))
	})

	svc := newTestService(t, secLend.URL, market.URL, event.URL, &fakeMinRates{})
	bundle, err := svc.GetSignalBundle(t.Context(), "GME", 10)

	require.NoError(t, err)
	assert.Equal(t, 9, bundle.EventRiskFactor)
}

func TestGetSignalBundle_EventFetchFailureDegradesToZero(t *testing.T) {
	secLend := okServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"rate": "0.05", "status": "EASY", "as_of": "2026-01-01T00:00:00Z"}`))
	})
	market := okServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"value": "30.0", "as_of": "2026-01-01T00:00:00Z"}`))
	})
	event := okServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	svc := newTestService(t, secLend.URL, market.URL, event.URL, &fakeMinRates{})
	bundle, err := svc.GetSignalBundle(t.Context(), "GME", 10)

	require.NoError(t, err)
	assert.Equal(t, 0, bundle.EventRiskFactor)
	assert.Equal(t, SourceFallback, bundle.SourceFlags["event"])
}
