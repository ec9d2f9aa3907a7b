// Package dataservice composes the cache, resilience, and external
// data client layers into one signal bundle per (ticker, loan_days)
// request, degrading gracefully on any external failure (spec §4.6).
package dataservice

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cryptofunk/locatefees/internal/apierr"
	"github.com/cryptofunk/locatefees/internal/cache"
	"github.com/cryptofunk/locatefees/internal/dataclients"
	"github.com/cryptofunk/locatefees/internal/decimalkernel"
	"github.com/cryptofunk/locatefees/internal/resilience"
)

// SourceFlag marks where a signal bundle field ultimately came from.
type SourceFlag string

const (
	SourceLive     SourceFlag = "LIVE"
	SourceCached   SourceFlag = "CACHED"
	SourceFallback SourceFlag = "FALLBACK"
)

// SignalBundle is the per-request set of pricing signals the
// Calculation Service feeds into the formula kernel (spec §3).
type SignalBundle struct {
	BaseBorrowRate  decimalkernel.Decimal
	BorrowStatus    dataclients.BorrowStatus
	VolatilityIndex decimalkernel.Decimal
	EventRiskFactor int
	SignalFreshness time.Time
	SourceFlags     map[string]SourceFlag
}

// MinimumRateLookup resolves the minrate:{ticker} fallback used when a
// live borrow quote cannot be obtained. It is satisfied by
// internal/configstore without creating an import cycle.
type MinimumRateLookup interface {
	GetMinimumRate(ctx context.Context, ticker string) (decimalkernel.Decimal, error)
}

// Config bundles the Service's tunable constants, taken from
// FormulaConfig at wiring time.
type Config struct {
	DefaultVolatilityIndex decimalkernel.Decimal
	GlobalMinimumRate      decimalkernel.Decimal
	VolatilityGraceWindow  time.Duration
	EventLookaheadDays     int
}

// Service composes L3 (cache), L4 (resilience), and L5 (data clients)
// to produce a SignalBundle.
type Service struct {
	cache          *cache.Cache
	secLendBrk     *resilience.Pipeline
	marketBrk      *resilience.Pipeline
	eventBrk       *resilience.Pipeline
	secLend        *dataclients.SecLendClient
	market         *dataclients.MarketClient
	event          *dataclients.EventClient
	minRates       MinimumRateLookup
	defaultVolIdx  decimalkernel.Decimal
	globalMinRate  decimalkernel.Decimal
	graceWindow    time.Duration
	eventLookahead int
	log            zerolog.Logger

	volGraceMu sync.Mutex
	volGrace   map[string]gracedVolatility
}

// gracedVolatility is the last live volatility reading for a ticker,
// kept independently of the cache's own TTL so it can outlive it for
// up to graceWindow before the process-wide default takes over.
type gracedVolatility struct {
	value   string
	fetched time.Time
}

// New builds a Data Service over the given cache, resilience
// pipelines, and typed clients.
func New(
	c *cache.Cache,
	secLendBrk, marketBrk, eventBrk *resilience.Pipeline,
	secLend *dataclients.SecLendClient,
	market *dataclients.MarketClient,
	event *dataclients.EventClient,
	minRates MinimumRateLookup,
	cfg Config,
	log zerolog.Logger,
) *Service {
	return &Service{
		cache:          c,
		secLendBrk:     secLendBrk,
		marketBrk:      marketBrk,
		eventBrk:       eventBrk,
		secLend:        secLend,
		market:         market,
		event:          event,
		minRates:       minRates,
		defaultVolIdx:  cfg.DefaultVolatilityIndex,
		globalMinRate:  cfg.GlobalMinimumRate,
		graceWindow:    cfg.VolatilityGraceWindow,
		eventLookahead: cfg.EventLookaheadDays,
		log:            log,
		volGrace:       make(map[string]gracedVolatility),
	}
}

func (s *Service) rememberVolatility(ticker, value string) {
	s.volGraceMu.Lock()
	s.volGrace[ticker] = gracedVolatility{value: value, fetched: time.Now()}
	s.volGraceMu.Unlock()
}

// lastGracedVolatility returns the last live volatility reading for ticker
// if it was fetched within graceWindow, and false otherwise.
func (s *Service) lastGracedVolatility(ticker string) (string, bool) {
	s.volGraceMu.Lock()
	g, ok := s.volGrace[ticker]
	s.volGraceMu.Unlock()
	if !ok || time.Since(g.fetched) > s.graceWindow {
		return "", false
	}
	return g.value, true
}

// GetSignalBundle fetches (or degrades to a fallback for) the borrow
// rate, volatility index, and event risk for ticker within loanDays.
// The three fetches run concurrently; the call only fails if the
// minimum-rate fallback lookup itself returns ConfigUnavailable (spec
// §4.6's "never fails on signal unavailability alone").
func (s *Service) GetSignalBundle(ctx context.Context, ticker string, loanDays int) (*SignalBundle, error) {
	bundle := &SignalBundle{
		SourceFlags:     make(map[string]SourceFlag, 3),
		SignalFreshness: time.Now(),
	}

	var configErr error
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		rate, status, source, err := s.resolveBorrow(gctx, ticker)
		if err != nil {
			configErr = err
			return nil
		}
		bundle.BaseBorrowRate = rate
		bundle.BorrowStatus = status
		bundle.SourceFlags["borrow"] = source
		return nil
	})

	g.Go(func() error {
		volIdx, source := s.resolveVolatility(gctx, ticker)
		bundle.VolatilityIndex = volIdx
		bundle.SourceFlags["volatility"] = source
		return nil
	})

	g.Go(func() error {
		risk, source := s.resolveEventRisk(gctx, ticker, loanDays)
		bundle.EventRiskFactor = risk
		bundle.SourceFlags["event"] = source
		return nil
	})

	_ = g.Wait()

	if configErr != nil {
		return nil, configErr
	}
	return bundle, nil
}

// cachedBorrowQuote is the JSON shape stored under borrow:{ticker} so
// a cache hit carries both the rate and its accompanying status.
type cachedBorrowQuote struct {
	Rate   string                   `json:"rate"`
	Status dataclients.BorrowStatus `json:"status"`
}

func (s *Service) resolveBorrow(ctx context.Context, ticker string) (decimalkernel.Decimal, dataclients.BorrowStatus, SourceFlag, error) {
	key := "borrow:" + ticker
	raw, result, err := s.cache.Fetch(ctx, key, func(ctx context.Context) (string, error) {
		return s.fetchBorrow(ctx, ticker)
	})
	if err == nil {
		var cached cachedBorrowQuote
		if parseErr := json.Unmarshal([]byte(raw), &cached); parseErr == nil {
			rate, rateErr := decimalkernel.NewFromString(cached.Rate)
			if rateErr == nil {
				source := SourceLive
				if result == cache.ResultCached {
					source = SourceCached
				}
				return rate, cached.Status, source, nil
			}
		}
	}

	// Fallback: minrate:{ticker}, or the system-wide minimum; status
	// defaults to HARD as the conservative choice (spec §4.6).
	minRate, lookupErr := s.minRates.GetMinimumRate(ctx, ticker)
	if lookupErr != nil {
		if _, ok := apierr.KindOf(lookupErr); ok {
			return decimalkernel.Zero, "", "", lookupErr
		}
		minRate = s.globalMinRate
	}
	return minRate, dataclients.BorrowStatusHard, SourceFallback, nil
}

func (s *Service) fetchBorrow(ctx context.Context, ticker string) (string, error) {
	var quote *dataclients.BorrowQuote
	err := s.secLendBrk.Call(ctx, func(ctx context.Context) error {
		q, err := s.secLend.GetBorrow(ctx, ticker)
		if err != nil {
			return err
		}
		quote = q
		return nil
	})
	if err != nil {
		return "", err
	}
	encoded, err := json.Marshal(cachedBorrowQuote{Rate: quote.Rate, Status: quote.Status})
	if err != nil {
		return "", fmt.Errorf("encode borrow quote: %w", err)
	}
	return string(encoded), nil
}

func (s *Service) resolveVolatility(ctx context.Context, ticker string) (decimalkernel.Decimal, SourceFlag) {
	key := "vol:" + ticker
	raw, result, err := s.cache.Fetch(ctx, key, func(ctx context.Context) (string, error) {
		return s.fetchVolatility(ctx, ticker)
	})
	if err == nil {
		if v, parseErr := decimalkernel.NewFromString(raw); parseErr == nil {
			if result == cache.ResultCached {
				return v, SourceCached
			}
			s.rememberVolatility(ticker, raw)
			return v, SourceLive
		}
	}

	// Grace window: the last live reading is still usable for up to
	// graceWindow after it was fetched, before falling back to the
	// process-wide default (spec §4.6).
	if raw, ok := s.lastGracedVolatility(ticker); ok {
		if v, parseErr := decimalkernel.NewFromString(raw); parseErr == nil {
			return v, SourceFallback
		}
	}
	return s.defaultVolIdx, SourceFallback
}

func (s *Service) fetchVolatility(ctx context.Context, ticker string) (string, error) {
	var reading *dataclients.VolatilityReading
	err := s.marketBrk.Call(ctx, func(ctx context.Context) error {
		r, err := s.market.GetTickerVolatility(ctx, ticker)
		if err != nil {
			return err
		}
		reading = r
		return nil
	})
	if err == nil {
		return reading.VolIndex, nil
	}

	// Ticker-specific volatility unavailable; fall back to the
	// market-wide reading before giving up to the grace-window/default
	// path above (spec §4.6: "fallback to vol:market").
	marketKey := "vol:market"
	raw, _, marketErr := s.cache.Fetch(ctx, marketKey, func(ctx context.Context) (string, error) {
		var vix *dataclients.VolatilityReading
		callErr := s.marketBrk.Call(ctx, func(ctx context.Context) error {
			v, fetchErr := s.market.GetMarketVIX(ctx)
			if fetchErr != nil {
				return fetchErr
			}
			vix = v
			return nil
		})
		if callErr != nil {
			return "", callErr
		}
		return vix.VolIndex, nil
	})
	if marketErr != nil {
		return "", marketErr
	}
	return raw, nil
}

func (s *Service) resolveEventRisk(ctx context.Context, ticker string, loanDays int) (int, SourceFlag) {
	window := s.eventLookahead
	if loanDays > window {
		window = loanDays
	}

	key := fmt.Sprintf("event:%s", ticker)
	raw, result, err := s.cache.Fetch(ctx, key, func(ctx context.Context) (string, error) {
		return s.fetchEventRisk(ctx, ticker, window, loanDays)
	})
	if err != nil {
		return 0, SourceFallback
	}

	var risk int
	if _, scanErr := fmt.Sscanf(raw, "%d", &risk); scanErr != nil {
		return 0, SourceFallback
	}
	if result == cache.ResultCached {
		return risk, SourceCached
	}
	return risk, SourceLive
}

// fetchEventRisk selects the highest risk_factor among events whose
// event_date falls within loanDays of now (spec §4.6 step 5).
func (s *Service) fetchEventRisk(ctx context.Context, ticker string, window, loanDays int) (string, error) {
	var events []dataclients.CorporateEvent
	err := s.eventBrk.Call(ctx, func(ctx context.Context) error {
		e, err := s.event.GetEvents(ctx, ticker, window)
		if err != nil {
			return err
		}
		events = e
		return nil
	})
	if err != nil {
		return "", err
	}

	horizon := time.Now().AddDate(0, 0, loanDays)
	sort.Slice(events, func(i, j int) bool { return events[i].RiskFactor > events[j].RiskFactor })

	maxRisk := 0
	for _, e := range events {
		if e.EventDate.After(horizon) {
			continue
		}
		if e.RiskFactor > maxRisk {
			maxRisk = e.RiskFactor
		}
	}
	return fmt.Sprintf("%d", maxRisk), nil
}
