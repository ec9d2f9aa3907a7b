// Package configstore is the system of record for broker configuration
// and per-ticker minimum borrow rates, read-through the cache layer and
// backed by Postgres (spec §6.2).
package configstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/cryptofunk/locatefees/internal/apierr"
	"github.com/cryptofunk/locatefees/internal/cache"
	"github.com/cryptofunk/locatefees/internal/decimalkernel"
)

// TransactionFeeType is how a broker's transaction fee is computed: a
// flat amount or a percentage of position value.
type TransactionFeeType string

const (
	TransactionFeeFlat       TransactionFeeType = "FLAT"
	TransactionFeePercentage TransactionFeeType = "PERCENTAGE"
)

// BrokerConfig is one broker's fee and rate-limit configuration.
// Exactly one active config exists per ClientID.
type BrokerConfig struct {
	ClientID            string                 `json:"client_id"`
	MarkupPercent       decimalkernel.Decimal  `json:"markup_percent"`
	TransactionFeeType  TransactionFeeType     `json:"transaction_fee_type"`
	TransactionFeeValue decimalkernel.Decimal  `json:"transaction_fee_value"`
	MinRateOverride     *decimalkernel.Decimal `json:"min_rate_override,omitempty"`
	RateLimitTier       string                 `json:"rate_limit_tier"`
	Active              bool                   `json:"active"`
}

// Store is the pgx-backed, cache-fronted config store.
type Store struct {
	pool  *pgxpool.Pool
	cache *cache.Cache
	log   zerolog.Logger
}

// New opens a connection pool against dsn and verifies connectivity.
func New(ctx context.Context, dsn string, c *cache.Cache, log zerolog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse config store dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create config store pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping config store: %w", err)
	}
	return &Store{pool: pool, cache: c, log: log}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Health checks database connectivity for the Health() surface.
func (s *Store) Health(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// GetBroker returns the active config for clientID, served from the
// cache on a hit. A miss on both cache and store is a hard
// ConfigUnavailable — this store never fabricates a broker config
// (spec §6.2).
func (s *Store) GetBroker(ctx context.Context, clientID string) (BrokerConfig, error) {
	key := cache.KeyspaceBroker + ":" + clientID

	raw, _, err := s.cache.Fetch(ctx, key, func(ctx context.Context) (string, error) {
		cfg, err := s.queryBroker(ctx, clientID)
		if err != nil {
			return "", err
		}
		encoded, err := json.Marshal(cfg)
		if err != nil {
			return "", fmt.Errorf("encode broker config for %s: %w", clientID, err)
		}
		return string(encoded), nil
	})
	if err != nil {
		if _, ok := apierr.KindOf(err); ok {
			return BrokerConfig{}, err
		}
		return BrokerConfig{}, apierr.ConfigUnavailable("broker config unavailable for %s: %v", clientID, err)
	}

	var cfg BrokerConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return BrokerConfig{}, apierr.ConfigUnavailable("corrupt cached broker config for %s: %v", clientID, err)
	}
	return cfg, nil
}

func (s *Store) queryBroker(ctx context.Context, clientID string) (BrokerConfig, error) {
	const query = `
		SELECT client_id, markup_percent, transaction_fee_type, transaction_fee_value,
			min_rate_override, rate_limit_tier, active
		FROM broker_configs
		WHERE client_id = $1 AND active = true
	`
	var cfg BrokerConfig
	var markup, feeValue string
	var minRateOverride *string

	err := s.pool.QueryRow(ctx, query, clientID).Scan(
		&cfg.ClientID, &markup, &cfg.TransactionFeeType, &feeValue,
		&minRateOverride, &cfg.RateLimitTier, &cfg.Active,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return BrokerConfig{}, apierr.ConfigUnavailable("no active broker config for %s", clientID)
	}
	if err != nil {
		return BrokerConfig{}, fmt.Errorf("query broker config for %s: %w", clientID, err)
	}

	cfg.MarkupPercent, err = decimalkernel.NewFromString(markup)
	if err != nil {
		return BrokerConfig{}, fmt.Errorf("parse markup_percent for %s: %w", clientID, err)
	}
	cfg.TransactionFeeValue, err = decimalkernel.NewFromString(feeValue)
	if err != nil {
		return BrokerConfig{}, fmt.Errorf("parse transaction_fee_value for %s: %w", clientID, err)
	}
	if minRateOverride != nil {
		v, err := decimalkernel.NewFromString(*minRateOverride)
		if err != nil {
			return BrokerConfig{}, fmt.Errorf("parse min_rate_override for %s: %w", clientID, err)
		}
		cfg.MinRateOverride = &v
	}
	return cfg, nil
}

// UpsertBroker writes cfg and invalidates the cached entry so a
// running process picks up the change on next read without a restart
// (spec §7 "config live-reload for broker configs").
func (s *Store) UpsertBroker(ctx context.Context, cfg BrokerConfig) error {
	const query = `
		INSERT INTO broker_configs (
			client_id, markup_percent, transaction_fee_type, transaction_fee_value,
			min_rate_override, rate_limit_tier, active
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (client_id) DO UPDATE SET
			markup_percent = EXCLUDED.markup_percent,
			transaction_fee_type = EXCLUDED.transaction_fee_type,
			transaction_fee_value = EXCLUDED.transaction_fee_value,
			min_rate_override = EXCLUDED.min_rate_override,
			rate_limit_tier = EXCLUDED.rate_limit_tier,
			active = EXCLUDED.active
	`
	var minRateOverride *string
	if cfg.MinRateOverride != nil {
		v := cfg.MinRateOverride.String()
		minRateOverride = &v
	}

	_, err := s.pool.Exec(ctx, query,
		cfg.ClientID, cfg.MarkupPercent.String(), cfg.TransactionFeeType, cfg.TransactionFeeValue.String(),
		minRateOverride, cfg.RateLimitTier, cfg.Active,
	)
	if err != nil {
		return fmt.Errorf("upsert broker config for %s: %w", cfg.ClientID, err)
	}

	return s.cache.Invalidate(ctx, cache.KeyspaceBroker, cache.KeyspaceBroker+":"+cfg.ClientID)
}

// GetMinimumRate returns the system-configured minimum borrow rate for
// ticker, served from the cache on a hit. Satisfies
// dataservice.MinimumRateLookup.
func (s *Store) GetMinimumRate(ctx context.Context, ticker string) (decimalkernel.Decimal, error) {
	key := cache.KeyspaceMinRate + ":" + ticker

	raw, _, err := s.cache.Fetch(ctx, key, func(ctx context.Context) (string, error) {
		rate, err := s.queryMinimumRate(ctx, ticker)
		if err != nil {
			return "", err
		}
		return rate.String(), nil
	})
	if err != nil {
		if _, ok := apierr.KindOf(err); ok {
			return decimalkernel.Zero, err
		}
		return decimalkernel.Zero, apierr.ConfigUnavailable("minimum rate unavailable for %s: %v", ticker, err)
	}

	rate, err := decimalkernel.NewFromString(raw)
	if err != nil {
		return decimalkernel.Zero, apierr.ConfigUnavailable("corrupt cached minimum rate for %s: %v", ticker, err)
	}
	return rate, nil
}

func (s *Store) queryMinimumRate(ctx context.Context, ticker string) (decimalkernel.Decimal, error) {
	const query = `SELECT minimum_rate FROM minimum_rates WHERE ticker = $1`
	var rate string
	err := s.pool.QueryRow(ctx, query, ticker).Scan(&rate)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimalkernel.Zero, apierr.ConfigUnavailable("no minimum rate configured for %s", ticker)
	}
	if err != nil {
		return decimalkernel.Zero, fmt.Errorf("query minimum rate for %s: %w", ticker, err)
	}
	return decimalkernel.NewFromString(rate)
}

// SetMinimumRate writes the minimum rate for ticker and invalidates
// the cached entry.
func (s *Store) SetMinimumRate(ctx context.Context, ticker string, rate decimalkernel.Decimal) error {
	const query = `
		INSERT INTO minimum_rates (ticker, minimum_rate)
		VALUES ($1, $2)
		ON CONFLICT (ticker) DO UPDATE SET minimum_rate = EXCLUDED.minimum_rate
	`
	if _, err := s.pool.Exec(ctx, query, ticker, rate.String()); err != nil {
		return fmt.Errorf("set minimum rate for %s: %w", ticker, err)
	}
	return s.cache.Invalidate(ctx, cache.KeyspaceMinRate, cache.KeyspaceMinRate+":"+ticker)
}
