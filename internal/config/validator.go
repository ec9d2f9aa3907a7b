package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ValidatorOptions contains options for configuration validation.
type ValidatorOptions struct {
	VerifyConnectivity bool // Check database/Redis/NATS connectivity
	Timeout            time.Duration
}

// DefaultValidatorOptions returns default validator options for startup.
func DefaultValidatorOptions() ValidatorOptions {
	return ValidatorOptions{
		VerifyConnectivity: true,
		Timeout:            5 * time.Second,
	}
}

// Validator handles configuration validation at startup.
type Validator struct {
	config  *Config
	options ValidatorOptions
}

// NewValidator creates a new configuration validator.
func NewValidator(config *Config, options ValidatorOptions) *Validator {
	return &Validator{
		config:  config,
		options: options,
	}
}

// ValidateStartup performs comprehensive startup validation. This
// should be called before starting any services.
func (v *Validator) ValidateStartup(ctx context.Context) error {
	log.Info().Msg("validating configuration")

	if err := v.validateProviderAPIKeys(); err != nil {
		return fmt.Errorf("provider API key validation failed: %w", err)
	}

	if !v.options.VerifyConnectivity {
		log.Info().Msg("configuration validation completed (connectivity checks skipped)")
		return nil
	}

	if err := v.checkDatabaseConnectivity(ctx); err != nil {
		return fmt.Errorf("database connectivity check failed: %w", err)
	}
	if err := v.checkRedisConnectivity(ctx); err != nil {
		return fmt.Errorf("redis connectivity check failed: %w", err)
	}
	if err := v.checkNATSConnectivity(ctx); err != nil {
		return fmt.Errorf("nats connectivity check failed: %w", err)
	}

	log.Info().Msg("configuration validation completed successfully")
	return nil
}

// validateProviderAPIKeys checks that the seclend/market/event providers
// all carry a non-empty, non-placeholder API key.
func (v *Validator) validateProviderAPIKeys() error {
	var issues []string

	providers := map[string]ProviderConfig{
		"seclend": v.config.Providers.SecLend,
		"market":  v.config.Providers.Market,
		"event":   v.config.Providers.Event,
	}

	for name, p := range providers {
		if p.BaseURL == "" {
			issues = append(issues, fmt.Sprintf("%s: base_url is not configured", name))
			continue
		}
		if p.APIKey == "" {
			issues = append(issues, fmt.Sprintf("%s: api_key is not configured", name))
			continue
		}
		if isPlaceholderValue(p.APIKey) {
			issues = append(issues, fmt.Sprintf("%s: api_key appears to be a placeholder value", name))
		}
	}

	if len(issues) > 0 {
		return fmt.Errorf("%s", strings.Join(issues, "; "))
	}
	return nil
}

// checkDatabaseConnectivity tests the Postgres connection with a timeout.
func (v *Validator) checkDatabaseConnectivity(ctx context.Context) error {
	connCtx, cancel := context.WithTimeout(ctx, v.options.Timeout)
	defer cancel()

	pool, err := pgxpool.New(connCtx, v.config.Database.GetDSN())
	if err != nil {
		return fmt.Errorf("create pool: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(connCtx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}

	log.Info().Str("host", v.config.Database.Host).Int("port", v.config.Database.Port).Msg("database connectivity check passed")
	return nil
}

// checkRedisConnectivity tests the shared cache tier's connection with a timeout.
func (v *Validator) checkRedisConnectivity(ctx context.Context) error {
	connCtx, cancel := context.WithTimeout(ctx, v.options.Timeout)
	defer cancel()

	client := redis.NewClient(&redis.Options{
		Addr:     v.config.Redis.GetRedisAddr(),
		Password: v.config.Redis.Password,
		DB:       v.config.Redis.DB,
	})
	defer client.Close()

	if err := client.Ping(connCtx).Err(); err != nil {
		return fmt.Errorf("ping: %w", err)
	}

	log.Info().Str("addr", v.config.Redis.GetRedisAddr()).Msg("redis connectivity check passed")
	return nil
}

// checkNATSConnectivity tests the invalidation bus connection with a timeout.
func (v *Validator) checkNATSConnectivity(ctx context.Context) error {
	nc, err := nats.Connect(v.config.NATS.URL, nats.Timeout(v.options.Timeout))
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer nc.Close()

	if err := nc.FlushTimeout(v.options.Timeout); err != nil {
		return fmt.Errorf("flush: %w", err)
	}

	log.Info().Str("url", v.config.NATS.URL).Msg("nats connectivity check passed")
	return nil
}

// isPlaceholderValue reports whether value looks like an unfilled
// template placeholder rather than a real credential.
func isPlaceholderValue(value string) bool {
	lower := strings.ToLower(value)
	placeholders := []string{
		"your_api_key",
		"your_secret",
		"changeme",
		"placeholder",
		"example",
		"sample",
	}
	for _, p := range placeholders {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
