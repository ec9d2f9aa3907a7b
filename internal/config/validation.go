package config

import (
	"fmt"
	"os"
	"strings"
)

// ValidationError represents a single configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Configuration validation failed with %d error(s):\n\n", len(ve)))
	for i, err := range ve {
		sb.WriteString(fmt.Sprintf("  %d. %s: %s\n", i+1, err.Field, err.Message))
	}
	sb.WriteString("\nPlease fix the above errors and try again.\n")
	return sb.String()
}

// Validate performs comprehensive configuration validation. Every
// field this system recognizes that requires a positive value is
// checked here; a field left at its zero value is a startup error.
func (c *Config) Validate() error {
	var errors ValidationErrors

	errors = append(errors, c.validateApp()...)
	errors = append(errors, c.validateDatabase()...)
	errors = append(errors, c.validateRedis()...)
	errors = append(errors, c.validateNATS()...)
	errors = append(errors, c.validateProviders()...)
	errors = append(errors, c.validateCache()...)
	errors = append(errors, c.validateResilience()...)
	errors = append(errors, c.validateFormula()...)
	errors = append(errors, c.validateAudit()...)
	errors = append(errors, c.validateAPI()...)
	errors = append(errors, c.validateEnvironmentRequirements()...)

	if len(errors) > 0 {
		return errors
	}
	return nil
}

func (c *Config) validateApp() ValidationErrors {
	var errors ValidationErrors

	if c.App.Name == "" {
		errors = append(errors, ValidationError{Field: "app.name", Message: "application name is required"})
	}

	if c.App.Environment == "" {
		errors = append(errors, ValidationError{Field: "app.environment", Message: "environment is required (development, staging, or production)"})
	} else {
		valid := false
		for _, env := range []string{"development", "staging", "production"} {
			if c.App.Environment == env {
				valid = true
				break
			}
		}
		if !valid {
			errors = append(errors, ValidationError{
				Field:   "app.environment",
				Message: fmt.Sprintf("invalid environment %q, must be development, staging or production", c.App.Environment),
			})
		}
	}

	if c.App.LogLevel == "" {
		errors = append(errors, ValidationError{Field: "app.log_level", Message: "log level is required (debug, info, warn, error)"})
	}

	return errors
}

func (c *Config) validateDatabase() ValidationErrors {
	var errors ValidationErrors

	if c.Database.Host == "" {
		errors = append(errors, ValidationError{Field: "database.host", Message: "database host is required"})
	}
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		errors = append(errors, ValidationError{Field: "database.port", Message: fmt.Sprintf("invalid port %d, must be 1-65535", c.Database.Port)})
	}
	if c.Database.User == "" {
		errors = append(errors, ValidationError{Field: "database.user", Message: "database user is required"})
	}
	if c.Database.Database == "" {
		errors = append(errors, ValidationError{Field: "database.database", Message: "database name is required"})
	}
	if c.Database.Password == "" && c.App.Environment != "development" {
		errors = append(errors, ValidationError{Field: "database.password", Message: "database password is required outside development"})
	}
	if c.Database.ConfigStorePoolSize < 1 {
		errors = append(errors, ValidationError{Field: "database.config_store_pool_size", Message: "config store pool size must be at least 1"})
	}
	if c.Database.AuditStorePoolSize < 1 {
		errors = append(errors, ValidationError{Field: "database.audit_store_pool_size", Message: "audit store pool size must be at least 1"})
	}

	return errors
}

func (c *Config) validateRedis() ValidationErrors {
	var errors ValidationErrors

	if c.Redis.Host == "" {
		errors = append(errors, ValidationError{Field: "redis.host", Message: "redis host is required"})
	}
	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		errors = append(errors, ValidationError{Field: "redis.port", Message: fmt.Sprintf("invalid port %d, must be 1-65535", c.Redis.Port)})
	}

	return errors
}

func (c *Config) validateNATS() ValidationErrors {
	var errors ValidationErrors

	if c.NATS.URL == "" {
		errors = append(errors, ValidationError{Field: "nats.url", Message: "nats url is required"})
	} else if !strings.HasPrefix(c.NATS.URL, "nats://") {
		errors = append(errors, ValidationError{Field: "nats.url", Message: "nats url must start with nats://"})
	}
	if c.NATS.Prefix == "" {
		errors = append(errors, ValidationError{Field: "nats.prefix", Message: "invalidation subject prefix is required"})
	}

	return errors
}

func (c *Config) validateProviders() ValidationErrors {
	var errors ValidationErrors

	for name, p := range map[string]ProviderConfig{
		"seclend": c.Providers.SecLend,
		"market":  c.Providers.Market,
		"event":   c.Providers.Event,
	} {
		field := fmt.Sprintf("providers.%s", name)
		if p.BaseURL == "" {
			errors = append(errors, ValidationError{Field: field + ".base_url", Message: "base url is required"})
		}
		if p.Timeout < 1 {
			errors = append(errors, ValidationError{Field: field + ".timeout_ms", Message: "timeout_ms must be positive"})
		}
	}

	return errors
}

func (c *Config) validateCache() ValidationErrors {
	var errors ValidationErrors

	if c.Cache.LocalMaxEntries < 1 {
		errors = append(errors, ValidationError{Field: "cache.local_max_entries", Message: "local_max_entries must be at least 1"})
	}

	ttls := map[string]int{
		"cache.ttl.borrow_seconds":   c.Cache.TTL.BorrowSeconds,
		"cache.ttl.vol_seconds":      c.Cache.TTL.VolSeconds,
		"cache.ttl.event_seconds":    c.Cache.TTL.EventSeconds,
		"cache.ttl.broker_seconds":   c.Cache.TTL.BrokerSeconds,
		"cache.ttl.min_rate_seconds": c.Cache.TTL.MinRateSeconds,
		"cache.ttl.calc_seconds":     c.Cache.TTL.CalcSeconds,
	}
	for field, v := range ttls {
		if v < 1 {
			errors = append(errors, ValidationError{Field: field, Message: "ttl must be positive"})
		}
	}

	return errors
}

func (c *Config) validateResilience() ValidationErrors {
	var errors ValidationErrors

	endpoints := map[string]EndpointResilienceConfig{
		"seclend": c.Resilience.SecLend,
		"market":  c.Resilience.Market,
		"event":   c.Resilience.Event,
	}
	for name, e := range endpoints {
		field := fmt.Sprintf("resilience.%s", name)
		if e.ConsecutiveFailureThreshold < 1 {
			errors = append(errors, ValidationError{Field: field + ".consecutive_failure_threshold", Message: "must be at least 1"})
		}
		if e.RecoveryTimeoutSeconds < 1 {
			errors = append(errors, ValidationError{Field: field + ".recovery_timeout_seconds", Message: "must be positive"})
		}
		if e.HalfOpenProbes < 1 {
			errors = append(errors, ValidationError{Field: field + ".half_open_probes", Message: "must be at least 1"})
		}
		if e.HalfOpenSuccessesToClose < 1 {
			errors = append(errors, ValidationError{Field: field + ".half_open_successes_to_close", Message: "must be at least 1"})
		}
		if e.MaxRetries < 0 {
			errors = append(errors, ValidationError{Field: field + ".max_retries", Message: "must be non-negative"})
		}
		if e.AttemptTimeoutMs < 1 {
			errors = append(errors, ValidationError{Field: field + ".attempt_timeout_ms", Message: "must be positive"})
		}
	}

	if c.Resilience.RequestDeadlineSeconds < 1 {
		errors = append(errors, ValidationError{Field: "resilience.request_deadline_seconds", Message: "must be positive"})
	}

	return errors
}

func (c *Config) validateFormula() ValidationErrors {
	var errors ValidationErrors

	if c.Formula.DaysInYear < 1 {
		errors = append(errors, ValidationError{Field: "formula.days_in_year", Message: "must be positive"})
	}
	if c.Formula.VolFactor < 0 {
		errors = append(errors, ValidationError{Field: "formula.vol_factor", Message: "must be non-negative"})
	}
	if c.Formula.EventFactor < 0 {
		errors = append(errors, ValidationError{Field: "formula.event_factor", Message: "must be non-negative"})
	}
	if c.Formula.Scale < 0 || c.Formula.Scale > 18 {
		errors = append(errors, ValidationError{Field: "formula.scale", Message: "must be between 0 and 18"})
	}
	if c.Formula.VolatilityGraceMinutes < 1 {
		errors = append(errors, ValidationError{Field: "formula.volatility_grace_minutes", Message: "must be positive"})
	}
	if c.Formula.GlobalMinimumRate < 0 {
		errors = append(errors, ValidationError{Field: "formula.global_minimum_rate", Message: "must be non-negative"})
	}
	if c.Formula.Currency == "" {
		errors = append(errors, ValidationError{Field: "formula.currency", Message: "currency is required"})
	}

	return errors
}

func (c *Config) validateAudit() ValidationErrors {
	var errors ValidationErrors

	if c.Audit.QueueCapacity < 1 {
		errors = append(errors, ValidationError{Field: "audit.queue_capacity", Message: "must be positive"})
	}
	if c.Audit.HighWatermark < 1 || c.Audit.HighWatermark > c.Audit.QueueCapacity {
		errors = append(errors, ValidationError{Field: "audit.high_watermark", Message: "must be positive and not exceed queue_capacity"})
	}
	if c.Audit.EnqueueDeadlineMs < 1 {
		errors = append(errors, ValidationError{Field: "audit.enqueue_deadline_ms", Message: "must be positive"})
	}
	if c.Audit.PersistDeadlineSeconds < 1 {
		errors = append(errors, ValidationError{Field: "audit.persist_deadline_seconds", Message: "must be positive"})
	}
	if c.Audit.PartitionWorkers < 1 {
		errors = append(errors, ValidationError{Field: "audit.partition_workers", Message: "must be at least 1"})
	}
	if c.Audit.ArchiveAfterDays < 1 {
		errors = append(errors, ValidationError{Field: "audit.archive_after_days", Message: "must be positive"})
	}

	return errors
}

func (c *Config) validateAPI() ValidationErrors {
	var errors ValidationErrors

	if c.API.Port < 1 || c.API.Port > 65535 {
		errors = append(errors, ValidationError{Field: "api.port", Message: fmt.Sprintf("invalid port %d, must be 1-65535", c.API.Port)})
	}

	return errors
}

func (c *Config) validateEnvironmentRequirements() ValidationErrors {
	var errors ValidationErrors

	if c.App.Environment == "production" {
		if c.Database.SSLMode == "disable" {
			errors = append(errors, ValidationError{Field: "database.ssl_mode", Message: "SSL must be enabled for database in production"})
		}
		for name, p := range map[string]ProviderConfig{
			"seclend": c.Providers.SecLend,
			"market":  c.Providers.Market,
			"event":   c.Providers.Event,
		} {
			if p.APIKey == "" {
				errors = append(errors, ValidationError{Field: fmt.Sprintf("providers.%s.api_key", name), Message: "API key is required in production"})
			}
		}
	}

	if os.Getenv("LOCATEFEES_DATABASE_PASSWORD") == "" && c.App.Environment == "production" && c.Database.Password == "" {
		errors = append(errors, ValidationError{Field: "database.password", Message: "database password must be set via config or LOCATEFEES_DATABASE_PASSWORD in production"})
	}

	return errors
}

// ValidateAndLoad loads and validates configuration. configPath may
// be empty to use the default config locations.
func ValidateAndLoad(configPath string) (*Config, error) {
	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}
