package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Providers  ProvidersConfig  `mapstructure:"providers"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Resilience ResilienceConfig `mapstructure:"resilience"`
	Formula    FormulaConfig    `mapstructure:"formula"`
	Audit      AuditConfig      `mapstructure:"audit"`
	API        APIConfig        `mapstructure:"api"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// AppConfig contains application-level settings.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"`
}

// DatabaseConfig contains the Postgres settings shared by the config
// store and the audit store (each opens its own pool against this
// DSN). ConfigStorePoolSize and AuditStorePoolSize are not applied:
// configstore.New and auditstore.New both cap their pool at a fixed
// 10 connections.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`

	ConfigStorePoolSize int `mapstructure:"config_store_pool_size"`
	AuditStorePoolSize  int `mapstructure:"audit_store_pool_size"`
}

// RedisConfig contains the shared cache tier's connection settings.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NATSConfig contains the cache-invalidation bus settings. Prefix is
// validated but not used: the invalidation subjects always carry the
// fixed prefix "locatefees.cache.invalidate" set in internal/cache.
type NATSConfig struct {
	URL    string `mapstructure:"url"`
	Prefix string `mapstructure:"prefix"`
}

// ProviderConfig is the connection configuration for one external
// data provider (SecLend, Market, Event).
type ProviderConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Timeout int    `mapstructure:"timeout_ms"`
}

// ProvidersConfig groups the three external data client configs.
type ProvidersConfig struct {
	SecLend ProviderConfig `mapstructure:"seclend"`
	Market  ProviderConfig `mapstructure:"market"`
	Event   ProviderConfig `mapstructure:"event"`
}

// KeyspaceTTL is the TTL, in seconds, for one cache keyspace.
type KeyspaceTTL struct {
	BorrowSeconds  int `mapstructure:"borrow_seconds"`
	VolSeconds     int `mapstructure:"vol_seconds"`
	EventSeconds   int `mapstructure:"event_seconds"`
	BrokerSeconds  int `mapstructure:"broker_seconds"`
	MinRateSeconds int `mapstructure:"min_rate_seconds"`
	CalcSeconds    int `mapstructure:"calc_seconds"`
}

// CacheConfig configures both cache tiers and the invalidation bus.
type CacheConfig struct {
	LocalMaxEntries int         `mapstructure:"local_max_entries"`
	TTL             KeyspaceTTL `mapstructure:"ttl"`
}

// EndpointResilienceConfig configures the breaker/retry/timeout triple
// for one named external endpoint.
type EndpointResilienceConfig struct {
	// Circuit breaker
	ConsecutiveFailureThreshold int `mapstructure:"consecutive_failure_threshold"`
	RecoveryTimeoutSeconds      int `mapstructure:"recovery_timeout_seconds"`
	HalfOpenProbes              int `mapstructure:"half_open_probes"`
	HalfOpenSuccessesToClose    int `mapstructure:"half_open_successes_to_close"`

	// Retry
	MaxRetries          int `mapstructure:"max_retries"`
	InitialBackoffMs    int `mapstructure:"initial_backoff_ms"`
	MaxBackoffMs        int `mapstructure:"max_backoff_ms"`

	// Timeout
	AttemptTimeoutMs int `mapstructure:"attempt_timeout_ms"`
}

// ResilienceConfig groups per-endpoint resilience settings.
type ResilienceConfig struct {
	SecLend EndpointResilienceConfig `mapstructure:"seclend"`
	Market  EndpointResilienceConfig `mapstructure:"market"`
	Event   EndpointResilienceConfig `mapstructure:"event"`

	RequestDeadlineSeconds int `mapstructure:"request_deadline_seconds"`
}

// FormulaConfig configures the decimal kernel's process-wide
// constants. Not live-reloadable.
type FormulaConfig struct {
	DaysInYear             int     `mapstructure:"days_in_year"`
	VolFactor              float64 `mapstructure:"vol_factor"`
	EventFactor            float64 `mapstructure:"event_factor"`
	Scale                  int32   `mapstructure:"scale"`
	VolatilityGraceMinutes int     `mapstructure:"volatility_grace_minutes"`
	DefaultVolatilityIndex float64 `mapstructure:"default_volatility_index"`
	GlobalMinimumRate      float64 `mapstructure:"global_minimum_rate"`
	EventLookaheadDays     int     `mapstructure:"event_lookahead_days"`
	Currency               string  `mapstructure:"currency"`
}

// AuditConfig configures the audit emitter's queue and persistence
// deadlines.
type AuditConfig struct {
	QueueCapacity          int `mapstructure:"queue_capacity"`
	HighWatermark           int `mapstructure:"high_watermark"`
	EnqueueDeadlineMs       int `mapstructure:"enqueue_deadline_ms"`
	PersistDeadlineSeconds  int `mapstructure:"persist_deadline_seconds"`
	PartitionWorkers        int `mapstructure:"partition_workers"`
	ArchiveAfterDays        int `mapstructure:"archive_after_days"`
}

// APIConfig contains the thin inbound HTTP surface's bind address.
type APIConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// MonitoringConfig contains Prometheus exposition settings.
type MonitoringConfig struct {
	PrometheusPort int  `mapstructure:"prometheus_port"`
	EnableMetrics  bool `mapstructure:"enable_metrics"`
}

// Load reads configuration from configPath (or ./configs/config.yaml,
// ./config.yaml by default), overlays LOCATEFEES_-prefixed environment
// variables, applies typed defaults, and validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("LOCATEFEES")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range []string{"database.password", "redis.password", "providers.seclend.api_key", "providers.market.api_key", "providers.event.api_key"} {
		_ = v.BindEnv(key)
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "locatefees")
	v.SetDefault("app.version", "0.1.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "locatefees")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.config_store_pool_size", 10)
	v.SetDefault("database.audit_store_pool_size", 10)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.prefix", "cache.invalidate")

	v.SetDefault("providers.seclend.base_url", "http://localhost:9001")
	v.SetDefault("providers.seclend.timeout_ms", 1000)
	v.SetDefault("providers.market.base_url", "http://localhost:9002")
	v.SetDefault("providers.market.timeout_ms", 1000)
	v.SetDefault("providers.event.base_url", "http://localhost:9003")
	v.SetDefault("providers.event.timeout_ms", 1000)

	v.SetDefault("cache.local_max_entries", 10000)
	v.SetDefault("cache.ttl.borrow_seconds", 300)
	v.SetDefault("cache.ttl.vol_seconds", 900)
	v.SetDefault("cache.ttl.event_seconds", 3600)
	v.SetDefault("cache.ttl.broker_seconds", 1800)
	v.SetDefault("cache.ttl.min_rate_seconds", 86400)
	v.SetDefault("cache.ttl.calc_seconds", 60)

	for _, ep := range []string{"seclend", "market", "event"} {
		v.SetDefault("resilience."+ep+".consecutive_failure_threshold", 5)
		v.SetDefault("resilience."+ep+".recovery_timeout_seconds", 60)
		v.SetDefault("resilience."+ep+".half_open_probes", 1)
		v.SetDefault("resilience."+ep+".half_open_successes_to_close", 3)
		v.SetDefault("resilience."+ep+".max_retries", 3)
		v.SetDefault("resilience."+ep+".initial_backoff_ms", 100)
		v.SetDefault("resilience."+ep+".max_backoff_ms", 2000)
		v.SetDefault("resilience."+ep+".attempt_timeout_ms", 1000)
	}
	v.SetDefault("resilience.request_deadline_seconds", 5)

	v.SetDefault("formula.days_in_year", 365)
	v.SetDefault("formula.vol_factor", 0.01)
	v.SetDefault("formula.event_factor", 0.005)
	v.SetDefault("formula.scale", 4)
	v.SetDefault("formula.volatility_grace_minutes", 15)
	v.SetDefault("formula.default_volatility_index", 0.0)
	v.SetDefault("formula.global_minimum_rate", 0.0)
	v.SetDefault("formula.event_lookahead_days", 30)
	v.SetDefault("formula.currency", "USD")

	v.SetDefault("audit.queue_capacity", 10000)
	v.SetDefault("audit.high_watermark", 8000)
	v.SetDefault("audit.enqueue_deadline_ms", 250)
	v.SetDefault("audit.persist_deadline_seconds", 30)
	v.SetDefault("audit.partition_workers", 8)
	v.SetDefault("audit.archive_after_days", 2555) // ~7 years

	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)

	v.SetDefault("monitoring.prometheus_port", 9100)
	v.SetDefault("monitoring.enable_metrics", true)
}

// GetDSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// GetRedisAddr returns the shared cache tier's address.
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetAPIAddr returns the inbound HTTP surface's bind address.
func (c *APIConfig) GetAPIAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (e EndpointResilienceConfig) AttemptTimeout() time.Duration {
	return time.Duration(e.AttemptTimeoutMs) * time.Millisecond
}

func (e EndpointResilienceConfig) InitialBackoff() time.Duration {
	return time.Duration(e.InitialBackoffMs) * time.Millisecond
}

func (e EndpointResilienceConfig) MaxBackoff() time.Duration {
	return time.Duration(e.MaxBackoffMs) * time.Millisecond
}

func (e EndpointResilienceConfig) RecoveryTimeout() time.Duration {
	return time.Duration(e.RecoveryTimeoutSeconds) * time.Second
}

func (p ProviderConfig) GetTimeout() time.Duration {
	return time.Duration(p.Timeout) * time.Millisecond
}

func (a AuditConfig) EnqueueDeadline() time.Duration {
	return time.Duration(a.EnqueueDeadlineMs) * time.Millisecond
}

func (a AuditConfig) PersistDeadline() time.Duration {
	return time.Duration(a.PersistDeadlineSeconds) * time.Second
}

func (f FormulaConfig) VolatilityGraceWindow() time.Duration {
	return time.Duration(f.VolatilityGraceMinutes) * time.Minute
}
