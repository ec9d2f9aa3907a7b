package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bounded cardinality constants for metric labels. Labels derived from
// arbitrary strings (provider error messages, cache keyspaces) are
// normalized to one of these before being attached to a metric, so a
// misbehaving upstream can never blow up label cardinality.
const (
	ProviderErrorTimeout      = "timeout"
	ProviderErrorRateLimit    = "rate_limit"
	ProviderErrorNotFound     = "not_found"
	ProviderErrorServerError  = "server_error"
	ProviderErrorNetwork      = "network"
	ProviderErrorOther        = "other"

	KeyspaceBorrow  = "borrow"
	KeyspaceVol     = "vol"
	KeyspaceEvent   = "event"
	KeyspaceBroker  = "broker"
	KeyspaceMinRate = "minrate"
	KeyspaceCalc    = "calc"
	KeyspaceOther   = "other"
)

// NormalizeProviderError maps an arbitrary external-client error to a
// bounded set of categories for the ProviderErrors counter.
func NormalizeProviderError(err error) string {
	if err == nil {
		return ""
	}
	e := strings.ToLower(err.Error())
	switch {
	case strings.Contains(e, "timeout") || strings.Contains(e, "deadline"):
		return ProviderErrorTimeout
	case strings.Contains(e, "429") || strings.Contains(e, "rate"):
		return ProviderErrorRateLimit
	case strings.Contains(e, "404") || strings.Contains(e, "not found"):
		return ProviderErrorNotFound
	case strings.Contains(e, "connection") || strings.Contains(e, "network"):
		return ProviderErrorNetwork
	case strings.Contains(e, "500") || strings.Contains(e, "502") || strings.Contains(e, "503"):
		return ProviderErrorServerError
	default:
		return ProviderErrorOther
	}
}

// NormalizeKeyspace maps a cache key's prefix (before the first ':') to
// the bounded keyspace set used throughout this system.
func NormalizeKeyspace(key string) string {
	prefix := key
	if i := strings.IndexByte(key, ':'); i >= 0 {
		prefix = key[:i]
	}
	switch prefix {
	case KeyspaceBorrow, KeyspaceVol, KeyspaceEvent, KeyspaceBroker, KeyspaceMinRate, KeyspaceCalc:
		return prefix
	default:
		return KeyspaceOther
	}
}

// Calculation Service metrics
var (
	CalcRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "locatefees_calc_requests_total",
		Help: "Total CalculateFee requests by outcome",
	}, []string{"outcome"})

	CalcLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "locatefees_calc_latency_ms",
		Help:    "CalculateFee end-to-end latency in milliseconds",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	})

	CalcFingerprintHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "locatefees_calc_fingerprint_hits_total",
		Help: "Total CalculateFee requests served from the calc:{fingerprint} short-circuit",
	})
)

// Cache Layer metrics
var (
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "locatefees_cache_lookups_total",
		Help: "Total cache lookups by keyspace and tier outcome (local_hit, shared_hit, miss)",
	}, []string{"keyspace", "result"})

	CacheSingleFlightCoalesced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "locatefees_cache_singleflight_coalesced_total",
		Help: "Total concurrent callers that waited on an in-flight fetch instead of issuing their own",
	}, []string{"keyspace"})

	CacheSharedDegraded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "locatefees_cache_shared_degraded_total",
		Help: "Total times the shared cache tier was unreachable and the call degraded to local-only",
	})

	CacheInvalidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "locatefees_cache_invalidations_total",
		Help: "Total invalidation messages applied by keyspace",
	}, []string{"keyspace"})

	CacheLocalEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "locatefees_cache_local_entries",
		Help: "Current number of entries held in the local LRU tier",
	})
)

// Resilience Layer metrics
var (
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "locatefees_breaker_state",
		Help: "Circuit breaker state per endpoint (0=closed, 1=half_open, 2=open)",
	}, []string{"endpoint"})

	BreakerRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "locatefees_breaker_requests_total",
		Help: "Total requests observed by the breaker per endpoint and result",
	}, []string{"endpoint", "result"})

	ProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "locatefees_provider_latency_ms",
		Help:    "External data provider call latency in milliseconds",
		Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	}, []string{"provider"})

	ProviderErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "locatefees_provider_errors_total",
		Help: "Total external data provider errors by normalized category",
	}, []string{"provider", "category"})

	RetryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "locatefees_retry_attempts_total",
		Help: "Total retry attempts issued per endpoint",
	}, []string{"endpoint"})

	SignalFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "locatefees_signal_fallbacks_total",
		Help: "Total times a signal field was served from fallback instead of a live/cached source",
	}, []string{"signal"})
)

// Audit Emitter metrics
var (
	AuditEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "locatefees_audit_enqueued_total",
		Help: "Total audit records enqueued",
	})

	AuditPersisted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "locatefees_audit_persisted_total",
		Help: "Total audit records durably persisted by outcome",
	}, []string{"outcome"})

	AuditQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "locatefees_audit_queue_depth",
		Help: "Current depth of the audit emitter's bounded in-process queue",
	})

	AuditBackpressureEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "locatefees_audit_backpressure_total",
		Help: "Total times an audit enqueue blocked past its deadline",
	})

	AuditPersistLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "locatefees_audit_persist_latency_ms",
		Help:    "Audit batch persist latency in milliseconds",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
	})
)

// HTTP surface metrics (thin inbound API wrapper)
var (
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "locatefees_api_request_duration_ms",
		Help:    "Inbound API request duration in milliseconds",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	}, []string{"method", "path", "status_code"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "locatefees_http_requests_total",
		Help: "Total inbound HTTP requests",
	}, []string{"method", "path", "status_code"})

	RedisOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "locatefees_redis_operations_total",
		Help: "Total shared-cache tier operations by type",
	}, []string{"operation"})

	ConfigStoreQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "locatefees_configstore_queries_total",
		Help: "Total config store reads by outcome",
	}, []string{"outcome"})
)

// RecordAPIRequest records an inbound API request's duration and count.
func RecordAPIRequest(method, path, statusCode string, durationMs float64) {
	APIRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationMs)
	HTTPRequests.WithLabelValues(method, path, statusCode).Inc()
}

// RecordCalc records the outcome and latency of a CalculateFee call.
func RecordCalc(outcome string, durationMs float64) {
	CalcRequests.WithLabelValues(outcome).Inc()
	CalcLatency.Observe(durationMs)
}

// RecordCacheLookup records a cache lookup's keyspace and result
// (local_hit, shared_hit, or miss).
func RecordCacheLookup(key, result string) {
	CacheLookups.WithLabelValues(NormalizeKeyspace(key), result).Inc()
}

// RecordSingleFlightCoalesce records that a caller joined an in-flight
// fetch rather than issuing its own.
func RecordSingleFlightCoalesce(key string) {
	CacheSingleFlightCoalesced.WithLabelValues(NormalizeKeyspace(key)).Inc()
}

// RecordInvalidation records an applied cache invalidation.
func RecordInvalidation(keyspace string) {
	CacheInvalidations.WithLabelValues(keyspace).Inc()
}

// RecordProviderCall records one external data client call's latency
// and, on failure, its normalized error category.
func RecordProviderCall(provider string, durationMs float64, err error) {
	ProviderLatency.WithLabelValues(provider).Observe(durationMs)
	if err != nil {
		ProviderErrors.WithLabelValues(provider, NormalizeProviderError(err)).Inc()
	}
}

// RecordRetryAttempt records one retry attempt against an endpoint.
func RecordRetryAttempt(endpoint string) {
	RetryAttempts.WithLabelValues(endpoint).Inc()
}

// RecordSignalFallback records that a signal bundle field was served
// from its fallback policy instead of a live or cached source.
func RecordSignalFallback(signal string) {
	SignalFallbacks.WithLabelValues(signal).Inc()
}

// RecordAuditPersist records the outcome and latency of an audit batch
// persist attempt.
func RecordAuditPersist(outcome string, durationMs float64) {
	AuditPersisted.WithLabelValues(outcome).Inc()
	AuditPersistLatency.Observe(durationMs)
}

// RecordRedisOperation records a shared-cache tier operation.
func RecordRedisOperation(operation string) {
	RedisOperations.WithLabelValues(operation).Inc()
}

// RecordConfigStoreQuery records a config store read outcome
// (cache_hit, store_hit, or unavailable).
func RecordConfigStoreQuery(outcome string) {
	ConfigStoreQueries.WithLabelValues(outcome).Inc()
}
