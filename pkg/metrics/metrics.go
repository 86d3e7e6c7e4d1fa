// Package metrics holds the Prometheus collectors shared by the pool, cache and orchestrator.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Unit metrics for the orchestrator
var (
	// UnitsTotal counts finished units by model, status and mode
	UnitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmrace_units_total",
			Help: "Total number of finished units by model, terminal status and mode",
		},
		[]string{"model", "status", "mode"},
	)

	// UnitDuration tracks end-to-end latency of completed units
	UnitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmrace_unit_duration_seconds",
			Help:    "Duration of completed units by model and mode",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		},
		[]string{"model", "mode"},
	)

	// UnitThroughput tracks streaming throughput in estimated tokens per second
	UnitThroughput = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmrace_unit_tokens_per_second",
			Help:    "Estimated streaming throughput of completed units by model",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
		[]string{"model"},
	)

	// UnitsInFlight is the number of dispatched, non-terminal units
	UnitsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "llmrace_units_in_flight",
			Help: "Number of units currently running",
		},
	)
)

// Connection pool metrics
var (
	// PoolAcquires counts acquisitions by outcome: hit, miss, stale
	PoolAcquires = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmrace_pool_acquires_total",
			Help: "Total number of pool acquisitions by outcome",
		},
		[]string{"outcome"},
	)

	// PoolEvictions counts evictions by reason: lru, idle, resize, clear
	PoolEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmrace_pool_evictions_total",
			Help: "Total number of evicted pooled clients by reason",
		},
		[]string{"reason"},
	)

	// PoolFactoryErrors counts failed client constructions
	PoolFactoryErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "llmrace_pool_factory_errors_total",
			Help: "Total number of failed client constructions",
		},
	)
)

// Result cache metrics
var (
	// CacheLookups counts lookups by result: hit, miss
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmrace_cache_lookups_total",
			Help: "Total number of cache lookups by result",
		},
		[]string{"result"},
	)

	// CacheExpired counts entries purged after their TTL
	CacheExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "llmrace_cache_expired_total",
			Help: "Total number of cache entries purged after expiry",
		},
	)
)

// RecordUnit records a terminal unit
func RecordUnit(model, status, mode string, duration time.Duration, tokensPerSecond float64) {
	UnitsTotal.WithLabelValues(model, status, mode).Inc()
	if status != "completed" {
		return
	}
	UnitDuration.WithLabelValues(model, mode).Observe(duration.Seconds())
	if tokensPerSecond > 0 {
		UnitThroughput.WithLabelValues(model).Observe(tokensPerSecond)
	}
}

// RecordPoolAcquire increments the pool acquisition counter
func RecordPoolAcquire(outcome string) {
	PoolAcquires.WithLabelValues(outcome).Inc()
}

// RecordPoolEviction increments the pool eviction counter
func RecordPoolEviction(reason string) {
	PoolEvictions.WithLabelValues(reason).Inc()
}

// RecordCacheLookup increments the cache lookup counter
func RecordCacheLookup(hit bool) {
	if hit {
		CacheLookups.WithLabelValues("hit").Inc()
		return
	}
	CacheLookups.WithLabelValues("miss").Inc()
}

// RecordCacheExpired adds n purged entries
func RecordCacheExpired(n int) {
	if n > 0 {
		CacheExpired.Add(float64(n))
	}
}
