package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RateLookupsTotal counts GetRates calls by outcome (cache_hit, provider, fallback, failed, canceled)
	RateLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taxrates_lookups_total",
			Help: "The total number of tax rate lookups by outcome",
		},
		[]string{"outcome", "environment"},
	)

	// RateLookupDuration tracks end-to-end GetRates latency
	RateLookupDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taxrates_lookup_duration_seconds",
			Help:    "Duration of tax rate lookups in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"environment"},
	)

	// AddressValidationsTotal counts ValidateAddress calls by the source that answered
	AddressValidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taxrates_address_validations_total",
			Help: "The total number of address validations by answering source",
		},
		[]string{"source", "environment"},
	)

	// ProviderRequestsTotal counts provider invocations by result
	ProviderRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taxrates_provider_requests_total",
			Help: "The total number of provider invocations",
		},
		[]string{"provider", "success", "environment"},
	)

	// ProviderLatency tracks provider invocation latency
	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taxrates_provider_latency_seconds",
			Help:    "Latency of provider invocations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "environment"},
	)

	// ProviderHealthy is 1 while the provider is considered healthy, 0 otherwise
	ProviderHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taxrates_provider_healthy",
			Help: "Provider health as tracked by the rate service: 1=healthy, 0=unhealthy",
		},
		[]string{"provider", "environment"},
	)

	// CacheLookupsTotal counts cache reads by result (hit, miss, expired)
	CacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taxrates_cache_lookups_total",
			Help: "The total number of rate cache reads by result",
		},
		[]string{"result"},
	)

	// CacheEvictionsTotal counts entries removed under capacity pressure
	CacheEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taxrates_cache_evictions_total",
			Help: "Number of cache entries evicted under capacity pressure",
		},
		[]string{"policy"},
	)

	// CacheEntries tracks the resident entry count
	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taxrates_cache_entries",
			Help: "Current number of resident rate cache entries",
		},
	)

	// MemoryUsageBytes is the sampled heap allocation of the process
	MemoryUsageBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "taxrates_memory_usage_bytes",
			Help: "Heap bytes allocated, sampled periodically",
		},
	)

	// CircuitBreakerState tracks the current state of each per-origin breaker (1=closed, 2=half-open, 3=open)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taxrates_circuit_breaker_state",
			Help: "Current state of the circuit breaker: 1=closed, 2=half-open, 3=open",
		},
		[]string{"name", "environment"},
	)

	// CircuitBreakerRejected counts requests rejected due to open circuit
	CircuitBreakerRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taxrates_circuit_breaker_rejected_total",
			Help: "Number of requests rejected due to open circuit",
		},
		[]string{"name", "environment"},
	)

	// CircuitBreakerRequests counts requests going through circuit breaker
	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taxrates_circuit_breaker_requests_total",
			Help: "Number of requests going through circuit breaker",
		},
		[]string{"name", "success", "environment"},
	)

	// HTTPRetriesTotal counts retry attempts by origin
	HTTPRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taxrates_http_retries_total",
			Help: "Number of outbound request retries",
		},
		[]string{"host"},
	)

	// OutboundRequestsTotal counts outbound HTTP requests by host and status
	OutboundRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taxrates_outbound_requests_total",
			Help: "The total number of outbound provider HTTP requests",
		},
		[]string{"host", "method", "status"},
	)

	// OutboundRequestDuration tracks the duration of outbound HTTP requests
	OutboundRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taxrates_outbound_request_duration_seconds",
			Help:    "Duration of outbound provider HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"host", "method"},
	)
)

// BoolLabel renders a bool as the "true"/"false" label value used across collectors
func BoolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
