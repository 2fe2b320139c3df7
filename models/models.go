package models

import "time"

// Config holds application configuration
type Config struct {
	Environment    string
	Service        ServiceConfig
	Cache          CacheConfig
	HTTP           HTTPConfig
	CircuitBreaker CircuitBreakerConfig
	Providers      ProvidersConfig
	Logging        LoggingConfig
}

// ServiceConfig controls the rate resolution service. Every field can be changed at runtime.
type ServiceConfig struct {
	PrimaryProvider      string
	FallbackProviders    []string
	EnableCache          bool
	EnableFallback       bool
	EnableMetrics        bool
	MaxRetries           int
	RequestTimeout       time.Duration // service-level bound, separate from the HTTP client timeout
	HealthCheckInterval  time.Duration
	MemorySampleInterval time.Duration
}

// CacheConfig holds the rate cache settings
type CacheConfig struct {
	MaxSize             int
	BaseTTL             time.Duration
	MaxTTL              time.Duration
	MinTTL              time.Duration
	ConfidenceThreshold float64
	EvictionPolicy      string // lru, lfu or fifo
	CleanupInterval     time.Duration
	Persist             bool
	PersistPath         string
	PersistEvery        int // snapshot after every Nth insert
	ProviderMultipliers map[string]float64
}

// HTTPConfig holds defaults for outbound provider calls
type HTTPConfig struct {
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
}

// CircuitBreakerConfig holds the circuit breaker configuration parameters
type CircuitBreakerConfig struct {
	FailureThreshold  int           // Consecutive failures before the circuit opens
	Cooldown          time.Duration // Time spent open before a half-open probe is allowed
	HalfOpenSuccesses int           // Consecutive half-open successes needed to close again
}

// ProvidersConfig groups the per-provider settings
type ProvidersConfig struct {
	Avalara AvalaraConfig
	Static  StaticConfig
}

// AvalaraConfig holds AvaTax credentials and endpoints
type AvalaraConfig struct {
	Enabled      bool
	AccountID    string
	LicenseKey   string
	CompanyCode  string
	Environment  string // sandbox or production
	BaseURL      string // overrides the environment URL when set
	PollInterval time.Duration
	RateLimit    int // requests per minute
}

// StaticConfig points the internal provider at its rate table
type StaticConfig struct {
	Enabled      bool
	Name         string
	TablePath    string
	PollInterval time.Duration
}

// LoggingConfig holds configuration for application logging
type LoggingConfig struct {
	Enabled bool   // Whether logging is enabled
	Level   string // Log level (NONE, ERROR, WARN, INFO, DEBUG)
}
