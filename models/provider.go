package models

import "time"

// ProviderCapabilities is the static descriptor a provider reports about itself
type ProviderCapabilities struct {
	RealTime            bool     `json:"realTime"`
	History             bool     `json:"history"`
	Webhooks            bool     `json:"webhooks"`
	SupportedCountries  []string `json:"supportedCountries"`
	SupportedCategories []string `json:"supportedCategories,omitempty"`
	RateLimit           int      `json:"rateLimit"` // requests per minute, 0 = unlimited
}

// SupportsCountry reports whether country is in SupportedCountries (empty list means any).
func (c ProviderCapabilities) SupportsCountry(country string) bool {
	if len(c.SupportedCountries) == 0 {
		return true
	}
	for _, sc := range c.SupportedCountries {
		if sc == country {
			return true
		}
	}
	return false
}

// ProviderConfig is the secret-free view of a provider's configuration
type ProviderConfig struct {
	Name        string         `json:"name"`
	Environment string         `json:"environment,omitempty"`
	BaseURL     string         `json:"baseUrl,omitempty"`
	Timeout     time.Duration  `json:"timeout"`
	MaxRetries  int            `json:"maxRetries"`
	Settings    map[string]any `json:"settings,omitempty"`
}

// ProviderHealth is the service-owned health record for one provider
type ProviderHealth struct {
	Name                string        `json:"name"`
	Healthy             bool          `json:"healthy"`
	LastCheck           time.Time     `json:"lastCheck"`
	LastResponseTime    time.Duration `json:"lastResponseTime"`
	ConsecutiveFailures int           `json:"consecutiveFailures"`
	LastError           string        `json:"lastError,omitempty"`
}

// ServiceMetrics accumulates for the life of the process
type ServiceMetrics struct {
	TotalRequests       int64            `json:"totalRequests"`
	SuccessfulRequests  int64            `json:"successfulRequests"`
	FailedRequests      int64            `json:"failedRequests"`
	CacheHits           int64            `json:"cacheHits"`
	CacheMisses         int64            `json:"cacheMisses"`
	CacheHitRate        float64          `json:"cacheHitRate"`
	ProviderUsage       map[string]int64 `json:"providerUsage"`
	ProviderErrors      map[string]int64 `json:"providerErrors"`
	AverageResponseTime time.Duration    `json:"averageResponseTime"`
	MemoryUsage         uint64           `json:"memoryUsage"`
	Uptime              time.Duration    `json:"uptime"`
	LastError           string           `json:"lastError,omitempty"`
	LastErrorAt         time.Time        `json:"lastErrorAt,omitempty"`
}

// CircuitState mirrors the breaker state machine
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)
