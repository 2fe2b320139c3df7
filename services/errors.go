package services

import "errors"

var (
	// ErrAllProvidersFailed is returned once the primary and every fallback have failed
	ErrAllProvidersFailed = errors.New("all providers failed")
	// ErrProviderUnhealthy is returned when the only eligible provider is marked unhealthy
	ErrProviderUnhealthy = errors.New("provider is unhealthy")
	// ErrInvalidQuery is returned for queries that cannot identify a jurisdiction
	ErrInvalidQuery = errors.New("invalid tax rate query")
)
