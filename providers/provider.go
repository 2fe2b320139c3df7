// Package providers defines the rate-provider contract shared by every concrete
// tax API, plus the registry, batch helper and polling subscription emulation.
package providers

import (
	"context"
	"errors"
	"time"

	"pulsegrade/taxrates/models"
)

var (
	// ErrProviderNotFound is returned by Registry lookups for unknown names
	ErrProviderNotFound = errors.New("provider not found")
	// ErrNotSupported is returned when a provider lacks a capability
	ErrNotSupported = errors.New("operation not supported by provider")
)

// UpdateCallback receives rate-change notifications
type UpdateCallback func(update models.TaxRateUpdate)

// Provider is the fixed contract every concrete rate source implements
type Provider interface {
	Name() string
	GetRates(ctx context.Context, query models.TaxRateQuery) (*models.TaxRateResponse, error)
	ValidateAddress(ctx context.Context, address models.Address) (*models.AddressValidationResult, error)
	GetRateHistory(ctx context.Context, query models.TaxRateQuery, from, to time.Time) ([]models.TaxRate, error)
	SubscribeToUpdates(ctx context.Context, queries []models.TaxRateQuery, cb UpdateCallback) (string, error)
	UnsubscribeFromUpdates(id string) error
	TestConnection(ctx context.Context) error
	GetCapabilities() models.ProviderCapabilities
	// GetConfig never includes credentials
	GetConfig() models.ProviderConfig
}

// BatchProvider is implemented by providers with a true bulk endpoint
type BatchProvider interface {
	Provider
	BatchGetRates(ctx context.Context, queries []models.TaxRateQuery) ([]BatchResult, error)
}

// Configurable providers accept runtime timeout and retry changes
type Configurable interface {
	SetTimeout(d time.Duration)
	SetMaxRetries(n int)
}

// Closer is implemented by providers that own background work
type Closer interface {
	Close() error
}
