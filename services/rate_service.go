// Package services resolves tax rates and validates addresses across the
// registered providers, with caching, health tracking and fallback.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"pulsegrade/taxrates/cache"
	"pulsegrade/taxrates/httpclient"
	"pulsegrade/taxrates/logger"
	"pulsegrade/taxrates/metrics"
	"pulsegrade/taxrates/models"
	"pulsegrade/taxrates/providers"
	"pulsegrade/taxrates/scheduler"

	"github.com/samber/oops"
)

const (
	// unhealthyAfter is the consecutive failure count that marks a provider unhealthy
	unhealthyAfter = 3

	healthCheckTask  = "health-check"
	memorySampleTask = "memory-sample"

	defaultRequestTimeout = 15 * time.Second
)

// TaxRateService ties the cache, the provider registry and per-provider health
// into one resolution call
type TaxRateService struct {
	registry    *providers.Registry
	cache       *cache.RateCache
	client      *httpclient.Client
	environment string

	cfgMu sync.RWMutex
	cfg   models.ServiceConfig

	healthMu sync.RWMutex
	health   map[string]*models.ProviderHealth

	subsMu sync.Mutex
	subs   map[string]struct{}

	stats *serviceStats
	sched *scheduler.Scheduler
	now   func() time.Time
	log   *logger.Logger
}

// Option customizes a TaxRateService
type Option func(*TaxRateService)

// WithHTTPClient exposes the client's circuit breakers through GetCircuitStates
func WithHTTPClient(client *httpclient.Client) Option {
	return func(s *TaxRateService) { s.client = client }
}

// WithEnvironment sets the environment label on emitted metrics
func WithEnvironment(env string) Option {
	return func(s *TaxRateService) { s.environment = env }
}

// NewTaxRateService creates a service over registry. rateCache may be nil, which
// behaves as if caching were disabled.
func NewTaxRateService(registry *providers.Registry, rateCache *cache.RateCache, cfg models.ServiceConfig, opts ...Option) *TaxRateService {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	s := &TaxRateService{
		registry:    registry,
		cache:       rateCache,
		environment: "dev",
		cfg:         cfg,
		health:      make(map[string]*models.ProviderHealth),
		subs:        make(map[string]struct{}),
		sched:       scheduler.New("service"),
		now:         time.Now,
		log:         logger.Named("service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.stats = newServiceStats(s.now())
	for _, name := range registry.Names() {
		s.ensureHealth(name)
	}
	s.pushProviderSettings(cfg)
	return s
}

// SetNowFunc replaces the clock used for health timestamps and metrics
func (s *TaxRateService) SetNowFunc(now func() time.Time) {
	s.now = now
	s.stats = newServiceStats(now())
}

// Config returns the current service configuration
func (s *TaxRateService) Config() models.ServiceConfig {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	cfg := s.cfg
	cfg.FallbackProviders = append([]string(nil), s.cfg.FallbackProviders...)
	return cfg
}

// GetRates resolves rates for query: cache, then the primary provider, then
// each healthy fallback in order
func (s *TaxRateService) GetRates(ctx context.Context, query models.TaxRateQuery) (*models.TaxRateResponse, error) {
	if err := validateQuery(query); err != nil {
		return nil, err
	}

	cfg := s.Config()
	start := s.now()
	s.recordRequest(cfg)

	if cfg.EnableCache && s.cache != nil {
		if resp := s.cache.Get(query); resp != nil {
			if cfg.EnableMetrics {
				s.stats.cacheLookup(true)
			}
			s.finishLookup(cfg, "cache_hit", start)
			return resp, nil
		}
		if cfg.EnableMetrics {
			s.stats.cacheLookup(false)
		}
	}

	var (
		attempted []string
		lastErr   error
	)
	for i, name := range s.providerOrder(cfg) {
		primary := i == 0
		if !primary && !cfg.EnableFallback {
			break
		}

		p, err := s.registry.Get(name)
		if err != nil {
			s.log.Warn("skipping %s: %v", name, err)
			lastErr = err
			continue
		}
		if !s.IsHealthy(name) {
			s.log.Debug("skipping unhealthy provider %s", name)
			lastErr = fmt.Errorf("%s: %w", name, ErrProviderUnhealthy)
			if primary && !cfg.EnableFallback {
				s.finishLookup(cfg, "failed", start)
				s.recordLastError(cfg, lastErr)
				return nil, lastErr
			}
			continue
		}

		attempted = append(attempted, name)
		resp, err := invoke(ctx, s, name, cfg.RequestTimeout, func(ctx context.Context) (*models.TaxRateResponse, error) {
			return p.GetRates(ctx, query)
		})
		if err == nil {
			if cfg.EnableCache && s.cache != nil {
				s.cache.Set(query, resp)
			}
			outcome := "provider"
			if !primary {
				outcome = "fallback"
				s.log.Info("rates for %s served by fallback %s", resp.Jurisdiction, name)
			}
			s.finishLookup(cfg, outcome, start)
			return resp, nil
		}

		if ctx.Err() != nil {
			s.finishLookup(cfg, "canceled", start)
			return nil, fmt.Errorf("rate lookup for %s: %w", describe(query.Address), ctx.Err())
		}
		lastErr = err
		s.log.Warn("provider %s failed: %v", name, err)
		if primary && !cfg.EnableFallback {
			s.finishLookup(cfg, "failed", start)
			return nil, err
		}
	}

	s.finishLookup(cfg, "failed", start)
	err := oops.
		Code("all_providers_failed").
		With("attempted", attempted).
		With("lastError", errorString(lastErr)).
		Wrapf(ErrAllProvidersFailed, "rate lookup for %s", describe(query.Address))
	s.recordLastError(cfg, err)
	s.log.Error("===> %v", err)
	return nil, err
}

// BatchGetRates runs every query through GetRates with bounded concurrency.
// Per-query failures are reported in the results; only cancellation fails the batch.
func (s *TaxRateService) BatchGetRates(ctx context.Context, queries []models.TaxRateQuery) ([]providers.BatchResult, error) {
	return providers.FanOut(ctx, queries, providers.DefaultBatchConcurrency, s.GetRates)
}

// GetRateHistory asks providers with native history support first, then those
// that emulate it, in primary-then-fallback order
func (s *TaxRateService) GetRateHistory(ctx context.Context, query models.TaxRateQuery, from, to time.Time) ([]models.TaxRate, error) {
	if err := validateQuery(query); err != nil {
		return nil, err
	}
	if to.Before(from) {
		return nil, fmt.Errorf("%w: history range ends before it starts", ErrInvalidQuery)
	}

	cfg := s.Config()
	var native, emulated []providers.Provider
	for _, name := range s.providerOrder(cfg) {
		p, err := s.registry.Get(name)
		if err != nil {
			continue
		}
		if p.GetCapabilities().History {
			native = append(native, p)
		} else {
			emulated = append(emulated, p)
		}
	}

	var (
		attempted []string
		lastErr   error
	)
	for _, p := range append(native, emulated...) {
		name := p.Name()
		if !s.IsHealthy(name) {
			continue
		}
		attempted = append(attempted, name)
		history, err := invoke(ctx, s, name, cfg.RequestTimeout, func(ctx context.Context) ([]models.TaxRate, error) {
			return p.GetRateHistory(ctx, query, from, to)
		})
		if err == nil {
			return history, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("rate history for %s: %w", describe(query.Address), ctx.Err())
		}
		lastErr = err
	}

	err := oops.
		Code("all_providers_failed").
		With("attempted", attempted).
		With("lastError", errorString(lastErr)).
		Wrapf(ErrAllProvidersFailed, "rate history for %s", describe(query.Address))
	s.recordLastError(cfg, err)
	return nil, err
}

// providerOrder is the primary followed by the distinct fallbacks
func (s *TaxRateService) providerOrder(cfg models.ServiceConfig) []string {
	primary := cfg.PrimaryProvider
	if primary == "" {
		if p, err := s.registry.GetActive(); err == nil {
			primary = p.Name()
		}
	}

	order := make([]string, 0, len(cfg.FallbackProviders)+1)
	seen := make(map[string]bool)
	for _, name := range append([]string{primary}, cfg.FallbackProviders...) {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		order = append(order, name)
	}
	return order
}

type result[T any] struct {
	val T
	err error
}

// invoke calls fn under the service-level timeout and records the outcome
// against the provider's health. The call returns as soon as the timeout
// fires, without waiting for fn to observe the cancellation.
func invoke[T any](ctx context.Context, s *TaxRateService, name string, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := s.now()
	done := make(chan result[T], 1)
	go func() {
		val, err := fn(cctx)
		done <- result[T]{val, err}
	}()

	var r result[T]
	select {
	case r = <-done:
	case <-cctx.Done():
		r.err = cctx.Err()
	}
	if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil {
		r.err = fmt.Errorf("%s: %w", name, &httpclient.TimeoutError{Timeout: timeout})
	}

	if ctx.Err() == nil {
		s.recordProviderResult(name, s.now().Sub(start), r.err)
	}
	return r.val, r.err
}

func (s *TaxRateService) recordRequest(cfg models.ServiceConfig) {
	if cfg.EnableMetrics {
		s.stats.request()
	}
}

func (s *TaxRateService) finishLookup(cfg models.ServiceConfig, outcome string, start time.Time) {
	elapsed := s.now().Sub(start)
	metrics.RateLookupsTotal.WithLabelValues(outcome, s.environment).Inc()
	metrics.RateLookupDuration.WithLabelValues(s.environment).Observe(elapsed.Seconds())
	if cfg.EnableMetrics {
		s.stats.finished(outcome != "failed" && outcome != "canceled", elapsed)
	}
}

func (s *TaxRateService) recordLastError(cfg models.ServiceConfig, err error) {
	if cfg.EnableMetrics {
		s.stats.lastError(err, s.now())
	}
}

// GetMetrics returns a copy of the accumulated service metrics
func (s *TaxRateService) GetMetrics() models.ServiceMetrics {
	return s.stats.snapshot(s.now())
}

// GetCacheStats returns the cache statistics, or zero values when no cache is attached
func (s *TaxRateService) GetCacheStats() models.CacheStats {
	if s.cache == nil {
		return models.CacheStats{}
	}
	return s.cache.GetStats()
}

// GetCircuitStates reports the breaker state per outbound origin
func (s *TaxRateService) GetCircuitStates() map[string]models.CircuitState {
	if s.client == nil {
		return map[string]models.CircuitState{}
	}
	return s.client.BreakerStates()
}

// UpdateConfig replaces the service configuration at runtime. Health checks are
// re-armed when the provider selection or check interval changed.
func (s *TaxRateService) UpdateConfig(cfg models.ServiceConfig) error {
	if cfg.PrimaryProvider != "" {
		if _, err := s.registry.Get(cfg.PrimaryProvider); err != nil {
			return fmt.Errorf("primary provider: %w", err)
		}
	}
	for _, name := range cfg.FallbackProviders {
		if _, err := s.registry.Get(name); err != nil {
			return fmt.Errorf("fallback provider: %w", err)
		}
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}

	s.cfgMu.Lock()
	old := s.cfg
	s.cfg = cfg
	s.cfg.FallbackProviders = append([]string(nil), cfg.FallbackProviders...)
	s.cfgMu.Unlock()

	for _, name := range s.registry.Names() {
		s.ensureHealth(name)
	}
	s.pushProviderSettings(cfg)

	if selectionChanged(old, cfg) || old.HealthCheckInterval != cfg.HealthCheckInterval {
		if err := s.armHealthChecks(cfg); err != nil {
			return err
		}
		s.log.Info("provider selection updated: primary=%s fallbacks=%v", cfg.PrimaryProvider, cfg.FallbackProviders)
	}
	return nil
}

func (s *TaxRateService) pushProviderSettings(cfg models.ServiceConfig) {
	for _, p := range s.registry.GetAll() {
		c, ok := p.(providers.Configurable)
		if !ok {
			continue
		}
		c.SetTimeout(cfg.RequestTimeout)
		c.SetMaxRetries(cfg.MaxRetries)
	}
}

func selectionChanged(a, b models.ServiceConfig) bool {
	if a.PrimaryProvider != b.PrimaryProvider || len(a.FallbackProviders) != len(b.FallbackProviders) {
		return true
	}
	for i := range a.FallbackProviders {
		if a.FallbackProviders[i] != b.FallbackProviders[i] {
			return true
		}
	}
	return false
}

// Start arms the health-check and memory-sampling tasks and starts the cache janitor
func (s *TaxRateService) Start(ctx context.Context) error {
	cfg := s.Config()
	if err := s.armHealthChecks(cfg); err != nil {
		return err
	}
	if cfg.MemorySampleInterval > 0 {
		err := s.sched.Add(scheduler.Task{
			Name:     memorySampleTask,
			Interval: cfg.MemorySampleInterval,
			Run:      func(context.Context) { s.stats.sampleMemory() },
		})
		if err != nil {
			return err
		}
	}
	if s.cache != nil {
		if err := s.cache.Start(ctx); err != nil {
			return err
		}
	}
	s.sched.Start(ctx)
	s.log.Info("rate service started with providers %v", s.registry.Names())
	return nil
}

// Stop halts background tasks, drops subscriptions and stops the cache
func (s *TaxRateService) Stop() {
	s.sched.Stop()

	s.subsMu.Lock()
	ids := make([]string, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	s.subsMu.Unlock()
	if len(ids) > 0 {
		if err := s.UnsubscribeFromUpdates(ids); err != nil {
			s.log.Warn("unsubscribe on stop: %v", err)
		}
	}

	if s.cache != nil {
		s.cache.Stop()
	}
	s.log.Info("rate service stopped")
}

// SampleMemory records current heap usage immediately
func (s *TaxRateService) SampleMemory() uint64 {
	return s.stats.sampleMemory()
}

func validateQuery(q models.TaxRateQuery) error {
	a := q.Address
	if strings.TrimSpace(a.State) == "" && strings.TrimSpace(a.PostalCode) == "" {
		return fmt.Errorf("%w: address needs a state or postal code", ErrInvalidQuery)
	}
	return nil
}

func describe(a models.Address) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{a.City, a.State, a.PostalCode} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
