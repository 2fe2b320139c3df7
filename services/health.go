package services

import (
	"context"
	"errors"
	"time"

	"pulsegrade/taxrates/metrics"
	"pulsegrade/taxrates/models"
	"pulsegrade/taxrates/providers"
	"pulsegrade/taxrates/scheduler"

	"golang.org/x/sync/errgroup"
)

func (s *TaxRateService) ensureHealth(name string) {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	if _, ok := s.health[name]; ok {
		return
	}
	s.health[name] = &models.ProviderHealth{Name: name, Healthy: true}
	metrics.ProviderHealthy.WithLabelValues(name, s.environment).Set(1)
}

// IsHealthy reports the tracked health of the named provider. Unknown providers count as healthy.
func (s *TaxRateService) IsHealthy(name string) bool {
	s.healthMu.RLock()
	defer s.healthMu.RUnlock()
	h, ok := s.health[name]
	return !ok || h.Healthy
}

// recordProviderResult updates health and usage after a provider call. Operations
// a provider does not offer are neither a success nor a failure.
func (s *TaxRateService) recordProviderResult(name string, elapsed time.Duration, err error) {
	if errors.Is(err, providers.ErrNotSupported) {
		return
	}

	metrics.ProviderRequestsTotal.WithLabelValues(name, metrics.BoolLabel(err == nil), s.environment).Inc()
	metrics.ProviderLatency.WithLabelValues(name, s.environment).Observe(elapsed.Seconds())
	if s.Config().EnableMetrics {
		s.stats.providerResult(name, err, s.now())
	}
	s.markHealth(name, elapsed, err)
}

func (s *TaxRateService) markHealth(name string, elapsed time.Duration, err error) {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()

	h, ok := s.health[name]
	if !ok {
		h = &models.ProviderHealth{Name: name, Healthy: true}
		s.health[name] = h
	}
	h.LastCheck = s.now()
	h.LastResponseTime = elapsed

	wasHealthy := h.Healthy
	if err == nil {
		h.Healthy = true
		h.ConsecutiveFailures = 0
		h.LastError = ""
	} else {
		h.ConsecutiveFailures++
		h.LastError = err.Error()
		if h.ConsecutiveFailures >= unhealthyAfter {
			h.Healthy = false
		}
	}

	if wasHealthy != h.Healthy {
		if h.Healthy {
			s.log.Info("provider %s is healthy again", name)
		} else {
			s.log.Warn("provider %s marked unhealthy after %d consecutive failures", name, h.ConsecutiveFailures)
		}
	}
	gauge := 0.0
	if h.Healthy {
		gauge = 1
	}
	metrics.ProviderHealthy.WithLabelValues(name, s.environment).Set(gauge)
}

// GetProviderHealth returns a copy of every tracked health record
func (s *TaxRateService) GetProviderHealth() map[string]models.ProviderHealth {
	s.healthMu.RLock()
	defer s.healthMu.RUnlock()
	out := make(map[string]models.ProviderHealth, len(s.health))
	for name, h := range s.health {
		out[name] = *h
	}
	return out
}

// CheckProviderHealth calls TestConnection on every registered provider in
// parallel and returns the updated health records
func (s *TaxRateService) CheckProviderHealth(ctx context.Context) map[string]models.ProviderHealth {
	timeout := s.Config().RequestTimeout

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range s.registry.GetAll() {
		g.Go(func() error {
			s.ensureHealth(p.Name())
			_, err := invoke(gctx, s, p.Name(), timeout, func(ctx context.Context) (struct{}, error) {
				return struct{}{}, p.TestConnection(ctx)
			})
			if err != nil {
				s.log.Debug("health check for %s failed: %v", p.Name(), err)
			}
			return nil
		})
	}
	g.Wait()

	return s.GetProviderHealth()
}

// armHealthChecks (re)registers the periodic health sweep
func (s *TaxRateService) armHealthChecks(cfg models.ServiceConfig) error {
	if cfg.HealthCheckInterval <= 0 {
		s.sched.Remove(healthCheckTask)
		return nil
	}
	return s.sched.Add(scheduler.Task{
		Name:     healthCheckTask,
		Interval: cfg.HealthCheckInterval,
		Run:      func(ctx context.Context) { s.CheckProviderHealth(ctx) },
	})
}
