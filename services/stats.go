package services

import (
	"runtime"
	"sync"
	"time"

	"pulsegrade/taxrates/metrics"
	"pulsegrade/taxrates/models"
)

// serviceStats accumulates ServiceMetrics for the life of the process
type serviceStats struct {
	mu           sync.Mutex
	m            models.ServiceMetrics
	totalLatency time.Duration
	samples      int64
	startedAt    time.Time
}

func newServiceStats(now time.Time) *serviceStats {
	return &serviceStats{
		m: models.ServiceMetrics{
			ProviderUsage:  make(map[string]int64),
			ProviderErrors: make(map[string]int64),
		},
		startedAt: now,
	}
}

func (s *serviceStats) request() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m.TotalRequests++
}

func (s *serviceStats) cacheLookup(hit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hit {
		s.m.CacheHits++
	} else {
		s.m.CacheMisses++
	}
}

func (s *serviceStats) finished(success bool, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if success {
		s.m.SuccessfulRequests++
	} else {
		s.m.FailedRequests++
	}
	s.totalLatency += elapsed
	s.samples++
}

func (s *serviceStats) providerResult(name string, err error, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		s.m.ProviderUsage[name]++
		return
	}
	s.m.ProviderErrors[name]++
	s.m.LastError = name + ": " + err.Error()
	s.m.LastErrorAt = at
}

func (s *serviceStats) lastError(err error, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m.LastError = err.Error()
	s.m.LastErrorAt = at
}

// sampleMemory records the current heap allocation
func (s *serviceStats) sampleMemory() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	s.mu.Lock()
	s.m.MemoryUsage = ms.HeapAlloc
	s.mu.Unlock()

	metrics.MemoryUsageBytes.Set(float64(ms.HeapAlloc))
	return ms.HeapAlloc
}

// snapshot returns a copy with derived fields filled in
func (s *serviceStats) snapshot(now time.Time) models.ServiceMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.m
	out.ProviderUsage = make(map[string]int64, len(s.m.ProviderUsage))
	for k, v := range s.m.ProviderUsage {
		out.ProviderUsage[k] = v
	}
	out.ProviderErrors = make(map[string]int64, len(s.m.ProviderErrors))
	for k, v := range s.m.ProviderErrors {
		out.ProviderErrors[k] = v
	}
	if lookups := s.m.CacheHits + s.m.CacheMisses; lookups > 0 {
		out.CacheHitRate = float64(s.m.CacheHits) / float64(lookups)
	}
	if s.samples > 0 {
		out.AverageResponseTime = s.totalLatency / time.Duration(s.samples)
	}
	out.Uptime = now.Sub(s.startedAt)
	return out
}
