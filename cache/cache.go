// Package cache holds prior rate responses keyed by normalized query, with
// confidence-adaptive TTLs, pluggable eviction and optional snapshot persistence.
package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"pulsegrade/taxrates/logger"
	"pulsegrade/taxrates/metrics"
	"pulsegrade/taxrates/models"
	"pulsegrade/taxrates/scheduler"

	"golang.org/x/sync/errgroup"
)

// ErrPersistenceDisabled is returned by Persist and Restore when no store is attached
var ErrPersistenceDisabled = errors.New("cache persistence is disabled")

const (
	highConfidence = 0.95
	lowConfidence  = 0.8
	janitorTask    = "janitor"
	preloadLimit   = 4
)

// SnapshotStore persists opaque snapshots; storage.SQLiteStore satisfies it
type SnapshotStore interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, payload []byte) error
}

// Option configures a RateCache
type Option func(*RateCache)

// WithStore enables snapshot persistence through store
func WithStore(store SnapshotStore) Option {
	return func(c *RateCache) { c.store = store }
}

// RateCache is safe for concurrent use. Reads take the write lock because hits
// update access bookkeeping.
type RateCache struct {
	mu      sync.Mutex
	entries map[string]*models.CacheEntry
	cfg     models.CacheConfig
	policy  EvictionPolicy
	now     func() time.Time

	hits, misses                          int64
	evictions, expirations, invalidations int64
	inserts                               int

	store SnapshotStore
	sched *scheduler.Scheduler
	log   *logger.Logger
}

// New creates an empty cache
func New(cfg models.CacheConfig, opts ...Option) *RateCache {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10000
	}
	if cfg.BaseTTL <= 0 {
		cfg.BaseTTL = time.Hour
	}
	if cfg.MaxTTL < cfg.BaseTTL {
		cfg.MaxTTL = cfg.BaseTTL
	}
	if cfg.MinTTL <= 0 {
		cfg.MinTTL = 5 * time.Minute
	}

	c := &RateCache{
		entries: make(map[string]*models.CacheEntry),
		cfg:     cfg,
		policy:  ParsePolicy(cfg.EvictionPolicy),
		now:     time.Now,
		sched:   scheduler.New("cache"),
		log:     logger.Named("cache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetNowFunc replaces the clock used for TTL and access bookkeeping
func (c *RateCache) SetNowFunc(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// SetConfidenceThreshold changes the read-time gate. Entries keep the confidence
// they were written with; the new threshold applies from the next read.
func (c *RateCache) SetConfidenceThreshold(threshold float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.ConfidenceThreshold = threshold
}

// Get returns a copy of the cached response with Cached set, or nil on a miss.
// Entries past their TTL are removed; entries below the confidence threshold are
// left in place but not served.
func (c *RateCache) Get(q models.TaxRateQuery) *models.TaxRateResponse {
	key := Key(q)

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	entry, ok := c.entries[key]
	if !ok {
		c.misses++
		metrics.CacheLookupsTotal.WithLabelValues("miss").Inc()
		return nil
	}
	if !entry.ValidAt(now, c.cfg.ConfidenceThreshold) {
		c.misses++
		if now.Sub(entry.InsertedAt) > entry.TTL {
			delete(c.entries, key)
			c.expirations++
			metrics.CacheEntries.Set(float64(len(c.entries)))
			metrics.CacheLookupsTotal.WithLabelValues("expired").Inc()
		} else {
			metrics.CacheLookupsTotal.WithLabelValues("miss").Inc()
		}
		return nil
	}

	entry.AccessCount++
	entry.LastAccess = now
	c.hits++
	metrics.CacheLookupsTotal.WithLabelValues("hit").Inc()

	resp := entry.Response.Clone()
	resp.Cached = true
	return resp
}

// Set stores resp under q's key, evicting per policy if the cache is full
func (c *RateCache) Set(q models.TaxRateQuery, resp *models.TaxRateResponse) {
	if resp == nil {
		return
	}
	key := Key(q)
	stored := resp.Clone()
	stored.Cached = false

	c.mu.Lock()
	now := c.now()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.cfg.MaxSize {
		c.evictLocked(len(c.entries) - c.cfg.MaxSize + 1)
	}
	c.entries[key] = &models.CacheEntry{
		Response:   stored,
		InsertedAt: now,
		TTL:        c.ttlForLocked(stored),
		LastAccess: now,
		Source:     stored.Source,
		Confidence: stored.Confidence,
	}
	c.inserts++
	snapshotDue := c.store != nil && c.cfg.PersistEvery > 0 && c.inserts%c.cfg.PersistEvery == 0
	metrics.CacheEntries.Set(float64(len(c.entries)))
	c.mu.Unlock()

	if snapshotDue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.Persist(ctx); err != nil {
			c.log.Warn("periodic snapshot failed: %v", err)
		}
	}
}

// TTLFor returns the TTL a response would be stored with
func (c *RateCache) TTLFor(resp *models.TaxRateResponse) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ttlForLocked(resp)
}

func (c *RateCache) ttlForLocked(resp *models.TaxRateResponse) time.Duration {
	ttl := c.cfg.BaseTTL
	switch {
	case resp.Confidence > highConfidence:
		ttl = min(ttl*2, c.cfg.MaxTTL)
	case resp.Confidence < lowConfidence:
		ttl = max(ttl/2, c.cfg.MinTTL)
	}
	if m, ok := c.cfg.ProviderMultipliers[strings.ToLower(resp.Source)]; ok && m > 0 {
		ttl = min(time.Duration(float64(ttl)*m), c.cfg.MaxTTL)
	}
	return ttl
}

// evictLocked removes n entries in policy order
func (c *RateCache) evictLocked(n int) {
	for _, key := range c.policy.victims(c.entries, n) {
		delete(c.entries, key)
		c.evictions++
		metrics.CacheEvictionsTotal.WithLabelValues(string(c.policy)).Inc()
	}
}

// Invalidate removes the entry for q, reporting whether one existed
func (c *RateCache) Invalidate(q models.TaxRateQuery) bool {
	key := Key(q)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		return false
	}
	delete(c.entries, key)
	c.invalidations++
	metrics.CacheEntries.Set(float64(len(c.entries)))
	return true
}

// InvalidateByJurisdiction removes entries whose key, jurisdiction label or any
// rate component name starts with prefix (case-insensitive). It returns the count removed.
func (c *RateCache) InvalidateByJurisdiction(prefix string) int {
	p := normalize(prefix)
	if p == "" {
		return 0
	}
	return c.removeWhere(func(key string, e *models.CacheEntry) bool {
		if strings.HasPrefix(key, p) || strings.HasPrefix(normalize(e.Response.Jurisdiction), p) {
			return true
		}
		for _, r := range e.Response.Rates {
			if strings.HasPrefix(normalize(r.Jurisdiction), p) {
				return true
			}
		}
		return false
	})
}

// InvalidateBySource removes every entry produced by provider
func (c *RateCache) InvalidateBySource(provider string) int {
	return c.removeWhere(func(_ string, e *models.CacheEntry) bool {
		return strings.EqualFold(e.Source, provider)
	})
}

func (c *RateCache) removeWhere(match func(key string, e *models.CacheEntry) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, e := range c.entries {
		if match(key, e) {
			delete(c.entries, key)
			removed++
		}
	}
	c.invalidations += int64(removed)
	metrics.CacheEntries.Set(float64(len(c.entries)))
	return removed
}

// Clear drops every entry; counters are kept
func (c *RateCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidations += int64(len(c.entries))
	c.entries = make(map[string]*models.CacheEntry)
	metrics.CacheEntries.Set(0)
}

// Len returns the number of resident entries, valid or not
func (c *RateCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Cleanup removes entries past their TTL and returns how many were removed
func (c *RateCache) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for key, e := range c.entries {
		if now.Sub(e.InsertedAt) > e.TTL {
			delete(c.entries, key)
			removed++
		}
	}
	c.expirations += int64(removed)
	metrics.CacheEntries.Set(float64(len(c.entries)))
	return removed
}

// GetStats returns a point-in-time view of the cache
func (c *RateCache) GetStats() models.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := models.CacheStats{
		Size:           len(c.entries),
		MaxSize:        c.cfg.MaxSize,
		Hits:           c.hits,
		Misses:         c.misses,
		Evictions:      c.evictions,
		Expirations:    c.expirations,
		Invalidations:  c.invalidations,
		EvictionPolicy: string(c.policy),
		BySource:       make(map[string]int),
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	for _, e := range c.entries {
		stats.BySource[e.Source]++
		if stats.OldestEntry.IsZero() || e.InsertedAt.Before(stats.OldestEntry) {
			stats.OldestEntry = e.InsertedAt
		}
		if e.InsertedAt.After(stats.NewestEntry) {
			stats.NewestEntry = e.InsertedAt
		}
	}
	return stats
}

// FetchFunc resolves a query for Preload
type FetchFunc func(ctx context.Context, q models.TaxRateQuery) (*models.TaxRateResponse, error)

// Preload fetches and stores every query that has no valid entry. It returns the
// number of entries loaded and the joined fetch errors, if any.
func (c *RateCache) Preload(ctx context.Context, queries []models.TaxRateQuery, fetch FetchFunc) (int, error) {
	var (
		mu     sync.Mutex
		loaded int
		errs   []error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(preloadLimit)
	for _, q := range queries {
		if c.valid(q) {
			continue
		}
		g.Go(func() error {
			resp, err := fetch(gctx, q)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return nil
			}
			c.Set(q, resp)
			loaded++
			return nil
		})
	}
	_ = g.Wait()

	c.log.Debug("preloaded %d of %d queries", loaded, len(queries))
	return loaded, errors.Join(errs...)
}

// valid checks for a servable entry without touching hit/miss counters
func (c *RateCache) valid(q models.TaxRateQuery) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[Key(q)]
	return ok && e.ValidAt(c.now(), c.cfg.ConfidenceThreshold)
}

// Start runs the janitor every CleanupInterval until Stop
func (c *RateCache) Start(ctx context.Context) error {
	if c.cfg.CleanupInterval > 0 {
		err := c.sched.Add(scheduler.Task{
			Name:     janitorTask,
			Interval: c.cfg.CleanupInterval,
			Run: func(context.Context) {
				if n := c.Cleanup(); n > 0 {
					c.log.Debug("janitor removed %d expired entries", n)
				}
			},
		})
		if err != nil {
			return err
		}
	}
	c.sched.Start(ctx)
	return nil
}

// Stop halts the janitor and writes a final snapshot when persistence is on
func (c *RateCache) Stop() {
	c.sched.Stop()
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Persist(ctx); err != nil {
		c.log.Warn("final snapshot failed: %v", err)
	}
}
