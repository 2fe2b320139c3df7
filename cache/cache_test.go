package cache

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pulsegrade/taxrates/models"
	"pulsegrade/taxrates/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func testConfig() models.CacheConfig {
	return models.CacheConfig{
		MaxSize:             100,
		BaseTTL:             time.Hour,
		MaxTTL:              24 * time.Hour,
		MinTTL:              5 * time.Minute,
		ConfidenceThreshold: 0.7,
		EvictionPolicy:      "lru",
		ProviderMultipliers: map[string]float64{"avalara": 1.5},
	}
}

func newTestCache(cfg models.CacheConfig, opts ...Option) (*RateCache, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	c := New(cfg, opts...)
	c.SetNowFunc(clock.now)
	return c, clock
}

func query(city, state string) models.TaxRateQuery {
	return models.TaxRateQuery{Address: models.Address{Line1: "1 Main St", City: city, State: state, PostalCode: "78701"}}
}

func response(source string, confidence float64) *models.TaxRateResponse {
	rates := []models.TaxRate{
		{Jurisdiction: "TEXAS", JurisdictionType: models.JurisdictionState, Rate: 6.25, Source: source},
		{Jurisdiction: "AUSTIN", JurisdictionType: models.JurisdictionCity, Rate: 2, Source: source},
	}
	return models.NewTaxRateResponse(rates, "austin, tx", source, confidence)
}

func TestKeyNormalization(t *testing.T) {
	a := models.TaxRateQuery{Address: models.Address{Line1: "1  Main St ", City: "Austin", State: "TX", PostalCode: "78701"}}
	b := models.TaxRateQuery{Address: models.Address{Line1: "1 main st", City: " austin", State: "tx", PostalCode: "78701", Country: "us"}}
	assert.Equal(t, Key(a), Key(b))

	c := b
	c.ProductCategory = "clothing"
	assert.NotEqual(t, Key(b), Key(c))

	d := b
	d.TransactionDate = time.Date(2025, 1, 2, 15, 0, 0, 0, time.UTC)
	assert.Contains(t, Key(d), "2025-01-02")
}

func TestSetThenGet(t *testing.T) {
	c, _ := newTestCache(testConfig())
	q := query("austin", "tx")
	original := response("internal", 0.85)

	assert.Nil(t, c.Get(q))
	c.Set(q, original)

	got := c.Get(q)
	require.NotNil(t, got)
	assert.True(t, got.Cached)

	expected := original.Clone()
	expected.Cached = true
	assert.Equal(t, expected, got)

	// callers cannot mutate the stored copy
	got.Rates[0].Rate = 99
	again := c.Get(q)
	assert.Equal(t, 6.25, again.Rates[0].Rate)
	assert.False(t, original.Cached)
}

func TestTTLExpiry(t *testing.T) {
	c, clock := newTestCache(testConfig())
	q := query("austin", "tx")
	c.Set(q, response("internal", 0.85))

	clock.advance(59 * time.Minute)
	assert.NotNil(t, c.Get(q))

	clock.advance(2 * time.Minute)
	assert.Nil(t, c.Get(q))
	assert.Equal(t, 0, c.Len(), "expired entry is dropped on read")
	assert.Equal(t, int64(1), c.GetStats().Expirations)
}

func TestConfidenceThresholdGate(t *testing.T) {
	cfg := testConfig()
	c, _ := newTestCache(cfg)
	q := query("austin", "tx")

	c.Set(q, response("internal", 0.6))
	assert.Nil(t, c.Get(q), "below threshold is a miss")
	assert.Equal(t, 1, c.Len(), "but stays resident")

	c.SetConfidenceThreshold(0.5)
	assert.NotNil(t, c.Get(q))
}

func TestTTLFor(t *testing.T) {
	c, _ := newTestCache(testConfig())

	tests := []struct {
		name       string
		source     string
		confidence float64
		want       time.Duration
	}{
		{"base", "internal", 0.85, time.Hour},
		{"high confidence doubles", "internal", 0.99, 2 * time.Hour},
		{"low confidence halves", "internal", 0.5, 30 * time.Minute},
		{"provider multiplier", "avalara", 0.85, 90 * time.Minute},
		{"multiplier stacks with high confidence", "Avalara", 0.98, 3 * time.Hour},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, c.TTLFor(response(tc.source, tc.confidence)))
		})
	}

	cfg := testConfig()
	cfg.BaseTTL = 8 * time.Minute
	cfg.MaxTTL = 10 * time.Minute
	bounded, _ := newTestCache(cfg)
	assert.Equal(t, 5*time.Minute, bounded.TTLFor(response("internal", 0.1)), "floored at min TTL")
	assert.Equal(t, 10*time.Minute, bounded.TTLFor(response("internal", 0.99)), "capped at max TTL")
	assert.Equal(t, 10*time.Minute, bounded.TTLFor(response("avalara", 0.99)), "multiplier still capped")
}

func TestLRUEviction(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSize = 3
	c, clock := newTestCache(cfg)

	for i := 0; i < 3; i++ {
		c.Set(query(fmt.Sprintf("city%d", i), "tx"), response("internal", 0.85))
		clock.advance(time.Second)
	}
	// touch city0 so city1 becomes least recently used
	require.NotNil(t, c.Get(query("city0", "tx")))
	clock.advance(time.Second)

	for i := 3; i < 5; i++ {
		c.Set(query(fmt.Sprintf("city%d", i), "tx"), response("internal", 0.85))
		clock.advance(time.Second)
		assert.LessOrEqual(t, c.Len(), 3)
	}

	assert.NotNil(t, c.Get(query("city0", "tx")))
	assert.Nil(t, c.Get(query("city1", "tx")))
	assert.Nil(t, c.Get(query("city2", "tx")))
	assert.NotNil(t, c.Get(query("city3", "tx")))
	assert.NotNil(t, c.Get(query("city4", "tx")))
	assert.Equal(t, int64(2), c.GetStats().Evictions)
}

func TestLFUAndFIFOEviction(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSize = 2

	cfg.EvictionPolicy = "lfu"
	lfu, clock := newTestCache(cfg)
	lfu.Set(query("a", "tx"), response("internal", 0.85))
	clock.advance(time.Second)
	lfu.Set(query("b", "tx"), response("internal", 0.85))
	lfu.Get(query("a", "tx"))
	lfu.Get(query("a", "tx"))
	lfu.Get(query("b", "tx"))
	lfu.Set(query("c", "tx"), response("internal", 0.85))
	assert.NotNil(t, lfu.Get(query("a", "tx")))
	assert.Nil(t, lfu.Get(query("b", "tx")))

	cfg.EvictionPolicy = "fifo"
	fifo, clock := newTestCache(cfg)
	fifo.Set(query("a", "tx"), response("internal", 0.85))
	clock.advance(time.Second)
	fifo.Set(query("b", "tx"), response("internal", 0.85))
	fifo.Get(query("a", "tx"))
	clock.advance(time.Second)
	fifo.Set(query("c", "tx"), response("internal", 0.85))
	assert.Nil(t, fifo.Get(query("a", "tx")), "oldest insert goes first even if recently read")
	assert.NotNil(t, fifo.Get(query("b", "tx")))
	assert.Equal(t, "fifo", fifo.GetStats().EvictionPolicy)
}

func TestReplacingKeyDoesNotEvict(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSize = 1
	c, _ := newTestCache(cfg)
	q := query("a", "tx")
	c.Set(q, response("internal", 0.85))
	c.Set(q, response("avalara", 0.98))
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, int64(0), c.GetStats().Evictions)
	assert.Equal(t, "avalara", c.Get(q).Source)
}

func TestInvalidation(t *testing.T) {
	c, _ := newTestCache(testConfig())
	austin := query("austin", "tx")
	dallas := query("dallas", "tx")
	la := query("los angeles", "ca")

	c.Set(austin, response("avalara", 0.98))
	c.Set(dallas, response("internal", 0.85))
	laResp := models.NewTaxRateResponse([]models.TaxRate{
		{Jurisdiction: "CALIFORNIA", JurisdictionType: models.JurisdictionState, Rate: 7.25},
	}, "los angeles, ca", "internal", 0.85)
	c.Set(la, laResp)

	assert.True(t, c.Invalidate(dallas))
	assert.False(t, c.Invalidate(dallas))

	assert.Equal(t, 1, c.InvalidateByJurisdiction("California"), "matches rate component names")
	assert.Nil(t, c.Get(la))

	c.Set(dallas, response("internal", 0.85))
	assert.Equal(t, 1, c.InvalidateBySource("AVALARA"))
	assert.Nil(t, c.Get(austin))
	assert.NotNil(t, c.Get(dallas))

	assert.Equal(t, 1, c.InvalidateByJurisdiction("US|TX"), "matches key prefix")
	assert.Equal(t, 0, c.InvalidateByJurisdiction(""))

	c.Set(austin, response("avalara", 0.98))
	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(5), c.GetStats().Invalidations)
}

func TestCleanup(t *testing.T) {
	c, clock := newTestCache(testConfig())
	c.Set(query("short", "tx"), response("internal", 0.5)) // 30m
	c.Set(query("long", "tx"), response("internal", 0.99)) // 2h

	clock.advance(45 * time.Minute)
	assert.Equal(t, 1, c.Cleanup())
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, int64(1), c.GetStats().Expirations)
}

func TestStats(t *testing.T) {
	c, clock := newTestCache(testConfig())
	c.Set(query("a", "tx"), response("avalara", 0.98))
	first := clock.t
	clock.advance(time.Minute)
	c.Set(query("b", "tx"), response("internal", 0.85))

	c.Get(query("a", "tx"))
	c.Get(query("zzz", "tx"))

	stats := c.GetStats()
	assert.Equal(t, 2, stats.Size)
	assert.Equal(t, 100, stats.MaxSize)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 0.5, stats.HitRate)
	assert.Equal(t, map[string]int{"avalara": 1, "internal": 1}, stats.BySource)
	assert.Equal(t, first, stats.OldestEntry)
	assert.Equal(t, clock.t, stats.NewestEntry)
}

func TestPreload(t *testing.T) {
	c, _ := newTestCache(testConfig())
	cached := query("austin", "tx")
	c.Set(cached, response("internal", 0.85))

	var (
		mu      sync.Mutex
		fetched []string
	)
	fetch := func(ctx context.Context, q models.TaxRateQuery) (*models.TaxRateResponse, error) {
		if q.Address.City == "broken" {
			return nil, errors.New("no rates")
		}
		return response("internal", 0.85), nil
	}
	loaded, err := c.Preload(context.Background(), []models.TaxRateQuery{cached, query("dallas", "tx"), query("broken", "tx")},
		func(ctx context.Context, q models.TaxRateQuery) (*models.TaxRateResponse, error) {
			mu.Lock()
			fetched = append(fetched, q.Address.City)
			mu.Unlock()
			return fetch(ctx, q)
		})

	assert.Error(t, err)
	assert.Equal(t, 1, loaded)
	assert.NotContains(t, fetched, "austin")
	assert.NotNil(t, c.Get(query("dallas", "tx")))
}

func TestPersistAndRestore(t *testing.T) {
	store, err := storage.NewSQLiteStore(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	c, clock := newTestCache(testConfig(), WithStore(store))
	c.Set(query("short", "tx"), response("internal", 0.5)) // 30m
	c.Set(query("long", "tx"), response("internal", 0.99)) // 2h
	require.NoError(t, c.Persist(ctx))

	restoredCache, restoredClock := newTestCache(testConfig(), WithStore(store))
	restoredClock.t = clock.t.Add(time.Hour)

	n, err := restoredCache.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "entries past their TTL are dropped on reload")

	got := restoredCache.Get(query("long", "tx"))
	require.NotNil(t, got)
	assert.Equal(t, 8.25, got.TotalRate)
	assert.Nil(t, restoredCache.Get(query("short", "tx")))
}

func TestRestoreWithoutSnapshot(t *testing.T) {
	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	c, _ := newTestCache(testConfig(), WithStore(store))
	n, err := c.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

type countingStore struct {
	saves int
	data  []byte
}

func (s *countingStore) Load(ctx context.Context, key string) ([]byte, error) {
	if s.data == nil {
		return nil, storage.ErrNotFound
	}
	return s.data, nil
}

func (s *countingStore) Save(ctx context.Context, key string, payload []byte) error {
	s.saves++
	s.data = payload
	return nil
}

func TestPeriodicSnapshot(t *testing.T) {
	cfg := testConfig()
	cfg.PersistEvery = 3
	store := &countingStore{}
	c, _ := newTestCache(cfg, WithStore(store))

	for i := 0; i < 7; i++ {
		c.Set(query(fmt.Sprintf("city%d", i), "tx"), response("internal", 0.85))
	}
	assert.Equal(t, 2, store.saves)

	c.Stop()
	assert.Equal(t, 3, store.saves, "stop writes a final snapshot")
}

func TestPersistenceDisabled(t *testing.T) {
	c, _ := newTestCache(testConfig())
	assert.ErrorIs(t, c.Persist(context.Background()), ErrPersistenceDisabled)
	_, err := c.Restore(context.Background())
	assert.ErrorIs(t, err, ErrPersistenceDisabled)
}

func TestJanitorTask(t *testing.T) {
	cfg := testConfig()
	cfg.CleanupInterval = time.Hour
	c, clock := newTestCache(cfg)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	c.Set(query("a", "tx"), response("internal", 0.85))
	clock.advance(2 * time.Hour)

	require.NoError(t, c.sched.RunNow(context.Background(), janitorTask))
	assert.Equal(t, 0, c.Len())
}

func TestParsePolicy(t *testing.T) {
	assert.Equal(t, PolicyLFU, ParsePolicy("LFU"))
	assert.Equal(t, PolicyFIFO, ParsePolicy(" fifo "))
	assert.Equal(t, PolicyLRU, ParsePolicy("random"))
}
