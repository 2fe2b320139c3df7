package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pulsegrade/taxrates/cache"
	"pulsegrade/taxrates/httpclient"
	"pulsegrade/taxrates/models"
	"pulsegrade/taxrates/providers"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

type fakeProvider struct {
	name     string
	rates    func(ctx context.Context, q models.TaxRateQuery) (*models.TaxRateResponse, error)
	validate func(a models.Address) (*models.AddressValidationResult, error)
	history  func(q models.TaxRateQuery, from, to time.Time) ([]models.TaxRate, error)
	connErr  error
	caps     models.ProviderCapabilities

	rateCalls     atomic.Int32
	validateCalls atomic.Int32

	mu      sync.Mutex
	subs    map[string]providers.UpdateCallback
	nextSub int
	timeout time.Duration
	retries int
}

func newFake(name string) *fakeProvider {
	f := &fakeProvider{name: name, subs: make(map[string]providers.UpdateCallback)}
	f.rates = func(context.Context, models.TaxRateQuery) (*models.TaxRateResponse, error) {
		return austinResponse(name), nil
	}
	return f
}

func failing(name string) *fakeProvider {
	f := newFake(name)
	f.rates = func(context.Context, models.TaxRateQuery) (*models.TaxRateResponse, error) {
		return nil, errBoom
	}
	f.connErr = errBoom
	return f
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) GetRates(ctx context.Context, q models.TaxRateQuery) (*models.TaxRateResponse, error) {
	f.rateCalls.Add(1)
	return f.rates(ctx, q)
}

func (f *fakeProvider) ValidateAddress(ctx context.Context, a models.Address) (*models.AddressValidationResult, error) {
	f.validateCalls.Add(1)
	if f.validate == nil {
		return nil, errBoom
	}
	return f.validate(a)
}

func (f *fakeProvider) GetRateHistory(ctx context.Context, q models.TaxRateQuery, from, to time.Time) ([]models.TaxRate, error) {
	if f.history == nil {
		return nil, fmt.Errorf("%s history: %w", f.name, providers.ErrNotSupported)
	}
	return f.history(q, from, to)
}

func (f *fakeProvider) SubscribeToUpdates(ctx context.Context, qs []models.TaxRateQuery, cb providers.UpdateCallback) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSub++
	id := "sub-" + strconv.Itoa(f.nextSub)
	f.subs[id] = cb
	return id, nil
}

func (f *fakeProvider) UnsubscribeFromUpdates(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[id]; !ok {
		return fmt.Errorf("unknown subscription %s", id)
	}
	delete(f.subs, id)
	return nil
}

func (f *fakeProvider) emit(u models.TaxRateUpdate) {
	f.mu.Lock()
	var cbs []providers.UpdateCallback
	for _, cb := range f.subs {
		cbs = append(cbs, cb)
	}
	f.mu.Unlock()
	for _, cb := range cbs {
		cb(u)
	}
}

func (f *fakeProvider) TestConnection(ctx context.Context) error     { return f.connErr }
func (f *fakeProvider) GetCapabilities() models.ProviderCapabilities { return f.caps }

func (f *fakeProvider) GetConfig() models.ProviderConfig {
	return models.ProviderConfig{Name: f.name, Timeout: f.timeout, MaxRetries: f.retries}
}

func (f *fakeProvider) SetTimeout(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timeout = d
}

func (f *fakeProvider) SetMaxRetries(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retries = n
}

func austinResponse(source string) *models.TaxRateResponse {
	rates := []models.TaxRate{
		{Jurisdiction: "TEXAS", JurisdictionType: models.JurisdictionState, Rate: 6.25, Active: true, Source: source, Confidence: 0.98},
		{Jurisdiction: "AUSTIN", JurisdictionType: models.JurisdictionCity, Rate: 2, Active: true, Source: source, Confidence: 0.98},
	}
	return models.NewTaxRateResponse(rates, "austin, tx", source, 0.98)
}

func austinQuery() models.TaxRateQuery {
	return models.TaxRateQuery{
		Address: models.Address{Line1: "1 Main St", City: "austin", State: "tx", PostalCode: "78701"},
	}
}

func serviceConfig(primary string, fallbacks ...string) models.ServiceConfig {
	return models.ServiceConfig{
		PrimaryProvider:   primary,
		FallbackProviders: fallbacks,
		EnableCache:       true,
		EnableFallback:    true,
		EnableMetrics:     true,
		MaxRetries:        2,
		RequestTimeout:    time.Second,
	}
}

func testCache() *cache.RateCache {
	return cache.New(models.CacheConfig{
		MaxSize:             100,
		BaseTTL:             time.Hour,
		MaxTTL:              24 * time.Hour,
		MinTTL:              5 * time.Minute,
		ConfidenceThreshold: 0.5,
		EvictionPolicy:      "lru",
	})
}

func newTestService(t *testing.T, cfg models.ServiceConfig, rateCache *cache.RateCache, ps ...providers.Provider) *TaxRateService {
	t.Helper()
	registry := providers.NewRegistry()
	for _, p := range ps {
		require.NoError(t, registry.Register(p))
	}
	s := NewTaxRateService(registry, rateCache, cfg, WithEnvironment("test"))
	t.Cleanup(s.Stop)
	return s
}

func TestGetRatesAustinIsCached(t *testing.T) {
	primary := newFake("avalara")
	s := newTestService(t, serviceConfig("avalara"), testCache(), primary)

	resp, err := s.GetRates(context.Background(), austinQuery())
	require.NoError(t, err)
	assert.Equal(t, 8.25, resp.TotalRate)
	assert.Equal(t, 6.25, resp.Breakdown.State)
	assert.Equal(t, 2.0, resp.Breakdown.City)
	assert.Equal(t, "austin, tx", resp.Jurisdiction)
	assert.False(t, resp.Cached)

	q := austinQuery()
	q.Address.City = "  AUSTIN "
	resp, err = s.GetRates(context.Background(), q)
	require.NoError(t, err)
	assert.True(t, resp.Cached)
	assert.Equal(t, 8.25, resp.TotalRate)
	assert.Equal(t, int32(1), primary.rateCalls.Load())

	m := s.GetMetrics()
	assert.Equal(t, int64(2), m.TotalRequests)
	assert.Equal(t, int64(2), m.SuccessfulRequests)
	assert.Equal(t, int64(1), m.CacheHits)
	assert.Equal(t, int64(1), m.CacheMisses)
	assert.Equal(t, 0.5, m.CacheHitRate)
	assert.Equal(t, int64(1), m.ProviderUsage["avalara"])
	assert.Equal(t, 1, s.GetCacheStats().Size)
}

func TestGetRatesCacheDisabled(t *testing.T) {
	primary := newFake("avalara")
	cfg := serviceConfig("avalara")
	cfg.EnableCache = false
	s := newTestService(t, cfg, testCache(), primary)

	for i := 0; i < 2; i++ {
		resp, err := s.GetRates(context.Background(), austinQuery())
		require.NoError(t, err)
		assert.False(t, resp.Cached)
	}
	assert.Equal(t, int32(2), primary.rateCalls.Load())
	assert.Equal(t, 0, s.GetCacheStats().Size)
}

func TestFallbackOrder(t *testing.T) {
	primary := failing("avalara")
	first := newFake("internal")
	second := newFake("backup")
	s := newTestService(t, serviceConfig("avalara", "internal", "backup"), testCache(), primary, first, second)

	resp, err := s.GetRates(context.Background(), austinQuery())
	require.NoError(t, err)
	assert.Equal(t, "internal", resp.Source)
	assert.Equal(t, int32(1), primary.rateCalls.Load())
	assert.Equal(t, int32(0), second.rateCalls.Load())

	m := s.GetMetrics()
	assert.Equal(t, int64(1), m.ProviderErrors["avalara"])
	assert.Equal(t, int64(1), m.ProviderUsage["internal"])
	assert.Contains(t, m.LastError, "boom")
}

func TestFallbackSkipsUnhealthy(t *testing.T) {
	primary := failing("avalara")
	first := failing("internal")
	second := newFake("backup")
	cfg := serviceConfig("avalara", "internal", "backup")
	cfg.EnableCache = false
	s := newTestService(t, cfg, nil, primary, first, second)

	for i := 0; i < unhealthyAfter; i++ {
		resp, err := s.GetRates(context.Background(), austinQuery())
		require.NoError(t, err)
		assert.Equal(t, "backup", resp.Source)
	}
	assert.False(t, s.IsHealthy("avalara"))
	assert.False(t, s.IsHealthy("internal"))

	_, err := s.GetRates(context.Background(), austinQuery())
	require.NoError(t, err)
	assert.Equal(t, int32(unhealthyAfter), primary.rateCalls.Load())
	assert.Equal(t, int32(unhealthyAfter), first.rateCalls.Load())
	assert.Equal(t, int32(unhealthyAfter+1), second.rateCalls.Load())
}

func TestAllProvidersFailed(t *testing.T) {
	s := newTestService(t, serviceConfig("avalara", "internal"), testCache(), failing("avalara"), failing("internal"))

	_, err := s.GetRates(context.Background(), austinQuery())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllProvidersFailed)
	assert.Equal(t, "all_providers_failed", providers.ErrorCode(err))
	assert.Equal(t, []string{"avalara", "internal"}, providers.ErrorContext(err)["attempted"])

	m := s.GetMetrics()
	assert.Equal(t, int64(1), m.FailedRequests)
	assert.Contains(t, m.LastError, ErrAllProvidersFailed.Error())
	assert.False(t, m.LastErrorAt.IsZero())
}

func TestFallbackDisabledPropagatesPrimaryError(t *testing.T) {
	internal := newFake("internal")
	cfg := serviceConfig("avalara", "internal")
	cfg.EnableFallback = false
	s := newTestService(t, cfg, testCache(), failing("avalara"), internal)

	_, err := s.GetRates(context.Background(), austinQuery())
	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)
	assert.NotErrorIs(t, err, ErrAllProvidersFailed)
	assert.Equal(t, int32(0), internal.rateCalls.Load())

	for i := 1; i < unhealthyAfter; i++ {
		s.GetRates(context.Background(), austinQuery())
	}
	_, err = s.GetRates(context.Background(), austinQuery())
	assert.ErrorIs(t, err, ErrProviderUnhealthy)
}

func TestServiceLevelTimeout(t *testing.T) {
	slow := newFake("avalara")
	release := make(chan struct{})
	defer close(release)
	slow.rates = func(ctx context.Context, q models.TaxRateQuery) (*models.TaxRateResponse, error) {
		<-release
		return austinResponse("avalara"), nil
	}
	cfg := serviceConfig("avalara")
	cfg.EnableFallback = false
	cfg.RequestTimeout = 20 * time.Millisecond
	s := newTestService(t, cfg, testCache(), slow)

	start := time.Now()
	_, err := s.GetRates(context.Background(), austinQuery())
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)

	var te *httpclient.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 20*time.Millisecond, te.Timeout)
	assert.Equal(t, 1, s.GetProviderHealth()["avalara"].ConsecutiveFailures)
}

func TestCallerCancellationDoesNotHurtHealth(t *testing.T) {
	primary := newFake("avalara")
	primary.rates = func(ctx context.Context, q models.TaxRateQuery) (*models.TaxRateResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	internal := newFake("internal")
	s := newTestService(t, serviceConfig("avalara", "internal"), testCache(), primary, internal)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.GetRates(ctx, austinQuery())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrAllProvidersFailed)
	assert.Equal(t, int32(0), internal.rateCalls.Load())
	assert.Equal(t, 0, s.GetProviderHealth()["avalara"].ConsecutiveFailures)

	m := s.GetMetrics()
	assert.Empty(t, m.LastError)
	assert.Equal(t, int64(1), m.FailedRequests)

	_, err = s.GetRateHistory(ctx, austinQuery(), time.Now().AddDate(0, -1, 0), time.Now())
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrAllProvidersFailed)
	assert.Empty(t, s.GetMetrics().LastError)
}

func TestInvalidQuery(t *testing.T) {
	s := newTestService(t, serviceConfig("avalara"), testCache(), newFake("avalara"))
	_, err := s.GetRates(context.Background(), models.TaxRateQuery{Address: models.Address{City: "Austin"}})
	assert.ErrorIs(t, err, ErrInvalidQuery)
}

func TestHealthTransitions(t *testing.T) {
	primary := failing("avalara")
	cfg := serviceConfig("avalara", "internal")
	cfg.EnableCache = false
	s := newTestService(t, cfg, nil, primary, newFake("internal"))

	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.SetNowFunc(func() time.Time { return clock })

	for i := 1; i <= unhealthyAfter; i++ {
		_, err := s.GetRates(context.Background(), austinQuery())
		require.NoError(t, err)
		h := s.GetProviderHealth()["avalara"]
		assert.Equal(t, i, h.ConsecutiveFailures)
		assert.Equal(t, i < unhealthyAfter, h.Healthy)
		assert.Equal(t, clock, h.LastCheck)
		assert.Contains(t, h.LastError, "boom")
	}

	primary.connErr = nil
	health := s.CheckProviderHealth(context.Background())
	assert.True(t, health["avalara"].Healthy)
	assert.Equal(t, 0, health["avalara"].ConsecutiveFailures)
	assert.Empty(t, health["avalara"].LastError)
	assert.True(t, health["internal"].Healthy)
}

func TestHealthCheckTask(t *testing.T) {
	primary := newFake("avalara")
	primary.connErr = errBoom
	cfg := serviceConfig("avalara")
	cfg.HealthCheckInterval = time.Hour
	s := newTestService(t, cfg, nil, primary)

	require.NoError(t, s.Start(context.Background()))
	for i := 0; i < unhealthyAfter; i++ {
		require.NoError(t, s.sched.RunNow(context.Background(), healthCheckTask))
	}
	assert.False(t, s.IsHealthy("avalara"))

	primary.connErr = nil
	require.NoError(t, s.sched.RunNow(context.Background(), healthCheckTask))
	assert.True(t, s.IsHealthy("avalara"))
}

func TestValidateAddressUsesProvider(t *testing.T) {
	primary := newFake("avalara")
	primary.validate = func(a models.Address) (*models.AddressValidationResult, error) {
		return &models.AddressValidationResult{Valid: true, Confidence: 1, Source: "avalara"}, nil
	}
	s := newTestService(t, serviceConfig("avalara"), nil, primary)

	result := s.ValidateAddress(context.Background(), austinQuery().Address)
	assert.Equal(t, "avalara", result.Source)
	assert.Equal(t, 1.0, result.Confidence)
}

func TestValidateAddressDegradesToLocal(t *testing.T) {
	primary := failing("avalara")
	internal := newFake("internal")
	internal.validate = func(models.Address) (*models.AddressValidationResult, error) {
		return nil, fmt.Errorf("internal: %w", providers.ErrNotSupported)
	}
	s := newTestService(t, serviceConfig("avalara", "internal"), nil, primary, internal)

	result := s.ValidateAddress(context.Background(), models.Address{Line1: "123", City: "99999", State: "Texas", PostalCode: "7870"})
	require.NotNil(t, result)
	assert.Equal(t, LocalSource, result.Source)
	assert.False(t, result.Valid)
	assert.Contains(t, result.Errors, "city name cannot be only numbers")
	assert.Contains(t, result.Errors, "state must be a 2-letter code")
	assert.Contains(t, result.Errors, "postal code must be a 5 or 9 digit ZIP code")
	assert.Contains(t, result.Warnings, "street address contains only numbers")

	assert.Equal(t, int32(1), internal.validateCalls.Load())
	assert.Equal(t, 0, s.GetProviderHealth()["internal"].ConsecutiveFailures)
	assert.Equal(t, 1, s.GetProviderHealth()["avalara"].ConsecutiveFailures)
}

func TestValidateAddressDegradesOnTimeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	primary := newFake("avalara")
	primary.validate = func(models.Address) (*models.AddressValidationResult, error) {
		<-release
		return &models.AddressValidationResult{Valid: true, Source: "avalara", Confidence: 0.99}, nil
	}
	cfg := serviceConfig("avalara")
	cfg.RequestTimeout = 20 * time.Millisecond
	s := newTestService(t, cfg, nil, primary)

	start := time.Now()
	result := s.ValidateAddress(context.Background(), models.Address{Line1: "1 Main St", City: "Austin", State: "TX", PostalCode: "78701"})
	require.NotNil(t, result)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, LocalSource, result.Source)
	assert.True(t, result.Valid)
	assert.Equal(t, 0.7, result.Confidence)

	h := s.GetProviderHealth()["avalara"]
	assert.Equal(t, 1, h.ConsecutiveFailures)
	assert.Contains(t, h.LastError, "timed out")
}

func TestValidateLocally(t *testing.T) {
	tests := []struct {
		name           string
		address        models.Address
		wantValid      bool
		wantConfidence float64
		wantErrors     int
		wantWarnings   int
		wantSuggestion *models.Address
	}{
		{
			name:           "clean address",
			address:        models.Address{Line1: "1 Main St", City: "Austin", State: "TX", PostalCode: "78701"},
			wantValid:      true,
			wantConfidence: 0.7,
		},
		{
			name:           "zip plus four",
			address:        models.Address{Line1: "1 Main St", City: "Austin", State: "TX", PostalCode: "78701-1234"},
			wantValid:      true,
			wantConfidence: 0.7,
		},
		{
			name:           "needs casing",
			address:        models.Address{Line1: "1 Main St", City: "san antonio", State: "tx", PostalCode: "78205"},
			wantValid:      true,
			wantConfidence: 0.7,
			wantSuggestion: &models.Address{Line1: "1 Main St", City: "San Antonio", State: "TX", PostalCode: "78205"},
		},
		{
			name:           "empty",
			address:        models.Address{},
			wantValid:      false,
			wantConfidence: 0,
			wantErrors:     4,
		},
		{
			name:           "numeric city",
			address:        models.Address{Line1: "1 Main St", City: "12345", State: "TX", PostalCode: "78701"},
			wantValid:      false,
			wantConfidence: 0.4,
			wantErrors:     1,
		},
		{
			name:           "numeric street",
			address:        models.Address{Line1: "42", City: "Austin", State: "TX", PostalCode: "78701"},
			wantValid:      true,
			wantConfidence: 0.65,
			wantWarnings:   1,
		},
		{
			name:           "dirty postal",
			address:        models.Address{Line1: "1 Main St", City: "Austin", State: "TX", PostalCode: "78701 "},
			wantValid:      true,
			wantConfidence: 0.7,
			wantSuggestion: &models.Address{Line1: "1 Main St", City: "Austin", State: "TX", PostalCode: "78701"},
		},
		{
			name:           "non-US state format not enforced",
			address:        models.Address{Line1: "1 King St", City: "Toronto", State: "Ontario", PostalCode: "M5H 2N2", Country: "CA"},
			wantValid:      true,
			wantConfidence: 0.7,
			wantSuggestion: &models.Address{Line1: "1 King St", City: "Toronto", State: "ONTARIO", PostalCode: "M5H 2N2", Country: "CA"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result := ValidateLocally(tc.address)
			assert.Equal(t, tc.wantValid, result.Valid)
			assert.InDelta(t, tc.wantConfidence, result.Confidence, 1e-9)
			assert.Len(t, result.Errors, tc.wantErrors, "errors: %v", result.Errors)
			assert.Len(t, result.Warnings, tc.wantWarnings, "warnings: %v", result.Warnings)
			assert.Equal(t, tc.wantSuggestion, result.SuggestedAddress)
			assert.Equal(t, LocalSource, result.Source)
		})
	}
}

func TestLocalConfidenceNeverExceedsCap(t *testing.T) {
	long := make([]byte, maxFieldLength+1)
	for i := range long {
		long[i] = 'a'
	}
	result := ValidateLocally(models.Address{Line1: string(long), City: "Austin", State: "TX", PostalCode: "78701"})
	assert.True(t, result.Valid)
	assert.Equal(t, []string{"street address is unusually long"}, result.Warnings)
	assert.InDelta(t, 0.65, result.Confidence, 1e-9)
}

func TestSubscriptionInvalidatesBeforeCallback(t *testing.T) {
	primary := newFake("avalara")
	internal := newFake("internal")
	rateCache := testCache()
	s := newTestService(t, serviceConfig("avalara", "internal"), rateCache, primary, internal)

	_, err := s.GetRates(context.Background(), austinQuery())
	require.NoError(t, err)
	require.Equal(t, 1, rateCache.Len())

	var seen []models.TaxRateUpdate
	var residentAtCallback int
	ids, err := s.SubscribeToUpdates(context.Background(), []models.TaxRateQuery{austinQuery()}, func(u models.TaxRateUpdate) {
		residentAtCallback = rateCache.Len()
		seen = append(seen, u)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"avalara:sub-1", "internal:sub-1"}, ids)
	assert.Equal(t, 2, s.Subscriptions())

	primary.emit(models.TaxRateUpdate{Jurisdiction: "TEXAS", JurisdictionType: models.JurisdictionState, OldRate: 6.25, NewRate: 6.5, Source: "avalara"})
	require.Len(t, seen, 1)
	assert.Equal(t, 0, residentAtCallback)

	resp, err := s.GetRates(context.Background(), austinQuery())
	require.NoError(t, err)
	assert.False(t, resp.Cached)
	assert.Equal(t, int32(2), primary.rateCalls.Load())

	require.NoError(t, s.UnsubscribeFromUpdates(ids))
	assert.Equal(t, 0, s.Subscriptions())
	assert.Error(t, s.UnsubscribeFromUpdates([]string{"avalara:sub-1", "nonsense", "ghost:1"}))
}

func TestStopDropsSubscriptions(t *testing.T) {
	primary := newFake("avalara")
	registry := providers.NewRegistry()
	require.NoError(t, registry.Register(primary))
	s := NewTaxRateService(registry, nil, serviceConfig("avalara"))

	_, err := s.SubscribeToUpdates(context.Background(), nil, func(models.TaxRateUpdate) {})
	require.NoError(t, err)
	s.Stop()

	assert.Equal(t, 0, s.Subscriptions())
	primary.mu.Lock()
	assert.Empty(t, primary.subs)
	primary.mu.Unlock()
}

func TestBatchGetRates(t *testing.T) {
	primary := newFake("avalara")
	s := newTestService(t, serviceConfig("avalara"), testCache(), primary)

	queries := []models.TaxRateQuery{
		austinQuery(),
		{Address: models.Address{City: "Dallas", State: "TX"}},
		{Address: models.Address{City: "Nowhere"}},
	}
	results, err := s.BatchGetRates(context.Background(), queries)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.NoError(t, results[0].Err)
	assert.Equal(t, 8.25, results[0].Response.TotalRate)
	assert.NoError(t, results[1].Err)
	assert.ErrorIs(t, results[2].Err, ErrInvalidQuery)
	assert.Equal(t, int32(2), primary.rateCalls.Load())
}

func TestGetRateHistoryPrefersNativeHistory(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	emulating := newFake("avalara")
	emulating.history = func(models.TaxRateQuery, time.Time, time.Time) ([]models.TaxRate, error) {
		return []models.TaxRate{{Jurisdiction: "TEXAS", Rate: 6.25, Source: "avalara"}}, nil
	}
	native := newFake("internal")
	native.caps.History = true
	native.history = func(models.TaxRateQuery, time.Time, time.Time) ([]models.TaxRate, error) {
		return []models.TaxRate{{Jurisdiction: "TEXAS", Rate: 6.25, Source: "internal"}}, nil
	}
	s := newTestService(t, serviceConfig("avalara", "internal"), nil, emulating, native)

	history, err := s.GetRateHistory(context.Background(), austinQuery(), from, to)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "internal", history[0].Source)

	native.history = func(models.TaxRateQuery, time.Time, time.Time) ([]models.TaxRate, error) {
		return nil, errBoom
	}
	history, err = s.GetRateHistory(context.Background(), austinQuery(), from, to)
	require.NoError(t, err)
	assert.Equal(t, "avalara", history[0].Source)

	_, err = s.GetRateHistory(context.Background(), austinQuery(), to, from)
	assert.ErrorIs(t, err, ErrInvalidQuery)
}

func TestGetRateHistoryUnsupported(t *testing.T) {
	s := newTestService(t, serviceConfig("avalara"), nil, newFake("avalara"))

	_, err := s.GetRateHistory(context.Background(), austinQuery(), time.Now().AddDate(-1, 0, 0), time.Now())
	assert.ErrorIs(t, err, ErrAllProvidersFailed)
	assert.True(t, s.IsHealthy("avalara"))
	assert.Equal(t, 0, s.GetProviderHealth()["avalara"].ConsecutiveFailures)
}

func TestUpdateConfig(t *testing.T) {
	avalara := newFake("avalara")
	internal := newFake("internal")
	s := newTestService(t, serviceConfig("avalara"), testCache(), avalara, internal)
	assert.Equal(t, time.Second, avalara.GetConfig().Timeout)
	assert.Equal(t, 2, avalara.GetConfig().MaxRetries)

	cfg := serviceConfig("internal", "avalara")
	cfg.EnableCache = false
	cfg.RequestTimeout = 5 * time.Second
	cfg.MaxRetries = 4
	cfg.HealthCheckInterval = time.Minute
	require.NoError(t, s.UpdateConfig(cfg))

	assert.Equal(t, 5*time.Second, internal.GetConfig().Timeout)
	assert.Equal(t, 4, internal.GetConfig().MaxRetries)
	assert.Contains(t, s.sched.Names(), healthCheckTask)
	assert.Equal(t, []string{"internal", "avalara"}, s.providerOrder(s.Config()))

	resp, err := s.GetRates(context.Background(), austinQuery())
	require.NoError(t, err)
	assert.Equal(t, "internal", resp.Source)

	cfg.HealthCheckInterval = 0
	require.NoError(t, s.UpdateConfig(cfg))
	assert.NotContains(t, s.sched.Names(), healthCheckTask)

	cfg.PrimaryProvider = "missing"
	assert.ErrorIs(t, s.UpdateConfig(cfg), providers.ErrProviderNotFound)
	assert.Equal(t, "internal", s.Config().PrimaryProvider)
}

func TestMetricsDisabled(t *testing.T) {
	cfg := serviceConfig("avalara")
	cfg.EnableMetrics = false
	s := newTestService(t, cfg, testCache(), newFake("avalara"))

	_, err := s.GetRates(context.Background(), austinQuery())
	require.NoError(t, err)
	m := s.GetMetrics()
	assert.Zero(t, m.TotalRequests)
	assert.Empty(t, m.ProviderUsage)
}

func TestMemorySampling(t *testing.T) {
	cfg := serviceConfig("avalara")
	cfg.MemorySampleInterval = time.Hour
	s := newTestService(t, cfg, testCache(), newFake("avalara"))

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.sched.RunNow(context.Background(), memorySampleTask))
	assert.Greater(t, s.GetMetrics().MemoryUsage, uint64(0))
}

func TestCircuitStates(t *testing.T) {
	s := newTestService(t, serviceConfig("avalara"), nil, newFake("avalara"))
	assert.Empty(t, s.GetCircuitStates())

	client := httpclient.New(httpclient.Config{})
	registry := providers.NewRegistry()
	require.NoError(t, registry.Register(newFake("avalara")))
	s = NewTaxRateService(registry, nil, serviceConfig("avalara"), WithHTTPClient(client))
	assert.NotNil(t, s.GetCircuitStates())
}
