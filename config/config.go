package config

import (
	"fmt"
	"log"
	"path/filepath"
	"runtime"
	"strings"

	"pulsegrade/taxrates/logger"
	"pulsegrade/taxrates/models"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. TAXRATES_SERVICE_PRIMARYPROVIDER
const EnvPrefix = "TAXRATES"

// Load loads application configuration from YAML files, .env and environment variables
func Load(env ...string) models.Config {
	// Default to "dev" environment if not specified
	environment := "dev"
	if len(env) > 0 && env[0] != "" {
		environment = env[0]
	}

	// Credentials usually live in .env; a missing file is fine
	if err := godotenv.Load(); err == nil {
		log.Printf("Loaded environment overrides from .env")
	}

	// Get the directory where config.go is located to find config files
	_, currentFilePath, _, _ := runtime.Caller(0)
	configDir := filepath.Dir(currentFilePath)

	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(configDir)
	v.AddConfigPath(".")
	v.SetConfigType("yaml")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Printf("Warning: Could not read config file: %v", err)
	} else {
		log.Printf("Loaded base configuration from %s", v.ConfigFileUsed())
	}

	// If we're not in dev environment, try to load env-specific config
	if environment != "dev" {
		v.SetConfigName("config." + environment)
		if err := v.MergeInConfig(); err != nil {
			log.Printf("Warning: Could not read environment config for '%s': %v", environment, err)
		} else {
			log.Printf("Loaded environment configuration from %s", v.ConfigFileUsed())
		}
	}

	config := models.Config{
		Environment: environment,
		Service: models.ServiceConfig{
			PrimaryProvider:      v.GetString("service.primaryProvider"),
			FallbackProviders:    v.GetStringSlice("service.fallbackProviders"),
			EnableCache:          v.GetBool("service.enableCache"),
			EnableFallback:       v.GetBool("service.enableFallback"),
			EnableMetrics:        v.GetBool("service.enableMetrics"),
			MaxRetries:           v.GetInt("service.maxRetries"),
			RequestTimeout:       v.GetDuration("service.requestTimeout"),
			HealthCheckInterval:  v.GetDuration("service.healthCheckInterval"),
			MemorySampleInterval: v.GetDuration("service.memorySampleInterval"),
		},
		Cache: models.CacheConfig{
			MaxSize:             v.GetInt("cache.maxSize"),
			BaseTTL:             v.GetDuration("cache.baseTTL"),
			MaxTTL:              v.GetDuration("cache.maxTTL"),
			MinTTL:              v.GetDuration("cache.minTTL"),
			ConfidenceThreshold: v.GetFloat64("cache.confidenceThreshold"),
			EvictionPolicy:      strings.ToLower(v.GetString("cache.evictionPolicy")),
			CleanupInterval:     v.GetDuration("cache.cleanupInterval"),
			Persist:             v.GetBool("cache.persist"),
			PersistPath:         v.GetString("cache.persistPath"),
			PersistEvery:        v.GetInt("cache.persistEvery"),
			ProviderMultipliers: floatMap(v.GetStringMap("cache.providerMultipliers")),
		},
		HTTP: models.HTTPConfig{
			Timeout:    v.GetDuration("http.timeout"),
			Retries:    v.GetInt("http.retries"),
			RetryDelay: v.GetDuration("http.retryDelay"),
		},
		CircuitBreaker: models.CircuitBreakerConfig{
			FailureThreshold:  v.GetInt("circuitBreaker.failureThreshold"),
			Cooldown:          v.GetDuration("circuitBreaker.cooldown"),
			HalfOpenSuccesses: v.GetInt("circuitBreaker.halfOpenSuccesses"),
		},
		Providers: models.ProvidersConfig{
			Avalara: models.AvalaraConfig{
				Enabled:      v.GetBool("providers.avalara.enabled"),
				AccountID:    v.GetString("providers.avalara.accountId"),
				LicenseKey:   v.GetString("providers.avalara.licenseKey"),
				CompanyCode:  v.GetString("providers.avalara.companyCode"),
				Environment:  v.GetString("providers.avalara.environment"),
				BaseURL:      v.GetString("providers.avalara.baseUrl"),
				PollInterval: v.GetDuration("providers.avalara.pollInterval"),
				RateLimit:    v.GetInt("providers.avalara.rateLimit"),
			},
			Static: models.StaticConfig{
				Enabled:      v.GetBool("providers.static.enabled"),
				Name:         v.GetString("providers.static.name"),
				TablePath:    resolvePath(configDir, v.GetString("providers.static.tablePath")),
				PollInterval: v.GetDuration("providers.static.pollInterval"),
			},
		},
		Logging: models.LoggingConfig{
			Enabled: v.GetBool("logging.enabled"),
			Level:   v.GetString("logging.level"),
		},
	}

	// Configure the logger based on the settings
	logger.Configure(logger.Config{
		Enabled: config.Logging.Enabled,
		Level:   logger.LevelFromString(config.Logging.Level),
		Output:  nil, // Use default (stdout)
	})

	logger.Info("Configuration loaded for environment '%s': primary=%s, fallbacks=%v, cache=%v, fallback=%v",
		environment, config.Service.PrimaryProvider, config.Service.FallbackProviders,
		config.Service.EnableCache, config.Service.EnableFallback)
	logger.Info("Circuit Breaker Config: FailureThreshold=%d, Cooldown=%s, HalfOpenSuccesses=%d",
		config.CircuitBreaker.FailureThreshold, config.CircuitBreaker.Cooldown, config.CircuitBreaker.HalfOpenSuccesses)
	logger.Info("Cache Config: MaxSize=%d, BaseTTL=%s, Policy=%s, Persist=%v",
		config.Cache.MaxSize, config.Cache.BaseTTL, config.Cache.EvictionPolicy, config.Cache.Persist)

	return config
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.primaryProvider", "avalara")
	v.SetDefault("service.fallbackProviders", []string{"internal"})
	v.SetDefault("service.enableCache", true)
	v.SetDefault("service.enableFallback", true)
	v.SetDefault("service.enableMetrics", true)
	v.SetDefault("service.maxRetries", 3)
	v.SetDefault("service.requestTimeout", "15s")
	v.SetDefault("service.healthCheckInterval", "5m")
	v.SetDefault("service.memorySampleInterval", "1m")

	v.SetDefault("cache.maxSize", 10000)
	v.SetDefault("cache.baseTTL", "1h")
	v.SetDefault("cache.maxTTL", "24h")
	v.SetDefault("cache.minTTL", "5m")
	v.SetDefault("cache.confidenceThreshold", 0.7)
	v.SetDefault("cache.evictionPolicy", "lru")
	v.SetDefault("cache.cleanupInterval", "5m")
	v.SetDefault("cache.persist", false)
	v.SetDefault("cache.persistPath", "data/taxrates-cache.db")
	v.SetDefault("cache.persistEvery", 50)
	v.SetDefault("cache.providerMultipliers", map[string]interface{}{"avalara": 1.5})

	v.SetDefault("http.timeout", "10s")
	v.SetDefault("http.retries", 3)
	v.SetDefault("http.retryDelay", "500ms")

	v.SetDefault("circuitBreaker.failureThreshold", 5)
	v.SetDefault("circuitBreaker.cooldown", "60s")
	v.SetDefault("circuitBreaker.halfOpenSuccesses", 2)

	v.SetDefault("providers.avalara.enabled", true)
	v.SetDefault("providers.avalara.environment", "sandbox")
	v.SetDefault("providers.avalara.companyCode", "DEFAULT")
	v.SetDefault("providers.avalara.pollInterval", "1h")
	v.SetDefault("providers.avalara.rateLimit", 600)

	v.SetDefault("providers.static.enabled", true)
	v.SetDefault("providers.static.name", "internal")
	v.SetDefault("providers.static.tablePath", "rates.yaml")
	v.SetDefault("providers.static.pollInterval", "10m")

	v.SetDefault("logging.enabled", true)
	v.SetDefault("logging.level", "INFO")
}

// Validate checks cross-field constraints that defaults cannot guarantee
func Validate(cfg models.Config) error {
	svc := cfg.Service
	if svc.PrimaryProvider == "" {
		return fmt.Errorf("service.primaryProvider is required")
	}
	seen := map[string]bool{svc.PrimaryProvider: true}
	for _, name := range svc.FallbackProviders {
		if seen[name] {
			return fmt.Errorf("provider %q listed more than once in primary/fallback order", name)
		}
		seen[name] = true
	}
	if svc.RequestTimeout <= 0 {
		return fmt.Errorf("service.requestTimeout must be positive, got %s", svc.RequestTimeout)
	}
	if svc.MaxRetries < 0 {
		return fmt.Errorf("service.maxRetries must not be negative, got %d", svc.MaxRetries)
	}

	c := cfg.Cache
	if c.MaxSize <= 0 {
		return fmt.Errorf("cache.maxSize must be positive, got %d", c.MaxSize)
	}
	if c.MinTTL <= 0 || c.MinTTL > c.BaseTTL || c.BaseTTL > c.MaxTTL {
		return fmt.Errorf("cache TTLs must satisfy 0 < minTTL <= baseTTL <= maxTTL (got %s, %s, %s)", c.MinTTL, c.BaseTTL, c.MaxTTL)
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("cache.confidenceThreshold must be within [0,1], got %v", c.ConfidenceThreshold)
	}
	switch c.EvictionPolicy {
	case "lru", "lfu", "fifo":
	default:
		return fmt.Errorf("cache.evictionPolicy must be lru, lfu or fifo, got %q", c.EvictionPolicy)
	}
	if c.Persist && c.PersistPath == "" {
		return fmt.Errorf("cache.persistPath is required when cache.persist is enabled")
	}

	if cfg.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("circuitBreaker.failureThreshold must be at least 1, got %d", cfg.CircuitBreaker.FailureThreshold)
	}
	if cfg.CircuitBreaker.HalfOpenSuccesses < 1 {
		return fmt.Errorf("circuitBreaker.halfOpenSuccesses must be at least 1, got %d", cfg.CircuitBreaker.HalfOpenSuccesses)
	}

	av := cfg.Providers.Avalara
	if av.Enabled && (av.AccountID == "" || av.LicenseKey == "") {
		return fmt.Errorf("avalara provider requires accountId and licenseKey (set %s_PROVIDERS_AVALARA_ACCOUNTID / _LICENSEKEY)", EnvPrefix)
	}
	if cfg.Providers.Static.Enabled && cfg.Providers.Static.TablePath == "" {
		return fmt.Errorf("static provider requires providers.static.tablePath")
	}
	return nil
}

func floatMap(raw map[string]interface{}) map[string]float64 {
	out := make(map[string]float64, len(raw))
	for k, val := range raw {
		switch n := val.(type) {
		case float64:
			out[k] = n
		case int:
			out[k] = float64(n)
		case int64:
			out[k] = float64(n)
		}
	}
	return out
}

func resolvePath(base, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}
