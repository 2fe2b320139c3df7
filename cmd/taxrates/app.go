package main

import (
	"context"
	"errors"
	"fmt"

	"pulsegrade/taxrates/cache"
	"pulsegrade/taxrates/httpclient"
	"pulsegrade/taxrates/logger"
	"pulsegrade/taxrates/models"
	"pulsegrade/taxrates/providers"
	"pulsegrade/taxrates/providers/avalara"
	"pulsegrade/taxrates/providers/static"
	"pulsegrade/taxrates/services"
	"pulsegrade/taxrates/storage"
)

// app holds everything a command needs, wired from configuration
type app struct {
	cfg      models.Config
	client   *httpclient.Client
	registry *providers.Registry
	cache    *cache.RateCache
	store    *storage.SQLiteStore
	service  *services.TaxRateService
}

func newApp(ctx context.Context, cfg models.Config) (*app, error) {
	a := &app{
		cfg: cfg,
		client: httpclient.New(httpclient.Config{
			Timeout:        cfg.HTTP.Timeout,
			Retries:        cfg.HTTP.Retries,
			RetryDelay:     cfg.HTTP.RetryDelay,
			CircuitBreaker: cfg.CircuitBreaker,
			Environment:    cfg.Environment,
		}),
		registry: providers.NewRegistry(),
	}

	if cfg.Providers.Avalara.Enabled {
		p, err := avalara.New(cfg.Providers.Avalara, a.client)
		if err != nil {
			return nil, err
		}
		if err := a.registry.Register(p); err != nil {
			return nil, err
		}
	}
	if cfg.Providers.Static.Enabled {
		p, err := static.New(cfg.Providers.Static)
		if err != nil {
			return nil, err
		}
		if err := a.registry.Register(p); err != nil {
			return nil, err
		}
	}
	if _, err := a.registry.Get(cfg.Service.PrimaryProvider); err != nil {
		a.closeProviders()
		return nil, fmt.Errorf("primary provider is not enabled: %w", err)
	}

	var opts []cache.Option
	if cfg.Cache.Persist {
		store, err := storage.NewSQLiteStore(cfg.Cache.PersistPath)
		if err != nil {
			a.closeProviders()
			return nil, err
		}
		a.store = store
		opts = append(opts, cache.WithStore(store))
	}
	a.cache = cache.New(cfg.Cache, opts...)
	if a.store != nil {
		n, err := a.cache.Restore(ctx)
		if err != nil {
			logger.Warn("Could not restore rate cache: %v", err)
		} else {
			logger.Info("Restored %d cached rates from %s", n, a.store.Path())
		}
	}

	a.service = services.NewTaxRateService(a.registry, a.cache, cfg.Service,
		services.WithHTTPClient(a.client),
		services.WithEnvironment(cfg.Environment))
	if err := a.service.Start(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Close stops the service, flushes the cache snapshot and releases providers
func (a *app) Close() {
	if a.service != nil {
		a.service.Stop()
	}
	a.closeProviders()
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logger.Warn("Closing snapshot store: %v", err)
		}
	}
}

func (a *app) closeProviders() {
	var errs []error
	for _, p := range a.registry.GetAll() {
		if c, ok := p.(providers.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	if err := errors.Join(errs...); err != nil {
		logger.Warn("Closing providers: %v", err)
	}
}
