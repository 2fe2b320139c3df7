package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"pulsegrade/taxrates/models"
	"pulsegrade/taxrates/providers"
)

// SubscribeToUpdates registers cb with every registered provider and returns one
// "provider:innerId" id per successful subscription. Cached entries for a
// jurisdiction are dropped before cb sees its update.
func (s *TaxRateService) SubscribeToUpdates(ctx context.Context, queries []models.TaxRateQuery, cb providers.UpdateCallback) ([]string, error) {
	if cb == nil {
		return nil, fmt.Errorf("subscription callback is required")
	}

	forward := func(update models.TaxRateUpdate) {
		if s.cache != nil {
			n := s.cache.InvalidateByJurisdiction(update.Jurisdiction)
			s.log.Debug("rate change for %s from %s invalidated %d cache entries", update.Jurisdiction, update.Source, n)
		}
		cb(update)
	}

	var (
		ids  []string
		errs []error
	)
	for _, p := range s.registry.GetAll() {
		inner, err := p.SubscribeToUpdates(ctx, queries, forward)
		if err != nil {
			s.log.Warn("subscribe to %s failed: %v", p.Name(), err)
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			continue
		}
		id := p.Name() + ":" + inner
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no provider accepted the subscription: %w", errors.Join(errs...))
	}

	s.subsMu.Lock()
	for _, id := range ids {
		s.subs[id] = struct{}{}
	}
	s.subsMu.Unlock()

	s.log.Info("subscribed to rate updates for %d queries: %v", len(queries), ids)
	return ids, nil
}

// UnsubscribeFromUpdates cancels subscriptions returned by SubscribeToUpdates.
// Every id is attempted; failures are joined.
func (s *TaxRateService) UnsubscribeFromUpdates(ids []string) error {
	var errs []error
	for _, id := range ids {
		name, inner, ok := strings.Cut(id, ":")
		if !ok || inner == "" {
			errs = append(errs, fmt.Errorf("malformed subscription id %q", id))
			continue
		}
		p, err := s.registry.Get(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := p.UnsubscribeFromUpdates(inner); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}

		s.subsMu.Lock()
		delete(s.subs, id)
		s.subsMu.Unlock()
	}
	return errors.Join(errs...)
}

// Subscriptions returns the number of live provider subscriptions
func (s *TaxRateService) Subscriptions() int {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	return len(s.subs)
}
