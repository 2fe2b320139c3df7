package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"pulsegrade/taxrates/metrics"
	"pulsegrade/taxrates/models"
	"pulsegrade/taxrates/storage"
)

// SnapshotKey namespaces the cache snapshot inside the store
const SnapshotKey = "taxrates:rate-cache"

// snapshot is serialized as an array of [key, entry] pairs
type snapshot [][2]json.RawMessage

// Persist writes every resident entry to the store
func (c *RateCache) Persist(ctx context.Context) error {
	if c.store == nil {
		return ErrPersistenceDisabled
	}

	c.mu.Lock()
	snap := make(snapshot, 0, len(c.entries))
	var encodeErr error
	for key, e := range c.entries {
		k, err := json.Marshal(key)
		if err != nil {
			encodeErr = err
			break
		}
		v, err := json.Marshal(e)
		if err != nil {
			encodeErr = err
			break
		}
		snap = append(snap, [2]json.RawMessage{k, v})
	}
	c.mu.Unlock()
	if encodeErr != nil {
		return fmt.Errorf("failed to encode cache snapshot: %w", encodeErr)
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode cache snapshot: %w", err)
	}
	if err := c.store.Save(ctx, SnapshotKey, payload); err != nil {
		return err
	}
	c.log.Debug("snapshot of %d entries written", len(snap))
	return nil
}

// Restore loads the stored snapshot, keeping only entries still within their TTL.
// A store with no snapshot yet restores nothing.
func (c *RateCache) Restore(ctx context.Context) (int, error) {
	if c.store == nil {
		return 0, ErrPersistenceDisabled
	}

	payload, err := c.store.Load(ctx, SnapshotKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}

	var snap snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return 0, fmt.Errorf("failed to decode cache snapshot: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	restored := 0
	for _, pair := range snap {
		var key string
		var entry models.CacheEntry
		if err := json.Unmarshal(pair[0], &key); err != nil {
			continue
		}
		if err := json.Unmarshal(pair[1], &entry); err != nil || entry.Response == nil {
			continue
		}
		if now.Sub(entry.InsertedAt) > entry.TTL {
			continue
		}
		c.entries[key] = &entry
		restored++
	}
	if over := len(c.entries) - c.cfg.MaxSize; over > 0 {
		c.evictLocked(over)
	}
	metrics.CacheEntries.Set(float64(len(c.entries)))

	c.log.Info("restored %d of %d snapshot entries", restored, len(snap))
	return restored, nil
}
