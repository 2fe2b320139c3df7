package cache

import (
	"sort"
	"strings"

	"pulsegrade/taxrates/models"
)

// EvictionPolicy orders entries from first-to-evict to last
type EvictionPolicy string

const (
	PolicyLRU  EvictionPolicy = "lru"
	PolicyLFU  EvictionPolicy = "lfu"
	PolicyFIFO EvictionPolicy = "fifo"
)

// ParsePolicy maps a config value to a policy, defaulting to LRU
func ParsePolicy(s string) EvictionPolicy {
	switch EvictionPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case PolicyLFU:
		return PolicyLFU
	case PolicyFIFO:
		return PolicyFIFO
	default:
		return PolicyLRU
	}
}

// less reports whether a should be evicted before b
func (p EvictionPolicy) less(a, b *models.CacheEntry) bool {
	switch p {
	case PolicyLFU:
		if a.AccessCount != b.AccessCount {
			return a.AccessCount < b.AccessCount
		}
		return a.LastAccess.Before(b.LastAccess)
	case PolicyFIFO:
		return a.InsertedAt.Before(b.InsertedAt)
	default:
		return a.LastAccess.Before(b.LastAccess)
	}
}

// victims returns the n keys to evict under policy p
func (p EvictionPolicy) victims(entries map[string]*models.CacheEntry, n int) []string {
	if n <= 0 {
		return nil
	}
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := entries[keys[i]], entries[keys[j]]
		if p.less(a, b) {
			return true
		}
		if p.less(b, a) {
			return false
		}
		return keys[i] < keys[j]
	})
	if n > len(keys) {
		n = len(keys)
	}
	return keys[:n]
}
