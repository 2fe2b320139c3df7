package models

import "time"

// CacheEntry wraps a cached response with its bookkeeping
type CacheEntry struct {
	Response    *TaxRateResponse `json:"response"`
	InsertedAt  time.Time        `json:"insertedAt"`
	TTL         time.Duration    `json:"ttl"`
	AccessCount int64            `json:"accessCount"`
	LastAccess  time.Time        `json:"lastAccess"`
	Source      string           `json:"source"`
	Confidence  float64          `json:"confidence"`
}

// ValidAt reports whether the entry is within its TTL at now and meets threshold.
func (e *CacheEntry) ValidAt(now time.Time, threshold float64) bool {
	if e == nil || e.Response == nil {
		return false
	}
	return now.Sub(e.InsertedAt) <= e.TTL && e.Confidence >= threshold
}

// CacheStats is a point-in-time view of the rate cache
type CacheStats struct {
	Size           int            `json:"size"`
	MaxSize        int            `json:"maxSize"`
	Hits           int64          `json:"hits"`
	Misses         int64          `json:"misses"`
	HitRate        float64        `json:"hitRate"`
	Evictions      int64          `json:"evictions"`
	Expirations    int64          `json:"expirations"`
	Invalidations  int64          `json:"invalidations"`
	EvictionPolicy string         `json:"evictionPolicy"`
	BySource       map[string]int `json:"bySource"`
	OldestEntry    time.Time      `json:"oldestEntry,omitempty"`
	NewestEntry    time.Time      `json:"newestEntry,omitempty"`
}
