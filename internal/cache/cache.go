// Package cache stores fetched almanac days. Entries outlive their fresh
// TTL for a retention window so the clock can keep rendering yesterday's
// numbers when the upstream is down; the stale tier is explicit in the
// interface rather than a side effect.
package cache

import (
	"context"
	"time"

	"github.com/maypok86/otter/v2"

	"github.com/selenograph/moonclock/internal/models"
)

// Cache is the storage interface for almanac days. Get returns only fresh
// entries; GetStale also returns entries past their TTL but still inside
// the retention window, marked stale.
type Cache interface {
	Get(ctx context.Context, key string) (models.CelestialDay, bool, error)
	GetStale(ctx context.Context, key string) (models.CelestialDay, bool, error)
	Set(ctx context.Context, key string, value models.CelestialDay, ttl time.Duration) error
}

// memoryEntry tracks per-entry freshness; the cache-wide expiry only
// bounds total retention.
type memoryEntry struct {
	value      models.CelestialDay
	freshUntil time.Time
}

// MemoryCache implements Cache on an in-process otter cache. Safe for
// concurrent use; bounded by entry count and retention window.
type MemoryCache struct {
	cache *otter.Cache[string, memoryEntry]
}

// NewMemoryCache creates a memory cache holding at most maxEntries days,
// each retained for the retention window after its last write. The clock
// itself only needs a handful of entries; the bound matters for the HTTP
// almanac endpoint, which can ask about arbitrary dates.
func NewMemoryCache(maxEntries int, retention time.Duration) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = 64
	}
	if retention <= 0 {
		retention = 48 * time.Hour
	}
	c := otter.Must(&otter.Options[string, memoryEntry]{
		MaximumSize:      maxEntries,
		InitialCapacity:  16,
		ExpiryCalculator: otter.ExpiryWriting[string, memoryEntry](retention),
	})
	return &MemoryCache{cache: c}
}

// Get returns the entry if present and still fresh.
func (c *MemoryCache) Get(ctx context.Context, key string) (models.CelestialDay, bool, error) {
	entry, ok := c.cache.GetIfPresent(key)
	if !ok {
		return models.CelestialDay{}, false, nil
	}
	if time.Now().After(entry.freshUntil) {
		return models.CelestialDay{}, false, nil
	}
	return entry.value, true, nil
}

// GetStale returns the entry if present at all, marking it stale when its
// fresh TTL has lapsed.
func (c *MemoryCache) GetStale(ctx context.Context, key string) (models.CelestialDay, bool, error) {
	entry, ok := c.cache.GetIfPresent(key)
	if !ok {
		return models.CelestialDay{}, false, nil
	}
	day := entry.value
	if time.Now().After(entry.freshUntil) {
		day.Stale = true
	}
	return day, true, nil
}

// Set stores the entry with the given fresh TTL. Retention beyond the TTL
// is governed by the cache-wide window.
func (c *MemoryCache) Set(ctx context.Context, key string, value models.CelestialDay, ttl time.Duration) error {
	c.cache.Set(key, memoryEntry{
		value:      value,
		freshUntil: time.Now().Add(ttl),
	})
	return nil
}

// Len reports the approximate number of cached days.
func (c *MemoryCache) Len() int {
	return int(c.cache.EstimatedSize())
}
