package cache

import (
	"context"
	"testing"
	"time"

	"github.com/selenograph/moonclock/internal/models"
)

func sampleDay(age float64) models.CelestialDay {
	return models.CelestialDay{
		Age:      age,
		Midnight: time.Date(2026, time.March, 10, 0, 0, 0, 0, time.FixedZone("PST", -8*3600)),
	}
}

func TestMemoryCache_RoundTrip(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(64, time.Hour)

	val := sampleDay(0.42)
	if err := c.Set(ctx, "47.61:-122.33:2026-03-10", val, time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, ok, err := c.Get(ctx, "47.61:-122.33:2026-03-10")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok {
		t.Fatal("Get() missed an entry just written")
	}
	if got.Age != val.Age || !got.Midnight.Equal(val.Midnight) {
		t.Errorf("Get() = %+v, want %+v", got, val)
	}
	if got.Stale {
		t.Error("fresh Get() should not be marked stale")
	}
}

func TestMemoryCache_Miss(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(64, time.Hour)

	_, ok, err := c.Get(ctx, "12.00:99.00:2026-01-01")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ok {
		t.Error("Get() found an entry nobody wrote")
	}
}

// Past the fresh TTL an entry becomes a miss for Get but survives for
// GetStale, marked stale, until retention evicts it.
func TestMemoryCache_ExpiryMovesToStaleTier(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(64, time.Hour)

	val := sampleDay(0.42)
	if err := c.Set(ctx, "k", val, 1*time.Millisecond); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	time.Sleep(5 * time.Millisecond)

	if _, ok, err := c.Get(ctx, "k"); err != nil {
		t.Fatalf("Get() error = %v", err)
	} else if ok {
		t.Error("Get() should treat an expired entry as a miss")
	}

	stale, ok, err := c.GetStale(ctx, "k")
	if err != nil {
		t.Fatalf("GetStale() error = %v", err)
	}
	if !ok {
		t.Fatal("GetStale() should reach the entry within retention")
	}
	if !stale.Stale {
		t.Error("GetStale() past TTL should mark the day stale")
	}
	if stale.Age != val.Age {
		t.Errorf("GetStale() Age = %v, want %v", stale.Age, val.Age)
	}
}

func TestMemoryCache_GetStale_FreshEntry(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(64, time.Hour)

	if err := c.Set(ctx, "k", sampleDay(0.1), time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, ok, err := c.GetStale(ctx, "k")
	if err != nil {
		t.Fatalf("GetStale() error = %v", err)
	}
	if !ok {
		t.Fatal("GetStale() should see a fresh entry too")
	}
	if got.Stale {
		t.Error("GetStale() inside TTL should not mark the day stale")
	}
}

// A re-fetch replaces the cached day and restores freshness.
func TestMemoryCache_Overwrite(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(64, time.Hour)

	if err := c.Set(ctx, "k", sampleDay(0.1), 1*time.Millisecond); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	if err := c.Set(ctx, "k", sampleDay(0.2), time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, ok, err := c.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok {
		t.Fatal("Get() should see the rewritten entry as fresh")
	}
	if got.Age != 0.2 {
		t.Errorf("Get() Age = %v, want 0.2", got.Age)
	}
}

func TestMemoryCache_DefaultBounds(t *testing.T) {
	c := NewMemoryCache(0, 0)
	ctx := context.Background()
	if err := c.Set(ctx, "k", sampleDay(0.3), time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if _, ok, _ := c.Get(ctx, "k"); !ok {
		t.Error("cache with defaulted bounds should still store entries")
	}
	if c.Len() < 1 {
		t.Errorf("Len() = %d, want >= 1", c.Len())
	}
}
