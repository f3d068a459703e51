package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/selenograph/moonclock/internal/models"
)

const (
	keyPrefix            = "almanac:"
	defaultMemcachedAddr = "localhost:11211"

	// Relative expirations above 30 days are interpreted by memcached as
	// absolute unix timestamps, so retention must stay under that line.
	maxRelativeExpiry = 30 * 24 * time.Hour
)

// memcachedEnvelope wraps the day with its freshness deadline so the stale
// tier survives the round trip; the memcached expiration covers the whole
// retention window.
type memcachedEnvelope struct {
	Day        models.CelestialDay `json:"day"`
	FreshUntil time.Time           `json:"freshUntil"`
}

// MemcachedCache implements Cache using memcached, for installations
// running several clocks off one almanac.
type MemcachedCache struct {
	client    *memcache.Client
	retention time.Duration
}

// NewMemcachedCache connects to the servers in addrs, a comma or space
// separated list like "host1:11211,host2:11211" (empty means localhost).
// Unresolvable addresses fail here rather than on first use. timeout and
// maxIdleConns override the client defaults when positive; retention
// bounds how long an entry stays readable through GetStale after its
// fresh TTL lapses.
func NewMemcachedCache(addrs string, timeout time.Duration, maxIdleConns int, retention time.Duration) (*MemcachedCache, error) {
	servers := splitAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{defaultMemcachedAddr}
	}
	selector := new(memcache.ServerList)
	if err := selector.SetServers(servers...); err != nil {
		return nil, fmt.Errorf("memcached servers %q: %w", addrs, err)
	}
	client := memcache.NewFromSelector(selector)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	if retention <= 0 {
		retention = 48 * time.Hour
	}
	return &MemcachedCache{client: client, retention: retention}, nil
}

func splitAddrs(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	})
}

// Get implements Cache.Get. An entry past its freshness deadline reads
// as a miss here even though memcached still holds it for GetStale.
func (c *MemcachedCache) Get(ctx context.Context, key string) (models.CelestialDay, bool, error) {
	env, ok, err := c.fetch(ctx, key)
	if err != nil || !ok {
		return models.CelestialDay{}, false, err
	}
	if time.Now().After(env.FreshUntil) {
		return models.CelestialDay{}, false, nil
	}
	return env.Day, true, nil
}

// GetStale implements Cache.GetStale. Entries past their freshness
// deadline come back marked Stale instead of missing.
func (c *MemcachedCache) GetStale(ctx context.Context, key string) (models.CelestialDay, bool, error) {
	env, ok, err := c.fetch(ctx, key)
	if err != nil || !ok {
		return models.CelestialDay{}, false, err
	}
	day := env.Day
	if time.Now().After(env.FreshUntil) {
		day.Stale = true
	}
	return day, true, nil
}

func (c *MemcachedCache) fetch(ctx context.Context, key string) (memcachedEnvelope, bool, error) {
	var env memcachedEnvelope
	if err := ctx.Err(); err != nil {
		return env, false, err
	}
	item, err := c.client.Get(keyPrefix + key)
	switch {
	case errors.Is(err, memcache.ErrCacheMiss):
		return env, false, nil
	case err != nil:
		return env, false, err
	}
	if err := json.Unmarshal(item.Value, &env); err != nil {
		return env, false, fmt.Errorf("decode cached day: %w", err)
	}
	return env, true, nil
}

// Set implements Cache.Set. The entry is stored for ttl plus the
// retention window so the stale tier outlives freshness.
func (c *MemcachedCache) Set(ctx context.Context, key string, value models.CelestialDay, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(memcachedEnvelope{
		Day:        value,
		FreshUntil: time.Now().Add(ttl),
	})
	if err != nil {
		return err
	}
	keep := min(max(ttl+c.retention, time.Hour), maxRelativeExpiry)
	return c.client.Set(&memcache.Item{
		Key:        keyPrefix + key,
		Value:      raw,
		Expiration: int32(keep / time.Second),
	})
}

// Ping reports whether any configured server answers. The readiness
// probe calls it when this backend is active.
func (c *MemcachedCache) Ping() error {
	return c.client.Ping()
}

// Close releases idle connections. Called once at shutdown.
func (c *MemcachedCache) Close() error {
	return c.client.Close()
}
