//go:build integration
// +build integration

package testhelpers

import (
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/selenograph/moonclock/internal/almanac"
	"github.com/selenograph/moonclock/internal/cache"
	"github.com/selenograph/moonclock/internal/ephemeris"
	"github.com/selenograph/moonclock/internal/models"
	"github.com/selenograph/moonclock/internal/timesync"
)

// LiveConfig carries the knobs the live-API suite reads from the
// environment.
type LiveConfig struct {
	APIURL        string
	UserAgent     string
	UTCOffset     string
	Observer      models.Location
	CacheBackend  string // memcached when set to "memcached", in-memory otherwise
	MemcachedAddr string
}

// LoadLiveConfig reads the environment and skips the test when
// MOONCLOCK_USER_AGENT is unset: the sunrise API blocks anonymous clients,
// so there is no UA-less integration mode.
func LoadLiveConfig(t *testing.T) LiveConfig {
	userAgent := os.Getenv("MOONCLOCK_USER_AGENT")
	if userAgent == "" {
		t.Skip("MOONCLOCK_USER_AGENT not set, skipping integration test")
	}

	apiURL := os.Getenv("EPHEMERIS_API_URL")
	if apiURL == "" {
		apiURL = "https://api.met.no/weatherapi/sunrise/2.0/.json"
	}

	offset := os.Getenv("MOONCLOCK_UTC_OFFSET")
	if offset == "" {
		offset = "+00:00"
	}

	// Greenwich unless the environment says otherwise.
	observer := models.Location{Latitude: 51.4769, Longitude: -0.0005}
	if lat, err := strconv.ParseFloat(os.Getenv("MOONCLOCK_LATITUDE"), 64); err == nil {
		observer.Latitude = lat
	}
	if lon, err := strconv.ParseFloat(os.Getenv("MOONCLOCK_LONGITUDE"), 64); err == nil {
		observer.Longitude = lon
	}

	memcachedAddr := os.Getenv("MEMCACHED_ADDRS")
	if memcachedAddr == "" {
		memcachedAddr = "localhost:11211"
	}

	return LiveConfig{
		APIURL:        apiURL,
		UserAgent:     userAgent,
		UTCOffset:     offset,
		Observer:      observer,
		CacheBackend:  os.Getenv("INTEGRATION_CACHE_BACKEND"),
		MemcachedAddr: memcachedAddr,
	}
}

// LiveService wires an almanac service against the real MET API: real
// client, real clock, and whichever cache backend the environment selects.
// Falls back to the in-memory cache when Memcached is requested but
// unreachable, so the suite still runs on machines without a daemon.
func LiveService(t *testing.T, cfg LiveConfig) (*almanac.Service, cache.Cache, func()) {
	client := LiveClient(t, cfg)

	clock, err := timesync.NewClock(cfg.UTCOffset)
	if err != nil {
		t.Fatalf("NewClock() error = %v", err)
	}

	cacheSvc := cache.Cache(cache.NewMemoryCache(64, 48*time.Hour))
	cleanup := func() {}
	if cfg.CacheBackend == "memcached" {
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddr, 500*time.Millisecond, 2, 48*time.Hour)
		if err != nil {
			t.Logf("no memcached at %s (%v), staying in-memory", cfg.MemcachedAddr, err)
		} else {
			t.Logf("almanac cache backed by memcached at %s", cfg.MemcachedAddr)
			cacheSvc = mc
			cleanup = func() { mc.Close() }
		}
	}

	svc := almanac.NewService(client, cacheSvc, clock, 6*time.Hour, 48*time.Hour, false, 0)
	return svc, cacheSvc, cleanup
}

// LiveClient builds an ephemeris client pointed at the configured API.
func LiveClient(t *testing.T, cfg LiveConfig) ephemeris.Client {
	client, err := ephemeris.NewMETClient(cfg.APIURL, cfg.UserAgent, 5*time.Second)
	if err != nil {
		t.Fatalf("NewMETClient() error = %v", err)
	}
	return client
}
