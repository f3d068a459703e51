// Package almanac serves the two-day window of sun and moon data the clock
// renders from. Lookups go cache first, then upstream, with stale data as a
// last resort when the upstream is down.
package almanac

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/selenograph/moonclock/internal/cache"
	"github.com/selenograph/moonclock/internal/degraded"
	"github.com/selenograph/moonclock/internal/ephemeris"
	"github.com/selenograph/moonclock/internal/models"
	"github.com/selenograph/moonclock/internal/observability"
)

// WallClock supplies device-local time and the UTC offset upstream queries
// are phrased in. Satisfied by timesync.Clock.
type WallClock interface {
	Now() time.Time
	UTCOffset() string
}

// Service answers Day lookups cache-first. Misses go upstream through an
// optional coalescer, herd detection counts overlapping misses, and when
// the upstream is down an expired entry inside the stale budget is served
// marked as such.
type Service struct {
	client    ephemeris.Client
	cache     cache.Cache
	clock     WallClock
	ttl       time.Duration
	staleTTL  time.Duration // how old an expired entry may be and still serve, 0 disables
	herd      *herdCount
	coalescer *requestCoalescer // nil when coalescing is off
}

// NewService wires a Service. ttl is the freshness window for cached days
// and staleTTL the outage fallback budget (0 disables it). Coalescing is
// active only when enabled with a positive timeout.
func NewService(client ephemeris.Client, cache cache.Cache, clock WallClock, ttl, staleTTL time.Duration, coalesceEnabled bool, coalesceTimeout time.Duration) *Service {
	var coalescer *requestCoalescer
	if coalesceEnabled && coalesceTimeout > 0 {
		coalescer = newRequestCoalescer(coalesceTimeout)
	}
	return &Service{
		client:    client,
		cache:     cache,
		clock:     clock,
		ttl:       ttl,
		staleTTL:  staleTTL,
		herd:      newHerdCount(),
		coalescer: coalescer,
	}
}

// cacheKey rounds coordinates to two decimals, about a kilometre, so noise
// in configured coordinates does not fragment the cache.
func cacheKey(loc models.Location, date time.Time) string {
	return fmt.Sprintf("%.2f:%.2f:%s", loc.Latitude, loc.Longitude, date.Format("2006-01-02"))
}

// Day returns the almanac for one civil date at loc. Cache hits return
// directly; misses fetch upstream and write back. When the upstream fails
// and a recent enough stale entry exists, that entry is served instead,
// marked stale.
func (s *Service) Day(ctx context.Context, loc models.Location, date time.Time) (models.CelestialDay, error) {
	key := cacheKey(loc, date)
	start := time.Now()
	logger := observability.Logger(ctx)

	if day, ok := s.lookup(ctx, key, logger); ok {
		return day, nil
	}

	dayLabel := observability.MetricDayLabel(date, s.clock.Now())
	if parallel := s.herd.enter(key); parallel > 1 {
		observability.CacheStampedeDetectedTotal.WithLabelValues(dayLabel).Inc()
		observability.CacheStampedeConcurrency.WithLabelValues(dayLabel).Observe(float64(parallel))
	}
	defer s.herd.leave(key)

	if logger != nil {
		logger.Debug("cache miss, fetching upstream", zap.String("key", key))
	}

	day, err := s.fetch(ctx, key, loc, date, dayLabel)
	if err != nil {
		// Counted here rather than per HTTP request so the scheduler's
		// fetches feed degraded detection too.
		degraded.RecordError()
		degraded.NotifyDegraded()
		if stale, ok := s.staleFallback(ctx, key, dayLabel, logger); ok {
			return stale, nil
		}
		return models.CelestialDay{}, fmt.Errorf("fetch almanac for %s: %w", key, err)
	}
	degraded.RecordSuccess()

	s.store(ctx, key, day, logger)
	if logger != nil {
		logger.Debug("almanac served", zap.String("key", key), zap.Bool("cached", false), zap.Duration("duration", time.Since(start)))
	}
	return day, nil
}

// lookup reads the fresh tier. ok is false on both miss and backend
// error; a broken cache degrades to an upstream fetch instead of failing
// the lookup.
func (s *Service) lookup(ctx context.Context, key string, logger *zap.Logger) (models.CelestialDay, bool) {
	begin := time.Now()
	day, ok, err := s.cache.Get(ctx, key)
	elapsed := time.Since(begin).Seconds()
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("get", cacheErrorLabel(err)).Inc()
		observability.CacheOperationDuration.WithLabelValues("get", "error").Observe(elapsed)
		return models.CelestialDay{}, false
	}
	if !ok {
		return models.CelestialDay{}, false
	}
	observability.CacheOperationDuration.WithLabelValues("get", "success").Observe(elapsed)
	observability.CacheHitsTotal.WithLabelValues("almanac").Inc()
	if logger != nil {
		logger.Debug("almanac served", zap.String("key", key), zap.Bool("cached", true), zap.Duration("duration", time.Since(begin)))
	}
	return day, true
}

// fetch goes upstream, through the coalescer when one is configured.
func (s *Service) fetch(ctx context.Context, key string, loc models.Location, date time.Time, dayLabel string) (models.CelestialDay, error) {
	if s.coalescer == nil {
		return s.client.Day(ctx, loc, date, s.clock.UTCOffset())
	}
	begin := time.Now()
	day, err := s.coalescer.Do(ctx, key, func() (models.CelestialDay, error) {
		return s.client.Day(ctx, loc, date, s.clock.UTCOffset())
	})
	if err == nil {
		waited := time.Since(begin)
		// Waiting more than a beat means this lookup rode along on
		// another caller's fetch instead of starting its own.
		if waited > 10*time.Millisecond {
			observability.RequestCoalescingHitsTotal.WithLabelValues(dayLabel).Inc()
		}
		observability.RequestCoalescingWaitSeconds.Observe(waited.Seconds())
	}
	return day, err
}

// staleFallback tries the expired tier after an upstream failure. Entries
// older than the stale budget stay unserved.
func (s *Service) staleFallback(ctx context.Context, key, dayLabel string, logger *zap.Logger) (models.CelestialDay, bool) {
	if s.staleTTL <= 0 {
		return models.CelestialDay{}, false
	}
	stale, ok, err := s.cache.GetStale(ctx, key)
	if err != nil || !ok {
		return models.CelestialDay{}, false
	}
	age := time.Since(stale.FetchedAt)
	if age > s.staleTTL {
		return models.CelestialDay{}, false
	}
	observability.StaleServesTotal.WithLabelValues(dayLabel).Inc()
	observability.StaleAgeSeconds.Observe(age.Seconds())
	stale.Stale = true
	if logger != nil {
		logger.Info("serving stale almanac", zap.String("key", key), zap.Duration("age", age))
	}
	return stale, true
}

// store writes through to the cache. Failures are counted and logged but
// never surfaced; the caller already has the day in hand.
func (s *Service) store(ctx context.Context, key string, day models.CelestialDay, logger *zap.Logger) {
	begin := time.Now()
	if err := s.cache.Set(ctx, key, day, s.ttl); err != nil {
		observability.CacheErrorsTotal.WithLabelValues("set", cacheErrorLabel(err)).Inc()
		observability.CacheOperationDuration.WithLabelValues("set", "error").Observe(time.Since(begin).Seconds())
		if logger != nil {
			logger.Warn("cache set failed", zap.String("key", key), zap.Error(err))
		}
		return
	}
	observability.CacheOperationDuration.WithLabelValues("set", "success").Observe(time.Since(begin).Seconds())
}

// Window returns today's and tomorrow's almanac in one call. The pair is
// what the face needs to interpolate the phase between midnights.
func (s *Service) Window(ctx context.Context, loc models.Location) (models.CelestialDay, models.CelestialDay, error) {
	today := s.clock.Now()
	d0, err := s.Day(ctx, loc, today)
	if err != nil {
		return models.CelestialDay{}, models.CelestialDay{}, err
	}
	d1, err := s.Day(ctx, loc, today.AddDate(0, 0, 1))
	if err != nil {
		return models.CelestialDay{}, models.CelestialDay{}, err
	}
	return d0, d1, nil
}

// cacheErrorLabel buckets a cache failure into the stable label set the
// error counter carries.
func cacheErrorLabel(err error) string {
	var netErr net.Error
	switch {
	case err == nil:
		return "unknown"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	case errors.As(err, &netErr):
		return "connection"
	case strings.Contains(err.Error(), "timeout"):
		return "timeout"
	case strings.Contains(err.Error(), "connection"), strings.Contains(err.Error(), "network"):
		return "connection"
	default:
		return "unknown"
	}
}
