package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/selenograph/moonclock/internal/models"
	"github.com/selenograph/moonclock/internal/observability"
)

// DayFetcher fetches one date of almanac data for an observer. It is
// declared here instead of importing the almanac package, which would
// be an import cycle.
type DayFetcher interface {
	Day(ctx context.Context, loc models.Location, date time.Time) (models.CelestialDay, error)
}

// Warmer primes the cache with the dates the clock is about to need, so
// the first tick after boot renders from cache instead of waiting on the
// upstream.
type Warmer struct {
	fetcher DayFetcher
	logger  *zap.Logger
}

// NewWarmer returns a Warmer backed by fetcher. logger may be nil.
func NewWarmer(fetcher DayFetcher, logger *zap.Logger) *Warmer {
	return &Warmer{fetcher: fetcher, logger: logger}
}

// Warm fetches every date in the window concurrently. The fetcher's own
// cache write makes each result available to later reads, so Warm has
// nothing to store itself. A non-nil return joins the per-date failures.
func (w *Warmer) Warm(ctx context.Context, loc models.Location, dates []time.Time) error {
	observability.CacheWarmingTotal.Inc()
	start := time.Now()
	if w.logger != nil {
		w.logger.Info("warming almanac cache", zap.Int("dates", len(dates)))
	}

	errs := make([]error, len(dates))
	var wg sync.WaitGroup
	for i, date := range dates {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := w.fetcher.Day(ctx, loc, date); err != nil {
				errs[i] = fmt.Errorf("warm %s: %w", date.Format("2006-01-02"), err)
			}
		}()
	}
	wg.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}
	observability.CacheWarmingDuration.Observe(time.Since(start).Seconds())
	if w.logger != nil {
		w.logger.Info("almanac cache warm finished",
			zap.Int("dates", len(dates)),
			zap.Int("failed", failed),
			zap.Duration("elapsed", time.Since(start)))
	}
	if failed > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("cache warming: %w", errors.Join(errs...))
	}
	return nil
}

// WarmPeriodic warms immediately and then again every interval until ctx
// is cancelled. dates is re-evaluated each pass because the window rolls
// forward at local midnight.
func (w *Warmer) WarmPeriodic(ctx context.Context, loc models.Location, dates func() []time.Time, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := w.Warm(ctx, loc, dates()); err != nil && w.logger != nil {
			w.logger.Warn("almanac warm pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
