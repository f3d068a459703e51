package timesync

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/selenograph/moonclock/internal/observability"
)

// Runner re-syncs the clock on a fixed cadence. A failed sync retries
// sooner instead of waiting out the whole interval, so a transient outage
// costs minutes of drift rather than another full hour.
type Runner struct {
	client   *Client
	clock    *Clock
	timezone string
	interval time.Duration
	pushback time.Duration
	logger   *zap.Logger
}

func NewRunner(client *Client, clock *Clock, timezone string, interval, pushback time.Duration, logger *zap.Logger) *Runner {
	return &Runner{
		client:   client,
		clock:    clock,
		timezone: timezone,
		interval: interval,
		pushback: pushback,
		logger:   logger,
	}
}

// Run syncs immediately and then keeps the clock fresh until the context
// ends. Call in a goroutine from main.
func (r *Runner) Run(ctx context.Context) {
	for {
		wait := r.interval
		if err := r.SyncOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			wait = r.pushback
			r.logger.Warn("time sync failed, rescheduling",
				zap.Error(err),
				zap.Duration("retryIn", wait))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// SyncOnce performs one sync attempt and applies the result to the clock.
func (r *Runner) SyncOnce(ctx context.Context) error {
	s, err := r.client.Now(ctx, r.timezone)
	if err != nil {
		if ctx.Err() == nil {
			observability.TimeSyncTotal.WithLabelValues("failure").Inc()
		}
		return err
	}

	if err := r.clock.Apply(s); err != nil {
		observability.TimeSyncTotal.WithLabelValues("failure").Inc()
		return err
	}

	observability.TimeSyncTotal.WithLabelValues("success").Inc()
	observability.ClockOffsetSeconds.Set(r.clock.Correction().Seconds())

	r.logger.Info("clock synced",
		zap.String("timezone", s.Timezone),
		zap.String("utcOffset", s.UTCOffset),
		zap.Duration("correction", r.clock.Correction()))
	return nil
}
