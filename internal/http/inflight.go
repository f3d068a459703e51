package http

import (
	"context"
	"sync/atomic"
	"time"
)

// InFlightTracker counts requests currently being served. The graceful
// shutdown path drains on it so a clock face response in progress is not
// cut off when the listener closes.
type InFlightTracker struct {
	count atomic.Int64
}

// Increment records a request entering a handler.
func (t *InFlightTracker) Increment() {
	t.count.Add(1)
}

// Decrement records a request completing.
func (t *InFlightTracker) Decrement() {
	t.count.Add(-1)
}

// Count returns the number of requests currently in flight.
func (t *InFlightTracker) Count() int64 {
	return t.count.Load()
}

// WaitForZero polls at checkInterval until the count reaches zero or ctx
// is cancelled.
func (t *InFlightTracker) WaitForZero(ctx context.Context, checkInterval time.Duration) error {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	for {
		if t.Count() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// globalInFlightTracker backs MetricsMiddleware and the shutdown drain.
var globalInFlightTracker = &InFlightTracker{}

// InFlightCount returns the current number of in-flight requests.
func InFlightCount() int64 {
	return globalInFlightTracker.Count()
}

// WaitForInFlight blocks until in-flight requests reach zero or ctx is done.
func WaitForInFlight(ctx context.Context, checkInterval time.Duration) error {
	return globalInFlightTracker.WaitForZero(ctx, checkInterval)
}
