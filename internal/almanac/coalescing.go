package almanac

import (
	"context"
	"sync"
	"time"

	"github.com/selenograph/moonclock/internal/models"
)

// flight is one upstream fetch shared by every caller that arrives while
// it runs. day and err are written before done closes and read only
// after, so they need no lock of their own.
type flight struct {
	done chan struct{}
	day  models.CelestialDay
	err  error
}

// requestCoalescer folds concurrent lookups for the same key into a
// single upstream fetch. Late arrivals wait on the first caller's flight
// instead of starting their own.
type requestCoalescer struct {
	mu      sync.Mutex
	flights map[string]*flight
	timeout time.Duration
}

func newRequestCoalescer(timeout time.Duration) *requestCoalescer {
	return &requestCoalescer{
		flights: make(map[string]*flight),
		timeout: timeout,
	}
}

// Do returns the result of fetch for key, either by running it or by
// joining a flight already in progress. Waiting is bounded by ctx and
// the coalescer timeout; a caller that gives up leaves the flight
// running so its result can still land in the cache.
func (rc *requestCoalescer) Do(ctx context.Context, key string, fetch func() (models.CelestialDay, error)) (models.CelestialDay, error) {
	rc.mu.Lock()
	f, found := rc.flights[key]
	if !found {
		f = &flight{done: make(chan struct{})}
		rc.flights[key] = f
		go rc.fly(key, f, fetch)
	}
	rc.mu.Unlock()

	select {
	case <-f.done:
		return f.day, f.err
	default:
	}

	waitCtx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()
	select {
	case <-f.done:
		return f.day, f.err
	case <-waitCtx.Done():
		return models.CelestialDay{}, waitCtx.Err()
	}
}

func (rc *requestCoalescer) fly(key string, f *flight, fetch func() (models.CelestialDay, error)) {
	f.day, f.err = fetch()
	close(f.done)
	rc.mu.Lock()
	delete(rc.flights, key)
	rc.mu.Unlock()
}
