// Package lifecycle tracks coarse process state shared between the HTTP
// layer and the shutdown path: a boot grace window right after startup and
// a draining flag once a signal arrives.
package lifecycle

import (
	"sync/atomic"
	"time"
)

var (
	bootDeadlineNanos atomic.Int64
	draining          atomic.Bool
)

// MarkBootGrace opens a grace window of d from now. While the window is
// open the health endpoint reports "starting" instead of probing the
// ephemeris upstream, so a freshly booted process is not flagged degraded
// before the scheduler has fetched its first window. Call once during
// startup wiring; d <= 0 disables the window.
func MarkBootGrace(d time.Duration) {
	if d <= 0 {
		bootDeadlineNanos.Store(0)
		return
	}
	bootDeadlineNanos.Store(time.Now().Add(d).UnixNano())
}

// InBootGrace reports whether the boot grace window is still open.
func InBootGrace() bool {
	deadline := bootDeadlineNanos.Load()
	return deadline != 0 && time.Now().UnixNano() < deadline
}

// SetShuttingDown flips the draining flag. The signal handler sets it the
// moment SIGTERM or SIGINT arrives, so health flips to shutting-down before
// the listener closes and load balancers stop sending traffic.
func SetShuttingDown(v bool) {
	draining.Store(v)
}

// IsShuttingDown reports whether the process is draining and should not
// receive new traffic.
func IsShuttingDown() bool {
	return draining.Load()
}

// Reset clears all lifecycle state. Tests only.
func Reset() {
	bootDeadlineNanos.Store(0)
	draining.Store(false)
}
