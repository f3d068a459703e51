// Package overload reads the shared traffic windows to answer whether the
// service is shedding load. Denials come from the rate-limit middleware.
package overload

import (
	"time"

	"github.com/selenograph/moonclock/internal/traffic"
)

// RecordDenial notes a 429 sent by the rate-limit middleware.
func RecordDenial() {
	traffic.RecordDenied()
}

// RequestCount counts every recorded outcome inside the window.
func RequestCount(window time.Duration) int {
	return traffic.RequestCount(window)
}

// DenialCount counts 429s inside the window.
func DenialCount(window time.Duration) int {
	return traffic.DenialCount(window)
}

// Breached reports whether traffic inside the window exceeded thresholdPct
// of rated capacity, where capacity is rps sustained over the whole window.
// Always false when rate limiting is disabled (rps <= 0); without a rated
// capacity there is nothing to breach.
func Breached(window time.Duration, rps, thresholdPct int) bool {
	if window <= 0 || rps <= 0 || thresholdPct <= 0 {
		return false
	}
	capacity := float64(rps) * window.Seconds()
	return float64(traffic.RequestCount(window)) > capacity*float64(thresholdPct)/100
}

// Reset clears all recorded data. For tests only.
func Reset() {
	traffic.Reset()
}
