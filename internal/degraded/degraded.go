// Package degraded tracks ephemeris fetch health and drives the recovery
// probe loop. The clock keeps rendering from cached days while degraded;
// this package decides when the upstream is worth trusting again.
package degraded

import (
	"time"

	"github.com/selenograph/moonclock/internal/traffic"
)

// RecordSuccess counts an ephemeris fetch that came back usable.
func RecordSuccess() {
	traffic.RecordSuccess()
}

// RecordError counts an ephemeris fetch that failed, whatever the cause.
func RecordError() {
	traffic.RecordError()
}

// ErrorRate reports how many of the fetches inside the window failed.
// total covers successes and errors both.
func ErrorRate(window time.Duration) (errors, total int) {
	return traffic.ErrorRate(window)
}

// RateBreached reports whether the fetch error rate inside the window
// reached thresholdPct. A window with no fetches reports false; no evidence
// is not evidence of failure.
func RateBreached(window time.Duration, thresholdPct int) bool {
	if window <= 0 || thresholdPct <= 0 {
		return false
	}
	errs, total := traffic.ErrorRate(window)
	if total == 0 {
		return false
	}
	return float64(errs)*100/float64(total) >= float64(thresholdPct)
}

// Reset drops every recorded fetch outcome. For tests only.
func Reset() {
	traffic.Reset()
}
