// Package idle tracks how recently anyone has looked at the clock. A wall
// display that nobody polls still ticks, but health reporting distinguishes
// an idle service from a broken one.
package idle

import (
	"slices"
	"sync"
	"time"
)

// retainFor bounds how long read timestamps are kept. Windows larger than
// this undercount; the configured idle window defaults to five minutes.
const retainFor = 30 * time.Minute

var defaultTracker Tracker

// RecordRequest records a clock-state read (GET /clock or the face image).
// Call from handlers for traffic that counts toward idle detection.
func RecordRequest() {
	defaultTracker.RecordRequest()
}

// RequestCount counts reads inside the window ending now.
func RequestCount(window time.Duration) int {
	return defaultTracker.RequestCount(window)
}

// Reset drops every recorded read. For tests only.
func Reset() {
	defaultTracker.Reset()
}

// Tracker keeps the timestamps of recent reads.
type Tracker struct {
	mu    sync.Mutex
	reads []time.Time
}

// RecordRequest records a read at the current time.
func (t *Tracker) RecordRequest() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	t.reads = append(t.reads, now)
	t.pruneLocked(now)
}

// RequestCount counts reads inside the window ending now. Reads arrive in
// time order, so the scan walks back from the newest and stops at the
// first one outside the window.
func (t *Tracker) RequestCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	t.pruneLocked(now)
	cutoff := now.Add(-window)
	n := 0
	for i := len(t.reads) - 1; i >= 0; i-- {
		if t.reads[i].Before(cutoff) {
			break
		}
		n++
	}
	return n
}

// Reset drops every recorded read.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reads = nil
}

func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-retainFor)
	t.reads = slices.DeleteFunc(t.reads, func(ts time.Time) bool {
		return ts.Before(cutoff)
	})
}
