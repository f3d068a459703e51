// Package traffic keeps sliding windows of upstream fetch outcomes. The
// almanac service records sunrise API results here, the middleware records
// rate-limit denials, and the degraded and overload packages read the
// windows back out.
package traffic

import (
	"slices"
	"sync"
	"time"
)

// maxAge bounds how far back outcomes are kept. Ephemeris fetches are
// sparse (the clock refetches on rollover and cache expiry, not per tick),
// so windows run much longer than a request-serving service would use.
const maxAge = time.Hour

type outcomeKind uint8

const (
	outcomeSuccess outcomeKind = iota
	outcomeError
	outcomeDenied
)

type outcome struct {
	at   time.Time
	kind outcomeKind
}

var defaultTracker Tracker

// RecordSuccess records a successful upstream fetch.
func RecordSuccess() {
	defaultTracker.record(outcomeSuccess, 1)
}

// RecordError records a failed upstream fetch (API error, timeout, etc.).
func RecordError() {
	defaultTracker.record(outcomeError, 1)
}

// RecordDenied records a rate-limit denial (429).
func RecordDenied() {
	defaultTracker.record(outcomeDenied, 1)
}

// RecordSuccessN records n successful outcomes. For synthetic load injection
// through the test endpoints.
func RecordSuccessN(n int) {
	defaultTracker.record(outcomeSuccess, n)
}

// RecordErrorN records n error outcomes. For synthetic error injection
// through the test endpoints.
func RecordErrorN(n int) {
	defaultTracker.record(outcomeError, n)
}

// RequestCount counts every outcome kind inside the window.
func RequestCount(window time.Duration) int {
	return defaultTracker.RequestCount(window)
}

// DenialCount counts rate-limit denials inside the window.
func DenialCount(window time.Duration) int {
	return defaultTracker.DenialCount(window)
}

// ErrorRate reports errors against completed fetches (successes plus
// errors) inside the window. Denials are left out of both numbers.
func ErrorRate(window time.Duration) (errors, total int) {
	return defaultTracker.ErrorRate(window)
}

// Reset clears all recorded outcomes. For tests only.
func Reset() {
	defaultTracker.Reset()
}

// Tracker holds one time-ordered slice of tagged outcomes that overload,
// idle and degraded all read their windows from.
type Tracker struct {
	mu       sync.Mutex
	outcomes []outcome
}

// RecordSuccess records a successful fetch outcome in the tracker.
func (t *Tracker) RecordSuccess() {
	t.record(outcomeSuccess, 1)
}

// RecordError records a failed fetch outcome in the tracker.
func (t *Tracker) RecordError() {
	t.record(outcomeError, 1)
}

// RecordDenied records a rate-limit denial in the tracker.
func (t *Tracker) RecordDenied() {
	t.record(outcomeDenied, 1)
}

// RecordSuccessN records n successful outcomes in one lock acquisition.
func (t *Tracker) RecordSuccessN(n int) {
	t.record(outcomeSuccess, n)
}

// RecordErrorN records n error outcomes in one lock acquisition.
func (t *Tracker) RecordErrorN(n int) {
	t.record(outcomeError, n)
}

func (t *Tracker) record(kind outcomeKind, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	for range n {
		t.outcomes = append(t.outcomes, outcome{at: now, kind: kind})
	}
	t.pruneLocked(now)
}

// RequestCount counts outcomes of every kind inside the window.
func (t *Tracker) RequestCount(window time.Duration) int {
	succ, errs, denied := t.tally(window)
	return succ + errs + denied
}

// DenialCount counts rate-limit denials inside the window.
func (t *Tracker) DenialCount(window time.Duration) int {
	_, _, denied := t.tally(window)
	return denied
}

// ErrorRate returns (errorCount, totalCount) within the window. Denials are
// excluded: a 429 says nothing about upstream health.
func (t *Tracker) ErrorRate(window time.Duration) (errors, total int) {
	succ, errs, _ := t.tally(window)
	return errs, errs + succ
}

// Reset clears all recorded outcomes from the tracker.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.outcomes = nil
}

// tally counts outcomes per kind inside the window ending now.
func (t *Tracker) tally(window time.Duration) (succ, errs, denied int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := time.Now().Add(-window)
	for _, o := range t.outcomes {
		if o.at.Before(cutoff) {
			continue
		}
		switch o.kind {
		case outcomeSuccess:
			succ++
		case outcomeError:
			errs++
		case outcomeDenied:
			denied++
		}
	}
	return succ, errs, denied
}

// pruneLocked drops outcomes older than maxAge. Windows longer than
// maxAge undercount. Caller holds the mutex.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-maxAge)
	t.outcomes = slices.DeleteFunc(t.outcomes, func(o outcome) bool {
		return o.at.Before(cutoff)
	})
}
