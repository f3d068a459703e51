package degraded

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// probeTimeout caps a single recovery probe. The sunrise API answers in
// well under a second when it answers at all.
const probeTimeout = 10 * time.Second

var (
	recoveryChan   chan struct{}
	recoveryChanMu sync.Mutex

	// Soak-rig overrides. Armed through the simulation endpoints, consumed
	// by RunRecovery, and never touched in normal operation.
	recoveryDisabled   atomic.Bool
	forceFailNext      atomic.Bool
	forceSucceedNext   atomic.Bool
	recoveryAttemptIdx atomic.Uint32
)

// SetRecoveryDisabled pins degraded state: RunRecovery refuses to start
// while the flag is set.
func SetRecoveryDisabled(v bool) {
	recoveryDisabled.Store(v)
}

// IsRecoveryDisabled reports whether auto recovery is pinned off.
func IsRecoveryDisabled() bool {
	return recoveryDisabled.Load()
}

// SetForceFailNextAttempt arms a one-shot failure: the next recovery
// attempt fails without probing the upstream.
func SetForceFailNextAttempt(v bool) {
	forceFailNext.Store(v)
}

// SetForceSucceedNextAttempt arms a one-shot recovery: the next attempt
// clears degraded state without probing the upstream.
func SetForceSucceedNextAttempt(v bool) {
	forceSucceedNext.Store(v)
}

// ClearRecoveryOverrides drops every armed override and the simulated
// attempt index.
func ClearRecoveryOverrides() {
	recoveryDisabled.Store(false)
	forceFailNext.Store(false)
	forceSucceedNext.Store(false)
	recoveryAttemptIdx.Store(0)
}

// NotifyDegraded signals that ephemeris fetches are failing. Non-blocking,
// so handlers and the scheduler can call it on their hot paths.
func NotifyDegraded() {
	recoveryChanMu.Lock()
	ch := recoveryChan
	recoveryChanMu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
		// A recovery signal is already pending.
	}
}

// ProbeFunc checks whether the ephemeris upstream is answering again. A nil
// return means recovered.
type ProbeFunc func(ctx context.Context) error

// StartRecoveryListener watches for NotifyDegraded signals and runs one
// recovery loop at a time in response. Call once from main with the app
// context; probe should issue a live sunrise query for the current date.
func StartRecoveryListener(ctx context.Context, probe ProbeFunc, initial, max time.Duration, onExhausted func()) {
	ch := make(chan struct{}, 1)
	recoveryChanMu.Lock()
	recoveryChan = ch
	recoveryChanMu.Unlock()

	var running atomic.Bool
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
			}
			if running.Swap(true) {
				continue
			}
			go func() {
				defer running.Store(false)
				RunRecovery(ctx, probe, initial, max, onExhausted)
			}()
		}
	}()
}

// RunRecovery probes the upstream on a Fibonacci schedule (initial, 2x, 3x,
// 5x, 8x, 13x initial, capped at max). A nil probe result resets the
// degraded tracker and stops the loop; when the last scheduled probe still
// fails, onExhausted fires. The armed overrides short-circuit individual
// attempts: recoveryDisabled skips the loop, forceSucceedNext recovers
// without probing, forceFailNext fails one attempt without probing.
func RunRecovery(ctx context.Context, probe ProbeFunc, initial, max time.Duration, onExhausted func()) {
	if recoveryDisabled.Load() {
		return
	}
	remaining := fibDelays(initial, max)
	for len(remaining) > 0 {
		wait := remaining[0]
		remaining = remaining[1:]
		if !sleepFor(ctx, wait) {
			return
		}
		if recoveryDisabled.Load() {
			return
		}
		if attempt(ctx, probe) {
			Reset()
			return
		}
		if len(remaining) == 0 {
			onExhausted()
			return
		}
	}
}

// attempt reports whether one recovery attempt found the upstream healthy,
// honoring the armed one-shot overrides before issuing a real probe.
func attempt(ctx context.Context, probe ProbeFunc) bool {
	if forceSucceedNext.Swap(false) {
		return true
	}
	if forceFailNext.Swap(false) {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	return probe(probeCtx) == nil
}

// sleepFor waits out d, reporting false when ctx ends first.
func sleepFor(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// GetAndAdvanceNextRecoveryDelay walks the Fibonacci ladder one simulated
// failure at a time: each call returns the delay for the current attempt
// and advances the index. Reports false once the ladder is exhausted.
func GetAndAdvanceNextRecoveryDelay(initial, max time.Duration) (time.Duration, bool) {
	delays := fibDelays(initial, max)
	if len(delays) == 0 {
		return 0, false
	}
	idx := int(recoveryAttemptIdx.Add(1)) - 1
	if idx >= len(delays) {
		return 0, false
	}
	return delays[idx], true
}

// fibDelays expands initial into the Fibonacci delay ladder, dropping terms
// past max. Duration arithmetic throughout, so sub-second initials expand
// exactly.
func fibDelays(initial, max time.Duration) []time.Duration {
	if initial <= 0 || max < initial {
		return nil
	}
	var out []time.Duration
	a, b := initial, 2*initial
	for a <= max {
		out = append(out, a)
		a, b = b, a+b
	}
	return out
}
