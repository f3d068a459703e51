// Package circuitbreaker stops hammering the ephemeris upstream once it is
// clearly down. After enough consecutive failures the breaker opens and
// calls fail fast; after a cool-off it lets probe calls through and closes
// again once they succeed.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned by Call while the circuit is open and the cool-off
// timeout has not elapsed.
var ErrOpen = errors.New("circuit breaker open")

// State is the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker parameters.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	Component        string
	OnStateChange    func(from, to State)
}

// CircuitBreaker guards calls to one upstream component.
type CircuitBreaker struct {
	cfg Config

	mu          sync.RWMutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time
}

// New creates a CircuitBreaker, filling unset thresholds with defaults.
func New(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

// Call runs fn unless the circuit is open inside its cool-off window, in
// which case it returns ErrOpen without invoking fn. Outcomes feed the
// state machine: repeated failures open the circuit, successes in
// half-open close it again.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func() error) error {
	if err := cb.allow(); err != nil {
		return err
	}
	err := fn()
	cb.record(err)
	return err
}

// State reports where the breaker currently stands.
func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// allow decides whether a call may proceed, moving an expired open circuit
// to half-open on the way.
func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	if cb.state == StateOpen {
		if time.Since(cb.lastFailure) < cb.cfg.Timeout {
			cb.mu.Unlock()
			if cb.cfg.Component != "" {
				return fmt.Errorf("%s: %w", cb.cfg.Component, ErrOpen)
			}
			return ErrOpen
		}
		cb.state = StateHalfOpen
		cb.successes = 0
		cb.mu.Unlock()
		cb.notify(StateOpen, StateHalfOpen)
		return nil
	}
	cb.mu.Unlock()
	return nil
}

// record feeds one call outcome into the state machine.
func (cb *CircuitBreaker) record(callErr error) {
	var from, to State

	cb.mu.Lock()
	if callErr != nil {
		cb.failures++
		cb.lastFailure = time.Now()
		if cb.state == StateHalfOpen || cb.failures >= cb.cfg.FailureThreshold {
			from, to = cb.state, StateOpen
			cb.state = StateOpen
			cb.failures = 0
		}
	} else {
		cb.successes++
		cb.failures = 0
		if cb.state == StateHalfOpen && cb.successes >= cb.cfg.SuccessThreshold {
			from, to = StateHalfOpen, StateClosed
			cb.state = StateClosed
			cb.successes = 0
		}
	}
	cb.mu.Unlock()

	if from != to {
		cb.notify(from, to)
	}
}

// notify fires the state change callback outside the lock, so callbacks
// are free to call back into the breaker.
func (cb *CircuitBreaker) notify(from, to State) {
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(from, to)
	}
}
