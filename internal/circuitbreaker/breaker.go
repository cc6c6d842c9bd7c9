// Package circuitbreaker stops dispatching to a provider after repeated failures.
//
// Each provider id has its own breaker. After threshold consecutive failures the
// breaker opens and every send fails fast until the cooldown has elapsed; then a
// single probe is let through. The probe's outcome closes or re-opens the breaker.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

func (s state) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

type providerState struct {
	state               state
	consecutiveFailures int
	openedAt            time.Time
}

type CircuitBreaker struct {
	mu        sync.Mutex
	states    map[string]*providerState
	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// New creates a breaker. A threshold <= 0 disables it: Allow always succeeds.
func New(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		states:    make(map[string]*providerState),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.now = now
	return cb
}

// Allow returns ErrCircuitOpen if sends to provider must be skipped.
func (cb *CircuitBreaker) Allow(provider string) error {
	if cb.threshold <= 0 {
		return nil
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[provider]
	if !ok {
		return nil
	}

	switch s.state {
	case stateOpen:
		if cb.now().Sub(s.openedAt) >= cb.cooldown {
			s.state = stateHalfOpen
			return nil
		}
		return ErrCircuitOpen
	case stateHalfOpen:
		// probe in flight
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (cb *CircuitBreaker) RecordSuccess(provider string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[provider]
	if !ok {
		return
	}
	s.state = stateClosed
	s.consecutiveFailures = 0
}

func (cb *CircuitBreaker) RecordFailure(provider string) {
	if cb.threshold <= 0 {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	s, ok := cb.states[provider]
	if !ok {
		s = &providerState{}
		cb.states[provider] = s
	}

	s.consecutiveFailures++
	if s.state == stateHalfOpen || s.consecutiveFailures >= cb.threshold {
		s.state = stateOpen
		s.openedAt = cb.now()
	}
}

// States reports the state of every provider that has recorded a failure.
func (cb *CircuitBreaker) States() map[string]string {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	out := make(map[string]string, len(cb.states))
	for provider, s := range cb.states {
		out[provider] = s.state.String()
	}
	return out
}
