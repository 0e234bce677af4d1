// Package resilience holds the circuit breaker and timeout helpers used around
// record store and broker calls.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed allows all calls through
	StateClosed State = iota
	// StateOpen rejects calls until the cooldown elapses
	StateOpen
	// StateHalfOpen lets a probe call through to test recovery
	StateHalfOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitBreakerOpen is returned when the circuit breaker is open
var ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

// Option customizes a CircuitBreaker.
type Option func(*CircuitBreaker)

// WithFailureClassifier decides which errors count against the breaker.
// Errors it rejects are still returned to the caller but reset nothing and
// trip nothing. By default every non-nil error counts.
func WithFailureClassifier(isFailure func(error) bool) Option {
	return func(cb *CircuitBreaker) {
		if isFailure != nil {
			cb.isFailure = isFailure
		}
	}
}

// WithStateChangeHook is called outside the lock on every transition.
func WithStateChangeHook(hook func(from, to State)) Option {
	return func(cb *CircuitBreaker) {
		cb.onChange = hook
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) {
		if now != nil {
			cb.now = now
		}
	}
}

// CircuitBreaker stops calling a dependency after maxFailures consecutive
// failures and probes it again once cooldown has passed.
type CircuitBreaker struct {
	maxFailures  int
	cooldown     time.Duration
	isFailure    func(error) bool
	onChange     func(from, to State)
	now          func() time.Time
	state        State
	failures     int
	lastFailTime time.Time
	mu           sync.Mutex
}

// NewCircuitBreaker creates a breaker. maxFailures below one is treated as one.
func NewCircuitBreaker(maxFailures int, cooldown time.Duration, opts ...Option) *CircuitBreaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	cb := &CircuitBreaker{
		maxFailures: maxFailures,
		cooldown:    cooldown,
		isFailure:   func(err error) bool { return err != nil },
		now:         time.Now,
		state:       StateClosed,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Execute runs fn if the breaker allows it and returns fn's error unchanged.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.allow() {
		return ErrCircuitBreakerOpen
	}

	err := fn()
	if err != nil && cb.isFailure(err) {
		cb.recordFailure()
		return err
	}
	cb.recordSuccess()
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailTime) < cb.cooldown {
			cb.mu.Unlock()
			return false
		}
		cb.transition(StateHalfOpen)
		return true
	default:
		cb.mu.Unlock()
		return true
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	cb.lastFailTime = cb.now()
	if cb.state == StateHalfOpen {
		cb.failures = 0
		cb.transition(StateOpen)
		return
	}
	cb.failures++
	if cb.failures >= cb.maxFailures && cb.state == StateClosed {
		cb.failures = 0
		cb.transition(StateOpen)
		return
	}
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.transition(StateClosed)
		return
	}
	cb.mu.Unlock()
}

// transition must be called with mu held and releases it.
func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	cb.state = to
	hook := cb.onChange
	cb.mu.Unlock()
	if hook != nil && from != to {
		hook(from, to)
	}
}

// GetState returns the current state. An open breaker whose cooldown has
// elapsed still reports open until the next call probes it.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetFailures returns the consecutive failure count while closed.
func (cb *CircuitBreaker) GetFailures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}
