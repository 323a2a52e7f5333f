package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/longregen/teleprompt/internal/adapters/metrics"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

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
	}
	return "unknown"
}

type CircuitBreaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time

	name        string
	maxFailures int
	timeout     time.Duration
	halfOpenMax int
	isFailure   func(error) bool
}

type Option func(*CircuitBreaker)

// WithName labels the breaker's state gauge.
func WithName(name string) Option {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// WithHalfOpenSuccesses sets how many consecutive half-open successes close
// the circuit.
func WithHalfOpenSuccesses(n int) Option {
	return func(cb *CircuitBreaker) {
		if n > 0 {
			cb.halfOpenMax = n
		}
	}
}

// WithFailurePredicate decides which errors count against the circuit.
// Errors it rejects are returned to the caller without tripping anything.
func WithFailurePredicate(fn func(error) bool) Option {
	return func(cb *CircuitBreaker) {
		cb.isFailure = fn
	}
}

func New(maxFailures int, timeout time.Duration, opts ...Option) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:       StateClosed,
		name:        "default",
		maxFailures: maxFailures,
		timeout:     timeout,
		halfOpenMax: 3,
	}
	for _, opt := range opts {
		opt(cb)
	}
	cb.report()
	return cb
}

func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()

	if cb.state == StateOpen {
		if time.Since(cb.lastFailure) > cb.timeout {
			cb.setState(StateHalfOpen)
			cb.successes = 0
		} else {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil && (cb.isFailure == nil || cb.isFailure(err)) {
		cb.failures++
		cb.lastFailure = time.Now()
		// A failed probe reopens immediately
		if cb.state == StateHalfOpen || cb.failures >= cb.maxFailures {
			cb.setState(StateOpen)
		}
		return err
	}
	if err != nil {
		return err
	}

	if cb.state == StateHalfOpen {
		cb.successes++
		if cb.successes >= cb.halfOpenMax {
			cb.setState(StateClosed)
			cb.failures = 0
		}
	} else {
		cb.failures = 0
	}

	return nil
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the circuit and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.successes = 0
	cb.setState(StateClosed)
}

// setState must be called with mu held.
func (cb *CircuitBreaker) setState(s State) {
	cb.state = s
	cb.report()
}

func (cb *CircuitBreaker) report() {
	metrics.CircuitBreakerState.WithLabelValues(cb.name).Set(float64(cb.state))
}
