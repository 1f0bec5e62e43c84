// SPDX-License-Identifier: Apache-2.0
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	sdrerrors "github.com/calm329/SDR-Agent/pkg/errors"
)

// ErrCircuitOpen is the cause of every call rejected by an open breaker.
var ErrCircuitOpen = errors.New("circuit breaker open")

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState string

const (
	// StateClosed means the circuit breaker is working normally.
	StateClosed CircuitBreakerState = "closed"

	// StateOpen means the circuit breaker is blocking calls.
	StateOpen CircuitBreakerState = "open"

	// StateHalfOpen means the circuit breaker is testing if service recovered.
	StateHalfOpen CircuitBreakerState = "half-open"
)

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int

	// SuccessThreshold is the number of successes in half-open before closing.
	SuccessThreshold int

	// Timeout is how long to stay open before trying half-open.
	Timeout time.Duration

	// Name is the circuit breaker identifier for logging/metrics.
	Name string

	// IsFailure decides which errors count against the breaker. Nil counts
	// every error.
	IsFailure func(error) bool

	// OnStateChange is called outside the lock after every transition.
	OnStateChange func(name string, from, to CircuitBreakerState)
}

// CircuitBreaker stops calling a dependency that keeps failing. Calls run
// without the lock held, so a slow call never blocks others.
type CircuitBreaker struct {
	config       CircuitBreakerConfig
	state        CircuitBreakerState
	failures     int
	successes    int
	lastFailTime time.Time
	now          func() time.Time
	mu           sync.Mutex
}

// NewCircuitBreaker creates a new circuit breaker with the given config.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold < 1 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold < 1 {
		config.SuccessThreshold = 1
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Name == "" {
		config.Name = "circuit_breaker"
	}
	return &CircuitBreaker{
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}
}

// Call executes fn if the breaker allows it. An open breaker fails fast with
// a TRANSPORT_ERROR.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.allow(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	from := cb.state
	if cb.state == StateOpen && cb.now().Sub(cb.lastFailTime) >= cb.config.Timeout {
		cb.state = StateHalfOpen
		cb.successes = 0
		cb.failures = 0
	}
	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)

	if to == StateOpen {
		return sdrerrors.New(sdrerrors.CodeTransport, "call rejected", ErrCircuitOpen).
			WithContext("breaker", cb.config.Name)
	}
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	failed := err != nil && (cb.config.IsFailure == nil || cb.config.IsFailure(err))

	cb.mu.Lock()
	from := cb.state
	switch {
	case failed:
		cb.failures++
		cb.lastFailTime = cb.now()
		if cb.state == StateHalfOpen || cb.failures >= cb.config.FailureThreshold {
			cb.state = StateOpen
			cb.failures = 0
			cb.successes = 0
		}
	case cb.state == StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.state = StateClosed
			cb.failures = 0
			cb.successes = 0
		}
	default:
		cb.failures = 0
	}
	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
}

func (cb *CircuitBreaker) notify(from, to CircuitBreakerState) {
	if from != to && cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, from, to)
	}
}

// State returns the current circuit breaker state.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset manually resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.mu.Unlock()
	cb.notify(from, StateClosed)
}

// Open manually forces the circuit breaker to open state.
func (cb *CircuitBreaker) Open() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateOpen
	cb.lastFailTime = cb.now()
	cb.mu.Unlock()
	cb.notify(from, StateOpen)
}
