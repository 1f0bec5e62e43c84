// SPDX-License-Identifier: Apache-2.0
// Package resilience provides retry, timeout, circuit breaker and ordered
// strategy helpers used above the transport. The transport itself never
// retries; callers compose these around it.
package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	sdrerrors "github.com/calm329/SDR-Agent/pkg/errors"
)

// RetryConfig controls retry behavior with exponential backoff.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (must be >= 1).
	MaxAttempts int

	// InitialDelay is the backoff before the second attempt.
	InitialDelay time.Duration

	// MaxDelay caps the exponential backoff delay.
	MaxDelay time.Duration

	// Multiplier for exponential backoff (default 2.0).
	Multiplier float64

	// IsRecoverable determines if an error should be retried.
	// If nil, IsRecoverable from this package is used.
	IsRecoverable func(error) bool

	// Jitter adds randomness to backoff; 0.1 means ±10%.
	Jitter float64

	// OnRetry, when set, is called before each backoff sleep.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryConfig returns the policy used for tool calls: three attempts
// starting at one second.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  time.Second,
		MaxDelay:      10 * time.Second,
		Multiplier:    2.0,
		Jitter:        0.1,
		IsRecoverable: IsRecoverable,
	}
}

// WithMaxAttempts returns a new config with MaxAttempts set.
func (rc RetryConfig) WithMaxAttempts(max int) RetryConfig {
	rc.MaxAttempts = max
	return rc
}

// WithInitialDelay returns a new config with InitialDelay set.
func (rc RetryConfig) WithInitialDelay(d time.Duration) RetryConfig {
	rc.InitialDelay = d
	return rc
}

// WithMaxDelay returns a new config with MaxDelay set.
func (rc RetryConfig) WithMaxDelay(d time.Duration) RetryConfig {
	rc.MaxDelay = d
	return rc
}

// WithIsRecoverable returns a new config with IsRecoverable set.
func (rc RetryConfig) WithIsRecoverable(fn func(error) bool) RetryConfig {
	rc.IsRecoverable = fn
	return rc
}

// Do executes fn with retry logic, returning the last error if all attempts fail.
func (rc RetryConfig) Do(ctx context.Context, fn func(context.Context) error) error {
	_, err := Retry(ctx, rc, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Retry runs fn until it succeeds, returns a non-recoverable error, or the
// attempts run out.
func Retry[T any](ctx context.Context, rc RetryConfig, fn func(context.Context) (T, error)) (T, error) {
	if rc.MaxAttempts < 1 {
		rc.MaxAttempts = 1
	}
	if rc.IsRecoverable == nil {
		rc.IsRecoverable = IsRecoverable
	}

	var (
		zero    T
		lastErr error
	)
	for attempt := 0; attempt < rc.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := calculateBackoff(attempt-1, rc)
			if rc.OnRetry != nil {
				rc.OnRetry(attempt, lastErr, delay)
			}
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, sdrerrors.New(contextCode(ctx), "retry interrupted", lastErr).
					WithContext("attempt", attempt).
					WithContext("max_attempts", rc.MaxAttempts)
			case <-timer.C:
			}
		}

		value, err := fn(ctx)
		if err == nil {
			return value, nil
		}
		lastErr = err
		if !rc.IsRecoverable(err) {
			return zero, err
		}
	}
	return zero, lastErr
}

// calculateBackoff computes initialDelay * multiplier^attempt with jitter.
func calculateBackoff(attempt int, rc RetryConfig) time.Duration {
	if rc.Multiplier == 0 {
		rc.Multiplier = 2.0
	}
	delay := time.Duration(float64(rc.InitialDelay) * math.Pow(rc.Multiplier, float64(attempt)))
	if rc.MaxDelay > 0 && delay > rc.MaxDelay {
		delay = rc.MaxDelay
	}
	if rc.Jitter > 0 {
		spread := float64(delay) * rc.Jitter
		delay = time.Duration(float64(delay) + 2*spread*(rand.Float64()-0.5))
		if delay < 0 {
			delay = 0
		}
	}
	return delay
}

// IsRecoverable reports whether err is worth retrying. Typed errors use their
// Recoverable flag or, failing that, their code: timeouts and transport or
// protocol failures are retried, a dead child process, bad input and an
// open circuit breaker are not.
// Untyped errors are treated as recoverable.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrCircuitOpen) {
		return false
	}
	te, ok := sdrerrors.As(err)
	if !ok {
		return true
	}
	if te.Recoverable {
		return true
	}
	switch te.Code {
	case sdrerrors.CodeTimeout, sdrerrors.CodeTransport, sdrerrors.CodeProtocol:
		return true
	default:
		return false
	}
}

func contextCode(ctx context.Context) sdrerrors.ErrorCode {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return sdrerrors.CodeTimeout
	}
	return sdrerrors.CodeInternal
}
