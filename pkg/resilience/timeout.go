// SPDX-License-Identifier: Apache-2.0
package resilience

import (
	"context"
	"time"

	sdrerrors "github.com/calm329/SDR-Agent/pkg/errors"
)

// WithTimeout runs fn under a deadline of d. fn receives the bounded context
// and is abandoned, not awaited, once the deadline passes. A zero d runs fn
// directly.
func WithTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if d <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		value, err := fn(ctx)
		done <- result{value, err}
	}()

	select {
	case <-ctx.Done():
		var zero T
		return zero, sdrerrors.New(contextCode(ctx), "operation exceeded timeout", ctx.Err()).
			WithContext("timeout", d.String()).
			WithRecoverable(true)
	case res := <-done:
		return res.value, res.err
	}
}
