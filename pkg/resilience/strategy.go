// SPDX-License-Identifier: Apache-2.0
package resilience

import (
	"context"
	"errors"
	"fmt"

	sdrerrors "github.com/calm329/SDR-Agent/pkg/errors"
)

// Strategy is one way of producing a result. Attempt returns ok=false with a
// nil error to decline, letting the next strategy run.
type Strategy[T any] interface {
	Name() string
	Attempt(ctx context.Context) (value T, ok bool, err error)
}

// StrategyFunc adapts a function into a named Strategy.
type StrategyFunc[T any] struct {
	Label string
	Fn    func(ctx context.Context) (T, bool, error)
}

// Name implements Strategy.
func (s StrategyFunc[T]) Name() string { return s.Label }

// Attempt implements Strategy.
func (s StrategyFunc[T]) Attempt(ctx context.Context) (T, bool, error) {
	return s.Fn(ctx)
}

// Named builds a StrategyFunc.
func Named[T any](name string, fn func(ctx context.Context) (T, bool, error)) StrategyFunc[T] {
	return StrategyFunc[T]{Label: name, Fn: fn}
}

// Outcome records what one strategy did.
type Outcome struct {
	Strategy string
	Declined bool
	Err      error
}

// FirstSuccess runs strategies in order and returns the first accepted
// value with the name of the strategy that produced it. Failed and declined
// attempts are reported in the returned outcomes. When nothing succeeds the
// error joins every attempt's error under a NOT_FOUND code. Context
// cancellation stops the list early.
func FirstSuccess[T any](ctx context.Context, strategies ...Strategy[T]) (T, string, []Outcome, error) {
	var (
		zero     T
		outcomes []Outcome
		errs     []error
	)
	for _, s := range strategies {
		if err := ctx.Err(); err != nil {
			return zero, "", outcomes, sdrerrors.New(contextCode(ctx), "strategies interrupted", err)
		}
		value, ok, err := s.Attempt(ctx)
		switch {
		case err != nil:
			outcomes = append(outcomes, Outcome{Strategy: s.Name(), Err: err})
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		case !ok:
			outcomes = append(outcomes, Outcome{Strategy: s.Name(), Declined: true})
		default:
			outcomes = append(outcomes, Outcome{Strategy: s.Name()})
			return value, s.Name(), outcomes, nil
		}
	}
	return zero, "", outcomes, sdrerrors.New(sdrerrors.CodeNotFound, "no strategy produced a result", errors.Join(errs...)).
		WithContext("attempts", len(outcomes))
}
