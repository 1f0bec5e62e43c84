// SPDX-License-Identifier: Apache-2.0
package resilience

import (
	"context"
	"errors"
	"testing"

	sdrerrors "github.com/calm329/SDR-Agent/pkg/errors"
)

func TestFirstSuccessSkipsDeclinedAndFailed(t *testing.T) {
	var order []string
	strategies := []Strategy[string]{
		Named("browser", func(context.Context) (string, bool, error) {
			order = append(order, "browser")
			return "", false, nil
		}),
		Named("markdown", func(context.Context) (string, bool, error) {
			order = append(order, "markdown")
			return "", false, errors.New("blocked")
		}),
		Named("search", func(context.Context) (string, bool, error) {
			order = append(order, "search")
			return "snippet", true, nil
		}),
		Named("never", func(context.Context) (string, bool, error) {
			order = append(order, "never")
			return "unused", true, nil
		}),
	}
	value, winner, outcomes, err := FirstSuccess(context.Background(), strategies...)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if value != "snippet" || winner != "search" {
		t.Fatalf("unexpected winner %q value %q", winner, value)
	}
	if len(order) != 3 {
		t.Fatalf("strategies after the winner must not run: %v", order)
	}
	if len(outcomes) != 3 || !outcomes[0].Declined || outcomes[1].Err == nil || outcomes[2].Err != nil {
		t.Fatalf("unexpected outcomes: %+v", outcomes)
	}
}

func TestFirstSuccessAllFail(t *testing.T) {
	boom := errors.New("boom")
	_, _, outcomes, err := FirstSuccess(context.Background(),
		Strategy[int](Named("a", func(context.Context) (int, bool, error) { return 0, false, boom })),
		Strategy[int](Named("b", func(context.Context) (int, bool, error) { return 0, false, nil })),
	)
	if !sdrerrors.IsCode(err, sdrerrors.CodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined cause, got %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("unexpected outcomes: %+v", outcomes)
	}
}

func TestFirstSuccessCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ran := false
	_, _, _, err := FirstSuccess(ctx, Strategy[int](Named("a", func(context.Context) (int, bool, error) {
		ran = true
		return 1, true, nil
	})))
	if err == nil || ran {
		t.Fatalf("cancelled context should stop before any attempt: ran=%v err=%v", ran, err)
	}
}
