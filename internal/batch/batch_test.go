package batch

import (
	"context"
	"errors"
	"testing"
	"time"

	"polychat/internal/dispatch"
	"polychat/internal/models"
)

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func TestRunContinuesPastFailures(t *testing.T) {
	t.Parallel()

	var seen []int
	var sleeps int
	runner := Runner{
		Delay: time.Second,
		Sleep: func(ctx context.Context, d time.Duration) error {
			if d != time.Second {
				t.Errorf("delay = %s", d)
			}
			sleeps++
			return nil
		},
	}
	results, err := runner.Run(context.Background(), []string{"one", "two", "three"}, func(_ context.Context, i int, _ string) (dispatch.Result, error) {
		seen = append(seen, i)
		if i == 1 {
			return dispatch.Result{Failed: []string{"gpt-5.2"}}, nil
		}
		return dispatch.Result{Completed: []string{"gpt-5.2"}}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(seen) != 3 || seen[2] != 2 {
		t.Fatalf("items run = %v", seen)
	}
	if sleeps != 2 {
		t.Fatalf("sleeps = %d, want 2", sleeps)
	}
	if !results[0].OK() || results[1].OK() || !results[2].OK() {
		t.Fatalf("results = %+v", results)
	}
	if got := Summary(results); got != "2/3 prompts answered" {
		t.Fatalf("summary = %q", got)
	}
}

func TestRunRecordsItemErrors(t *testing.T) {
	t.Parallel()

	results, err := Runner{Sleep: noSleep}.Run(context.Background(), []string{"a", "b"}, func(_ context.Context, i int, _ string) (dispatch.Result, error) {
		if i == 0 {
			return dispatch.Result{}, models.ErrDispatchInProgress
		}
		return dispatch.Result{Completed: []string{"x"}}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !errors.Is(results[0].Err, models.ErrDispatchInProgress) || !results[1].OK() {
		t.Fatalf("results = %+v", results)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	results, err := Runner{Delay: time.Millisecond, Sleep: noSleep}.Run(ctx, []string{"a", "b", "c"}, func(_ context.Context, i int, _ string) (dispatch.Result, error) {
		calls++
		if i == 1 {
			cancel()
			return dispatch.Result{Canceled: true}, nil
		}
		return dispatch.Result{Completed: []string{"x"}}, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if calls != 2 || len(results) != 2 {
		t.Fatalf("calls = %d results = %d", calls, len(results))
	}
}

func TestValidatePrompts(t *testing.T) {
	t.Parallel()

	if err := ValidatePrompts(nil); !errors.Is(err, ErrNoPrompts) {
		t.Fatalf("err = %v", err)
	}
	if err := ValidatePrompts([]string{"ok", "  \n"}); !errors.Is(err, models.ErrEmptyMessage) {
		t.Fatalf("err = %v", err)
	}
	if err := ValidatePrompts([]string{"ok"}); err != nil {
		t.Fatal(err)
	}
	if _, err := (Runner{}).Run(context.Background(), nil, nil); !errors.Is(err, ErrNoPrompts) {
		t.Fatalf("err = %v", err)
	}
}
