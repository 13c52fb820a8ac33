// Package batch runs a list of independent prompts one after another.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"polychat/internal/dispatch"
	"polychat/internal/models"
)

// ErrNoPrompts rejects an empty batch.
var ErrNoPrompts = errors.New("batch has no prompts")

// ItemFunc runs one prompt to completion. It must not return before the prompt's
// dispatch has finished or been canceled.
type ItemFunc func(ctx context.Context, index int, prompt string) (dispatch.Result, error)

// ItemResult is the outcome of one batch item.
type ItemResult struct {
	Index  int
	Prompt string
	Result dispatch.Result
	Err    error
}

// OK reports whether at least one provider completed the item.
func (r ItemResult) OK() bool {
	return r.Err == nil && !r.Result.Canceled && len(r.Result.Completed) > 0
}

// Runner executes batches sequentially with a fixed pause between items.
type Runner struct {
	Delay  time.Duration
	Logger *slog.Logger
	// Sleep waits between items; nil uses a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Run executes prompts in order. A failing item is recorded and the batch moves on;
// only cancellation of ctx stops it early, returning the results gathered so far.
func (r Runner) Run(ctx context.Context, prompts []string, fn ItemFunc) ([]ItemResult, error) {
	if len(prompts) == 0 {
		return nil, ErrNoPrompts
	}
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	results := make([]ItemResult, 0, len(prompts))
	for i, prompt := range prompts {
		if i > 0 && r.Delay > 0 {
			if err := sleep(ctx, r.Delay); err != nil {
				return results, err
			}
		}
		if err := ctx.Err(); err != nil {
			return results, err
		}

		res, err := fn(ctx, i, prompt)
		item := ItemResult{Index: i, Prompt: prompt, Result: res, Err: err}
		results = append(results, item)

		switch {
		case err != nil:
			logger.Warn("batch item rejected", "index", i, "error", err)
		case !item.OK():
			logger.Warn("batch item produced no response", "index", i, "result", res.String())
		default:
			logger.Info("batch item finished", "index", i, "result", res.String())
		}

		if ctx.Err() != nil {
			return results, ctx.Err()
		}
	}
	return results, nil
}

// Summary counts succeeded and failed items.
func Summary(results []ItemResult) string {
	ok := 0
	for _, r := range results {
		if r.OK() {
			ok++
		}
	}
	return fmt.Sprintf("%d/%d prompts answered", ok, len(results))
}

// ValidatePrompts rejects blank prompts up front so that a batch does not stop halfway
// on an input error.
func ValidatePrompts(prompts []string) error {
	if len(prompts) == 0 {
		return ErrNoPrompts
	}
	for i, p := range prompts {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("prompt %d: %w", i+1, models.ErrEmptyMessage)
		}
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
