// Package agents implements the three pipeline adapters: Planner,
// Generator, and Validator. Each wraps the external LLM provider to present
// a fixed contract to the pipeline — build a structured prompt, invoke the
// provider, parse the response into a typed output, validate structural
// invariants, and retry with exponential backoff on parse or validation
// failure.
//
// Modeled as three small, independent capabilities implementing a single
// run(input) -> output shape, rather than sharing a base type through
// mixins or inheritance.
package agents

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Kind names a failure mode surfaced once retries are exhausted.
type Kind string

const (
	KindPlanningFailed   Kind = "PlanningFailed"
	KindGenerationFailed Kind = "GenerationFailed"
)

// Error is the terminal failure an adapter raises once max_retries is
// exhausted; the retries themselves are never surfaced individually.
type Error struct {
	Kind       Kind
	Attempts   int
	LastErr    error
	Violations []string
}

func (e *Error) Error() string {
	return fmt.Sprintf("agents: %s after %d attempts: %v (violations: %v)", e.Kind, e.Attempts, e.LastErr, e.Violations)
}

func (e *Error) Unwrap() error { return e.LastErr }

// RetryConfig controls an adapter's local retry/backoff loop.
type RetryConfig struct {
	MaxRetries  int
	BackoffBase time.Duration
}

// SetDefaults fills in the retry budget and backoff base when unset.
func (c *RetryConfig) SetDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 250 * time.Millisecond
	}
}

// runWithRetry calls fn up to cfg.MaxRetries times; each call (attempt) is
// a single structural-validation pass over a parsed response. Adapters pass
// a closure that returns the last known violations so the next attempt can
// echo them back to the model as feedback.
func runWithRetry(ctx context.Context, cfg RetryConfig, label string, fn func(ctx context.Context, attempt int, feedback []string) ([]string, error)) error {
	cfg.SetDefaults()

	var feedback []string
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		violations, err := fn(ctx, attempt, feedback)
		if err == nil && len(violations) == 0 {
			return nil
		}
		lastErr = err
		feedback = violations

		if attempt == cfg.MaxRetries {
			break
		}

		backoff := cfg.BackoffBase * time.Duration(1<<uint(attempt-1))
		slog.Debug("agents: retrying after structural failure", "adapter", label, "attempt", attempt, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	return &Error{LastErr: lastErr, Attempts: cfg.MaxRetries, Violations: feedback}
}
