package pipeline

import (
	"context"
	"time"
)

// Transition is the named outcome a stage's commit phase returns. The
// graph maps (stage, transition) pairs to the next stage; a transition
// with no outgoing edge ends the pipeline unit.
type Transition string

const (
	TransitionDefault Transition = "default"
	TransitionError   Transition = "error"
	TransitionRetry   Transition = "retry"
	TransitionFailed  Transition = "failed"
)

// Stage is one step of a pipeline, split into three phases:
//
//   - Prepare validates the shared store and derives the stage input.
//     It fails fast and is never retried.
//   - Execute does the work (typically a tool call). It is the only
//     retryable phase.
//   - Commit applies the output to the shared store and picks the
//     transition. Side effects belong here, never in Execute, so a
//     retried Execute never double-applies anything.
type Stage interface {
	ID() string
	Prepare(ctx context.Context, pc *Context) (any, error)
	Execute(ctx context.Context, input any) (any, error)
	Commit(ctx context.Context, pc *Context, output any) (Transition, error)
}

// FallbackStage is a Stage with a degraded-success path. Fallback runs
// only after the attempt budget is exhausted on transient errors; its
// output is treated exactly like a successful Execute result and flows
// into Commit and normal routing. Exhausting retries therefore does not
// automatically take the "error" edge; only the stage's own Commit can
// choose that, by inspecting the fallback output.
type FallbackStage interface {
	Stage
	Fallback(ctx context.Context, input any, lastErr error) (any, error)
}

// RetryPolicy bounds a stage's Execute attempts.
type RetryPolicy struct {
	// MaxAttempts is the total number of Execute calls (not extra
	// retries). Values below 1 behave as 1.
	MaxAttempts int
	// Wait is the pause between attempts.
	Wait time.Duration
	// Exponential doubles the wait after every failed attempt.
	Exponential bool
}

// backoff returns the wait before the given (1-based) next attempt.
func (p RetryPolicy) backoff(nextAttempt int) time.Duration {
	if !p.Exponential {
		return p.Wait
	}
	wait := p.Wait
	for i := 2; i < nextAttempt; i++ {
		wait *= 2
	}
	return wait
}
