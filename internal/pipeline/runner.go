package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/vk/storyflow/internal/ctxlog"
	"github.com/vk/storyflow/internal/toolinvoker"
)

// Runner walks a Graph for one pipeline unit. A Runner is stateless and
// safe to share; all per-unit state lives in the Context it is given.
type Runner struct {
	graph     *Graph
	maxCycles int
}

// NewRunner wires a runner to a validated graph. maxCycles bounds how
// many times the unit may re-enter an already-visited stage before it
// aborts with ErrCycleBudgetExhausted; values below zero behave as zero
// (no re-entry allowed).
func NewRunner(g *Graph, maxCycles int) *Runner {
	if maxCycles < 0 {
		maxCycles = 0
	}
	return &Runner{graph: g, maxCycles: maxCycles}
}

// Run executes the graph from its entry stage until a transition has no
// outgoing edge. It returns nil on a normal walk-off, the context error
// unmodified on cancellation or timeout, and the stage error when an
// "error" transition has nowhere to route.
func (r *Runner) Run(ctx context.Context, pc *Context) error {
	log := ctxlog.FromContext(ctx)

	current := r.graph.Entry()
	visited := make(map[string]bool)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if visited[current] {
			pc.Cycles++
			if pc.Cycles > r.maxCycles {
				log.Warn("Pipeline retry budget exhausted",
					"task_id", pc.TaskID, "stage", current, "cycles", pc.Cycles-1)
				return ErrCycleBudgetExhausted
			}
			log.Info("Pipeline re-entering stage",
				"task_id", pc.TaskID, "stage", current, "cycle", pc.Cycles)
			// A re-entry starts a fresh pass over the graph.
			visited = make(map[string]bool)
		}
		visited[current] = true

		stage, ok := r.graph.Stage(current)
		if !ok {
			return fmt.Errorf("pipeline routed to unknown stage %q", current)
		}

		log.Debug("Running stage", "task_id", pc.TaskID, "stage", current)
		transition, stageErr := r.runStage(ctx, stage, pc)
		if stageErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			pc.Err = stageErr
			transition = TransitionError
		}

		next, routed := r.graph.Next(current, transition)
		if !routed {
			if stageErr != nil {
				return stageErr
			}
			log.Debug("Pipeline finished", "task_id", pc.TaskID, "last_stage", current)
			return nil
		}
		current = next
	}
}

// runStage drives one stage through prepare, execute (with retries and
// fallback) and commit. Cancellation errors are returned unmodified so
// Run can surface them untouched.
func (r *Runner) runStage(ctx context.Context, stage Stage, pc *Context) (Transition, error) {
	log := ctxlog.FromContext(ctx)
	id := stage.ID()
	policy := r.graph.Policy(id)

	input, err := stage.Prepare(ctx, pc)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return TransitionError, fmt.Errorf("stage %s: prepare: %w", id, err)
	}

	output, execErr := r.execute(ctx, stage, policy, input, pc)
	if execErr != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		fb, ok := stage.(FallbackStage)
		if !ok || !toolinvoker.Transient(execErr) {
			return TransitionError, fmt.Errorf("stage %s: execute: %w", id, execErr)
		}
		log.Warn("Stage falling back after exhausted retries",
			"task_id", pc.TaskID, "stage", id, "error", execErr)
		output, err = fb.Fallback(ctx, input, execErr)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return TransitionError, fmt.Errorf("stage %s: fallback: %w", id, err)
		}
	}

	transition, err := stage.Commit(ctx, pc, output)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return TransitionError, fmt.Errorf("stage %s: commit: %w", id, err)
	}
	return transition, nil
}

// execute runs the retry loop. Only transient errors are retried; a
// non-transient error short-circuits immediately with attempts to spare.
func (r *Runner) execute(ctx context.Context, stage Stage, policy RetryPolicy, input any, pc *Context) (any, error) {
	log := ctxlog.FromContext(ctx)
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		output, err := stage.Execute(ctx, input)
		if err == nil {
			return output, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !toolinvoker.Transient(err) {
			return nil, err
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		wait := policy.backoff(attempt + 1)
		log.Warn("Stage attempt failed, retrying",
			"task_id", pc.TaskID, "stage", stage.ID(),
			"attempt", attempt, "of", attempts, "wait", wait, "error", err)
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return nil, lastErr
}
