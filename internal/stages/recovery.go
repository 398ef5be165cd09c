package stages

import (
	"context"

	"github.com/vk/storyflow/internal/ctxlog"
	"github.com/vk/storyflow/internal/pipeline"
)

// Recovery is where every stage's "error" edge lands. When the run has
// produced nothing yet it routes "retry" back to discovery for a fresh
// pass, bounded by the runner's cycle budget. When partial artifacts
// exist it preserves them in Result and gives up instead of throwing
// half a story away.
type Recovery struct{}

func (s *Recovery) ID() string { return "recovery" }

func (s *Recovery) Prepare(ctx context.Context, pc *pipeline.Context) (any, error) {
	return pc.Err, nil
}

func (s *Recovery) Execute(ctx context.Context, input any) (any, error) {
	return input, nil
}

func (s *Recovery) Commit(ctx context.Context, pc *pipeline.Context, output any) (pipeline.Transition, error) {
	log := ctxlog.FromContext(ctx)

	if pipeline.IsValidation(pc.Err) {
		// Bad input does not get better on a retry.
		log.Warn("Task failed on invalid input", "task_id", pc.TaskID, "error", pc.Err)
		return pipeline.TransitionFailed, nil
	}

	if !pc.PartialArtifacts() {
		log.Info("Recovery retrying pipeline from the top", "task_id", pc.TaskID, "error", pc.Err)
		// A fresh pass starts clean; the runner records the next
		// failure, if any.
		pc.Err = nil
		return pipeline.TransitionRetry, nil
	}

	log.Warn("Recovery preserving partial artifacts", "task_id", pc.TaskID, "error", pc.Err)
	pc.Result = &pipeline.Result{
		Title:   pc.Title,
		Outline: pc.Outline,
		Content: pc.Content,
		Partial: true,
	}
	return pipeline.TransitionFailed, nil
}
