package stages

import (
	"context"

	"github.com/vk/storyflow/internal/ctxlog"
	"github.com/vk/storyflow/internal/pipeline"
	"github.com/vk/storyflow/internal/toolinvoker"
)

// Editing polishes the draft through the editing service and assembles
// the final result. Its fallback keeps the unedited draft; a story that
// skipped its edit pass still completes.
type Editing struct {
	inv toolinvoker.Invoker
}

type editingInput struct {
	content string
	tone    string
}

func (s *Editing) ID() string { return "editing" }

func (s *Editing) Prepare(ctx context.Context, pc *pipeline.Context) (any, error) {
	if pc.Content == "" {
		return nil, &pipeline.ValidationError{Stage: s.ID(), Reason: "no draft to edit"}
	}
	pc.Report(progressEditing, "editing draft")
	return editingInput{content: pc.Content, tone: pc.Options.Tone}, nil
}

func (s *Editing) Execute(ctx context.Context, input any) (any, error) {
	in := input.(editingInput)
	out, err := s.inv.Invoke(ctx, toolEditStory, map[string]any{
		"content": in.content,
		"tone":    in.tone,
	}, ServiceEditing)
	if err != nil {
		return nil, err
	}
	if asString(out, "content") == "" {
		// An editor that returns nothing keeps the draft as-is.
		out["content"] = in.content
	}
	return out, nil
}

func (s *Editing) Fallback(ctx context.Context, input any, lastErr error) (any, error) {
	in := input.(editingInput)
	ctxlog.FromContext(ctx).Warn("Editing degraded, keeping unedited draft", "error", lastErr)
	return map[string]any{
		"content":     in.content,
		"suggestions": []any{"editing service unavailable, draft is unedited"},
	}, nil
}

func (s *Editing) Commit(ctx context.Context, pc *pipeline.Context, output any) (pipeline.Transition, error) {
	out := output.(map[string]any)
	pc.Content = asString(out, "content")
	pc.Report(progressEdited, "editing complete")

	pc.Result = &pipeline.Result{
		Title:       pc.Title,
		Outline:     pc.Outline,
		Content:     pc.Content,
		Sections:    pc.Sections,
		Suggestions: asStringSlice(out, "suggestions"),
	}
	pc.Report(progressDone, "story complete")
	return pipeline.TransitionDefault, nil
}
