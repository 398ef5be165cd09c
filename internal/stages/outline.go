package stages

import (
	"context"
	"fmt"

	"github.com/vk/storyflow/internal/ctxlog"
	"github.com/vk/storyflow/internal/pipeline"
	"github.com/vk/storyflow/internal/toolinvoker"
)

// OutlineStage asks the outline service to plan the story. The fallback
// is a canned three-part skeleton so the writer always has a structure
// to work from.
type OutlineStage struct {
	inv toolinvoker.Invoker
}

type outlineInput struct {
	prompt   string
	style    string
	length   string
	research map[string]string
}

func (s *OutlineStage) ID() string { return "outline" }

func (s *OutlineStage) Prepare(ctx context.Context, pc *pipeline.Context) (any, error) {
	return outlineInput{
		prompt:   pc.Prompt,
		style:    pc.Options.Style,
		length:   pc.Options.Length,
		research: pc.SearchResults,
	}, nil
}

func (s *OutlineStage) Execute(ctx context.Context, input any) (any, error) {
	in := input.(outlineInput)
	out, err := s.inv.Invoke(ctx, toolCreateOutline, map[string]any{
		"prompt":   in.prompt,
		"style":    in.style,
		"length":   in.length,
		"research": in.research,
	}, ServiceOutline)
	if err != nil {
		return nil, err
	}
	outline := asOutline(out, "outline")
	if outline == nil {
		return nil, fmt.Errorf("outline service returned no outline: %w", toolinvoker.ErrServiceUnavailable)
	}
	return outline, nil
}

func (s *OutlineStage) Fallback(ctx context.Context, input any, lastErr error) (any, error) {
	in := input.(outlineInput)
	ctxlog.FromContext(ctx).Warn("Outline degraded to skeleton", "error", lastErr)
	return &pipeline.Outline{
		Title: in.prompt,
		Sections: []pipeline.Section{
			{ID: "opening", Title: "Opening"},
			{ID: "middle", Title: "Middle"},
			{ID: "ending", Title: "Ending"},
		},
	}, nil
}

func (s *OutlineStage) Commit(ctx context.Context, pc *pipeline.Context, output any) (pipeline.Transition, error) {
	outline := output.(*pipeline.Outline)
	pc.Title = outline.Title
	pc.Outline = outline
	pc.Report(progressOutlined, fmt.Sprintf("outline ready with %d sections", len(outline.Sections)))
	return pipeline.TransitionDefault, nil
}
