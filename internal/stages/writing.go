package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/vk/storyflow/internal/ctxlog"
	"github.com/vk/storyflow/internal/pipeline"
	"github.com/vk/storyflow/internal/toolinvoker"
)

// Writing turns the outline into a draft via the writing service. Its
// fallback stitches a stub draft from the outline so editing still has
// text to work on.
type Writing struct {
	inv toolinvoker.Invoker
}

type writingInput struct {
	outline  *pipeline.Outline
	tone     string
	length   string
	research map[string]string
}

func (s *Writing) ID() string { return "writing" }

func (s *Writing) Prepare(ctx context.Context, pc *pipeline.Context) (any, error) {
	if pc.Outline == nil {
		return nil, &pipeline.ValidationError{Stage: s.ID(), Reason: "no outline to write from"}
	}
	pc.Report(progressWriting, "writing draft")
	return writingInput{
		outline:  pc.Outline,
		tone:     pc.Options.Tone,
		length:   pc.Options.Length,
		research: pc.SearchResults,
	}, nil
}

func (s *Writing) Execute(ctx context.Context, input any) (any, error) {
	in := input.(writingInput)
	out, err := s.inv.Invoke(ctx, toolWriteStory, map[string]any{
		"outline":  in.outline,
		"tone":     in.tone,
		"length":   in.length,
		"research": in.research,
	}, ServiceWriting)
	if err != nil {
		return nil, err
	}
	if asString(out, "content") == "" {
		return nil, fmt.Errorf("writing service returned empty draft: %w", toolinvoker.ErrServiceUnavailable)
	}
	return out, nil
}

func (s *Writing) Fallback(ctx context.Context, input any, lastErr error) (any, error) {
	in := input.(writingInput)
	ctxlog.FromContext(ctx).Warn("Writing degraded to stub draft", "error", lastErr)

	var b strings.Builder
	for _, sec := range in.outline.Sections {
		fmt.Fprintf(&b, "## %s\n\n(to be written)\n\n", sec.Title)
	}
	return map[string]any{"content": b.String()}, nil
}

func (s *Writing) Commit(ctx context.Context, pc *pipeline.Context, output any) (pipeline.Transition, error) {
	out := output.(map[string]any)
	pc.Content = asString(out, "content")
	if sections := asSections(out, "sections"); sections != nil {
		pc.Sections = sections
	}
	pc.Report(progressWritten, "draft written")
	return pipeline.TransitionDefault, nil
}
