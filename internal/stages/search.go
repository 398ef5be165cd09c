package stages

import (
	"context"
	"strings"

	"github.com/vk/storyflow/internal/ctxlog"
	"github.com/vk/storyflow/internal/pipeline"
	"github.com/vk/storyflow/internal/toolinvoker"
)

const maxSearchQueries = 3

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true,
	"of": true, "in": true, "on": true, "for": true, "to": true,
	"with": true, "about": true, "who": true, "that": true,
	"story": true, "write": true,
}

// Search researches the prompt: it derives a few keyword queries and runs
// each one through the search service. Research is strictly optional, so
// its fallback is empty results rather than failure.
type Search struct {
	inv toolinvoker.Invoker
}

type searchInput struct {
	queries []string
	healthy bool
}

func (s *Search) ID() string { return "search" }

func (s *Search) Prepare(ctx context.Context, pc *pipeline.Context) (any, error) {
	_, healthy := pc.Tools[ServiceSearch]
	return searchInput{queries: extractQueries(pc.Prompt), healthy: healthy}, nil
}

func (s *Search) Execute(ctx context.Context, input any) (any, error) {
	in := input.(searchInput)
	if !in.healthy {
		ctxlog.FromContext(ctx).Info("Search service unhealthy, skipping research")
		return map[string]string{}, nil
	}

	results := make(map[string]string, len(in.queries))
	for _, q := range in.queries {
		out, err := s.inv.Invoke(ctx, toolWebSearch, map[string]any{"query": q}, ServiceSearch)
		if err != nil {
			return nil, err
		}
		if summary := asString(out, "summary"); summary != "" {
			results[q] = summary
		}
	}
	return results, nil
}

func (s *Search) Fallback(ctx context.Context, _ any, lastErr error) (any, error) {
	ctxlog.FromContext(ctx).Warn("Research degraded to empty results", "error", lastErr)
	return map[string]string{}, nil
}

func (s *Search) Commit(ctx context.Context, pc *pipeline.Context, output any) (pipeline.Transition, error) {
	results, _ := output.(map[string]string)
	pc.SearchQueries = extractQueries(pc.Prompt)
	pc.SearchResults = results
	pc.Report(progressResearched, "research complete")
	return pipeline.TransitionDefault, nil
}

// extractQueries derives up to maxSearchQueries keyword queries from the
// prompt by dropping stopwords and short tokens.
func extractQueries(prompt string) []string {
	var queries []string
	for _, word := range strings.Fields(strings.ToLower(prompt)) {
		word = strings.Trim(word, ".,!?\"'()")
		if len(word) < 3 || stopwords[word] {
			continue
		}
		queries = append(queries, word)
		if len(queries) == maxSearchQueries {
			break
		}
	}
	return queries
}
