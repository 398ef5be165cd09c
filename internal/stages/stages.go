// Package stages implements the fixed story pipeline: discovery of the
// tool services, research, outlining, writing and editing, with a
// recovery stage every "error" edge routes into. The wiring lives in
// NewStoryGraph; each stage only knows the shared pipeline context and
// the tool invoker.
package stages

import (
	"github.com/vk/storyflow/internal/pipeline"
	"github.com/vk/storyflow/internal/toolinvoker"
)

// Service names the pipeline talks to.
const (
	ServiceSearch  = "search"
	ServiceOutline = "outline"
	ServiceWriting = "writing"
	ServiceEditing = "editing"
)

// Tool names the services are expected to expose.
const (
	toolWebSearch     = "web_search"
	toolCreateOutline = "create_outline"
	toolWriteStory    = "write_story"
	toolEditStory     = "edit_story"
)

// Services lists every tool service the pipeline uses, in call order.
var Services = []string{ServiceSearch, ServiceOutline, ServiceWriting, ServiceEditing}

// Progress checkpoints reported as the pipeline advances.
const (
	progressDiscovered = 0.1
	progressResearched = 0.2
	progressOutlined   = 0.3
	progressWriting    = 0.45
	progressWritten    = 0.7
	progressEditing    = 0.85
	progressEdited     = 0.95
	progressDone       = 1.0
)

// NewStoryGraph assembles the story pipeline around the given invoker.
// policies maps a stage ID to its retry policy; stages missing from the
// map run with the fallback policy.
func NewStoryGraph(inv toolinvoker.Invoker, policies map[string]pipeline.RetryPolicy, fallback pipeline.RetryPolicy) (*pipeline.Graph, error) {
	policy := func(id string) pipeline.RetryPolicy {
		if p, ok := policies[id]; ok {
			return p
		}
		return fallback
	}

	b := pipeline.NewBuilder()
	for _, s := range []pipeline.Stage{
		&Discovery{inv: inv},
		&Search{inv: inv},
		&OutlineStage{inv: inv},
		&Writing{inv: inv},
		&Editing{inv: inv},
	} {
		b.Add(s, policy(s.ID()))
		b.Edge(s.ID(), pipeline.TransitionError, "recovery")
	}
	b.Add(&Recovery{}, pipeline.RetryPolicy{})

	b.Entry("discovery").
		Edge("discovery", pipeline.TransitionDefault, "search").
		Edge("search", pipeline.TransitionDefault, "outline").
		Edge("outline", pipeline.TransitionDefault, "writing").
		Edge("writing", pipeline.TransitionDefault, "editing").
		Edge("recovery", pipeline.TransitionRetry, "discovery")

	return b.Build()
}
