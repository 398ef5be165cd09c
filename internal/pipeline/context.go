package pipeline

import "github.com/vk/storyflow/internal/task"

// Outline is the planned structure of a story.
type Outline struct {
	Title    string    `json:"title"`
	Sections []Section `json:"sections"`
}

// Section is one chapter of an outline or of the finished story.
type Section struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Result is the final artifact a completed pipeline leaves behind. On a
// failed run it may carry whatever partial artifacts the stages produced
// before things went wrong.
type Result struct {
	Title       string    `json:"title"`
	Outline     *Outline  `json:"outline,omitempty"`
	Content     string    `json:"content"`
	Sections    []Section `json:"sections,omitempty"`
	Suggestions []string  `json:"suggestions,omitempty"`
	Partial     bool      `json:"partial,omitempty"`
}

// Reporter receives progress checkpoints from stages. The supervisor wires
// it to the task store and the progress hub; tests substitute their own.
type Reporter func(progress float64, message string)

// Context is the shared store of one pipeline unit: the evolving working
// data a task's stages read and write. It is exclusively owned by that
// unit for its whole lifetime, never shared across tasks, and therefore
// deliberately unsynchronized.
//
// Stages use the well-known fields below; anything a custom stage needs
// beyond them goes into Extra.
type Context struct {
	TaskID  string
	Prompt  string
	Options task.Options

	// Discovered services and their tools.
	Services []string
	Tools    map[string][]string

	// Research gathered for the prompt.
	SearchQueries []string
	SearchResults map[string]string

	// Accumulating artifacts.
	Title    string
	Outline  *Outline
	Content  string
	Sections []Section

	// Final outcome. Err is the last stage failure routed through the
	// "error" edge; Result is set by the editing stage on success or by
	// the recovery stage when preserving partial artifacts.
	Result *Result
	Err    error

	// Cycles counts how many times the pipeline re-entered an
	// already-visited stage. Bounded by the runner's cycle budget.
	Cycles int

	// Extra is the open extension map for stage-specific state.
	Extra map[string]any

	report Reporter
}

// NewContext builds the shared store for one task.
func NewContext(taskID string, input task.Input, report Reporter) *Context {
	return &Context{
		TaskID:        taskID,
		Prompt:        input.Prompt,
		Options:       input.Options,
		Tools:         make(map[string][]string),
		SearchResults: make(map[string]string),
		Extra:         make(map[string]any),
		report:        report,
	}
}

// Report publishes a progress checkpoint. Safe to call with no reporter
// wired (unit tests exercising a single stage).
func (c *Context) Report(progress float64, message string) {
	if c.report != nil {
		c.report(progress, message)
	}
}

// PartialArtifacts reports whether any stage already produced something
// worth preserving when the run fails.
func (c *Context) PartialArtifacts() bool {
	return c.Title != "" || c.Outline != nil || c.Content != ""
}
