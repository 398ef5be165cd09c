package pipeline

import "fmt"

// Builder assembles a Graph. Wiring is explicit: every stage is added
// with its retry policy, every edge names both endpoints, and Build
// validates the whole thing before anything can run.
type Builder struct {
	entry  string
	stages map[string]Stage
	policy map[string]RetryPolicy
	edges  map[string]map[Transition]string
}

func NewBuilder() *Builder {
	return &Builder{
		stages: make(map[string]Stage),
		policy: make(map[string]RetryPolicy),
		edges:  make(map[string]map[Transition]string),
	}
}

// Add registers a stage with its retry policy. Re-adding an ID replaces
// the earlier stage.
func (b *Builder) Add(s Stage, p RetryPolicy) *Builder {
	b.stages[s.ID()] = s
	b.policy[s.ID()] = p
	return b
}

// Entry names the stage the runner starts from.
func (b *Builder) Entry(id string) *Builder {
	b.entry = id
	return b
}

// Edge routes the named transition out of one stage into another.
func (b *Builder) Edge(from string, t Transition, to string) *Builder {
	m, ok := b.edges[from]
	if !ok {
		m = make(map[Transition]string)
		b.edges[from] = m
	}
	m[t] = to
	return b
}

// Build validates the wiring and returns an immutable Graph.
func (b *Builder) Build() (*Graph, error) {
	if len(b.stages) == 0 {
		return nil, fmt.Errorf("pipeline graph has no stages")
	}
	if b.entry == "" {
		return nil, fmt.Errorf("pipeline graph has no entry stage")
	}
	if _, ok := b.stages[b.entry]; !ok {
		return nil, fmt.Errorf("entry stage %q is not registered", b.entry)
	}
	for from, m := range b.edges {
		if _, ok := b.stages[from]; !ok {
			return nil, fmt.Errorf("edge source stage %q is not registered", from)
		}
		for t, to := range m {
			if _, ok := b.stages[to]; !ok {
				return nil, fmt.Errorf("edge %s --%s--> %s targets an unregistered stage", from, t, to)
			}
		}
	}

	g := &Graph{
		entry:  b.entry,
		stages: make(map[string]Stage, len(b.stages)),
		policy: make(map[string]RetryPolicy, len(b.policy)),
		edges:  make(map[string]map[Transition]string, len(b.edges)),
	}
	for id, s := range b.stages {
		g.stages[id] = s
		g.policy[id] = b.policy[id]
	}
	for from, m := range b.edges {
		cp := make(map[Transition]string, len(m))
		for t, to := range m {
			cp[t] = to
		}
		g.edges[from] = cp
	}
	return g, nil
}

// Graph is a validated, immutable stage graph.
type Graph struct {
	entry  string
	stages map[string]Stage
	policy map[string]RetryPolicy
	edges  map[string]map[Transition]string
}

func (g *Graph) Entry() string { return g.entry }

func (g *Graph) Stage(id string) (Stage, bool) {
	s, ok := g.stages[id]
	return s, ok
}

func (g *Graph) Policy(id string) RetryPolicy { return g.policy[id] }

// Next resolves the transition out of a stage. The second return is
// false when no edge exists, which ends the pipeline unit.
func (g *Graph) Next(from string, t Transition) (string, bool) {
	m, ok := g.edges[from]
	if !ok {
		return "", false
	}
	to, ok := m[t]
	return to, ok
}
