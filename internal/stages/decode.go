package stages

import "github.com/vk/storyflow/internal/pipeline"

// The tool services answer with loosely-typed JSON objects. These
// helpers pull the expected shapes out and shrug off anything else;
// every stage has a fallback for results that decode to nothing.

func asString(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func asStringSlice(m map[string]any, key string) []string {
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func asOutline(m map[string]any, key string) *pipeline.Outline {
	raw, ok := m[key].(map[string]any)
	if !ok {
		return nil
	}
	o := &pipeline.Outline{Title: asString(raw, "title")}
	sections, _ := raw["sections"].([]any)
	for _, v := range sections {
		sm, ok := v.(map[string]any)
		if !ok {
			continue
		}
		o.Sections = append(o.Sections, pipeline.Section{
			ID:      asString(sm, "id"),
			Title:   asString(sm, "title"),
			Content: asString(sm, "content"),
		})
	}
	if o.Title == "" && len(o.Sections) == 0 {
		return nil
	}
	return o
}

func asSections(m map[string]any, key string) []pipeline.Section {
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	var out []pipeline.Section
	for _, v := range raw {
		sm, ok := v.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, pipeline.Section{
			ID:      asString(sm, "id"),
			Title:   asString(sm, "title"),
			Content: asString(sm, "content"),
		})
	}
	return out
}
