package stages

import (
	"context"
	"fmt"
	"strings"

	"github.com/vk/storyflow/internal/ctxlog"
	"github.com/vk/storyflow/internal/pipeline"
	"github.com/vk/storyflow/internal/toolinvoker"
)

// Discovery probes every tool service and records which ones are healthy
// and what they offer. A service that fails to answer is simply left out;
// the stage only errors when no service answered at all.
type Discovery struct {
	inv toolinvoker.Invoker
}

func (s *Discovery) ID() string { return "discovery" }

// Prepare validates the task input. Discovery is the entry stage, so a
// blank prompt dies here before any tool is touched.
func (s *Discovery) Prepare(ctx context.Context, pc *pipeline.Context) (any, error) {
	if strings.TrimSpace(pc.Prompt) == "" {
		return nil, &pipeline.ValidationError{Stage: s.ID(), Reason: "prompt is empty"}
	}
	return nil, nil
}

func (s *Discovery) Execute(ctx context.Context, _ any) (any, error) {
	log := ctxlog.FromContext(ctx)

	found := make(map[string][]string)
	var lastErr error
	for _, service := range Services {
		tools, err := s.inv.Tools(ctx, service)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warn("Tool service unavailable during discovery", "service", service, "error", err)
			lastErr = err
			continue
		}
		names := make([]string, 0, len(tools))
		for _, t := range tools {
			names = append(names, t.Name)
		}
		found[service] = names
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("no tool service answered: %w", lastErr)
	}
	return found, nil
}

// Fallback marks every service unhealthy; downstream stages degrade on
// their own fallbacks instead of aborting the whole task.
func (s *Discovery) Fallback(ctx context.Context, _ any, lastErr error) (any, error) {
	ctxlog.FromContext(ctx).Warn("Discovery degraded, marking all services unhealthy", "error", lastErr)
	return map[string][]string{}, nil
}

func (s *Discovery) Commit(ctx context.Context, pc *pipeline.Context, output any) (pipeline.Transition, error) {
	found, _ := output.(map[string][]string)
	pc.Services = pc.Services[:0]
	for _, service := range Services {
		if tools, ok := found[service]; ok {
			pc.Services = append(pc.Services, service)
			pc.Tools[service] = tools
		}
	}
	pc.Report(progressDiscovered, fmt.Sprintf("discovered %d tool services", len(pc.Services)))
	return pipeline.TransitionDefault, nil
}
