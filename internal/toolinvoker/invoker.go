// Package toolinvoker is the boundary to the external generation, search
// and editing services. Stages never speak HTTP themselves; they go through
// the Invoker interface, and everything behind it is replaceable in tests.
package toolinvoker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	resty "resty.dev/v3"

	"github.com/vk/storyflow/internal/ctxlog"
)

// Tool describes one capability a service exposes.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Invoker calls out to a named tool service.
type Invoker interface {
	// Tools lists the tools a service currently exposes.
	Tools(ctx context.Context, service string) ([]Tool, error)
	// Invoke runs one tool with the given parameters against a service.
	Invoke(ctx context.Context, tool string, params map[string]any, service string) (map[string]any, error)
}

// ServiceEndpoint is the dialing configuration for one service.
type ServiceEndpoint struct {
	URL     string
	Timeout time.Duration
	APIKey  string
}

// HTTPInvoker is the production Invoker speaking JSON over HTTP.
type HTTPInvoker struct {
	services map[string]ServiceEndpoint
	client   *resty.Client
}

// NewHTTP builds an invoker for the given service endpoints.
func NewHTTP(services map[string]ServiceEndpoint) *HTTPInvoker {
	return &HTTPInvoker{
		services: services,
		client:   resty.New(),
	}
}

// Close releases the underlying HTTP client.
func (h *HTTPInvoker) Close() error {
	return h.client.Close()
}

type invokeRequest struct {
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params"`
}

type invokeResponse struct {
	Result map[string]any `json:"result"`
	Error  string         `json:"error,omitempty"`
}

type toolsResponse struct {
	Tools []Tool `json:"tools"`
}

// Tools implements Invoker.
func (h *HTTPInvoker) Tools(ctx context.Context, service string) ([]Tool, error) {
	ep, ok := h.services[service]
	if !ok {
		return nil, fmt.Errorf("service %q not configured: %w", service, ErrServiceUnavailable)
	}

	var out toolsResponse
	res, err := h.request(ctx, ep).
		SetResult(&out).
		Get(ep.URL + "/tools")
	if err != nil {
		return nil, h.classify(service, err)
	}
	if res.IsError() {
		return nil, h.classifyStatus(service, res.StatusCode())
	}
	return out.Tools, nil
}

// Invoke implements Invoker.
func (h *HTTPInvoker) Invoke(ctx context.Context, tool string, params map[string]any, service string) (map[string]any, error) {
	ep, ok := h.services[service]
	if !ok {
		return nil, fmt.Errorf("service %q not configured: %w", service, ErrServiceUnavailable)
	}

	logger := ctxlog.FromContext(ctx)
	logger.Debug("Invoking tool.", "service", service, "tool", tool)

	var out invokeResponse
	res, err := h.request(ctx, ep).
		SetBody(invokeRequest{Tool: tool, Params: params}).
		SetResult(&out).
		Post(ep.URL + "/call")
	if err != nil {
		return nil, h.classify(service, err)
	}
	if res.IsError() {
		return nil, h.classifyStatus(service, res.StatusCode())
	}
	if out.Error != "" {
		return nil, fmt.Errorf("service %q: %s: %w", service, out.Error, ErrServiceUnavailable)
	}

	logger.Debug("Tool call finished.", "service", service, "tool", tool)
	return out.Result, nil
}

// request prepares a resty request with the endpoint's timeout and auth.
func (h *HTTPInvoker) request(ctx context.Context, ep ServiceEndpoint) *resty.Request {
	r := h.client.R().SetContext(ctx)
	if ep.Timeout > 0 {
		r.SetTimeout(ep.Timeout)
	}
	if ep.APIKey != "" {
		r.SetAuthToken(ep.APIKey)
	}
	return r
}

// classify maps transport errors onto the invoker taxonomy.
func (h *HTTPInvoker) classify(service string, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("service %q: %w", service, ErrTimeout)
	case errors.Is(err, context.Canceled):
		return err
	case errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("service %q: %w", service, ErrTimeout)
	default:
		return fmt.Errorf("service %q: %v: %w", service, err, ErrServiceUnavailable)
	}
}

// classifyStatus maps HTTP status codes onto the invoker taxonomy.
func (h *HTTPInvoker) classifyStatus(service string, code int) error {
	switch {
	case code == http.StatusNotFound:
		return fmt.Errorf("service %q responded %d: %w", service, code, ErrToolNotFound)
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return fmt.Errorf("service %q responded %d: %w", service, code, ErrTimeout)
	default:
		return fmt.Errorf("service %q responded %d: %w", service, code, ErrServiceUnavailable)
	}
}
