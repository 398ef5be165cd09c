// Package gateway is the HTTP boundary: task creation, inspection,
// cancellation and the per-task WebSocket event stream. It stays thin;
// all lifecycle decisions live in the supervisor.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/vk/storyflow/internal/ctxlog"
	"github.com/vk/storyflow/internal/progresshub"
	"github.com/vk/storyflow/internal/supervisor"
	"github.com/vk/storyflow/internal/task"
	"github.com/vk/storyflow/internal/taskstore"
)

// Gateway serves the task API.
type Gateway struct {
	sup      *supervisor.Supervisor
	store    *taskstore.Store
	hub      *progresshub.Hub
	defaults task.Options
	log      *slog.Logger
}

// New wires the gateway to its collaborators. ctx must carry the logger;
// defaults fill option fields the client leaves empty.
func New(ctx context.Context, sup *supervisor.Supervisor, store *taskstore.Store, hub *progresshub.Hub, defaults task.Options) *Gateway {
	return &Gateway{
		sup:      sup,
		store:    store,
		hub:      hub,
		defaults: defaults,
		log:      ctxlog.FromContext(ctx),
	}
}

// Router builds the HTTP handler.
func (g *Gateway) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /tasks", g.handleCreate)
	mux.HandleFunc("GET /tasks/{id}", g.handleGet)
	mux.HandleFunc("DELETE /tasks/{id}", g.handleCancel)
	mux.HandleFunc("GET /tasks/{id}/events", g.handleEvents)
	mux.HandleFunc("GET /healthz", g.handleHealth)
	return g.withLogging(mux)
}

// withLogging injects the logger into every request context and writes a
// debug access line per request.
func (g *Gateway) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		r = r.WithContext(ctxlog.WithLogger(r.Context(), g.log))
		next.ServeHTTP(w, r)
		g.log.Debug("Request handled",
			"method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

type createRequest struct {
	Prompt  string       `json:"prompt"`
	Options task.Options `json:"options"`
}

type createResponse struct {
	TaskID    string      `json:"task_id"`
	Status    task.Status `json:"status"`
	CreatedAt string      `json:"created_at"`
}

type taskResponse struct {
	ID        string      `json:"id"`
	Status    task.Status `json:"status"`
	Progress  float64     `json:"progress"`
	CreatedAt string      `json:"created_at"`
	UpdatedAt string      `json:"updated_at"`
	Result    any         `json:"result,omitempty"`
	Error     string      `json:"error,omitempty"`
}

type cancelResponse struct {
	Canceled bool `json:"canceled"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (g *Gateway) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request body"})
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "prompt is required"})
		return
	}

	input := task.Input{Prompt: req.Prompt, Options: g.applyDefaults(req.Options)}
	rec, err := g.sup.Create(r.Context(), input)
	if err != nil {
		ctxlog.FromContext(r.Context()).Error("Task creation failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "service is shutting down"})
		return
	}

	writeJSON(w, http.StatusAccepted, createResponse{
		TaskID:    rec.ID,
		Status:    rec.Status,
		CreatedAt: rec.CreatedAt.UTC().Format(timeLayout),
	})
}

func (g *Gateway) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, ok := g.store.Get(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "task not found"})
		return
	}

	resp := taskResponse{
		ID:        rec.ID,
		Status:    rec.Status,
		Progress:  rec.Progress,
		CreatedAt: rec.CreatedAt.UTC().Format(timeLayout),
		UpdatedAt: rec.UpdatedAt.UTC().Format(timeLayout),
		Error:     rec.Error,
	}
	if rec.Status == task.StatusCompleted {
		resp.Result = rec.Result
	}
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := g.store.Get(id); !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "task not found"})
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse{Canceled: g.sup.Cancel(id)})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) applyDefaults(opts task.Options) task.Options {
	if opts.Style == "" {
		opts.Style = g.defaults.Style
	}
	if opts.Length == "" {
		opts.Length = g.defaults.Length
	}
	if opts.Tone == "" {
		opts.Tone = g.defaults.Tone
	}
	return opts
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
