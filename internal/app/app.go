// Package app assembles and runs the storyflow service: configuration,
// logging, the tool invoker, the story pipeline, the supervisor and the
// HTTP gateway, with a graceful shutdown path.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/vk/storyflow/internal/config"
	"github.com/vk/storyflow/internal/ctxlog"
	"github.com/vk/storyflow/internal/gateway"
	"github.com/vk/storyflow/internal/pipeline"
	"github.com/vk/storyflow/internal/progresshub"
	"github.com/vk/storyflow/internal/stages"
	"github.com/vk/storyflow/internal/supervisor"
	"github.com/vk/storyflow/internal/taskstore"
	"github.com/vk/storyflow/internal/toolinvoker"
)

const shutdownTimeout = 10 * time.Second

// Options are the command-line settings. Non-empty values override the
// corresponding configuration file attributes.
type Options struct {
	ConfigPath string
	Listen     string
	LogLevel   string
	LogFormat  string
}

// App encapsulates the service's dependencies, configuration and lifecycle.
type App struct {
	logger  *slog.Logger
	cfg     config.Config
	invoker *toolinvoker.HTTPInvoker
	graph   *pipeline.Graph
	store   *taskstore.Store
	hub     *progresshub.Hub
}

// New is the constructor for the service. It returns a fully initialized
// App with its own isolated logger. A failure to load configuration or to
// assemble the pipeline is a fatal startup error and panics; the caller
// recovers it into a clean exit.
func New(outW io.Writer, opts *Options) *App {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		panic(fmt.Errorf("failed to load configuration: %w", err))
	}
	if opts.Listen != "" {
		cfg.Server.Listen = opts.Listen
	}
	if opts.LogLevel != "" {
		cfg.Server.LogLevel = opts.LogLevel
	}
	if opts.LogFormat != "" {
		cfg.Server.LogFormat = opts.LogFormat
	}

	logger := newLogger(cfg.Server.LogLevel, cfg.Server.LogFormat, outW)
	logger.Debug("Logger configured successfully.")

	invoker := toolinvoker.NewHTTP(endpoints(cfg))
	graph, err := stages.NewStoryGraph(invoker, policies(cfg), defaultPolicy)
	if err != nil {
		// A wiring mistake in the fixed pipeline is a programmer error.
		panic(fmt.Errorf("failed to assemble story pipeline: %w", err))
	}
	logger.Debug("Story pipeline assembled.", "services", len(cfg.Services))

	return &App{
		logger:  logger,
		cfg:     cfg,
		invoker: invoker,
		graph:   graph,
		store:   taskstore.New(),
		hub:     progresshub.New(),
	}
}

// Run serves the gateway until ctx is canceled, then shuts everything down
// in order: HTTP server first, then the supervisor, then the invoker.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)

	sup := supervisor.New(ctx, a.store, a.hub, a.graph, supervisor.Config{
		TaskTimeout:       a.cfg.Supervisor.TaskTimeout,
		MaxCycles:         a.cfg.Supervisor.MaxCycles,
		HeartbeatInterval: a.cfg.Supervisor.HeartbeatInterval,
		CleanupInterval:   a.cfg.Supervisor.CleanupInterval,
		Retention:         a.cfg.Supervisor.Retention,
	})

	gw := gateway.New(ctx, sup, a.store, a.hub, a.cfg.Defaults)
	server := &http.Server{
		Addr:    a.cfg.Server.Listen,
		Handler: gw.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Gateway listening.", "addr", a.cfg.Server.Listen)
		errCh <- server.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		a.logger.Info("Shutting down.")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("HTTP server shutdown was not clean.", "error", err)
		}
		<-errCh
	case err := <-errCh:
		serveErr = err
	}

	sup.Close()
	if err := a.invoker.Close(); err != nil {
		a.logger.Warn("Invoker close failed.", "error", err)
	}

	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return fmt.Errorf("gateway server failed: %w", serveErr)
	}
	a.logger.Info("Shutdown complete.")
	return nil
}

var defaultPolicy = pipeline.RetryPolicy{MaxAttempts: 2, Wait: 2 * time.Second}

// endpoints translates the configured services into invoker endpoints.
func endpoints(cfg config.Config) map[string]toolinvoker.ServiceEndpoint {
	out := make(map[string]toolinvoker.ServiceEndpoint, len(cfg.Services))
	for name, svc := range cfg.Services {
		out[name] = toolinvoker.ServiceEndpoint{
			URL:     svc.URL,
			Timeout: svc.Timeout,
			APIKey:  svc.APIKey,
		}
	}
	return out
}

// policies maps each configured service onto the retry policy of the stage
// with the same name. Stages without a configured service keep the default.
func policies(cfg config.Config) map[string]pipeline.RetryPolicy {
	out := make(map[string]pipeline.RetryPolicy, len(cfg.Services))
	for name, svc := range cfg.Services {
		out[name] = pipeline.RetryPolicy{
			MaxAttempts: svc.MaxAttempts,
			Wait:        svc.Backoff,
		}
	}
	return out
}
