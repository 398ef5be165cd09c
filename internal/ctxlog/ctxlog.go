// Package ctxlog carries a slog.Logger through a context.Context so that
// every component logs against the instance the process root configured.
package ctxlog

import (
	"context"
	"log/slog"
)

// key is an unexported type so this package's context key cannot collide
// with keys from other packages.
type key struct{}

var loggerKey = key{}

// WithLogger returns a child context carrying the given logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the logger stored in ctx. Every context handed to a
// component is prepared by the app root; a missing logger is a wiring bug,
// so this panics rather than silently falling back to the global default.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	panic("ctxlog: logger missing from context")
}
