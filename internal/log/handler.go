// Package log provides slog handlers.
package log

import (
	"context"
	"io"
	"log/slog"

	"github.com/dhis2-sre/dask-k8s/internal/middleware"
	"github.com/dhis2-sre/dask-k8s/pkg/template"
)

// ContextHandler adds values from the [context.Context] to the [slog.Record]. [slog.Handler] is
// passed to [slog.Logger] which is then used throughout the app. It uses the same correlation ID
// attribute key as the Gin [middleware.RequestLogger] so log lines written while serving a control
// API request can be matched with the request log line. Lifecycle operations started from the CLI
// carry the cluster identity but no correlation ID, so both values are optional.
type ContextHandler struct {
	slog.Handler
}

func New(handler slog.Handler) *ContextHandler {
	return &ContextHandler{
		Handler: handler,
	}
}

func (rh *ContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return rh.Handler.Enabled(ctx, level)
}

func (rh *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if id, ok := middleware.GetCorrelationID(ctx); ok {
		r.AddAttrs(slog.String(middleware.RequestLoggerKeyCorrelationID, id))
	}

	if identity, ok := template.IdentityFromContext(ctx); ok {
		r.AddAttrs(slog.Group("cluster",
			slog.String("namespace", identity.Namespace),
			slog.String("id", identity.ClusterID),
		))
	}

	return rh.Handler.Handle(ctx, r)
}

func (rh *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return New(rh.Handler.WithAttrs(attrs))
}

func (rh *ContextHandler) WithGroup(name string) slog.Handler {
	return New(rh.Handler.WithGroup(name))
}

// NewLogger creates the process wide logger writing JSON to w. Context values are added using
// [ContextHandler].
func NewLogger(w io.Writer, level slog.Level, pretty bool) *slog.Logger {
	opts := &PrettyJSONHandlerOptions{
		HandlerOptions: slog.HandlerOptions{Level: level},
		PrettyPrint:    pretty,
	}
	return slog.New(New(NewPrettyJSONHandler(w, opts)))
}
