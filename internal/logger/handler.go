package logger

import (
	"context"
	"log/slog"

	"lodestone/internal/middleware"
)

// ContextHandler stamps request-scoped identifiers from the context onto
// every log record so pipeline and query logs can be correlated.
type ContextHandler struct {
	slog.Handler
}

func NewContextHandler(h slog.Handler) *ContextHandler {
	return &ContextHandler{Handler: h}
}

func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if id := middleware.GetCorrelationID(ctx); id != "" && id != "unknown" {
		r.AddAttrs(slog.String("correlation_id", id))
	}
	if tenant := middleware.GetTenant(ctx); tenant != "" {
		r.AddAttrs(slog.String("tenant", tenant))
	}
	return h.Handler.Handle(ctx, r)
}
