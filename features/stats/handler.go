package stats

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"lodestone/internal/middleware"
)

type SourceCounter interface {
	CountByStatus(ctx context.Context, tenant string) (map[string]int, error)
}

type ChunkCounter interface {
	CountLiveChunks(ctx context.Context, tenant string) (indexed, missing, failed int, err error)
}

// DeadLetterCounter reports the depth of the dead-letter queue. Dead letters
// are operator-level, not tenant-scoped.
type DeadLetterCounter interface {
	Count(ctx context.Context) (int, error)
}

type Handler struct {
	sources     SourceCounter
	chunks      ChunkCounter
	deadLetters DeadLetterCounter
}

func NewHandler(sources SourceCounter, chunks ChunkCounter, deadLetters DeadLetterCounter) *Handler {
	return &Handler{sources: sources, chunks: chunks, deadLetters: deadLetters}
}

type SourceStats struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
}

type ChunkStats struct {
	Indexed int `json:"indexed"`
	Missing int `json:"missing"`
	Failed  int `json:"failed"`
}

type Response struct {
	Sources     SourceStats `json:"sources"`
	Chunks      ChunkStats  `json:"chunks"`
	DeadLetters int         `json:"dead_letters"`
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenant := middleware.GetTenant(ctx)

	byStatus, err := h.sources.CountByStatus(ctx, tenant)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count sources", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count sources", http.StatusInternalServerError)
		return
	}
	total := 0
	for _, n := range byStatus {
		total += n
	}

	indexed, missing, failed, err := h.chunks.CountLiveChunks(ctx, tenant)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count chunks", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count chunks", http.StatusInternalServerError)
		return
	}

	parked, err := h.deadLetters.Count(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to count dead letters", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to count dead letters", http.StatusInternalServerError)
		return
	}

	resp := Response{
		Sources:     SourceStats{Total: total, ByStatus: byStatus},
		Chunks:      ChunkStats{Indexed: indexed, Missing: missing, Failed: failed},
		DeadLetters: parked,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": resp}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
