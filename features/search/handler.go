package search

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"lodestone/internal/apperr"
	"lodestone/internal/middleware"
	"lodestone/internal/retrieval"
)

type Searcher interface {
	Search(ctx context.Context, tenant string, query retrieval.SearchQuery) (*retrieval.SearchResponse, error)
}

type Handler struct {
	searcher Searcher
}

func NewHandler(s Searcher) *Handler {
	return &Handler{searcher: s}
}

type request struct {
	Query          string                 `json:"query"`
	Mode           string                 `json:"mode"`
	K              int                    `json:"k"`
	Filters        map[string]interface{} `json:"filters"`
	WeightSemantic *float32               `json:"weightSemantic"`
	WeightLexical  *float32               `json:"weightLexical"`
}

func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", "Invalid JSON body", http.StatusBadRequest)
		return
	}

	resp, err := h.searcher.Search(ctx, middleware.GetTenant(ctx), retrieval.SearchQuery{
		Text:           req.Query,
		Mode:           retrieval.Mode(req.Mode),
		K:              req.K,
		Filters:        req.Filters,
		WeightSemantic: req.WeightSemantic,
		WeightLexical:  req.WeightLexical,
	})
	if err != nil {
		if apperr.IsValidation(err) {
			h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
			return
		}
		slog.ErrorContext(ctx, "search failed", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	out := map[string]interface{}{
		"data": resp,
		"meta": map[string]int{"count": len(resp.Results)},
	}
	if err := json.NewEncoder(w).Encode(out); err != nil {
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
