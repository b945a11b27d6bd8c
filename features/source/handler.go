package source

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"lodestone/internal/apperr"
	"lodestone/internal/middleware"
)

type Handler struct {
	service        *Service
	uploadDir      string
	maxUploadBytes int64
}

func NewHandler(service *Service, uploadDir string, maxUploadBytes int64) *Handler {
	return &Handler{service: service, uploadDir: uploadDir, maxUploadBytes: maxUploadBytes}
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind     string                 `json:"kind"`
		Name     string                 `json:"name"`
		URL      string                 `json:"url"`
		Content  string                 `json:"content"`
		Metadata map[string]interface{} `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}

	src, created, err := h.service.Create(r.Context(), CreateRequest{
		Tenant:   middleware.GetTenant(r.Context()),
		Kind:     req.Kind,
		Name:     req.Name,
		URL:      req.URL,
		Content:  req.Content,
		Metadata: req.Metadata,
	})
	if err != nil {
		h.writeServiceError(r.Context(), w, err)
		return
	}

	h.writeData(w, src, createdStatus(created))
}

func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)

	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", "File too large", http.StatusBadRequest)
		return
	}

	name := r.FormValue("name")
	if name == "" {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", "Name is required", http.StatusBadRequest)
		return
	}

	var metadata map[string]interface{}
	if raw := r.FormValue("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
			h.writeError(r.Context(), w, "VALIDATION_ERROR", "Metadata must be a JSON object", http.StatusBadRequest)
			return
		}
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", "Unable to retrieve file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	ext := filepath.Ext(header.Filename)
	validExts := map[string]bool{
		".pdf": true, ".md": true, ".txt": true, ".json": true, ".csv": true, ".html": true,
	}
	if !validExts[ext] {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", "Unsupported file type", http.StatusBadRequest)
		return
	}

	if err := os.MkdirAll(h.uploadDir, 0o750); err != nil {
		slog.Error("failed to create upload directory", "error", err, "path", h.uploadDir)
		h.writeError(r.Context(), w, "INTERNAL_ERROR", "Failed to save file", http.StatusInternalServerError)
		return
	}

	filename := fmt.Sprintf("%s_%s", uuid.New().String(), filepath.Base(header.Filename))
	path := filepath.Join(h.uploadDir, filename)

	dst, err := os.Create(path)
	if err != nil {
		slog.Error("failed to create file", "error", err, "path", path)
		h.writeError(r.Context(), w, "INTERNAL_ERROR", "Failed to save file", http.StatusInternalServerError)
		return
	}
	defer dst.Close()

	// Hash while streaming to disk so large uploads are read once.
	hash := sha256.New()
	if _, err := io.Copy(io.MultiWriter(dst, hash), file); err != nil {
		h.removeUpload(path)
		h.writeError(r.Context(), w, "INTERNAL_ERROR", "Failed to write file", http.StatusInternalServerError)
		return
	}

	src, created, err := h.service.Upload(r.Context(), middleware.GetTenant(r.Context()), name,
		path, fmt.Sprintf("%x", hash.Sum(nil)), header.Header.Get("Content-Type"), metadata)
	if err != nil {
		h.removeUpload(path)
		h.writeServiceError(r.Context(), w, err)
		return
	}
	if !created {
		// Same content is already ingested; the new blob is not needed.
		h.removeUpload(path)
	}

	h.writeData(w, src, createdStatus(created))
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	sources, err := h.service.List(r.Context(), middleware.GetTenant(r.Context()))
	if err != nil {
		h.writeServiceError(r.Context(), w, err)
		return
	}
	if sources == nil {
		sources = []Source{}
	}

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]interface{}{
		"data": sources,
		"meta": map[string]int{"count": len(sources)},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	src, err := h.service.Get(r.Context(), middleware.GetTenant(r.Context()), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(r.Context(), w, err)
		return
	}
	h.writeData(w, src, http.StatusOK)
}

func (h *Handler) Reprocess(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	version, err := h.service.Reprocess(r.Context(), middleware.GetTenant(r.Context()), id)
	if err != nil {
		h.writeServiceError(r.Context(), w, err)
		return
	}
	h.writeData(w, map[string]interface{}{"source_id": id, "version": version}, http.StatusAccepted)
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), middleware.GetTenant(r.Context()), r.PathValue("id")); err != nil {
		h.writeServiceError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) writeData(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case apperr.IsValidation(err):
		h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
	case errors.Is(err, apperr.ErrNotFound):
		h.writeError(ctx, w, "NOT_FOUND", "Source not found", http.StatusNotFound)
	default:
		slog.Error("source operation failed", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "Internal Server Error", http.StatusInternalServerError)
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

func (h *Handler) removeUpload(path string) {
	if err := os.Remove(path); err != nil {
		slog.Warn("failed to clean up uploaded file", "error", err, "path", path)
	}
}

func createdStatus(created bool) int {
	if created {
		return http.StatusCreated
	}
	return http.StatusOK
}
