package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"enginehub/internal/backend"
	"enginehub/internal/lifecycle"
	"enginehub/internal/query"
	"enginehub/internal/registry"
	"enginehub/internal/stats"
	"enginehub/internal/storage"
)

const maxRequestBodySize = 10 << 20 // 10MB

// Deps holds the services the HTTP surface delegates to.
type Deps struct {
	Store     *storage.Store
	Registry  *registry.Registry
	Lifecycle *lifecycle.Manager
	Query     *query.Coordinator
	Stats     *stats.Aggregator
}

// NewHandler returns the caller-facing HTTP API. Authentication is an
// external collaborator: every request arrives with a verified owner
// identity in the X-User-ID header.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(RequireIdentity)

		r.Post("/engines", handleCreateEngine(deps))
		r.Get("/engines", handleListEngines(deps))
		r.Get("/engines/overview", handleOverview(deps))
		r.Post("/engines/{id}/documents", handleImportDocuments(deps))
		r.Post("/engines/{id}/query", handleQuery(deps))
		r.Get("/documents", handleListDocuments(deps))
		r.Delete("/documents/{id}", handleDeleteDocument(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// writeServiceError maps service-layer error kinds onto the HTTP surface.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrValidation):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found_error", "resource not found")
	case errors.Is(err, registry.ErrQuotaExceeded):
		httpError(w, http.StatusTooManyRequests, "quota_error", "%v", err)
	case errors.Is(err, backend.ErrEngineNotReady):
		httpError(w, http.StatusConflict, "engine_not_ready", "engine is still indexing; retry shortly")
	case errors.Is(err, backend.ErrUnavailable), errors.Is(err, backend.ErrTimeout):
		w.Header().Set("Retry-After", "5")
		httpError(w, http.StatusServiceUnavailable, "api_error", "indexing backend unavailable; retry later")
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// --- wire representations ---

type engineJSON struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Description string `json:"description"`
	Status      string `json:"status"`
	IsDefault   bool   `json:"isDefault"`
	FileCount   int    `json:"fileCount"`
	CreatedAt   string `json:"createdAt"`
}

func toEngineJSON(e storage.Engine, fileCount int) engineJSON {
	return engineJSON{
		ID:          e.ID,
		DisplayName: e.Name,
		Description: e.Description,
		Status:      e.Status,
		IsDefault:   e.IsDefault,
		FileCount:   fileCount,
		CreatedAt:   e.CreatedAt.UTC().Format(time.RFC3339),
	}
}

type documentJSON struct {
	ID          string `json:"id"`
	BackendID   string `json:"backendId,omitempty"`
	EngineID    string `json:"engineId"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	SubmittedAt string `json:"submittedAt"`
	ConvergedAt string `json:"convergedAt,omitempty"`
}

func toDocumentJSON(d storage.Document) documentJSON {
	out := documentJSON{
		ID:          d.ID,
		BackendID:   d.BackendID,
		EngineID:    d.EngineID,
		Name:        d.Name,
		Status:      d.Status,
		SubmittedAt: d.SubmittedAt.UTC().Format(time.RFC3339),
	}
	if !d.ConvergedAt.IsZero() {
		out.ConvergedAt = d.ConvergedAt.UTC().Format(time.RFC3339)
	}
	return out
}
