package api

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"enginehub/internal/extract"
	"enginehub/internal/lifecycle"
)

const maxUploadMemory = 4 << 20 // multipart in-memory buffer

type importItemJSON struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

type importRequest struct {
	Items []importItemJSON `json:"items"`
}

type importedFileJSON struct {
	GeneratedFileID string `json:"generatedFileId"`
	ActualFileID    string `json:"actualFileId,omitempty"`
	Name            string `json:"name"`
	Success         bool   `json:"success"`
	Error           string `json:"error,omitempty"`
}

// handleImportDocuments accepts either a JSON body with items or a multipart
// form with file uploads. Both forms normalize into the one canonical import
// operation; nothing downstream knows which transport was used.
func handleImportDocuments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

		var items []lifecycle.ImportItem
		var err error
		if strings.HasPrefix(mediaType, "multipart/") {
			items, err = itemsFromMultipart(r)
		} else {
			items, err = itemsFromJSON(r)
		}
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		results, err := deps.Lifecycle.Import(r.Context(), ownerFrom(r), chi.URLParam(r, "id"), items)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		imported := make([]importedFileJSON, 0, len(results))
		for _, res := range results {
			imported = append(imported, importedFileJSON{
				GeneratedFileID: res.LocalID,
				ActualFileID:    res.BackendRef,
				Name:            res.Name,
				Success:         !res.Failed,
				Error:           res.Error,
			})
		}
		writeJSON(w, map[string]any{
			"success":       true,
			"importedFiles": imported,
		})
	}
}

func itemsFromJSON(r *http.Request) ([]lifecycle.ImportItem, error) {
	var req importRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, err
	}
	items := make([]lifecycle.ImportItem, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, lifecycle.ImportItem{Name: it.Name, Content: it.Content})
	}
	return items, nil
}

func itemsFromMultipart(r *http.Request) ([]lifecycle.ImportItem, error) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		return nil, err
	}
	var items []lifecycle.ImportItem
	for _, headers := range r.MultipartForm.File {
		for _, fh := range headers {
			f, err := fh.Open()
			if err != nil {
				return nil, err
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				return nil, err
			}
			text, err := extract.Text(fh.Filename, data)
			if err != nil {
				return nil, err
			}
			items = append(items, lifecycle.ImportItem{Name: fh.Filename, Content: text})
		}
	}
	return items, nil
}

func handleListDocuments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docs, err := deps.Lifecycle.List(r.Context(), ownerFrom(r))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		out := make([]documentJSON, 0, len(docs))
		for _, d := range docs {
			out = append(out, toDocumentJSON(d))
		}
		writeJSON(w, map[string]any{
			"success":   true,
			"documents": out,
		})
	}
}

func handleDeleteDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		engineID := r.URL.Query().Get("engineId")
		if engineID == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "engineId query parameter is required")
			return
		}

		err := deps.Lifecycle.Delete(r.Context(), ownerFrom(r), engineID, chi.URLParam(r, "id"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, map[string]any{
			"success": true,
			"message": "document deleted",
		})
	}
}
