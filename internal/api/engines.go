package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"enginehub/internal/stats"
)

type createEngineRequest struct {
	DisplayName string `json:"displayName"`
	Description string `json:"description"`
}

func handleCreateEngine(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req createEngineRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		e, err := deps.Registry.Create(r.Context(), ownerFrom(r), req.DisplayName, req.Description)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		w.WriteHeader(http.StatusCreated)
		writeJSON(w, map[string]any{
			"success": true,
			"engine":  toEngineJSON(e, 0),
		})
	}
}

func handleListEngines(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		engines, err := deps.Registry.List(r.Context(), ownerFrom(r))
		if err != nil {
			writeServiceError(w, err)
			return
		}

		out := make([]engineJSON, 0, len(engines))
		for _, e := range engines {
			n, err := deps.Store.CountLiveDocuments(e.ID)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			out = append(out, toEngineJSON(e, n))
		}
		writeJSON(w, map[string]any{
			"success": true,
			"engines": out,
		})
	}
}

func handleOverview(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := deps.Stats.Overview(r.Context(), ownerFrom(r))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, overviewJSON(snap))
	}
}

func overviewJSON(snap stats.Snapshot) map[string]any {
	toList := func(in []stats.EngineStats) []engineJSON {
		out := make([]engineJSON, 0, len(in))
		for _, es := range in {
			out = append(out, toEngineJSON(es.Engine, es.FileCount))
		}
		return out
	}
	return map[string]any{
		"success": true,
		"statistics": map[string]int{
			"userEngines":   snap.UserEngines,
			"systemEngines": snap.SystemEngines,
			"totalEngines":  snap.TotalEngines,
			"activeEngines": snap.ActiveEngines,
			"totalFiles":    snap.TotalFiles,
		},
		"engines": map[string][]engineJSON{
			"user":   toList(snap.User),
			"system": toList(snap.System),
		},
		"currentEngine": toEngineJSON(snap.CurrentEngine.Engine, snap.CurrentEngine.FileCount),
	}
}

type queryRequest struct {
	Question string `json:"question"`
}

func handleQuery(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req queryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		res, err := deps.Query.Ask(r.Context(), ownerFrom(r), chi.URLParam(r, "id"), req.Question)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		contexts := make([]map[string]any, 0, len(res.Contexts))
		for _, c := range res.Contexts {
			contexts = append(contexts, map[string]any{
				"documentId": c.DocumentID,
				"name":       c.Name,
				"text":       c.Text,
				"score":      c.Score,
			})
		}
		writeJSON(w, map[string]any{
			"success": true,
			"answer":  res.Answer,
			"sources": map[string]any{
				"contexts": contexts,
			},
		})
	}
}
