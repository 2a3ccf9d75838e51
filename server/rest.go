package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// Router builds the REST adapter: the same five tools as POST endpoints,
// plus health and metrics. Intended as a local debug surface; MCP stdio is
// the primary transport.
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(securityHeaders)
	r.Use(maxBody)
	r.Use(newRateLimiter(120, time.Minute).middleware)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/api/tools/{name}", func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "read body: "+err.Error())
			return
		}

		result, err := s.Dispatch(r.Context(), name, json.RawMessage(body))
		if err != nil {
			status := http.StatusBadRequest
			if _, ok := err.(*ValidationError); !ok {
				status = http.StatusUnprocessableEntity
			}
			writeJSONError(w, status, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, result)
	})

	r.Get("/api/metrics", func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			writeJSONError(w, http.StatusNotFound, "metrics disabled")
			return
		}
		limit := 100
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		rows, err := s.metrics.Query(r.URL.Query().Get("name"), nil, nil, limit)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"metrics": rows})
	})

	return r
}
