package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/MalooBell/metric2/pkg/coordinator"
	"github.com/MalooBell/metric2/pkg/store"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// parseIDParam extracts the numeric {id} route parameter.
func parseIDParam(r *http.Request) (uint, error) {
	raw := chi.URLParam(r, "id")

	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", raw)
	}

	return uint(id), nil
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Test command handlers ---

type startTestResponse struct {
	Success bool `json:"success"`
	TestID  uint `json:"testId"`
}

// handleStartTest validates and starts a new load test.
func (s *server) handleStartTest(w http.ResponseWriter, r *http.Request) {
	var req coordinator.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	run, err := s.coordinator.Start(r.Context(), req)
	if err != nil {
		var verr *coordinator.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, errorResponse{verr.Error()})

			return
		}

		if errors.Is(err, coordinator.ErrTestAlreadyRunning) {
			writeJSON(w, http.StatusConflict, errorResponse{err.Error()})

			return
		}

		var uerr *coordinator.UpstreamError
		if errors.As(err, &uerr) {
			writeJSON(w, http.StatusBadGateway,
				errorResponse{"could not reach the load generator"})

			return
		}

		s.log.WithError(err).Error("Failed to start test")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, startTestResponse{
		Success: true,
		TestID:  run.ID,
	})
}

// handleStopTest stops the running load test.
func (s *server) handleStopTest(w http.ResponseWriter, r *http.Request) {
	if err := s.coordinator.Stop(r.Context()); err != nil {
		if errors.Is(err, coordinator.ErrNoActiveRun) {
			writeJSON(w, http.StatusNotFound, errorResponse{err.Error()})

			return
		}

		s.log.WithError(err).Error("Failed to stop test")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// --- Test query handlers ---

// handleCurrentTest reports the active run with a live stats snapshot.
func (s *server) handleCurrentTest(w http.ResponseWriter, r *http.Request) {
	status, err := s.coordinator.Current(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to read current test")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, status)
}

// handleHistory lists all persisted runs, most recent first.
func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.ListRuns(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to list runs")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, runs)
}

// handleGetTest returns a single run by ID.
func (s *server) handleGetTest(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	run, err := s.store.GetRunByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			writeJSON(w, http.StatusNotFound,
				errorResponse{"test not found"})

			return
		}

		s.log.WithError(err).Error("Failed to get run")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	writeJSON(w, http.StatusOK, run)
}

// --- Metrics proxy ---

// handleMetricsQuery proxies an instant query to Prometheus.
func (s *server) handleMetricsQuery(w http.ResponseWriter, r *http.Request) {
	expr := r.URL.Query().Get("query")
	if expr == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"query parameter is required"})

		return
	}

	body, err := s.prom.Query(r.Context(), expr)
	if err != nil {
		s.log.WithError(err).Warn("Prometheus query failed")
		writeJSON(w, http.StatusBadGateway,
			errorResponse{"could not reach the metrics backend"})

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
