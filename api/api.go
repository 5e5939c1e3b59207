// Package api exposes the workflow engine over HTTP. Starting an execution
// is fire-and-forget: a 200 response means the execution was started, not
// that it completed. Completion is observed by polling the execution and its
// logs.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/fieldops/flowengine/backend"
	"github.com/fieldops/flowengine/client"
)

type startRequest struct {
	WorkflowID  string         `json:"workflowId"`
	TriggerData map[string]any `json:"triggerData"`
	TenantID    string         `json:"tenantId"`
}

type startResponse struct {
	Success     bool   `json:"success"`
	ExecutionID string `json:"executionId"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type handler struct {
	client *client.Client
}

// NewHandler returns the engine's HTTP handler.
func NewHandler(c *client.Client) http.Handler {
	h := &handler{client: c}

	r := mux.NewRouter()
	r.Use(corsMiddleware)

	r.HandleFunc("/api/executions", h.startExecution).Methods(http.MethodPost)
	r.HandleFunc("/api/executions/{id}", h.getExecution).Methods(http.MethodGet)
	r.HandleFunc("/api/executions/{id}/logs", h.getExecutionLogs).Methods(http.MethodGet)

	r.PathPrefix("/").Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "authorization, content-type")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")

		next.ServeHTTP(w, r)
	})
}

func (h *handler) startExecution(w http.ResponseWriter, r *http.Request) {
	// Any failure to start, a malformed body included, is a 500 with an
	// error field. The 200/500 split is the whole start contract.
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "invalid request body"})
		return
	}

	executionID, err := h.client.StartExecution(r.Context(), req.TenantID, req.WorkflowID, req.TriggerData)
	if err != nil {
		// Failures to even start (unknown or inactive workflow, missing
		// trigger node, store errors) surface here; anything after the
		// execution row exists only surfaces in the execution state.
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, startResponse{Success: true, ExecutionID: executionID})
}

func (h *handler) getExecution(w http.ResponseWriter, r *http.Request) {
	e, err := h.client.GetExecution(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, backend.ErrExecutionNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
			return
		}

		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, e)
}

func (h *handler) getExecutionLogs(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	// Log rows alone cannot distinguish "no logs yet" from "no such
	// execution", so the execution row is resolved first.
	if _, err := h.client.GetExecution(r.Context(), id); err != nil {
		if errors.Is(err, backend.ErrExecutionNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
			return
		}

		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	logs, err := h.client.GetExecutionLogs(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, logs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are already out; nothing sensible left to do.
		return
	}
}
