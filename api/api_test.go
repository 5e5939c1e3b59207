package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldops/flowengine/api"
	"github.com/fieldops/flowengine/backend"
	"github.com/fieldops/flowengine/backend/sqlite"
	"github.com/fieldops/flowengine/client"
	"github.com/fieldops/flowengine/core"
)

func setup(t *testing.T) (backend.Backend, *client.Client, http.Handler) {
	t.Helper()

	b := sqlite.NewInMemoryBackend()
	c := client.New(b)

	t.Cleanup(func() {
		c.Close()
		b.Close()
	})

	return b, c, api.NewHandler(c)
}

func createWorkflow(t *testing.T, b backend.Backend) {
	t.Helper()

	require.NoError(t, b.CreateWorkflow(context.Background(), &core.WorkflowDefinition{
		ID:       "wf1",
		TenantID: "tenant",
		Name:     "Quote signed",
		Active:   true,
		Nodes: []*core.Node{
			{ID: "trigger-1", Type: core.NodeTypeTrigger},
			{ID: "action-1", Type: core.NodeTypeAction, ActionType: "create_project"},
		},
		Connections: []*core.Connection{
			{SourceNodeID: "trigger-1", TargetNodeID: "action-1"},
		},
	}))
}

func Test_StartExecution(t *testing.T) {
	b, c, h := setup(t)
	createWorkflow(t, b)

	req := httptest.NewRequest(http.MethodPost, "/api/executions", strings.NewReader(
		`{"tenantId": "tenant", "workflowId": "wf1", "triggerData": {"sourceType": "quote"}}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var resp struct {
		Success     bool   `json:"success"`
		ExecutionID string `json:"executionId"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	require.NotEmpty(t, resp.ExecutionID)

	// The 200 only means "started"; the outcome is polled separately.
	e, err := c.WaitForExecution(context.Background(), resp.ExecutionID, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, core.ExecutionStatusCompleted, e.Status)
}

func Test_StartExecution_InvalidBody(t *testing.T) {
	_, _, h := setup(t)

	req := httptest.NewRequest(http.MethodPost, "/api/executions", strings.NewReader("{"))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusInternalServerError, w.Code)

	var resp struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Error)
}

func Test_StartExecution_UnknownWorkflow(t *testing.T) {
	_, _, h := setup(t)

	req := httptest.NewRequest(http.MethodPost, "/api/executions", strings.NewReader(
		`{"tenantId": "tenant", "workflowId": "nope"}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusInternalServerError, w.Code)

	var resp struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Error)
}

func Test_GetExecution(t *testing.T) {
	b, c, h := setup(t)
	createWorkflow(t, b)

	executionID, err := c.StartExecution(context.Background(), "tenant", "wf1", nil)
	require.NoError(t, err)

	_, err = c.WaitForExecution(context.Background(), executionID, 5*time.Second)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/executions/"+executionID, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var e core.Execution
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
	require.Equal(t, executionID, e.ID)
	require.Equal(t, core.ExecutionStatusCompleted, e.Status)
}

func Test_GetExecution_NotFound(t *testing.T) {
	_, _, h := setup(t)

	req := httptest.NewRequest(http.MethodGet, "/api/executions/nope", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func Test_GetExecutionLogs(t *testing.T) {
	b, c, h := setup(t)
	createWorkflow(t, b)

	executionID, err := c.StartExecution(context.Background(), "tenant", "wf1", nil)
	require.NoError(t, err)

	_, err = c.WaitForExecution(context.Background(), executionID, 5*time.Second)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/executions/"+executionID+"/logs", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var logs []*core.ExecutionLog
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &logs))
	require.Len(t, logs, 2)
	require.Equal(t, "trigger-1", logs[0].NodeID)
	require.Equal(t, "action-1", logs[1].NodeID)
}

func Test_GetExecutionLogs_NotFound(t *testing.T) {
	_, _, h := setup(t)

	req := httptest.NewRequest(http.MethodGet, "/api/executions/nope/logs", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)

	var resp struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Error)
}

func Test_CORS(t *testing.T) {
	_, _, h := setup(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/executions", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "GET, POST, OPTIONS", w.Header().Get("Access-Control-Allow-Methods"))
}
