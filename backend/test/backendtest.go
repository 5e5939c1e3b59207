// Package test contains a conformance suite that every Backend
// implementation is expected to pass. Each SQL backend runs it from its own
// package test.
package test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldops/flowengine/backend"
	"github.com/fieldops/flowengine/core"
)

// BackendTest runs the conformance suite. setup must return a fresh, empty
// backend; teardown may be nil.
func BackendTest(t *testing.T, setup func(options ...backend.BackendOption) backend.Backend, teardown func(b backend.Backend)) {
	tests := []struct {
		name string
		f    func(t *testing.T, ctx context.Context, b backend.Backend)
	}{
		{"GetWorkflow_NotFound", func(t *testing.T, ctx context.Context, b backend.Backend) {
			_, err := b.GetWorkflow(ctx, "tenant", "missing")
			require.ErrorIs(t, err, backend.ErrWorkflowNotFound)
		}},
		{"GetWorkflow_Inactive", func(t *testing.T, ctx context.Context, b backend.Backend) {
			require.NoError(t, b.CreateWorkflow(ctx, &core.WorkflowDefinition{
				ID:       "wf1",
				TenantID: "tenant",
				Name:     "inactive",
				Active:   false,
				Nodes:    []*core.Node{{ID: "t", Type: core.NodeTypeTrigger}},
			}))

			_, err := b.GetWorkflow(ctx, "tenant", "wf1")
			require.ErrorIs(t, err, backend.ErrWorkflowNotFound)
		}},
		{"GetWorkflow_WrongTenant", func(t *testing.T, ctx context.Context, b backend.Backend) {
			require.NoError(t, b.CreateWorkflow(ctx, &core.WorkflowDefinition{
				ID:       "wf1",
				TenantID: "tenant-a",
				Active:   true,
				Nodes:    []*core.Node{{ID: "t", Type: core.NodeTypeTrigger}},
			}))

			_, err := b.GetWorkflow(ctx, "tenant-b", "wf1")
			require.ErrorIs(t, err, backend.ErrWorkflowNotFound)
		}},
		{"GetWorkflow_Roundtrip", func(t *testing.T, ctx context.Context, b backend.Backend) {
			wd := &core.WorkflowDefinition{
				ID:       "wf1",
				TenantID: "tenant",
				Name:     "quote signed",
				Active:   true,
				Nodes: []*core.Node{
					{ID: "trigger-1", Type: core.NodeTypeTrigger},
					{ID: "action-1", Type: core.NodeTypeAction, ActionType: "create_project", Config: map[string]any{"projectName": "P"}},
				},
				Connections: []*core.Connection{
					{SourceNodeID: "trigger-1", TargetNodeID: "action-1"},
				},
			}
			require.NoError(t, b.CreateWorkflow(ctx, wd))

			got, err := b.GetWorkflow(ctx, "tenant", "wf1")
			require.NoError(t, err)
			require.Equal(t, "quote signed", got.Name)
			require.True(t, got.Active)
			require.Len(t, got.Nodes, 2)
			require.Len(t, got.Connections, 1)

			action := got.NodeByID("action-1")
			require.NotNil(t, action)
			require.Equal(t, "create_project", action.ActionType)
			require.Equal(t, "P", action.Config["projectName"])
		}},
		{"SetWorkflowActive", func(t *testing.T, ctx context.Context, b backend.Backend) {
			require.NoError(t, b.CreateWorkflow(ctx, &core.WorkflowDefinition{
				ID:       "wf1",
				TenantID: "tenant",
				Active:   true,
				Nodes:    []*core.Node{{ID: "t", Type: core.NodeTypeTrigger}},
			}))

			require.NoError(t, b.SetWorkflowActive(ctx, "tenant", "wf1", false))

			_, err := b.GetWorkflow(ctx, "tenant", "wf1")
			require.ErrorIs(t, err, backend.ErrWorkflowNotFound)

			require.ErrorIs(t, b.SetWorkflowActive(ctx, "tenant", "missing", false), backend.ErrWorkflowNotFound)
		}},
		{"IsWorkflowActive", func(t *testing.T, ctx context.Context, b backend.Backend) {
			require.NoError(t, b.CreateWorkflow(ctx, &core.WorkflowDefinition{
				ID:       "wf1",
				TenantID: "tenant",
				Active:   true,
				Nodes:    []*core.Node{{ID: "t", Type: core.NodeTypeTrigger}},
			}))

			active, err := b.IsWorkflowActive(ctx, "tenant", "wf1")
			require.NoError(t, err)
			require.True(t, active)

			require.NoError(t, b.SetWorkflowActive(ctx, "tenant", "wf1", false))

			active, err = b.IsWorkflowActive(ctx, "tenant", "wf1")
			require.NoError(t, err)
			require.False(t, active)

			_, err = b.IsWorkflowActive(ctx, "tenant", "missing")
			require.ErrorIs(t, err, backend.ErrWorkflowNotFound)

			_, err = b.IsWorkflowActive(ctx, "other", "wf1")
			require.ErrorIs(t, err, backend.ErrWorkflowNotFound)
		}},
		{"Execution_Lifecycle", func(t *testing.T, ctx context.Context, b backend.Backend) {
			now := time.Now().UTC().Truncate(time.Millisecond)

			e := &core.Execution{
				ID:          "exec1",
				WorkflowID:  "wf1",
				TenantID:    "tenant",
				TriggerData: []byte(`{"quoteId":"q1"}`),
				Status:      core.ExecutionStatusRunning,
				CreatedAt:   now,
			}
			require.NoError(t, b.CreateExecution(ctx, e))

			got, err := b.GetExecution(ctx, "exec1")
			require.NoError(t, err)
			require.Equal(t, core.ExecutionStatusRunning, got.Status)
			require.Nil(t, got.CompletedAt)
			require.JSONEq(t, `{"quoteId":"q1"}`, string(got.TriggerData))

			completedAt := now.Add(time.Second)
			require.NoError(t, b.CompleteExecution(ctx, "exec1", core.ExecutionStatusFailed, "boom", completedAt))

			got, err = b.GetExecution(ctx, "exec1")
			require.NoError(t, err)
			require.Equal(t, core.ExecutionStatusFailed, got.Status)
			require.Equal(t, "boom", got.ErrorMessage)
			require.NotNil(t, got.CompletedAt)
			require.True(t, got.CompletedAt.Equal(completedAt))
		}},
		{"Execution_NotFound", func(t *testing.T, ctx context.Context, b backend.Backend) {
			_, err := b.GetExecution(ctx, "missing")
			require.ErrorIs(t, err, backend.ErrExecutionNotFound)

			err = b.CompleteExecution(ctx, "missing", core.ExecutionStatusCompleted, "", time.Now())
			require.ErrorIs(t, err, backend.ErrExecutionNotFound)
		}},
		{"ExecutionLogs_InsertionOrder", func(t *testing.T, ctx context.Context, b backend.Backend) {
			ts := time.Now().UTC()

			// Same timestamp on purpose: ordering must come from insertion
			// sequence, not from the timestamp.
			for _, nodeID := range []string{"trigger-1", "action-1", "action-2"} {
				require.NoError(t, b.AppendExecutionLog(ctx, &core.ExecutionLog{
					ExecutionID: "exec1",
					NodeID:      nodeID,
					Status:      core.LogStatusSuccess,
					Output:      []byte(`{}`),
					Timestamp:   ts,
				}))
			}

			logs, err := b.GetExecutionLogs(ctx, "exec1")
			require.NoError(t, err)
			require.Len(t, logs, 3)
			require.Equal(t, "trigger-1", logs[0].NodeID)
			require.Equal(t, "action-1", logs[1].NodeID)
			require.Equal(t, "action-2", logs[2].NodeID)
		}},
		{"InsertRecord_Defaults", func(t *testing.T, ctx context.Context, b backend.Backend) {
			doc, err := b.InsertRecord(ctx, "tenant", "projects", core.Document{
				"name":   "Roof repair",
				"status": "planning",
			})
			require.NoError(t, err)
			require.NotEmpty(t, doc["id"])
			require.NotEmpty(t, doc["created_at"])
			require.Equal(t, "tenant", doc["tenant_id"])

			got, err := b.GetRecord(ctx, "tenant", "projects", doc["id"].(string))
			require.NoError(t, err)
			require.Equal(t, "Roof repair", got["name"])
			require.Equal(t, "planning", got["status"])
		}},
		{"InsertRecord_RejectsEngineTables", func(t *testing.T, ctx context.Context, b backend.Backend) {
			_, err := b.InsertRecord(ctx, "tenant", "workflow_executions", core.Document{"status": "running"})
			require.ErrorIs(t, err, backend.ErrInvalidTable)

			_, err = b.InsertRecord(ctx, "tenant", "projects; DROP TABLE projects", core.Document{})
			require.ErrorIs(t, err, backend.ErrInvalidTable)
		}},
		{"UpdateRecord", func(t *testing.T, ctx context.Context, b backend.Backend) {
			doc, err := b.InsertRecord(ctx, "tenant", "service_orders", core.Document{"status": "open"})
			require.NoError(t, err)
			id := doc["id"].(string)

			require.NoError(t, b.UpdateRecord(ctx, "tenant", "service_orders", id, core.Document{"status": "done"}))

			got, err := b.GetRecord(ctx, "tenant", "service_orders", id)
			require.NoError(t, err)
			require.Equal(t, "done", got["status"])

			// Other tenants cannot see or touch the record.
			require.ErrorIs(t, b.UpdateRecord(ctx, "other", "service_orders", id, core.Document{"status": "x"}), backend.ErrRecordNotFound)
			_, err = b.GetRecord(ctx, "other", "service_orders", id)
			require.ErrorIs(t, err, backend.ErrRecordNotFound)
		}},
		{"ReserveInvoiceNumber", func(t *testing.T, ctx context.Context, b backend.Backend) {
			seq, prefix, err := b.ReserveInvoiceNumber(ctx, "tenant")
			require.NoError(t, err)
			require.Equal(t, int64(1), seq)
			require.Equal(t, "INV-", prefix)

			seq, _, err = b.ReserveInvoiceNumber(ctx, "tenant")
			require.NoError(t, err)
			require.Equal(t, int64(2), seq)

			// Independent sequence per tenant.
			seq, _, err = b.ReserveInvoiceNumber(ctx, "other")
			require.NoError(t, err)
			require.Equal(t, int64(1), seq)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := setup()

			t.Cleanup(func() {
				if teardown != nil {
					teardown(b)
				} else {
					require.NoError(t, b.Close())
				}
			})

			tt.f(t, context.Background(), b)
		})
	}
}
