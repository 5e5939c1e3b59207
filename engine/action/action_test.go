package action_test

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/flowengine/backend"
	"github.com/fieldops/flowengine/backend/sqlite"
	"github.com/fieldops/flowengine/core"
	"github.com/fieldops/flowengine/engine/action"
)

func actionNode(actionType string, config map[string]any) *core.Node {
	return &core.Node{
		ID:         "action-1",
		Type:       core.NodeTypeAction,
		ActionType: actionType,
		Config:     config,
	}
}

func setup(t *testing.T, opts ...backend.BackendOption) (backend.Backend, *action.Registry) {
	t.Helper()

	b := sqlite.NewInMemoryBackend(opts...)
	t.Cleanup(func() { b.Close() })

	return b, action.NewDefaultRegistry(b)
}

func Test_CreateProject(t *testing.T) {
	b, r := setup(t)
	ctx := context.Background()

	ec := core.NewExecutionContext("tenant", map[string]any{
		"sourceType": "quote",
		"customerId": "cust-1",
	})

	output, err := r.Execute(ctx, actionNode("create_project", nil), ec)
	require.NoError(t, err)
	require.Equal(t, "Project from quote", output["name"])
	require.Equal(t, "planning", output["status"])
	require.Equal(t, "cust-1", output["customer_id"])

	// stored in the context for later nodes
	id, ok := ec.DocumentID("project")
	require.True(t, ok)

	// and persisted
	doc, err := b.GetRecord(ctx, "tenant", "projects", id)
	require.NoError(t, err)
	require.Equal(t, "Project from quote", doc["name"])
}

func Test_CreateProject_ConfigName(t *testing.T) {
	_, r := setup(t)

	ec := core.NewExecutionContext("tenant", nil)

	output, err := r.Execute(context.Background(), actionNode("create_project", map[string]any{
		"projectName": "Bathroom remodel",
		"customerId":  "cust-2",
	}), ec)
	require.NoError(t, err)
	require.Equal(t, "Bathroom remodel", output["name"])
	require.Equal(t, "cust-2", output["customer_id"])
}

func Test_CreateServiceOrder_LinksToCreatedProject(t *testing.T) {
	_, r := setup(t)
	ctx := context.Background()

	// No projectId anywhere in trigger data or config: the service order must
	// pick up the project created earlier in the same execution.
	ec := core.NewExecutionContext("tenant", nil)

	project, err := r.Execute(ctx, actionNode("create_project", nil), ec)
	require.NoError(t, err)

	so, err := r.Execute(ctx, actionNode("create_service_order", nil), ec)
	require.NoError(t, err)
	require.Equal(t, project["id"], so["project_id"])
}

func Test_CreateServiceOrder_ProjectIDFromTrigger(t *testing.T) {
	_, r := setup(t)

	ec := core.NewExecutionContext("tenant", map[string]any{"projectId": "proj-7"})

	so, err := r.Execute(context.Background(), actionNode("create_service_order", nil), ec)
	require.NoError(t, err)
	require.Equal(t, "proj-7", so["project_id"])
}

func Test_CreateInvoice(t *testing.T) {
	mockClock := clock.NewMock()
	mockClock.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))

	_, r := setup(t, backend.WithClock(mockClock))
	ctx := context.Background()

	ec := core.NewExecutionContext("tenant", map[string]any{"amount": float64(1250)})
	ec.PutDocument("project", core.Document{"id": "proj-1"})
	ec.PutDocument("serviceOrder", core.Document{"id": "so-1"})

	invoice, err := r.Execute(ctx, actionNode("create_invoice", nil), ec)
	require.NoError(t, err)
	require.Equal(t, "INV-00001", invoice["invoice_number"])
	require.Equal(t, "proj-1", invoice["project_id"])
	require.Equal(t, "so-1", invoice["service_order_id"])
	require.Equal(t, float64(1250), invoice["amount"])
	require.Equal(t, "draft", invoice["status"])

	// due date is 30 days out
	require.Equal(t, time.Date(2024, 3, 31, 12, 0, 0, 0, time.UTC).Format(time.RFC3339), invoice["due_date"])
}

func Test_CreateInvoice_SequentialNumbers(t *testing.T) {
	_, r := setup(t)
	ctx := context.Background()

	// Two separate executions against the same tenant get strictly
	// increasing, non-colliding numbers.
	first, err := r.Execute(ctx, actionNode("create_invoice", nil), core.NewExecutionContext("tenant", nil))
	require.NoError(t, err)

	second, err := r.Execute(ctx, actionNode("create_invoice", nil), core.NewExecutionContext("tenant", nil))
	require.NoError(t, err)

	require.Equal(t, "INV-00001", first["invoice_number"])
	require.Equal(t, "INV-00002", second["invoice_number"])
}

func Test_CreateTask(t *testing.T) {
	_, r := setup(t)

	ec := core.NewExecutionContext("tenant", map[string]any{"userId": "user-1"})
	ec.PutDocument("project", core.Document{"id": "proj-1"})

	task, err := r.Execute(context.Background(), actionNode("create_task", map[string]any{
		"title": "Call customer",
	}), ec)
	require.NoError(t, err)
	require.Equal(t, "Call customer", task["title"])
	require.Equal(t, "user-1", task["assigned_to"])
	require.Equal(t, "proj-1", task["project_id"])
}

func Test_CreateTask_ConfigAssigneeWins(t *testing.T) {
	_, r := setup(t)

	ec := core.NewExecutionContext("tenant", map[string]any{"userId": "user-1"})

	task, err := r.Execute(context.Background(), actionNode("create_task", map[string]any{
		"assignedTo": "user-2",
	}), ec)
	require.NoError(t, err)
	require.Equal(t, "user-2", task["assigned_to"])
}

func Test_UpdateStatus_ServiceOrderTable(t *testing.T) {
	b, r := setup(t)
	ctx := context.Background()

	// "serviceOrder" must address the service_orders table
	so, err := b.InsertRecord(ctx, "tenant", "service_orders", core.Document{"status": "open"})
	require.NoError(t, err)

	ec := core.NewExecutionContext("tenant", nil)
	ec.PutDocument("serviceOrder", so)

	output, err := r.Execute(ctx, actionNode("update_status", map[string]any{
		"documentType": "serviceOrder",
		"newStatus":    "completed",
	}), ec)
	require.NoError(t, err)
	require.Equal(t, "service_orders", output["table"])

	got, err := b.GetRecord(ctx, "tenant", "service_orders", so["id"].(string))
	require.NoError(t, err)
	require.Equal(t, "completed", got["status"])
}

func Test_UpdateStatus_TargetFromTriggerData(t *testing.T) {
	b, r := setup(t)
	ctx := context.Background()

	project, err := b.InsertRecord(ctx, "tenant", "projects", core.Document{"status": "planning"})
	require.NoError(t, err)

	ec := core.NewExecutionContext("tenant", map[string]any{"projectId": project["id"]})

	_, err = r.Execute(ctx, actionNode("update_status", map[string]any{
		"documentType": "project",
		"newStatus":    "active",
	}), ec)
	require.NoError(t, err)

	got, err := b.GetRecord(ctx, "tenant", "projects", project["id"].(string))
	require.NoError(t, err)
	require.Equal(t, "active", got["status"])
}

func Test_UpdateStatus_UnknownDocumentType(t *testing.T) {
	_, r := setup(t)

	_, err := r.Execute(context.Background(), actionNode("update_status", map[string]any{
		"documentType": "spaceship",
		"newStatus":    "launched",
	}), core.NewExecutionContext("tenant", nil))
	require.ErrorIs(t, err, backend.ErrUnknownDocumentType)

	var actionErr *action.Error
	require.ErrorAs(t, err, &actionErr)
	require.Equal(t, "update_status", actionErr.ActionType)
}

func Test_AssignUser(t *testing.T) {
	b, r := setup(t)
	ctx := context.Background()

	task, err := b.InsertRecord(ctx, "tenant", "tasks", core.Document{"status": "open"})
	require.NoError(t, err)

	ec := core.NewExecutionContext("tenant", map[string]any{"userId": "user-1"})
	ec.PutDocument("task", task)

	_, err = r.Execute(ctx, actionNode("assign_user", map[string]any{
		"documentType": "task",
	}), ec)
	require.NoError(t, err)

	got, err := b.GetRecord(ctx, "tenant", "tasks", task["id"].(string))
	require.NoError(t, err)
	require.Equal(t, "user-1", got["assigned_to"])
}

func Test_AssignUser_RequiresTargetAndUser(t *testing.T) {
	_, r := setup(t)
	ctx := context.Background()

	// no resolvable target
	_, err := r.Execute(ctx, actionNode("assign_user", map[string]any{
		"documentType": "task",
	}), core.NewExecutionContext("tenant", nil))
	require.Error(t, err)

	// target but no user
	ec := core.NewExecutionContext("tenant", nil)
	ec.PutDocument("task", core.Document{"id": "task-1"})

	_, err = r.Execute(ctx, actionNode("assign_user", map[string]any{
		"documentType": "task",
	}), ec)
	require.Error(t, err)
}

func Test_Delay(t *testing.T) {
	mockClock := clock.NewMock()
	_, r := setup(t, backend.WithClock(mockClock))

	var output map[string]any
	var execErr error

	done := make(chan struct{})
	go func() {
		defer close(done)
		output, execErr = r.Execute(context.Background(), actionNode("delay", map[string]any{
			"delayMinutes": float64(5),
		}), core.NewExecutionContext("tenant", nil))
	}()

	// Nudge the mock clock until the timer fires.
	require.Eventually(t, func() bool {
		mockClock.Add(time.Minute)

		select {
		case <-done:
			return true
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, execErr)
	require.Equal(t, float64(5), output["delayedMinutes"])
}

func Test_Delay_Cancelled(t *testing.T) {
	mockClock := clock.NewMock()
	_, r := setup(t, backend.WithClock(mockClock))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Execute(ctx, actionNode("delay", nil), core.NewExecutionContext("tenant", nil))
	require.ErrorIs(t, err, context.Canceled)
}

func Test_SendEmail_Stub(t *testing.T) {
	_, r := setup(t)

	output, err := r.Execute(context.Background(), actionNode("send_email", map[string]any{
		"to": "customer@example.com",
	}), core.NewExecutionContext("tenant", nil))
	require.NoError(t, err)
	require.Equal(t, false, output["emailSent"])
	require.Equal(t, "Not implemented", output["reason"])
}

func Test_UnknownActionType(t *testing.T) {
	_, r := setup(t)

	_, err := r.Execute(context.Background(), actionNode("launch_rocket", nil), core.NewExecutionContext("tenant", nil))
	require.ErrorIs(t, err, action.ErrUnknownAction)
}
