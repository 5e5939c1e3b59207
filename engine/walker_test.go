package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fieldops/flowengine/backend"
	"github.com/fieldops/flowengine/backend/sqlite"
	"github.com/fieldops/flowengine/core"
	"github.com/fieldops/flowengine/engine"
	"github.com/fieldops/flowengine/engine/action"
)

func definition(nodes []*core.Node, connections []*core.Connection) *core.WorkflowDefinition {
	return &core.WorkflowDefinition{
		ID:          "wf1",
		TenantID:    "tenant",
		Active:      true,
		Nodes:       nodes,
		Connections: connections,
	}
}

func trigger(id string) *core.Node {
	return &core.Node{ID: id, Type: core.NodeTypeTrigger}
}

func actionNode(id, actionType string, config map[string]any) *core.Node {
	return &core.Node{ID: id, Type: core.NodeTypeAction, ActionType: actionType, Config: config}
}

func edge(from, to string) *core.Connection {
	return &core.Connection{SourceNodeID: from, TargetNodeID: to}
}

func output(t *testing.T, l *core.ExecutionLog) map[string]any {
	t.Helper()

	var m map[string]any
	require.NoError(t, json.Unmarshal(l.Output, &m))
	return m
}

// explode is a test action that always fails.
type explode struct{}

func (a *explode) Type() string {
	return "explode"
}

func (a *explode) Execute(ctx context.Context, node *core.Node, ec *core.ExecutionContext) (map[string]any, error) {
	return nil, errors.New("boom")
}

func setup(t *testing.T) (backend.Backend, *engine.Walker) {
	t.Helper()

	b := sqlite.NewInMemoryBackend()
	t.Cleanup(func() { b.Close() })

	r := action.NewDefaultRegistry(b)
	r.MustRegister(&explode{})

	return b, engine.NewWalker(b, engine.WithRegistry(r))
}

func Test_Walk_LinearGraph(t *testing.T) {
	b, w := setup(t)
	ctx := context.Background()

	wd := definition(
		[]*core.Node{
			trigger("trigger-1"),
			actionNode("action-1", "create_project", nil),
			actionNode("action-2", "create_service_order", nil),
		},
		[]*core.Connection{
			edge("trigger-1", "action-1"),
			edge("action-1", "action-2"),
		},
	)

	ec := core.NewExecutionContext("tenant", map[string]any{"sourceType": "quote"})
	require.NoError(t, w.Walk(ctx, wd, "exec1", ec))

	logs, err := b.GetExecutionLogs(ctx, "exec1")
	require.NoError(t, err)
	require.Len(t, logs, 3)

	// visitation order, all successful
	require.Equal(t, "trigger-1", logs[0].NodeID)
	require.Equal(t, "action-1", logs[1].NodeID)
	require.Equal(t, "action-2", logs[2].NodeID)
	for _, l := range logs {
		require.Equal(t, core.LogStatusSuccess, l.Status)
	}

	// trigger output echoes the trigger data
	triggerOutput := output(t, logs[0])
	require.Equal(t, true, triggerOutput["triggered"])
	require.Equal(t, "quote", triggerOutput["data"].(map[string]any)["sourceType"])

	// the service order chained onto the created project
	soOutput := output(t, logs[2])
	projectID, _ := ec.DocumentID("project")
	require.Equal(t, projectID, soOutput["project_id"])
}

func Test_Walk_FailureAbortsWalk(t *testing.T) {
	b, w := setup(t)
	ctx := context.Background()

	wd := definition(
		[]*core.Node{
			trigger("trigger-1"),
			actionNode("action-1", "create_project", nil),
			actionNode("action-2", "explode", nil),
			actionNode("action-3", "create_task", nil),
		},
		[]*core.Connection{
			edge("trigger-1", "action-1"),
			edge("action-1", "action-2"),
			edge("action-2", "action-3"),
		},
	)

	err := w.Walk(ctx, wd, "exec1", core.NewExecutionContext("tenant", nil))
	require.Error(t, err)

	var actionErr *action.Error
	require.ErrorAs(t, err, &actionErr)
	require.Equal(t, "explode", actionErr.ActionType)

	logs, err := b.GetExecutionLogs(ctx, "exec1")
	require.NoError(t, err)
	require.Len(t, logs, 3)

	require.Equal(t, core.LogStatusSuccess, logs[0].Status)
	require.Equal(t, core.LogStatusSuccess, logs[1].Status)

	require.Equal(t, "action-2", logs[2].NodeID)
	require.Equal(t, core.LogStatusFailed, logs[2].Status)
	require.Contains(t, logs[2].ErrorMessage, "boom")

	// nothing after the failure point
	for _, l := range logs {
		require.NotEqual(t, "action-3", l.NodeID)
	}
}

func Test_Walk_ConditionDoesNotPruneSuccessors(t *testing.T) {
	b, w := setup(t)
	ctx := context.Background()

	// The condition evaluates to false, but its successor still runs: only
	// the boolean is recorded.
	wd := definition(
		[]*core.Node{
			trigger("trigger-1"),
			{ID: "cond-1", Type: core.NodeTypeCondition, Config: map[string]any{
				"conditionType": "field_equals",
				"fieldName":     "status",
				"expectedValue": "signed",
			}},
			actionNode("action-1", "create_project", nil),
		},
		[]*core.Connection{
			edge("trigger-1", "cond-1"),
			edge("cond-1", "action-1"),
		},
	)

	require.NoError(t, w.Walk(ctx, wd, "exec1", core.NewExecutionContext("tenant", map[string]any{"status": "draft"})))

	logs, err := b.GetExecutionLogs(ctx, "exec1")
	require.NoError(t, err)
	require.Len(t, logs, 3)

	require.Equal(t, false, output(t, logs[1])["conditionMet"])
	require.Equal(t, "action-1", logs[2].NodeID)
	require.Equal(t, core.LogStatusSuccess, logs[2].Status)
}

func Test_Walk_FanOutSharesContext(t *testing.T) {
	b, w := setup(t)
	ctx := context.Background()

	// Depth-first: the first branch creates the project, the sibling branch
	// sees it through the shared context.
	wd := definition(
		[]*core.Node{
			trigger("trigger-1"),
			actionNode("action-1", "create_project", nil),
			actionNode("action-2", "create_service_order", nil),
		},
		[]*core.Connection{
			edge("trigger-1", "action-1"),
			edge("trigger-1", "action-2"),
		},
	)

	ec := core.NewExecutionContext("tenant", nil)
	require.NoError(t, w.Walk(ctx, wd, "exec1", ec))

	logs, err := b.GetExecutionLogs(ctx, "exec1")
	require.NoError(t, err)
	require.Len(t, logs, 3)

	projectID, _ := ec.DocumentID("project")
	require.NotEmpty(t, projectID)
	require.Equal(t, projectID, output(t, logs[2])["project_id"])
}

func Test_Walk_DiamondRevisitsNode(t *testing.T) {
	b, w := setup(t)
	ctx := context.Background()

	// Fan-out into fan-in: the join node is reachable via two paths and runs
	// once per path. Only cycles on a single path are rejected.
	wd := definition(
		[]*core.Node{
			trigger("trigger-1"),
			actionNode("left", "send_email", nil),
			actionNode("right", "send_email", nil),
			actionNode("join", "send_email", nil),
		},
		[]*core.Connection{
			edge("trigger-1", "left"),
			edge("trigger-1", "right"),
			edge("left", "join"),
			edge("right", "join"),
		},
	)

	require.NoError(t, w.Walk(ctx, wd, "exec1", core.NewExecutionContext("tenant", nil)))

	logs, err := b.GetExecutionLogs(ctx, "exec1")
	require.NoError(t, err)

	joins := 0
	for _, l := range logs {
		if l.NodeID == "join" {
			joins++
		}
	}
	require.Equal(t, 2, joins)
}

func Test_Walk_CycleDetected(t *testing.T) {
	b, w := setup(t)
	ctx := context.Background()

	wd := definition(
		[]*core.Node{
			trigger("trigger-1"),
			actionNode("action-1", "send_email", nil),
			actionNode("action-2", "send_email", nil),
		},
		[]*core.Connection{
			edge("trigger-1", "action-1"),
			edge("action-1", "action-2"),
			edge("action-2", "action-1"),
		},
	)

	err := w.Walk(ctx, wd, "exec1", core.NewExecutionContext("tenant", nil))
	require.ErrorIs(t, err, engine.ErrCycleDetected)

	logs, logsErr := b.GetExecutionLogs(ctx, "exec1")
	require.NoError(t, logsErr)

	last := logs[len(logs)-1]
	require.Equal(t, core.LogStatusFailed, last.Status)
	require.Contains(t, last.ErrorMessage, "cycle")
}

func Test_Walk_MaxDepth(t *testing.T) {
	b, w := setup(t)

	r := action.NewDefaultRegistry(b)
	w = engine.NewWalker(b, engine.WithRegistry(r), engine.WithMaxDepth(1))

	wd := definition(
		[]*core.Node{
			trigger("trigger-1"),
			actionNode("action-1", "send_email", nil),
			actionNode("action-2", "send_email", nil),
		},
		[]*core.Connection{
			edge("trigger-1", "action-1"),
			edge("action-1", "action-2"),
		},
	)

	err := w.Walk(context.Background(), wd, "exec1", core.NewExecutionContext("tenant", nil))
	require.ErrorIs(t, err, engine.ErrMaxDepthExceeded)
}

func Test_Walk_NoTriggerNode(t *testing.T) {
	_, w := setup(t)

	wd := definition(
		[]*core.Node{actionNode("action-1", "create_project", nil)},
		nil,
	)

	err := w.Walk(context.Background(), wd, "exec1", core.NewExecutionContext("tenant", nil))
	require.ErrorIs(t, err, engine.ErrNoTriggerNode)
}

func Test_Walk_DanglingConnectionSkipped(t *testing.T) {
	b, w := setup(t)
	ctx := context.Background()

	wd := definition(
		[]*core.Node{trigger("trigger-1")},
		[]*core.Connection{edge("trigger-1", "ghost")},
	)

	require.NoError(t, w.Walk(ctx, wd, "exec1", core.NewExecutionContext("tenant", nil)))

	logs, err := b.GetExecutionLogs(ctx, "exec1")
	require.NoError(t, err)
	require.Len(t, logs, 1)
}
