// Package engine walks a workflow's node graph, dispatching nodes to the
// condition evaluator and the action registry and appending one execution
// log row per visited node.
package engine

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fieldops/flowengine/backend"
	"github.com/fieldops/flowengine/backend/metrics"
	"github.com/fieldops/flowengine/core"
	"github.com/fieldops/flowengine/engine/action"
	"github.com/fieldops/flowengine/engine/condition"
	"github.com/fieldops/flowengine/internal/metrickeys"
	"github.com/fieldops/flowengine/log"
)

var (
	ErrNoTriggerNode = errors.New("workflow has no trigger node")

	// ErrCycleDetected is returned when a traversal path revisits a node.
	// Diamond-shaped graphs are fine: a node reachable via multiple paths is
	// visited once per path.
	ErrCycleDetected = errors.New("cycle detected in workflow graph")

	ErrMaxDepthExceeded = errors.New("maximum graph depth exceeded")
)

// DefaultMaxDepth bounds the recursion of one traversal path.
const DefaultMaxDepth = 100

type Walker struct {
	backend  backend.Backend
	registry *action.Registry
	maxDepth int
}

type WalkerOption func(*Walker)

// WithMaxDepth overrides the traversal depth bound.
func WithMaxDepth(d int) WalkerOption {
	return func(w *Walker) {
		w.maxDepth = d
	}
}

// WithRegistry overrides the action registry.
func WithRegistry(r *action.Registry) WalkerOption {
	return func(w *Walker) {
		w.registry = r
	}
}

func NewWalker(b backend.Backend, opts ...WalkerOption) *Walker {
	w := &Walker{
		backend:  b,
		registry: action.NewDefaultRegistry(b),
		maxDepth: DefaultMaxDepth,
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Walk runs the workflow graph from its trigger node: a synchronous,
// pre-order depth-first traversal. Every visited node appends exactly one
// log row; the first node failure aborts the whole walk and is returned.
func (w *Walker) Walk(ctx context.Context, wd *core.WorkflowDefinition, executionID string, ec *core.ExecutionContext) error {
	trigger := wd.TriggerNode()
	if trigger == nil {
		return ErrNoTriggerNode
	}

	return w.visit(ctx, wd, trigger, executionID, ec, wd.Adjacency(), map[string]bool{}, 0)
}

// visit executes one node and recurses into its successors. path holds the
// node ids of the current traversal path only; nodes are unmarked when the
// branch below them finishes, so fan-in via different paths still revisits.
func (w *Walker) visit(
	ctx context.Context, wd *core.WorkflowDefinition, node *core.Node,
	executionID string, ec *core.ExecutionContext,
	adjacency map[string][]string, path map[string]bool, depth int,
) error {
	if depth > w.maxDepth {
		err := fmt.Errorf("%w (%d) at node %s", ErrMaxDepthExceeded, w.maxDepth, node.ID)
		w.appendLog(ctx, executionID, node.ID, core.LogStatusFailed, nil, err.Error())
		return err
	}

	if path[node.ID] {
		err := fmt.Errorf("%w: node %s revisited on the same path", ErrCycleDetected, node.ID)
		w.appendLog(ctx, executionID, node.ID, core.LogStatusFailed, nil, err.Error())
		return err
	}

	ctx, span := w.backend.Tracer().Start(ctx, fmt.Sprintf("Node: %s", node.ID), trace.WithAttributes(
		attribute.String(log.ExecutionIDKey, executionID),
		attribute.String(log.NodeIDKey, node.ID),
		attribute.String(log.NodeTypeKey, string(node.Type)),
	))
	defer span.End()

	output, err := w.execute(ctx, node, ec)
	if err != nil {
		w.appendLog(ctx, executionID, node.ID, core.LogStatusFailed, nil, err.Error())
		return err
	}

	if err := w.appendLog(ctx, executionID, node.ID, core.LogStatusSuccess, output, ""); err != nil {
		return err
	}

	w.backend.Metrics().Counter(metrickeys.NodesExecuted, metrics.Tags{metrickeys.NodeType: string(node.Type)}, 1)

	path[node.ID] = true
	defer delete(path, node.ID)

	for _, successorID := range adjacency[node.ID] {
		successor := wd.NodeByID(successorID)
		if successor == nil {
			// Dangling connection, skip.
			continue
		}

		if err := w.visit(ctx, wd, successor, executionID, ec, adjacency, path, depth+1); err != nil {
			return err
		}
	}

	return nil
}

// execute dispatches one node on its type and returns the node output.
func (w *Walker) execute(ctx context.Context, node *core.Node, ec *core.ExecutionContext) (map[string]any, error) {
	switch node.Type {
	case core.NodeTypeTrigger:
		return map[string]any{
			"triggered": true,
			"data":      ec.TriggerData,
		}, nil

	case core.NodeTypeAction:
		return w.registry.Execute(ctx, node, ec)

	case core.NodeTypeCondition:
		// The boolean result is recorded but does not prune which edges are
		// followed: all successors of a condition node fire either way.
		return map[string]any{
			"conditionMet": condition.Evaluate(node, ec),
		}, nil

	default:
		return nil, fmt.Errorf("unknown node type %q", node.Type)
	}
}

func (w *Walker) appendLog(ctx context.Context, executionID, nodeID string, status core.LogStatus, output map[string]any, errorMessage string) error {
	l := &core.ExecutionLog{
		ExecutionID:  executionID,
		NodeID:       nodeID,
		Status:       status,
		ErrorMessage: errorMessage,
		Timestamp:    w.backend.Clock().Now(),
	}

	if output != nil {
		p, err := w.backend.Converter().To(output)
		if err != nil {
			return fmt.Errorf("serializing node output: %w", err)
		}

		l.Output = p
	}

	if err := w.backend.AppendExecutionLog(ctx, l); err != nil {
		w.backend.Logger().Error(
			"Could not append execution log",
			log.ExecutionIDKey, executionID,
			log.NodeIDKey, nodeID,
			"error", err,
		)

		return fmt.Errorf("appending execution log: %w", err)
	}

	return nil
}
