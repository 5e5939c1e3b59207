package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fieldops/flowengine/backend"
	"github.com/fieldops/flowengine/backend/metrics"
	"github.com/fieldops/flowengine/core"
	"github.com/fieldops/flowengine/engine"
	"github.com/fieldops/flowengine/internal/metrickeys"
	"github.com/fieldops/flowengine/log"
)

// definitionCacheTTL bounds how long a workflow's node and connection payload
// is reused without re-reading it. The active flag is checked on every start
// regardless, so deactivation takes effect immediately.
const definitionCacheTTL = 30 * time.Second

// Client is the entry point for starting and observing workflow executions.
type Client struct {
	backend backend.Backend
	clock   clock.Clock
	walker  *engine.Walker

	definitions *ttlcache.Cache[string, *core.WorkflowDefinition]

	wg sync.WaitGroup
}

type ClientOption func(*Client)

// WithClock overrides the client's time source.
func WithClock(c clock.Clock) ClientOption {
	return func(cl *Client) {
		cl.clock = c
	}
}

// WithWalker overrides the graph walker.
func WithWalker(w *engine.Walker) ClientOption {
	return func(cl *Client) {
		cl.walker = w
	}
}

func New(b backend.Backend, opts ...ClientOption) *Client {
	c := &Client{
		backend: b,
		clock:   b.Clock(),
		walker:  engine.NewWalker(b),
		definitions: ttlcache.New(
			ttlcache.WithTTL[string, *core.WorkflowDefinition](definitionCacheTTL),
			ttlcache.WithDisableTouchOnHit[string, *core.WorkflowDefinition](),
		),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// StartExecution starts one run of the given workflow. It validates the
// definition, creates the execution row, and returns the execution id
// immediately: the graph walk runs on a detached goroutine with its own
// error boundary, which writes the terminal state exactly once. The caller
// observes completion by polling the execution and its logs.
func (c *Client) StartExecution(ctx context.Context, tenantID, workflowID string, triggerData map[string]any) (string, error) {
	ctx, span := c.backend.Tracer().Start(ctx, fmt.Sprintf("StartExecution: %s", workflowID), trace.WithAttributes(
		attribute.String(log.WorkflowIDKey, workflowID),
		attribute.String(log.TenantIDKey, tenantID),
	))
	defer span.End()

	wd, err := c.definition(ctx, tenantID, workflowID)
	if err != nil {
		return "", err
	}

	// Fail fast before any execution row exists.
	if wd.TriggerNode() == nil {
		return "", engine.ErrNoTriggerNode
	}

	td, err := c.backend.Converter().To(triggerData)
	if err != nil {
		return "", fmt.Errorf("serializing trigger data: %w", err)
	}

	e := &core.Execution{
		ID:          uuid.NewString(),
		WorkflowID:  wd.ID,
		TenantID:    tenantID,
		TriggerData: td,
		Status:      core.ExecutionStatusRunning,
		CreatedAt:   c.clock.Now(),
	}

	if err := c.backend.CreateExecution(ctx, e); err != nil {
		return "", fmt.Errorf("creating execution: %w", err)
	}

	c.backend.Logger().Debug(
		"Started workflow execution",
		log.WorkflowIDKey, workflowID,
		log.ExecutionIDKey, e.ID,
		log.TenantIDKey, tenantID,
	)

	c.backend.Metrics().Counter(metrickeys.ExecutionsStarted, metrics.Tags{}, 1)

	c.wg.Add(1)
	go c.run(wd, e.ID, core.NewExecutionContext(tenantID, triggerData))

	return e.ID, nil
}

// run is the detached part of an execution. Errors stop here: they are
// written to the execution row, never propagated to the caller of
// StartExecution.
func (c *Client) run(wd *core.WorkflowDefinition, executionID string, ec *core.ExecutionContext) {
	defer c.wg.Done()

	// Deliberately not derived from the caller's context: the caller
	// returning or cancelling must not cancel the walk.
	ctx, span := c.backend.Tracer().Start(context.Background(), fmt.Sprintf("Execution: %s", wd.ID), trace.WithAttributes(
		attribute.String(log.WorkflowIDKey, wd.ID),
		attribute.String(log.ExecutionIDKey, executionID),
	))
	defer span.End()

	walkErr := c.walker.Walk(ctx, wd, executionID, ec)

	status := core.ExecutionStatusCompleted
	errorMessage := ""
	if walkErr != nil {
		status = core.ExecutionStatusFailed
		errorMessage = walkErr.Error()
		c.backend.Metrics().Counter(metrickeys.ExecutionsFailed, metrics.Tags{}, 1)
	} else {
		c.backend.Metrics().Counter(metrickeys.ExecutionsCompleted, metrics.Tags{}, 1)
	}

	if err := c.backend.CompleteExecution(ctx, executionID, status, errorMessage, c.clock.Now()); err != nil {
		c.backend.Logger().Error(
			"Could not write terminal execution state",
			log.ExecutionIDKey, executionID,
			"error", err,
		)
		return
	}

	c.backend.Logger().Debug(
		"Finished workflow execution",
		log.ExecutionIDKey, executionID,
		"status", string(status),
	)
}

func (c *Client) definition(ctx context.Context, tenantID, workflowID string) (*core.WorkflowDefinition, error) {
	key := tenantID + "/" + workflowID

	if item := c.definitions.Get(key); item != nil {
		// Only the graph payload may be served stale; the active flag gates
		// every single start.
		active, err := c.backend.IsWorkflowActive(ctx, tenantID, workflowID)
		if err != nil {
			c.definitions.Delete(key)
			return nil, err
		}

		if !active {
			c.definitions.Delete(key)
			return nil, backend.ErrWorkflowNotFound
		}

		c.backend.Metrics().Counter(metrickeys.DefinitionCacheHit, metrics.Tags{}, 1)

		return item.Value(), nil
	}

	wd, err := c.backend.GetWorkflow(ctx, tenantID, workflowID)
	if err != nil {
		return nil, err
	}

	c.definitions.Set(key, wd, ttlcache.DefaultTTL)
	c.backend.Metrics().Gauge(metrickeys.DefinitionCacheSize, metrics.Tags{}, int64(c.definitions.Len()))

	return wd, nil
}

// GetExecution returns the current state of an execution.
func (c *Client) GetExecution(ctx context.Context, executionID string) (*core.Execution, error) {
	return c.backend.GetExecution(ctx, executionID)
}

// GetExecutionLogs returns the ordered per-node trace of an execution.
func (c *Client) GetExecutionLogs(ctx context.Context, executionID string) ([]*core.ExecutionLog, error) {
	return c.backend.GetExecutionLogs(ctx, executionID)
}

// Close waits for all detached executions started through this client to
// finish writing their terminal state.
func (c *Client) Close() {
	c.wg.Wait()
	c.definitions.DeleteAll()
}
