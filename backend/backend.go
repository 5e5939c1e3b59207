package backend

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/trace"

	"github.com/fieldops/flowengine/backend/converter"
	"github.com/fieldops/flowengine/backend/metrics"
	"github.com/fieldops/flowengine/core"
)

var (
	ErrWorkflowNotFound  = errors.New("workflow not found or inactive")
	ErrExecutionNotFound = errors.New("execution not found")
	ErrRecordNotFound    = errors.New("record not found")
)

const TracerName = "flowengine"

// Backend is the record store the engine runs against. It covers the engine's
// own tables (workflows, workflow_executions, workflow_execution_logs) and
// generic access to the business tables that actions write to.
type Backend interface {
	// GetWorkflow loads an active workflow definition including its nodes and
	// connections. Returns ErrWorkflowNotFound if the workflow does not exist,
	// belongs to another tenant, or is inactive.
	GetWorkflow(ctx context.Context, tenantID, workflowID string) (*core.WorkflowDefinition, error)

	// CreateWorkflow stores a workflow definition with its nodes and connections.
	CreateWorkflow(ctx context.Context, wd *core.WorkflowDefinition) error

	// SetWorkflowActive toggles a workflow's active flag.
	SetWorkflowActive(ctx context.Context, tenantID, workflowID string, active bool) error

	// IsWorkflowActive reports the workflow's current active flag. Returns
	// ErrWorkflowNotFound if the workflow does not exist or belongs to
	// another tenant.
	IsWorkflowActive(ctx context.Context, tenantID, workflowID string) (bool, error)

	// CreateExecution inserts a new execution row with status running.
	CreateExecution(ctx context.Context, e *core.Execution) error

	// CompleteExecution writes the terminal state of an execution. This is
	// called exactly once per execution, from the coordinator.
	CompleteExecution(ctx context.Context, executionID string, status core.ExecutionStatus, errorMessage string, completedAt time.Time) error

	// GetExecution returns a single execution row.
	GetExecution(ctx context.Context, executionID string) (*core.Execution, error)

	// AppendExecutionLog appends one row to the execution's log. Log rows are
	// never updated afterwards.
	AppendExecutionLog(ctx context.Context, l *core.ExecutionLog) error

	// GetExecutionLogs returns an execution's log rows in insertion order.
	GetExecutionLogs(ctx context.Context, executionID string) ([]*core.ExecutionLog, error)

	// InsertRecord inserts a row into the given business table. Missing id and
	// created_at fields are filled in. Returns the stored document.
	InsertRecord(ctx context.Context, tenantID, table string, fields core.Document) (core.Document, error)

	// UpdateRecord updates the given fields of one row of a business table.
	UpdateRecord(ctx context.Context, tenantID, table, recordID string, fields core.Document) error

	// GetRecord returns one row of a business table.
	GetRecord(ctx context.Context, tenantID, table, recordID string) (core.Document, error)

	// ReserveInvoiceNumber atomically claims the tenant's next invoice sequence
	// number and returns it together with the configured prefix. Concurrent
	// executions never observe the same number.
	ReserveInvoiceNumber(ctx context.Context, tenantID string) (int64, string, error)

	// Tracer returns the configured tracer for the backend
	Tracer() trace.Tracer

	// Metrics returns the configured metrics client for the backend
	Metrics() metrics.Client

	// Converter returns the configured payload converter for the backend
	Converter() converter.Converter

	// Clock returns the clock used for timestamps
	Clock() clock.Clock

	// Logger returns the configured logger for the backend
	Logger() *slog.Logger

	// Close closes any underlying resources
	Close() error
}
