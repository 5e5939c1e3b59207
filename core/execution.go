package core

import (
	"time"

	"github.com/fieldops/flowengine/backend/payload"
)

// ExecutionStatus is the lifecycle state of one workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// Execution tracks one run of a workflow against a trigger payload. The row
// is created with status running and transitions exactly once to a terminal
// state when the run finishes.
type Execution struct {
	ID         string `json:"id"`
	WorkflowID string `json:"workflow_id"`
	TenantID   string `json:"tenant_id"`

	TriggerData payload.Payload `json:"trigger_data,omitempty"`

	Status       ExecutionStatus `json:"status"`
	ErrorMessage string          `json:"error_message,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Finished returns true once the execution reached a terminal state.
func (e *Execution) Finished() bool {
	return e.Status == ExecutionStatusCompleted || e.Status == ExecutionStatusFailed
}

// LogStatus is the outcome recorded for a single visited node.
type LogStatus string

const (
	LogStatusSuccess LogStatus = "success"
	LogStatusFailed  LogStatus = "failed"
)

// ExecutionLog is one row of the append-only per-node trace of an execution.
// Rows are never updated after insertion; the audit trail of a run is the
// log sequence in insertion order.
type ExecutionLog struct {
	ExecutionID string `json:"execution_id"`
	NodeID      string `json:"node_id"`

	Status LogStatus `json:"status"`

	Output       payload.Payload `json:"output,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}
