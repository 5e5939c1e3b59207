package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"

	"github.com/fieldops/flowengine/backend"
	"github.com/fieldops/flowengine/backend/converter"
	"github.com/fieldops/flowengine/backend/metrics"
	"github.com/fieldops/flowengine/core"
)

//go:embed schema.sql
var schema string

// NewInMemoryBackend returns a backend backed by an in-memory sqlite
// database. Used heavily in tests.
func NewInMemoryBackend(opts ...backend.BackendOption) *sqliteBackend {
	b := newSqliteBackend("file::memory:", opts...)

	b.db.SetMaxOpenConns(1)

	return b
}

func NewSqliteBackend(path string, opts ...backend.BackendOption) *sqliteBackend {
	return newSqliteBackend(fmt.Sprintf("file:%v?_pragma=busy_timeout(5000)", path), opts...)
}

func newSqliteBackend(dsn string, opts ...backend.BackendOption) *sqliteBackend {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		panic(err)
	}

	// Initialize database
	if _, err := db.Exec(schema); err != nil {
		panic(err)
	}

	return &sqliteBackend{
		db:      db,
		options: backend.ApplyOptions(opts...),
	}
}

type sqliteBackend struct {
	db      *sql.DB
	options backend.Options
}

var _ backend.Backend = (*sqliteBackend)(nil)

func (sb *sqliteBackend) GetWorkflow(ctx context.Context, tenantID, workflowID string) (*core.WorkflowDefinition, error) {
	wd := &core.WorkflowDefinition{ID: workflowID, TenantID: tenantID}

	row := sb.db.QueryRowContext(
		ctx, "SELECT name FROM workflows WHERE id = ? AND tenant_id = ? AND is_active = 1", workflowID, tenantID)
	if err := row.Scan(&wd.Name); err != nil {
		if err == sql.ErrNoRows {
			return nil, backend.ErrWorkflowNotFound
		}

		return nil, fmt.Errorf("getting workflow: %w", err)
	}

	wd.Active = true

	nodes, err := sb.db.QueryContext(
		ctx, "SELECT node_id, node_type, action_type, config FROM workflow_nodes WHERE workflow_id = ?", workflowID)
	if err != nil {
		return nil, fmt.Errorf("getting workflow nodes: %w", err)
	}
	defer nodes.Close()

	for nodes.Next() {
		var n core.Node
		var config string

		if err := nodes.Scan(&n.ID, &n.Type, &n.ActionType, &config); err != nil {
			return nil, fmt.Errorf("scanning workflow node: %w", err)
		}

		if err := json.Unmarshal([]byte(config), &n.Config); err != nil {
			return nil, fmt.Errorf("decoding node config: %w", err)
		}

		wd.Nodes = append(wd.Nodes, &n)
	}

	if err := nodes.Err(); err != nil {
		return nil, fmt.Errorf("getting workflow nodes: %w", err)
	}

	connections, err := sb.db.QueryContext(
		ctx, "SELECT source_node_id, target_node_id FROM workflow_connections WHERE workflow_id = ? ORDER BY id", workflowID)
	if err != nil {
		return nil, fmt.Errorf("getting workflow connections: %w", err)
	}
	defer connections.Close()

	for connections.Next() {
		var c core.Connection

		if err := connections.Scan(&c.SourceNodeID, &c.TargetNodeID); err != nil {
			return nil, fmt.Errorf("scanning workflow connection: %w", err)
		}

		wd.Connections = append(wd.Connections, &c)
	}

	if err := connections.Err(); err != nil {
		return nil, fmt.Errorf("getting workflow connections: %w", err)
	}

	return wd, nil
}

func (sb *sqliteBackend) CreateWorkflow(ctx context.Context, wd *core.WorkflowDefinition) error {
	tx, err := sb.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	active := 0
	if wd.Active {
		active = 1
	}

	if _, err := tx.ExecContext(
		ctx,
		"INSERT INTO workflows (id, tenant_id, name, is_active, created_at) VALUES (?, ?, ?, ?, ?)",
		wd.ID, wd.TenantID, wd.Name, active, sb.options.Clock.Now().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("inserting workflow: %w", err)
	}

	for _, n := range wd.Nodes {
		config, err := json.Marshal(n.Config)
		if err != nil {
			return fmt.Errorf("encoding node config: %w", err)
		}

		if _, err := tx.ExecContext(
			ctx,
			"INSERT INTO workflow_nodes (workflow_id, node_id, node_type, action_type, config) VALUES (?, ?, ?, ?, ?)",
			wd.ID, n.ID, n.Type, n.ActionType, string(config),
		); err != nil {
			return fmt.Errorf("inserting workflow node: %w", err)
		}
	}

	for _, c := range wd.Connections {
		if _, err := tx.ExecContext(
			ctx,
			"INSERT INTO workflow_connections (workflow_id, source_node_id, target_node_id) VALUES (?, ?, ?)",
			wd.ID, c.SourceNodeID, c.TargetNodeID,
		); err != nil {
			return fmt.Errorf("inserting workflow connection: %w", err)
		}
	}

	return tx.Commit()
}

func (sb *sqliteBackend) SetWorkflowActive(ctx context.Context, tenantID, workflowID string, active bool) error {
	v := 0
	if active {
		v = 1
	}

	res, err := sb.db.ExecContext(
		ctx, "UPDATE workflows SET is_active = ? WHERE id = ? AND tenant_id = ?", v, workflowID, tenantID)
	if err != nil {
		return fmt.Errorf("updating workflow: %w", err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return backend.ErrWorkflowNotFound
	}

	return nil
}

func (sb *sqliteBackend) IsWorkflowActive(ctx context.Context, tenantID, workflowID string) (bool, error) {
	row := sb.db.QueryRowContext(
		ctx, "SELECT is_active FROM workflows WHERE id = ? AND tenant_id = ?", workflowID, tenantID)

	var active bool
	if err := row.Scan(&active); err != nil {
		if err == sql.ErrNoRows {
			return false, backend.ErrWorkflowNotFound
		}

		return false, fmt.Errorf("getting workflow active flag: %w", err)
	}

	return active, nil
}

func (sb *sqliteBackend) CreateExecution(ctx context.Context, e *core.Execution) error {
	if _, err := sb.db.ExecContext(
		ctx,
		"INSERT INTO workflow_executions (id, workflow_id, tenant_id, trigger_data, status, error_message, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		e.ID, e.WorkflowID, e.TenantID, []byte(e.TriggerData), e.Status, e.ErrorMessage, e.CreatedAt.Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}

	return nil
}

func (sb *sqliteBackend) CompleteExecution(ctx context.Context, executionID string, status core.ExecutionStatus, errorMessage string, completedAt time.Time) error {
	res, err := sb.db.ExecContext(
		ctx,
		"UPDATE workflow_executions SET status = ?, error_message = ?, completed_at = ? WHERE id = ?",
		status, errorMessage, completedAt.Format(time.RFC3339Nano), executionID,
	)
	if err != nil {
		return fmt.Errorf("updating execution: %w", err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return backend.ErrExecutionNotFound
	}

	return nil
}

func (sb *sqliteBackend) GetExecution(ctx context.Context, executionID string) (*core.Execution, error) {
	row := sb.db.QueryRowContext(
		ctx,
		"SELECT id, workflow_id, tenant_id, trigger_data, status, error_message, created_at, completed_at FROM workflow_executions WHERE id = ?",
		executionID,
	)

	var e core.Execution
	var triggerData []byte
	var createdAt string
	var completedAt sql.NullString

	if err := row.Scan(&e.ID, &e.WorkflowID, &e.TenantID, &triggerData, &e.Status, &e.ErrorMessage, &createdAt, &completedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, backend.ErrExecutionNotFound
		}

		return nil, fmt.Errorf("getting execution: %w", err)
	}

	e.TriggerData = triggerData

	var err error
	if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parsing execution created_at: %w", err)
	}

	if completedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing execution completed_at: %w", err)
		}

		e.CompletedAt = &t
	}

	return &e, nil
}

func (sb *sqliteBackend) AppendExecutionLog(ctx context.Context, l *core.ExecutionLog) error {
	if _, err := sb.db.ExecContext(
		ctx,
		"INSERT INTO workflow_execution_logs (execution_id, node_id, status, output, error_message, timestamp) VALUES (?, ?, ?, ?, ?, ?)",
		l.ExecutionID, l.NodeID, l.Status, []byte(l.Output), l.ErrorMessage, l.Timestamp.Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("inserting execution log: %w", err)
	}

	return nil
}

func (sb *sqliteBackend) GetExecutionLogs(ctx context.Context, executionID string) ([]*core.ExecutionLog, error) {
	rows, err := sb.db.QueryContext(
		ctx,
		"SELECT execution_id, node_id, status, output, error_message, timestamp FROM workflow_execution_logs WHERE execution_id = ? ORDER BY id",
		executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("getting execution logs: %w", err)
	}
	defer rows.Close()

	logs := make([]*core.ExecutionLog, 0)

	for rows.Next() {
		var l core.ExecutionLog
		var output []byte
		var timestamp string

		if err := rows.Scan(&l.ExecutionID, &l.NodeID, &l.Status, &output, &l.ErrorMessage, &timestamp); err != nil {
			return nil, fmt.Errorf("scanning execution log: %w", err)
		}

		l.Output = output

		if l.Timestamp, err = time.Parse(time.RFC3339Nano, timestamp); err != nil {
			return nil, fmt.Errorf("parsing log timestamp: %w", err)
		}

		logs = append(logs, &l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("getting execution logs: %w", err)
	}

	return logs, nil
}

func (sb *sqliteBackend) InsertRecord(ctx context.Context, tenantID, table string, fields core.Document) (core.Document, error) {
	if err := backend.ValidateBusinessTable(table); err != nil {
		return nil, err
	}

	doc := make(core.Document, len(fields)+3)
	for k, v := range fields {
		doc[k] = v
	}

	if _, ok := doc["id"]; !ok {
		doc["id"] = uuid.NewString()
	}
	if _, ok := doc["created_at"]; !ok {
		doc["created_at"] = sb.options.Clock.Now().Format(time.RFC3339)
	}
	doc["tenant_id"] = tenantID

	columns := make([]string, 0, len(doc))
	for k := range doc {
		if err := backend.ValidateColumn(k); err != nil {
			return nil, err
		}

		columns = append(columns, k)
	}
	sort.Strings(columns)

	args := make([]any, 0, len(columns))
	for _, c := range columns {
		args = append(args, doc[c])
	}

	query := "INSERT INTO " + table + " (" + strings.Join(columns, ", ") + ") VALUES (?" +
		strings.Repeat(", ?", len(columns)-1) + ")"

	if _, err := sb.db.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("inserting into %s: %w", table, err)
	}

	return doc, nil
}

func (sb *sqliteBackend) UpdateRecord(ctx context.Context, tenantID, table, recordID string, fields core.Document) error {
	if err := backend.ValidateBusinessTable(table); err != nil {
		return err
	}

	if len(fields) == 0 {
		return nil
	}

	columns := make([]string, 0, len(fields))
	for k := range fields {
		if err := backend.ValidateColumn(k); err != nil {
			return err
		}

		columns = append(columns, k)
	}
	sort.Strings(columns)

	assignments := make([]string, 0, len(columns))
	args := make([]any, 0, len(columns)+2)
	for _, c := range columns {
		assignments = append(assignments, c+" = ?")
		args = append(args, fields[c])
	}
	args = append(args, recordID, tenantID)

	res, err := sb.db.ExecContext(
		ctx, "UPDATE "+table+" SET "+strings.Join(assignments, ", ")+" WHERE id = ? AND tenant_id = ?", args...)
	if err != nil {
		return fmt.Errorf("updating %s: %w", table, err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return backend.ErrRecordNotFound
	}

	return nil
}

func (sb *sqliteBackend) GetRecord(ctx context.Context, tenantID, table, recordID string) (core.Document, error) {
	if err := backend.ValidateBusinessTable(table); err != nil {
		return nil, err
	}

	rows, err := sb.db.QueryContext(ctx, "SELECT * FROM "+table+" WHERE id = ? AND tenant_id = ?", recordID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("getting record from %s: %w", table, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("getting record from %s: %w", table, err)
		}

		return nil, backend.ErrRecordNotFound
	}

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("getting record columns: %w", err)
	}

	values := make([]any, len(columns))
	for i := range values {
		values[i] = new(any)
	}

	if err := rows.Scan(values...); err != nil {
		return nil, fmt.Errorf("scanning record: %w", err)
	}

	doc := make(core.Document, len(columns))
	for i, c := range columns {
		v := *(values[i].(*any))
		if b, ok := v.([]byte); ok {
			v = string(b)
		}

		doc[c] = v
	}

	return doc, nil
}

func (sb *sqliteBackend) ReserveInvoiceNumber(ctx context.Context, tenantID string) (int64, string, error) {
	// Single-statement upsert: a missing settings row is seeded, an existing
	// one is incremented, and the claimed number comes back atomically.
	row := sb.db.QueryRowContext(
		ctx,
		`INSERT INTO invoice_settings (tenant_id, next_invoice_number, invoice_prefix) VALUES (?, 2, 'INV-')
		 ON CONFLICT (tenant_id) DO UPDATE SET next_invoice_number = invoice_settings.next_invoice_number + 1
		 RETURNING next_invoice_number - 1, invoice_prefix`,
		tenantID,
	)

	var seq int64
	var prefix string
	if err := row.Scan(&seq, &prefix); err != nil {
		return 0, "", fmt.Errorf("reserving invoice number: %w", err)
	}

	return seq, prefix, nil
}

func (sb *sqliteBackend) Tracer() trace.Tracer {
	return sb.options.TracerProvider.Tracer(backend.TracerName)
}

func (sb *sqliteBackend) Metrics() metrics.Client {
	return sb.options.Metrics
}

func (sb *sqliteBackend) Converter() converter.Converter {
	return sb.options.Converter
}

func (sb *sqliteBackend) Clock() clock.Clock {
	return sb.options.Clock
}

func (sb *sqliteBackend) Logger() *slog.Logger {
	return sb.options.Logger
}

func (sb *sqliteBackend) Close() error {
	return sb.db.Close()
}
