package mysql

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
	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/fieldops/flowengine/backend"
	"github.com/fieldops/flowengine/backend/converter"
	"github.com/fieldops/flowengine/backend/metrics"
	"github.com/fieldops/flowengine/core"
)

//go:embed schema.sql
var schema string

func NewMysqlBackend(host string, port int, user, password, database string, opts ...backend.BackendOption) *mysqlBackend {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&interpolateParams=true", user, password, host, port, database)

	schemaDsn := dsn + "&multiStatements=true"
	db, err := sql.Open("mysql", schemaDsn)
	if err != nil {
		panic(err)
	}

	if _, err := db.Exec(schema); err != nil {
		panic(fmt.Errorf("initializing database: %w", err))
	}

	if err := db.Close(); err != nil {
		panic(err)
	}

	db, err = sql.Open("mysql", dsn)
	if err != nil {
		panic(err)
	}

	return &mysqlBackend{
		db:      db,
		options: backend.ApplyOptions(opts...),
	}
}

type mysqlBackend struct {
	db      *sql.DB
	options backend.Options
}

var _ backend.Backend = (*mysqlBackend)(nil)

func (mb *mysqlBackend) GetWorkflow(ctx context.Context, tenantID, workflowID string) (*core.WorkflowDefinition, error) {
	wd := &core.WorkflowDefinition{ID: workflowID, TenantID: tenantID}

	row := mb.db.QueryRowContext(
		ctx, "SELECT name FROM `workflows` WHERE id = ? AND tenant_id = ? AND is_active", workflowID, tenantID)
	if err := row.Scan(&wd.Name); err != nil {
		if err == sql.ErrNoRows {
			return nil, backend.ErrWorkflowNotFound
		}

		return nil, fmt.Errorf("getting workflow: %w", err)
	}

	wd.Active = true

	nodes, err := mb.db.QueryContext(
		ctx, "SELECT node_id, node_type, action_type, config FROM `workflow_nodes` WHERE workflow_id = ?", workflowID)
	if err != nil {
		return nil, fmt.Errorf("getting workflow nodes: %w", err)
	}
	defer nodes.Close()

	for nodes.Next() {
		var n core.Node
		var config sql.NullString

		if err := nodes.Scan(&n.ID, &n.Type, &n.ActionType, &config); err != nil {
			return nil, fmt.Errorf("scanning workflow node: %w", err)
		}

		if config.Valid && config.String != "" {
			if err := json.Unmarshal([]byte(config.String), &n.Config); err != nil {
				return nil, fmt.Errorf("decoding node config: %w", err)
			}
		}

		wd.Nodes = append(wd.Nodes, &n)
	}

	if err := nodes.Err(); err != nil {
		return nil, fmt.Errorf("getting workflow nodes: %w", err)
	}

	connections, err := mb.db.QueryContext(
		ctx, "SELECT source_node_id, target_node_id FROM `workflow_connections` WHERE workflow_id = ? ORDER BY id", workflowID)
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

func (mb *mysqlBackend) CreateWorkflow(ctx context.Context, wd *core.WorkflowDefinition) error {
	tx, err := mb.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(
		ctx,
		"INSERT INTO `workflows` (id, tenant_id, name, is_active, created_at) VALUES (?, ?, ?, ?, ?)",
		wd.ID, wd.TenantID, wd.Name, wd.Active, mb.options.Clock.Now().Format(time.RFC3339Nano),
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
			"INSERT INTO `workflow_nodes` (workflow_id, node_id, node_type, action_type, config) VALUES (?, ?, ?, ?, ?)",
			wd.ID, n.ID, n.Type, n.ActionType, string(config),
		); err != nil {
			return fmt.Errorf("inserting workflow node: %w", err)
		}
	}

	for _, c := range wd.Connections {
		if _, err := tx.ExecContext(
			ctx,
			"INSERT INTO `workflow_connections` (workflow_id, source_node_id, target_node_id) VALUES (?, ?, ?)",
			wd.ID, c.SourceNodeID, c.TargetNodeID,
		); err != nil {
			return fmt.Errorf("inserting workflow connection: %w", err)
		}
	}

	return tx.Commit()
}

func (mb *mysqlBackend) SetWorkflowActive(ctx context.Context, tenantID, workflowID string, active bool) error {
	res, err := mb.db.ExecContext(
		ctx, "UPDATE `workflows` SET is_active = ? WHERE id = ? AND tenant_id = ?", active, workflowID, tenantID)
	if err != nil {
		return fmt.Errorf("updating workflow: %w", err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return backend.ErrWorkflowNotFound
	}

	return nil
}

func (mb *mysqlBackend) IsWorkflowActive(ctx context.Context, tenantID, workflowID string) (bool, error) {
	row := mb.db.QueryRowContext(
		ctx, "SELECT is_active FROM `workflows` WHERE id = ? AND tenant_id = ?", workflowID, tenantID)

	var active bool
	if err := row.Scan(&active); err != nil {
		if err == sql.ErrNoRows {
			return false, backend.ErrWorkflowNotFound
		}

		return false, fmt.Errorf("getting workflow active flag: %w", err)
	}

	return active, nil
}

func (mb *mysqlBackend) CreateExecution(ctx context.Context, e *core.Execution) error {
	if _, err := mb.db.ExecContext(
		ctx,
		"INSERT INTO `workflow_executions` (id, workflow_id, tenant_id, trigger_data, status, error_message, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		e.ID, e.WorkflowID, e.TenantID, []byte(e.TriggerData), e.Status, e.ErrorMessage, e.CreatedAt.Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}

	return nil
}

func (mb *mysqlBackend) CompleteExecution(ctx context.Context, executionID string, status core.ExecutionStatus, errorMessage string, completedAt time.Time) error {
	res, err := mb.db.ExecContext(
		ctx,
		"UPDATE `workflow_executions` SET status = ?, error_message = ?, completed_at = ? WHERE id = ?",
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

func (mb *mysqlBackend) GetExecution(ctx context.Context, executionID string) (*core.Execution, error) {
	row := mb.db.QueryRowContext(
		ctx,
		"SELECT id, workflow_id, tenant_id, trigger_data, status, error_message, created_at, completed_at FROM `workflow_executions` WHERE id = ?",
		executionID,
	)

	var e core.Execution
	var triggerData []byte
	var errorMessage sql.NullString
	var createdAt string
	var completedAt sql.NullString

	if err := row.Scan(&e.ID, &e.WorkflowID, &e.TenantID, &triggerData, &e.Status, &errorMessage, &createdAt, &completedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, backend.ErrExecutionNotFound
		}

		return nil, fmt.Errorf("getting execution: %w", err)
	}

	e.TriggerData = triggerData
	e.ErrorMessage = errorMessage.String

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

func (mb *mysqlBackend) AppendExecutionLog(ctx context.Context, l *core.ExecutionLog) error {
	if _, err := mb.db.ExecContext(
		ctx,
		"INSERT INTO `workflow_execution_logs` (execution_id, node_id, status, output, error_message, timestamp) VALUES (?, ?, ?, ?, ?, ?)",
		l.ExecutionID, l.NodeID, l.Status, []byte(l.Output), l.ErrorMessage, l.Timestamp.Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("inserting execution log: %w", err)
	}

	return nil
}

func (mb *mysqlBackend) GetExecutionLogs(ctx context.Context, executionID string) ([]*core.ExecutionLog, error) {
	rows, err := mb.db.QueryContext(
		ctx,
		"SELECT execution_id, node_id, status, output, error_message, timestamp FROM `workflow_execution_logs` WHERE execution_id = ? ORDER BY id",
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
		var errorMessage sql.NullString
		var timestamp string

		if err := rows.Scan(&l.ExecutionID, &l.NodeID, &l.Status, &output, &errorMessage, &timestamp); err != nil {
			return nil, fmt.Errorf("scanning execution log: %w", err)
		}

		l.Output = output
		l.ErrorMessage = errorMessage.String

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

func (mb *mysqlBackend) InsertRecord(ctx context.Context, tenantID, table string, fields core.Document) (core.Document, error) {
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
		doc["created_at"] = mb.options.Clock.Now().Format(time.RFC3339)
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

	query := "INSERT INTO `" + table + "` (" + strings.Join(columns, ", ") + ") VALUES (?" +
		strings.Repeat(", ?", len(columns)-1) + ")"

	if _, err := mb.db.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("inserting into %s: %w", table, err)
	}

	return doc, nil
}

func (mb *mysqlBackend) UpdateRecord(ctx context.Context, tenantID, table, recordID string, fields core.Document) error {
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

	res, err := mb.db.ExecContext(
		ctx, "UPDATE `"+table+"` SET "+strings.Join(assignments, ", ")+" WHERE id = ? AND tenant_id = ?", args...)
	if err != nil {
		return fmt.Errorf("updating %s: %w", table, err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return backend.ErrRecordNotFound
	}

	return nil
}

func (mb *mysqlBackend) GetRecord(ctx context.Context, tenantID, table, recordID string) (core.Document, error) {
	if err := backend.ValidateBusinessTable(table); err != nil {
		return nil, err
	}

	rows, err := mb.db.QueryContext(ctx, "SELECT * FROM `"+table+"` WHERE id = ? AND tenant_id = ?", recordID, tenantID)
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

func (mb *mysqlBackend) ReserveInvoiceNumber(ctx context.Context, tenantID string) (int64, string, error) {
	// No RETURNING in MySQL; claim the number inside a transaction with a
	// row lock instead.
	tx, err := mb.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, "", fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(
		ctx, "INSERT IGNORE INTO `invoice_settings` (tenant_id) VALUES (?)", tenantID); err != nil {
		return 0, "", fmt.Errorf("seeding invoice settings: %w", err)
	}

	row := tx.QueryRowContext(
		ctx, "SELECT next_invoice_number, invoice_prefix FROM `invoice_settings` WHERE tenant_id = ? FOR UPDATE", tenantID)

	var seq int64
	var prefix string
	if err := row.Scan(&seq, &prefix); err != nil {
		return 0, "", fmt.Errorf("reading invoice settings: %w", err)
	}

	if _, err := tx.ExecContext(
		ctx, "UPDATE `invoice_settings` SET next_invoice_number = next_invoice_number + 1 WHERE tenant_id = ?", tenantID); err != nil {
		return 0, "", fmt.Errorf("incrementing invoice number: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, "", fmt.Errorf("reserving invoice number: %w", err)
	}

	return seq, prefix, nil
}

func (mb *mysqlBackend) Tracer() trace.Tracer {
	return mb.options.TracerProvider.Tracer(backend.TracerName)
}

func (mb *mysqlBackend) Metrics() metrics.Client {
	return mb.options.Metrics
}

func (mb *mysqlBackend) Converter() converter.Converter {
	return mb.options.Converter
}

func (mb *mysqlBackend) Clock() clock.Clock {
	return mb.options.Clock
}

func (mb *mysqlBackend) Logger() *slog.Logger {
	return mb.options.Logger
}

func (mb *mysqlBackend) Close() error {
	return mb.db.Close()
}
