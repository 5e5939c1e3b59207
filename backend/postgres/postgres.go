package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-migrate/migrate/v4"
	pgmigrate "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel/trace"

	"github.com/fieldops/flowengine/backend"
	"github.com/fieldops/flowengine/backend/converter"
	"github.com/fieldops/flowengine/backend/metrics"
	"github.com/fieldops/flowengine/core"
)

//go:embed db/migrations/*.sql
var migrationsFS embed.FS

func NewPostgresBackend(host string, port int, user, password, database string, opts ...backend.BackendOption) *postgresBackend {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable", host, port, user, password, database)

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		panic(err)
	}

	b := &postgresBackend{
		db:             db,
		options:        backend.ApplyOptions(opts...),
		ownsConnection: true,
	}

	if err := b.Migrate(); err != nil {
		panic(err)
	}

	return b
}

// NewPostgresBackendWithDB creates a backend on an existing database
// connection. The backend will not close the connection when Close() is
// called, and migrations are not applied automatically.
func NewPostgresBackendWithDB(db *sql.DB, opts ...backend.BackendOption) *postgresBackend {
	return &postgresBackend{
		db:      db,
		options: backend.ApplyOptions(opts...),
	}
}

type postgresBackend struct {
	db             *sql.DB
	options        backend.Options
	ownsConnection bool
}

var _ backend.Backend = (*postgresBackend)(nil)

// Migrate applies any pending database migrations.
func (pb *postgresBackend) Migrate() error {
	dbi, err := pgmigrate.WithInstance(pb.db, &pgmigrate.Config{})
	if err != nil {
		return fmt.Errorf("creating migration instance: %w", err)
	}

	migrations, err := iofs.New(migrationsFS, "db/migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", migrations, "postgres", dbi)
	if err != nil {
		return fmt.Errorf("creating migration: %w", err)
	}

	if err := m.Up(); err != nil {
		if !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("running migrations: %w", err)
		}
	}

	return nil
}

func (pb *postgresBackend) GetWorkflow(ctx context.Context, tenantID, workflowID string) (*core.WorkflowDefinition, error) {
	wd := &core.WorkflowDefinition{ID: workflowID, TenantID: tenantID}

	row := pb.db.QueryRowContext(
		ctx, "SELECT name FROM workflows WHERE id = $1 AND tenant_id = $2 AND is_active", workflowID, tenantID)
	if err := row.Scan(&wd.Name); err != nil {
		if err == sql.ErrNoRows {
			return nil, backend.ErrWorkflowNotFound
		}

		return nil, fmt.Errorf("getting workflow: %w", err)
	}

	wd.Active = true

	nodes, err := pb.db.QueryContext(
		ctx, "SELECT node_id, node_type, action_type, config FROM workflow_nodes WHERE workflow_id = $1", workflowID)
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

	connections, err := pb.db.QueryContext(
		ctx, "SELECT source_node_id, target_node_id FROM workflow_connections WHERE workflow_id = $1 ORDER BY id", workflowID)
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

func (pb *postgresBackend) CreateWorkflow(ctx context.Context, wd *core.WorkflowDefinition) error {
	tx, err := pb.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(
		ctx,
		"INSERT INTO workflows (id, tenant_id, name, is_active, created_at) VALUES ($1, $2, $3, $4, $5)",
		wd.ID, wd.TenantID, wd.Name, wd.Active, pb.options.Clock.Now().Format(time.RFC3339Nano),
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
			"INSERT INTO workflow_nodes (workflow_id, node_id, node_type, action_type, config) VALUES ($1, $2, $3, $4, $5)",
			wd.ID, n.ID, n.Type, n.ActionType, string(config),
		); err != nil {
			return fmt.Errorf("inserting workflow node: %w", err)
		}
	}

	for _, c := range wd.Connections {
		if _, err := tx.ExecContext(
			ctx,
			"INSERT INTO workflow_connections (workflow_id, source_node_id, target_node_id) VALUES ($1, $2, $3)",
			wd.ID, c.SourceNodeID, c.TargetNodeID,
		); err != nil {
			return fmt.Errorf("inserting workflow connection: %w", err)
		}
	}

	return tx.Commit()
}

func (pb *postgresBackend) SetWorkflowActive(ctx context.Context, tenantID, workflowID string, active bool) error {
	res, err := pb.db.ExecContext(
		ctx, "UPDATE workflows SET is_active = $1 WHERE id = $2 AND tenant_id = $3", active, workflowID, tenantID)
	if err != nil {
		return fmt.Errorf("updating workflow: %w", err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return backend.ErrWorkflowNotFound
	}

	return nil
}

func (pb *postgresBackend) IsWorkflowActive(ctx context.Context, tenantID, workflowID string) (bool, error) {
	row := pb.db.QueryRowContext(
		ctx, "SELECT is_active FROM workflows WHERE id = $1 AND tenant_id = $2", workflowID, tenantID)

	var active bool
	if err := row.Scan(&active); err != nil {
		if err == sql.ErrNoRows {
			return false, backend.ErrWorkflowNotFound
		}

		return false, fmt.Errorf("getting workflow active flag: %w", err)
	}

	return active, nil
}

func (pb *postgresBackend) CreateExecution(ctx context.Context, e *core.Execution) error {
	if _, err := pb.db.ExecContext(
		ctx,
		"INSERT INTO workflow_executions (id, workflow_id, tenant_id, trigger_data, status, error_message, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)",
		e.ID, e.WorkflowID, e.TenantID, []byte(e.TriggerData), e.Status, e.ErrorMessage, e.CreatedAt.Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("inserting execution: %w", err)
	}

	return nil
}

func (pb *postgresBackend) CompleteExecution(ctx context.Context, executionID string, status core.ExecutionStatus, errorMessage string, completedAt time.Time) error {
	res, err := pb.db.ExecContext(
		ctx,
		"UPDATE workflow_executions SET status = $1, error_message = $2, completed_at = $3 WHERE id = $4",
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

func (pb *postgresBackend) GetExecution(ctx context.Context, executionID string) (*core.Execution, error) {
	row := pb.db.QueryRowContext(
		ctx,
		"SELECT id, workflow_id, tenant_id, trigger_data, status, error_message, created_at, completed_at FROM workflow_executions WHERE id = $1",
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

func (pb *postgresBackend) AppendExecutionLog(ctx context.Context, l *core.ExecutionLog) error {
	if _, err := pb.db.ExecContext(
		ctx,
		"INSERT INTO workflow_execution_logs (execution_id, node_id, status, output, error_message, timestamp) VALUES ($1, $2, $3, $4, $5, $6)",
		l.ExecutionID, l.NodeID, l.Status, []byte(l.Output), l.ErrorMessage, l.Timestamp.Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("inserting execution log: %w", err)
	}

	return nil
}

func (pb *postgresBackend) GetExecutionLogs(ctx context.Context, executionID string) ([]*core.ExecutionLog, error) {
	rows, err := pb.db.QueryContext(
		ctx,
		"SELECT execution_id, node_id, status, output, error_message, timestamp FROM workflow_execution_logs WHERE execution_id = $1 ORDER BY id",
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

func (pb *postgresBackend) InsertRecord(ctx context.Context, tenantID, table string, fields core.Document) (core.Document, error) {
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
		doc["created_at"] = pb.options.Clock.Now().Format(time.RFC3339)
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

	placeholders := make([]string, 0, len(columns))
	args := make([]any, 0, len(columns))
	for i, c := range columns {
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
		args = append(args, doc[c])
	}

	query := "INSERT INTO " + table + " (" + strings.Join(columns, ", ") + ") VALUES (" + strings.Join(placeholders, ", ") + ")"

	if _, err := pb.db.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("inserting into %s: %w", table, err)
	}

	return doc, nil
}

func (pb *postgresBackend) UpdateRecord(ctx context.Context, tenantID, table, recordID string, fields core.Document) error {
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
	for i, c := range columns {
		assignments = append(assignments, fmt.Sprintf("%s = $%d", c, i+1))
		args = append(args, fields[c])
	}
	args = append(args, recordID, tenantID)

	res, err := pb.db.ExecContext(
		ctx,
		fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d AND tenant_id = $%d", table, strings.Join(assignments, ", "), len(columns)+1, len(columns)+2),
		args...,
	)
	if err != nil {
		return fmt.Errorf("updating %s: %w", table, err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return backend.ErrRecordNotFound
	}

	return nil
}

func (pb *postgresBackend) GetRecord(ctx context.Context, tenantID, table, recordID string) (core.Document, error) {
	if err := backend.ValidateBusinessTable(table); err != nil {
		return nil, err
	}

	rows, err := pb.db.QueryContext(ctx, "SELECT * FROM "+table+" WHERE id = $1 AND tenant_id = $2", recordID, tenantID)
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

func (pb *postgresBackend) ReserveInvoiceNumber(ctx context.Context, tenantID string) (int64, string, error) {
	row := pb.db.QueryRowContext(
		ctx,
		`INSERT INTO invoice_settings (tenant_id, next_invoice_number, invoice_prefix) VALUES ($1, 2, 'INV-')
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

func (pb *postgresBackend) Tracer() trace.Tracer {
	return pb.options.TracerProvider.Tracer(backend.TracerName)
}

func (pb *postgresBackend) Metrics() metrics.Client {
	return pb.options.Metrics
}

func (pb *postgresBackend) Converter() converter.Converter {
	return pb.options.Converter
}

func (pb *postgresBackend) Clock() clock.Clock {
	return pb.options.Clock
}

func (pb *postgresBackend) Logger() *slog.Logger {
	return pb.options.Logger
}

func (pb *postgresBackend) Close() error {
	if !pb.ownsConnection {
		return nil
	}

	return pb.db.Close()
}
