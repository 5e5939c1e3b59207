package backend

import (
	"errors"
	"fmt"
	"regexp"
)

var (
	ErrUnknownDocumentType = errors.New("unknown document type")
	ErrInvalidTable        = errors.New("invalid table")
	ErrInvalidColumn       = errors.New("invalid column")
)

// documentTables is the explicit mapping from a document-type tag as used in
// node configs and createdDocuments to the physical table it lives in. New
// document types must be added here; table names are never derived from the
// tag by string manipulation.
var documentTables = map[string]string{
	"project":      "projects",
	"serviceOrder": "service_orders",
	"invoice":      "invoices",
	"task":         "tasks",
	"quote":        "quotes",
	"expense":      "expenses",
	"appointment":  "appointments",
	"ticket":       "tickets",
}

// TableForDocumentType resolves a document-type tag to its table name.
func TableForDocumentType(documentType string) (string, error) {
	table, ok := documentTables[documentType]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownDocumentType, documentType)
	}

	return table, nil
}

// Table names of the engine's own storage; kept out of reach of the generic
// record operations.
const (
	TableWorkflows     = "workflows"
	TableNodes         = "workflow_nodes"
	TableConnections   = "workflow_connections"
	TableExecutions    = "workflow_executions"
	TableExecutionLogs = "workflow_execution_logs"

	TableInvoiceSettings = "invoice_settings"
)

var engineTables = map[string]bool{
	TableWorkflows:       true,
	TableNodes:           true,
	TableConnections:     true,
	TableExecutions:      true,
	TableExecutionLogs:   true,
	TableInvoiceSettings: true,
}

var identifierPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidateBusinessTable guards the generic record operations: only plainly
// named tables outside the engine's own storage are addressable.
func ValidateBusinessTable(table string) error {
	if !identifierPattern.MatchString(table) || engineTables[table] {
		return fmt.Errorf("%w: %q", ErrInvalidTable, table)
	}

	return nil
}

// ValidateColumn guards dynamically built column lists.
func ValidateColumn(name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidColumn, name)
	}

	return nil
}
