package action

import (
	"context"
	"fmt"
	"time"

	"github.com/fieldops/flowengine/backend"
	"github.com/fieldops/flowengine/core"
)

const (
	documentTypeProject      = "project"
	documentTypeServiceOrder = "serviceOrder"
	documentTypeInvoice      = "invoice"
	documentTypeTask         = "task"
)

type createProject struct {
	backend backend.Backend
}

func (a *createProject) Type() string {
	return "create_project"
}

func (a *createProject) Execute(ctx context.Context, node *core.Node, ec *core.ExecutionContext) (map[string]any, error) {
	name := configString(node, "projectName")
	if name == "" {
		if sourceType := triggerString(ec, "sourceType"); sourceType != "" {
			name = fmt.Sprintf("Project from %s", sourceType)
		} else {
			name = "New project"
		}
	}

	fields := core.Document{
		"name":        name,
		"status":      "planning",
		"customer_id": firstNonEmpty(triggerString(ec, "customerId"), configString(node, "customerId")),
	}

	doc, err := a.backend.InsertRecord(ctx, ec.TenantID, "projects", fields)
	if err != nil {
		return nil, fmt.Errorf("creating project: %w", err)
	}

	ec.PutDocument(documentTypeProject, doc)

	return doc, nil
}

type createServiceOrder struct {
	backend backend.Backend
}

func (a *createServiceOrder) Type() string {
	return "create_service_order"
}

func (a *createServiceOrder) Execute(ctx context.Context, node *core.Node, ec *core.ExecutionContext) (map[string]any, error) {
	title := configString(node, "title")
	if title == "" {
		title = "Service order"
	}

	fields := core.Document{
		"title":      title,
		"status":     "open",
		"project_id": resolveDocumentID(node, ec, documentTypeProject, "projectId"),
	}

	doc, err := a.backend.InsertRecord(ctx, ec.TenantID, "service_orders", fields)
	if err != nil {
		return nil, fmt.Errorf("creating service order: %w", err)
	}

	ec.PutDocument(documentTypeServiceOrder, doc)

	return doc, nil
}

type createInvoice struct {
	backend backend.Backend
}

func (a *createInvoice) Type() string {
	return "create_invoice"
}

func (a *createInvoice) Execute(ctx context.Context, node *core.Node, ec *core.ExecutionContext) (map[string]any, error) {
	// Atomically claims the tenant's next sequence number. Two concurrent
	// executions never end up with the same invoice number.
	seq, prefix, err := a.backend.ReserveInvoiceNumber(ctx, ec.TenantID)
	if err != nil {
		return nil, fmt.Errorf("reserving invoice number: %w", err)
	}

	dueDate := a.backend.Clock().Now().AddDate(0, 0, 30)

	fields := core.Document{
		"invoice_number":   fmt.Sprintf("%s%05d", prefix, seq),
		"status":           "draft",
		"project_id":       resolveDocumentID(node, ec, documentTypeProject, "projectId"),
		"service_order_id": resolveDocumentID(node, ec, documentTypeServiceOrder, "serviceOrderId"),
		"due_date":         dueDate.Format(time.RFC3339),
	}

	if amount, ok := node.Config["amount"]; ok {
		fields["amount"] = amount
	} else if amount, ok := ec.TriggerData["amount"]; ok {
		fields["amount"] = amount
	}

	doc, err := a.backend.InsertRecord(ctx, ec.TenantID, "invoices", fields)
	if err != nil {
		return nil, fmt.Errorf("creating invoice: %w", err)
	}

	ec.PutDocument(documentTypeInvoice, doc)

	return doc, nil
}

type createTask struct {
	backend backend.Backend
}

func (a *createTask) Type() string {
	return "create_task"
}

func (a *createTask) Execute(ctx context.Context, node *core.Node, ec *core.ExecutionContext) (map[string]any, error) {
	title := configString(node, "title")
	if title == "" {
		title = "Task"
	}

	fields := core.Document{
		"title":            title,
		"status":           "open",
		"assigned_to":      firstNonEmpty(configString(node, "assignedTo"), triggerString(ec, "userId")),
		"project_id":       resolveDocumentID(node, ec, documentTypeProject, "projectId"),
		"service_order_id": resolveDocumentID(node, ec, documentTypeServiceOrder, "serviceOrderId"),
	}

	doc, err := a.backend.InsertRecord(ctx, ec.TenantID, "tasks", fields)
	if err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}

	ec.PutDocument(documentTypeTask, doc)

	return doc, nil
}
