package action

import (
	"context"
	"errors"
	"fmt"

	"github.com/fieldops/flowengine/backend"
	"github.com/fieldops/flowengine/core"
)

var errNoTarget = errors.New("could not resolve target record")

// resolveTarget finds the record an update_status or assign_user node
// operates on: explicit config.documentId, then the most recently created
// document of the type, then triggerData["<documentType>Id"].
func resolveTarget(node *core.Node, ec *core.ExecutionContext) (table string, recordID string, err error) {
	documentType := configString(node, "documentType")

	table, err = backend.TableForDocumentType(documentType)
	if err != nil {
		return "", "", err
	}

	recordID = configString(node, "documentId")
	if recordID == "" {
		recordID, _ = ec.DocumentID(documentType)
	}
	if recordID == "" {
		recordID = triggerString(ec, documentType+"Id")
	}

	if recordID == "" {
		return "", "", fmt.Errorf("%w for document type %q", errNoTarget, documentType)
	}

	return table, recordID, nil
}

type updateStatus struct {
	backend backend.Backend
}

func (a *updateStatus) Type() string {
	return "update_status"
}

func (a *updateStatus) Execute(ctx context.Context, node *core.Node, ec *core.ExecutionContext) (map[string]any, error) {
	table, recordID, err := resolveTarget(node, ec)
	if err != nil {
		return nil, err
	}

	newStatus := configString(node, "newStatus")
	if newStatus == "" {
		return nil, errors.New("missing newStatus")
	}

	if err := a.backend.UpdateRecord(ctx, ec.TenantID, table, recordID, core.Document{"status": newStatus}); err != nil {
		return nil, fmt.Errorf("updating status: %w", err)
	}

	return map[string]any{
		"table":  table,
		"id":     recordID,
		"status": newStatus,
	}, nil
}

type assignUser struct {
	backend backend.Backend
}

func (a *assignUser) Type() string {
	return "assign_user"
}

func (a *assignUser) Execute(ctx context.Context, node *core.Node, ec *core.ExecutionContext) (map[string]any, error) {
	table, recordID, err := resolveTarget(node, ec)
	if err != nil {
		return nil, err
	}

	userID := firstNonEmpty(configString(node, "assignedTo"), triggerString(ec, "userId"))
	if userID == "" {
		return nil, errors.New("could not resolve user to assign")
	}

	if err := a.backend.UpdateRecord(ctx, ec.TenantID, table, recordID, core.Document{"assigned_to": userID}); err != nil {
		return nil, fmt.Errorf("assigning user: %w", err)
	}

	return map[string]any{
		"table":       table,
		"id":          recordID,
		"assigned_to": userID,
	}, nil
}
