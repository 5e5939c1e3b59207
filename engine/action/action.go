// Package action executes the typed side-effecting operations of action
// nodes against the record store. Actions are registered per action type;
// document-creation actions record their result in the execution context so
// later nodes can chain off it.
package action

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fieldops/flowengine/backend"
	"github.com/fieldops/flowengine/core"
)

var ErrUnknownAction = errors.New("unknown action type")

// Error wraps a failure of a specific action.
type Error struct {
	ActionType string
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("action %s: %v", e.ActionType, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Action executes one action node. Execute returns the node output which is
// recorded in the execution log.
type Action interface {
	Type() string

	Execute(ctx context.Context, node *core.Node, ec *core.ExecutionContext) (map[string]any, error)
}

// Registry dispatches action nodes to the registered Action for their
// action type.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

func NewRegistry() *Registry {
	return &Registry{
		actions: map[string]Action{},
	}
}

// NewDefaultRegistry returns a registry with all built-in actions bound to
// the given backend.
func NewDefaultRegistry(b backend.Backend) *Registry {
	r := NewRegistry()

	r.MustRegister(&createProject{backend: b})
	r.MustRegister(&createServiceOrder{backend: b})
	r.MustRegister(&createInvoice{backend: b})
	r.MustRegister(&createTask{backend: b})
	r.MustRegister(&updateStatus{backend: b})
	r.MustRegister(&assignUser{backend: b})
	r.MustRegister(&delay{clock: b.Clock()})
	r.MustRegister(&sendEmail{})

	return r
}

func (r *Registry) Register(a Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.actions[a.Type()]; ok {
		return fmt.Errorf("action type %q already registered", a.Type())
	}

	r.actions[a.Type()] = a

	return nil
}

func (r *Registry) MustRegister(a Action) {
	if err := r.Register(a); err != nil {
		panic(err)
	}
}

// Execute runs the action for the node's action type. Failures abort the
// node: the caller logs them and stops the walk.
func (r *Registry) Execute(ctx context.Context, node *core.Node, ec *core.ExecutionContext) (map[string]any, error) {
	r.mu.RLock()
	a, ok := r.actions[node.ActionType]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, node.ActionType)
	}

	output, err := a.Execute(ctx, node, ec)
	if err != nil {
		return nil, &Error{ActionType: node.ActionType, Err: err}
	}

	return output, nil
}

// configString reads a string value from the node config.
func configString(node *core.Node, key string) string {
	s, _ := node.Config[key].(string)
	return s
}

// triggerString reads a string value from the trigger data.
func triggerString(ec *core.ExecutionContext, key string) string {
	s, _ := ec.TriggerData[key].(string)
	return s
}

// firstNonEmpty returns the first non-empty string.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}

	return ""
}

// resolveDocumentID resolves the id of an earlier document for linking:
// most recently created document of the type, then triggerData, then config.
// triggerKey and configKey are usually the same camelCase key ("projectId").
func resolveDocumentID(node *core.Node, ec *core.ExecutionContext, documentType, key string) string {
	if id, ok := ec.DocumentID(documentType); ok {
		return id
	}

	return firstNonEmpty(triggerString(ec, key), configString(node, key))
}
