package log

const (
	NamespaceKey = "flowengine"

	WorkflowIDKey   = NamespaceKey + ".workflow.id"
	WorkflowNameKey = NamespaceKey + ".workflow.name"
	TenantIDKey     = NamespaceKey + ".tenant.id"

	ExecutionIDKey = NamespaceKey + ".execution.id"

	NodeIDKey     = NamespaceKey + ".node.id"
	NodeTypeKey   = NamespaceKey + ".node.type"
	ActionTypeKey = NamespaceKey + ".node.action_type"

	DocumentTypeKey = NamespaceKey + ".document.type"
	TableKey        = NamespaceKey + ".table"

	DurationKey = NamespaceKey + ".duration_ms"
)
