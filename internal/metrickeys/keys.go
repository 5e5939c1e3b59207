package metrickeys

const prefix = "flowengine_"

const (
	ExecutionsStarted   = prefix + "executions_started"
	ExecutionsCompleted = prefix + "executions_completed"
	ExecutionsFailed    = prefix + "executions_failed"

	NodesExecuted = prefix + "nodes_executed"
	NodeDuration  = prefix + "node_duration"

	DefinitionCacheSize = prefix + "definition_cache_size"
	DefinitionCacheHit  = prefix + "definition_cache_hit"
)

const (
	// tag keys
	NodeType   = "node_type"
	ActionType = "action_type"
	Reason     = "reason"
)
