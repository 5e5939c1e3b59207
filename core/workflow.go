package core

// NodeType classifies a node within a workflow graph.
type NodeType string

const (
	NodeTypeTrigger   NodeType = "trigger"
	NodeTypeAction    NodeType = "action"
	NodeTypeCondition NodeType = "condition"
)

// Node is a single node of a workflow graph. Config is an opaque key-value
// map interpreted per action or condition type.
type Node struct {
	// ID is unique within a workflow
	ID string `json:"node_id"`

	Type NodeType `json:"node_type"`

	// ActionType is only meaningful when Type is NodeTypeAction
	ActionType string `json:"action_type,omitempty"`

	Config map[string]any `json:"config,omitempty"`
}

// Connection is a directed edge between two nodes of the same workflow.
// A node may have multiple outgoing connections (fan-out).
type Connection struct {
	SourceNodeID string `json:"source_node_id"`
	TargetNodeID string `json:"target_node_id"`
}

// WorkflowDefinition is a stored automation: a directed graph of nodes and
// connections. Definitions are read once at the start of an execution and
// treated as immutable for its duration.
type WorkflowDefinition struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
	Active   bool   `json:"is_active"`

	Nodes       []*Node       `json:"nodes"`
	Connections []*Connection `json:"connections"`
}

// TriggerNode returns the workflow's entry node, or nil if the definition
// has no trigger node.
func (wd *WorkflowDefinition) TriggerNode() *Node {
	for _, n := range wd.Nodes {
		if n.Type == NodeTypeTrigger {
			return n
		}
	}

	return nil
}

// NodeByID returns the node with the given id, or nil.
func (wd *WorkflowDefinition) NodeByID(id string) *Node {
	for _, n := range wd.Nodes {
		if n.ID == id {
			return n
		}
	}

	return nil
}

// Adjacency returns the outgoing edges of the graph as a map from source
// node id to target node ids, in connection order.
func (wd *WorkflowDefinition) Adjacency() map[string][]string {
	adj := make(map[string][]string, len(wd.Nodes))

	for _, c := range wd.Connections {
		adj[c.SourceNodeID] = append(adj[c.SourceNodeID], c.TargetNodeID)
	}

	return adj
}
