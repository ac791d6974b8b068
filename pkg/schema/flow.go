package schema

// FlowDefinition is the JSON-serializable flow format produced by the graph
// editor and persisted by the surrounding product. Nodes and edges are
// ordered collections: declaration order is the only ordering guarantee the
// engine gives for independent triggers and fan-out siblings.
type FlowDefinition struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name,omitempty"`
	Nodes    []Node         `json:"nodes"`
	Edges    []Edge         `json:"edges,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Node is one configured unit of work referencing a capability-provider
// action. Immutable during a run; execution state lives in the run record.
type Node struct {
	ID       string         `json:"id"`
	Provider string         `json:"provider"`
	Action   string         `json:"action"`
	Config   map[string]any `json:"config,omitempty"` // auth material and provider settings
	Inputs   map[string]any `json:"inputs,omitempty"` // design-time static inputs

	Timeout    string `json:"timeout,omitempty"`     // per-attempt budget (e.g. "30s")
	MaxRetries *int   `json:"max_retries,omitempty"` // additional attempts after the first; nil means engine default
	RetryDelay string `json:"retry_delay,omitempty"` // fixed inter-attempt delay
}

// Edge is a directed connection between two nodes. Branch is "" for
// unconditional edges, or one of BranchTrue/BranchFalse for conditional
// routing on the source node's reserved "success" output.
type Edge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
	Branch string `json:"branch,omitempty"`
}

// Branch labels recognized on edges.
const (
	BranchTrue  = "true"
	BranchFalse = "false"
)

// RunStatus enumerates the lifecycle states of a run.
type RunStatus string

const (
	RunStatusIdle      RunStatus = "idle"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusError     RunStatus = "error"
	RunStatusStopped   RunStatus = "stopped"
)

// NodeStatus enumerates the lifecycle states of a node within a run.
type NodeStatus string

const (
	NodeStatusIdle    NodeStatus = "idle"
	NodeStatusRunning NodeStatus = "running"
	NodeStatusSuccess NodeStatus = "success"
	NodeStatusError   NodeStatus = "error"
)

// SuccessKey is the reserved output field consulted for conditional routing.
const SuccessKey = "success"
