package engine

import (
	"sync"
	"time"

	"github.com/opsrig/flowkit/pkg/schema"
)

// nodeState is the transient execution record of one node within a run.
// Mutated only by the engine's run goroutine.
type nodeState struct {
	status     schema.NodeStatus
	inputs     map[string]any
	outputs    map[string]any
	err        *schema.FlowError
	startSeq   int64
	startedAt  time.Time
	finishedAt time.Time
}

// runState is the complete state of one execution attempt. There is exactly
// one writer (the run goroutine); the mutex exists so snapshots taken by
// observers see consistent values.
type runState struct {
	mu sync.Mutex

	id            string
	flowID        string
	status        schema.RunStatus
	currentNodeID string
	err           *schema.FlowError
	startedAt     time.Time
	finishedAt    time.Time
	nodes         map[string]*nodeState

	startCounter  int64
	stopRequested bool
}

// newRunState creates a run with every node idle, so status queries never
// miss a node.
func newRunState(runID, flowID string, nodeIDs []string) *runState {
	nodes := make(map[string]*nodeState, len(nodeIDs))
	for _, id := range nodeIDs {
		nodes[id] = &nodeState{status: schema.NodeStatusIdle}
	}
	return &runState{
		id:     runID,
		flowID: flowID,
		status: schema.RunStatusIdle,
		nodes:  nodes,
	}
}

// NodeSnapshot is a read-only copy of one node's execution record.
type NodeSnapshot struct {
	NodeID     string            `json:"node_id"`
	Status     schema.NodeStatus `json:"status"`
	Inputs     map[string]any    `json:"inputs,omitempty"`
	Outputs    map[string]any    `json:"outputs,omitempty"`
	Error      *schema.FlowError `json:"error,omitempty"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
}

// RunSnapshot is a point-in-time, deep copy of a run's state. Callers may
// hold or mutate it freely; it never aliases live engine state.
type RunSnapshot struct {
	RunID         string                   `json:"run_id"`
	FlowID        string                   `json:"flow_id,omitempty"`
	Status        schema.RunStatus         `json:"status"`
	CurrentNodeID string                   `json:"current_node_id,omitempty"`
	Error         *schema.FlowError        `json:"error,omitempty"`
	StartedAt     *time.Time               `json:"started_at,omitempty"`
	FinishedAt    *time.Time               `json:"finished_at,omitempty"`
	Nodes         map[string]*NodeSnapshot `json:"nodes"`
}

// snapshot copies the run state under its lock.
func (r *runState) snapshot() *RunSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := &RunSnapshot{
		RunID:         r.id,
		FlowID:        r.flowID,
		Status:        r.status,
		CurrentNodeID: r.currentNodeID,
		Error:         r.err,
		Nodes:         make(map[string]*NodeSnapshot, len(r.nodes)),
	}
	if !r.startedAt.IsZero() {
		t := r.startedAt
		snap.StartedAt = &t
	}
	if !r.finishedAt.IsZero() {
		t := r.finishedAt
		snap.FinishedAt = &t
	}
	for id, ns := range r.nodes {
		snap.Nodes[id] = ns.snapshot(id)
	}
	return snap
}

func (n *nodeState) snapshot(id string) *NodeSnapshot {
	snap := &NodeSnapshot{
		NodeID:  id,
		Status:  n.status,
		Inputs:  copyMap(n.inputs),
		Outputs: copyMap(n.outputs),
		Error:   n.err,
	}
	if !n.startedAt.IsZero() {
		t := n.startedAt
		snap.StartedAt = &t
	}
	if !n.finishedAt.IsZero() {
		t := n.finishedAt
		snap.FinishedAt = &t
	}
	return snap
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}
