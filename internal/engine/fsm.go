package engine

import (
	"context"

	"github.com/opsrig/flowkit/internal/history"
	"github.com/opsrig/flowkit/pkg/schema"
)

// EventAppender receives one event per state transition. Satisfied by the
// history recorders and test fakes. A nil appender disables event emission.
type EventAppender interface {
	Append(ctx context.Context, event *history.Event) error
}

// ValidRunTransitions defines the allowed run state transitions.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusIdle:      {schema.RunStatusRunning},
	schema.RunStatusRunning:   {schema.RunStatusCompleted, schema.RunStatusError, schema.RunStatusStopped},
	schema.RunStatusCompleted: {},
	schema.RunStatusError:     {},
	schema.RunStatusStopped:   {},
}

// ValidNodeTransitions defines the allowed node state transitions. Terminal
// states are final within a run; only a resumed run re-executes a node.
var ValidNodeTransitions = map[schema.NodeStatus][]schema.NodeStatus{
	schema.NodeStatusIdle:    {schema.NodeStatusRunning},
	schema.NodeStatusRunning: {schema.NodeStatusSuccess, schema.NodeStatusError},
	schema.NodeStatusSuccess: {},
	schema.NodeStatusError:   {},
}

// RunFSM validates run lifecycle transitions and emits the corresponding
// history events.
type RunFSM struct {
	appender EventAppender
}

// NewRunFSM creates a RunFSM emitting events via the given appender.
func NewRunFSM(appender EventAppender) *RunFSM {
	return &RunFSM{appender: appender}
}

// Transition validates and records a run transition. The caller applies the
// new status to its own state.
func (f *RunFSM) Transition(ctx context.Context, runID string, from, to schema.RunStatus, payload map[string]any) error {
	if !isValidRunTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	eventType := schema.RunEventType(to)
	if eventType != "" && f.appender != nil {
		event := &history.Event{
			RunID:   runID,
			Type:    eventType,
			Payload: payload,
		}
		if err := f.appender.Append(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeHistory, "emit run event: %s", err.Error()).WithCause(err)
		}
	}
	return nil
}

// NodeFSM validates node lifecycle transitions and emits the corresponding
// history events.
type NodeFSM struct {
	appender EventAppender
}

// NewNodeFSM creates a NodeFSM emitting events via the given appender.
func NewNodeFSM(appender EventAppender) *NodeFSM {
	return &NodeFSM{appender: appender}
}

// Transition validates and records a node transition.
func (f *NodeFSM) Transition(ctx context.Context, runID, nodeID string, from, to schema.NodeStatus, payload map[string]any) error {
	if !isValidNodeTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid node transition: %s -> %s", from, to).
			WithNode(nodeID).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	eventType := schema.NodeEventType(to)
	if eventType != "" && f.appender != nil {
		event := &history.Event{
			RunID:   runID,
			NodeID:  nodeID,
			Type:    eventType,
			Payload: payload,
		}
		if err := f.appender.Append(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeHistory, "emit node event: %s", err.Error()).
				WithNode(nodeID).WithCause(err)
		}
	}
	return nil
}

func isValidRunTransition(from, to schema.RunStatus) bool {
	for _, a := range ValidRunTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func isValidNodeTransition(from, to schema.NodeStatus) bool {
	for _, a := range ValidNodeTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}
