package schema

// Event types recorded in the run history and published to subscribers.
const (
	EventRunStarted   = "run.started"
	EventRunCompleted = "run.completed"
	EventRunFailed    = "run.failed"
	EventRunStopped   = "run.stopped"

	EventNodeStarted   = "node.started"
	EventNodeSucceeded = "node.succeeded"
	EventNodeFailed    = "node.failed"
)

// RunEventType maps a terminal-or-running run status to its event type.
// Returns "" for statuses that do not emit an event.
func RunEventType(to RunStatus) string {
	switch to {
	case RunStatusRunning:
		return EventRunStarted
	case RunStatusCompleted:
		return EventRunCompleted
	case RunStatusError:
		return EventRunFailed
	case RunStatusStopped:
		return EventRunStopped
	default:
		return ""
	}
}

// NodeEventType maps a node status to its event type. Returns "" for idle.
func NodeEventType(to NodeStatus) string {
	switch to {
	case NodeStatusRunning:
		return EventNodeStarted
	case NodeStatusSuccess:
		return EventNodeSucceeded
	case NodeStatusError:
		return EventNodeFailed
	default:
		return ""
	}
}
