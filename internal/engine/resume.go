package engine

import (
	"context"

	"github.com/opsrig/flowkit/internal/history"
	"github.com/opsrig/flowkit/pkg/schema"
)

// Resume starts a new run from a prior failed run's failure point.
//
// With an empty nodeID the start node is the first successor of the
// most-recently-started error node from the prior run. With preserveState,
// nodes that succeeded in the prior run and were not re-executed keep their
// prior success record in the merged final state.
func (e *Engine) Resume(ctx context.Context, nodeID string, preserveState bool) (*RunSnapshot, error) {
	e.mu.Lock()
	prev := e.run
	e.mu.Unlock()

	if prev == nil {
		return nil, schema.NewError(schema.ErrCodeFlowStructure, "no prior run to resume")
	}
	prev.mu.Lock()
	prevStatus := prev.status
	prev.mu.Unlock()
	if prevStatus == schema.RunStatusRunning {
		return nil, schema.NewError(schema.ErrCodeConflict, "a run is already in progress")
	}

	start := nodeID
	if start == "" {
		var err error
		start, err = e.resumeStartNode(prev)
		if err != nil {
			return nil, err
		}
	} else if e.g.Node(start) == nil {
		return nil, schema.NewErrorf(schema.ErrCodeFlowStructure, "resume node %q not found", start)
	}

	run, runErr := e.execute(ctx, start)
	if run == nil {
		return nil, runErr
	}
	if preserveState {
		overlayPriorSuccesses(prev, run)
	}
	return run.snapshot(), runErr
}

// resumeStartNode picks the first successor of the most-recently-started
// error node in the prior run.
func (e *Engine) resumeStartNode(prev *runState) (string, error) {
	prev.mu.Lock()
	var errNodeID string
	var latest int64
	for id, ns := range prev.nodes {
		if ns.status == schema.NodeStatusError && ns.startSeq > latest {
			latest = ns.startSeq
			errNodeID = id
		}
	}
	prev.mu.Unlock()

	if errNodeID == "" {
		return "", schema.NewError(schema.ErrCodeFlowStructure, "prior run has no failed node to resume from")
	}
	succs := e.g.Successors(errNodeID)
	if len(succs) == 0 {
		return "", schema.NewErrorf(schema.ErrCodeFlowStructure,
			"failed node has no successor to resume into").WithNode(errNodeID)
	}
	return succs[0].Node.ID, nil
}

// RestoreRun rebuilds a prior run's state from its recorded history events,
// so a fresh process can resume a run that failed (or crashed) earlier.
// Outputs of prior successes are not part of the event trail and come back
// empty; statuses and ordering are preserved. A run with no terminal event
// is treated as failed.
func (e *Engine) RestoreRun(ctx context.Context, rec history.Recorder, runID string) error {
	if rec == nil {
		return schema.NewError(schema.ErrCodeValidation, "recorder is nil")
	}
	events, err := rec.Events(ctx, runID)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "run %q has no recorded events", runID)
	}

	run := newRunState(runID, e.def.ID, e.g.NodeIDs())
	for _, ev := range events {
		switch ev.Type {
		case schema.EventRunStarted:
			run.status = schema.RunStatusRunning
			run.startedAt = ev.At
		case schema.EventRunCompleted:
			run.status = schema.RunStatusCompleted
			run.finishedAt = ev.At
		case schema.EventRunFailed:
			run.status = schema.RunStatusError
			run.finishedAt = ev.At
			if msg, ok := ev.Payload["error"].(string); ok {
				run.err = schema.NewError(schema.ErrCodeActionExecution, msg)
			}
		case schema.EventRunStopped:
			run.status = schema.RunStatusStopped
			run.finishedAt = ev.At
		case schema.EventNodeStarted:
			if ns, ok := run.nodes[ev.NodeID]; ok {
				ns.status = schema.NodeStatusRunning
				ns.startedAt = ev.At
				run.startCounter++
				ns.startSeq = run.startCounter
				run.currentNodeID = ev.NodeID
			}
		case schema.EventNodeSucceeded:
			if ns, ok := run.nodes[ev.NodeID]; ok {
				ns.status = schema.NodeStatusSuccess
				ns.finishedAt = ev.At
			}
		case schema.EventNodeFailed:
			if ns, ok := run.nodes[ev.NodeID]; ok {
				ns.status = schema.NodeStatusError
				ns.finishedAt = ev.At
				if msg, ok := ev.Payload["error"].(string); ok {
					ns.err = schema.NewError(schema.ErrCodeActionExecution, msg).WithNode(ev.NodeID)
				}
			}
		}
	}

	// A crash leaves the run and its in-flight node without terminal events.
	for id, ns := range run.nodes {
		if ns.status == schema.NodeStatusRunning {
			ns.status = schema.NodeStatusError
			ns.err = schema.NewError(schema.ErrCodeActionExecution, "node never finished").WithNode(id)
		}
	}
	if run.status == schema.RunStatusRunning {
		run.status = schema.RunStatusError
		if run.err == nil {
			run.err = schema.NewError(schema.ErrCodeActionExecution, "run never finished")
		}
	}

	// Installing the restored run swaps out the state the single-run guard
	// reads, so it must not displace a run that is still executing.
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.run != nil {
		e.run.mu.Lock()
		inFlight := e.run.status == schema.RunStatusRunning
		e.run.mu.Unlock()
		if inFlight {
			return schema.NewError(schema.ErrCodeConflict, "a run is already in progress")
		}
	}
	e.run = run
	return nil
}

// overlayPriorSuccesses copies prior success records onto nodes the new run
// left idle, so history of untouched branches survives a resume.
func overlayPriorSuccesses(prev, cur *runState) {
	prev.mu.Lock()
	defer prev.mu.Unlock()
	cur.mu.Lock()
	defer cur.mu.Unlock()

	for id, pn := range prev.nodes {
		if pn.status != schema.NodeStatusSuccess {
			continue
		}
		cn, ok := cur.nodes[id]
		if !ok || cn.status != schema.NodeStatusIdle {
			continue
		}
		cur.nodes[id] = &nodeState{
			status:     pn.status,
			inputs:     copyMap(pn.inputs),
			outputs:    copyMap(pn.outputs),
			startedAt:  pn.startedAt,
			finishedAt: pn.finishedAt,
		}
	}
}
