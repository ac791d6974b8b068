// Package engine executes flow definitions: it discovers trigger nodes,
// walks the graph depth-first, invokes each node's capability with merged
// inputs, routes conditional edges on the reserved "success" output, and
// tracks per-node and per-run state machines.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsrig/flowkit/internal/capability"
	"github.com/opsrig/flowkit/internal/graph"
	"github.com/opsrig/flowkit/internal/history"
	"github.com/opsrig/flowkit/internal/invoke"
	"github.com/opsrig/flowkit/internal/logging"
	"github.com/opsrig/flowkit/internal/streaming"
	"github.com/opsrig/flowkit/pkg/schema"
)

// Callbacks are the status-change notifications exposed to collaborators.
// All fields are optional. OnComplete fires only on successful completion;
// OnError only on terminal failure. A stopped run fires neither.
type Callbacks struct {
	OnNodeStatusChange func(nodeID string, status schema.NodeStatus)
	OnFlowStatusChange func(status schema.RunStatus)
	OnComplete         func(run *RunSnapshot)
	OnError            func(err error, run *RunSnapshot)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithRecorder sets the run-history recorder. Event persistence is
// best-effort: a failing recorder is logged, never fatal to the run.
func WithRecorder(r history.Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithHub sets the pub/sub hub for real-time run events.
func WithHub(h streaming.EventHub) Option {
	return func(e *Engine) { e.hub = h }
}

// WithCallbacks sets the status-change notification callbacks.
func WithCallbacks(cb Callbacks) Option {
	return func(e *Engine) { e.callbacks = cb }
}

// WithDefaultPolicy sets the invocation policy applied to nodes that declare
// no timeout or retry fields of their own.
func WithDefaultPolicy(p invoke.Policy) Option {
	return func(e *Engine) { e.defaults = p }
}

// Engine executes one flow definition. It runs at most one run at a time;
// the most recent run's state stays queryable until the next Execute.
type Engine struct {
	def       *schema.FlowDefinition
	g         *graph.Graph
	registry  *capability.Registry
	invoker   *invoke.Invoker
	validator *capability.InputValidator
	runFSM    *RunFSM
	nodeFSM   *NodeFSM

	logger    *slog.Logger
	recorder  history.Recorder
	hub       streaming.EventHub
	callbacks Callbacks
	defaults  invoke.Policy

	mu        sync.Mutex
	run       *runState
	cancelRun context.CancelFunc
}

// New validates the definition, builds the graph, and returns an Engine
// bound to the given registry.
func New(def *schema.FlowDefinition, registry *capability.Registry, opts ...Option) (*Engine, error) {
	if registry == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "registry is nil")
	}
	if err := schema.ValidateDefinition(def); err != nil {
		return nil, err
	}
	g, err := graph.Build(def)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		def:       def,
		g:         g,
		registry:  registry,
		validator: capability.NewInputValidator(),
		defaults:  invoke.DefaultPolicy,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}

	e.invoker = invoke.NewInvoker(e.logger)
	appender := &bestEffortAppender{recorder: e.recorder, logger: e.logger}
	e.runFSM = NewRunFSM(appender)
	e.nodeFSM = NewNodeFSM(appender)
	return e, nil
}

// Execute starts a new run from all trigger nodes, in declaration order.
// It returns the final run snapshot; on a failed run the snapshot is
// returned together with the propagated node error.
func (e *Engine) Execute(ctx context.Context) (*RunSnapshot, error) {
	run, err := e.execute(ctx, "")
	if run == nil {
		return nil, err
	}
	return run.snapshot(), err
}

// ExecuteFrom starts a new run with the given node as the sole entry point.
func (e *Engine) ExecuteFrom(ctx context.Context, startNodeID string) (*RunSnapshot, error) {
	if startNodeID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "start node ID is empty")
	}
	run, err := e.execute(ctx, startNodeID)
	if run == nil {
		return nil, err
	}
	return run.snapshot(), err
}

// Stop requests the current run to stop. The run transitions to stopped at
// the next node boundary; the in-flight invocation's context is cancelled so
// cooperative actions can abort outbound work.
func (e *Engine) Stop() {
	e.mu.Lock()
	run := e.run
	cancel := e.cancelRun
	e.mu.Unlock()

	if run == nil {
		return
	}
	run.mu.Lock()
	run.stopRequested = true
	run.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// State returns a point-in-time copy of the current (or most recent) run,
// or nil if the engine has never executed.
func (e *Engine) State() *RunSnapshot {
	e.mu.Lock()
	run := e.run
	e.mu.Unlock()
	if run == nil {
		return nil
	}
	return run.snapshot()
}

// workItem is one pending traversal step: a node plus the dynamic inputs
// carried along the edge that reached it.
type workItem struct {
	nodeID string
	inputs map[string]any
}

// execute runs the traversal. Pre-flight failures return a nil run: the run
// never leaves idle and no notifications fire.
func (e *Engine) execute(ctx context.Context, startNodeID string) (*runState, error) {
	e.mu.Lock()
	if e.run != nil {
		e.run.mu.Lock()
		inFlight := e.run.status == schema.RunStatusRunning
		e.run.mu.Unlock()
		if inFlight {
			e.mu.Unlock()
			return nil, schema.NewError(schema.ErrCodeConflict, "a run is already in progress")
		}
	}

	var entries []*schema.Node
	if startNodeID != "" {
		n := e.g.Node(startNodeID)
		if n == nil {
			e.mu.Unlock()
			return nil, schema.NewErrorf(schema.ErrCodeFlowStructure, "start node %q not found", startNodeID)
		}
		entries = []*schema.Node{n}
	} else {
		entries = e.g.TriggerNodes()
		if len(entries) == 0 {
			e.mu.Unlock()
			return nil, schema.NewError(schema.ErrCodeFlowStructure, "flow has no trigger nodes")
		}
	}

	run := newRunState(uuid.NewString(), e.def.ID, e.g.NodeIDs())
	runCtx, cancel := context.WithCancel(ctx)
	e.run = run
	e.cancelRun = cancel
	e.mu.Unlock()
	defer cancel()

	runCtx = logging.WithRunID(runCtx, run.id)
	logging.LogWith(runCtx, e.logger).Info("run started",
		"flow_id", run.flowID, "entry_nodes", len(entries))

	e.transitionRun(runCtx, run, schema.RunStatusRunning, nil)

	// Depth-first traversal via an explicit stack: entries are pushed in
	// reverse so the first declared node pops first, and a node's whole
	// subtree completes before its next sibling begins.
	stack := make([]workItem, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		stack = append(stack, workItem{nodeID: entries[i].ID})
	}

	var runErr *schema.FlowError
	stopped := false

	for len(stack) > 0 {
		if e.shouldStop(run, runCtx) {
			stopped = true
			break
		}

		item := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		run.mu.Lock()
		status := run.nodes[item.nodeID].status
		run.mu.Unlock()
		if status != schema.NodeStatusIdle {
			runErr = schema.NewErrorf(schema.ErrCodeFlowStructure,
				"edge re-enters node already in state %s", status).WithNode(item.nodeID)
			break
		}

		outputs, err := e.executeNode(runCtx, run, item)
		if err != nil {
			if e.shouldStop(run, runCtx) {
				stopped = true
				break
			}
			runErr = asFlowError(err)
			break
		}

		followed := e.routeSuccessors(item.nodeID, outputs)
		for i := len(followed) - 1; i >= 0; i-- {
			stack = append(stack, followed[i])
		}
	}

	switch {
	case stopped:
		e.transitionRun(runCtx, run, schema.RunStatusStopped, nil)
		logging.LogWith(runCtx, e.logger).Info("run stopped")
	case runErr != nil:
		run.mu.Lock()
		run.err = runErr
		run.mu.Unlock()
		e.transitionRun(runCtx, run, schema.RunStatusError, map[string]any{"error": runErr.Error()})
		logging.LogWith(runCtx, e.logger).Error("run failed", "error", runErr)
		if cb := e.callbacks.OnError; cb != nil {
			cb(runErr, run.snapshot())
		}
		return run, runErr
	default:
		e.transitionRun(runCtx, run, schema.RunStatusCompleted, nil)
		logging.LogWith(runCtx, e.logger).Info("run completed")
		if cb := e.callbacks.OnComplete; cb != nil {
			cb(run.snapshot())
		}
	}
	return run, nil
}

func (e *Engine) shouldStop(run *runState, ctx context.Context) bool {
	run.mu.Lock()
	requested := run.stopRequested
	run.mu.Unlock()
	return requested || ctx.Err() != nil
}

// routeSuccessors selects which outgoing edges to follow. Unconditional
// edges are always followed; "true"/"false" edges require a matching boolean
// "success" output. An absent or non-boolean success skips both labeled
// branches.
func (e *Engine) routeSuccessors(nodeID string, outputs map[string]any) []workItem {
	succs := e.g.Successors(nodeID)
	if len(succs) == 0 {
		return nil
	}
	verdict, hasVerdict := capability.Result(outputs).Success()

	var followed []workItem
	for _, s := range succs {
		follow := false
		switch s.Branch {
		case "":
			follow = true
		case schema.BranchTrue:
			follow = hasVerdict && verdict
		case schema.BranchFalse:
			follow = hasVerdict && !verdict
		}
		if follow {
			followed = append(followed, workItem{nodeID: s.Node.ID, inputs: outputs})
		}
	}
	return followed
}

// executeNode drives one node through its state machine: mark running,
// resolve and invoke the action, then mark success or error.
func (e *Engine) executeNode(ctx context.Context, run *runState, item workItem) (map[string]any, error) {
	node := e.g.Node(item.nodeID)
	nodeCtx := logging.WithNodeID(ctx, node.ID)

	run.mu.Lock()
	ns := run.nodes[node.ID]
	from := ns.status
	run.mu.Unlock()

	if err := e.nodeFSM.Transition(nodeCtx, run.id, node.ID, from, schema.NodeStatusRunning, nil); err != nil {
		return nil, err
	}
	run.mu.Lock()
	ns.status = schema.NodeStatusRunning
	ns.startedAt = time.Now().UTC()
	run.startCounter++
	ns.startSeq = run.startCounter
	run.currentNodeID = node.ID
	run.mu.Unlock()

	e.publishNode(nodeCtx, run.id, node.ID, schema.NodeStatusRunning, nil)
	logging.LogWith(nodeCtx, e.logger).Info("node started",
		"provider", node.Provider, "action", node.Action)

	outputs, err := e.invokeNode(nodeCtx, run, node, item.inputs, ns)
	if err != nil {
		ferr := asFlowError(err)
		if ferr.NodeID == "" {
			ferr.NodeID = node.ID
		}
		e.finishNode(nodeCtx, run, ns, node.ID, schema.NodeStatusError, nil, ferr)
		return nil, ferr
	}

	e.finishNode(nodeCtx, run, ns, node.ID, schema.NodeStatusSuccess, outputs, nil)
	return outputs, nil
}

// invokeNode resolves the action, merges inputs, validates them, and runs
// the invoker under the node's policy.
func (e *Engine) invokeNode(ctx context.Context, run *runState, node *schema.Node, dynamic map[string]any, ns *nodeState) (map[string]any, error) {
	if node.Provider == "" || node.Action == "" {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "node has no action reference").WithNode(node.ID)
	}
	action, err := e.registry.Resolve(node.Provider, node.Action)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration,
			"cannot resolve action %s.%s", node.Provider, node.Action).WithNode(node.ID).WithCause(err)
	}
	policy, err := invoke.PolicyForNode(node, e.defaults)
	if err != nil {
		return nil, err
	}

	merged := mergeInputs(node.Inputs, dynamic)
	run.mu.Lock()
	ns.inputs = copyMap(merged)
	run.mu.Unlock()

	if err := e.validator.ValidateInput(action, merged); err != nil {
		ferr := asFlowError(err)
		if ferr.NodeID == "" {
			ferr.NodeID = node.ID
		}
		return nil, ferr
	}

	input := capability.ActionInput{
		Params: merged,
		Auth:   node.Config,
		Context: map[string]any{
			"run_id":  run.id,
			"node_id": node.ID,
		},
	}
	result, err := e.invoker.Invoke(ctx, action, input, policy)
	if err != nil {
		return nil, err
	}
	return map[string]any(result), nil
}

func (e *Engine) finishNode(ctx context.Context, run *runState, ns *nodeState, nodeID string, to schema.NodeStatus, outputs map[string]any, ferr *schema.FlowError) {
	var payload map[string]any
	if ferr != nil {
		payload = map[string]any{"error": ferr.Error()}
	}
	if err := e.nodeFSM.Transition(ctx, run.id, nodeID, schema.NodeStatusRunning, to, payload); err != nil {
		logging.LogWith(ctx, e.logger).Error("node transition rejected", "error", err)
	}

	run.mu.Lock()
	ns.status = to
	ns.outputs = outputs
	ns.err = ferr
	ns.finishedAt = time.Now().UTC()
	run.mu.Unlock()

	e.publishNode(ctx, run.id, nodeID, to, payload)
	if to == schema.NodeStatusError {
		logging.LogWith(ctx, e.logger).Error("node failed", "error", ferr)
	} else {
		logging.LogWith(ctx, e.logger).Info("node succeeded")
	}
}

// transitionRun applies a run transition, emits its event, publishes it,
// and fires the flow status callback.
func (e *Engine) transitionRun(ctx context.Context, run *runState, to schema.RunStatus, payload map[string]any) {
	run.mu.Lock()
	from := run.status
	run.mu.Unlock()

	if err := e.runFSM.Transition(ctx, run.id, from, to, payload); err != nil {
		logging.LogWith(ctx, e.logger).Error("run transition rejected", "error", err)
		return
	}

	now := time.Now().UTC()
	run.mu.Lock()
	run.status = to
	if to == schema.RunStatusRunning {
		run.startedAt = now
	} else {
		run.finishedAt = now
	}
	run.mu.Unlock()

	if e.hub != nil {
		_ = e.hub.Publish(ctx, streaming.StreamEvent{
			RunID:     run.id,
			EventType: schema.RunEventType(to),
			Payload:   payload,
		})
	}
	if cb := e.callbacks.OnFlowStatusChange; cb != nil {
		cb(to)
	}
}

func (e *Engine) publishNode(ctx context.Context, runID, nodeID string, status schema.NodeStatus, payload map[string]any) {
	if e.hub != nil {
		_ = e.hub.Publish(ctx, streaming.StreamEvent{
			RunID:     runID,
			NodeID:    nodeID,
			EventType: schema.NodeEventType(status),
			Payload:   payload,
		})
	}
	if cb := e.callbacks.OnNodeStatusChange; cb != nil {
		cb(nodeID, status)
	}
}

// mergeInputs overlays dynamic inputs onto static ones. Dynamic values win
// on key collision.
func mergeInputs(static, dynamic map[string]any) map[string]any {
	merged := make(map[string]any, len(static)+len(dynamic))
	for k, v := range static {
		merged[k] = v
	}
	for k, v := range dynamic {
		merged[k] = v
	}
	return merged
}

func asFlowError(err error) *schema.FlowError {
	var ferr *schema.FlowError
	if errors.As(err, &ferr) {
		return ferr
	}
	return schema.NewError(schema.ErrCodeActionExecution, err.Error()).WithCause(err)
}

// bestEffortAppender persists events without ever failing the run.
type bestEffortAppender struct {
	recorder history.Recorder
	logger   *slog.Logger
}

func (a *bestEffortAppender) Append(ctx context.Context, event *history.Event) error {
	if a.recorder == nil {
		return nil
	}
	if err := a.recorder.Append(ctx, event); err != nil {
		a.logger.Warn("failed to record run event",
			"run_id", event.RunID, "type", event.Type, "error", err)
	}
	return nil
}
