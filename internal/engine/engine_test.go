package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsrig/flowkit/internal/capability"
	"github.com/opsrig/flowkit/internal/history"
	"github.com/opsrig/flowkit/pkg/schema"
)

type stubAction struct {
	name string
	fn   func(ctx context.Context, input capability.ActionInput) (capability.Result, error)
}

func (a *stubAction) Name() string                        { return a.name }
func (a *stubAction) Schema() capability.ActionSchema     { return capability.ActionSchema{} }
func (a *stubAction) Validate(input map[string]any) error { return nil }
func (a *stubAction) Execute(ctx context.Context, input capability.ActionInput) (capability.Result, error) {
	if a.fn == nil {
		return capability.Result{}, nil
	}
	return a.fn(ctx, input)
}

// testRegistry builds a registry with a "test" provider holding the given
// actions.
func testRegistry(t *testing.T, fns map[string]func(ctx context.Context, input capability.ActionInput) (capability.Result, error)) *capability.Registry {
	t.Helper()
	actions := make([]capability.Action, 0, len(fns))
	for name, fn := range fns {
		actions = append(actions, &stubAction{name: name, fn: fn})
	}
	r := capability.NewRegistry()
	require.NoError(t, r.RegisterProvider(capability.NewProvider("test", actions...)))
	return r
}

func testNode(id, action string) schema.Node {
	return schema.Node{ID: id, Provider: "test", Action: action}
}

func intPtr(n int) *int { return &n }

func ok(outputs capability.Result) func(context.Context, capability.ActionInput) (capability.Result, error) {
	return func(context.Context, capability.ActionInput) (capability.Result, error) {
		return outputs, nil
	}
}

func recordOrder(order *[]string, id string, outputs capability.Result) func(context.Context, capability.ActionInput) (capability.Result, error) {
	return func(context.Context, capability.ActionInput) (capability.Result, error) {
		*order = append(*order, id)
		return outputs, nil
	}
}

func TestExecute_AllTriggersRunInDeclarationOrder(t *testing.T) {
	var order []string
	reg := testRegistry(t, map[string]func(context.Context, capability.ActionInput) (capability.Result, error){
		"t2":  recordOrder(&order, "t2", nil),
		"t1":  recordOrder(&order, "t1", nil),
		"mid": recordOrder(&order, "mid", nil),
	})
	def := &schema.FlowDefinition{
		ID: "multi-trigger",
		Nodes: []schema.Node{
			testNode("t2", "t2"),
			testNode("t1", "t1"),
			testNode("mid", "mid"),
		},
		Edges: []schema.Edge{
			{ID: "e1", Source: "t1", Target: "mid"},
		},
	}

	e, err := New(def, reg)
	require.NoError(t, err)
	snap, err := e.Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusCompleted, snap.Status)
	assert.Equal(t, []string{"t2", "t1", "mid"}, order)
}

func TestExecute_OutputsPropagateAsDynamicInputs(t *testing.T) {
	var received map[string]any
	reg := testRegistry(t, map[string]func(context.Context, capability.ActionInput) (capability.Result, error){
		"produce": ok(capability.Result{"ticket": "INC-7", "priority": "p1"}),
		"consume": func(_ context.Context, input capability.ActionInput) (capability.Result, error) {
			received = input.Params
			return nil, nil
		},
	})
	def := &schema.FlowDefinition{
		Nodes: []schema.Node{
			testNode("a", "produce"),
			{ID: "b", Provider: "test", Action: "consume", Inputs: map[string]any{"priority": "p3", "channel": "ops"}},
		},
		Edges: []schema.Edge{{ID: "e1", Source: "a", Target: "b"}},
	}

	e, err := New(def, reg)
	require.NoError(t, err)
	_, err = e.Execute(context.Background())
	require.NoError(t, err)

	// Dynamic inputs override static on collision; static-only keys survive.
	assert.Equal(t, "INC-7", received["ticket"])
	assert.Equal(t, "p1", received["priority"])
	assert.Equal(t, "ops", received["channel"])
}

func TestExecute_LinearFlowWithoutSuccessField(t *testing.T) {
	// Scenario: trigger -> A -> B, A returns no success field, edge
	// unconditional. Both execute; final status completed.
	reg := testRegistry(t, map[string]func(context.Context, capability.ActionInput) (capability.Result, error){
		"plain": ok(capability.Result{"data": "x"}),
	})
	def := &schema.FlowDefinition{
		Nodes: []schema.Node{
			testNode("trigger", "plain"),
			testNode("a", "plain"),
			testNode("b", "plain"),
		},
		Edges: []schema.Edge{
			{ID: "e1", Source: "trigger", Target: "a"},
			{ID: "e2", Source: "a", Target: "b"},
		},
	}

	e, err := New(def, reg)
	require.NoError(t, err)
	snap, err := e.Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusCompleted, snap.Status)
	assert.Equal(t, schema.NodeStatusSuccess, snap.Nodes["a"].Status)
	assert.Equal(t, schema.NodeStatusSuccess, snap.Nodes["b"].Status)
}

func TestExecute_ConditionalFalseBranch(t *testing.T) {
	// Scenario: C returns {success: false}; only the false branch runs.
	reg := testRegistry(t, map[string]func(context.Context, capability.ActionInput) (capability.Result, error){
		"cond":  ok(capability.Result{"success": false}),
		"plain": ok(nil),
	})
	def := &schema.FlowDefinition{
		Nodes: []schema.Node{
			testNode("c", "cond"),
			testNode("x", "plain"),
			testNode("y", "plain"),
		},
		Edges: []schema.Edge{
			{ID: "e1", Source: "c", Target: "x", Branch: schema.BranchTrue},
			{ID: "e2", Source: "c", Target: "y", Branch: schema.BranchFalse},
		},
	}

	e, err := New(def, reg)
	require.NoError(t, err)
	snap, err := e.Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusCompleted, snap.Status)
	assert.Equal(t, schema.NodeStatusIdle, snap.Nodes["x"].Status)
	assert.Equal(t, schema.NodeStatusSuccess, snap.Nodes["y"].Status)
}

func TestExecute_ConditionalTrueBranch(t *testing.T) {
	reg := testRegistry(t, map[string]func(context.Context, capability.ActionInput) (capability.Result, error){
		"cond":  ok(capability.Result{"success": true}),
		"plain": ok(nil),
	})
	def := &schema.FlowDefinition{
		Nodes: []schema.Node{
			testNode("c", "cond"),
			testNode("x", "plain"),
			testNode("y", "plain"),
		},
		Edges: []schema.Edge{
			{ID: "e1", Source: "c", Target: "x", Branch: schema.BranchTrue},
			{ID: "e2", Source: "c", Target: "y", Branch: schema.BranchFalse},
		},
	}

	e, err := New(def, reg)
	require.NoError(t, err)
	snap, err := e.Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, schema.NodeStatusSuccess, snap.Nodes["x"].Status)
	assert.Equal(t, schema.NodeStatusIdle, snap.Nodes["y"].Status)
}

func TestExecute_AbsentSuccessSkipsBothLabeledBranches(t *testing.T) {
	reg := testRegistry(t, map[string]func(context.Context, capability.ActionInput) (capability.Result, error){
		"plain": ok(capability.Result{"data": 1}),
	})
	def := &schema.FlowDefinition{
		Nodes: []schema.Node{
			testNode("c", "plain"),
			testNode("x", "plain"),
			testNode("y", "plain"),
			testNode("z", "plain"),
		},
		Edges: []schema.Edge{
			{ID: "e1", Source: "c", Target: "x", Branch: schema.BranchTrue},
			{ID: "e2", Source: "c", Target: "y", Branch: schema.BranchFalse},
			{ID: "e3", Source: "c", Target: "z"},
		},
	}

	e, err := New(def, reg)
	require.NoError(t, err)
	snap, err := e.Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusCompleted, snap.Status)
	assert.Equal(t, schema.NodeStatusIdle, snap.Nodes["x"].Status)
	assert.Equal(t, schema.NodeStatusIdle, snap.Nodes["y"].Status)
	assert.Equal(t, schema.NodeStatusSuccess, snap.Nodes["z"].Status)
}

func TestExecute_DepthFirstSiblingOrder(t *testing.T) {
	// Fan-out: a -> b, a -> c; b -> b1. The whole b subtree completes
	// before c begins.
	var order []string
	reg := testRegistry(t, map[string]func(context.Context, capability.ActionInput) (capability.Result, error){
		"a":  recordOrder(&order, "a", nil),
		"b":  recordOrder(&order, "b", nil),
		"b1": recordOrder(&order, "b1", nil),
		"c":  recordOrder(&order, "c", nil),
	})
	def := &schema.FlowDefinition{
		Nodes: []schema.Node{
			testNode("a", "a"), testNode("b", "b"), testNode("b1", "b1"), testNode("c", "c"),
		},
		Edges: []schema.Edge{
			{ID: "e1", Source: "a", Target: "b"},
			{ID: "e2", Source: "a", Target: "c"},
			{ID: "e3", Source: "b", Target: "b1"},
		},
	}

	e, err := New(def, reg)
	require.NoError(t, err)
	_, err = e.Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "b1", "c"}, order)
}

func TestExecute_TimeoutRetriedThenRunFails(t *testing.T) {
	// Scenario: timeout 100ms, action takes 200ms, maxRetries 1: two
	// attempts, both time out, run ends in error with a timeout message.
	var attempts int
	reg := testRegistry(t, map[string]func(context.Context, capability.ActionInput) (capability.Result, error){
		"slow": func(ctx context.Context, _ capability.ActionInput) (capability.Result, error) {
			attempts++
			select {
			case <-time.After(200 * time.Millisecond):
				return capability.Result{}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})
	def := &schema.FlowDefinition{
		Nodes: []schema.Node{
			{ID: "d", Provider: "test", Action: "slow", Timeout: "100ms", MaxRetries: intPtr(1), RetryDelay: "1ms"},
		},
	}

	e, err := New(def, reg)
	require.NoError(t, err)
	snap, err := e.Execute(context.Background())
	require.Error(t, err)

	assert.Equal(t, 2, attempts)
	assert.Equal(t, schema.RunStatusError, snap.Status)
	require.NotNil(t, snap.Nodes["d"].Error)
	assert.Contains(t, snap.Nodes["d"].Error.Error(), "timed out")
}

func TestExecute_RetryBudgetIsAttemptsPlusOne(t *testing.T) {
	var attempts int
	reg := testRegistry(t, map[string]func(context.Context, capability.ActionInput) (capability.Result, error){
		"flaky": func(context.Context, capability.ActionInput) (capability.Result, error) {
			attempts++
			return nil, schema.NewError(schema.ErrCodeActionExecution, "boom")
		},
	})
	def := &schema.FlowDefinition{
		Nodes: []schema.Node{
			{ID: "n", Provider: "test", Action: "flaky", MaxRetries: intPtr(2), RetryDelay: "1ms"},
		},
	}

	e, err := New(def, reg)
	require.NoError(t, err)
	snap, err := e.Execute(context.Background())
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, schema.RunStatusError, snap.Status)
}

func TestExecute_NodeFailureAbortsBranchAndRun(t *testing.T) {
	reg := testRegistry(t, map[string]func(context.Context, capability.ActionInput) (capability.Result, error){
		"plain": ok(nil),
		"fail": func(context.Context, capability.ActionInput) (capability.Result, error) {
			return nil, schema.NewError(schema.ErrCodeActionExecution, "downstream system rejected request")
		},
	})
	def := &schema.FlowDefinition{
		Nodes: []schema.Node{
			testNode("t", "plain"),
			testNode("bad", "fail"),
			testNode("never", "plain"),
		},
		Edges: []schema.Edge{
			{ID: "e1", Source: "t", Target: "bad"},
			{ID: "e2", Source: "bad", Target: "never"},
		},
	}

	var gotErr error
	var completeFired bool
	e, err := New(def, reg, WithCallbacks(Callbacks{
		OnComplete: func(*RunSnapshot) { completeFired = true },
		OnError:    func(err error, _ *RunSnapshot) { gotErr = err },
	}))
	require.NoError(t, err)

	snap, err := e.Execute(context.Background())
	require.Error(t, err)

	assert.Equal(t, schema.RunStatusError, snap.Status)
	assert.Equal(t, schema.NodeStatusSuccess, snap.Nodes["t"].Status)
	assert.Equal(t, schema.NodeStatusError, snap.Nodes["bad"].Status)
	assert.Equal(t, schema.NodeStatusIdle, snap.Nodes["never"].Status)
	assert.NotNil(t, gotErr)
	assert.False(t, completeFired)
}

func TestExecute_NoTriggerNodes(t *testing.T) {
	reg := testRegistry(t, map[string]func(context.Context, capability.ActionInput) (capability.Result, error){
		"plain": ok(nil),
	})
	def := &schema.FlowDefinition{
		Nodes: []schema.Node{testNode("a", "plain"), testNode("b", "plain")},
		Edges: []schema.Edge{
			{ID: "e1", Source: "a", Target: "b"},
			{ID: "e2", Source: "b", Target: "a"},
		},
	}

	e, err := New(def, reg)
	require.NoError(t, err)
	_, err = e.Execute(context.Background())
	require.Error(t, err)

	var ferr *schema.FlowError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, schema.ErrCodeFlowStructure, ferr.Code)

	// The run never started.
	assert.Nil(t, e.State())
}

func TestExecute_CycleGuard(t *testing.T) {
	// t -> a -> b -> a: following the back edge into an already-executed
	// node fails the run instead of looping.
	reg := testRegistry(t, map[string]func(context.Context, capability.ActionInput) (capability.Result, error){
		"plain": ok(nil),
	})
	def := &schema.FlowDefinition{
		Nodes: []schema.Node{testNode("t", "plain"), testNode("a", "plain"), testNode("b", "plain")},
		Edges: []schema.Edge{
			{ID: "e1", Source: "t", Target: "a"},
			{ID: "e2", Source: "a", Target: "b"},
			{ID: "e3", Source: "b", Target: "a"},
		},
	}

	e, err := New(def, reg)
	require.NoError(t, err)
	snap, err := e.Execute(context.Background())
	require.Error(t, err)

	var ferr *schema.FlowError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, schema.ErrCodeFlowStructure, ferr.Code)
	assert.Equal(t, schema.RunStatusError, snap.Status)
}

func TestExecute_ConfigurationErrorOnUnresolvableAction(t *testing.T) {
	reg := testRegistry(t, map[string]func(context.Context, capability.ActionInput) (capability.Result, error){
		"plain": ok(nil),
	})
	def := &schema.FlowDefinition{
		Nodes: []schema.Node{testNode("a", "missing")},
	}

	e, err := New(def, reg)
	require.NoError(t, err)
	snap, err := e.Execute(context.Background())
	require.Error(t, err)

	var ferr *schema.FlowError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, schema.ErrCodeConfiguration, ferr.Code)
	assert.Equal(t, schema.NodeStatusError, snap.Nodes["a"].Status)
}

func TestExecute_ConflictWhileRunning(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	reg := testRegistry(t, map[string]func(context.Context, capability.ActionInput) (capability.Result, error){
		"block": func(ctx context.Context, _ capability.ActionInput) (capability.Result, error) {
			close(started)
			select {
			case <-release:
				return capability.Result{}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})
	def := &schema.FlowDefinition{Nodes: []schema.Node{testNode("a", "block")}}

	e, err := New(def, reg)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = e.Execute(context.Background())
	}()
	<-started

	_, err = e.Execute(context.Background())
	require.Error(t, err)
	var ferr *schema.FlowError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, schema.ErrCodeConflict, ferr.Code)

	close(release)
	<-done
}

func TestStop_SuppressesOnComplete(t *testing.T) {
	started := make(chan struct{})
	reg := testRegistry(t, map[string]func(context.Context, capability.ActionInput) (capability.Result, error){
		"block": func(ctx context.Context, _ capability.ActionInput) (capability.Result, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
		"plain": ok(nil),
	})
	def := &schema.FlowDefinition{
		Nodes: []schema.Node{testNode("a", "block"), testNode("b", "plain")},
		Edges: []schema.Edge{{ID: "e1", Source: "a", Target: "b"}},
	}

	var completeFired, errorFired bool
	e, err := New(def, reg, WithCallbacks(Callbacks{
		OnComplete: func(*RunSnapshot) { completeFired = true },
		OnError:    func(error, *RunSnapshot) { errorFired = true },
	}))
	require.NoError(t, err)

	go func() {
		<-started
		e.Stop()
	}()

	snap, err := e.Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, schema.RunStatusStopped, snap.Status)
	assert.Equal(t, schema.NodeStatusIdle, snap.Nodes["b"].Status)
	assert.False(t, completeFired)
	assert.False(t, errorFired)
}

func TestState_SnapshotIsIsolated(t *testing.T) {
	reg := testRegistry(t, map[string]func(context.Context, capability.ActionInput) (capability.Result, error){
		"produce": ok(capability.Result{"payload": map[string]any{"k": "v"}}),
	})
	def := &schema.FlowDefinition{Nodes: []schema.Node{testNode("a", "produce")}}

	e, err := New(def, reg)
	require.NoError(t, err)
	_, err = e.Execute(context.Background())
	require.NoError(t, err)

	first := e.State()
	first.Nodes["a"].Outputs["payload"].(map[string]any)["k"] = "mutated"
	first.Status = schema.RunStatusError

	second := e.State()
	assert.Equal(t, schema.RunStatusCompleted, second.Status)
	assert.Equal(t, "v", second.Nodes["a"].Outputs["payload"].(map[string]any)["k"])
}

func TestExecute_RecordsHistoryEvents(t *testing.T) {
	log := history.NewMemoryLog()
	reg := testRegistry(t, map[string]func(context.Context, capability.ActionInput) (capability.Result, error){
		"plain": ok(nil),
	})
	def := &schema.FlowDefinition{Nodes: []schema.Node{testNode("a", "plain")}}

	e, err := New(def, reg, WithRecorder(log))
	require.NoError(t, err)
	snap, err := e.Execute(context.Background())
	require.NoError(t, err)

	events, err := log.Events(context.Background(), snap.RunID)
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, schema.EventRunStarted, events[0].Type)
	assert.Equal(t, schema.EventNodeStarted, events[1].Type)
	assert.Equal(t, schema.EventNodeSucceeded, events[2].Type)
	assert.Equal(t, schema.EventRunCompleted, events[3].Type)
}

func TestExecute_CallbackTransitions(t *testing.T) {
	var nodeStatuses []schema.NodeStatus
	var flowStatuses []schema.RunStatus
	reg := testRegistry(t, map[string]func(context.Context, capability.ActionInput) (capability.Result, error){
		"plain": ok(nil),
	})
	def := &schema.FlowDefinition{Nodes: []schema.Node{testNode("a", "plain")}}

	e, err := New(def, reg, WithCallbacks(Callbacks{
		OnNodeStatusChange: func(_ string, s schema.NodeStatus) { nodeStatuses = append(nodeStatuses, s) },
		OnFlowStatusChange: func(s schema.RunStatus) { flowStatuses = append(flowStatuses, s) },
	}))
	require.NoError(t, err)
	_, err = e.Execute(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []schema.NodeStatus{schema.NodeStatusRunning, schema.NodeStatusSuccess}, nodeStatuses)
	assert.Equal(t, []schema.RunStatus{schema.RunStatusRunning, schema.RunStatusCompleted}, flowStatuses)
}

func TestExecute_InvalidNodeTimeoutFailsNode(t *testing.T) {
	reg := testRegistry(t, map[string]func(context.Context, capability.ActionInput) (capability.Result, error){
		"plain": ok(nil),
	})
	def := &schema.FlowDefinition{
		Nodes: []schema.Node{{ID: "a", Provider: "test", Action: "plain", Timeout: "1sec"}},
	}

	// The schema validator rejects malformed durations up front.
	_, err := New(def, reg)
	require.Error(t, err)
}
