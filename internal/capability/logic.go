package capability

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/opsrig/flowkit/pkg/schema"
)

// NewLogicProvider returns the "logic" capability provider. Its condition
// action is the canonical source of the boolean "success" output that drives
// branch routing.
func NewLogicProvider() (Provider, error) {
	cond, err := newConditionAction()
	if err != nil {
		return nil, err
	}
	return NewProvider("logic", cond), nil
}

const conditionInputSchema = `{
  "type": "object",
  "properties": {
    "condition": {"type": "string"},
    "data": {"type": "object"}
  },
  "required": ["condition"]
}`

const conditionOutputSchema = `{
  "type": "object",
  "properties": {
    "success": {"type": "boolean"}
  },
  "required": ["success"]
}`

type conditionAction struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

func newConditionAction() (*conditionAction, error) {
	env, err := cel.NewEnv(
		cel.Variable("data", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "failed to build CEL environment").WithCause(err)
	}
	return &conditionAction{env: env, cache: make(map[string]cel.Program)}, nil
}

func (a *conditionAction) Name() string { return "condition" }

func (a *conditionAction) Schema() ActionSchema {
	return ActionSchema{
		Description:  "Evaluate a CEL condition over the provided data and emit a boolean success output.",
		InputSchema:  json.RawMessage(conditionInputSchema),
		OutputSchema: json.RawMessage(conditionOutputSchema),
	}
}

func (a *conditionAction) Validate(input map[string]any) error {
	condition := stringParam(input, "condition", "")
	if condition == "" {
		return schema.NewError(schema.ErrCodeValidation, "logic.condition: missing required param 'condition'")
	}
	if _, err := a.compile(condition); err != nil {
		return err
	}
	return nil
}

func (a *conditionAction) Execute(ctx context.Context, input ActionInput) (Result, error) {
	params := input.Params
	condition := stringParam(params, "condition", "")
	if condition == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "logic.condition: missing required param 'condition'")
	}

	program, err := a.compile(condition)
	if err != nil {
		return nil, err
	}

	data := map[string]any{}
	if d, ok := params["data"].(map[string]any); ok {
		data = d
	}

	out, _, err := program.ContextEval(ctx, map[string]any{"data": data})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeActionExecution, "logic.condition: evaluation failed: %v", err).WithCause(err)
	}

	verdict, ok := out.Value().(bool)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeActionExecution,
			"logic.condition: expression returned %T, want bool", out.Value())
	}

	return Result{schema.SuccessKey: verdict}, nil
}

func (a *conditionAction) compile(condition string) (cel.Program, error) {
	a.mu.RLock()
	if program, ok := a.cache[condition]; ok {
		a.mu.RUnlock()
		return program, nil
	}
	a.mu.RUnlock()

	a.mu.Lock()
	defer a.mu.Unlock()

	if program, ok := a.cache[condition]; ok {
		return program, nil
	}

	ast, issues := a.env.Compile(condition)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "logic.condition: invalid expression: %v", issues.Err()).WithCause(issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"logic.condition: expression must produce a bool, got %s", ast.OutputType())
	}

	program, err := a.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "logic.condition: expression does not compile: %v", err).WithCause(err)
	}
	a.cache[condition] = program
	return program, nil
}
