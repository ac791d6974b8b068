package capability

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/itchyny/gojq"

	"github.com/opsrig/flowkit/pkg/schema"
)

// NewTransformProvider returns the "transform" capability provider with its
// jq and expr actions.
func NewTransformProvider() Provider {
	return NewProvider("transform",
		newJQAction(),
		newExprAction(),
	)
}

const transformInputSchema = `{
  "type": "object",
  "properties": {
    "query": {"type": "string"},
    "data": {},
    "timeout": {"type": "string"}
  },
  "required": ["query"]
}`

const transformOutputSchema = `{
  "type": "object",
  "properties": {
    "success": {"type": "boolean"},
    "result": {},
    "results": {"type": "array"}
  }
}`

const defaultQueryTimeout = 10 * time.Second

// --- transform.jq ---

type jqAction struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

func newJQAction() *jqAction {
	return &jqAction{cache: make(map[string]*gojq.Code)}
}

func (a *jqAction) Name() string { return "jq" }

func (a *jqAction) Schema() ActionSchema {
	return ActionSchema{
		Description:  "Transform data with a jq query. Returns the first result and the full result list.",
		InputSchema:  json.RawMessage(transformInputSchema),
		OutputSchema: json.RawMessage(transformOutputSchema),
	}
}

func (a *jqAction) Validate(input map[string]any) error {
	query := stringParam(input, "query", "")
	if query == "" {
		return schema.NewError(schema.ErrCodeValidation, "transform.jq: missing required param 'query'")
	}
	if _, err := a.compile(query); err != nil {
		return err
	}
	return nil
}

func (a *jqAction) Execute(ctx context.Context, input ActionInput) (Result, error) {
	params := input.Params
	query := stringParam(params, "query", "")
	if query == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "transform.jq: missing required param 'query'")
	}

	code, err := a.compile(query)
	if err != nil {
		return nil, err
	}

	data := params["data"]
	// gojq only accepts the types produced by encoding/json. Normalize
	// whatever the upstream node handed us through a round-trip.
	normalized, err := normalizeJSON(data)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeActionExecution, "transform.jq: data is not JSON-representable").WithCause(err)
	}

	timeout := defaultQueryTimeout
	if ts := stringParam(params, "timeout", ""); ts != "" {
		if d, perr := time.ParseDuration(ts); perr == nil {
			timeout = d
		}
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var results []any
	iter := code.RunWithContext(runCtx, normalized)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if rerr, isErr := v.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeActionExecution, "transform.jq: query failed: %v", rerr).WithCause(rerr)
		}
		results = append(results, v)
	}

	var first any
	if len(results) > 0 {
		first = results[0]
	}
	return Result{
		schema.SuccessKey: len(results) > 0,
		"result":          first,
		"results":         results,
	}, nil
}

func (a *jqAction) compile(query string) (*gojq.Code, error) {
	a.mu.RLock()
	if code, ok := a.cache[query]; ok {
		a.mu.RUnlock()
		return code, nil
	}
	a.mu.RUnlock()

	a.mu.Lock()
	defer a.mu.Unlock()

	if code, ok := a.cache[query]; ok {
		return code, nil
	}

	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "transform.jq: invalid query: %v", err).WithCause(err)
	}
	code, err := gojq.Compile(parsed)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "transform.jq: query does not compile: %v", err).WithCause(err)
	}
	a.cache[query] = code
	return code, nil
}

func normalizeJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// --- transform.expr ---

const exprInputSchema = `{
  "type": "object",
  "properties": {
    "expression": {"type": "string"},
    "data": {"type": "object"}
  },
  "required": ["expression"]
}`

type exprAction struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

func newExprAction() *exprAction {
	return &exprAction{cache: make(map[string]*vm.Program)}
}

func (a *exprAction) Name() string { return "expr" }

func (a *exprAction) Schema() ActionSchema {
	return ActionSchema{
		Description:  "Evaluate an expr-lang expression over the provided data map.",
		InputSchema:  json.RawMessage(exprInputSchema),
		OutputSchema: json.RawMessage(transformOutputSchema),
	}
}

func (a *exprAction) Validate(input map[string]any) error {
	expression := stringParam(input, "expression", "")
	if expression == "" {
		return schema.NewError(schema.ErrCodeValidation, "transform.expr: missing required param 'expression'")
	}
	if _, err := a.compile(expression); err != nil {
		return err
	}
	return nil
}

func (a *exprAction) Execute(ctx context.Context, input ActionInput) (Result, error) {
	params := input.Params
	expression := stringParam(params, "expression", "")
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "transform.expr: missing required param 'expression'")
	}

	program, err := a.compile(expression)
	if err != nil {
		return nil, err
	}

	env := map[string]any{}
	if data, ok := params["data"].(map[string]any); ok {
		env = data
	}

	out, err := expr.Run(program, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeActionExecution, "transform.expr: evaluation failed: %v", err).WithCause(err)
	}

	result := Result{"result": out}
	if b, ok := out.(bool); ok {
		result[schema.SuccessKey] = b
	} else {
		result[schema.SuccessKey] = out != nil
	}
	return result, nil
}

func (a *exprAction) compile(expression string) (*vm.Program, error) {
	a.mu.RLock()
	if program, ok := a.cache[expression]; ok {
		a.mu.RUnlock()
		return program, nil
	}
	a.mu.RUnlock()

	a.mu.Lock()
	defer a.mu.Unlock()

	if program, ok := a.cache[expression]; ok {
		return program, nil
	}

	program, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "transform.expr: invalid expression: %v", err).WithCause(err)
	}
	a.cache[expression] = program
	return program, nil
}
