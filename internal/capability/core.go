package capability

import (
	"context"
	"encoding/json"
	"time"

	"github.com/opsrig/flowkit/pkg/schema"
)

// NewCoreProvider returns the "core" capability provider with utility actions
// that carry no external side effects.
func NewCoreProvider() Provider {
	return NewProvider("core",
		&noopAction{},
		&waitAction{},
	)
}

// --- core.noop ---

// noopAction passes its params through as outputs. Useful as a trigger node
// that seeds downstream inputs, and in tests.
type noopAction struct{}

func (a *noopAction) Name() string { return "noop" }

func (a *noopAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Do nothing and echo params as outputs.",
	}
}

func (a *noopAction) Validate(input map[string]any) error { return nil }

func (a *noopAction) Execute(ctx context.Context, input ActionInput) (Result, error) {
	out := make(Result, len(input.Params))
	for k, v := range input.Params {
		out[k] = v
	}
	return out, nil
}

// --- core.wait ---

const waitInputSchema = `{
  "type": "object",
  "properties": {
    "duration": {"type": "string", "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"}
  },
  "required": ["duration"]
}`

type waitAction struct{}

func (a *waitAction) Name() string { return "wait" }

func (a *waitAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Sleep for the given duration, honoring cancellation.",
		InputSchema: json.RawMessage(waitInputSchema),
	}
}

func (a *waitAction) Validate(input map[string]any) error {
	if _, err := parseWaitDuration(input); err != nil {
		return err
	}
	return nil
}

func (a *waitAction) Execute(ctx context.Context, input ActionInput) (Result, error) {
	d, err := parseWaitDuration(input.Params)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return Result{
			schema.SuccessKey: true,
			"waited":          d.String(),
		}, nil
	case <-ctx.Done():
		return nil, schema.NewError(schema.ErrCodeCancelled, "core.wait: interrupted").WithCause(ctx.Err())
	}
}

func parseWaitDuration(params map[string]any) (time.Duration, error) {
	raw := stringParam(params, "duration", "")
	if raw == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "core.wait: missing required param 'duration'")
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "core.wait: invalid duration %q", raw).WithCause(err)
	}
	if d < 0 {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "core.wait: negative duration %q", raw)
	}
	return d, nil
}
