package invoke

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/opsrig/flowkit/internal/capability"
	"github.com/opsrig/flowkit/internal/logging"
	"github.com/opsrig/flowkit/pkg/schema"
)

// Policy bounds a single capability call: a per-attempt timeout, a retry
// budget, and a fixed delay between attempts. Total attempts are always
// MaxRetries+1; the first attempt does not count against the budget.
type Policy struct {
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// DefaultPolicy is applied when a node declares no bounds of its own.
var DefaultPolicy = Policy{
	Timeout:    30 * time.Second,
	MaxRetries: 0,
	RetryDelay: time.Second,
}

// PolicyForNode derives the effective policy from a node's declared timeout
// and retry fields, falling back to defaults field by field. Malformed
// durations are a CONFIGURATION_ERROR.
func PolicyForNode(node *schema.Node, defaults Policy) (Policy, error) {
	p := defaults
	if node.Timeout != "" {
		d, err := time.ParseDuration(node.Timeout)
		if err != nil || d <= 0 {
			return Policy{}, schema.NewErrorf(schema.ErrCodeConfiguration,
				"invalid timeout %q", node.Timeout).WithNode(node.ID)
		}
		p.Timeout = d
	}
	if node.MaxRetries != nil {
		if *node.MaxRetries < 0 {
			return Policy{}, schema.NewErrorf(schema.ErrCodeConfiguration,
				"negative max_retries %d", *node.MaxRetries).WithNode(node.ID)
		}
		p.MaxRetries = *node.MaxRetries
	}
	if node.RetryDelay != "" {
		d, err := time.ParseDuration(node.RetryDelay)
		if err != nil || d < 0 {
			return Policy{}, schema.NewErrorf(schema.ErrCodeConfiguration,
				"invalid retry_delay %q", node.RetryDelay).WithNode(node.ID)
		}
		p.RetryDelay = d
	}
	return p, nil
}

// Invoker executes actions under a Policy. Each Invoke call carries its own
// attempt counter; retry state never leaks between calls.
type Invoker struct {
	logger *slog.Logger
}

// NewInvoker creates an Invoker. A nil logger falls back to slog.Default().
func NewInvoker(logger *slog.Logger) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{logger: logger}
}

// Invoke runs the action until it succeeds, the retry budget is exhausted, or
// the parent context is cancelled. The returned error carries the last
// attempt's failure.
func (i *Invoker) Invoke(ctx context.Context, action capability.Action, input capability.ActionInput, policy Policy) (capability.Result, error) {
	attempts := policy.MaxRetries + 1

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			logging.LogWith(ctx, i.logger).Warn("retrying action",
				"action", action.Name(),
				"attempt", attempt+1,
				"max_attempts", attempts,
				"error", lastErr)
			if err := waitForRetry(ctx, policy.RetryDelay); err != nil {
				return nil, schema.NewError(schema.ErrCodeCancelled, "cancelled while waiting to retry").WithCause(err)
			}
		}

		result, err := i.attempt(ctx, action, input, policy.Timeout)
		if err == nil {
			return result, nil
		}
		lastErr = err

		// Parent cancellation ends the call immediately.
		if ctx.Err() != nil {
			return nil, schema.NewError(schema.ErrCodeCancelled, "action cancelled").WithCause(ctx.Err())
		}
		if !isRetryable(err) {
			return nil, err
		}
	}

	if policy.MaxRetries > 0 {
		return nil, schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"action failed after %d attempts: %v", attempts, lastErr).WithCause(lastErr)
	}
	return nil, lastErr
}

// attempt runs the action in its own goroutine and races it against the
// per-attempt deadline. A timed-out action keeps running until it observes
// its context; its late result is discarded.
func (i *Invoker) attempt(ctx context.Context, action capability.Action, input capability.ActionInput, timeout time.Duration) (capability.Result, error) {
	attemptCtx := ctx
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	type outcome struct {
		result capability.Result
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		result, err := action.Execute(attemptCtx, input)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if errors.Is(out.err, context.DeadlineExceeded) && attemptCtx.Err() == context.DeadlineExceeded {
				return nil, schema.NewErrorf(schema.ErrCodeTimeout,
					"action %q timed out after %s", action.Name(), timeout).WithCause(out.err)
			}
			return nil, classify(action.Name(), out.err)
		}
		return out.result, nil
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return nil, schema.NewErrorf(schema.ErrCodeCancelled, "action %q cancelled", action.Name()).WithCause(ctx.Err())
		}
		return nil, schema.NewErrorf(schema.ErrCodeTimeout,
			"action %q timed out after %s", action.Name(), timeout).WithCause(attemptCtx.Err())
	}
}

// classify wraps raw action failures as ACTION_EXECUTION_ERROR while letting
// typed errors pass through untouched.
func classify(actionName string, err error) error {
	var ferr *schema.FlowError
	if errors.As(err, &ferr) {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeActionExecution, "action %q failed: %v", actionName, err).WithCause(err)
}

// isRetryable classifies whether an attempt's failure should consume retry
// budget. Timeouts and execution failures retry; validation, configuration,
// and cancellation do not.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var ferr *schema.FlowError
	if errors.As(err, &ferr) {
		return ferr.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"too many requests",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// waitForRetry sleeps for the retry delay or returns early on cancellation.
func waitForRetry(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
