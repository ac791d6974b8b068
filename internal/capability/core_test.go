package capability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoop_EchoesParams(t *testing.T) {
	a := &noopAction{}
	out, err := a.Execute(context.Background(), ActionInput{Params: map[string]any{"alert_id": "A-1"}})
	require.NoError(t, err)
	assert.Equal(t, "A-1", out["alert_id"])
}

func TestWait_CompletesAfterDuration(t *testing.T) {
	a := &waitAction{}
	start := time.Now()
	out, err := a.Execute(context.Background(), ActionInput{Params: map[string]any{"duration": "30ms"}})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, true, out["success"])
}

func TestWait_HonorsCancellation(t *testing.T) {
	a := &waitAction{}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := a.Execute(ctx, ActionInput{Params: map[string]any{"duration": "5s"}})
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWait_RejectsInvalidDuration(t *testing.T) {
	a := &waitAction{}
	assert.Error(t, a.Validate(map[string]any{"duration": "soon"}))
	assert.Error(t, a.Validate(map[string]any{}))
	assert.Error(t, a.Validate(map[string]any{"duration": "-1s"}))
}
