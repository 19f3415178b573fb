package nodes

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoop(t *testing.T) {
	res, err := NewNoopNode().Run(context.Background(), Request{Progress: noProgress})
	require.NoError(t, err)
	assert.Empty(t, res.Output)
	assert.Empty(t, res.Branch)
}

func TestEcho_CopiesConfig(t *testing.T) {
	res, err := NewEchoNode().Run(context.Background(), Request{
		Config:   map[string]any{"greeting": "hi", "n": float64(2)},
		Progress: noProgress,
	})
	require.NoError(t, err)
	assert.Equal(t, "hi", res.Output["greeting"])
	assert.Equal(t, float64(2), res.Output["n"])
}

func TestDelay_Waits(t *testing.T) {
	start := time.Now()
	res, err := NewDelayNode().Run(context.Background(), Request{
		Config:   map[string]any{"duration_ms": float64(20)},
		Progress: noProgress,
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, int64(20), res.Output["waited_ms"])
}

func TestDelay_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := NewDelayNode().Run(ctx, Request{
		Config:   map[string]any{"duration_ms": float64(5000)},
		Progress: noProgress,
	})
	require.Error(t, err)
}

func TestDelay_MissingDuration(t *testing.T) {
	_, err := NewDelayNode().Run(context.Background(), Request{Config: map[string]any{}, Progress: noProgress})
	require.Error(t, err)
}

func TestTrigger_EchoesInput(t *testing.T) {
	payload := map[string]any{"event_id": "evt-1", "resource": "orders"}

	for _, h := range []Handler{
		NewWebhookTriggerNode(), NewScheduleTriggerNode(), NewManualTriggerNode(),
	} {
		res, err := h.Run(context.Background(), Request{Input: payload, Progress: noProgress})
		require.NoError(t, err, h.Type())
		assert.Equal(t, "evt-1", res.Output["event_id"], h.Type())
	}
}
