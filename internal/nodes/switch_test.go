package nodes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainreact/flowd/internal/expressions"
	"github.com/chainreact/flowd/pkg/schema"
)

func newSwitch(t *testing.T) *SwitchNode {
	t.Helper()
	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	return NewSwitchNode(cel)
}

func noProgress(string) {}

func switchConfig(cases ...map[string]any) map[string]any {
	raw := make([]any, len(cases))
	for i, c := range cases {
		raw[i] = any(c)
	}
	return map[string]any{"cases": raw}
}

func TestSwitch_FirstMatchWins(t *testing.T) {
	n := newSwitch(t)

	cfg := switchConfig(
		map[string]any{"branch": "high", "when": `inputs.amount > 100`},
		map[string]any{"branch": "positive", "when": `inputs.amount > 0`},
	)

	res, err := n.Run(context.Background(), Request{
		Config:   cfg,
		Input:    map[string]any{"amount": int64(150)},
		Progress: noProgress,
	})
	require.NoError(t, err)
	assert.Equal(t, "high", res.Branch)
	assert.Equal(t, 0, res.Output["matched_case"])
}

func TestSwitch_SecondCase(t *testing.T) {
	n := newSwitch(t)

	cfg := switchConfig(
		map[string]any{"branch": "high", "when": `inputs.amount > 100`},
		map[string]any{"branch": "low", "when": `inputs.amount <= 100`},
	)

	res, err := n.Run(context.Background(), Request{
		Config:   cfg,
		Input:    map[string]any{"amount": int64(40)},
		Progress: noProgress,
	})
	require.NoError(t, err)
	assert.Equal(t, "low", res.Branch)
}

func TestSwitch_Default(t *testing.T) {
	n := newSwitch(t)

	cfg := switchConfig(map[string]any{"branch": "big", "when": `inputs.amount > 1000`})
	cfg["default"] = "other"

	res, err := n.Run(context.Background(), Request{
		Config:   cfg,
		Input:    map[string]any{"amount": int64(5)},
		Progress: noProgress,
	})
	require.NoError(t, err)
	assert.Equal(t, "other", res.Branch)
	assert.Equal(t, -1, res.Output["matched_case"])
}

func TestSwitch_NoMatchNoDefault(t *testing.T) {
	n := newSwitch(t)

	cfg := switchConfig(map[string]any{"branch": "big", "when": `inputs.amount > 1000`})

	res, err := n.Run(context.Background(), Request{
		Config:   cfg,
		Input:    map[string]any{"amount": int64(5)},
		Progress: noProgress,
	})
	require.NoError(t, err, "no match is a success, not a failure")
	assert.Equal(t, BranchNoMatch, res.Branch)
}

func TestSwitch_UpstreamPredicate(t *testing.T) {
	n := newSwitch(t)

	cfg := switchConfig(map[string]any{"branch": "ok", "when": `upstream.fetch.status == 200`})

	res, err := n.Run(context.Background(), Request{
		Config: cfg,
		Upstream: map[string]any{
			"fetch": map[string]any{"status": int64(200)},
		},
		Progress: noProgress,
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Branch)
}

func TestSwitch_NodesPredicate(t *testing.T) {
	n := newSwitch(t)

	cfg := switchConfig(map[string]any{"branch": "retry", "when": `nodes.healthcheck.code == 503`})

	res, err := n.Run(context.Background(), Request{
		Config: cfg,
		Nodes: map[string]any{
			"healthcheck": map[string]any{"code": int64(503)},
		},
		Progress: noProgress,
	})
	require.NoError(t, err)
	assert.Equal(t, "retry", res.Branch)
}

func TestSwitch_MissingCases(t *testing.T) {
	n := newSwitch(t)

	_, err := n.Run(context.Background(), Request{Config: map[string]any{}, Progress: noProgress})
	require.Error(t, err)

	engErr, ok := err.(*schema.EngineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, engErr.Code)
}

func TestSwitch_BadPredicate(t *testing.T) {
	n := newSwitch(t)

	cfg := switchConfig(map[string]any{"branch": "x", "when": `inputs.amount >`})

	_, err := n.Run(context.Background(), Request{
		Config:   cfg,
		Input:    map[string]any{"amount": int64(1)},
		Progress: noProgress,
	})
	require.Error(t, err)
}
