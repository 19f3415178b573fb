package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainreact/flowd/pkg/schema"
)

func TestGoJQEngine_ImplementsEngine(t *testing.T) {
	var _ Engine = (*GoJQEngine)(nil)
}

func TestGoJQ_Name(t *testing.T) {
	e := NewGoJQEngine()
	assert.Equal(t, "jq", e.Name())
}

// --- Transformations ---

func TestGoJQ_FieldExtraction(t *testing.T) {
	e := NewGoJQEngine()

	data := map[string]any{
		"upstream": map[string]any{
			"fetch": map[string]any{
				"user": map[string]any{"id": 7, "name": "ada"},
			},
		},
	}

	out, err := e.Evaluate(context.Background(), `.upstream.fetch.user.name`, data)
	require.NoError(t, err)
	assert.Equal(t, "ada", out)
}

func TestGoJQ_Reshape(t *testing.T) {
	e := NewGoJQEngine()

	data := map[string]any{
		"upstream": map[string]any{
			"fetch": map[string]any{
				"items": []any{
					map[string]any{"sku": "A1", "qty": 2},
					map[string]any{"sku": "B2", "qty": 5},
				},
			},
		},
	}

	t.Run("map over array", func(t *testing.T) {
		out, err := e.Evaluate(context.Background(), `[.upstream.fetch.items[].sku]`, data)
		require.NoError(t, err)
		assert.Equal(t, []any{"A1", "B2"}, out)
	})

	t.Run("select filter", func(t *testing.T) {
		out, err := e.Evaluate(context.Background(), `[.upstream.fetch.items[] | select(.qty > 3)]`, data)
		require.NoError(t, err)
		items, ok := out.([]any)
		require.True(t, ok)
		require.Len(t, items, 1)
	})

	t.Run("aggregate", func(t *testing.T) {
		out, err := e.Evaluate(context.Background(), `[.upstream.fetch.items[].qty] | add`, data)
		require.NoError(t, err)
		assert.Equal(t, float64(7), out)
	})

	t.Run("object construction", func(t *testing.T) {
		out, err := e.Evaluate(context.Background(), `{count: (.upstream.fetch.items | length)}`, data)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"count": 2}, out)
	})
}

func TestGoJQ_MultipleOutputs(t *testing.T) {
	e := NewGoJQEngine()

	data := map[string]any{
		"inputs": map[string]any{"items": []any{1, 2, 3}},
	}

	out, err := e.Evaluate(context.Background(), `.inputs.items[]`, data)
	require.NoError(t, err)
	assert.Equal(t, []any{float64(1), float64(2), float64(3)}, out)
}

func TestGoJQ_MissingField_Null(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), `.inputs.nothing`, map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQ_IntNormalization(t *testing.T) {
	e := NewGoJQEngine()

	data := map[string]any{
		"inputs": map[string]any{"n": int64(21)},
	}

	out, err := e.Evaluate(context.Background(), `.inputs.n * 2`, data)
	require.NoError(t, err)
	assert.Equal(t, float64(42), out)
}

// --- Error handling ---

func TestGoJQ_EmptyExpression(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Evaluate(context.Background(), "", map[string]any{})
	require.Error(t, err)

	engErr, ok := err.(*schema.EngineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, engErr.Code)
}

func TestGoJQ_ParseError(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Evaluate(context.Background(), `.foo[`, map[string]any{})
	require.Error(t, err)

	engErr, ok := err.(*schema.EngineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, engErr.Code)
}

func TestGoJQ_RuntimeError(t *testing.T) {
	e := NewGoJQEngine()

	data := map[string]any{"inputs": map[string]any{"s": "text"}}

	_, err := e.Evaluate(context.Background(), `.inputs.s + 1`, data)
	require.Error(t, err)

	engErr, ok := err.(*schema.EngineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeExecution, engErr.Code)
}

// --- Sandbox ---

func TestGoJQ_Sandbox_EnvBlocked(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), `env.HOME`, map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, out, "environment variables should not be visible")
}

// --- Thread safety ---

func TestGoJQ_Concurrent(t *testing.T) {
	e := NewGoJQEngine()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			data := map[string]any{"inputs": map[string]any{"val": idx}}
			out, err := e.Evaluate(context.Background(), `.inputs.val >= 0`, data)
			assert.NoError(t, err)
			assert.Equal(t, true, out)
		}(i)
	}
	wg.Wait()
}
