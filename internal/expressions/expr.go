package expressions

import (
	"context"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/chainreact/flowd/pkg/schema"
)

// ExprEngine implements the Engine interface using expr-lang/expr for mapping
// and logic expressions inside node configs. It supports array operations
// (filter, map, any, all, sum), string operations, nil coalescing (??),
// optional chaining (?.), and pipe chaining (|).
//
// Programs are compiled once per expression text and cached; a concurrent
// first use may compile the same program twice, which is harmless since the
// results are interchangeable.
type ExprEngine struct {
	programs sync.Map // expression text -> *vm.Program
}

// NewExprEngine creates a new Expr engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return "expr"
}

// Evaluate runs an expression against the provided data. All keys of the
// data map are available as top-level variables; undefined variables
// evaluate to nil rather than failing, matching the engine's lenient
// resolution rule.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}

	prg, err := e.program(expression)
	if err != nil {
		return nil, err
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}
	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"expr evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out, nil
}

func (e *ExprEngine) program(expression string) (*vm.Program, error) {
	if cached, ok := e.programs.Load(expression); ok {
		return cached.(*vm.Program), nil
	}

	prg, err := expr.Compile(expression,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"expr compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	e.programs.Store(expression, prg)
	return prg, nil
}

var _ Engine = (*ExprEngine)(nil)
