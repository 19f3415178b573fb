package expressions

import "context"

// Engine evaluates expressions against the run scope.
// Three implementations: CEL (predicates and edge guards), Expr (mapping
// logic), and GoJQ (JSON transforms). All are pure: given the same
// expression and scope they return the same value, and none perform I/O.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
