package expressions

import "context"

// Engine evaluates expressions of one language against a variable snapshot.
// Three implementations: Expr (default), CEL and GoJQ.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
