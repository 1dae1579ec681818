package expressions

import (
	"context"
	"sync"

	"github.com/itchyny/gojq"
	"github.com/rendis/bpelrt/pkg/schema"
)

// GoJQEngine implements the Engine interface using GoJQ. Besides evaluating
// jq expressions against the variable snapshot, it backs assign queries:
// reading a sub-value with Query and writing one with SetPath.
// Thread-safe: compiled *Code objects are cached and reused across goroutines.
type GoJQEngine struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewGoJQEngine creates a new GoJQ expression engine.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{
		cache: make(map[string]*gojq.Code),
	}
}

// Name returns the engine identifier.
func (e *GoJQEngine) Name() string {
	return "jq"
}

// Evaluate runs a jq expression with the data map as input.
//
// jq expressions can produce multiple outputs. When there is exactly one output,
// it is returned directly. When there are multiple outputs, they are collected
// into a slice and returned as []any.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if data == nil {
		data = map[string]any{}
	}
	results, err := e.run(ctx, expression, nil, Normalize(data))
	if err != nil {
		return nil, err
	}
	return Normalize(collapse(results)), nil
}

// Query applies a jq query to an arbitrary JSON-compatible value. It reports
// found=false when the query yields no output or only null.
func (e *GoJQEngine) Query(ctx context.Context, query string, input any) (value any, found bool, err error) {
	results, err := e.run(ctx, query, nil, Normalize(input))
	if err != nil {
		return nil, false, err
	}
	v := Normalize(collapse(results))
	return v, v != nil, nil
}

// SetPath returns a copy of doc with the location addressed by query replaced
// by value. Missing intermediate objects and arrays are created.
func (e *GoJQEngine) SetPath(ctx context.Context, query string, doc, value any) (any, error) {
	expression := "setpath(path(" + query + "); $value)"
	results, err := e.run(ctx, expression, []string{"$value"}, Normalize(doc), Normalize(value))
	if err != nil {
		return nil, err
	}
	if len(results) != 1 {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"jq path %q must address exactly one location, got %d", query, len(results))
	}
	return Normalize(results[0]), nil
}

func (e *GoJQEngine) run(ctx context.Context, expression string, vars []string, input any, values ...any) ([]any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}

	code, err := e.getOrCompile(expression, vars)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, input, values...)

	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"jq evaluation failed for %q: %s", expression, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"expression": expression})
		}
		results = append(results, val)
	}
	return results, nil
}

// getOrCompile returns a cached compiled code or compiles and caches a new one.
func (e *GoJQEngine) getOrCompile(expression string, vars []string) (*gojq.Code, error) {
	e.mu.RLock()
	if code, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return code, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if code, ok := e.cache[expression]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq parse error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	code, err := gojq.Compile(query,
		// Sandbox: return empty env to block $ENV and env access.
		gojq.WithEnvironLoader(func() []string { return nil }),
		gojq.WithVariables(vars),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = code
	return code, nil
}

func collapse(results []any) any {
	switch len(results) {
	case 0:
		return nil
	case 1:
		return results[0]
	default:
		return results
	}
}

var _ Engine = (*GoJQEngine)(nil)
