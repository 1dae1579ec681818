package expressions

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rendis/bpelrt/pkg/schema"
)

// Language identifiers accepted in process documents besides the engine names.
const (
	LanguageExpr = "expr"
	LanguageCEL  = "cel"
	LanguageJQ   = "jq"

	exprURI = "urn:bpelrt:expr"
	celURI  = "urn:bpelrt:cel"
	jqURI   = "urn:bpelrt:jq"
)

// Registry maps expression language identifiers to engines and converts
// their results to the types activities need. Expressions with an empty
// language use the registry default.
type Registry struct {
	mu          sync.RWMutex
	engines     map[string]Engine
	defaultLang string
}

// NewRegistry creates a registry holding the given engines under their names.
func NewRegistry(defaultLang string, engines ...Engine) *Registry {
	r := &Registry{
		engines:     make(map[string]Engine, len(engines)),
		defaultLang: defaultLang,
	}
	for _, e := range engines {
		r.Register(e)
	}
	return r
}

// DefaultRegistry returns a registry with expr (default), CEL and jq.
func DefaultRegistry() (*Registry, error) {
	cel, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	r := NewRegistry(LanguageExpr)
	r.Register(NewExprEngine(), exprURI)
	r.Register(cel, celURI)
	r.Register(NewGoJQEngine(), jqURI)
	return r, nil
}

// Register adds an engine under its name and any aliases. A later
// registration for the same identifier replaces the earlier one.
func (r *Registry) Register(e Engine, aliases ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[e.Name()] = e
	for _, a := range aliases {
		r.engines[a] = e
	}
}

// Default returns the identifier used for expressions without a language.
func (r *Registry) Default() string {
	return r.defaultLang
}

// Has reports whether lang (or the default, for "") is registered.
func (r *Registry) Has(lang string) bool {
	_, err := r.Engine(lang)
	return err == nil
}

// Engine resolves a language identifier.
func (r *Registry) Engine(lang string) (Engine, error) {
	if lang == "" {
		lang = r.defaultLang
	}
	r.mu.RLock()
	e, ok := r.engines[lang]
	r.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown expression language %q", lang)
	}
	return e, nil
}

// JQ returns the registered jq engine used for assign queries.
func (r *Registry) JQ() *GoJQEngine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.engines[LanguageJQ].(*GoJQEngine); ok {
		return e
	}
	return nil
}

// Evaluate returns the expression value.
func (r *Registry) Evaluate(ctx context.Context, expr *schema.Expression, data map[string]any) (any, error) {
	if expr == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "missing expression")
	}
	e, err := r.Engine(expr.Language)
	if err != nil {
		return nil, err
	}
	return e.Evaluate(ctx, expr.Text, data)
}

// EvaluateAsBoolean evaluates a condition. Only booleans are accepted.
func (r *Registry) EvaluateAsBoolean(ctx context.Context, expr *schema.Expression, data map[string]any) (bool, error) {
	v, err := r.Evaluate(ctx, expr, data)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, valueError(expr, "boolean", v)
	}
	return b, nil
}

// EvaluateAsNumber evaluates a numeric expression. Numeric strings are
// accepted.
func (r *Registry) EvaluateAsNumber(ctx context.Context, expr *schema.Expression, data map[string]any) (float64, error) {
	v, err := r.Evaluate(ctx, expr, data)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) {
			return 0, valueError(expr, "number", v)
		}
		return n, nil
	case string:
		var f float64
		if _, err := fmt.Sscan(strings.TrimSpace(n), &f); err == nil {
			return f, nil
		}
	}
	return 0, valueError(expr, "number", v)
}

// EvaluateAsDuration evaluates a duration expression. Strings are parsed as
// ISO 8601 (or Go) durations and numbers are taken as seconds.
func (r *Registry) EvaluateAsDuration(ctx context.Context, expr *schema.Expression, data map[string]any) (schema.Duration, error) {
	v, err := r.Evaluate(ctx, expr, data)
	if err != nil {
		return schema.Duration{}, err
	}
	switch d := v.(type) {
	case string:
		parsed, perr := schema.ParseDuration(d)
		if perr != nil {
			return schema.Duration{}, valueError(expr, "duration", v).WithCause(perr)
		}
		return parsed, nil
	case float64:
		return schema.FromTimeDuration(time.Duration(d * float64(time.Second))), nil
	case time.Duration:
		return schema.FromTimeDuration(d), nil
	}
	return schema.Duration{}, valueError(expr, "duration", v)
}

// EvaluateAsDate evaluates a deadline expression. Strings must be RFC 3339
// timestamps or dates.
func (r *Registry) EvaluateAsDate(ctx context.Context, expr *schema.Expression, data map[string]any) (time.Time, error) {
	v, err := r.Evaluate(ctx, expr, data)
	if err != nil {
		return time.Time{}, err
	}
	switch d := v.(type) {
	case time.Time:
		return d, nil
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
			if t, perr := time.Parse(layout, d); perr == nil {
				return t, nil
			}
		}
	}
	return time.Time{}, valueError(expr, "date", v)
}

func valueError(expr *schema.Expression, want string, got any) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeExpressionValue,
		"expression %q: expected %s, got %T", expr.Text, want, got).
		WithDetails(map[string]any{"expression": expr.Text, "line": expr.Line})
}

// Query reads the location addressed by a jq query from input.
func (r *Registry) Query(ctx context.Context, query string, input any) (any, bool, error) {
	jq := r.JQ()
	if jq == nil {
		return nil, false, schema.NewError(schema.ErrCodeValidation, "jq engine not registered")
	}
	return jq.Query(ctx, query, input)
}

// SetPath writes value at the location addressed by a jq query.
func (r *Registry) SetPath(ctx context.Context, query string, doc, value any) (any, error) {
	jq := r.JQ()
	if jq == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "jq engine not registered")
	}
	return jq.SetPath(ctx, query, doc, value)
}
