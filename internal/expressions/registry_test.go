package expressions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rendis/bpelrt/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := DefaultRegistry()
	require.NoError(t, err)
	return r
}

func newExpr(lang, text string) *schema.Expression {
	return &schema.Expression{Language: lang, Text: text}
}

func TestRegistry_Languages(t *testing.T) {
	r := newTestRegistry(t)

	assert.Equal(t, LanguageExpr, r.Default())
	for _, lang := range []string{"", "expr", "cel", "jq", "urn:bpelrt:cel", "urn:bpelrt:jq", "urn:bpelrt:expr"} {
		assert.True(t, r.Has(lang), lang)
	}
	assert.False(t, r.Has("xpath"))
	assert.NotNil(t, r.JQ())

	_, err := r.Evaluate(context.Background(), newExpr("xpath", "1"), nil)
	var se *schema.Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, schema.ErrCodeValidation, se.Code)
}

func TestRegistry_EvaluateAsBoolean(t *testing.T) {
	r := newTestRegistry(t)
	data := map[string]any{"L1": true, "L2": false}

	ok, err := r.EvaluateAsBoolean(context.Background(), newExpr("", "L1 && !L2"), data)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.EvaluateAsBoolean(context.Background(), newExpr("cel", "L1 && L2"), data)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = r.EvaluateAsBoolean(context.Background(), newExpr("", `"yes"`), data)
	var se *schema.Error
	require.True(t, errors.As(err, &se))
	assert.Equal(t, schema.ErrCodeExpressionValue, se.Code)
}

func TestRegistry_EvaluateAsNumber(t *testing.T) {
	r := newTestRegistry(t)

	n, err := r.EvaluateAsNumber(context.Background(), newExpr("", "2 + 3"), nil)
	require.NoError(t, err)
	assert.Equal(t, float64(5), n)

	n, err = r.EvaluateAsNumber(context.Background(), newExpr("jq", `"42"`), nil)
	require.NoError(t, err)
	assert.Equal(t, float64(42), n)

	_, err = r.EvaluateAsNumber(context.Background(), newExpr("", `"four"`), nil)
	require.Error(t, err)
}

func TestRegistry_EvaluateAsDuration(t *testing.T) {
	r := newTestRegistry(t)
	now := time.Date(2024, 1, 31, 10, 0, 0, 0, time.UTC)

	d, err := r.EvaluateAsDuration(context.Background(), newExpr("", `"PT1H30M"`), nil)
	require.NoError(t, err)
	assert.Equal(t, now.Add(90*time.Minute), d.AddTo(now))

	d, err = r.EvaluateAsDuration(context.Background(), newExpr("", "90"), nil)
	require.NoError(t, err)
	assert.Equal(t, now.Add(90*time.Second), d.AddTo(now))

	_, err = r.EvaluateAsDuration(context.Background(), newExpr("", `"soon"`), nil)
	require.Error(t, err)
}

func TestRegistry_EvaluateAsDate(t *testing.T) {
	r := newTestRegistry(t)

	d, err := r.EvaluateAsDate(context.Background(), newExpr("", `"2024-03-01T12:00:00Z"`), nil)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), d)

	d, err = r.EvaluateAsDate(context.Background(), newExpr("", `"2024-03-01"`), nil)
	require.NoError(t, err)
	assert.Equal(t, 2024, d.Year())

	_, err = r.EvaluateAsDate(context.Background(), newExpr("", "true"), nil)
	require.Error(t, err)
}
