package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoJQ_Evaluate(t *testing.T) {
	e := NewGoJQEngine()
	data := map[string]any{"order": map[string]any{"lines": []any{
		map[string]any{"qty": 2},
		map[string]any{"qty": 3},
	}}}

	out, err := e.Evaluate(context.Background(), "[.order.lines[].qty] | add", data)
	require.NoError(t, err)
	assert.Equal(t, float64(5), out)

	out, err = e.Evaluate(context.Background(), ".order.lines[].qty", data)
	require.NoError(t, err)
	assert.Equal(t, []any{float64(2), float64(3)}, out, "multiple outputs collapse into a slice")
}

func TestGoJQ_Query(t *testing.T) {
	e := NewGoJQEngine()
	doc := map[string]any{"customer": map[string]any{"id": "c-1"}}

	v, found, err := e.Query(context.Background(), ".customer.id", doc)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "c-1", v)

	_, found, err = e.Query(context.Background(), ".customer.name", doc)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestGoJQ_SetPath(t *testing.T) {
	e := NewGoJQEngine()
	doc := map[string]any{"customer": map[string]any{"id": "c-1"}}

	out, err := e.SetPath(context.Background(), ".customer.address.city", doc, "Lima")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"customer": map[string]any{
		"id":      "c-1",
		"address": map[string]any{"city": "Lima"},
	}}, out)
	assert.Equal(t, map[string]any{"id": "c-1"}, doc["customer"], "input is not mutated")

	out, err = e.SetPath(context.Background(), ".items[1]", nil, 7)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"items": []any{nil, float64(7)}}, out)
}

func TestGoJQ_Errors(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Evaluate(context.Background(), ".[", nil)
	require.Error(t, err)

	_, err = e.Evaluate(context.Background(), `error("boom")`, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	_, err = e.Evaluate(context.Background(), "", nil)
	require.Error(t, err)
}
