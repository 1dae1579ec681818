package diagram

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/bpelrt/internal/store"
	"github.com/rendis/bpelrt/pkg/schema"
)

// Regenerate with: go test ./internal/diagram -update
func TestRenderMermaidGolden(t *testing.T) {
	model, err := Build(load(t, echoSrc), nil)
	require.NoError(t, err)

	g := goldie.New(t, goldie.WithFixtureDir("testdata"))
	g.Assert(t, "echo", []byte(RenderMermaid(model)))
}

func TestRenderMermaidFlow(t *testing.T) {
	model, err := Build(load(t, flowSrc), nil)
	require.NoError(t, err)

	output := RenderMermaid(model)
	assert.Contains(t, output, "graph TD")
	assert.Contains(t, output, `a2[["flow"]]`)
	assert.Contains(t, output, "a3 -.->|first| a4")
}

func TestRenderMermaidHandlers(t *testing.T) {
	model, err := Build(load(t, handlersSrc), nil)
	require.NoError(t, err)

	output := RenderMermaid(model)
	assert.Contains(t, output, `subgraph a1_1["catch oops"]`)
	assert.Contains(t, output, `{{"throw oops"}}`)
	assert.Contains(t, output, `{"if"}`)
	assert.Contains(t, output, `["if n > 1"]`)
}

func TestRenderMermaidWithStatus(t *testing.T) {
	events := []*store.Event{
		event(t, schema.EventActivityExecEnd, 3, nil),
		event(t, schema.EventActivityExecStart, 4, nil),
		event(t, schema.EventActivityDisabled, 5, nil),
	}
	model, err := Build(load(t, echoSrc), events)
	require.NoError(t, err)

	output := RenderMermaid(model)
	assert.Contains(t, output, "class a3 completed")
	assert.Contains(t, output, "class a4 running")
	assert.Contains(t, output, "class a5 skipped")
	assert.NotContains(t, output, "class a1 ")
}

func TestMermaidSafeID(t *testing.T) {
	assert.Equal(t, "a_b_c", mermaidSafeID("a.b.c"))
	assert.Equal(t, "my_step", mermaidSafeID("my-step"))
	assert.Equal(t, "simple", mermaidSafeID("simple"))
}

func TestMermaidEscapeLabel(t *testing.T) {
	assert.Equal(t, "if #quot;a#quot;", mermaidEscapeLabel(`if "a"`))
}
