package deploy

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/rendis/bpelrt/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func compileSrc(t *testing.T, src string) (*schema.Process, error) {
	t.Helper()
	doc, err := Parse([]byte(src))
	require.NoError(t, err)
	return Compile(doc, nil)
}

func mustCompile(t *testing.T, src string) *schema.Process {
	t.Helper()
	p, err := compileSrc(t, src)
	require.NoError(t, err)
	return p
}

func findActivity(t *testing.T, p *schema.Process, name string) *schema.Activity {
	t.Helper()
	for _, a := range p.Activities() {
		if a.Name == name {
			return a
		}
	}
	t.Fatalf("activity %q not found", name)
	return nil
}

const decls = `
name: orders
targetNamespace: urn:orders
namespaces:
  ord: urn:orders
messageTypes:
  - name: orderMsg
    parts: [{name: order, type: object}]
  - name: faultMsg
    parts: [{name: reason, type: string}]
properties:
  - {name: orderId, type: string}
propertyAliases:
  - {property: orderId, messageType: orderMsg, part: order, query: .id}
correlationSets:
  - {name: byOrder, properties: [orderId]}
partnerLinks:
  - name: client
    myRole: service
    operations:
      - {name: place, input: orderMsg, output: orderMsg, faults: {rejected: faultMsg}}
      - {name: cancel, input: orderMsg}
  - name: billing
    partnerRole: biller
    operations:
      - {name: charge, input: orderMsg, output: orderMsg}
variables:
  - {name: order, messageType: orderMsg}
  - {name: total, type: number}
  - {name: audit, type: object}
`

func TestCompile_Basics(t *testing.T) {
	p := mustCompile(t, decls+`
activity:
  sequence:
    name: main
    activities:
      - receive:
          name: start
          partnerLink: client
          operation: place
          variable: order
          createInstance: true
          correlations: [{set: byOrder, initiate: "yes"}]
      - assign:
          name: init
          copy:
            - from: {literal: {count: 1, tags: [a, b]}}
              to: {variable: audit}
            - from: {variable: order, property: orderId}
              to: {variable: total}
      - throw: {name: boom, faultName: "ord:rejected"}
`)

	assert.Equal(t, schema.QName{Space: "urn:orders", Local: "orders"}, p.Name)
	assert.Equal(t, "expr", p.ExpressionLanguage)
	require.NotNil(t, p.Root.Scope())
	assert.Len(t, p.Root.Scope().Variables, 3)

	start := findActivity(t, p, "start")
	assert.Equal(t, schema.KindReceive, start.Kind)
	pick := start.Body.(*schema.Pick)
	assert.True(t, pick.CreateInstance)
	require.Len(t, pick.OnMessages, 1)
	om := pick.OnMessages[0]
	assert.Equal(t, "place", om.Operation.Name)
	assert.Same(t, p.Root.Scope().Variables["order"], om.Variable)
	require.Len(t, om.InitCorrelations, 1)
	assert.Equal(t, "byOrder", om.InitCorrelations[0].Name)

	init := findActivity(t, p, "init").Body.(*schema.Assign)
	require.Len(t, init.Operations, 2)
	lit := init.Operations[0].(*schema.Copy).From
	assert.True(t, lit.HasLiteral)
	assert.Equal(t, map[string]any{"count": 1, "tags": []any{"a", "b"}}, lit.Literal)
	prop := init.Operations[1].(*schema.Copy).From
	assert.Equal(t, "orderId", prop.Property.Name.Local)

	boom := findActivity(t, p, "boom").Body.(*schema.Throw)
	assert.Equal(t, schema.QName{Space: "urn:orders", Local: "rejected"}, boom.FaultName)
}

func TestCompile_Literals(t *testing.T) {
	tests := []struct {
		name    string
		literal string
		want    any
	}{
		{"zero", "0", 0},
		{"string", "hello", "hello"},
		{"null", "null", nil},
		{"list", "[1, 2]", []any{1, 2}},
		{"map", "{a: {b: true}}", map[string]any{"a": map[string]any{"b": true}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := mustCompile(t, decls+`
activity:
  assign:
    name: set
    copy: [{from: {literal: `+tt.literal+`}, to: {variable: audit}}]
`)
			from := findActivity(t, p, "set").Body.(*schema.Assign).Operations[0].(*schema.Copy).From
			assert.True(t, from.HasLiteral)
			assert.Equal(t, tt.want, from.Literal)
		})
	}
}

func TestCompile_FlowLinks(t *testing.T) {
	p := mustCompile(t, decls+`
suppressJoinFailure: true
activity:
  flow:
    name: f
    links: [ab]
    activities:
      - sequence:
          name: left
          activities:
            - empty: {name: a, sources: [{link: ab, transitionCondition: "total > 1"}]}
      - empty:
          name: b
          suppressJoinFailure: false
          targets: [ab]
          joinCondition: ab
`)
	f := findActivity(t, p, "f")
	link := f.Body.(*schema.Flow).Links[0]
	a, b := findActivity(t, p, "a"), findActivity(t, p, "b")
	assert.Same(t, a, link.Source)
	assert.Same(t, b, link.Target)
	assert.Equal(t, "total > 1", link.TransitionCondition.Text)
	assert.Equal(t, "ab", b.JoinCondition.Text)

	// Outgoing marks every activity between the source and the flow.
	left := findActivity(t, p, "left")
	assert.Equal(t, []*schema.Link{link}, left.Outgoing)

	assert.True(t, a.SuppressJoinFailure, "inherited from the process")
	assert.False(t, b.SuppressJoinFailure)
}

func TestCompile_OutgoingSkipsInnerLinks(t *testing.T) {
	p := mustCompile(t, decls+`
activity:
  flow:
    links: [inner, out]
    activities:
      - sequence:
          name: both
          activities:
            - empty: {name: a, sources: [{link: inner}, {link: out}]}
            - empty: {name: b, targets: [inner]}
      - empty: {name: c, targets: [out]}
`)
	both := findActivity(t, p, "both")
	require.Len(t, both.Outgoing, 1)
	assert.Equal(t, "out", both.Outgoing[0].Name)
}

func TestCompile_ImplicitScopes(t *testing.T) {
	p := mustCompile(t, decls+`
faultHandlers:
  - faultName: ord:rejected
    faultVariable: why
    faultMessageType: faultMsg
    activity:
      empty: {name: handled}
eventHandlers:
  onEvent:
    - partnerLink: client
      operation: cancel
      variable: cancelReq
      activity:
        exit: {name: stop}
activity:
  forEach:
    name: each
    counterName: i
    startCounterValue: "1"
    finalCounterValue: "3"
    scope:
      empty: {name: body}
`)
	catch := p.Root.Scope().FaultHandler.Catches[0]
	require.Equal(t, schema.KindScope, catch.Activity.Kind)
	assert.True(t, catch.Activity.Scope().Implicit)
	require.NotNil(t, catch.FaultVariable)
	assert.Equal(t, "faultMsg", catch.FaultVariable.MessageType.Name.Local)
	assert.Same(t, catch.Activity.Scope(), catch.FaultVariable.DeclaringScope)

	ev := p.Root.Scope().EventHandler.OnEvents[0]
	require.NotNil(t, ev.Variable)
	assert.Same(t, ev.Scope, ev.Variable.DeclaringScope)
	assert.Equal(t, "orderMsg", ev.Variable.MessageType.Name.Local, "typed by the operation input")
	assert.Same(t, ev.Scope, ev.Activity.Scope().Parent)

	fe := findActivity(t, p, "each").Body.(*schema.ForEach)
	require.NotNil(t, fe.CounterVariable)
	assert.Equal(t, "i", fe.CounterVariable.Name)
	assert.Same(t, fe.InnerScope.Scope(), fe.CounterVariable.DeclaringScope)
}

func TestCompile_InvokeWithInlineHandlers(t *testing.T) {
	p := mustCompile(t, decls+`
activity:
  invoke:
    name: charge
    partnerLink: billing
    operation: charge
    inputVariable: order
    outputVariable: order
    correlations:
      - {set: byOrder, initiate: join, pattern: request-response}
    faultHandlers:
      - activity:
          empty:
    compensationHandler:
      empty:
`)
	outer := findActivity(t, p, "charge")
	require.Equal(t, schema.KindScope, outer.Kind)
	s := outer.Scope()
	assert.True(t, s.Implicit)
	require.NotNil(t, s.CompensationHandler)
	require.Len(t, s.FaultHandler.Catches, 1)

	inner := s.Activity
	require.Equal(t, schema.KindInvoke, inner.Kind)
	inv := inner.Body.(*schema.Invoke)
	assert.Len(t, inv.JoinCorrelationsInput, 1)
	assert.Len(t, inv.JoinCorrelationsOutput, 1)
	assert.Empty(t, inv.InitCorrelationsInput)
}

func TestCompile_IsolatedScopeAccessSets(t *testing.T) {
	p := mustCompile(t, decls+`
activity:
  scope:
    name: iso
    isolated: true
    variables:
      - {name: local, type: number}
    activity:
      assign:
        copy:
          - from: {expression: "total + local"}
            to: {variable: audit}
`)
	s := findActivity(t, p, "iso").Scope()
	vars := p.Root.Scope().Variables
	assert.Equal(t, []*schema.Variable{vars["total"]}, s.VariableReads)
	assert.Equal(t, []*schema.Variable{vars["audit"]}, s.VariableWrites)
}

func TestCompile_CompensateScopeTarget(t *testing.T) {
	p := mustCompile(t, decls+`
faultHandlers:
  - activity:
      compensateScope: {name: undo, target: work}
activity:
  scope:
    name: work
    activity:
      empty:
`)
	undo := findActivity(t, p, "undo").Body.(*schema.CompensateScope)
	assert.Same(t, findActivity(t, p, "work"), undo.Target)
}

func TestCompile_ReplyPatternCoerced(t *testing.T) {
	var buf bytes.Buffer
	doc, err := Parse([]byte(decls + `
activity:
  reply:
    name: answer
    partnerLink: client
    operation: place
    variable: order
    correlations: [{set: byOrder, initiate: "yes", pattern: in}]
`))
	require.NoError(t, err)
	p, err := Compile(doc, slog.New(slog.NewTextHandler(&buf, nil)))
	require.NoError(t, err)

	r := findActivity(t, p, "answer").Body.(*schema.Reply)
	assert.Len(t, r.InitCorrelations, 1)
	assert.Contains(t, buf.String(), "correlation pattern on reply is ignored")
}

func TestCompile_ErrorsAreAggregated(t *testing.T) {
	_, err := compileSrc(t, decls+`
activity:
  sequence:
    activities:
      - invoke:
          partnerLink: billing
          operation: charge
          inputVariable: nope
          correlations: [{set: byOrder, initiate: "yes", pattern: sideways}]
      - receive: {partnerLink: ghost, operation: x}
      - empty: {targets: [missing]}
      - teleport:
`)
	require.Error(t, err)
	errs := multierr.Errors(err)
	require.Len(t, errs, 5)
	assert.Contains(t, errs[0].Error(), `variable "nope"`)
	assert.Contains(t, errs[1].Error(), "invalid invoke pattern")
	assert.Contains(t, errs[2].Error(), `partner link "ghost"`)
	assert.Contains(t, errs[3].Error(), `link "missing"`)
	assert.Contains(t, errs[4].Error(), "unknown activity kind")
}

func TestCompile_LinkWithoutTarget(t *testing.T) {
	_, err := compileSrc(t, decls+`
activity:
  flow:
    links: [dangling]
    activities:
      - empty: {sources: [{link: dangling}]}
`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs both a source and a target")
}
