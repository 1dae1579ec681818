package validation_test

import (
	"testing"

	"github.com/rendis/bpelrt/internal/deploy"
	"github.com/rendis/bpelrt/internal/validation"
	"github.com/rendis/bpelrt/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLookup map[string]bool

func (m mockLookup) Has(lang string) bool { return m[lang] }

func (m mockLookup) HasExtension(name schema.QName) bool { return m[name.String()] }

func compile(t *testing.T, src string) *schema.Process {
	t.Helper()
	doc, err := deploy.Parse([]byte(src))
	require.NoError(t, err)
	p, err := deploy.Compile(doc, nil)
	require.NoError(t, err)
	return p
}

// validate runs the process validator. A nil lookup skips its checks, as
// it does for NewProcessValidator.
func validate(t *testing.T, src string, langs, exts mockLookup) *schema.ValidationResult {
	t.Helper()
	var (
		l validation.LanguageLookup
		e validation.ExtensionLookup
	)
	if langs != nil {
		l = langs
	}
	if exts != nil {
		e = exts
	}
	pv, err := validation.NewProcessValidator(l, e)
	require.NoError(t, err)
	return pv.Validate(compile(t, src))
}

const header = `
name: p
messageTypes:
  - name: msg
    parts: [{name: body}]
partnerLinks:
  - name: client
    myRole: service
    partnerRole: caller
    operations:
      - {name: start, input: msg, output: msg}
      - {name: notify, input: msg}
variables:
  - {name: m, messageType: msg}
  - {name: n, type: number}
`

func TestSemantic_Valid(t *testing.T) {
	result := validate(t, header+`
activity:
  sequence:
    activities:
      - receive: {partnerLink: client, operation: start, variable: m, createInstance: true}
      - reply: {partnerLink: client, operation: start, variable: m}
`, mockLookup{"expr": true}, nil)
	assert.True(t, result.Valid(), "%v", result.Errors)
}

func TestSemantic_NoStartActivity(t *testing.T) {
	result := validate(t, header+`
activity:
  empty:
`, nil, nil)
	assert.True(t, result.Valid(), "%v", result.Errors)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Message, "createInstance")
	assert.NoError(t, result.ToError())
}

func TestSemantic_UnknownExpressionLanguage(t *testing.T) {
	result := validate(t, header+`
activity:
  sequence:
    activities:
      - receive: {partnerLink: client, operation: start, variable: m, createInstance: true}
      - while:
          condition: {language: xpath, expression: "n < 3"}
          activity:
            empty:
`, mockLookup{"expr": true}, nil)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "xpath")
}

func TestSemantic_ExtensionNotRegistered(t *testing.T) {
	src := header + `
activity:
  sequence:
    activities:
      - receive: {partnerLink: client, operation: start, variable: m, createInstance: true}
      - extensionActivity: {extension: audit}
      - assign:
          copy:
            - extension: stamp
`
	result := validate(t, src, nil, mockLookup{"audit": true})
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "stamp")

	result = validate(t, src, nil, mockLookup{"audit": true, "stamp": true})
	assert.True(t, result.Valid())
}

func TestSemantic_ReplyToOneWay(t *testing.T) {
	result := validate(t, header+`
activity:
  sequence:
    activities:
      - receive: {partnerLink: client, operation: notify, variable: m, createInstance: true}
      - reply: {partnerLink: client, operation: notify, variable: m}
`, nil, nil)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "one-way")
}

func TestSemantic_RethrowOutsideCatch(t *testing.T) {
	result := validate(t, header+`
activity:
  sequence:
    activities:
      - receive: {partnerLink: client, operation: start, variable: m, createInstance: true}
      - rethrow:
`, nil, nil)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "rethrow")
}

func TestSemantic_CompensatePlacement(t *testing.T) {
	t.Run("in body", func(t *testing.T) {
		result := validate(t, header+`
activity:
  sequence:
    activities:
      - receive: {partnerLink: client, operation: start, variable: m, createInstance: true}
      - compensate:
`, nil, nil)
		require.Len(t, result.Errors, 1)
	})

	t.Run("in catch", func(t *testing.T) {
		result := validate(t, header+`
faultHandlers:
  - activity:
      sequence:
        activities:
          - compensateScope: {target: inner}
          - compensate:
          - rethrow:
activity:
  sequence:
    activities:
      - receive: {partnerLink: client, operation: start, variable: m, createInstance: true}
      - scope:
          name: inner
          activity:
            empty:
`, nil, nil)
		assert.True(t, result.Valid(), "%v", result.Errors)
	})
}

func TestSemantic_CompensateScopeTargetNotImmediate(t *testing.T) {
	result := validate(t, header+`
faultHandlers:
  - activity:
      compensateScope: {target: deep}
activity:
  sequence:
    activities:
      - receive: {partnerLink: client, operation: start, variable: m, createInstance: true}
      - scope:
          name: outer
          activity:
            scope:
              name: deep
              activity:
                empty:
`, nil, nil)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "immediate child")
}

func TestSemantic_DuplicateCatch(t *testing.T) {
	result := validate(t, header+`
faultHandlers:
  - faultName: bpel:selectionFailure
    activity:
      empty:
  - faultName: bpel:selectionFailure
    activity:
      exit:
  - activity:
      empty:
  - activity:
      exit:
activity:
  receive: {partnerLink: client, operation: start, variable: m, createInstance: true}
`, nil, nil)
	require.Len(t, result.Errors, 2)
	assert.Contains(t, result.Errors[0].Message, "duplicate catch")
	assert.Contains(t, result.Errors[1].Message, "catchAll")
}

func TestSemantic_NestedIsolatedScopes(t *testing.T) {
	result := validate(t, header+`
activity:
  sequence:
    activities:
      - receive: {partnerLink: client, operation: start, variable: m, createInstance: true}
      - scope:
          isolated: true
          activity:
            scope:
              isolated: true
              activity:
                empty:
`, nil, nil)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "isolated")
}

func TestSemantic_HighRetryWarning(t *testing.T) {
	result := validate(t, header+`
activity:
  sequence:
    failureHandling: {retryFor: 50, retryDelay: 1}
    activities:
      - receive: {partnerLink: client, operation: start, variable: m, createInstance: true}
`, nil, nil)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Message, "retry")
}

func TestProcessValidator_Nil(t *testing.T) {
	pv, err := validation.NewProcessValidator(nil, nil)
	require.NoError(t, err)
	assert.False(t, pv.Validate(nil).Valid())
	assert.Error(t, pv.ValidateProcess(nil))
}
