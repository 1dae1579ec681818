package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_EmptyIsValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
}

func TestValidationResult_AddError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("process.activity.links[0]", ErrCodeValidation, "link has no source")

	assert.False(t, r.Valid())
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "process.activity.links[0]", r.Errors[0].Path)
	assert.Equal(t, ErrCodeValidation, r.Errors[0].Code)
	assert.Equal(t, "link has no source", r.Errors[0].Message)
	assert.Equal(t, SeverityError, r.Errors[0].Severity)
}

func TestValidationResult_AddErrorf(t *testing.T) {
	r := &ValidationResult{}
	r.AddErrorf("flow", ErrCodeCycleDetected, "cycle through %s", "L1")

	require.Len(t, r.Errors, 1)
	assert.Equal(t, "cycle through L1", r.Errors[0].Message)
}

func TestValidationResult_AddWarning(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("reply.correlations[0]", ErrCodeValidation, "pattern coerced")

	assert.True(t, r.Valid(), "warnings alone should not make result invalid")
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
}

func TestValidationResult_MergeAndIssues(t *testing.T) {
	r1 := &ValidationResult{}
	r1.AddError("/", ErrCodeValidation, "err1")
	r1.AddWarning("/", ErrCodeValidation, "warn1")

	r2 := &ValidationResult{}
	r2.AddError("flow", ErrCodeCycleDetected, "err2")
	r1.Merge(r2)
	r1.Merge(nil)

	assert.Len(t, r1.Errors, 2)
	assert.Len(t, r1.Warnings, 1)
	issues := r1.Issues()
	require.Len(t, issues, 3)
	assert.Equal(t, SeverityWarning, issues[2].Severity)
}

func TestValidationResult_ToError(t *testing.T) {
	t.Run("warnings only", func(t *testing.T) {
		r := &ValidationResult{}
		r.AddWarning("/", ErrCodeValidation, "just a warning")
		assert.Nil(t, r.ToError())
	})

	t.Run("single error", func(t *testing.T) {
		r := &ValidationResult{}
		r.AddError("invoke", ErrCodeValidation, "operation not found")

		var e *Error
		require.ErrorAs(t, r.ToError(), &e)
		assert.Equal(t, ErrCodeValidation, e.Code)
		assert.Equal(t, "operation not found", e.Message)
		assert.Equal(t, 1, e.Details["error_count"])
	})

	t.Run("multiple errors", func(t *testing.T) {
		r := &ValidationResult{}
		r.AddError("/", ErrCodeValidation, "err1")
		r.AddError("/", ErrCodeValidation, "err2")

		var e *Error
		require.ErrorAs(t, r.ToError(), &e)
		assert.Contains(t, e.Message, "2 errors")
	})
}

func TestError_Format(t *testing.T) {
	e := NewErrorf(ErrCodeNotFound, "process %s not found", "order").WithInstance(7)
	assert.Equal(t, "[NOT_FOUND] instance 7: process order not found", e.Error())
	assert.False(t, e.IsRetryable())
	assert.True(t, NewError(ErrCodeStore, "locked").IsRetryable())
}

func TestParseQName(t *testing.T) {
	assert.Equal(t, QName{Space: "urn:x", Local: "f"}, ParseQName("{urn:x}f"))
	assert.Equal(t, QName{Local: "f"}, ParseQName(" f "))
	assert.Equal(t, "{urn:x}f", ParseQName("{urn:x}f").String())
	assert.True(t, QName{}.IsZero())
}

func TestCorrelationKey_Equal(t *testing.T) {
	a := CorrelationKey{Set: "order", Values: []string{"42"}}
	assert.True(t, a.Equal(CorrelationKey{Set: "order", Values: []string{"42"}}))
	assert.False(t, a.Equal(CorrelationKey{Set: "order", Values: []string{"43"}}))
	assert.False(t, a.Equal(CorrelationKey{Set: "other", Values: []string{"42"}}))
	assert.Equal(t, "order~42", a.String())
}

func TestActivity_EffectiveFailureHandling(t *testing.T) {
	fh := &FailureHandling{RetryFor: 2}
	scope := &Activity{Kind: KindScope, FailureHandling: fh}
	seq := &Activity{Kind: KindSequence, Parent: scope}
	invoke := &Activity{Kind: KindInvoke, Parent: seq}

	assert.Same(t, fh, invoke.EffectiveFailureHandling())
	assert.Nil(t, (&Activity{Kind: KindEmpty}).EffectiveFailureHandling())
}

func TestProcess_Register(t *testing.T) {
	p := &Process{}
	a := &Activity{Kind: KindEmpty}
	b := &Activity{Kind: KindEmpty}
	p.Register(a)
	p.Register(b)

	assert.Equal(t, 1, a.ID)
	assert.Equal(t, 2, b.ID)
	assert.Same(t, b, p.Activity(2))
	assert.Nil(t, p.Activity(3))
	assert.Same(t, p, a.Owner)
}
