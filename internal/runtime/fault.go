package runtime

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/rendis/bpelrt/pkg/schema"
)

// FaultData is a BPEL fault travelling up the activity tree.
type FaultData struct {
	Name        schema.QName
	Message     any
	MessageType *schema.MessageType
	ElementType schema.QName
	Explanation string
	ActivityID  int
	Line        int
}

func (f *FaultData) String() string {
	if f == nil {
		return "<no fault>"
	}
	s := "fault " + f.Name.String()
	if f.ActivityID != 0 {
		s += " at activity " + strconv.Itoa(f.ActivityID)
	}
	if f.Line > 0 {
		s += " line " + strconv.Itoa(f.Line)
	}
	if f.Explanation != "" {
		s += ": " + f.Explanation
	}
	return s
}

// FaultError is returned by operations that raise a BPEL fault.
type FaultError struct {
	Name        schema.QName
	Message     any
	MessageType *schema.MessageType
	Explanation string
}

// NewFault creates a FaultError.
func NewFault(name schema.QName, explanation string) *FaultError {
	return &FaultError{Name: name, Explanation: explanation}
}

// NewFaultf creates a FaultError with a formatted explanation.
func NewFaultf(name schema.QName, format string, args ...any) *FaultError {
	return &FaultError{Name: name, Explanation: fmt.Sprintf(format, args...)}
}

func (e *FaultError) Error() string {
	if e.Explanation == "" {
		return "bpel fault " + e.Name.String()
	}
	return "bpel fault " + e.Name.String() + ": " + e.Explanation
}

// AsFault extracts a FaultError from err.
func AsFault(err error) (*FaultError, bool) {
	var fe *FaultError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// InvalidProcessError reports a defect of the compiled process. It is raised
// with panic inside reactions; the soup turns it into a fatal instance error.
type InvalidProcessError struct {
	Msg   string
	Cause error
}

func (e *InvalidProcessError) Error() string {
	if e.Cause != nil {
		return "invalid process: " + e.Msg + ": " + e.Cause.Error()
	}
	return "invalid process: " + e.Msg
}

func (e *InvalidProcessError) Unwrap() error {
	return e.Cause
}

func invalidProcessf(format string, args ...any) *InvalidProcessError {
	return &InvalidProcessError{Msg: fmt.Sprintf(format, args...)}
}

// expressionError classifies an evaluation error. Compile errors and unknown
// languages are process defects and panic; runtime errors become faults.
func expressionError(expr *schema.Expression, err error) *FaultError {
	if fe, ok := AsFault(err); ok {
		return fe
	}
	var se *schema.Error
	if errors.As(err, &se) {
		switch se.Code {
		case schema.ErrCodeValidation:
			panic(&InvalidProcessError{Msg: "expression " + expr.String(), Cause: err})
		case schema.ErrCodeExpressionValue:
			return NewFault(schema.FaultInvalidExpressionValue, se.Message)
		}
	}
	return NewFault(schema.FaultSubLanguageExecution, err.Error())
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
