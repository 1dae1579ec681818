package schema

import "strings"

// QName is a namespace-qualified name.
type QName struct {
	Space string `json:"ns,omitempty"`
	Local string `json:"local"`
}

// ParseQName accepts "{namespace}local" or a bare local name.
func ParseQName(s string) QName {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "{") {
		if end := strings.Index(s, "}"); end > 0 {
			return QName{Space: s[1:end], Local: s[end+1:]}
		}
	}
	return QName{Local: s}
}

// IsZero reports whether the name is unset.
func (q QName) IsZero() bool {
	return q.Space == "" && q.Local == ""
}

func (q QName) String() string {
	if q.Space == "" {
		return q.Local
	}
	return "{" + q.Space + "}" + q.Local
}

// Standard fault namespaces.
const (
	BPELNamespace     = "http://docs.oasis-open.org/wsbpel/2.0/process/executable"
	RecoveryNamespace = "urn:bpelrt:activity-recovery"
)

// Standard faults raised by the runtime itself.
var (
	FaultJoinFailure              = QName{BPELNamespace, "joinFailure"}
	FaultSelectionFailure         = QName{BPELNamespace, "selectionFailure"}
	FaultUninitializedVariable    = QName{BPELNamespace, "uninitializedVariable"}
	FaultCorrelationViolation     = QName{BPELNamespace, "correlationViolation"}
	FaultInvalidBranchCondition   = QName{BPELNamespace, "invalidBranchCondition"}
	FaultForEachCounterError      = QName{BPELNamespace, "forEachCounterError"}
	FaultConflictingReceive       = QName{BPELNamespace, "conflictingReceive"}
	FaultConflictingRequest       = QName{BPELNamespace, "conflictingRequest"}
	FaultMissingReply             = QName{BPELNamespace, "missingReply"}
	FaultMissingRequest           = QName{BPELNamespace, "missingRequest"}
	FaultMismatchedAssignment     = QName{BPELNamespace, "mismatchedAssignmentFailure"}
	FaultInvalidExpressionValue   = QName{BPELNamespace, "invalidExpressionValue"}
	FaultSubLanguageExecution     = QName{BPELNamespace, "subLanguageExecutionFault"}
	FaultUninitializedPartnerRole = QName{BPELNamespace, "uninitializedPartnerRole"}
	FaultUnsupportedReference     = QName{BPELNamespace, "unsupportedReference"}
	FaultInvalidVariables         = QName{BPELNamespace, "invalidVariables"}
	FaultActivityFailure          = QName{RecoveryNamespace, "activityFailure"}
)
