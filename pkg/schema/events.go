package schema

// Event type constants for the process event log.
const (
	EventInstanceCreated      = "instance_created"
	EventInstanceStateChanged = "instance_state_changed"
	EventProcessCompleted     = "process_completed"
	EventProcessFaulted       = "process_faulted"
	EventProcessTerminated    = "process_terminated"
	EventProcessError         = "process_error"

	EventScopeStart      = "scope_start"
	EventScopeCompletion = "scope_completion"
	EventScopeFault      = "scope_fault"

	EventActivityEnabled   = "activity_enabled"
	EventActivityExecStart = "activity_exec_start"
	EventActivityExecEnd   = "activity_exec_end"
	EventActivityDisabled  = "activity_disabled"
	EventActivityFailure   = "activity_failure"
	EventActivityRecovery  = "activity_recovery"

	EventVariableRead         = "variable_read"
	EventVariableModification = "variable_modification"
	EventCorrelationSet       = "correlation_set"
	EventPartnerLinkModified  = "partner_link_modification"

	EventCompensationRegistered = "compensation_registered"
	EventCompensationInvoked    = "compensation_invoked"

	EventMessageReceived = "message_received"
	EventMessageQueued   = "message_queued"
	EventReplySent       = "reply_sent"
	EventPartnerInvoked  = "partner_invoked"

	EventCircuitBreakerOpen     = "circuit_breaker_open"
	EventCircuitBreakerHalfOpen = "circuit_breaker_half_open"
	EventCircuitBreakerClosed   = "circuit_breaker_closed"
)

// InstanceStatus represents the lifecycle state of a process instance.
type InstanceStatus string

const (
	InstanceStatusNew        InstanceStatus = "new"
	InstanceStatusActive     InstanceStatus = "active"
	InstanceStatusSuspended  InstanceStatus = "suspended"
	InstanceStatusCompleted  InstanceStatus = "completed"
	InstanceStatusFaulted    InstanceStatus = "faulted"
	InstanceStatusTerminated InstanceStatus = "terminated"
	InstanceStatusError      InstanceStatus = "error"
)

// Terminal reports whether no further transition is possible from the status.
func (s InstanceStatus) Terminal() bool {
	switch s {
	case InstanceStatusCompleted, InstanceStatusFaulted, InstanceStatusTerminated, InstanceStatusError:
		return true
	}
	return false
}

// ProcessEvent is a structured lifecycle event emitted by the runtime.
// Fields that do not apply to a given event type are left zero.
type ProcessEvent struct {
	Type            string         `json:"type"`
	ActivityID      int            `json:"activity_id,omitempty"`
	ActivityInstID  int64          `json:"activity_instance_id,omitempty"`
	ActivityName    string         `json:"activity_name,omitempty"`
	ActivityKind    ActivityKind   `json:"activity_kind,omitempty"`
	ScopeID         int            `json:"scope_id,omitempty"`
	ScopeName       string         `json:"scope_name,omitempty"`
	ScopeInstanceID int64          `json:"scope_instance_id,omitempty"`
	ParentScopeID   int64          `json:"parent_scope_instance_id,omitempty"`
	Variable        string         `json:"variable,omitempty"`
	NewValue        any            `json:"new_value,omitempty"`
	FaultName       string         `json:"fault_name,omitempty"`
	Line            int            `json:"line,omitempty"`
	Details         map[string]any `json:"details,omitempty"`
}
