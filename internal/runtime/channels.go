package runtime

import (
	"github.com/rendis/bpelrt/internal/jacob"
	"github.com/rendis/bpelrt/pkg/schema"
)

// Channel types used between activity instances and with the host.
type (
	// TerminationChan carries termination requests. Senders use
	// SendReplicated so that repeated requests are harmless.
	TerminationChan = jacob.Chan[struct{}]
	// SynchChan is a plain acknowledgement.
	SynchChan = jacob.Chan[struct{}]
	// LinkStatusChan carries the status of one link.
	LinkStatusChan = jacob.Chan[bool]
	// ControlChan carries the graceful stop request of an event handler.
	ControlChan = jacob.Chan[struct{}]
	// PickResponseChan answers a Select.
	PickResponseChan = jacob.Chan[PickResponse]
	// InvokeResponseChan answers a two-way Invoke.
	InvokeResponseChan = jacob.Chan[InvokeResponse]
	// TimerChan answers a registered timer.
	TimerChan = jacob.Chan[TimerResponse]
	// RecoveryChan carries an operator's recovery action.
	RecoveryChan = jacob.Chan[RecoveryAction]
	// CompensationChan drives an installed compensation handler.
	CompensationChan = jacob.Chan[CompensationRequest]
)

// PickResponseKind tells how a Select was answered.
type PickResponseKind int

const (
	PickRequest PickResponseKind = iota
	PickTimeout
	PickCancelled
)

// Request is an inbound message delivered to a selector.
type Request struct {
	MexID     string
	Message   schema.Message
	SourceEPR *schema.EndpointReference
	SessionID string
}

// PickResponse is the answer to a Select.
type PickResponse struct {
	Kind     PickResponseKind
	Selector int
	Request  *Request
}

// InvokeResponseKind tells how a partner call ended.
type InvokeResponseKind int

const (
	InvokeReplied InvokeResponseKind = iota
	InvokeFaulted
	// InvokeFailed is a communication failure, not a business fault.
	InvokeFailed
)

// InvokeResponse is the outcome of a two-way partner call.
type InvokeResponse struct {
	Kind        InvokeResponseKind
	Message     schema.Message
	FaultName   schema.QName
	MessageType *schema.MessageType
	Reason      string
	SourceEPR   *schema.EndpointReference
	SessionID   string
}

// TimerResponse reports a fired or cancelled timer.
type TimerResponse struct {
	Cancelled bool
}

// Recovery actions accepted by an activity awaiting recovery.
const (
	RecoveryRetry  = "retry"
	RecoveryCancel = "cancel"
	RecoveryFault  = "fault"
)

// RecoveryAction is an operator decision for a failed activity. Fault is
// only used by RecoveryFault and may be nil.
type RecoveryAction struct {
	Action string
	Fault  *FaultData
}

// CompensationRequest either forgets an installed handler or runs it and
// acknowledges on Ack.
type CompensationRequest struct {
	Forget bool
	Ack    SynchChan
}

type parentSignal int

const (
	signalCompleted parentSignal = iota
	signalCancelled
	signalFailure
	signalCompensate
)

// ParentMessage is what an activity reports to its parent.
type ParentMessage struct {
	signal        parentSignal
	Fault         *FaultData
	Compensations []*CompensationHandler
	Reason        string
	Data          any
	Scope         *schema.Scope
	Ack           SynchChan
}

// ParentChan is the upward channel of an activity instance.
type ParentChan struct {
	jacob.Chan[ParentMessage]
}

func newParentChan(s *jacob.Soup, desc string) ParentChan {
	return ParentChan{jacob.NewChan[ParentMessage](s, desc)}
}

// Completed reports completion, with a fault or not, and the compensation
// handlers the activity leaves behind.
func (p ParentChan) Completed(fault *FaultData, comps []*CompensationHandler) {
	p.Send(ParentMessage{signal: signalCompleted, Fault: fault, Compensations: comps})
}

// Cancelled reports that the activity was skipped by a recovery action or
// terminated before it did anything.
func (p ParentChan) Cancelled() {
	p.Send(ParentMessage{signal: signalCancelled})
}

// Failure reports an activity failure to the guard.
func (p ParentChan) Failure(reason string, data any) {
	p.Send(ParentMessage{signal: signalFailure, Reason: reason, Data: data})
}

// Compensate asks the enclosing scope to compensate scope (all completed
// child scopes when nil) and acknowledge on ack.
func (p ParentChan) Compensate(scope *schema.Scope, ack SynchChan) {
	p.Send(ParentMessage{signal: signalCompensate, Scope: scope, Ack: ack})
}

// ParentHandlers receives the messages of a ParentChan. Cancelled and
// Failure default to a clean completion with no compensations.
type ParentHandlers struct {
	Completed  func(fault *FaultData, comps []*CompensationHandler)
	Cancelled  func()
	Failure    func(reason string, data any)
	Compensate func(scope *schema.Scope, ack SynchChan)
}

// On builds the listener dispatching to h.
func (p ParentChan) On(h ParentHandlers) jacob.Listener {
	return p.Chan.On(func(m ParentMessage) {
		switch m.signal {
		case signalCompleted:
			h.Completed(m.Fault, m.Compensations)
		case signalCancelled:
			if h.Cancelled != nil {
				h.Cancelled()
				return
			}
			h.Completed(nil, nil)
		case signalFailure:
			if h.Failure != nil {
				h.Failure(m.Reason, m.Data)
				return
			}
			h.Completed(nil, nil)
		case signalCompensate:
			if h.Compensate == nil {
				panic(invalidProcessf("unexpected compensate request on %s", p))
			}
			h.Compensate(m.Scope, m.Ack)
		}
	})
}

// ActivityInfo is the runtime identity of one activity instance.
type ActivityInfo struct {
	ID     int64
	O      *schema.Activity
	Self   TerminationChan
	Parent ParentChan
}

func (ai *ActivityInfo) String() string {
	return ai.O.String() + "#" + itoa(ai.ID)
}
