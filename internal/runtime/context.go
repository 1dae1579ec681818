package runtime

import (
	"context"
	"time"

	"github.com/rendis/bpelrt/pkg/schema"
)

// VariableInstance addresses one variable of one scope instance.
type VariableInstance struct {
	ScopeInstance int64
	Decl          *schema.Variable
}

// CorrelationSetInstance addresses one correlation set of one scope instance.
type CorrelationSetInstance struct {
	ScopeInstance int64
	Decl          *schema.CorrelationSet
}

// PartnerLinkInstance addresses one partner link of one scope instance.
type PartnerLinkInstance struct {
	ScopeInstance int64
	Decl          *schema.PartnerLink
}

// Selector describes one inbound message the instance is prepared to accept.
// An empty Keys list only matches instance-creating messages. Sets holds the
// correlation set of each key; it is nil for the opaque session key.
type Selector struct {
	Index           int
	PartnerLink     PartnerLinkInstance
	Operation       *schema.Operation
	MessageExchange string
	Keys            []schema.CorrelationKey
	Sets            []*schema.CorrelationSet
	Route           string
}

// ExpressionRuntime evaluates expressions and assign queries.
// *expressions.Registry implements it.
type ExpressionRuntime interface {
	Evaluate(ctx context.Context, expr *schema.Expression, data map[string]any) (any, error)
	EvaluateAsBoolean(ctx context.Context, expr *schema.Expression, data map[string]any) (bool, error)
	EvaluateAsNumber(ctx context.Context, expr *schema.Expression, data map[string]any) (float64, error)
	EvaluateAsDuration(ctx context.Context, expr *schema.Expression, data map[string]any) (schema.Duration, error)
	EvaluateAsDate(ctx context.Context, expr *schema.Expression, data map[string]any) (time.Time, error)
	Query(ctx context.Context, query string, input any) (any, bool, error)
	SetPath(ctx context.Context, query string, doc, value any) (any, error)
}

// VariableStore reads and writes variable data. ReadVariable reports
// ok=false for a variable that was never written.
type VariableStore interface {
	CreateScopeInstance(parentInstance int64, scope *schema.Scope) (int64, error)
	ReadVariable(v VariableInstance) (value any, ok bool, err error)
	WriteVariable(v VariableInstance, value any) error
	// ReadExtVar returns nil when the external record does not exist.
	ReadExtVar(decl *schema.Variable, ref any) (any, error)
	// WriteExtVar stores value and returns the (possibly new) reference.
	WriteExtVar(decl *schema.Variable, ref any, value any) (any, error)
}

// PartnerLinks manages endpoint references of partner links.
type PartnerLinks interface {
	InitializePartnerLinks(scopeInstance int64, links []*schema.PartnerLink) error
	// FetchEndpoint returns nil for an uninitialized endpoint.
	FetchEndpoint(pl PartnerLinkInstance, role schema.EndpointRole) (*schema.EndpointReference, error)
	WriteEndpoint(pl PartnerLinkInstance, epr *schema.EndpointReference) error
	FetchMySessionID(pl PartnerLinkInstance) (string, error)
	InitializePartnersSessionID(pl PartnerLinkInstance, sessionID string) error
}

// Correlations stores correlation set values.
type Correlations interface {
	ReadCorrelation(cs CorrelationSetInstance) (key schema.CorrelationKey, ok bool, err error)
	WriteCorrelation(cs CorrelationSetInstance, key schema.CorrelationKey) error
}

// Messaging selects inbound messages, replies to them and invokes partners.
// Every answer to Select and Invoke arrives on the channel passed in.
type Messaging interface {
	// Select waits for the first matching message or the timeout; a zero
	// timeout never fires.
	Select(resp PickResponseChan, timeout time.Time, createInstance bool, selectors []Selector) error
	// CancelSelect withdraws a pending Select. The host answers with
	// PickCancelled unless a response was already sent.
	CancelSelect(resp PickResponseChan)
	ProcessOutstandingRequest(pl PartnerLinkInstance, operation, messageExchange, mexID string) error
	Reply(pl PartnerLinkInstance, operation, messageExchange string, msg schema.Message, fault schema.QName) error
	// Invoke starts a partner call. resp is the zero channel for one-way
	// operations.
	Invoke(activityID int64, pl PartnerLinkInstance, op *schema.Operation, msg schema.Message, resp InvokeResponseChan) (mexID string, err error)
}

// Timers registers one-shot timers. A cancelled timer answers with
// TimerResponse{Cancelled: true} unless it already fired.
type Timers interface {
	RegisterTimer(ch TimerChan, at time.Time) error
	CancelTimer(ch TimerChan)
}

// Recovery exposes failed activities to operators.
type Recovery interface {
	RegisterActivityForRecovery(ch RecoveryChan, activityID int64, reason string, data any, actions []string, retries int) error
	UnregisterActivityForRecovery(ch RecoveryChan)
}

// EventSink receives lifecycle events.
type EventSink interface {
	SendEvent(ev schema.ProcessEvent)
}

// Context is everything the interpreter needs from its host. All methods are
// called from reactions of a single soup and must not block.
type Context interface {
	VariableStore
	PartnerLinks
	Correlations
	Messaging
	Timers
	Recovery
	EventSink

	InstanceID() int64
	// GenID returns a new instance-local identifier; values increase
	// monotonically.
	GenID() int64
	Now() time.Time
	Expressions() ExpressionRuntime
	// Extension returns the handler for an extension activity or assign
	// operation.
	Extension(name schema.QName) (ExtensionHandler, bool)

	CompletedOK()
	CompletedFault(fault *FaultData)
	// Terminate ends the instance on behalf of an exit activity.
	Terminate()
}

// ExtensionHandler implements an extension activity or assign operation.
// Returning a *FaultError raises a BPEL fault; any other error is an
// activity failure.
type ExtensionHandler interface {
	Run(ctx ExtensionContext, config map[string]any) error
}

// ExtensionContext gives extensions access to the variables visible from
// the activity.
type ExtensionContext interface {
	Context() context.Context
	ActivityName() string
	InstanceID() int64
	ReadVariable(name string) (any, error)
	WriteVariable(name string, value any) error
}
