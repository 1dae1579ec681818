package schema

// Empty does nothing.
type Empty struct{}

// Sequence runs its children in order.
type Sequence struct {
	Activities []*Activity
}

// Flow runs its children concurrently and declares the links between them.
type Flow struct {
	Links      []*Link
	Activities []*Activity
}

// If selects the first branch whose condition holds. A branch with a nil
// condition is the else branch. Switch activities share this body.
type If struct {
	Branches []*Branch
}

// Branch is one conditional arm of an If.
type Branch struct {
	Condition *Expression
	Activity  *Activity
}

// While repeats its child while the condition holds.
type While struct {
	Condition *Expression
	Activity  *Activity
}

// RepeatUntil repeats its child until the condition holds.
type RepeatUntil struct {
	Condition *Expression
	Activity  *Activity
}

// Pick waits for the first of several messages or alarms. Receive
// activities compile to a Pick with a single OnMessage and no alarms.
type Pick struct {
	CreateInstance bool
	OnMessages     []*OnMessage
	OnAlarms       []*OnAlarm
}

// OnMessage is one inbound message branch of a Pick.
type OnMessage struct {
	PartnerLink       *PartnerLink
	Operation         *Operation
	Variable          *Variable
	MessageExchange   string
	Route             string
	MatchCorrelations []*CorrelationSet
	JoinCorrelations  []*CorrelationSet
	InitCorrelations  []*CorrelationSet
	Activity          *Activity
}

// OnAlarm is a timed branch of a Pick or an alarm event handler. RepeatEvery
// is only meaningful on event handlers.
type OnAlarm struct {
	For         *Expression
	Until       *Expression
	RepeatEvery *Expression
	Activity    *Activity
}

// Scope is a lexical scope declaration. Scope activities, catch blocks,
// compensation handlers and onEvent handlers all carry one.
type Scope struct {
	ID                  int
	Name                string
	Parent              *Scope
	Activity            *Activity
	Variables           map[string]*Variable
	CorrelationSets     map[string]*CorrelationSet
	PartnerLinks        map[string]*PartnerLink
	FaultHandler        *FaultHandler
	CompensationHandler *Activity // Kind == KindScope
	EventHandler        *EventHandler
	Isolated            bool
	Implicit            bool
	VariableReads       []*Variable
	VariableWrites      []*Variable
}

// Variable returns the variable declared directly in the scope.
func (s *Scope) Variable(name string) *Variable {
	return s.Variables[name]
}

// FaultHandler holds a scope's catch blocks in declaration order.
type FaultHandler struct {
	Catches []*Catch
}

// Catch is a catch or catchAll block. A zero FaultName matches any fault
// name; a nil FaultVariable matches any fault data.
type Catch struct {
	FaultName        QName
	FaultVariable    *Variable // declared in Activity's scope
	FaultMessageType *MessageType
	FaultElement     QName
	Activity         *Activity // Kind == KindScope
}

// CatchAll reports whether the block is an unconditional catchAll.
func (c *Catch) CatchAll() bool {
	return c.FaultName.IsZero() && c.FaultVariable == nil
}

// EventHandler groups the alarm and message event handlers of a scope.
type EventHandler struct {
	OnAlarms []*OnAlarm
	OnEvents []*OnEvent
}

// OnEvent is a message event handler. Scope declares the event variable;
// Activity is the scope run for each received message.
type OnEvent struct {
	Scope             *Scope
	PartnerLink       *PartnerLink
	Operation         *Operation
	Variable          *Variable
	MessageExchange   string
	Route             string
	MatchCorrelations []*CorrelationSet
	JoinCorrelations  []*CorrelationSet
	InitCorrelations  []*CorrelationSet
	Activity          *Activity // Kind == KindScope
}

// ForEach iterates a counter over [StartCounter, FinalCounter].
type ForEach struct {
	CounterVariable     *Variable // declared in InnerScope
	StartCounter        *Expression
	FinalCounter        *Expression
	Parallel            bool
	CompletionCondition *CompletionCondition
	InnerScope          *Activity // Kind == KindScope
}

// CompletionCondition ends a ForEach early once BranchCount branches complete.
type CompletionCondition struct {
	BranchCount            *Expression
	SuccessfulBranchesOnly bool
}

// Invoke calls a partner operation.
type Invoke struct {
	PartnerLink            *PartnerLink
	Operation              *Operation
	InputVar               *Variable
	OutputVar              *Variable
	InitCorrelationsInput  []*CorrelationSet
	JoinCorrelationsInput  []*CorrelationSet
	InitCorrelationsOutput []*CorrelationSet
	JoinCorrelationsOutput []*CorrelationSet
}

// Reply answers an outstanding inbound request.
type Reply struct {
	PartnerLink      *PartnerLink
	Operation        *Operation
	Variable         *Variable
	FaultName        QName
	MessageExchange  string
	InitCorrelations []*CorrelationSet
	JoinCorrelations []*CorrelationSet
}

// Assign runs an ordered list of copy and extension operations.
type Assign struct {
	Operations []AssignOperation
}

// AssignOperation is a *Copy or an *ExtensionAssign.
type AssignOperation interface {
	isAssignOperation()
}

// Copy moves one r-value into one l-value.
type Copy struct {
	From                            *From
	To                              *To
	IgnoreMissingFromData           bool
	IgnoreUninitializedFromVariable bool
	InsertMissingToData             bool
}

// ExtensionAssign delegates to a registered assign extension.
type ExtensionAssign struct {
	Name   QName
	Config map[string]any
}

// EndpointRole selects an end of a partner link.
type EndpointRole string

const (
	RoleMy      EndpointRole = "myRole"
	RolePartner EndpointRole = "partnerRole"
)

// From is an assign r-value. Exactly one of the groups is set.
type From struct {
	Literal     any
	HasLiteral  bool
	Expression  *Expression
	Variable    *Variable
	Part        string
	Query       string // jq, applied after Part
	Property    *Property
	PartnerLink *PartnerLink
	Role        EndpointRole
}

// To is an assign l-value. Exactly one of the groups is set.
type To struct {
	Variable    *Variable
	Part        string
	Query       string // jq path expression
	Property    *Property
	PartnerLink *PartnerLink
}

// Throw raises a named fault.
type Throw struct {
	FaultName     QName
	FaultVariable *Variable
}

// Rethrow re-raises the fault being handled.
type Rethrow struct{}

// Compensate compensates every completed child scope of the enclosing scope.
type Compensate struct{}

// CompensateScope compensates one named child scope.
type CompensateScope struct {
	Target *Activity // Kind == KindScope
}

// Wait suspends until a duration elapses or a deadline passes.
type Wait struct {
	For   *Expression
	Until *Expression
}

// Exit terminates the process instance.
type Exit struct{}

// Extension delegates to a registered extension activity.
type Extension struct {
	Name   QName
	Config map[string]any
}

func (*Empty) isBody()           {}
func (*Sequence) isBody()        {}
func (*Flow) isBody()            {}
func (*If) isBody()              {}
func (*While) isBody()           {}
func (*RepeatUntil) isBody()     {}
func (*Pick) isBody()            {}
func (*Scope) isBody()           {}
func (*ForEach) isBody()         {}
func (*Invoke) isBody()          {}
func (*Reply) isBody()           {}
func (*Assign) isBody()          {}
func (*Throw) isBody()           {}
func (*Rethrow) isBody()         {}
func (*Compensate) isBody()      {}
func (*CompensateScope) isBody() {}
func (*Wait) isBody()            {}
func (*Exit) isBody()            {}
func (*Extension) isBody()       {}

func (*Copy) isAssignOperation()            {}
func (*ExtensionAssign) isAssignOperation() {}
