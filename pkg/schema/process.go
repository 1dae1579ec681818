package schema

// Process is the compiled, immutable representation of a deployed BPEL process.
// It is produced once at load time and shared by every instance.
type Process struct {
	Name               QName
	ExpressionLanguage string
	Root               *Activity // process scope; Kind == KindScope
	MessageTypes       map[string]*MessageType
	Properties         map[string]*Property
	PropertyAliases    []*PropertyAlias

	activities []*Activity
	scopes     []*Scope
}

// Register indexes an activity, assigning it the next activity ID.
// Loaders call it in document order.
func (p *Process) Register(a *Activity) {
	p.activities = append(p.activities, a)
	a.ID = len(p.activities)
	a.Owner = p
}

// RegisterScope indexes a scope declaration, assigning it the next scope ID.
func (p *Process) RegisterScope(s *Scope) {
	p.scopes = append(p.scopes, s)
	s.ID = len(p.scopes)
}

// Activity returns the activity with the given ID, or nil.
func (p *Process) Activity(id int) *Activity {
	if id < 1 || id > len(p.activities) {
		return nil
	}
	return p.activities[id-1]
}

// Activities returns all registered activities in ID order.
func (p *Process) Activities() []*Activity {
	return p.activities
}

// Scopes returns all registered scope declarations in ID order.
func (p *Process) Scopes() []*Scope {
	return p.scopes
}

// ResolveLinks fills Activity.Outgoing for every registered activity: the
// links whose source lies inside the activity and whose target lies outside
// it. It must run after all activities and flows are registered.
func (p *Process) ResolveLinks() {
	for _, a := range p.activities {
		a.Outgoing = nil
	}
	for _, a := range p.activities {
		flow, ok := a.Body.(*Flow)
		if !ok {
			continue
		}
		for _, l := range flow.Links {
			if l.Source == nil {
				continue
			}
			for cur := l.Source.Parent; cur != nil && cur != a; cur = cur.Parent {
				if l.Target != nil && l.Target.Within(cur) {
					break
				}
				cur.Outgoing = append(cur.Outgoing, l)
			}
		}
	}
}

// Alias returns the property alias mapping property onto messageType, or nil.
func (p *Process) Alias(property QName, messageType QName) *PropertyAlias {
	for _, a := range p.PropertyAliases {
		if a.Property == property && a.MessageType == messageType {
			return a
		}
	}
	return nil
}

// ActivityKind enumerates the compiled activity variants.
type ActivityKind string

const (
	KindEmpty           ActivityKind = "empty"
	KindSequence        ActivityKind = "sequence"
	KindFlow            ActivityKind = "flow"
	KindIf              ActivityKind = "if"
	KindSwitch          ActivityKind = "switch"
	KindWhile           ActivityKind = "while"
	KindRepeatUntil     ActivityKind = "repeatUntil"
	KindPick            ActivityKind = "pick"
	KindReceive         ActivityKind = "receive"
	KindScope           ActivityKind = "scope"
	KindForEach         ActivityKind = "forEach"
	KindInvoke          ActivityKind = "invoke"
	KindReply           ActivityKind = "reply"
	KindAssign          ActivityKind = "assign"
	KindThrow           ActivityKind = "throw"
	KindRethrow         ActivityKind = "rethrow"
	KindCompensate      ActivityKind = "compensate"
	KindCompensateScope ActivityKind = "compensateScope"
	KindWait            ActivityKind = "wait"
	KindExit            ActivityKind = "exit"
	KindExtension       ActivityKind = "extensionActivity"
)

// Activity is the common header of every compiled activity. Body holds the
// kind-specific definition.
type Activity struct {
	ID                  int
	Name                string
	Kind                ActivityKind
	Owner               *Process
	Parent              *Activity
	JoinCondition       *Expression
	SuppressJoinFailure bool
	Targets             []*Link
	Sources             []*Link
	Outgoing            []*Link // links leaving the subtree from a nested source
	FailureHandling     *FailureHandling
	Line                int
	Body                Body
}

// Scope returns the scope body of a scope activity, or nil.
func (a *Activity) Scope() *Scope {
	s, _ := a.Body.(*Scope)
	return s
}

// EffectiveFailureHandling returns the activity's failure policy, inherited
// from the nearest enclosing activity that declares one.
func (a *Activity) EffectiveFailureHandling() *FailureHandling {
	for cur := a; cur != nil; cur = cur.Parent {
		if cur.FailureHandling != nil {
			return cur.FailureHandling
		}
	}
	return nil
}

// Within reports whether a is anc or nested inside it.
func (a *Activity) Within(anc *Activity) bool {
	for cur := a; cur != nil; cur = cur.Parent {
		if cur == anc {
			return true
		}
	}
	return false
}

func (a *Activity) String() string {
	if a.Name != "" {
		return string(a.Kind) + "(" + a.Name + ")"
	}
	return string(a.Kind)
}

// Body is implemented by every kind-specific activity definition.
type Body interface {
	isBody()
}

// Link is a synchronization link declared by a flow.
type Link struct {
	ID                  int
	Name                string
	DeclaringFlow       *Activity
	Source              *Activity
	Target              *Activity
	TransitionCondition *Expression
}

// Expression is an expression in some registered expression language.
// An empty Language selects the process default.
type Expression struct {
	Language string
	Text     string
	Line     int
}

func (e *Expression) String() string {
	if e == nil {
		return "<nil>"
	}
	return e.Text
}

// FailureHandling configures the activity guard's retry and recovery behaviour.
type FailureHandling struct {
	RetryFor       int
	RetryDelay     int // seconds
	FaultOnFailure bool
	Backoff        string // constant | linear | exponential (default: constant)
	MaxDelay       int    // seconds, 0 means uncapped
}

// MessageType describes a WSDL-style message: an ordered set of named parts.
type MessageType struct {
	Name  QName
	Parts []*Part
}

// Part is one named part of a message type.
type Part struct {
	Name string
	Type string
}

// Property is a named correlation property.
type Property struct {
	Name QName
	Type string
}

// PropertyAlias maps a property onto a location in messages of a given type.
// Query is a jq expression evaluated against the part value.
type PropertyAlias struct {
	Property    QName
	MessageType QName
	Part        string
	Query       string
}

// VariableKind distinguishes message variables from schema-typed variables.
type VariableKind string

const (
	VariableMessage VariableKind = "message"
	VariableElement VariableKind = "element"
	VariableType    VariableKind = "type"
)

// Variable is a variable declaration.
type Variable struct {
	Name           string
	DeclaringScope *Scope
	Kind           VariableKind
	MessageType    *MessageType
	TypeName       QName
	External       *ExternalBinding
}

// ExternalBinding binds a variable to an external variable engine. Related
// names the variable that holds the external reference.
type ExternalBinding struct {
	Engine  string
	Related *Variable
}

// CorrelationSet is a correlation set declaration.
type CorrelationSet struct {
	Name           string
	DeclaringScope *Scope
	Properties     []*Property
}

// PartnerLink is a partner link declaration. Service names the partner
// service the link is bound to at deployment.
type PartnerLink struct {
	Name                  string
	DeclaringScope        *Scope
	MyRole                string
	PartnerRole           string
	InitializePartnerRole bool
	Service               string
	Operations            map[string]*Operation
}

// HasPartnerRole reports whether the link declares a partner role.
func (p *PartnerLink) HasPartnerRole() bool {
	return p.PartnerRole != ""
}

// HasMyRole reports whether the link declares a process role.
func (p *PartnerLink) HasMyRole() bool {
	return p.MyRole != ""
}

// Operation is a port-type operation. A nil Output marks a one-way operation.
type Operation struct {
	Name   string
	Input  *MessageType
	Output *MessageType
	Faults map[string]*MessageType
}

// OneWay reports whether the operation has no response.
func (o *Operation) OneWay() bool {
	return o.Output == nil
}
