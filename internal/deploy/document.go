package deploy

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Document is the YAML form of a compiled process. The process itself is the
// root scope, so the scope fields are inlined.
type Document struct {
	Name                string             `yaml:"name"`
	TargetNamespace     string             `yaml:"targetNamespace,omitempty"`
	ExpressionLanguage  string             `yaml:"expressionLanguage,omitempty"`
	SuppressJoinFailure bool               `yaml:"suppressJoinFailure,omitempty"`
	Namespaces          map[string]string  `yaml:"namespaces,omitempty"`
	MessageTypes        []MessageTypeDoc   `yaml:"messageTypes,omitempty"`
	Properties          []PropertyDoc      `yaml:"properties,omitempty"`
	PropertyAliases     []PropertyAliasDoc `yaml:"propertyAliases,omitempty"`
	ScopeDoc            `yaml:",inline"`
}

// MessageTypeDoc declares a message type and its ordered parts.
type MessageTypeDoc struct {
	Name  string    `yaml:"name"`
	Parts []PartDoc `yaml:"parts,omitempty"`
}

type PartDoc struct {
	Name string `yaml:"name"`
	Type string `yaml:"type,omitempty"`
}

type PropertyDoc struct {
	Name string `yaml:"name"`
	Type string `yaml:"type,omitempty"`
}

// PropertyAliasDoc maps a property onto a part of a message type, optionally
// narrowed by a jq query.
type PropertyAliasDoc struct {
	Property    string `yaml:"property"`
	MessageType string `yaml:"messageType"`
	Part        string `yaml:"part"`
	Query       string `yaml:"query,omitempty"`
}

// ScopeDoc holds the declarations and handlers of a scope.
type ScopeDoc struct {
	Isolated            bool                `yaml:"isolated,omitempty"`
	Variables           []VariableDoc       `yaml:"variables,omitempty"`
	CorrelationSets     []CorrelationSetDoc `yaml:"correlationSets,omitempty"`
	PartnerLinks        []PartnerLinkDoc    `yaml:"partnerLinks,omitempty"`
	FaultHandlers       []CatchDoc          `yaml:"faultHandlers,omitempty"`
	CompensationHandler *ActivityDoc        `yaml:"compensationHandler,omitempty"`
	EventHandlers       *EventHandlersDoc   `yaml:"eventHandlers,omitempty"`
	Activity            *ActivityDoc        `yaml:"activity"`
}

// VariableDoc declares a variable by message type, element or simple type.
type VariableDoc struct {
	Name        string       `yaml:"name"`
	MessageType string       `yaml:"messageType,omitempty"`
	Element     string       `yaml:"element,omitempty"`
	Type        string       `yaml:"type,omitempty"`
	External    *ExternalDoc `yaml:"external,omitempty"`
}

type ExternalDoc struct {
	Engine  string `yaml:"engine"`
	Related string `yaml:"related"`
}

type CorrelationSetDoc struct {
	Name       string   `yaml:"name"`
	Properties []string `yaml:"properties"`
}

// PartnerLinkDoc declares a partner link with its operations inline.
type PartnerLinkDoc struct {
	Name                  string         `yaml:"name"`
	MyRole                string         `yaml:"myRole,omitempty"`
	PartnerRole           string         `yaml:"partnerRole,omitempty"`
	InitializePartnerRole bool           `yaml:"initializePartnerRole,omitempty"`
	Service               string         `yaml:"service,omitempty"`
	Operations            []OperationDoc `yaml:"operations,omitempty"`
}

type OperationDoc struct {
	Name   string            `yaml:"name"`
	Input  string            `yaml:"input,omitempty"`
	Output string            `yaml:"output,omitempty"`
	Faults map[string]string `yaml:"faults,omitempty"`
}

// CatchDoc is a catch block; a catch without faultName is a catchAll.
type CatchDoc struct {
	FaultName        string       `yaml:"faultName,omitempty"`
	FaultVariable    string       `yaml:"faultVariable,omitempty"`
	FaultMessageType string       `yaml:"faultMessageType,omitempty"`
	FaultElement     string       `yaml:"faultElement,omitempty"`
	Activity         *ActivityDoc `yaml:"activity"`
}

type EventHandlersDoc struct {
	OnEvent []OnEventDoc `yaml:"onEvent,omitempty"`
	OnAlarm []OnAlarmDoc `yaml:"onAlarm,omitempty"`
}

// OnMessageDoc is shared by receive, pick branches and onEvent.
type OnMessageDoc struct {
	PartnerLink     string           `yaml:"partnerLink"`
	Operation       string           `yaml:"operation"`
	Variable        string           `yaml:"variable,omitempty"`
	MessageExchange string           `yaml:"messageExchange,omitempty"`
	Route           string           `yaml:"route,omitempty"`
	Correlations    []CorrelationDoc `yaml:"correlations,omitempty"`
	Activity        *ActivityDoc     `yaml:"activity,omitempty"`
}

// OnEventDoc declares its variable in the event scope. Its type defaults to
// the operation's input message.
type OnEventDoc struct {
	OnMessageDoc `yaml:",inline"`
	MessageType  string `yaml:"messageType,omitempty"`
	Element      string `yaml:"element,omitempty"`
}

type OnAlarmDoc struct {
	For         *ExpressionDoc `yaml:"for,omitempty"`
	Until       *ExpressionDoc `yaml:"until,omitempty"`
	RepeatEvery *ExpressionDoc `yaml:"repeatEvery,omitempty"`
	Activity    *ActivityDoc   `yaml:"activity"`
}

// CorrelationDoc uses a correlation set. Initiate is yes, join or no;
// Pattern is request, response or request-response and only applies to
// invoke and reply.
type CorrelationDoc struct {
	Set      string `yaml:"set"`
	Initiate string `yaml:"initiate,omitempty"`
	Pattern  string `yaml:"pattern,omitempty"`
}

// ExpressionDoc is written either as a plain string in the process
// language or as a mapping with an explicit language.
type ExpressionDoc struct {
	Language string `yaml:"language,omitempty"`
	Text     string `yaml:"expression"`
	Line     int    `yaml:"-"`
}

func (e *ExpressionDoc) UnmarshalYAML(n *yaml.Node) error {
	e.Line = n.Line
	if n.Kind == yaml.ScalarNode {
		e.Text = n.Value
		return nil
	}
	type plain ExpressionDoc
	var p plain
	if err := n.Decode(&p); err != nil {
		return err
	}
	p.Line = n.Line
	*e = ExpressionDoc(p)
	return nil
}

type SourceDoc struct {
	Link                string         `yaml:"link"`
	TransitionCondition *ExpressionDoc `yaml:"transitionCondition,omitempty"`
}

type FailureHandlingDoc struct {
	RetryFor       int    `yaml:"retryFor,omitempty"`
	RetryDelay     int    `yaml:"retryDelay,omitempty"`
	FaultOnFailure bool   `yaml:"faultOnFailure,omitempty"`
	Backoff        string `yaml:"backoff,omitempty"`
	MaxDelay       int    `yaml:"maxDelay,omitempty"`
}

// CommonDoc holds the attributes every activity accepts.
type CommonDoc struct {
	Name                string              `yaml:"name,omitempty"`
	Targets             []string            `yaml:"targets,omitempty"`
	Sources             []SourceDoc         `yaml:"sources,omitempty"`
	JoinCondition       *ExpressionDoc      `yaml:"joinCondition,omitempty"`
	SuppressJoinFailure *bool               `yaml:"suppressJoinFailure,omitempty"`
	FailureHandling     *FailureHandlingDoc `yaml:"failureHandling,omitempty"`
}

// ActivityDoc is a single-key mapping from the activity kind to its
// attributes, for example {sequence: {name: main, activities: [...]}}.
type ActivityDoc struct {
	Kind   string
	Line   int
	Common CommonDoc
	body   *yaml.Node
}

func (a *ActivityDoc) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.MappingNode || len(n.Content) != 2 {
		return fmt.Errorf("line %d: an activity is a mapping with exactly one kind key", n.Line)
	}
	a.Kind = n.Content[0].Value
	a.Line = n.Content[0].Line
	a.body = n.Content[1]
	if a.body.Kind == yaml.ScalarNode && a.body.Value == "" {
		// "empty:" or "exit:" without attributes.
		return nil
	}
	if a.body.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: %s attributes must be a mapping", n.Line, a.Kind)
	}
	return a.body.Decode(&a.Common)
}

// MarshalYAML writes the activity back in its single-key form.
func (a ActivityDoc) MarshalYAML() (any, error) {
	body := a.body
	if body == nil {
		body = &yaml.Node{Kind: yaml.MappingNode}
	}
	return &yaml.Node{
		Kind:    yaml.MappingNode,
		Content: []*yaml.Node{{Kind: yaml.ScalarNode, Value: a.Kind}, body},
	}, nil
}

// decodeBody decodes the kind-specific attributes into v.
func (a *ActivityDoc) decodeBody(v any) error {
	if a.body == nil || (a.body.Kind == yaml.ScalarNode && a.body.Value == "") {
		return nil
	}
	if err := a.body.Decode(v); err != nil {
		return fmt.Errorf("line %d: %s: %w", a.Line, a.Kind, err)
	}
	return nil
}

type sequenceDoc struct {
	Activities []*ActivityDoc `yaml:"activities"`
}

type flowDoc struct {
	Links      []string       `yaml:"links,omitempty"`
	Activities []*ActivityDoc `yaml:"activities"`
}

type branchDoc struct {
	Condition *ExpressionDoc `yaml:"condition"`
	Activity  *ActivityDoc   `yaml:"activity"`
}

type ifDoc struct {
	Condition *ExpressionDoc `yaml:"condition"`
	Activity  *ActivityDoc   `yaml:"activity"`
	ElseIf    []branchDoc    `yaml:"elseIf,omitempty"`
	Else      *ActivityDoc   `yaml:"else,omitempty"`
}

type switchDoc struct {
	Cases     []branchDoc  `yaml:"cases"`
	Otherwise *ActivityDoc `yaml:"otherwise,omitempty"`
}

type loopDoc struct {
	Condition *ExpressionDoc `yaml:"condition"`
	Activity  *ActivityDoc   `yaml:"activity"`
}

type pickDoc struct {
	CreateInstance bool           `yaml:"createInstance,omitempty"`
	OnMessage      []OnMessageDoc `yaml:"onMessage"`
	OnAlarm        []OnAlarmDoc   `yaml:"onAlarm,omitempty"`
}

type receiveDoc struct {
	OnMessageDoc   `yaml:",inline"`
	CreateInstance bool `yaml:"createInstance,omitempty"`
}

type completionDoc struct {
	Branches               *ExpressionDoc `yaml:"branches"`
	SuccessfulBranchesOnly bool           `yaml:"successfulBranchesOnly,omitempty"`
}

type forEachDoc struct {
	CounterName         string         `yaml:"counterName"`
	Parallel            bool           `yaml:"parallel,omitempty"`
	StartCounterValue   *ExpressionDoc `yaml:"startCounterValue"`
	FinalCounterValue   *ExpressionDoc `yaml:"finalCounterValue"`
	CompletionCondition *completionDoc `yaml:"completionCondition,omitempty"`
	Scope               *ActivityDoc   `yaml:"scope"`
}

// invokeDoc may carry inline fault and compensation handlers, which wrap the
// invoke in an implicit scope.
type invokeDoc struct {
	PartnerLink         string           `yaml:"partnerLink"`
	Operation           string           `yaml:"operation"`
	InputVariable       string           `yaml:"inputVariable,omitempty"`
	OutputVariable      string           `yaml:"outputVariable,omitempty"`
	Correlations        []CorrelationDoc `yaml:"correlations,omitempty"`
	FaultHandlers       []CatchDoc       `yaml:"faultHandlers,omitempty"`
	CompensationHandler *ActivityDoc     `yaml:"compensationHandler,omitempty"`
}

type replyDoc struct {
	PartnerLink     string           `yaml:"partnerLink"`
	Operation       string           `yaml:"operation"`
	Variable        string           `yaml:"variable,omitempty"`
	FaultName       string           `yaml:"faultName,omitempty"`
	MessageExchange string           `yaml:"messageExchange,omitempty"`
	Correlations    []CorrelationDoc `yaml:"correlations,omitempty"`
}

type fromDoc struct {
	Literal     yaml.Node      `yaml:"literal,omitempty"`
	Expression  *ExpressionDoc `yaml:"expression,omitempty"`
	Variable    string         `yaml:"variable,omitempty"`
	Part        string         `yaml:"part,omitempty"`
	Query       string         `yaml:"query,omitempty"`
	Property    string         `yaml:"property,omitempty"`
	PartnerLink string         `yaml:"partnerLink,omitempty"`
	Endpoint    string         `yaml:"endpointReference,omitempty"`
}

type toDoc struct {
	Variable    string `yaml:"variable,omitempty"`
	Part        string `yaml:"part,omitempty"`
	Query       string `yaml:"query,omitempty"`
	Property    string `yaml:"property,omitempty"`
	PartnerLink string `yaml:"partnerLink,omitempty"`
}

// copyDoc is either a copy (from/to) or an extension assign operation.
type copyDoc struct {
	From                            *fromDoc       `yaml:"from,omitempty"`
	To                              *toDoc         `yaml:"to,omitempty"`
	IgnoreMissingFromData           bool           `yaml:"ignoreMissingFromData,omitempty"`
	IgnoreUninitializedFromVariable bool           `yaml:"ignoreUninitializedFromVariable,omitempty"`
	InsertMissingToData             bool           `yaml:"insertMissingToData,omitempty"`
	Extension                       string         `yaml:"extension,omitempty"`
	Config                          map[string]any `yaml:"config,omitempty"`
}

type assignDoc struct {
	Copy []copyDoc `yaml:"copy"`
}

type throwDoc struct {
	FaultName     string `yaml:"faultName"`
	FaultVariable string `yaml:"faultVariable,omitempty"`
}

type compensateScopeDoc struct {
	Target string `yaml:"target"`
}

type waitDoc struct {
	For   *ExpressionDoc `yaml:"for,omitempty"`
	Until *ExpressionDoc `yaml:"until,omitempty"`
}

type extensionDoc struct {
	Name   string         `yaml:"extension"`
	Config map[string]any `yaml:"config,omitempty"`
}
