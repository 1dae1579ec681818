package deploy

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/rendis/bpelrt/pkg/schema"
	"go.uber.org/multierr"
)

// Compile turns a parsed document into an immutable process model. All
// problems found are reported together.
func Compile(doc *Document, log *slog.Logger) (*schema.Process, error) {
	if log == nil {
		log = slog.Default()
	}
	c := &compiler{
		doc: doc,
		log: log,
		ns: map[string]string{
			"bpel": schema.BPELNamespace,
			"ext":  schema.RecoveryNamespace,
		},
	}
	for prefix, uri := range doc.Namespaces {
		c.ns[prefix] = uri
	}
	c.lang = doc.ExpressionLanguage
	if c.lang == "" {
		c.lang = "expr"
	}
	return c.compile()
}

type compiler struct {
	doc   *Document
	log   *slog.Logger
	ns    map[string]string
	lang  string
	proc  *schema.Process
	cur   *schema.Scope
	links []map[string]*schema.Link
	iso   []*isolationTracker
	comps []pendingTarget
	err   error

	linkSeq int
}

type pendingTarget struct {
	body *schema.CompensateScope
	name string
	line int
}

// isolationTracker collects the shared variables an isolated scope touches.
type isolationTracker struct {
	scope  *schema.Scope
	reads  []*schema.Variable
	writes []*schema.Variable
	seen   map[*schema.Variable]bool
	wseen  map[*schema.Variable]bool
}

func (c *compiler) errorf(line int, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if line > 0 {
		msg = fmt.Sprintf("line %d: %s", line, msg)
	}
	c.err = multierr.Append(c.err, schema.NewError(schema.ErrCodeValidation, msg))
}

func (c *compiler) compile() (*schema.Process, error) {
	d := c.doc
	if d.Name == "" {
		c.errorf(0, "process name is required")
	}
	c.proc = &schema.Process{
		Name:               schema.QName{Space: d.TargetNamespace, Local: d.Name},
		ExpressionLanguage: c.lang,
		MessageTypes:       make(map[string]*schema.MessageType),
		Properties:         make(map[string]*schema.Property),
	}
	for _, mt := range d.MessageTypes {
		if _, dup := c.proc.MessageTypes[mt.Name]; dup {
			c.errorf(0, "message type %q declared twice", mt.Name)
		}
		t := &schema.MessageType{Name: c.qname(mt.Name)}
		for _, p := range mt.Parts {
			t.Parts = append(t.Parts, &schema.Part{Name: p.Name, Type: p.Type})
		}
		c.proc.MessageTypes[mt.Name] = t
	}
	for _, p := range d.Properties {
		c.proc.Properties[p.Name] = &schema.Property{Name: c.qname(p.Name), Type: p.Type}
	}
	for _, pa := range d.PropertyAliases {
		prop := c.property(pa.Property, 0)
		mt := c.messageType(pa.MessageType, 0)
		if prop == nil || mt == nil {
			continue
		}
		c.proc.PropertyAliases = append(c.proc.PropertyAliases, &schema.PropertyAlias{
			Property:    prop.Name,
			MessageType: mt.Name,
			Part:        pa.Part,
			Query:       pa.Query,
		})
	}

	root := &schema.Activity{Name: d.Name, Kind: schema.KindScope, SuppressJoinFailure: d.SuppressJoinFailure}
	c.proc.Register(root)
	c.proc.Root = root
	c.scope(root, &d.ScopeDoc, false, nil)

	c.resolveCompensateTargets()
	c.proc.ResolveLinks()
	if c.err != nil {
		return nil, c.err
	}
	return c.proc, nil
}

func (c *compiler) qname(s string) schema.QName {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "{") {
		return schema.ParseQName(s)
	}
	if prefix, local, ok := strings.Cut(s, ":"); ok {
		if uri, known := c.ns[prefix]; known {
			return schema.QName{Space: uri, Local: local}
		}
	}
	return schema.QName{Local: s}
}

func (c *compiler) messageType(name string, line int) *schema.MessageType {
	if name == "" {
		return nil
	}
	mt, ok := c.proc.MessageTypes[name]
	if !ok {
		c.errorf(line, "unknown message type %q", name)
	}
	return mt
}

func (c *compiler) property(name string, line int) *schema.Property {
	p, ok := c.proc.Properties[name]
	if !ok {
		c.errorf(line, "unknown property %q", name)
	}
	return p
}

func (c *compiler) expr(d *ExpressionDoc) *schema.Expression {
	if d == nil {
		return nil
	}
	lang := d.Language
	if lang == "" {
		lang = c.lang
	}
	c.readIdentifiers(d.Text)
	return &schema.Expression{Language: lang, Text: d.Text, Line: d.Line}
}

var identifier = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)

// readIdentifiers records the visible variables an expression may read, for
// isolated scope locking.
func (c *compiler) readIdentifiers(text string) {
	if len(c.iso) == 0 {
		return
	}
	for _, name := range identifier.FindAllString(text, -1) {
		if v := c.lookupVariable(name); v != nil {
			c.use(v, false)
		}
	}
}

// Lexical resolution.

func (c *compiler) lookupVariable(name string) *schema.Variable {
	for s := c.cur; s != nil; s = s.Parent {
		if v, ok := s.Variables[name]; ok {
			return v
		}
	}
	return nil
}

func (c *compiler) variable(name string, write bool, line int) *schema.Variable {
	if name == "" {
		return nil
	}
	v := c.lookupVariable(name)
	if v == nil {
		c.errorf(line, "variable %q is not visible here", name)
		return nil
	}
	c.use(v, write)
	return v
}

func (c *compiler) use(v *schema.Variable, write bool) {
	for _, t := range c.iso {
		if declaredWithin(v.DeclaringScope, t.scope) {
			continue
		}
		if write && !t.wseen[v] {
			t.wseen[v] = true
			t.writes = append(t.writes, v)
		}
		if !write && !t.seen[v] {
			t.seen[v] = true
			t.reads = append(t.reads, v)
		}
	}
}

func declaredWithin(s, ancestor *schema.Scope) bool {
	for ; s != nil; s = s.Parent {
		if s == ancestor {
			return true
		}
	}
	return false
}

func (c *compiler) correlationSet(name string, line int) *schema.CorrelationSet {
	for s := c.cur; s != nil; s = s.Parent {
		if cs, ok := s.CorrelationSets[name]; ok {
			return cs
		}
	}
	c.errorf(line, "correlation set %q is not visible here", name)
	return nil
}

func (c *compiler) partnerLink(name string, line int) *schema.PartnerLink {
	for s := c.cur; s != nil; s = s.Parent {
		if pl, ok := s.PartnerLinks[name]; ok {
			return pl
		}
	}
	c.errorf(line, "partner link %q is not visible here", name)
	return nil
}

func (c *compiler) operation(pl *schema.PartnerLink, name string, line int) *schema.Operation {
	if pl == nil {
		return &schema.Operation{Name: name}
	}
	op, ok := pl.Operations[name]
	if !ok {
		c.errorf(line, "partner link %q has no operation %q", pl.Name, name)
		return &schema.Operation{Name: name}
	}
	return op
}

func (c *compiler) link(name string, line int) *schema.Link {
	for i := len(c.links) - 1; i >= 0; i-- {
		if l, ok := c.links[i][name]; ok {
			return l
		}
	}
	c.errorf(line, "link %q is not declared by an enclosing flow", name)
	return nil
}

// Declarations.

func (c *compiler) declareVariable(s *schema.Scope, d VariableDoc, line int) *schema.Variable {
	if d.Name == "" {
		c.errorf(line, "variable without a name")
		return nil
	}
	if _, dup := s.Variables[d.Name]; dup {
		c.errorf(line, "variable %q declared twice in scope %q", d.Name, s.Name)
	}
	v := &schema.Variable{Name: d.Name, DeclaringScope: s}
	switch {
	case d.MessageType != "":
		v.Kind = schema.VariableMessage
		v.MessageType = c.messageType(d.MessageType, line)
	case d.Element != "":
		v.Kind = schema.VariableElement
		v.TypeName = c.qname(d.Element)
	default:
		v.Kind = schema.VariableType
		v.TypeName = c.qname(d.Type)
		if d.Type == "" {
			v.TypeName = schema.QName{Local: "anyType"}
		}
	}
	s.Variables[d.Name] = v
	return v
}

func (c *compiler) declare(s *schema.Scope, d *ScopeDoc, line int) {
	for _, vd := range d.Variables {
		c.declareVariable(s, vd, line)
	}
	for _, vd := range d.Variables {
		v := s.Variables[vd.Name]
		if vd.External == nil || v == nil {
			continue
		}
		rel, ok := s.Variables[vd.External.Related]
		if !ok {
			c.errorf(line, "external variable %q: related variable %q must be declared in the same scope", vd.Name, vd.External.Related)
			continue
		}
		v.External = &schema.ExternalBinding{Engine: vd.External.Engine, Related: rel}
	}
	for _, cd := range d.CorrelationSets {
		cs := &schema.CorrelationSet{Name: cd.Name, DeclaringScope: s}
		for _, p := range cd.Properties {
			if prop := c.property(p, line); prop != nil {
				cs.Properties = append(cs.Properties, prop)
			}
		}
		s.CorrelationSets[cd.Name] = cs
	}
	for _, pd := range d.PartnerLinks {
		pl := &schema.PartnerLink{
			Name:                  pd.Name,
			DeclaringScope:        s,
			MyRole:                pd.MyRole,
			PartnerRole:           pd.PartnerRole,
			InitializePartnerRole: pd.InitializePartnerRole,
			Service:               pd.Service,
			Operations:            make(map[string]*schema.Operation, len(pd.Operations)),
		}
		for _, od := range pd.Operations {
			op := &schema.Operation{
				Name:   od.Name,
				Input:  c.messageType(od.Input, line),
				Output: c.messageType(od.Output, line),
			}
			if len(od.Faults) > 0 {
				op.Faults = make(map[string]*schema.MessageType, len(od.Faults))
				for name, mt := range od.Faults {
					op.Faults[c.qname(name).Local] = c.messageType(mt, line)
				}
			}
			pl.Operations[od.Name] = op
		}
		s.PartnerLinks[pd.Name] = pl
	}
}

// scope compiles d as the scope body of a. extra variables are declared
// before the scope's own, for fault variables, event variables and forEach
// counters.
func (c *compiler) scope(a *schema.Activity, d *ScopeDoc, implicit bool, extra []VariableDoc) *schema.Scope {
	s := &schema.Scope{
		Name:            a.Name,
		Parent:          c.cur,
		Variables:       make(map[string]*schema.Variable),
		CorrelationSets: make(map[string]*schema.CorrelationSet),
		PartnerLinks:    make(map[string]*schema.PartnerLink),
		Isolated:        d.Isolated,
		Implicit:        implicit,
	}
	c.proc.RegisterScope(s)
	a.Body = s

	prev := c.cur
	c.cur = s
	defer func() { c.cur = prev }()

	for _, vd := range extra {
		c.declareVariable(s, vd, a.Line)
	}
	c.declare(s, d, a.Line)

	var tracker *isolationTracker
	if d.Isolated {
		tracker = &isolationTracker{scope: s, seen: map[*schema.Variable]bool{}, wseen: map[*schema.Variable]bool{}}
		c.iso = append(c.iso, tracker)
	}

	if d.Activity == nil {
		c.errorf(a.Line, "scope %q has no activity", a.Name)
	} else {
		// Links do not cross scope boundaries from handlers, but the body
		// sees the links of enclosing flows.
		s.Activity = c.activity(d.Activity, a)
	}

	if len(d.FaultHandlers) > 0 {
		s.FaultHandler = &schema.FaultHandler{}
		for _, cd := range d.FaultHandlers {
			s.FaultHandler.Catches = append(s.FaultHandler.Catches, c.catch(a, cd))
		}
	}
	if d.CompensationHandler != nil {
		s.CompensationHandler = c.handlerScope(a, d.CompensationHandler, nil)
	}
	if eh := d.EventHandlers; eh != nil {
		s.EventHandler = &schema.EventHandler{}
		for _, ad := range eh.OnAlarm {
			s.EventHandler.OnAlarms = append(s.EventHandler.OnAlarms, c.onAlarm(a, ad, true))
		}
		for _, ed := range eh.OnEvent {
			s.EventHandler.OnEvents = append(s.EventHandler.OnEvents, c.onEvent(a, ed))
		}
	}

	if tracker != nil {
		c.iso = c.iso[:len(c.iso)-1]
		s.VariableReads = tracker.reads
		s.VariableWrites = tracker.writes
	}
	return s
}

// handlerScope compiles a handler activity as a scope. A non-scope activity
// is wrapped in an implicit scope.
func (c *compiler) handlerScope(parent *schema.Activity, d *ActivityDoc, extra []VariableDoc) *schema.Activity {
	// Handlers never see the links of the flows around their scope.
	saved := c.links
	c.links = nil
	defer func() { c.links = saved }()

	if d.Kind == string(schema.KindScope) {
		a := c.header(d, parent)
		var sd ScopeDoc
		if err := d.decodeBody(&sd); err != nil {
			c.errorf(d.Line, "%v", err)
		}
		c.scope(a, &sd, false, extra)
		return a
	}
	a := &schema.Activity{Kind: schema.KindScope, Parent: parent, Line: d.Line, SuppressJoinFailure: parent.SuppressJoinFailure}
	c.proc.Register(a)
	c.scope(a, &ScopeDoc{Activity: d}, true, extra)
	return a
}

func (c *compiler) catch(a *schema.Activity, d CatchDoc) *schema.Catch {
	catch := &schema.Catch{
		FaultName:        schema.QName{},
		FaultMessageType: c.messageType(d.FaultMessageType, a.Line),
	}
	if d.FaultName != "" {
		catch.FaultName = c.qname(d.FaultName)
	}
	if d.FaultElement != "" {
		catch.FaultElement = c.qname(d.FaultElement)
	}
	if d.Activity == nil {
		c.errorf(a.Line, "catch in scope %q has no activity", a.Name)
		d.Activity = &ActivityDoc{Kind: string(schema.KindEmpty), Line: a.Line}
	}
	var extra []VariableDoc
	if d.FaultVariable != "" {
		if d.FaultMessageType == "" && d.FaultElement == "" {
			c.errorf(a.Line, "fault variable %q needs faultMessageType or faultElement", d.FaultVariable)
		}
		extra = append(extra, VariableDoc{Name: d.FaultVariable, MessageType: d.FaultMessageType, Element: d.FaultElement})
	}
	catch.Activity = c.handlerScope(a, d.Activity, extra)
	if d.FaultVariable != "" {
		catch.FaultVariable = catch.Activity.Scope().Variables[d.FaultVariable]
	}
	return catch
}

func (c *compiler) onAlarm(parent *schema.Activity, d OnAlarmDoc, inEventHandler bool) *schema.OnAlarm {
	al := &schema.OnAlarm{For: c.expr(d.For), Until: c.expr(d.Until)}
	if inEventHandler {
		al.RepeatEvery = c.expr(d.RepeatEvery)
	} else if d.RepeatEvery != nil {
		c.errorf(parent.Line, "repeatEvery is only allowed in event handlers")
	}
	if al.For != nil && al.Until != nil {
		c.errorf(parent.Line, "onAlarm takes for or until, not both")
	}
	if al.For == nil && al.Until == nil && al.RepeatEvery == nil {
		c.errorf(parent.Line, "onAlarm needs for, until or repeatEvery")
	}
	if d.Activity == nil {
		c.errorf(parent.Line, "onAlarm has no activity")
		return al
	}
	if inEventHandler {
		al.Activity = c.handlerScope(parent, d.Activity, nil)
	} else {
		al.Activity = c.activity(d.Activity, parent)
	}
	return al
}

func (c *compiler) onEvent(parent *schema.Activity, d OnEventDoc) *schema.OnEvent {
	pl := c.partnerLink(d.PartnerLink, parent.Line)
	op := c.operation(pl, d.Operation, parent.Line)
	ev := &schema.OnEvent{
		PartnerLink:     pl,
		Operation:       op,
		MessageExchange: d.MessageExchange,
		Route:           d.Route,
	}
	ev.MatchCorrelations, ev.JoinCorrelations, ev.InitCorrelations = c.inboundCorrelations(d.Correlations, parent.Line)

	evScope := &schema.Scope{
		Name:            "onEvent " + d.Operation,
		Parent:          c.cur,
		Variables:       make(map[string]*schema.Variable),
		CorrelationSets: make(map[string]*schema.CorrelationSet),
		PartnerLinks:    make(map[string]*schema.PartnerLink),
		Implicit:        true,
	}
	c.proc.RegisterScope(evScope)
	if d.Variable != "" {
		vd := VariableDoc{Name: d.Variable, MessageType: d.MessageType, Element: d.Element}
		if vd.MessageType == "" && vd.Element == "" && op.Input != nil {
			ev.Variable = &schema.Variable{Name: d.Variable, DeclaringScope: evScope, Kind: schema.VariableMessage, MessageType: op.Input}
			evScope.Variables[d.Variable] = ev.Variable
		} else {
			ev.Variable = c.declareVariable(evScope, vd, parent.Line)
		}
	}
	ev.Scope = evScope

	prev := c.cur
	c.cur = evScope
	if d.Activity == nil {
		c.errorf(parent.Line, "onEvent %q has no activity", d.Operation)
		d.Activity = &ActivityDoc{Kind: string(schema.KindEmpty), Line: parent.Line}
	}
	ev.Activity = c.handlerScope(parent, d.Activity, nil)
	c.cur = prev
	return ev
}

// inboundCorrelations splits the correlations of a receiving activity by
// their initiate attribute.
func (c *compiler) inboundCorrelations(ds []CorrelationDoc, line int) (match, join, init []*schema.CorrelationSet) {
	for _, d := range ds {
		cs := c.correlationSet(d.Set, line)
		if cs == nil {
			continue
		}
		switch d.Initiate {
		case "", "no":
			match = append(match, cs)
		case "join":
			join = append(join, cs)
		case "yes":
			init = append(init, cs)
		default:
			c.errorf(line, "correlation %q: initiate must be yes, join or no, got %q", d.Set, d.Initiate)
		}
	}
	return match, join, init
}

func (c *compiler) onMessage(parent *schema.Activity, d OnMessageDoc, withActivity bool) *schema.OnMessage {
	pl := c.partnerLink(d.PartnerLink, parent.Line)
	om := &schema.OnMessage{
		PartnerLink:     pl,
		Operation:       c.operation(pl, d.Operation, parent.Line),
		Variable:        c.variable(d.Variable, true, parent.Line),
		MessageExchange: d.MessageExchange,
		Route:           d.Route,
	}
	om.MatchCorrelations, om.JoinCorrelations, om.InitCorrelations = c.inboundCorrelations(d.Correlations, parent.Line)
	if withActivity {
		if d.Activity == nil {
			c.errorf(parent.Line, "onMessage %q has no activity", d.Operation)
		} else {
			om.Activity = c.activity(d.Activity, parent)
		}
	}
	return om
}

// header creates and registers the activity for d with its common
// attributes. Links are resolved against the enclosing flows.
func (c *compiler) header(d *ActivityDoc, parent *schema.Activity) *schema.Activity {
	a := &schema.Activity{
		Name:   d.Common.Name,
		Kind:   schema.ActivityKind(d.Kind),
		Parent: parent,
		Line:   d.Line,
	}
	c.proc.Register(a)

	switch {
	case d.Common.SuppressJoinFailure != nil:
		a.SuppressJoinFailure = *d.Common.SuppressJoinFailure
	case parent != nil:
		a.SuppressJoinFailure = parent.SuppressJoinFailure
	default:
		a.SuppressJoinFailure = c.doc.SuppressJoinFailure
	}
	if fh := d.Common.FailureHandling; fh != nil {
		switch fh.Backoff {
		case "", "constant", "linear", "exponential":
		default:
			c.errorf(d.Line, "unknown backoff %q", fh.Backoff)
		}
		a.FailureHandling = &schema.FailureHandling{
			RetryFor:       fh.RetryFor,
			RetryDelay:     fh.RetryDelay,
			FaultOnFailure: fh.FaultOnFailure,
			Backoff:        fh.Backoff,
			MaxDelay:       fh.MaxDelay,
		}
	}
	a.JoinCondition = c.expr(d.Common.JoinCondition)

	for _, name := range d.Common.Targets {
		l := c.link(name, d.Line)
		if l == nil {
			continue
		}
		if l.Target != nil {
			c.errorf(d.Line, "link %q has two targets", name)
		}
		l.Target = a
		a.Targets = append(a.Targets, l)
	}
	for _, sd := range d.Common.Sources {
		l := c.link(sd.Link, d.Line)
		if l == nil {
			continue
		}
		if l.Source != nil {
			c.errorf(d.Line, "link %q has two sources", sd.Link)
		}
		l.Source = a
		l.TransitionCondition = c.expr(sd.TransitionCondition)
		a.Sources = append(a.Sources, l)
	}
	return a
}

// activity compiles d and its children.
func (c *compiler) activity(d *ActivityDoc, parent *schema.Activity) *schema.Activity {
	if d == nil {
		c.errorf(lineOf(parent), "missing activity")
		return nil
	}
	a := c.header(d, parent)
	decode := func(v any) bool {
		if err := d.decodeBody(v); err != nil {
			c.errorf(d.Line, "%v", err)
			return false
		}
		return true
	}

	switch a.Kind {
	case schema.KindEmpty:
		a.Body = &schema.Empty{}
	case schema.KindExit:
		a.Body = &schema.Exit{}
	case schema.KindRethrow:
		a.Body = &schema.Rethrow{}
	case schema.KindCompensate:
		a.Body = &schema.Compensate{}
	case schema.KindSequence:
		var sd sequenceDoc
		decode(&sd)
		seq := &schema.Sequence{}
		for _, cd := range sd.Activities {
			if ca := c.activity(cd, a); ca != nil {
				seq.Activities = append(seq.Activities, ca)
			}
		}
		a.Body = seq
	case schema.KindFlow:
		var fd flowDoc
		decode(&fd)
		a.Body = c.flow(a, &fd)
	case schema.KindIf:
		var id ifDoc
		decode(&id)
		body := &schema.If{}
		body.Branches = append(body.Branches, c.branch(a, branchDoc{Condition: id.Condition, Activity: id.Activity}))
		for _, b := range id.ElseIf {
			body.Branches = append(body.Branches, c.branch(a, b))
		}
		if id.Else != nil {
			body.Branches = append(body.Branches, &schema.Branch{Activity: c.activity(id.Else, a)})
		}
		a.Body = body
	case schema.KindSwitch:
		var sd switchDoc
		decode(&sd)
		body := &schema.If{}
		for _, b := range sd.Cases {
			body.Branches = append(body.Branches, c.branch(a, b))
		}
		if sd.Otherwise != nil {
			body.Branches = append(body.Branches, &schema.Branch{Activity: c.activity(sd.Otherwise, a)})
		}
		a.Body = body
	case schema.KindWhile:
		var ld loopDoc
		decode(&ld)
		a.Body = &schema.While{Condition: c.condition(a, ld.Condition), Activity: c.activity(ld.Activity, a)}
	case schema.KindRepeatUntil:
		var ld loopDoc
		decode(&ld)
		a.Body = &schema.RepeatUntil{Condition: c.condition(a, ld.Condition), Activity: c.activity(ld.Activity, a)}
	case schema.KindPick:
		var pd pickDoc
		decode(&pd)
		p := &schema.Pick{CreateInstance: pd.CreateInstance}
		if len(pd.OnMessage) == 0 {
			c.errorf(d.Line, "pick needs at least one onMessage")
		}
		for _, om := range pd.OnMessage {
			p.OnMessages = append(p.OnMessages, c.onMessage(a, om, true))
		}
		if pd.CreateInstance && len(pd.OnAlarm) > 0 {
			c.errorf(d.Line, "a createInstance pick cannot have alarms")
		}
		for _, al := range pd.OnAlarm {
			p.OnAlarms = append(p.OnAlarms, c.onAlarm(a, al, false))
		}
		a.Body = p
	case schema.KindReceive:
		var rd receiveDoc
		decode(&rd)
		a.Body = &schema.Pick{
			CreateInstance: rd.CreateInstance,
			OnMessages:     []*schema.OnMessage{c.onMessage(a, rd.OnMessageDoc, false)},
		}
	case schema.KindScope:
		var sd ScopeDoc
		decode(&sd)
		c.scope(a, &sd, false, nil)
	case schema.KindForEach:
		var fd forEachDoc
		decode(&fd)
		a.Body = c.forEach(a, &fd)
	case schema.KindInvoke:
		var id invokeDoc
		decode(&id)
		c.invoke(a, &id)
	case schema.KindReply:
		var rd replyDoc
		decode(&rd)
		a.Body = c.reply(a, &rd)
	case schema.KindAssign:
		var ad assignDoc
		decode(&ad)
		a.Body = c.assign(a, &ad)
	case schema.KindThrow:
		var td throwDoc
		decode(&td)
		if td.FaultName == "" {
			c.errorf(d.Line, "throw needs a faultName")
		}
		a.Body = &schema.Throw{FaultName: c.qname(td.FaultName), FaultVariable: c.variable(td.FaultVariable, false, d.Line)}
	case schema.KindCompensateScope:
		var cd compensateScopeDoc
		decode(&cd)
		body := &schema.CompensateScope{}
		c.comps = append(c.comps, pendingTarget{body: body, name: cd.Target, line: d.Line})
		a.Body = body
	case schema.KindWait:
		var wd waitDoc
		decode(&wd)
		w := &schema.Wait{For: c.expr(wd.For), Until: c.expr(wd.Until)}
		if (w.For == nil) == (w.Until == nil) {
			c.errorf(d.Line, "wait takes exactly one of for or until")
		}
		a.Body = w
	case schema.KindExtension:
		var ed extensionDoc
		decode(&ed)
		if ed.Name == "" {
			c.errorf(d.Line, "extensionActivity needs an extension name")
		}
		a.Body = &schema.Extension{Name: c.qname(ed.Name), Config: ed.Config}
	default:
		c.errorf(d.Line, "unknown activity kind %q", d.Kind)
		a.Body = &schema.Empty{}
	}
	return a
}

func lineOf(a *schema.Activity) int {
	if a == nil {
		return 0
	}
	return a.Line
}

func (c *compiler) condition(a *schema.Activity, e *ExpressionDoc) *schema.Expression {
	if e == nil {
		c.errorf(a.Line, "%s needs a condition", a.Kind)
	}
	return c.expr(e)
}

func (c *compiler) branch(a *schema.Activity, d branchDoc) *schema.Branch {
	return &schema.Branch{Condition: c.condition(a, d.Condition), Activity: c.activity(d.Activity, a)}
}

func (c *compiler) flow(a *schema.Activity, d *flowDoc) *schema.Flow {
	f := &schema.Flow{}
	declared := make(map[string]*schema.Link, len(d.Links))
	for _, name := range d.Links {
		if _, dup := declared[name]; dup {
			c.errorf(a.Line, "link %q declared twice", name)
			continue
		}
		c.linkSeq++
		l := &schema.Link{ID: c.linkSeq, Name: name, DeclaringFlow: a}
		declared[name] = l
		f.Links = append(f.Links, l)
	}
	c.links = append(c.links, declared)
	for _, cd := range d.Activities {
		if ca := c.activity(cd, a); ca != nil {
			f.Activities = append(f.Activities, ca)
		}
	}
	c.links = c.links[:len(c.links)-1]
	for _, l := range f.Links {
		if l.Source == nil || l.Target == nil {
			c.errorf(a.Line, "link %q needs both a source and a target", l.Name)
		}
	}
	return f
}

func (c *compiler) forEach(a *schema.Activity, d *forEachDoc) *schema.ForEach {
	f := &schema.ForEach{
		StartCounter: c.condition(a, d.StartCounterValue),
		FinalCounter: c.condition(a, d.FinalCounterValue),
		Parallel:     d.Parallel,
	}
	if d.CounterName == "" {
		c.errorf(a.Line, "forEach needs a counterName")
	}
	if cc := d.CompletionCondition; cc != nil {
		f.CompletionCondition = &schema.CompletionCondition{
			BranchCount:            c.expr(cc.Branches),
			SuccessfulBranchesOnly: cc.SuccessfulBranchesOnly,
		}
	}
	if d.Scope == nil {
		c.errorf(a.Line, "forEach needs a scope")
		d.Scope = &ActivityDoc{Kind: string(schema.KindEmpty), Line: a.Line}
	}
	counter := VariableDoc{Name: d.CounterName, Type: "xsd:unsignedInt"}
	// The inner scope keeps the links of enclosing flows out.
	saved := c.links
	c.links = nil
	if d.Scope.Kind == string(schema.KindScope) {
		inner := c.header(d.Scope, a)
		var sd ScopeDoc
		if err := d.Scope.decodeBody(&sd); err != nil {
			c.errorf(d.Scope.Line, "%v", err)
		}
		c.scope(inner, &sd, false, []VariableDoc{counter})
		f.InnerScope = inner
	} else {
		f.InnerScope = c.handlerScope(a, d.Scope, []VariableDoc{counter})
	}
	c.links = saved
	f.CounterVariable = f.InnerScope.Scope().Variables[d.CounterName]
	return f
}

// invoke compiles an invoke. Inline handlers turn a into an implicit scope
// around the invoke itself.
func (c *compiler) invoke(a *schema.Activity, d *invokeDoc) {
	target := a
	if len(d.FaultHandlers) > 0 || d.CompensationHandler != nil {
		a.Kind = schema.KindScope
		s := &schema.Scope{
			Name:            a.Name,
			Parent:          c.cur,
			Variables:       make(map[string]*schema.Variable),
			CorrelationSets: make(map[string]*schema.CorrelationSet),
			PartnerLinks:    make(map[string]*schema.PartnerLink),
			Implicit:        true,
		}
		c.proc.RegisterScope(s)
		a.Body = s
		target = &schema.Activity{
			Name:                a.Name,
			Kind:                schema.KindInvoke,
			Parent:              a,
			Line:                a.Line,
			SuppressJoinFailure: a.SuppressJoinFailure,
		}
		c.proc.Register(target)
		s.Activity = target

		prev := c.cur
		c.cur = s
		defer func() { c.cur = prev }()
		if len(d.FaultHandlers) > 0 {
			s.FaultHandler = &schema.FaultHandler{}
			for _, cd := range d.FaultHandlers {
				s.FaultHandler.Catches = append(s.FaultHandler.Catches, c.catch(a, cd))
			}
		}
		if d.CompensationHandler != nil {
			s.CompensationHandler = c.handlerScope(a, d.CompensationHandler, nil)
		}
	}

	pl := c.partnerLink(d.PartnerLink, a.Line)
	inv := &schema.Invoke{
		PartnerLink: pl,
		Operation:   c.operation(pl, d.Operation, a.Line),
		InputVar:    c.variable(d.InputVariable, false, a.Line),
		OutputVar:   c.variable(d.OutputVariable, true, a.Line),
	}
	if pl != nil && !pl.HasPartnerRole() {
		c.errorf(a.Line, "invoke on partner link %q without a partner role", pl.Name)
	}
	if inv.Operation.OneWay() && inv.OutputVar != nil {
		c.errorf(a.Line, "one-way operation %q cannot have an output variable", d.Operation)
	}
	for _, cd := range d.Correlations {
		cs := c.correlationSet(cd.Set, a.Line)
		if cs == nil {
			continue
		}
		var in, out bool
		switch cd.Pattern {
		case "request", "out":
			in = true
		case "response", "in":
			out = true
		case "request-response", "out-in":
			in, out = true, true
		default:
			c.errorf(a.Line, "correlation %q: invalid invoke pattern %q", cd.Set, cd.Pattern)
			continue
		}
		switch cd.Initiate {
		case "yes":
			if in {
				inv.InitCorrelationsInput = append(inv.InitCorrelationsInput, cs)
			}
			if out {
				inv.InitCorrelationsOutput = append(inv.InitCorrelationsOutput, cs)
			}
		case "join":
			if in {
				inv.JoinCorrelationsInput = append(inv.JoinCorrelationsInput, cs)
			}
			if out {
				inv.JoinCorrelationsOutput = append(inv.JoinCorrelationsOutput, cs)
			}
		case "", "no":
		default:
			c.errorf(a.Line, "correlation %q: initiate must be yes, join or no, got %q", cd.Set, cd.Initiate)
		}
	}
	target.Body = inv
}

func (c *compiler) reply(a *schema.Activity, d *replyDoc) *schema.Reply {
	pl := c.partnerLink(d.PartnerLink, a.Line)
	r := &schema.Reply{
		PartnerLink:     pl,
		Operation:       c.operation(pl, d.Operation, a.Line),
		Variable:        c.variable(d.Variable, false, a.Line),
		MessageExchange: d.MessageExchange,
	}
	if d.FaultName != "" {
		r.FaultName = c.qname(d.FaultName)
		if _, ok := r.Operation.Faults[r.FaultName.Local]; !ok && pl != nil {
			c.log.Warn("reply fault is not declared by the operation",
				"line", a.Line, "operation", d.Operation, "fault", d.FaultName)
		}
	}
	for _, cd := range d.Correlations {
		if cd.Pattern != "" && cd.Pattern != "out" && cd.Pattern != "response" {
			c.log.Warn("correlation pattern on reply is ignored, using out",
				"line", a.Line, "set", cd.Set, "pattern", cd.Pattern)
		}
		cs := c.correlationSet(cd.Set, a.Line)
		if cs == nil {
			continue
		}
		switch cd.Initiate {
		case "yes":
			r.InitCorrelations = append(r.InitCorrelations, cs)
		case "join":
			r.JoinCorrelations = append(r.JoinCorrelations, cs)
		case "", "no":
		default:
			c.errorf(a.Line, "correlation %q: initiate must be yes, join or no, got %q", cd.Set, cd.Initiate)
		}
	}
	return r
}

func (c *compiler) assign(a *schema.Activity, d *assignDoc) *schema.Assign {
	as := &schema.Assign{}
	if len(d.Copy) == 0 {
		c.errorf(a.Line, "assign needs at least one copy")
	}
	for _, cd := range d.Copy {
		if cd.Extension != "" {
			as.Operations = append(as.Operations, &schema.ExtensionAssign{Name: c.qname(cd.Extension), Config: cd.Config})
			continue
		}
		if cd.From == nil || cd.To == nil {
			c.errorf(a.Line, "copy needs from and to")
			continue
		}
		as.Operations = append(as.Operations, &schema.Copy{
			From:                            c.from(a, cd.From),
			To:                              c.to(a, cd.To),
			IgnoreMissingFromData:           cd.IgnoreMissingFromData,
			IgnoreUninitializedFromVariable: cd.IgnoreUninitializedFromVariable,
			InsertMissingToData:             cd.InsertMissingToData,
		})
	}
	return as
}

func (c *compiler) from(a *schema.Activity, d *fromDoc) *schema.From {
	f := &schema.From{}
	switch {
	case d.Literal.Kind != 0:
		var v any
		if err := d.Literal.Decode(&v); err != nil {
			c.errorf(a.Line, "literal: %v", err)
		}
		f.Literal, f.HasLiteral = v, true
	case d.Expression != nil:
		f.Expression = c.expr(d.Expression)
	case d.PartnerLink != "":
		f.PartnerLink = c.partnerLink(d.PartnerLink, a.Line)
		f.Role = schema.EndpointRole(d.Endpoint)
		if f.Role != "" && f.Role != schema.RoleMy && f.Role != schema.RolePartner {
			c.errorf(a.Line, "endpointReference must be myRole or partnerRole")
		}
	case d.Variable != "":
		f.Variable = c.variable(d.Variable, false, a.Line)
		f.Part, f.Query = d.Part, d.Query
		if d.Property != "" {
			f.Property = c.property(d.Property, a.Line)
			c.checkAlias(a, f.Variable, f.Property)
		}
	default:
		c.errorf(a.Line, "copy has an empty from")
	}
	return f
}

func (c *compiler) to(a *schema.Activity, d *toDoc) *schema.To {
	t := &schema.To{}
	switch {
	case d.PartnerLink != "":
		t.PartnerLink = c.partnerLink(d.PartnerLink, a.Line)
	case d.Variable != "":
		t.Variable = c.variable(d.Variable, true, a.Line)
		t.Part, t.Query = d.Part, d.Query
		if d.Property != "" {
			t.Property = c.property(d.Property, a.Line)
			c.checkAlias(a, t.Variable, t.Property)
		}
	default:
		c.errorf(a.Line, "copy has an empty to")
	}
	return t
}

func (c *compiler) checkAlias(a *schema.Activity, v *schema.Variable, p *schema.Property) {
	if v == nil || p == nil {
		return
	}
	if v.MessageType == nil {
		c.errorf(a.Line, "property %s used on non-message variable %q", p.Name, v.Name)
		return
	}
	if c.proc.Alias(p.Name, v.MessageType.Name) == nil {
		c.errorf(a.Line, "no alias for property %s on message type %s", p.Name, v.MessageType.Name)
	}
}

// resolveCompensateTargets binds compensateScope activities to the scope
// they name. The target must be a scope nested in the handler's scope;
// validation enforces the nesting.
func (c *compiler) resolveCompensateTargets() {
	for _, p := range c.comps {
		var found *schema.Activity
		for _, a := range c.proc.Activities() {
			if a.Kind != schema.KindScope || a.Name != p.name || a.Name == "" {
				continue
			}
			if found != nil {
				c.errorf(p.line, "compensateScope target %q is ambiguous", p.name)
				break
			}
			found = a
		}
		if found == nil {
			c.errorf(p.line, "compensateScope target %q is not a named scope", p.name)
			continue
		}
		p.body.Target = found
	}
}
