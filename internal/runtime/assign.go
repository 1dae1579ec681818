package runtime

import (
	"context"

	"github.com/rendis/bpelrt/internal/expressions"
	"github.com/rendis/bpelrt/pkg/schema"
)

// assignment stages the effects of one assign. Later operations observe the
// values staged by earlier ones; nothing is written unless every operation
// succeeds.
type assignment struct {
	a        *activity
	staged   map[*schema.Variable]any
	order    []*schema.Variable
	eprs     map[*schema.PartnerLink]*schema.EndpointReference
	eprOrder []*schema.PartnerLink
}

func runAssign(a activity) {
	body := a.o().Body.(*schema.Assign)
	as := &assignment{
		a:      &a,
		staged: make(map[*schema.Variable]any),
		eprs:   make(map[*schema.PartnerLink]*schema.EndpointReference),
	}
	for _, op := range body.Operations {
		if err := as.apply(op); err != nil {
			a.finish(err)
			return
		}
	}
	a.finish(as.commit())
}

func (as *assignment) apply(op schema.AssignOperation) error {
	switch op := op.(type) {
	case *schema.Copy:
		val, ok, err := as.from(op)
		if err != nil || !ok {
			return err
		}
		return as.to(op, val)
	case *schema.ExtensionAssign:
		h, ok := as.a.rt().Extension(op.Name)
		if !ok {
			panic(invalidProcessf("assign extension %s is not registered", op.Name))
		}
		return h.Run(as, op.Config)
	default:
		panic(invalidProcessf("unknown assign operation %T", op))
	}
}

func (as *assignment) ctx() context.Context {
	return as.a.in.ctx
}

func (as *assignment) stage(v *schema.Variable, value any) {
	if _, ok := as.staged[v]; !ok {
		as.order = append(as.order, v)
	}
	as.staged[v] = value
}

func (as *assignment) read(v *schema.Variable) (any, bool, error) {
	if val, ok := as.staged[v]; ok {
		return val, true, nil
	}
	return as.a.in.readVariable(as.a.frame, v)
}

func (as *assignment) evalData() (map[string]any, error) {
	data, err := as.a.evalData()
	if err != nil {
		return nil, err
	}
	for _, vi := range as.a.in.frames.Visible(as.a.frame) {
		if val, ok := as.staged[vi.Decl]; ok {
			data[vi.Decl.Name] = val
		}
	}
	return data, nil
}

// from evaluates the r-value of c. ok is false when a suppressed missing
// value skips the copy.
func (as *assignment) from(c *schema.Copy) (any, bool, error) {
	f := c.From
	switch {
	case f.HasLiteral:
		return expressions.DeepCopy(expressions.Normalize(f.Literal)), true, nil
	case f.Expression != nil:
		data, err := as.evalData()
		if err != nil {
			return nil, false, err
		}
		v, err := as.a.rt().Expressions().Evaluate(as.ctx(), f.Expression, data)
		if err != nil {
			return nil, false, expressionError(f.Expression, err)
		}
		return expressions.DeepCopy(v), true, nil
	case f.PartnerLink != nil:
		epr, err := as.endpoint(f.PartnerLink, f.Role)
		if err != nil {
			return nil, false, err
		}
		return endpointValue(epr), true, nil
	case f.Variable != nil:
		v, ok, err := as.read(f.Variable)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			if c.IgnoreUninitializedFromVariable {
				return nil, false, nil
			}
			v, err = as.a.in.fetchVariable(as.a.frame, f.Variable)
			if err != nil {
				return nil, false, err
			}
		}
		part, query := f.Part, f.Query
		if f.Property != nil {
			part, query = propertyLocation(as.a.in.proc, f.Variable, f.Property)
		}
		return as.selectFrom(c, v, part, query)
	}
	panic(invalidProcessf("%s: copy without a source", as.a.o()))
}

func (as *assignment) selectFrom(c *schema.Copy, v any, part, query string) (any, bool, error) {
	if part != "" {
		msg, ok := asMessage(v)
		if !ok {
			return nil, false, NewFaultf(schema.FaultMismatchedAssignment, "part %q selected from a non-message value", part)
		}
		pv, ok := msg[part]
		if !ok {
			return as.missing(c, "part "+part+" is missing")
		}
		v = pv
	}
	if query != "" {
		r, found, err := as.a.rt().Expressions().Query(as.ctx(), query, v)
		if err != nil {
			return nil, false, NewFault(schema.FaultSubLanguageExecution, err.Error())
		}
		if !found {
			return as.missing(c, "query "+query+" selected nothing")
		}
		v = r
	}
	return expressions.DeepCopy(v), true, nil
}

func (as *assignment) missing(c *schema.Copy, explanation string) (any, bool, error) {
	if c.IgnoreMissingFromData {
		return nil, false, nil
	}
	return nil, false, NewFault(schema.FaultSelectionFailure, explanation)
}

func (as *assignment) endpoint(pl *schema.PartnerLink, role schema.EndpointRole) (*schema.EndpointReference, error) {
	if role == "" {
		role = schema.RolePartner
	}
	if epr, ok := as.eprs[pl]; ok && role == schema.RolePartner {
		return epr, nil
	}
	epr, err := as.a.rt().FetchEndpoint(as.a.partnerLink(pl), role)
	if err != nil {
		return nil, err
	}
	if epr == nil {
		if role == schema.RolePartner {
			return nil, NewFaultf(schema.FaultUninitializedPartnerRole, "partner link %s has no partner endpoint", pl.Name)
		}
		return nil, NewFaultf(schema.FaultSelectionFailure, "partner link %s has no %s endpoint", pl.Name, role)
	}
	return epr, nil
}

// to writes val into the l-value of c.
func (as *assignment) to(c *schema.Copy, val any) error {
	t := c.To
	if t.PartnerLink != nil {
		epr, ok := valueEndpoint(val)
		if !ok {
			return NewFaultf(schema.FaultMismatchedAssignment, "value cannot be assigned to partner link %s", t.PartnerLink.Name)
		}
		if _, seen := as.eprs[t.PartnerLink]; !seen {
			as.eprOrder = append(as.eprOrder, t.PartnerLink)
		}
		as.eprs[t.PartnerLink] = epr
		return nil
	}
	if t.Variable == nil {
		panic(invalidProcessf("%s: copy without a target", as.a.o()))
	}

	v := t.Variable
	part, query := t.Part, t.Query
	if t.Property != nil {
		part, query = propertyLocation(as.a.in.proc, v, t.Property)
	}
	if part == "" && query == "" {
		if v.Kind == schema.VariableMessage {
			m, ok := asMessage(val)
			if !ok {
				return NewFaultf(schema.FaultMismatchedAssignment, "variable %s requires a message", v.Name)
			}
			val = m
		}
		as.stage(v, val)
		return nil
	}

	cur, initialized, err := as.read(v)
	if err != nil {
		return err
	}
	if part == "" {
		if !initialized && !c.InsertMissingToData {
			return NewFaultf(schema.FaultUninitializedVariable, "variable %s is not initialized", v.Name)
		}
		nv, err := as.setPath(c, cur, query, val)
		if err != nil {
			return err
		}
		as.stage(v, nv)
		return nil
	}

	msg := schema.Message{}
	if initialized {
		m, ok := asMessage(cur)
		if !ok {
			return NewFaultf(schema.FaultMismatchedAssignment, "variable %s does not hold a message", v.Name)
		}
		msg = m.Clone()
	}
	if query == "" {
		msg[part] = val
	} else {
		nv, err := as.setPath(c, msg[part], query, val)
		if err != nil {
			return err
		}
		msg[part] = nv
	}
	as.stage(v, msg)
	return nil
}

func (as *assignment) setPath(c *schema.Copy, doc any, query string, val any) (any, error) {
	exprs := as.a.rt().Expressions()
	if !c.InsertMissingToData {
		_, found, err := exprs.Query(as.ctx(), query, doc)
		if err != nil {
			return nil, NewFault(schema.FaultSubLanguageExecution, err.Error())
		}
		if !found {
			return nil, NewFaultf(schema.FaultSelectionFailure, "query %s selected nothing in the target", query)
		}
	}
	nv, err := exprs.SetPath(as.ctx(), query, doc, val)
	if err != nil {
		return nil, NewFault(schema.FaultSelectionFailure, err.Error())
	}
	return nv, nil
}

func (as *assignment) commit() error {
	for _, v := range as.order {
		if err := as.a.writeVariable(v, as.staged[v]); err != nil {
			return err
		}
	}
	for _, pl := range as.eprOrder {
		if err := as.a.rt().WriteEndpoint(as.a.partnerLink(pl), as.eprs[pl]); err != nil {
			return err
		}
		as.a.sendEvent(schema.ProcessEvent{
			Type:    schema.EventPartnerLinkModified,
			Details: map[string]any{"partner_link": pl.Name},
		})
	}
	return nil
}

// ExtensionContext of assign extensions: reads and writes go through the
// staged values.

func (as *assignment) Context() context.Context {
	return as.ctx()
}

func (as *assignment) ActivityName() string {
	return as.a.o().Name
}

func (as *assignment) InstanceID() int64 {
	return as.a.rt().InstanceID()
}

func (as *assignment) ReadVariable(name string) (any, error) {
	v, err := extensionContext{a: as.a}.lookup(name)
	if err != nil {
		return nil, err
	}
	val, ok, err := as.read(v)
	if err != nil {
		return nil, err
	}
	if !ok {
		return as.a.in.fetchVariable(as.a.frame, v)
	}
	return expressions.DeepCopy(val), nil
}

func (as *assignment) WriteVariable(name string, value any) error {
	v, err := extensionContext{a: as.a}.lookup(name)
	if err != nil {
		return err
	}
	as.stage(v, expressions.Normalize(value))
	return nil
}

// propertyLocation resolves a property of a message variable to the part
// and query of its alias.
func propertyLocation(proc *schema.Process, v *schema.Variable, p *schema.Property) (string, string) {
	if v.MessageType == nil {
		panic(invalidProcessf("property %s used on non-message variable %s", p.Name, v.Name))
	}
	alias := proc.Alias(p.Name, v.MessageType.Name)
	if alias == nil {
		panic(invalidProcessf("no property alias for %s on message type %s", p.Name, v.MessageType.Name))
	}
	return alias.Part, alias.Query
}

func endpointValue(epr *schema.EndpointReference) map[string]any {
	v := map[string]any{"service": epr.Service}
	if epr.Address != "" {
		v["address"] = epr.Address
	}
	if epr.SessionID != "" {
		v["session_id"] = epr.SessionID
	}
	return v
}

func valueEndpoint(v any) (*schema.EndpointReference, bool) {
	switch val := v.(type) {
	case *schema.EndpointReference:
		return val, val != nil
	case string:
		return &schema.EndpointReference{Address: val}, val != ""
	case map[string]any:
		epr := &schema.EndpointReference{}
		epr.Service, _ = val["service"].(string)
		epr.Address, _ = val["address"].(string)
		epr.SessionID, _ = val["session_id"].(string)
		return epr, epr.Service != "" || epr.Address != ""
	case schema.Message:
		return valueEndpoint(map[string]any(val))
	}
	return nil, false
}
