package runtime

import (
	"time"

	"github.com/rendis/bpelrt/internal/jacob"
	"github.com/rendis/bpelrt/pkg/schema"
)

// pick waits for the first of its messages or for its earliest alarm. A
// receive is a pick with a single message and no activity.
type pick struct {
	activity
	body  *schema.Pick
	alarm int
	resp  PickResponseChan
}

func runPick(a activity) {
	p := &pick{activity: a, body: a.o().Body.(*schema.Pick), alarm: -1}
	p.run()
}

func (p *pick) run() {
	selectors := make([]Selector, 0, len(p.body.OnMessages))
	for i, om := range p.body.OnMessages {
		sel, err := p.selector(i, om)
		if err != nil {
			p.abort(err, func() { p.dpeAll(-1, -1) })
			return
		}
		selectors = append(selectors, sel)
	}

	var timeout time.Time
	for i, al := range p.body.OnAlarms {
		at, err := p.deadline(al.For, al.Until)
		if err != nil {
			p.abort(err, func() { p.dpeAll(-1, -1) })
			return
		}
		if p.alarm < 0 || at.Before(timeout) {
			p.alarm, timeout = i, at
		}
	}

	p.resp = jacob.NewChan[PickResponse](p.soup(), "pick "+p.o().String())
	if err := p.rt().Select(p.resp, timeout, p.body.CreateInstance, selectors); err != nil {
		p.abort(err, func() { p.dpeAll(-1, -1) })
		return
	}
	p.wait()
}

// selector builds the match criteria of one onMessage. Instance-creating
// picks match by operation alone.
func (p *pick) selector(i int, om *schema.OnMessage) (Selector, error) {
	sel := Selector{
		Index:           i,
		PartnerLink:     p.partnerLink(om.PartnerLink),
		Operation:       om.Operation,
		MessageExchange: om.MessageExchange,
		Route:           om.Route,
	}
	if p.body.CreateInstance {
		return sel, nil
	}
	for _, cs := range om.JoinCorrelations {
		key, ok, err := p.rt().ReadCorrelation(p.in.frames.CorrelationSet(p.frame, cs))
		if err != nil {
			return sel, err
		}
		if ok {
			sel.Keys = append(sel.Keys, key)
			sel.Sets = append(sel.Sets, cs)
		}
	}
	for _, cs := range om.MatchCorrelations {
		key, ok, err := p.rt().ReadCorrelation(p.in.frames.CorrelationSet(p.frame, cs))
		if err != nil {
			return sel, err
		}
		if !ok {
			return sel, NewFaultf(schema.FaultCorrelationViolation, "correlation set %s is not initialized", cs.Name)
		}
		sel.Keys = append(sel.Keys, key)
		sel.Sets = append(sel.Sets, cs)
	}
	if len(sel.Keys) == 0 {
		session, err := p.rt().FetchMySessionID(sel.PartnerLink)
		if err != nil {
			return sel, err
		}
		sel.Keys = []schema.CorrelationKey{{Set: schema.OpaqueCorrelationSet, Values: []string{session}}}
		sel.Sets = []*schema.CorrelationSet{nil}
	}
	return sel, nil
}

func (p *pick) wait() {
	p.choose(
		func() {
			p.rt().CancelSelect(p.resp)
			p.wait()
		},
		p.resp.On(func(r PickResponse) {
			if p.terminated {
				// Any message consumed here is left without a reply.
				p.dpeAll(-1, -1)
				p.self.Parent.Completed(nil, nil)
				return
			}
			switch r.Kind {
			case PickRequest:
				p.onMessage(r.Selector, r.Request)
			case PickTimeout:
				p.onAlarm()
			default:
				p.dpeAll(-1, -1)
				p.self.Parent.Completed(nil, nil)
			}
		}),
	)
}

func (p *pick) onMessage(idx int, req *Request) {
	if idx < 0 || idx >= len(p.body.OnMessages) {
		panic(invalidProcessf("%s: host selected unknown onMessage %d", p.o(), idx))
	}
	om := p.body.OnMessages[idx]
	p.dpeAll(idx, -1)
	p.sendEvent(schema.ProcessEvent{
		Type:    schema.EventMessageReceived,
		Details: map[string]any{"partner_link": om.PartnerLink.Name, "operation": om.Operation.Name, "mex_id": req.MexID},
	})
	if err := p.accept(om, req); err != nil {
		p.dpe(om.Activity)
		p.finish(err)
		return
	}
	p.runBranch(om.Activity)
}

func (p *pick) accept(om *schema.OnMessage, req *Request) error {
	mt := om.Operation.Input
	if om.Variable != nil {
		if err := p.writeVariable(om.Variable, req.Message); err != nil {
			return err
		}
	}
	if err := p.initCorrelations(om.InitCorrelations, correlationInit, mt, req.Message); err != nil {
		return err
	}
	if err := p.initCorrelations(om.JoinCorrelations, correlationJoin, mt, req.Message); err != nil {
		return err
	}
	pl := p.partnerLink(om.PartnerLink)
	if err := acceptPartner(&p.activity, pl, req); err != nil {
		return err
	}
	return p.rt().ProcessOutstandingRequest(pl, om.Operation.Name, om.MessageExchange, req.MexID)
}

func (p *pick) onAlarm() {
	if p.alarm < 0 {
		panic(invalidProcessf("%s: timeout without an alarm", p.o()))
	}
	p.dpeAll(-1, p.alarm)
	p.runBranch(p.body.OnAlarms[p.alarm].Activity)
}

func (p *pick) runBranch(o *schema.Activity) {
	if o == nil {
		p.self.Parent.Completed(nil, nil)
		return
	}
	child := p.child(o)
	p.start(child, p.frame, p.links)
	p.relay(child, func(fault *FaultData, comps []*CompensationHandler) {
		p.self.Parent.Completed(fault, comps)
	})
}

// dpeAll dead-paths every branch except the selected message or alarm.
func (p *pick) dpeAll(message, alarm int) {
	for i, om := range p.body.OnMessages {
		if i != message {
			p.dpe(om.Activity)
		}
	}
	for i, al := range p.body.OnAlarms {
		if i != alarm {
			p.dpe(al.Activity)
		}
	}
}
