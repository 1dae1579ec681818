package runtime

import (
	"time"

	"github.com/rendis/bpelrt/internal/jacob"
	"github.com/rendis/bpelrt/pkg/schema"
)

// eventHandler is the scope's view of one running event handler.
type eventHandler struct {
	info          *ActivityInfo
	ctrl          ControlChan
	stopRequested bool
	termRequested bool
}

func (eh *eventHandler) stop() {
	if eh.stopRequested || eh.termRequested {
		return
	}
	eh.stopRequested = true
	eh.ctrl.SendReplicated(struct{}{})
}

// terminate also reaches a handler that was already asked to stop, since
// its activities may still be running.
func (eh *eventHandler) terminate() {
	if eh.termRequested {
		return
	}
	eh.termRequested = true
	eh.info.Self.SendReplicated(struct{}{})
}

// alarmHandler fires its activity when the alarm goes off and, with
// repeatEvery, keeps firing until the scope stops it.
type alarmHandler struct {
	activity
	alarm   *schema.OnAlarm
	ctrl    ControlChan
	comps   []*CompensationHandler
	stopped bool
}

func (in *Interpreter) startAlarmHandler(frame FrameID, alarm *schema.OnAlarm) *eventHandler {
	eh := &eventHandler{
		info: in.newActivityInfo(alarm.Activity, "onAlarm"),
		ctrl: jacob.NewChan[struct{}](in.soup, "onAlarm control"),
	}
	h := &alarmHandler{
		activity: activity{in: in, self: eh.info, frame: frame, links: NewLinkFrame(nil)},
		alarm:    alarm,
		ctrl:     eh.ctrl,
	}
	in.soup.Instance(h.run)
	return eh
}

func (h *alarmHandler) run() {
	var (
		at  time.Time
		err error
	)
	switch {
	case h.alarm.For != nil || h.alarm.Until != nil:
		at, err = h.deadline(h.alarm.For, h.alarm.Until)
	case h.alarm.RepeatEvery != nil:
		at, err = h.deadline(h.alarm.RepeatEvery, nil)
	default:
		at = h.rt().Now()
	}
	if err != nil {
		h.finish(err, h.comps...)
		return
	}
	h.wait(at, true)
}

// wait idles until the alarm time, or indefinitely when armed is false,
// unless the handler is stopped or terminated first.
func (h *alarmHandler) wait(at time.Time, armed bool) {
	if h.stopped || h.terminated {
		h.self.Parent.Completed(nil, h.comps)
		return
	}
	if armed && !at.After(h.rt().Now()) {
		h.fire()
		return
	}

	var timer TimerChan
	if armed {
		timer = jacob.NewChan[TimerResponse](h.soup(), "onAlarm timer")
		if err := h.rt().RegisterTimer(timer, at); err != nil {
			h.finish(err, h.comps...)
			return
		}
	}
	done := func() {
		if armed {
			h.rt().CancelTimer(timer)
		}
		h.self.Parent.Completed(nil, h.comps)
	}
	ls := []jacob.Listener{
		h.ctrl.On(func(struct{}) {
			h.stopped = true
			done()
		}),
		h.self.Self.On(func(struct{}) {
			h.terminated = true
			done()
		}),
	}
	if armed {
		ls = append(ls, timer.On(func(resp TimerResponse) {
			if resp.Cancelled {
				h.self.Parent.Completed(nil, h.comps)
				return
			}
			h.fire()
		}))
	}
	h.soup().Object(ls...)
}

func (h *alarmHandler) fire() {
	child := h.child(h.alarm.Activity)
	h.start(child, h.frame, NewLinkFrame(nil))
	h.active(child)
}

func (h *alarmHandler) active(child *ActivityInfo) {
	ls := []jacob.Listener{child.Parent.On(ParentHandlers{
		Completed: func(fault *FaultData, comps []*CompensationHandler) {
			h.comps = append(h.comps, comps...)
			if fault != nil {
				h.self.Parent.Completed(fault, h.comps)
				return
			}
			if h.stopped || h.terminated || h.alarm.RepeatEvery == nil {
				h.wait(time.Time{}, false)
				return
			}
			next, err := h.deadline(h.alarm.RepeatEvery, nil)
			if err != nil {
				h.finish(err, h.comps...)
				return
			}
			h.wait(next, true)
		},
		Compensate: func(scope *schema.Scope, ack SynchChan) {
			h.self.Parent.Compensate(scope, ack)
			h.active(child)
		},
	})}
	if !h.stopped {
		ls = append(ls, h.ctrl.On(func(struct{}) {
			h.stopped = true
			h.active(child)
		}))
	}
	if !h.terminated {
		ls = append(ls, h.self.Self.On(func(struct{}) {
			h.terminated = true
			h.stopped = true
			child.Self.SendReplicated(struct{}{})
			h.active(child)
		}))
	}
	h.soup().Object(ls...)
}

// messageHandler runs a new scope instance for every message it receives
// until stopped.
type messageHandler struct {
	activity
	event              *schema.OnEvent
	ctrl               ControlChan
	comps              []*CompensationHandler
	fault              *FaultData
	active             []*ActivityInfo
	stopped            bool
	childrenTerminated bool
}

func (in *Interpreter) startMessageHandler(frame FrameID, event *schema.OnEvent) *eventHandler {
	eh := &eventHandler{
		info: in.newActivityInfo(event.Activity, "onEvent"),
		ctrl: jacob.NewChan[struct{}](in.soup, "onEvent control"),
	}
	h := &messageHandler{
		activity: activity{in: in, self: eh.info, frame: frame, links: NewLinkFrame(nil)},
		event:    event,
		ctrl:     eh.ctrl,
	}
	in.soup.Instance(h.selectNext)
	return eh
}

func (h *messageHandler) terminateActive() {
	if h.childrenTerminated {
		return
	}
	h.childrenTerminated = true
	for _, c := range h.active {
		c.Self.SendReplicated(struct{}{})
	}
}

func (h *messageHandler) recordFault(err error) {
	fe, ok := AsFault(err)
	if !ok {
		h.log().Error("event handler failed", "error", err)
		fe = NewFault(schema.FaultActivityFailure, err.Error())
	}
	if h.fault == nil {
		h.fault = h.faultFrom(fe)
	}
	h.terminateActive()
}

func (h *messageHandler) selectNext() {
	resp, err := h.register()
	if err != nil {
		h.recordFault(err)
		h.wait(PickResponseChan{})
		return
	}
	h.wait(resp)
}

func (h *messageHandler) register() (PickResponseChan, error) {
	ev := h.event
	pl := h.partnerLink(ev.PartnerLink)
	var keys []schema.CorrelationKey
	var sets []*schema.CorrelationSet
	for _, cs := range ev.JoinCorrelations {
		key, ok, err := h.rt().ReadCorrelation(h.in.frames.CorrelationSet(h.frame, cs))
		if err != nil {
			return PickResponseChan{}, err
		}
		if ok {
			keys = append(keys, key)
			sets = append(sets, cs)
		}
	}
	for _, cs := range ev.MatchCorrelations {
		key, ok, err := h.rt().ReadCorrelation(h.in.frames.CorrelationSet(h.frame, cs))
		if err != nil {
			return PickResponseChan{}, err
		}
		if !ok {
			return PickResponseChan{}, NewFaultf(schema.FaultCorrelationViolation, "correlation set %s is not initialized", cs.Name)
		}
		keys = append(keys, key)
		sets = append(sets, cs)
	}
	if len(keys) == 0 {
		session, err := h.rt().FetchMySessionID(pl)
		if err != nil {
			return PickResponseChan{}, err
		}
		keys = append(keys, schema.CorrelationKey{Set: schema.OpaqueCorrelationSet, Values: []string{session}})
		sets = append(sets, nil)
	}
	sel := Selector{
		PartnerLink:     pl,
		Operation:       ev.Operation,
		MessageExchange: ev.MessageExchange,
		Keys:            keys,
		Sets:            sets,
		Route:           ev.Route,
	}
	resp := jacob.NewChan[PickResponse](h.soup(), "onEvent "+ev.Operation.Name)
	if err := h.rt().Select(resp, time.Time{}, false, []Selector{sel}); err != nil {
		return PickResponseChan{}, err
	}
	return resp, nil
}

func (h *messageHandler) wait(resp PickResponseChan) {
	selecting := !resp.IsZero()
	if len(h.active) == 0 && !selecting {
		h.self.Parent.Completed(h.fault, h.comps)
		return
	}
	var ls []jacob.Listener
	if !h.terminated {
		ls = append(ls, h.self.Self.On(func(struct{}) {
			h.terminateActive()
			h.terminated = true
			if selecting {
				h.rt().CancelSelect(resp)
			}
			h.wait(resp)
		}))
	}
	if !h.stopped {
		ls = append(ls, h.ctrl.On(func(struct{}) {
			h.stopped = true
			if selecting {
				h.rt().CancelSelect(resp)
			}
			h.wait(resp)
		}))
	}
	for _, child := range h.active {
		c := child
		ls = append(ls, c.Parent.On(ParentHandlers{
			Completed: func(fault *FaultData, comps []*CompensationHandler) {
				h.removeActive(c)
				h.comps = append(h.comps, comps...)
				if fault != nil && h.fault == nil {
					h.fault = fault
					h.terminateActive()
					if selecting {
						h.rt().CancelSelect(resp)
					}
					h.self.Parent.Completed(h.fault, h.comps)
					return
				}
				h.wait(resp)
			},
			Compensate: func(scope *schema.Scope, ack SynchChan) {
				h.self.Parent.Compensate(scope, ack)
				h.wait(resp)
			},
		}))
	}
	if selecting {
		ls = append(ls, resp.On(func(r PickResponse) {
			if r.Kind != PickRequest {
				h.wait(PickResponseChan{})
				return
			}
			h.received(r.Request)
		}))
	}
	h.soup().Object(ls...)
}

func (h *messageHandler) removeActive(c *ActivityInfo) {
	for i, x := range h.active {
		if x == c {
			h.active = append(h.active[:i], h.active[i+1:]...)
			return
		}
	}
}

// received starts the handler scope for one message. It runs even when a
// stop or terminate is pending, since the message was already consumed.
func (h *messageHandler) received(req *Request) {
	ev := h.event
	ehFrame, err := h.in.newScopeFrame(h.frame, ev.Scope, nil, nil)
	if err != nil {
		h.recordFault(err)
		h.wait(PickResponseChan{})
		return
	}
	eha := activity{in: h.in, self: h.self, frame: ehFrame, links: h.links}
	if err := h.accept(&eha, req); err != nil {
		h.recordFault(err)
		h.wait(PickResponseChan{})
		return
	}

	innerFrame, err := h.in.newScopeFrame(ehFrame, ev.Activity.Scope(), nil, nil)
	if err != nil {
		h.recordFault(err)
		h.wait(PickResponseChan{})
		return
	}
	child := h.child(ev.Activity)
	h.active = append(h.active, child)
	h.soup().Instance(newScope(activity{in: h.in, self: child, frame: innerFrame, links: NewLinkFrame(nil)}).run)
	if h.childrenTerminated {
		child.Self.SendReplicated(struct{}{})
	}

	if h.terminated || h.stopped || h.fault != nil {
		h.wait(PickResponseChan{})
		return
	}
	h.selectNext()
}

// accept stores the message and its correlations in the event scope and
// takes ownership of the request.
func (h *messageHandler) accept(eha *activity, req *Request) error {
	ev := h.event
	mt := ev.Operation.Input
	if ev.Variable != nil {
		if err := eha.writeVariable(ev.Variable, req.Message); err != nil {
			return err
		}
	}
	if err := eha.initCorrelations(ev.InitCorrelations, correlationInit, mt, req.Message); err != nil {
		return err
	}
	if err := eha.initCorrelations(ev.JoinCorrelations, correlationJoin, mt, req.Message); err != nil {
		return err
	}
	pl := eha.partnerLink(ev.PartnerLink)
	if err := acceptPartner(eha, pl, req); err != nil {
		return err
	}
	return h.rt().ProcessOutstandingRequest(pl, ev.Operation.Name, ev.MessageExchange, req.MexID)
}

// acceptPartner initializes the partner endpoint and session from an
// inbound request.
func acceptPartner(a *activity, pl PartnerLinkInstance, req *Request) error {
	if !pl.Decl.HasPartnerRole() {
		return nil
	}
	if req.SourceEPR != nil {
		current, err := a.rt().FetchEndpoint(pl, schema.RolePartner)
		if err != nil {
			return err
		}
		if current == nil || !pl.Decl.InitializePartnerRole {
			if err := a.rt().WriteEndpoint(pl, req.SourceEPR); err != nil {
				return err
			}
			a.sendEvent(schema.ProcessEvent{
				Type:    schema.EventPartnerLinkModified,
				Details: map[string]any{"partner_link": pl.Decl.Name},
			})
		}
	}
	if req.SessionID != "" {
		return a.rt().InitializePartnersSessionID(pl, req.SessionID)
	}
	return nil
}
