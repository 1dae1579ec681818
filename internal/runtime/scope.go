package runtime

import (
	"github.com/rendis/bpelrt/internal/jacob"
	"github.com/rendis/bpelrt/pkg/schema"
)

// scope runs a scope body with its event handlers in an already created
// frame, then completes, runs a fault handler or installs its compensation
// handler.
type scope struct {
	activity
	decl              *schema.Scope
	body              *ActivityInfo
	handlers          []*eventHandler
	comps             []*CompensationHandler
	fault             *FaultData
	bodyTermRequested bool
	startTime         int64
}

func newScope(a activity) *scope {
	decl := a.o().Scope()
	if decl == nil {
		panic(invalidProcessf("%s is not a scope", a.o()))
	}
	return &scope{activity: a, decl: decl}
}

func (s *scope) run() {
	s.startTime = s.rt().GenID()
	s.body = s.child(s.decl.Activity)
	s.start(s.body, s.frame, s.links)
	if eh := s.decl.EventHandler; eh != nil {
		for _, alarm := range eh.OnAlarms {
			s.handlers = append(s.handlers, s.in.startAlarmHandler(s.frame, alarm))
		}
		for _, ev := range eh.OnEvents {
			s.handlers = append(s.handlers, s.in.startMessageHandler(s.frame, ev))
		}
	}
	s.sendEvent(schema.ProcessEvent{Type: schema.EventScopeStart})
	s.active()
}

func (s *scope) active() {
	if s.body == nil && len(s.handlers) == 0 {
		s.done()
		return
	}

	var ls []jacob.Listener
	if s.body != nil {
		ls = append(ls, s.body.Parent.On(ParentHandlers{
			Completed: func(fault *FaultData, comps []*CompensationHandler) {
				if fault != nil && s.fault == nil {
					s.fault = fault
				}
				s.body = nil
				s.comps = append(s.comps, comps...)
				if fault == nil {
					s.stopHandlers()
				} else {
					s.terminateHandlers()
				}
				s.active()
			},
			Compensate: func(target *schema.Scope, ack SynchChan) {
				s.compensate(target, ack)
				s.active()
			},
		}))
	}
	for _, eh := range s.handlers {
		h := eh
		ls = append(ls, h.info.Parent.On(ParentHandlers{
			Completed: func(fault *FaultData, comps []*CompensationHandler) {
				if fault != nil && s.fault == nil {
					s.fault = fault
				}
				s.removeHandler(h)
				s.comps = append(s.comps, comps...)
				if fault != nil {
					s.terminateBody()
					s.terminateHandlers()
				} else {
					s.stopHandlers()
				}
				s.active()
			},
			Compensate: func(target *schema.Scope, ack SynchChan) {
				s.self.Parent.Compensate(target, ack)
				s.active()
			},
		}))
	}
	s.choose(func() {
		s.terminateBody()
		s.terminateHandlers()
		s.active()
	}, ls...)
}

func (s *scope) terminateBody() {
	if s.body != nil && !s.bodyTermRequested {
		s.bodyTermRequested = true
		s.body.Self.SendReplicated(struct{}{})
	}
}

func (s *scope) stopHandlers() {
	for _, h := range s.handlers {
		h.stop()
	}
}

func (s *scope) terminateHandlers() {
	for _, h := range s.handlers {
		h.terminate()
	}
}

func (s *scope) removeHandler(h *eventHandler) {
	for i, x := range s.handlers {
		if x == h {
			s.handlers = append(s.handlers[:i], s.handlers[i+1:]...)
			return
		}
	}
}

// compensate runs the handlers available in this frame, or defers to the
// parent when the frame has none.
func (s *scope) compensate(target *schema.Scope, ack SynchChan) {
	fr := s.in.frames.Get(s.frame)
	if fr.Compensations == nil {
		s.self.Parent.Compensate(target, ack)
		return
	}
	s.in.compensateInOrder(fr.Compensations.Take(target), ack)
}

func (s *scope) done() {
	// Handlers that were available here and not run can never run now.
	fr := s.in.frames.Get(s.frame)
	if fr.Compensations != nil {
		forgetAll(fr.Compensations.Take(nil))
		fr.Compensations = nil
	}

	var catch *schema.Catch
	if s.fault != nil && !s.terminated && s.decl.FaultHandler != nil {
		catch = findCatch(s.decl.FaultHandler, s.fault)
	}
	if fh := s.decl.FaultHandler; fh != nil {
		for _, c := range fh.Catches {
			if c != catch {
				s.dpeLinks(c.Activity.Outgoing)
			}
		}
	}

	switch {
	case s.terminated:
		s.log().Debug("scope terminated", "scope", s.decl.Name)
		forgetAll(s.comps)
		s.sendEvent(schema.ProcessEvent{Type: schema.EventScopeCompletion, Details: map[string]any{"terminated": true}})
		s.self.Parent.Cancelled()
	case s.fault != nil:
		s.handleFault(catch)
	default:
		s.sendEvent(schema.ProcessEvent{Type: schema.EventScopeCompletion})
		if s.decl.CompensationHandler == nil {
			s.self.Parent.Completed(nil, s.comps)
			return
		}
		ch := &CompensationHandler{
			Frame:   s.frame,
			Scope:   s.decl,
			Channel: jacob.NewChan[CompensationRequest](s.soup(), "compensation "+s.decl.Name),
			Start:   s.startTime,
			End:     s.rt().GenID(),
		}
		s.in.installCompensationHandler(ch, s.comps)
		s.sendEvent(schema.ProcessEvent{Type: schema.EventCompensationRegistered})
		s.self.Parent.Completed(nil, []*CompensationHandler{ch})
	}
}

func (s *scope) handleFault(catch *schema.Catch) {
	fault := s.fault
	s.sendEvent(schema.ProcessEvent{
		Type:      schema.EventScopeFault,
		FaultName: fault.Name.String(),
		Details:   map[string]any{"explanation": fault.Explanation, "fault_line": fault.Line},
	})
	if catch == nil {
		s.log().Debug("no fault handler, propagating", "scope", s.decl.Name, "fault", fault.String())
		s.self.Parent.Completed(fault, s.comps)
		return
	}

	frame, err := s.in.newScopeFrame(s.frame, catch.Activity.Scope(), NewCompensationSet(s.comps...), fault)
	if err != nil {
		s.log().Error("cannot create fault handler scope", "error", err)
		s.self.Parent.Completed(fault, s.comps)
		return
	}
	if catch.FaultVariable != nil && fault.Message != nil {
		if err := s.in.writeVariable(frame, catch.FaultVariable, fault.Message); err != nil {
			panic(&InvalidProcessError{Msg: "initialize fault variable " + catch.FaultVariable.Name, Cause: err})
		}
	}

	info := s.in.newActivityInfo(catch.Activity, "catch")
	s.soup().Instance(newScope(activity{in: s.in, self: info, frame: frame, links: s.links}).run)
	s.soup().Object(info.Parent.On(ParentHandlers{
		Completed: func(f *FaultData, comps []*CompensationHandler) {
			// A fault handler's own child scopes can never be compensated.
			forgetAll(comps)
			s.self.Parent.Completed(f, nil)
		},
	}))
}

// findCatch selects the best catch block for fault. Blocks naming the fault
// beat typed blocks, which beat catchAll; the first of equal rank wins.
func findCatch(fh *schema.FaultHandler, fault *FaultData) *schema.Catch {
	var best *schema.Catch
	bestScore := -1
	for _, c := range fh.Catches {
		if !c.FaultName.IsZero() && c.FaultName != fault.Name {
			continue
		}
		mt, el, typed := catchType(c)
		if typed && !faultTypeMatches(fault, mt, el) {
			continue
		}
		score := 0
		if !c.FaultName.IsZero() {
			score += 2
		}
		if typed {
			score++
		}
		if score > bestScore {
			best, bestScore = c, score
		}
	}
	return best
}

func catchType(c *schema.Catch) (*schema.MessageType, schema.QName, bool) {
	if v := c.FaultVariable; v != nil {
		if v.Kind == schema.VariableMessage {
			return v.MessageType, schema.QName{}, true
		}
		return nil, v.TypeName, true
	}
	if c.FaultMessageType != nil {
		return c.FaultMessageType, schema.QName{}, true
	}
	if !c.FaultElement.IsZero() {
		return nil, c.FaultElement, true
	}
	return nil, schema.QName{}, false
}

func faultTypeMatches(f *FaultData, mt *schema.MessageType, el schema.QName) bool {
	if mt != nil {
		return f.MessageType != nil && f.MessageType.Name == mt.Name
	}
	if !f.ElementType.IsZero() {
		return f.ElementType == el
	}
	// A single-part message whose part has the element type also matches.
	if f.MessageType != nil && len(f.MessageType.Parts) == 1 {
		return f.MessageType.Parts[0].Type == el.String()
	}
	return false
}
