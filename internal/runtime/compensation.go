package runtime

import (
	"sort"

	"github.com/rendis/bpelrt/internal/jacob"
	"github.com/rendis/bpelrt/pkg/schema"
)

// CompensationHandler is the installed compensation handler of a scope that
// completed successfully. Start and End are instance clock values.
type CompensationHandler struct {
	Frame   FrameID
	Scope   *schema.Scope
	Channel CompensationChan
	Start   int64
	End     int64
}

// CompensationSet holds handlers, most recently completed first.
type CompensationSet struct {
	items []*CompensationHandler
}

// NewCompensationSet creates a set holding hs.
func NewCompensationSet(hs ...*CompensationHandler) *CompensationSet {
	s := &CompensationSet{}
	s.Add(hs...)
	return s
}

// Add inserts handlers that are not already present.
func (s *CompensationSet) Add(hs ...*CompensationHandler) {
	for _, h := range hs {
		if h != nil && !s.contains(h) {
			s.items = append(s.items, h)
		}
	}
	sort.SliceStable(s.items, func(i, j int) bool {
		a, b := s.items[i], s.items[j]
		if a.End != b.End {
			return a.End > b.End
		}
		return a.Start > b.Start
	})
}

// Len returns the number of handlers.
func (s *CompensationSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.items)
}

// Handlers returns the handlers in compensation order.
func (s *CompensationSet) Handlers() []*CompensationHandler {
	if s == nil {
		return nil
	}
	return append([]*CompensationHandler(nil), s.items...)
}

// Take removes and returns the handlers of scope, or all handlers when scope
// is nil, in compensation order.
func (s *CompensationSet) Take(scope *schema.Scope) []*CompensationHandler {
	var taken, kept []*CompensationHandler
	for _, h := range s.items {
		if scope == nil || h.Scope == scope {
			taken = append(taken, h)
		} else {
			kept = append(kept, h)
		}
	}
	s.items = kept
	return taken
}

func (s *CompensationSet) contains(h *CompensationHandler) bool {
	for _, x := range s.items {
		if x == h {
			return true
		}
	}
	return false
}

func forgetAll(hs []*CompensationHandler) {
	for _, h := range hs {
		h.Channel.Send(CompensationRequest{Forget: true})
	}
}

// installCompensationHandler runs the standing process behind an installed
// handler. nested are the handlers of the scope's own children, visible to
// the compensation activity.
func (in *Interpreter) installCompensationHandler(ch *CompensationHandler, nested []*CompensationHandler) {
	in.soup.Object(ch.Channel.On(func(req CompensationRequest) {
		if req.Forget {
			forgetAll(nested)
			return
		}
		in.runCompensation(ch, nested, req.Ack)
	}))
}

func (in *Interpreter) runCompensation(ch *CompensationHandler, nested []*CompensationHandler, ack SynchChan) {
	handler := ch.Scope.CompensationHandler
	frame, err := in.newScopeFrame(ch.Frame, handler.Scope(), NewCompensationSet(nested...), nil)
	if err != nil {
		in.log.Error("cannot create compensation scope", "scope", ch.Scope.Name, "error", err)
		forgetAll(nested)
		ack.Send(struct{}{})
		return
	}
	info := in.newActivityInfo(handler, "compensation")

	ev := schema.ProcessEvent{Type: schema.EventCompensationInvoked, Details: map[string]any{"scope": ch.Scope.Name}}
	in.frames.fillEventInfo(ch.Frame, &ev)
	in.rt.SendEvent(ev)
	in.log.Debug("running compensation handler", "scope", ch.Scope.Name, "frame", frame)

	in.soup.Instance(newScope(activity{in: in, self: info, frame: frame, links: NewLinkFrame(nil)}).run)
	in.soup.Object(info.Parent.On(ParentHandlers{
		Completed: func(fault *FaultData, comps []*CompensationHandler) {
			if fault != nil {
				in.log.Warn("compensation handler faulted", "scope", ch.Scope.Name, "fault", fault.String())
			}
			// Compensation handlers cannot be compensated themselves.
			forgetAll(comps)
			ack.Send(struct{}{})
		},
	}))
}

// compensateInOrder runs handlers one at a time and acknowledges on ack when
// the last one is done.
func (in *Interpreter) compensateInOrder(handlers []*CompensationHandler, ack SynchChan) {
	if len(handlers) == 0 {
		ack.Send(struct{}{})
		return
	}
	done := jacob.NewChan[struct{}](in.soup, "compensated")
	handlers[0].Channel.Send(CompensationRequest{Ack: done})
	in.soup.Object(done.On(func(struct{}) {
		in.compensateInOrder(handlers[1:], ack)
	}))
}
