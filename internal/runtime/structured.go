package runtime

import (
	"github.com/rendis/bpelrt/internal/jacob"
	"github.com/rendis/bpelrt/pkg/schema"
)

type sequence struct {
	activity
	remaining []*schema.Activity
	comps     []*CompensationHandler
}

func runSequence(a activity) {
	body := a.o().Body.(*schema.Sequence)
	s := &sequence{activity: a, remaining: body.Activities}
	s.next()
}

func (s *sequence) next() {
	if len(s.remaining) == 0 {
		s.self.Parent.Completed(nil, s.comps)
		return
	}
	child := s.child(s.remaining[0])
	s.start(child, s.frame, s.links)
	s.relay(child, func(fault *FaultData, comps []*CompensationHandler) {
		s.comps = append(s.comps, comps...)
		s.remaining = s.remaining[1:]
		if fault != nil || s.terminated {
			for _, o := range s.remaining {
				s.dpe(o)
			}
			s.self.Parent.Completed(fault, s.comps)
			return
		}
		s.next()
	})
}

// flow runs its children concurrently. The first fault terminates the
// children that are still running.
type flow struct {
	activity
	active []*ActivityInfo
	comps  []*CompensationHandler
	fault  *FaultData
}

func runFlow(a activity) {
	body := a.o().Body.(*schema.Flow)
	f := &flow{activity: a}
	links := NewLinkFrame(a.links)
	for _, l := range body.Links {
		links.Declare(a.soup(), l)
	}
	for _, o := range body.Activities {
		child := f.child(o)
		f.active = append(f.active, child)
		f.start(child, a.frame, links)
	}
	f.wait()
}

func (f *flow) wait() {
	if len(f.active) == 0 {
		f.self.Parent.Completed(f.fault, f.comps)
		return
	}
	var ls []jacob.Listener
	for _, child := range f.active {
		c := child
		ls = append(ls, c.Parent.On(ParentHandlers{
			Completed: func(fault *FaultData, comps []*CompensationHandler) {
				f.remove(c)
				f.comps = append(f.comps, comps...)
				if fault != nil && f.fault == nil {
					f.fault = fault
					f.terminateChildren()
				}
				f.wait()
			},
			Compensate: func(scope *schema.Scope, ack SynchChan) {
				f.self.Parent.Compensate(scope, ack)
				f.wait()
			},
		}))
	}
	f.choose(func() {
		f.terminateChildren()
		f.wait()
	}, ls...)
}

func (f *flow) remove(c *ActivityInfo) {
	for i, x := range f.active {
		if x == c {
			f.active = append(f.active[:i], f.active[i+1:]...)
			return
		}
	}
}

func (f *flow) terminateChildren() {
	for _, child := range f.active {
		child.Self.SendReplicated(struct{}{})
	}
}

// runIf runs the first branch whose condition holds; a branch without a
// condition always holds.
func runIf(a activity) {
	body := a.o().Body.(*schema.If)
	selected := -1
	for i, br := range body.Branches {
		if br.Condition == nil {
			selected = i
			break
		}
		ok, err := a.evalBool(br.Condition)
		if err != nil {
			a.abort(err, func() {
				for _, other := range body.Branches {
					a.dpe(other.Activity)
				}
			})
			return
		}
		if ok {
			selected = i
			break
		}
	}
	for i, br := range body.Branches {
		if i != selected {
			a.dpe(br.Activity)
		}
	}
	if selected < 0 {
		a.self.Parent.Completed(nil, nil)
		return
	}
	child := a.child(body.Branches[selected].Activity)
	a.start(child, a.frame, a.links)
	a.relay(child, func(fault *FaultData, comps []*CompensationHandler) {
		a.self.Parent.Completed(fault, comps)
	})
}

type loop struct {
	activity
	cond      *schema.Expression
	body      *schema.Activity
	until     bool
	comps     []*CompensationHandler
	iteration int
}

func runWhile(a activity) {
	body := a.o().Body.(*schema.While)
	l := &loop{activity: a, cond: body.Condition, body: body.Activity}
	l.test()
}

func runRepeatUntil(a activity) {
	body := a.o().Body.(*schema.RepeatUntil)
	l := &loop{activity: a, cond: body.Condition, body: body.Activity, until: true}
	l.iterate()
}

// test evaluates the loop condition and either runs the body again or
// completes.
func (l *loop) test() {
	if l.terminated {
		l.self.Parent.Completed(nil, l.comps)
		return
	}
	ok, err := l.evalBool(l.cond)
	if err != nil {
		l.finish(err, l.comps...)
		return
	}
	if ok == l.until {
		l.self.Parent.Completed(nil, l.comps)
		return
	}
	l.iterate()
}

func (l *loop) iterate() {
	l.iteration++
	l.log().Debug("loop iteration", "n", l.iteration)
	child := l.child(l.body)
	l.start(child, l.frame, l.links)
	l.relay(child, func(fault *FaultData, comps []*CompensationHandler) {
		l.comps = append(l.comps, comps...)
		if fault != nil {
			l.self.Parent.Completed(fault, l.comps)
			return
		}
		l.test()
	})
}
