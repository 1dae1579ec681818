package runtime

import (
	"math"

	"github.com/rendis/bpelrt/internal/jacob"
	"github.com/rendis/bpelrt/pkg/schema"
)

type forEach struct {
	activity
	body               *schema.ForEach
	start              int
	final              int
	completion         int
	current            int
	completed          int
	active             []*ActivityInfo
	comps              []*CompensationHandler
	fault              *FaultData
	childrenTerminated bool
}

func runForEach(a activity) {
	f := &forEach{activity: a, body: a.o().Body.(*schema.ForEach), completion: -1}
	f.run()
}

func (f *forEach) run() {
	var err error
	if f.start, err = f.counter(f.body.StartCounter); err != nil {
		f.finish(err)
		return
	}
	if f.final, err = f.counter(f.body.FinalCounter); err != nil {
		f.finish(err)
		return
	}
	if cc := f.body.CompletionCondition; cc != nil && cc.BranchCount != nil {
		if f.completion, err = f.counter(cc.BranchCount); err != nil {
			f.finish(err)
			return
		}
	}

	branches := f.final - f.start + 1
	if f.completion > 0 && f.completion > branches {
		f.finish(NewFaultf(schema.FaultInvalidBranchCondition,
			"completion condition requires %d branches, only %d will run", f.completion, max(branches, 0)))
		return
	}
	if f.final < f.start || f.completion == 0 {
		f.self.Parent.Completed(nil, nil)
		return
	}

	f.current = f.start
	if f.body.Parallel {
		for i := 0; i < branches && f.fault == nil; i++ {
			f.newChild()
		}
	} else {
		f.newChild()
	}
	f.wait()
}

// counter evaluates a counter expression as an unsigned 32-bit integer.
func (f *forEach) counter(e *schema.Expression) (int, error) {
	v, err := f.evalNumber(e)
	if err != nil {
		return 0, NewFaultf(schema.FaultForEachCounterError, "%s: %v", e, err)
	}
	if v < 0 || v > math.MaxUint32 || math.Trunc(v) != v {
		return 0, NewFaultf(schema.FaultForEachCounterError, "%s: %v is not an unsigned integer", e, v)
	}
	return int(v), nil
}

// newChild starts the inner scope for the current counter value in a frame
// of its own, with the counter variable already set.
func (f *forEach) newChild() {
	inner := f.body.InnerScope
	frame, err := f.in.newScopeFrame(f.frame, inner.Scope(), nil, nil)
	if err != nil {
		f.abort(err)
		return
	}
	value := float64(f.current)
	f.current++
	if err := f.in.writeVariable(frame, f.body.CounterVariable, value); err != nil {
		f.abort(err)
		return
	}
	ev := schema.ProcessEvent{Type: schema.EventVariableModification, Variable: f.body.CounterVariable.Name, NewValue: value}
	f.sendEvent(ev)

	child := f.child(inner)
	f.active = append(f.active, child)
	f.soup().Instance(newScope(activity{in: f.in, self: child, frame: frame, links: f.links}).run)
}

func (f *forEach) abort(err error) {
	fe, ok := AsFault(err)
	if !ok {
		f.log().Error("cannot start forEach branch", "error", err)
		fe = NewFault(schema.FaultActivityFailure, err.Error())
	}
	if f.fault == nil {
		f.fault = f.faultFrom(fe)
	}
	f.terminateChildren()
}

// shouldContinue reports whether more branches are needed.
func (f *forEach) shouldContinue() bool {
	if f.completion > 0 && f.completed >= f.completion {
		return false
	}
	return f.start+f.completed <= f.final
}

func (f *forEach) wait() {
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
				if fault == nil || !f.successfulOnly() {
					f.completed++
				}
				f.comps = append(f.comps, comps...)
				if fault != nil && f.fault == nil {
					f.fault = fault
				}
				if f.fault == nil && !f.terminated && f.shouldContinue() {
					if !f.body.Parallel {
						f.newChild()
					}
				} else {
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

func (f *forEach) successfulOnly() bool {
	cc := f.body.CompletionCondition
	return f.completion > 0 && cc != nil && cc.SuccessfulBranchesOnly
}

func (f *forEach) remove(c *ActivityInfo) {
	for i, x := range f.active {
		if x == c {
			f.active = append(f.active[:i], f.active[i+1:]...)
			return
		}
	}
}

func (f *forEach) terminateChildren() {
	if f.childrenTerminated {
		return
	}
	f.childrenTerminated = true
	for _, c := range f.active {
		c.Self.SendReplicated(struct{}{})
	}
}
