package runtime

import (
	"github.com/rendis/bpelrt/internal/jacob"
	"github.com/rendis/bpelrt/pkg/schema"
)

// guard wraps every activity that is not a scope body. It waits for the
// incoming links, evaluates the join condition, runs the activity, sets the
// outgoing links and applies the failure handling policy.
type guard struct {
	activity
	linkVals map[*schema.Link]bool
	enabled  bool
	retries  int
}

func newGuard(a activity) *guard {
	return &guard{activity: a, linkVals: make(map[*schema.Link]bool)}
}

func (g *guard) run() {
	if !g.enabled {
		g.enabled = true
		g.sendEvent(schema.ProcessEvent{Type: schema.EventActivityEnabled})
	}
	o := g.o()
	for _, l := range o.Targets {
		if _, ok := g.linkVals[l]; ok {
			continue
		}
		link := l
		g.soup().Object(
			g.self.Self.On(func(struct{}) {
				// Complete without faulting or registering compensations.
				g.self.Parent.Completed(nil, nil)
				g.dpe(o)
			}),
			g.links.Resolve(link).Ch.On(func(status bool) {
				g.linkVals[link] = status
				g.run()
			}),
		)
		return
	}

	if g.joinCondition() {
		g.execute()
		return
	}
	g.dpe(o)
	if o.SuppressJoinFailure {
		g.self.Parent.Completed(nil, nil)
		return
	}
	g.self.Parent.Completed(g.createFault(schema.FaultJoinFailure, "join condition of "+o.String()+" is false"), nil)
}

func (g *guard) joinCondition() bool {
	o := g.o()
	if len(o.Targets) == 0 {
		return true
	}
	if o.JoinCondition == nil {
		for _, v := range g.linkVals {
			if v {
				return true
			}
		}
		return false
	}
	data := make(map[string]any, len(g.linkVals))
	for l, v := range g.linkVals {
		data[l.Name] = v
	}
	ok, err := g.rt().Expressions().EvaluateAsBoolean(g.in.ctx, o.JoinCondition, data)
	if err != nil {
		panic(&InvalidProcessError{Msg: "join condition of " + o.String(), Cause: err})
	}
	return ok
}

func (g *guard) execute() {
	g.sendEvent(schema.ProcessEvent{Type: schema.EventActivityExecStart})
	child := &ActivityInfo{
		ID:     g.rt().GenID(),
		O:      g.o(),
		Self:   g.self.Self,
		Parent: newParentChan(g.soup(), "guard "+g.o().String()),
	}
	in := g.in
	a := activity{in: in, self: child, frame: g.frame, links: g.links}
	in.soup.Instance(func() { in.runTemplate(a) })
	g.intercept(child)
}

func (g *guard) intercept(child *ActivityInfo) {
	o := g.o()
	g.soup().Object(child.Parent.On(ParentHandlers{
		Completed: func(fault *FaultData, comps []*CompensationHandler) {
			end := schema.ProcessEvent{Type: schema.EventActivityExecEnd}
			if fault != nil {
				end.FaultName = fault.Name.String()
			}
			g.sendEvent(end)
			if fault != nil {
				g.dpeLinks(o.Sources)
				g.dpeLinks(o.Outgoing)
				g.self.Parent.Completed(fault, comps)
				return
			}
			g.self.Parent.Completed(g.transitions(), comps)
		},
		Cancelled: func() {
			g.dpe(o)
			g.self.Parent.Cancelled()
		},
		Failure: func(reason string, data any) {
			g.failed(reason, data)
		},
		Compensate: func(scope *schema.Scope, ack SynchChan) {
			g.self.Parent.Compensate(scope, ack)
			g.intercept(child)
		},
	}))
}

// transitions publishes the source links. A condition that cannot be
// evaluated sets its link to false; the first such fault is returned.
func (g *guard) transitions() *FaultData {
	var first *FaultData
	for _, l := range g.o().Sources {
		status := true
		if l.TransitionCondition != nil {
			v, err := g.evalBool(l.TransitionCondition)
			if err != nil {
				fe, ok := AsFault(err)
				if !ok {
					fe = NewFault(schema.FaultSubLanguageExecution, err.Error())
				}
				if first == nil {
					first = g.faultFrom(fe)
				}
				v = false
			}
			status = v
		}
		g.links.Resolve(l).Publish(status)
	}
	return first
}

func (g *guard) failed(reason string, data any) {
	fh := g.o().EffectiveFailureHandling()
	g.log().Warn("activity failure", "reason", reason, "retries", g.retries)
	g.sendEvent(schema.ProcessEvent{
		Type:    schema.EventActivityFailure,
		Details: map[string]any{"reason": reason, "retries": g.retries},
	})

	switch {
	case fh != nil && g.retries < fh.RetryFor:
		g.retryWait(fh, reason, data)
	case fh != nil && fh.FaultOnFailure:
		g.dpeLinks(g.o().Sources)
		g.dpeLinks(g.o().Outgoing)
		g.self.Parent.Completed(g.createFault(schema.FaultActivityFailure, reason), nil)
	default:
		g.awaitRecovery(reason, data)
	}
}

func (g *guard) retryWait(fh *schema.FailureHandling, reason string, data any) {
	delay := RetryDelay(fh, g.retries)
	g.retries++
	timer := jacob.NewChan[TimerResponse](g.soup(), "retry "+g.o().String())
	if err := g.rt().RegisterTimer(timer, g.rt().Now().Add(delay)); err != nil {
		g.log().Error("cannot schedule retry", "error", err)
		g.awaitRecovery(reason, data)
		return
	}
	g.log().Debug("retrying activity", "attempt", g.retries, "delay", delay)
	g.soup().Object(
		g.self.Self.On(func(struct{}) {
			g.rt().CancelTimer(timer)
			g.dpe(g.o())
			g.self.Parent.Cancelled()
		}),
		timer.On(func(TimerResponse) {
			g.execute()
		}),
	)
}

var recoveryActions = []string{RecoveryRetry, RecoveryCancel, RecoveryFault}

func (g *guard) awaitRecovery(reason string, data any) {
	o := g.o()
	ch := jacob.NewChan[RecoveryAction](g.soup(), "recovery "+o.String())
	if err := g.rt().RegisterActivityForRecovery(ch, g.self.ID, reason, data, recoveryActions, g.retries); err != nil {
		g.log().Error("cannot register activity for recovery", "error", err)
		g.dpeLinks(o.Sources)
		g.dpeLinks(o.Outgoing)
		g.self.Parent.Completed(g.createFault(schema.FaultActivityFailure, reason), nil)
		return
	}
	g.soup().Object(
		g.self.Self.On(func(struct{}) {
			g.rt().UnregisterActivityForRecovery(ch)
			g.dpe(o)
			g.self.Parent.Cancelled()
		}),
		ch.On(func(act RecoveryAction) {
			g.rt().UnregisterActivityForRecovery(ch)
			g.sendEvent(schema.ProcessEvent{
				Type:    schema.EventActivityRecovery,
				Details: map[string]any{"action": act.Action},
			})
			switch act.Action {
			case RecoveryRetry:
				g.retries++
				g.execute()
			case RecoveryCancel:
				g.dpe(o)
				g.self.Parent.Cancelled()
			case RecoveryFault:
				fault := act.Fault
				if fault == nil {
					fault = g.createFault(schema.FaultActivityFailure, reason)
				}
				g.dpeLinks(o.Sources)
				g.dpeLinks(o.Outgoing)
				g.self.Parent.Completed(fault, nil)
			default:
				g.log().Warn("ignoring unknown recovery action", "action", act.Action)
				g.awaitRecovery(reason, data)
			}
		}),
	)
}
