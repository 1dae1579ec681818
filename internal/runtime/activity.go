package runtime

import (
	"errors"
	"log/slog"
	"time"

	"github.com/rendis/bpelrt/internal/jacob"
	"github.com/rendis/bpelrt/pkg/schema"
)

// activity is the state every template starts from: who it is, where it
// runs and which links it can see. Templates embed it.
type activity struct {
	in         *Interpreter
	self       *ActivityInfo
	frame      FrameID
	links      *LinkFrame
	terminated bool
}

func (a *activity) o() *schema.Activity {
	return a.self.O
}

func (a *activity) rt() Context {
	return a.in.rt
}

func (a *activity) soup() *jacob.Soup {
	return a.in.soup
}

func (a *activity) log() *slog.Logger {
	return a.in.log.With("activity", a.self.String())
}

func (a *activity) sendEvent(ev schema.ProcessEvent) {
	o := a.o()
	if ev.ActivityID == 0 {
		ev.ActivityID = o.ID
		ev.ActivityInstID = a.self.ID
		ev.ActivityName = o.Name
		ev.ActivityKind = o.Kind
		ev.Line = o.Line
	}
	a.in.frames.fillEventInfo(a.frame, &ev)
	a.in.rt.SendEvent(ev)
}

// child creates the identity of a child activity with fresh channels.
func (a *activity) child(o *schema.Activity) *ActivityInfo {
	return a.in.newActivityInfo(o, o.String())
}

// start schedules the guarded child.
func (a *activity) start(child *ActivityInfo, frame FrameID, links *LinkFrame) {
	g := newGuard(activity{in: a.in, self: child, frame: frame, links: links})
	a.in.soup.Instance(g.run)
}

// choose waits for the first of ls and, unless the activity was already
// terminated, for its termination. onTerminate runs at most once.
func (a *activity) choose(onTerminate func(), ls ...jacob.Listener) {
	if !a.terminated {
		ls = append(ls, a.self.Self.On(func(struct{}) {
			a.terminated = true
			onTerminate()
		}))
	}
	a.in.soup.Object(ls...)
}

// relay waits for a single child, forwarding termination and compensate
// requests, and hands its outcome to done.
func (a *activity) relay(child *ActivityInfo, done func(fault *FaultData, comps []*CompensationHandler)) {
	a.choose(
		func() {
			child.Self.SendReplicated(struct{}{})
			a.relay(child, done)
		},
		child.Parent.On(ParentHandlers{
			Completed: done,
			Compensate: func(scope *schema.Scope, ack SynchChan) {
				a.self.Parent.Compensate(scope, ack)
				a.relay(child, done)
			},
		}),
	)
}

// dpe dead-paths an activity that will never run.
func (a *activity) dpe(o *schema.Activity) {
	if o == nil {
		return
	}
	a.dpeLinks(o.Sources)
	a.dpeLinks(o.Outgoing)
	ev := schema.ProcessEvent{
		Type:         schema.EventActivityDisabled,
		ActivityID:   o.ID,
		ActivityName: o.Name,
		ActivityKind: o.Kind,
		Line:         o.Line,
	}
	a.in.frames.fillEventInfo(a.frame, &ev)
	a.in.rt.SendEvent(ev)
}

func (a *activity) dpeLinks(links []*schema.Link) {
	for _, l := range links {
		a.links.Resolve(l).Publish(false)
	}
}

func (a *activity) createFault(name schema.QName, explanation string) *FaultData {
	return &FaultData{
		Name:        name,
		Explanation: explanation,
		ActivityID:  a.o().ID,
		Line:        a.o().Line,
	}
}

func (a *activity) faultFrom(fe *FaultError) *FaultData {
	f := a.createFault(fe.Name, fe.Explanation)
	f.Message = fe.Message
	f.MessageType = fe.MessageType
	return f
}

// finish reports the outcome of a step: nil completes, a BPEL fault
// completes with that fault and any other error is an activity failure.
// comps are handed up on completion and forgotten on failure.
func (a *activity) finish(err error, comps ...*CompensationHandler) {
	if err == nil {
		a.self.Parent.Completed(nil, comps)
		return
	}
	if fe, ok := AsFault(err); ok {
		a.self.Parent.Completed(a.faultFrom(fe), comps)
		return
	}
	var ip *InvalidProcessError
	if errors.As(err, &ip) {
		panic(ip)
	}
	a.log().Warn("activity failed", "error", err)
	forgetAll(comps)
	a.self.Parent.Failure(err.Error(), nil)
}

// abort reports err before any child started. A fault dead-paths the
// children first; a failure leaves their links open for a retry.
func (a *activity) abort(err error, dpe func()) {
	if _, ok := AsFault(err); ok {
		dpe()
	}
	a.finish(err)
}

func (a *activity) evalData() (map[string]any, error) {
	return a.in.evalData(a.frame)
}

func (a *activity) evalBool(e *schema.Expression) (bool, error) {
	data, err := a.evalData()
	if err != nil {
		return false, err
	}
	v, err := a.rt().Expressions().EvaluateAsBoolean(a.in.ctx, e, data)
	if err != nil {
		return false, expressionError(e, err)
	}
	return v, nil
}

func (a *activity) evalNumber(e *schema.Expression) (float64, error) {
	data, err := a.evalData()
	if err != nil {
		return 0, err
	}
	v, err := a.rt().Expressions().EvaluateAsNumber(a.in.ctx, e, data)
	if err != nil {
		return 0, expressionError(e, err)
	}
	return v, nil
}

func (a *activity) evalValue(e *schema.Expression) (any, error) {
	data, err := a.evalData()
	if err != nil {
		return nil, err
	}
	v, err := a.rt().Expressions().Evaluate(a.in.ctx, e, data)
	if err != nil {
		return nil, expressionError(e, err)
	}
	return v, nil
}

// deadline evaluates a for or until expression into an absolute time.
func (a *activity) deadline(forExpr, untilExpr *schema.Expression) (time.Time, error) {
	data, err := a.evalData()
	if err != nil {
		return time.Time{}, err
	}
	exprs := a.rt().Expressions()
	if forExpr != nil {
		d, err := exprs.EvaluateAsDuration(a.in.ctx, forExpr, data)
		if err != nil {
			return time.Time{}, expressionError(forExpr, err)
		}
		return d.AddTo(a.rt().Now()), nil
	}
	if untilExpr != nil {
		t, err := exprs.EvaluateAsDate(a.in.ctx, untilExpr, data)
		if err != nil {
			return time.Time{}, expressionError(untilExpr, err)
		}
		return t, nil
	}
	panic(invalidProcessf("%s has neither for nor until", a.o()))
}

func (a *activity) fetchVariable(v *schema.Variable) (any, error) {
	return a.in.fetchVariable(a.frame, v)
}

// writeVariable stores value and records the modification.
func (a *activity) writeVariable(v *schema.Variable, value any) error {
	if err := a.in.writeVariable(a.frame, v, value); err != nil {
		return err
	}
	a.sendEvent(schema.ProcessEvent{Type: schema.EventVariableModification, Variable: v.Name, NewValue: value})
	return nil
}

func (a *activity) partnerLink(pl *schema.PartnerLink) PartnerLinkInstance {
	return a.in.frames.PartnerLink(a.frame, pl)
}
