package runtime

import (
	"github.com/rendis/bpelrt/internal/jacob"
	"github.com/rendis/bpelrt/pkg/schema"
)

func runEmpty(a activity) {
	a.self.Parent.Completed(nil, nil)
}

func runThrow(a activity) {
	body := a.o().Body.(*schema.Throw)
	fault := a.createFault(body.FaultName, "")
	if body.FaultVariable != nil {
		msg, err := a.fetchVariable(body.FaultVariable)
		if err != nil {
			a.finish(err)
			return
		}
		fault.Message = msg
		fault.MessageType = body.FaultVariable.MessageType
		fault.ElementType = body.FaultVariable.TypeName
	}
	a.self.Parent.Completed(fault, nil)
}

func runRethrow(a activity) {
	fault := a.in.frames.Fault(a.frame)
	if fault == nil {
		panic(invalidProcessf("%s outside of a fault handler", a.o()))
	}
	a.self.Parent.Completed(fault, nil)
}

func runExit(a activity) {
	a.log().Info("exit requested")
	a.rt().Terminate()
	a.self.Parent.Completed(nil, nil)
}

func runWait(a activity) {
	body := a.o().Body.(*schema.Wait)
	at, err := a.deadline(body.For, body.Until)
	if err != nil {
		a.finish(err)
		return
	}
	if !at.After(a.rt().Now()) {
		a.self.Parent.Completed(nil, nil)
		return
	}
	timer := jacob.NewChan[TimerResponse](a.soup(), "wait "+a.o().String())
	if err := a.rt().RegisterTimer(timer, at); err != nil {
		a.finish(err)
		return
	}
	a.soup().Object(
		timer.On(func(TimerResponse) {
			a.self.Parent.Completed(nil, nil)
		}),
		a.self.Self.On(func(struct{}) {
			a.rt().CancelTimer(timer)
			a.self.Parent.Completed(nil, nil)
		}),
	)
}

func runExtension(a activity) {
	body := a.o().Body.(*schema.Extension)
	h, ok := a.rt().Extension(body.Name)
	if !ok {
		panic(invalidProcessf("extension %s is not registered", body.Name))
	}
	a.finish(h.Run(extensionContext{a: &a}, body.Config))
}

// runCompensate asks the enclosing handler scope to compensate every
// completed child scope.
func runCompensate(a activity) {
	compensate(a, nil)
}

func runCompensateScope(a activity) {
	body := a.o().Body.(*schema.CompensateScope)
	target := body.Target.Scope()
	if target == nil {
		panic(invalidProcessf("%s targets %s, which is not a scope", a.o(), body.Target))
	}
	compensate(a, target)
}

func compensate(a activity, scope *schema.Scope) {
	ack := jacob.NewChan[struct{}](a.soup(), "compensate "+a.o().String())
	a.self.Parent.Compensate(scope, ack)
	a.soup().Object(ack.On(func(struct{}) {
		a.self.Parent.Completed(nil, nil)
	}))
}
