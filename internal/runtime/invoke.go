package runtime

import (
	"github.com/rendis/bpelrt/internal/jacob"
	"github.com/rendis/bpelrt/pkg/schema"
)

type invoke struct {
	activity
	body *schema.Invoke
	pl   PartnerLinkInstance
}

func runInvoke(a activity) {
	inv := &invoke{activity: a, body: a.o().Body.(*schema.Invoke)}
	inv.pl = inv.partnerLink(inv.body.PartnerLink)
	inv.run()
}

func (inv *invoke) run() {
	msg, err := inv.outbound()
	if err != nil {
		inv.finish(err)
		return
	}
	epr, err := inv.rt().FetchEndpoint(inv.pl, schema.RolePartner)
	if err != nil {
		inv.finish(err)
		return
	}
	if epr == nil {
		inv.finish(NewFaultf(schema.FaultUninitializedPartnerRole, "partner link %s has no partner endpoint", inv.pl.Decl.Name))
		return
	}

	op := inv.body.Operation
	if op.OneWay() {
		if _, err := inv.rt().Invoke(inv.self.ID, inv.pl, op, msg, InvokeResponseChan{}); err != nil {
			inv.finish(err)
			return
		}
		inv.invoked("")
		inv.self.Parent.Completed(nil, nil)
		return
	}

	resp := jacob.NewChan[InvokeResponse](inv.soup(), "invoke "+inv.o().String())
	mexID, err := inv.rt().Invoke(inv.self.ID, inv.pl, op, msg, resp)
	if err != nil {
		inv.finish(err)
		return
	}
	inv.invoked(mexID)
	inv.soup().Object(
		resp.On(func(r InvokeResponse) {
			inv.response(r)
		}),
		inv.self.Self.On(func(struct{}) {
			inv.self.Parent.Completed(nil, nil)
			inv.soup().Object(resp.On(func(r InvokeResponse) {
				inv.log().Debug("ignoring response of terminated invoke", "mex_id", mexID, "kind", r.Kind)
			}))
		}),
	)
}

func (inv *invoke) invoked(mexID string) {
	inv.sendEvent(schema.ProcessEvent{
		Type: schema.EventPartnerInvoked,
		Details: map[string]any{
			"partner_link": inv.pl.Decl.Name,
			"operation":    inv.body.Operation.Name,
			"mex_id":       mexID,
		},
	})
}

// outbound reads the input message and initializes the outbound
// correlations from it.
func (inv *invoke) outbound() (schema.Message, error) {
	mt := inv.body.Operation.Input
	var msg schema.Message
	if inv.body.InputVar != nil {
		v, err := inv.fetchVariable(inv.body.InputVar)
		if err != nil {
			return nil, err
		}
		m, ok := asMessage(v)
		if !ok {
			return nil, NewFaultf(schema.FaultMismatchedAssignment, "variable %s does not hold a message", inv.body.InputVar.Name)
		}
		msg = m
		inv.sendEvent(schema.ProcessEvent{Type: schema.EventVariableRead, Variable: inv.body.InputVar.Name})
	} else if mt != nil && len(mt.Parts) > 0 {
		panic(invalidProcessf("%s has no input variable", inv.o()))
	}
	if msg == nil {
		msg = schema.Message{}
	}
	if err := inv.initCorrelations(inv.body.InitCorrelationsInput, correlationInit, mt, msg); err != nil {
		return nil, err
	}
	if err := inv.initCorrelations(inv.body.JoinCorrelationsInput, correlationJoin, mt, msg); err != nil {
		return nil, err
	}
	return msg.Clone(), nil
}

func (inv *invoke) response(r InvokeResponse) {
	switch r.Kind {
	case InvokeReplied:
		inv.finish(inv.received(r))
	case InvokeFaulted:
		f := inv.createFault(r.FaultName, r.Reason)
		f.Message = r.Message
		f.MessageType = r.MessageType
		inv.self.Parent.Completed(f, nil)
	default:
		inv.log().Error("partner invocation failed", "reason", r.Reason)
		inv.self.Parent.Failure(r.Reason, map[string]any{"invokeFailure": r.Reason})
	}
}

func (inv *invoke) received(r InvokeResponse) error {
	mt := inv.body.Operation.Output
	if inv.body.OutputVar != nil {
		if err := inv.writeVariable(inv.body.OutputVar, r.Message); err != nil {
			return err
		}
	}
	if err := inv.initCorrelations(inv.body.InitCorrelationsOutput, correlationInit, mt, r.Message); err != nil {
		return err
	}
	if err := inv.initCorrelations(inv.body.JoinCorrelationsOutput, correlationJoin, mt, r.Message); err != nil {
		return err
	}
	return acceptPartner(&inv.activity, inv.pl, &Request{SourceEPR: r.SourceEPR, SessionID: r.SessionID})
}
