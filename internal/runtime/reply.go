package runtime

import (
	"github.com/rendis/bpelrt/pkg/schema"
)

func runReply(a activity) {
	body := a.o().Body.(*schema.Reply)
	a.finish(reply(&a, body))
}

func reply(a *activity, body *schema.Reply) error {
	msg := schema.Message{}
	mt := body.Operation.Output
	if !body.FaultName.IsZero() {
		mt = body.Operation.Faults[body.FaultName.Local]
	}
	if body.Variable != nil {
		v, err := a.fetchVariable(body.Variable)
		if err != nil {
			return err
		}
		m, ok := asMessage(v)
		if !ok {
			return NewFaultf(schema.FaultMismatchedAssignment, "variable %s does not hold a message", body.Variable.Name)
		}
		msg = m.Clone()
		if body.Variable.MessageType != nil {
			mt = body.Variable.MessageType
		}
		a.sendEvent(schema.ProcessEvent{Type: schema.EventVariableRead, Variable: body.Variable.Name})
	}
	if err := a.initCorrelations(body.InitCorrelations, correlationInit, mt, msg); err != nil {
		return err
	}
	if err := a.initCorrelations(body.JoinCorrelations, correlationJoin, mt, msg); err != nil {
		return err
	}

	pl := a.partnerLink(body.PartnerLink)
	if err := a.rt().Reply(pl, body.Operation.Name, body.MessageExchange, msg, body.FaultName); err != nil {
		return err
	}
	ev := schema.ProcessEvent{
		Type:    schema.EventReplySent,
		Details: map[string]any{"partner_link": pl.Decl.Name, "operation": body.Operation.Name},
	}
	if !body.FaultName.IsZero() {
		ev.FaultName = body.FaultName.String()
	}
	a.sendEvent(ev)
	return nil
}
