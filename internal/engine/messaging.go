package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/bpelrt/internal/metrics"
	"github.com/rendis/bpelrt/internal/partners"
	"github.com/rendis/bpelrt/internal/runtime"
	"github.com/rendis/bpelrt/internal/store"
	"github.com/rendis/bpelrt/pkg/schema"
)

// Select registers the selectors of a receive, pick or event handler. A
// message already waiting for them is accepted at once.
func (in *Instance) Select(resp runtime.PickResponseChan, timeout time.Time, createInstance bool, selectors []runtime.Selector) error {
	if !createInstance {
		for _, other := range in.selects {
			if other.createInstance {
				continue
			}
			if sel, ok := conflicting(other.selectors, selectors); ok {
				return runtime.NewFaultf(schema.FaultConflictingReceive,
					"another receive already waits for %s.%s", sel.PartnerLink.Decl.Name, sel.Operation.Name)
			}
		}
	}

	e := &selectEntry{
		inst:           in,
		instanceID:     in.id,
		proc:           in.proc,
		resp:           resp,
		selectors:      selectors,
		createInstance: createInstance,
		timeout:        timeout,
	}
	in.selects[resp.ID()] = e

	if createInstance && in.initial != nil {
		for _, sel := range selectors {
			if sel.PartnerLink.Decl.Name == in.initial.d.PartnerLink && sel.Operation.Name == in.initial.d.Operation {
				qm := in.initial
				in.initial = nil
				in.accept(e, sel.Index, qm)
				return nil
			}
		}
	}

	if qm, idx := in.eng.router.register(in.ctx, in.dep.key, e); qm != nil {
		in.eng.metrics.SetQueuedMessages(in.eng.router.Queued())
		in.eng.metrics.MessageRouted(in.dep.key, metrics.RouteMatched)
		in.accept(e, idx, qm)
		return nil
	}

	if !timeout.IsZero() {
		e.cancelTimeout = in.eng.timers.Schedule(timeout, func() {
			in.eng.submit(in, "pick_timeout", func() error {
				in.pickTimeout(e)
				return nil
			})
		})
	}
	return nil
}

// conflicting returns a selector of b waiting for the same message as one
// of a.
func conflicting(a, b []runtime.Selector) (runtime.Selector, bool) {
	for _, x := range a {
		for _, y := range b {
			if x.PartnerLink != y.PartnerLink || x.Operation.Name != y.Operation.Name {
				continue
			}
			if keysEqual(x.Keys, y.Keys) {
				return y, true
			}
		}
	}
	return runtime.Selector{}, false
}

func keysEqual(a, b []schema.CorrelationKey) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

func (in *Instance) pickTimeout(e *selectEntry) {
	if in.selects[e.resp.ID()] != e {
		return
	}
	if !in.eng.router.remove(in.dep.key, e) {
		// A message claimed the select first; its delivery is on the lane.
		return
	}
	delete(in.selects, e.resp.ID())
	e.resp.Send(runtime.PickResponse{Kind: runtime.PickTimeout})
}

// CancelSelect withdraws a pending select.
func (in *Instance) CancelSelect(resp runtime.PickResponseChan) {
	e, ok := in.selects[resp.ID()]
	if !ok {
		return
	}
	delete(in.selects, resp.ID())
	in.eng.router.remove(in.dep.key, e)
	if e.cancelTimeout != nil {
		e.cancelTimeout()
	}
	resp.Send(runtime.PickResponse{Kind: runtime.PickCancelled})
}

// deliver hands a routed message to the select that claimed it. When the
// select was withdrawn in the meantime the message is routed again.
func (in *Instance) deliver(e *selectEntry, idx int, qm *queuedMessage) {
	if in.selects[e.resp.ID()] != e {
		in.effect(func() { in.eng.reroute(qm) })
		return
	}
	in.accept(e, idx, qm)
}

func (in *Instance) accept(e *selectEntry, idx int, qm *queuedMessage) {
	delete(in.selects, e.resp.ID())
	if e.cancelTimeout != nil {
		e.cancelTimeout()
	}
	in.inbound[qm.x.ID] = qm.x
	in.trackExchange(&store.MessageExchange{
		ID:          qm.x.ID,
		PartnerLink: qm.d.PartnerLink,
		Operation:   qm.d.Operation,
		Direction:   store.DirectionInbound,
		Status:      store.ExchangePending,
		Request:     marshalOrNil(qm.d.Message),
		CreatedAt:   qm.at.UTC(),
	})
	in.log.Debug("message accepted",
		"partner_link", qm.d.PartnerLink,
		"operation", qm.d.Operation,
		"mex_id", qm.x.ID,
		"waited", time.Since(qm.at),
	)
	e.resp.Send(runtime.PickResponse{
		Kind:     runtime.PickRequest,
		Selector: idx,
		Request: &runtime.Request{
			MexID:     qm.x.ID,
			Message:   qm.d.Message.Clone(),
			SourceEPR: qm.d.SourceEPR,
			SessionID: qm.d.SourceSessionID,
		},
	})
}

// ProcessOutstandingRequest turns an accepted request into one that awaits
// its reply. One-way requests are answered right away.
func (in *Instance) ProcessOutstandingRequest(pl runtime.PartnerLinkInstance, operation, messageExchange, mexID string) error {
	x, ok := in.inbound[mexID]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "no accepted request %s", mexID).WithInstance(in.id)
	}
	delete(in.inbound, mexID)
	if x.OneWay {
		in.closeExchange(x, Reply{InstanceID: in.id})
		return nil
	}
	key := requestKey{scope: pl.ScopeInstance, partnerLink: pl.Decl.Name, operation: operation, mex: messageExchange}
	if _, dup := in.outstanding[key]; dup {
		in.closeExchange(x, Reply{Fault: schema.FaultConflictingRequest, InstanceID: in.id})
		return runtime.NewFaultf(schema.FaultConflictingRequest,
			"a request for %s.%s is already open", pl.Decl.Name, operation)
	}
	in.outstanding[key] = x
	return nil
}

// Reply answers the open request for operation on pl.
func (in *Instance) Reply(pl runtime.PartnerLinkInstance, operation, messageExchange string, msg schema.Message, fault schema.QName) error {
	key := requestKey{scope: pl.ScopeInstance, partnerLink: pl.Decl.Name, operation: operation, mex: messageExchange}
	x, ok := in.outstanding[key]
	if !ok {
		return runtime.NewFaultf(schema.FaultMissingRequest, "no open request for %s.%s", pl.Decl.Name, operation)
	}
	delete(in.outstanding, key)
	session, _ := in.FetchMySessionID(pl)
	in.closeExchange(x, Reply{
		Message:    msg.Clone(),
		Fault:      fault,
		SessionID:  session,
		InstanceID: in.id,
	})
	return nil
}

// Invoke starts a partner call. The call runs after the checkpoint of the
// current stimulus committed, and its outcome comes back as a new stimulus.
func (in *Instance) Invoke(activityID int64, pl runtime.PartnerLinkInstance, op *schema.Operation, msg schema.Message, resp runtime.InvokeResponseChan) (string, error) {
	ls := in.links[pl]
	if ls == nil || ls.partner == nil {
		return "", runtime.NewFaultf(schema.FaultUninitializedPartnerRole, "partner link %s has no partner endpoint", pl.Decl.Name)
	}
	mexID := uuid.NewString()
	oneWay := resp.IsZero()

	target := *ls.partner
	if target.SessionID == "" {
		target.SessionID = ls.partnerSession
	}
	session, _ := in.FetchMySessionID(pl)
	req := &partners.Request{
		Endpoint:    &target,
		PartnerLink: pl.Decl.Name,
		Operation:   op.Name,
		Message:     msg.Clone(),
		OneWay:      oneWay,
		SessionID:   session,
	}
	if ls.my != nil {
		src := *ls.my
		src.SessionID = session
		req.Source = &src
	}

	rec := &store.MessageExchange{
		ID:          mexID,
		PartnerLink: pl.Decl.Name,
		Operation:   op.Name,
		Direction:   store.DirectionOutbound,
		Status:      store.ExchangePending,
		Request:     marshalOrNil(msg),
		CreatedAt:   time.Now().UTC(),
	}
	if oneWay {
		// Nothing comes back; the exchange is done once it is sent.
		rec.Status = store.ExchangeReplied
		rec.CompletedAt = &rec.CreatedAt
		rec.InstanceID = in.id
		in.pending.exchanges[mexID] = rec
		in.effect(func() {
			go in.eng.notifyPartner(in, req)
		})
		return mexID, nil
	}
	in.trackExchange(rec)
	in.invokes[mexID] = &pendingInvoke{resp: resp, pl: pl, op: op, activityID: activityID, start: time.Now()}
	in.effect(func() {
		go in.eng.callPartner(in, mexID, req)
	})
	return mexID, nil
}

// invoked applies the outcome of a partner call.
func (in *Instance) invoked(mexID string, resp *partners.Response, err error) {
	p, ok := in.invokes[mexID]
	if !ok {
		return
	}
	delete(in.invokes, mexID)
	outcome := "replied"
	switch {
	case err != nil:
		outcome = "failed"
		in.completeExchange(mexID, store.ExchangeFailed, nil, err.Error())
		p.resp.Send(runtime.InvokeResponse{Kind: runtime.InvokeFailed, Reason: err.Error()})
	case resp.Faulted():
		outcome = "faulted"
		name := schema.ParseQName(resp.Fault)
		in.completeExchange(mexID, store.ExchangeFaulted, resp.Message, resp.Fault)
		p.resp.Send(runtime.InvokeResponse{
			Kind:        runtime.InvokeFaulted,
			Message:     resp.Message,
			FaultName:   name,
			MessageType: p.op.Faults[name.Local],
			Reason:      "partner replied with fault " + resp.Fault,
		})
	default:
		in.completeExchange(mexID, store.ExchangeReplied, resp.Message, "")
		msg := resp.Message
		if msg == nil {
			msg = schema.Message{}
		}
		p.resp.Send(runtime.InvokeResponse{Kind: runtime.InvokeReplied, Message: msg, SessionID: resp.SessionID})
	}
	in.eng.metrics.PartnerCall(p.pl.Decl.Name, p.op.Name, outcome, time.Since(p.start))
}

// callPartner runs one partner request and submits its outcome to the
// instance lane.
func (e *Engine) callPartner(in *Instance, mexID string, req *partners.Request) {
	ctx, cancel := context.WithTimeout(in.ctx, e.cfg.InvokeTimeout)
	resp, err := e.partners.Invoke(ctx, req)
	cancel()
	if resp == nil && err == nil {
		resp = &partners.Response{}
	}
	e.submit(in, "invoke_response", func() error {
		in.invoked(mexID, resp, err)
		return nil
	})
}

// notifyPartner sends a one-way request. Failures are only logged: the
// invoking activity has already completed.
func (e *Engine) notifyPartner(in *Instance, req *partners.Request) {
	ctx, cancel := context.WithTimeout(in.ctx, e.cfg.InvokeTimeout)
	defer cancel()
	start := time.Now()
	outcome := "replied"
	if _, err := e.partners.Invoke(ctx, req); err != nil {
		outcome = "failed"
		in.log.Warn("one-way invoke failed",
			"partner_link", req.PartnerLink,
			"operation", req.Operation,
			"error", err,
		)
	}
	e.metrics.PartnerCall(req.PartnerLink, req.Operation, outcome, time.Since(start))
}
