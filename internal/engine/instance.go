package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/bpelrt/internal/jacob"
	"github.com/rendis/bpelrt/internal/logging"
	"github.com/rendis/bpelrt/internal/runtime"
	"github.com/rendis/bpelrt/internal/store"
	"github.com/rendis/bpelrt/internal/streaming"
	"github.com/rendis/bpelrt/pkg/schema"
)

type linkState struct {
	my             *schema.EndpointReference
	partner        *schema.EndpointReference
	mySession      string
	partnerSession string
}

type timerEntry struct {
	ch     runtime.TimerChan
	at     time.Time
	cancel func() bool
}

type requestKey struct {
	scope       int64
	partnerLink string
	operation   string
	mex         string
}

type pendingInvoke struct {
	resp       runtime.InvokeResponseChan
	pl         runtime.PartnerLinkInstance
	op         *schema.Operation
	activityID int64
	start      time.Time
}

type recoveryEntry struct {
	ch      runtime.RecoveryChan
	failure *store.ActivityFailure
}

// Instance is one running process instance. All of its state is guarded by
// mu; stimuli are applied one at a time on the instance's worker lane.
type Instance struct {
	mu        sync.Mutex
	id        int64
	eng       *Engine
	dep       *deployment
	proc      *schema.Process
	soup      *jacob.Soup
	interp    *runtime.Interpreter
	log       *slog.Logger
	ctx       context.Context
	createdAt time.Time

	status  schema.InstanceStatus
	outcome schema.InstanceStatus
	fault   *runtime.FaultData
	cause   error

	seq         int64
	scopeSeq    int64
	vars        map[runtime.VariableInstance]any
	corr        map[runtime.CorrelationSetInstance]schema.CorrelationKey
	links       map[runtime.PartnerLinkInstance]*linkState
	selects     map[int64]*selectEntry
	timers      map[int64]*timerEntry
	inbound     map[string]*Exchange
	outstanding map[requestKey]*Exchange
	invokes     map[string]*pendingInvoke
	recoveries  map[int64]*recoveryEntry
	exchanges   map[string]*store.MessageExchange
	initial     *queuedMessage

	pending pendingState
	done    chan struct{}
}

// pendingState collects what the current stimulus changed.
type pendingState struct {
	events    []*store.Event
	stream    []schema.ProcessEvent
	scopes    []*store.ScopeInstance
	vars      map[runtime.VariableInstance]struct{}
	corr      map[runtime.CorrelationSetInstance]struct{}
	links     map[runtime.PartnerLinkInstance]struct{}
	exchanges map[string]*store.MessageExchange
	update    *store.InstanceUpdate
	effects   []func()
}

func (p *pendingState) reset() {
	*p = pendingState{
		vars:      make(map[runtime.VariableInstance]struct{}),
		corr:      make(map[runtime.CorrelationSetInstance]struct{}),
		links:     make(map[runtime.PartnerLinkInstance]struct{}),
		exchanges: make(map[string]*store.MessageExchange),
	}
}

func (p *pendingState) instanceUpdate() *store.InstanceUpdate {
	if p.update == nil {
		p.update = &store.InstanceUpdate{}
	}
	return p.update
}

func newInstance(e *Engine, dep *deployment, rec *store.Instance) *Instance {
	ctx := logging.WithProcess(logging.WithInstanceID(e.ctx, rec.ID), dep.key)
	in := &Instance{
		id:          rec.ID,
		eng:         e,
		dep:         dep,
		proc:        dep.proc,
		soup:        jacob.NewSoup(e.logger),
		ctx:         ctx,
		log:         logging.LogWith(ctx, e.logger),
		createdAt:   rec.CreatedAt,
		status:      schema.InstanceStatusNew,
		vars:        make(map[runtime.VariableInstance]any),
		corr:        make(map[runtime.CorrelationSetInstance]schema.CorrelationKey),
		links:       make(map[runtime.PartnerLinkInstance]*linkState),
		selects:     make(map[int64]*selectEntry),
		timers:      make(map[int64]*timerEntry),
		inbound:     make(map[string]*Exchange),
		outstanding: make(map[requestKey]*Exchange),
		invokes:     make(map[string]*pendingInvoke),
		recoveries:  make(map[int64]*recoveryEntry),
		exchanges:   make(map[string]*store.MessageExchange),
		done:        make(chan struct{}),
	}
	in.pending.reset()
	in.interp = runtime.New(in, in.soup, in.proc,
		runtime.WithLogger(e.logger),
		runtime.WithContext(ctx),
	)
	return in
}

// ID returns the instance id.
func (in *Instance) ID() int64 {
	return in.id
}

// Done is closed once the instance reached a terminal status and its final
// checkpoint was written.
func (in *Instance) Done() <-chan struct{} {
	return in.done
}

func errEnded(in *Instance) error {
	return schema.NewErrorf(schema.ErrCodeConflict, "instance is %s", in.status).WithInstance(in.id)
}

func isEnded(err error) bool {
	var se *schema.Error
	return errors.As(err, &se) && se.Code == schema.ErrCodeConflict
}

// apply runs fn and then the soup until it is quiescent, and writes the
// resulting checkpoint. Events are published and effects run after the
// checkpoint committed.
func (in *Instance) apply(ctx context.Context, stimulus string, fn func() error) error {
	ctx, span := in.eng.tracer.Start(ctx, "instance.apply", trace.WithAttributes(
		attribute.Int64("bpel.instance_id", in.id),
		attribute.String("bpel.process", in.dep.key),
		attribute.String("bpel.stimulus", stimulus),
	))
	defer span.End()

	in.mu.Lock()
	if in.status.Terminal() {
		in.mu.Unlock()
		return errEnded(in)
	}

	err := fn()
	if err == nil {
		runCtx, cancel := context.WithTimeout(ctx, in.eng.cfg.StimulusTimeout)
		err = in.soup.Run(runCtx)
		cancel()
	}
	if err != nil {
		in.log.Error("stimulus failed", "stimulus", stimulus, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		in.outcome = schema.InstanceStatusError
		in.cause = err
	}
	if in.outcome != "" {
		in.finish()
	}

	cp, buildErr := in.checkpoint()
	var writeErr error
	if buildErr != nil {
		writeErr = buildErr
	} else {
		start := time.Now()
		writeErr = withRetry(ctx, in.eng.cfg.Checkpoint, func(ctx context.Context) error {
			return in.eng.store.Checkpoint(ctx, cp)
		})
		in.eng.metrics.Checkpoint(time.Since(start), writeErr)
	}
	if writeErr != nil {
		in.log.Error("checkpoint failed", "stimulus", stimulus, "error", writeErr)
		span.RecordError(writeErr)
	}

	stream := in.pending.stream
	events := in.pending.events
	effects := in.pending.effects
	in.pending.reset()
	in.mu.Unlock()

	if writeErr == nil {
		in.publish(ctx, events, stream)
	}
	for _, fx := range effects {
		fx()
	}
	if err != nil {
		return err
	}
	if writeErr != nil {
		return schema.NewError(schema.ErrCodeStore, "checkpoint failed").WithInstance(in.id).WithCause(writeErr)
	}
	return nil
}

func (in *Instance) publish(ctx context.Context, events []*store.Event, stream []schema.ProcessEvent) {
	if in.eng.hub == nil {
		return
	}
	for i, ev := range stream {
		se := streaming.StreamEvent{
			InstanceID: in.id,
			Process:    in.dep.key,
			Sequence:   events[i].Sequence,
			Timestamp:  events[i].Timestamp,
			Event:      ev,
		}
		if err := in.eng.hub.Publish(ctx, se); err != nil {
			in.log.Warn("event publish failed", "event", ev.Type, "error", err)
		}
	}
}

// effect runs fn after the current checkpoint committed.
func (in *Instance) effect(fn func()) {
	in.pending.effects = append(in.pending.effects, fn)
}

func (in *Instance) begin(initial *queuedMessage) error {
	in.initial = initial
	if err := in.transition(schema.InstanceStatusActive); err != nil {
		return err
	}
	now := time.Now().UTC()
	in.pending.instanceUpdate().StartedAt = &now
	in.SendEvent(schema.ProcessEvent{
		Type:    schema.EventInstanceCreated,
		Details: map[string]any{"process": in.dep.key},
	})
	return in.interp.Start()
}

func (in *Instance) transition(to schema.InstanceStatus) error {
	if err := in.eng.fsm.Transition(in, in.id, in.status, to); err != nil {
		return err
	}
	in.status = to
	st := to
	in.pending.instanceUpdate().Status = &st
	return nil
}

// finish releases everything the instance still holds and moves it to its
// terminal status.
func (in *Instance) finish() {
	for id, tm := range in.timers {
		tm.cancel()
		delete(in.timers, id)
	}
	for id, e := range in.selects {
		in.eng.router.remove(in.dep.key, e)
		if e.cancelTimeout != nil {
			e.cancelTimeout()
		}
		delete(in.selects, id)
	}
	missing := Reply{Fault: schema.FaultMissingReply, InstanceID: in.id}
	for id, x := range in.inbound {
		in.closeExchange(x, missing)
		delete(in.inbound, id)
	}
	for key, x := range in.outstanding {
		in.closeExchange(x, missing)
		delete(in.outstanding, key)
	}
	if in.initial != nil {
		in.closeExchange(in.initial.x, missing)
		in.initial = nil
	}
	for id := range in.invokes {
		in.completeExchange(id, store.ExchangeFailed, nil, "instance ended")
		delete(in.invokes, id)
	}
	if n := len(in.recoveries); n > 0 {
		in.eng.metrics.AddPendingRecoveries(-n)
		clear(in.recoveries)
	}

	to := in.outcome
	if err := in.transition(to); err != nil {
		in.log.Error("cannot finish instance", "to", to, "error", err)
		in.status = to
		st := to
		in.pending.instanceUpdate().Status = &st
	}
	now := time.Now().UTC()
	upd := in.pending.instanceUpdate()
	upd.CompletedAt = &now
	if fj := in.faultJSON(); fj != nil {
		upd.Fault = fj
	}

	lifetime := now.Sub(in.createdAt)
	in.eng.metrics.InstanceFinished(in.dep.key, string(to), lifetime)
	if in.fault != nil {
		in.eng.metrics.Fault(in.dep.key, in.fault.Name.String())
	}
	in.log.Info("instance finished", "status", to, "lifetime", lifetime)
	in.effect(func() {
		in.eng.forget(in.id)
		close(in.done)
	})
}

func (in *Instance) faultJSON() json.RawMessage {
	var v map[string]any
	switch {
	case in.fault != nil:
		v = map[string]any{
			"name":        in.fault.Name.String(),
			"explanation": in.fault.Explanation,
		}
		if in.fault.ActivityID != 0 {
			v["activity_id"] = in.fault.ActivityID
		}
		if in.fault.Line > 0 {
			v["line"] = in.fault.Line
		}
		if in.fault.Message != nil {
			v["message"] = in.fault.Message
		}
	case in.cause != nil:
		v = map[string]any{"error": in.cause.Error()}
	default:
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(map[string]any{"name": v["name"], "error": err.Error()})
	}
	return b
}

// closeExchange answers x on behalf of the instance and records the outcome.
func (in *Instance) closeExchange(x *Exchange, r Reply) {
	status := store.ExchangeReplied
	fault := ""
	if !x.OneWay && !r.Fault.IsZero() {
		status = store.ExchangeFaulted
		fault = r.Fault.String()
	}
	if x.OneWay {
		r = Reply{InstanceID: in.id}
	}
	in.completeExchange(x.ID, status, r.Message, fault)
	in.effect(func() { x.resolve(r) })
}

func (in *Instance) trackExchange(rec *store.MessageExchange) {
	rec.InstanceID = in.id
	in.exchanges[rec.ID] = rec
	in.pending.exchanges[rec.ID] = rec
}

func (in *Instance) completeExchange(id, status string, response schema.Message, fault string) {
	rec, ok := in.exchanges[id]
	if !ok {
		return
	}
	now := time.Now().UTC()
	rec.Status = status
	rec.Fault = fault
	rec.CompletedAt = &now
	if response != nil {
		rec.Response = marshalOrNil(response)
	}
	delete(in.exchanges, id)
	in.pending.exchanges[id] = rec
}

func marshalOrNil(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// checkpoint builds the store write for what the current stimulus changed.
func (in *Instance) checkpoint() (*store.Checkpoint, error) {
	p := &in.pending
	cp := &store.Checkpoint{
		InstanceID: in.id,
		Instance:   p.update,
		Scopes:     p.scopes,
		Events:     p.events,
	}
	for v := range p.vars {
		val, err := json.Marshal(in.vars[v])
		if err != nil {
			return nil, fmt.Errorf("marshal variable %s: %w", v.Decl.Name, err)
		}
		cp.Variables = append(cp.Variables, &store.VariableRecord{
			InstanceID:    in.id,
			ScopeInstance: v.ScopeInstance,
			Name:          v.Decl.Name,
			Value:         val,
		})
	}
	for cs := range p.corr {
		key := in.corr[cs]
		cp.Correlations = append(cp.Correlations, &store.CorrelationRecord{
			InstanceID:    in.id,
			ScopeInstance: cs.ScopeInstance,
			Name:          cs.Decl.Name,
			Process:       in.dep.key,
			Key:           key.String(),
			Values:        key.Values,
		})
	}
	for pl := range p.links {
		ls := in.links[pl]
		cp.PartnerLinks = append(cp.PartnerLinks, &store.PartnerLinkRecord{
			InstanceID:       in.id,
			ScopeInstance:    pl.ScopeInstance,
			Name:             pl.Decl.Name,
			MyEPR:            ls.my,
			PartnerEPR:       ls.partner,
			MySessionID:      ls.mySession,
			PartnerSessionID: ls.partnerSession,
		})
	}
	for _, rec := range p.exchanges {
		cp.Exchanges = append(cp.Exchanges, rec)
	}
	for id, tm := range in.timers {
		cp.Timers = append(cp.Timers, &store.Timer{InstanceID: in.id, ID: fmt.Sprint(id), Kind: "timer", FireAt: tm.at})
	}
	for id, e := range in.selects {
		if !e.timeout.IsZero() {
			cp.Timers = append(cp.Timers, &store.Timer{InstanceID: in.id, ID: fmt.Sprint(id), Kind: "pick", FireAt: e.timeout})
		}
	}
	for _, r := range in.recoveries {
		cp.Failures = append(cp.Failures, r.failure)
	}
	return cp, nil
}

// SendEvent records ev in the instance event log.
func (in *Instance) SendEvent(ev schema.ProcessEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		in.log.Warn("cannot encode event", "event", ev.Type, "error", err)
		payload = nil
	}
	in.pending.events = append(in.pending.events, &store.Event{
		InstanceID:    in.id,
		ActivityID:    ev.ActivityInstID,
		ScopeInstance: ev.ScopeInstanceID,
		Type:          ev.Type,
		Payload:       payload,
		Timestamp:     time.Now().UTC(),
	})
	in.pending.stream = append(in.pending.stream, ev)
	if ev.ActivityKind != "" {
		in.eng.metrics.ActivityEvent(string(ev.ActivityKind), ev.Type)
	}
}

// CompletedOK records successful completion of the process.
func (in *Instance) CompletedOK() {
	if in.outcome == "" {
		in.outcome = schema.InstanceStatusCompleted
	}
}

// CompletedFault records that the process ended with an unhandled fault.
func (in *Instance) CompletedFault(fault *runtime.FaultData) {
	if in.outcome == "" {
		in.outcome = schema.InstanceStatusFaulted
		in.fault = fault
	}
}

// Terminate ends the instance on behalf of an exit activity or an operator.
func (in *Instance) Terminate() {
	if in.outcome == "" {
		in.outcome = schema.InstanceStatusTerminated
	}
	in.interp.Terminate()
}

// snapshot returns the live view of the instance.
func (in *Instance) snapshot() *InstanceInfo {
	in.mu.Lock()
	defer in.mu.Unlock()
	info := &InstanceInfo{
		ID:        in.id,
		Process:   in.dep.key,
		Status:    in.status,
		CreatedAt: in.createdAt,
		Fault:     in.faultJSON(),
	}
	for _, r := range in.recoveries {
		info.Failures = append(info.Failures, r.failure)
	}
	for _, e := range in.selects {
		for _, sel := range e.selectors {
			info.Waiting = append(info.Waiting, sel.PartnerLink.Decl.Name+"."+sel.Operation.Name)
		}
	}
	return info
}
