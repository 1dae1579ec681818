package engine

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/bpelrt/internal/runtime"
	"github.com/rendis/bpelrt/internal/store"
	"github.com/rendis/bpelrt/pkg/schema"
)

// The methods below implement runtime.Context. They run inside soup
// reactions with in.mu held.

var _ runtime.Context = (*Instance)(nil)

func (in *Instance) InstanceID() int64 { return in.id }

func (in *Instance) GenID() int64 {
	in.seq++
	return in.seq
}

func (in *Instance) Now() time.Time { return time.Now().UTC() }

func (in *Instance) Expressions() runtime.ExpressionRuntime { return in.eng.exprs }

func (in *Instance) Extension(name schema.QName) (runtime.ExtensionHandler, bool) {
	h, ok := in.eng.extensions[name.String()]
	return h, ok
}

// Variables

func (in *Instance) CreateScopeInstance(parent int64, scope *schema.Scope) (int64, error) {
	in.scopeSeq++
	id := in.scopeSeq
	in.pending.scopes = append(in.pending.scopes, &store.ScopeInstance{
		InstanceID: in.id,
		ID:         id,
		ParentID:   parent,
		ScopeID:    scope.ID,
		ScopeName:  scope.Name,
	})
	return id, nil
}

func (in *Instance) ReadVariable(v runtime.VariableInstance) (any, bool, error) {
	val, ok := in.vars[v]
	return val, ok, nil
}

func (in *Instance) WriteVariable(v runtime.VariableInstance, value any) error {
	in.vars[v] = value
	in.pending.vars[v] = struct{}{}
	return nil
}

// ReadExtVar loads the external record ref of the variable's engine.
func (in *Instance) ReadExtVar(decl *schema.Variable, ref any) (any, error) {
	if ref == nil {
		return nil, nil
	}
	raw, ok, err := in.eng.store.ReadExternalVariable(in.ctx, externalEngine(decl), fmt.Sprint(ref))
	if err != nil {
		return nil, fmt.Errorf("read external variable %s: %w", decl.Name, err)
	}
	if !ok {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode external variable %s: %w", decl.Name, err)
	}
	return v, nil
}

// WriteExtVar stores value under ref, or under a new reference when ref is
// nil, and returns the reference.
func (in *Instance) WriteExtVar(decl *schema.Variable, ref any, value any) (any, error) {
	if ref == nil {
		ref = uuid.NewString()
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode external variable %s: %w", decl.Name, err)
	}
	if err := in.eng.store.WriteExternalVariable(in.ctx, externalEngine(decl), fmt.Sprint(ref), raw); err != nil {
		return nil, fmt.Errorf("write external variable %s: %w", decl.Name, err)
	}
	return ref, nil
}

func externalEngine(decl *schema.Variable) string {
	if decl.External != nil && decl.External.Engine != "" {
		return decl.External.Engine
	}
	return "default"
}

// Partner links

func (in *Instance) InitializePartnerLinks(scope int64, links []*schema.PartnerLink) error {
	for _, pl := range links {
		pli := runtime.PartnerLinkInstance{ScopeInstance: scope, Decl: pl}
		ls := &linkState{}
		if pl.HasMyRole() {
			ls.my = &schema.EndpointReference{
				Service: in.dep.myService(pl),
				Address: "bpel:" + in.dep.key + "/" + pl.Name,
			}
		}
		if pl.HasPartnerRole() && pl.InitializePartnerRole {
			ls.partner = &schema.EndpointReference{
				Service: pl.Service,
				Address: in.eng.cfg.Endpoints[pl.Service],
			}
		}
		in.links[pli] = ls
		in.pending.links[pli] = struct{}{}
	}
	return nil
}

func (in *Instance) link(pl runtime.PartnerLinkInstance) *linkState {
	ls, ok := in.links[pl]
	if !ok {
		ls = &linkState{}
		in.links[pl] = ls
	}
	return ls
}

func (in *Instance) FetchEndpoint(pl runtime.PartnerLinkInstance, role schema.EndpointRole) (*schema.EndpointReference, error) {
	ls := in.links[pl]
	if ls == nil {
		return nil, nil
	}
	var epr *schema.EndpointReference
	if role == schema.RoleMy {
		epr = ls.my
	} else {
		epr = ls.partner
	}
	if epr == nil {
		return nil, nil
	}
	out := *epr
	return &out, nil
}

func (in *Instance) WriteEndpoint(pl runtime.PartnerLinkInstance, epr *schema.EndpointReference) error {
	if epr == nil {
		return runtime.NewFaultf(schema.FaultUnsupportedReference, "empty endpoint reference for %s", pl.Decl.Name)
	}
	ls := in.link(pl)
	cp := *epr
	ls.partner = &cp
	if cp.SessionID != "" {
		ls.partnerSession = cp.SessionID
	}
	in.pending.links[pl] = struct{}{}
	return nil
}

// FetchMySessionID returns the session of the instance on pl, creating it on
// first use.
func (in *Instance) FetchMySessionID(pl runtime.PartnerLinkInstance) (string, error) {
	ls := in.link(pl)
	if ls.mySession == "" {
		ls.mySession = uuid.NewString()
		in.pending.links[pl] = struct{}{}
	}
	return ls.mySession, nil
}

func (in *Instance) InitializePartnersSessionID(pl runtime.PartnerLinkInstance, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	ls := in.link(pl)
	if ls.partnerSession != sessionID {
		ls.partnerSession = sessionID
		in.pending.links[pl] = struct{}{}
	}
	return nil
}

// Correlations

func (in *Instance) ReadCorrelation(cs runtime.CorrelationSetInstance) (schema.CorrelationKey, bool, error) {
	key, ok := in.corr[cs]
	return key, ok, nil
}

func (in *Instance) WriteCorrelation(cs runtime.CorrelationSetInstance, key schema.CorrelationKey) error {
	in.corr[cs] = key
	in.pending.corr[cs] = struct{}{}
	return nil
}

// Timers

func (in *Instance) RegisterTimer(ch runtime.TimerChan, at time.Time) error {
	id := ch.ID()
	if old, ok := in.timers[id]; ok {
		old.cancel()
	}
	tm := &timerEntry{ch: ch, at: at}
	tm.cancel = in.eng.timers.Schedule(at, func() {
		in.eng.submit(in, "timer", func() error {
			in.fireTimer(id, tm)
			return nil
		})
	})
	in.timers[id] = tm
	return nil
}

func (in *Instance) fireTimer(id int64, tm *timerEntry) {
	if in.timers[id] != tm {
		return
	}
	delete(in.timers, id)
	tm.ch.Send(runtime.TimerResponse{})
}

func (in *Instance) CancelTimer(ch runtime.TimerChan) {
	id := ch.ID()
	tm, ok := in.timers[id]
	if !ok {
		return
	}
	delete(in.timers, id)
	tm.cancel()
	ch.Send(runtime.TimerResponse{Cancelled: true})
}

// Recovery

func (in *Instance) RegisterActivityForRecovery(ch runtime.RecoveryChan, activityID int64, reason string, data any, actions []string, retries int) error {
	in.recoveries[ch.ID()] = &recoveryEntry{
		ch: ch,
		failure: &store.ActivityFailure{
			InstanceID: in.id,
			ActivityID: activityID,
			Reason:     reason,
			Data:       marshalOrNil(data),
			Actions:    append([]string(nil), actions...),
			Retries:    retries,
			FailedAt:   time.Now().UTC(),
		},
	}
	in.eng.metrics.AddPendingRecoveries(1)
	in.log.Warn("activity awaits recovery", "activity_id", activityID, "reason", reason, "retries", retries)
	if in.status == schema.InstanceStatusActive {
		return in.transition(schema.InstanceStatusSuspended)
	}
	return nil
}

func (in *Instance) UnregisterActivityForRecovery(ch runtime.RecoveryChan) {
	if _, ok := in.recoveries[ch.ID()]; !ok {
		return
	}
	delete(in.recoveries, ch.ID())
	in.eng.metrics.AddPendingRecoveries(-1)
	if len(in.recoveries) == 0 && in.status == schema.InstanceStatusSuspended && in.outcome == "" {
		if err := in.transition(schema.InstanceStatusActive); err != nil {
			in.log.Error("cannot resume instance", "error", err)
		}
	}
}

// recover sends action to the activity awaiting recovery.
func (in *Instance) recover(activityID int64, action runtime.RecoveryAction) error {
	for _, r := range in.recoveries {
		if r.failure.ActivityID != activityID {
			continue
		}
		if len(r.failure.Actions) > 0 && !slices.Contains(r.failure.Actions, action.Action) {
			return schema.NewErrorf(schema.ErrCodeValidation, "action %q is not allowed for activity %d", action.Action, activityID).
				WithInstance(in.id).
				WithDetails(map[string]any{"actions": r.failure.Actions})
		}
		r.ch.Send(action)
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeNotFound, "activity %d does not await recovery", activityID).WithInstance(in.id)
}
