package runtime

import (
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/rendis/bpelrt/internal/deploy"
	"github.com/rendis/bpelrt/internal/expressions"
	"github.com/rendis/bpelrt/internal/jacob"
	"github.com/rendis/bpelrt/pkg/schema"
	"github.com/stretchr/testify/require"
)

// testHost is an in-memory Context. Tests drive it by delivering messages,
// advancing the clock and answering partner calls, then draining the soup.
type testHost struct {
	t    *testing.T
	proc *schema.Process
	soup *jacob.Soup
	in   *Interpreter

	exprs      *expressions.Registry
	extensions map[string]ExtensionHandler
	// partners answers two-way invokes by operation name. A missing entry
	// leaves the call pending.
	partners map[string]func(msg schema.Message) InvokeResponse

	now      time.Time
	seq      int64
	scopes   int64
	vars     map[VariableInstance]any
	extVars  map[string]any
	eprs     map[PartnerLinkInstance]map[schema.EndpointRole]*schema.EndpointReference
	sessions map[PartnerLinkInstance]string
	corr     map[CorrelationSetInstance]schema.CorrelationKey
	// readFailures fails that many variable reads before reads succeed
	// again.
	readFailures int

	selects    []*pendingSelect
	timers     []*pendingTimer
	invokes    []*sentInvoke
	replies    []sentReply
	recoveries []*pendingRecovery
	events     []schema.ProcessEvent

	outcome string
	fault   *FaultData
}

type pendingSelect struct {
	resp           PickResponseChan
	timeout        time.Time
	createInstance bool
	selectors      []Selector
}

type pendingTimer struct {
	ch TimerChan
	at time.Time
}

type sentInvoke struct {
	operation string
	msg       schema.Message
	resp      InvokeResponseChan
}

type sentReply struct {
	operation string
	msg       schema.Message
	fault     schema.QName
}

type pendingRecovery struct {
	ch      RecoveryChan
	reason  string
	retries int
}

func newTestHost(t *testing.T, src string) *testHost {
	t.Helper()
	doc, err := deploy.Parse([]byte(src))
	require.NoError(t, err)
	proc, err := deploy.Compile(doc, nil)
	require.NoError(t, err)

	exprs, err := expressions.DefaultRegistry()
	require.NoError(t, err)

	h := &testHost{
		t:          t,
		proc:       proc,
		soup:       jacob.NewSoup(slog.Default()),
		exprs:      exprs,
		extensions: make(map[string]ExtensionHandler),
		partners:   make(map[string]func(schema.Message) InvokeResponse),
		now:        time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
		vars:       make(map[VariableInstance]any),
		extVars:    make(map[string]any),
		eprs:       make(map[PartnerLinkInstance]map[schema.EndpointRole]*schema.EndpointReference),
		sessions:   make(map[PartnerLinkInstance]string),
		corr:       make(map[CorrelationSetInstance]schema.CorrelationKey),
	}
	h.in = New(h, h.soup, proc)
	return h
}

// start starts the instance and drains the soup.
func (h *testHost) start() *testHost {
	h.t.Helper()
	require.NoError(h.t, h.in.Start())
	h.run()
	return h
}

func (h *testHost) run() {
	h.t.Helper()
	for i := 0; ; i++ {
		require.Less(h.t, i, 100000, "soup does not quiesce")
		ok, err := h.soup.Step()
		require.NoError(h.t, err)
		if !ok {
			return
		}
	}
}

// deliver answers the first pending select that accepts operation.
func (h *testHost) deliver(operation string, msg schema.Message) {
	h.t.Helper()
	for i, ps := range h.selects {
		for _, sel := range ps.selectors {
			if sel.Operation.Name != operation {
				continue
			}
			h.selects = append(h.selects[:i], h.selects[i+1:]...)
			h.seq++
			ps.resp.Send(PickResponse{
				Kind:     PickRequest,
				Selector: sel.Index,
				Request:  &Request{MexID: fmt.Sprintf("mex-%d", h.seq), Message: msg},
			})
			h.run()
			return
		}
	}
	h.t.Fatalf("no pending select accepts %s", operation)
}

// advance moves the clock and fires every due timer and select timeout.
func (h *testHost) advance(d time.Duration) {
	h.t.Helper()
	h.now = h.now.Add(d)
	var due []*pendingTimer
	keep := h.timers[:0]
	for _, tm := range h.timers {
		if !tm.at.After(h.now) {
			due = append(due, tm)
		} else {
			keep = append(keep, tm)
		}
	}
	h.timers = keep
	for _, tm := range due {
		tm.ch.Send(TimerResponse{})
	}

	var sels []*pendingSelect
	for _, ps := range h.selects {
		if !ps.timeout.IsZero() && !ps.timeout.After(h.now) {
			ps.resp.Send(PickResponse{Kind: PickTimeout})
			continue
		}
		sels = append(sels, ps)
	}
	h.selects = sels
	h.run()
}

// respond answers the oldest pending invoke of operation.
func (h *testHost) respond(operation string, resp InvokeResponse) {
	h.t.Helper()
	for i, inv := range h.invokes {
		if inv.operation == operation && !inv.resp.IsZero() {
			h.invokes = append(h.invokes[:i], h.invokes[i+1:]...)
			inv.resp.Send(resp)
			h.run()
			return
		}
	}
	h.t.Fatalf("no pending invoke of %s", operation)
}

// recoverWith answers the oldest activity awaiting recovery.
func (h *testHost) recoverWith(action string) {
	h.t.Helper()
	require.NotEmpty(h.t, h.recoveries, "no activity awaits recovery")
	r := h.recoveries[0]
	r.ch.Send(RecoveryAction{Action: action})
	h.run()
}

func (h *testHost) terminate() {
	h.t.Helper()
	h.in.Terminate()
	h.run()
}

// variable returns the value of a root scope variable.
func (h *testHost) variable(name string) any {
	h.t.Helper()
	v := h.proc.Root.Scope().Variables[name]
	require.NotNil(h.t, v, "no variable %s", name)
	val, ok := h.vars[VariableInstance{ScopeInstance: 1, Decl: v}]
	if !ok {
		return nil
	}
	return val
}

// executed lists the names of activities in the order they finished
// executing without a fault.
func (h *testHost) executed() []string {
	var names []string
	for _, ev := range h.events {
		if ev.Type == schema.EventActivityExecEnd && ev.FaultName == "" && ev.ActivityName != "" {
			names = append(names, ev.ActivityName)
		}
	}
	return names
}

func (h *testHost) eventsOf(typ string) []schema.ProcessEvent {
	var out []schema.ProcessEvent
	for _, ev := range h.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// VariableStore

func (h *testHost) CreateScopeInstance(int64, *schema.Scope) (int64, error) {
	h.scopes++
	return h.scopes, nil
}

func (h *testHost) ReadVariable(v VariableInstance) (any, bool, error) {
	if h.readFailures > 0 {
		h.readFailures--
		return nil, false, errors.New("store unavailable")
	}
	val, ok := h.vars[v]
	return val, ok, nil
}

func (h *testHost) WriteVariable(v VariableInstance, value any) error {
	h.vars[v] = value
	return nil
}

func (h *testHost) ReadExtVar(_ *schema.Variable, ref any) (any, error) {
	return h.extVars[fmt.Sprint(ref)], nil
}

func (h *testHost) WriteExtVar(_ *schema.Variable, ref any, value any) (any, error) {
	if ref == nil {
		h.seq++
		ref = fmt.Sprintf("ext-%d", h.seq)
	}
	h.extVars[fmt.Sprint(ref)] = value
	return ref, nil
}

// PartnerLinks

func (h *testHost) InitializePartnerLinks(scope int64, links []*schema.PartnerLink) error {
	for _, pl := range links {
		pli := PartnerLinkInstance{ScopeInstance: scope, Decl: pl}
		roles := make(map[schema.EndpointRole]*schema.EndpointReference)
		if pl.HasMyRole() {
			roles[schema.RoleMy] = &schema.EndpointReference{Service: pl.Service, Address: "mem://" + pl.Name}
		}
		if pl.HasPartnerRole() && pl.InitializePartnerRole {
			roles[schema.RolePartner] = &schema.EndpointReference{Service: pl.Service, Address: "mem://partner/" + pl.Name}
		}
		h.eprs[pli] = roles
	}
	return nil
}

func (h *testHost) FetchEndpoint(pl PartnerLinkInstance, role schema.EndpointRole) (*schema.EndpointReference, error) {
	return h.eprs[pl][role], nil
}

func (h *testHost) WriteEndpoint(pl PartnerLinkInstance, epr *schema.EndpointReference) error {
	if h.eprs[pl] == nil {
		h.eprs[pl] = make(map[schema.EndpointRole]*schema.EndpointReference)
	}
	h.eprs[pl][schema.RolePartner] = epr
	return nil
}

func (h *testHost) FetchMySessionID(pl PartnerLinkInstance) (string, error) {
	return fmt.Sprintf("session-%d", pl.ScopeInstance), nil
}

func (h *testHost) InitializePartnersSessionID(pl PartnerLinkInstance, sessionID string) error {
	h.sessions[pl] = sessionID
	return nil
}

// Correlations

func (h *testHost) ReadCorrelation(cs CorrelationSetInstance) (schema.CorrelationKey, bool, error) {
	key, ok := h.corr[cs]
	return key, ok, nil
}

func (h *testHost) WriteCorrelation(cs CorrelationSetInstance, key schema.CorrelationKey) error {
	h.corr[cs] = key
	return nil
}

// Messaging

func (h *testHost) Select(resp PickResponseChan, timeout time.Time, createInstance bool, selectors []Selector) error {
	h.selects = append(h.selects, &pendingSelect{resp: resp, timeout: timeout, createInstance: createInstance, selectors: selectors})
	return nil
}

func (h *testHost) CancelSelect(resp PickResponseChan) {
	for i, ps := range h.selects {
		if ps.resp == resp {
			h.selects = append(h.selects[:i], h.selects[i+1:]...)
			resp.Send(PickResponse{Kind: PickCancelled})
			return
		}
	}
}

func (h *testHost) ProcessOutstandingRequest(PartnerLinkInstance, string, string, string) error {
	return nil
}

func (h *testHost) Reply(_ PartnerLinkInstance, operation, _ string, msg schema.Message, fault schema.QName) error {
	h.replies = append(h.replies, sentReply{operation: operation, msg: msg, fault: fault})
	return nil
}

func (h *testHost) Invoke(_ int64, _ PartnerLinkInstance, op *schema.Operation, msg schema.Message, resp InvokeResponseChan) (string, error) {
	h.seq++
	inv := &sentInvoke{operation: op.Name, msg: msg, resp: resp}
	if answer, ok := h.partners[op.Name]; ok && !resp.IsZero() {
		resp.Send(answer(msg))
		inv.resp = InvokeResponseChan{}
	}
	h.invokes = append(h.invokes, inv)
	return fmt.Sprintf("invoke-%d", h.seq), nil
}

// Timers

func (h *testHost) RegisterTimer(ch TimerChan, at time.Time) error {
	h.timers = append(h.timers, &pendingTimer{ch: ch, at: at})
	return nil
}

func (h *testHost) CancelTimer(ch TimerChan) {
	for i, tm := range h.timers {
		if tm.ch == ch {
			h.timers = append(h.timers[:i], h.timers[i+1:]...)
			ch.Send(TimerResponse{Cancelled: true})
			return
		}
	}
}

// Recovery

func (h *testHost) RegisterActivityForRecovery(ch RecoveryChan, _ int64, reason string, _ any, _ []string, retries int) error {
	h.recoveries = append(h.recoveries, &pendingRecovery{ch: ch, reason: reason, retries: retries})
	return nil
}

func (h *testHost) UnregisterActivityForRecovery(ch RecoveryChan) {
	for i, r := range h.recoveries {
		if r.ch == ch {
			h.recoveries = append(h.recoveries[:i], h.recoveries[i+1:]...)
			return
		}
	}
}

// Everything else

func (h *testHost) SendEvent(ev schema.ProcessEvent) {
	h.events = append(h.events, ev)
}

func (h *testHost) InstanceID() int64 { return 1 }

func (h *testHost) GenID() int64 {
	h.seq++
	return h.seq
}

func (h *testHost) Now() time.Time { return h.now }

func (h *testHost) Expressions() ExpressionRuntime { return h.exprs }

func (h *testHost) Extension(name schema.QName) (ExtensionHandler, bool) {
	ext, ok := h.extensions[name.String()]
	return ext, ok
}

func (h *testHost) CompletedOK() {
	if h.outcome == "" {
		h.outcome = "completed"
	}
}

func (h *testHost) CompletedFault(fault *FaultData) {
	if h.outcome == "" {
		h.outcome = "faulted"
		h.fault = fault
	}
}

func (h *testHost) Terminate() {
	if h.outcome == "" {
		h.outcome = "terminated"
	}
	h.in.Terminate()
}

type extensionFunc func(ctx ExtensionContext, config map[string]any) error

func (f extensionFunc) Run(ctx ExtensionContext, config map[string]any) error {
	return f(ctx, config)
}
