package engine

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/bpelrt/internal/deploy"
	"github.com/rendis/bpelrt/internal/expressions"
	"github.com/rendis/bpelrt/internal/partners"
	"github.com/rendis/bpelrt/internal/store"
	"github.com/rendis/bpelrt/internal/streaming"
	"github.com/rendis/bpelrt/pkg/schema"
)

const ordersHeader = `
name: orders
targetNamespace: urn:orders
messageTypes:
  - name: msg
    parts: [{name: body}]
  - name: faultMsg
    parts: [{name: reason, type: string}]
properties:
  - {name: key, type: string}
propertyAliases:
  - {property: key, messageType: msg, part: body, query: .id}
correlationSets:
  - {name: byKey, properties: [key]}
partnerLinks:
  - name: client
    myRole: service
    service: orderService
    operations:
      - {name: start, input: msg, output: msg, faults: {rejected: faultMsg}}
      - {name: update, input: msg, output: msg}
      - {name: cancel, input: msg}
  - name: svc
    partnerRole: provider
    initializePartnerRole: true
    service: backend
    operations:
      - {name: call, input: msg, output: msg}
      - {name: notify, input: msg}
variables:
  - {name: m, messageType: msg}
  - {name: u, messageType: msg}
  - {name: problem, messageType: faultMsg}
  - {name: n, type: number}
`

type testEngine struct {
	*Engine
	t        *testing.T
	store    *store.LibSQLStore
	registry *partners.Registry
}

func newTestEngine(t *testing.T, opts ...Option) *testEngine {
	t.Helper()
	return newTestEngineOn(t, func(st *store.LibSQLStore) store.Store { return st }, opts...)
}

// newTestEngineOn builds an engine whose store is wrap applied to a fresh
// libSQL store.
func newTestEngineOn(t *testing.T, wrap func(*store.LibSQLStore) store.Store, opts ...Option) *testEngine {
	t.Helper()
	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	exprs, err := expressions.DefaultRegistry()
	require.NoError(t, err)
	reg := partners.NewRegistry(slog.Default())

	cfg := DefaultConfig()
	cfg.Workers = 4
	cfg.InvokeTimeout = 5 * time.Second
	e := New(cfg, wrap(st), exprs, reg, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})
	return &testEngine{Engine: e, t: t, store: st, registry: reg}
}

func (te *testEngine) deploy(src string) {
	te.t.Helper()
	proc, err := deploy.NewLoader().Load([]byte(src))
	require.NoError(te.t, err)
	require.NoError(te.t, te.Deploy(context.Background(), proc, []byte(src)))
}

// call delivers msg and waits for the reply.
func (te *testEngine) call(d Delivery) Reply {
	te.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if d.Process == "" {
		d.Process = "orders"
	}
	if d.PartnerLink == "" {
		d.PartnerLink = "client"
	}
	x, err := te.Deliver(ctx, d)
	require.NoError(te.t, err)
	r, err := x.Wait(ctx)
	require.NoError(te.t, err)
	return r
}

func (te *testEngine) wait(id int64) schema.InstanceStatus {
	te.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := te.Wait(ctx, id)
	require.NoError(te.t, err)
	return status
}

func (te *testEngine) eventTypes(id int64) []string {
	te.t.Helper()
	events, err := te.Events(context.Background(), id, 0)
	require.NoError(te.t, err)
	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	return types
}

func body(id string) schema.Message {
	return schema.Message{"body": map[string]any{"id": id}}
}

const receiveReplySrc = ordersHeader + `
activity:
  sequence:
    activities:
      - receive:
          partnerLink: client
          operation: start
          variable: m
          createInstance: true
          correlations: [{set: byKey, initiate: "yes"}]
      - reply: {partnerLink: client, operation: start, variable: m}
`

func TestEngine_ReceiveReply(t *testing.T) {
	te := newTestEngine(t)
	te.deploy(receiveReplySrc)

	r := te.call(Delivery{Operation: "start", Message: body("o-1")})

	assert.True(t, r.Fault.IsZero())
	assert.Equal(t, body("o-1"), r.Message)
	require.NotZero(t, r.InstanceID)
	assert.NotEmpty(t, r.SessionID)
	assert.Equal(t, schema.InstanceStatusCompleted, te.wait(r.InstanceID))

	types := te.eventTypes(r.InstanceID)
	assert.Contains(t, types, schema.EventInstanceCreated)
	assert.Contains(t, types, schema.EventMessageReceived)
	assert.Contains(t, types, schema.EventReplySent)
	assert.Equal(t, schema.EventProcessCompleted, types[len(types)-1])

	ids, err := te.FindByCorrelation(context.Background(), "orders", schema.CorrelationKey{Set: "byKey", Values: []string{"o-1"}})
	require.NoError(t, err)
	assert.Equal(t, []int64{r.InstanceID}, ids)

	mex, err := te.store.ListMessageExchanges(context.Background(), r.InstanceID)
	require.NoError(t, err)
	require.Len(t, mex, 1)
	assert.Equal(t, store.DirectionInbound, mex[0].Direction)
	assert.Equal(t, store.ExchangeReplied, mex[0].Status)
}

func TestEngine_ReplyWithFault(t *testing.T) {
	te := newTestEngine(t)
	te.deploy(ordersHeader + `
activity:
  sequence:
    activities:
      - receive: {partnerLink: client, operation: start, variable: m, createInstance: true}
      - assign: {copy: [{from: {literal: {reason: nope}}, to: {variable: problem}}]}
      - reply: {partnerLink: client, operation: start, variable: problem, faultName: rejected}
`)

	r := te.call(Delivery{Operation: "start", Message: body("o-1")})

	assert.Equal(t, schema.QName{Local: "rejected"}, r.Fault)
	assert.Equal(t, schema.Message{"reason": "nope"}, r.Message)
	assert.Equal(t, schema.InstanceStatusCompleted, te.wait(r.InstanceID))
}

const correlatedSrc = ordersHeader + `
activity:
  sequence:
    activities:
      - receive:
          partnerLink: client
          operation: start
          variable: m
          createInstance: true
          correlations: [{set: byKey, initiate: "yes"}]
      - reply: {partnerLink: client, operation: start, variable: m}
      - receive:
          partnerLink: client
          operation: update
          variable: u
          correlations: [{set: byKey}]
      - reply: {partnerLink: client, operation: update, variable: u}
`

func TestEngine_CorrelatedMessagesReachTheirInstance(t *testing.T) {
	te := newTestEngine(t)
	te.deploy(correlatedSrc)

	first := te.call(Delivery{Operation: "start", Message: body("o-1")})
	second := te.call(Delivery{Operation: "start", Message: body("o-2")})
	require.NotEqual(t, first.InstanceID, second.InstanceID)

	r := te.call(Delivery{Operation: "update", Message: body("o-2")})
	assert.Equal(t, second.InstanceID, r.InstanceID)
	assert.Equal(t, schema.InstanceStatusCompleted, te.wait(second.InstanceID))

	r = te.call(Delivery{Operation: "update", Message: body("o-1")})
	assert.Equal(t, first.InstanceID, r.InstanceID)
	assert.Equal(t, schema.InstanceStatusCompleted, te.wait(first.InstanceID))
}

func TestEngine_MessageWaitsForItsReceive(t *testing.T) {
	te := newTestEngine(t)
	release := make(chan struct{})
	te.registry.Register("backend", partners.Func(func(ctx context.Context, req *partners.Request) (*partners.Response, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &partners.Response{Message: req.Message}, nil
	}))
	te.deploy(ordersHeader + `
activity:
  sequence:
    activities:
      - receive:
          partnerLink: client
          operation: start
          variable: m
          createInstance: true
          correlations: [{set: byKey, initiate: "yes"}]
      - reply: {partnerLink: client, operation: start, variable: m}
      - invoke: {partnerLink: svc, operation: call, inputVariable: m, outputVariable: m}
      - receive:
          partnerLink: client
          operation: update
          variable: u
          correlations: [{set: byKey}]
      - reply: {partnerLink: client, operation: update, variable: u}
`)
	started := te.call(Delivery{Operation: "start", Message: body("o-1")})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	x, err := te.Deliver(ctx, Delivery{Process: "orders", PartnerLink: "client", Operation: "update", Message: body("o-1")})
	require.NoError(t, err)
	assert.Equal(t, 1, te.Stats().QueuedMessages)

	close(release)
	r, err := x.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, started.InstanceID, r.InstanceID)
	assert.Equal(t, 0, te.Stats().QueuedMessages)
	assert.Equal(t, schema.InstanceStatusCompleted, te.wait(started.InstanceID))
}

const invokeSrc = ordersHeader + `
activity:
  sequence:
    activities:
      - receive: {partnerLink: client, operation: start, variable: m, createInstance: true}
      - invoke: {name: call, partnerLink: svc, operation: call, inputVariable: m, outputVariable: m}
      - reply: {partnerLink: client, operation: start, variable: m}
`

func TestEngine_InvokePartner(t *testing.T) {
	te := newTestEngine(t)
	var got atomic.Pointer[partners.Request]
	te.registry.Register("backend", partners.Func(func(_ context.Context, req *partners.Request) (*partners.Response, error) {
		got.Store(req)
		return &partners.Response{Message: schema.Message{"body": "pong"}}, nil
	}))
	te.deploy(invokeSrc)

	r := te.call(Delivery{Operation: "start", Message: schema.Message{"body": "ping"}})

	assert.Equal(t, schema.Message{"body": "pong"}, r.Message)
	req := got.Load()
	require.NotNil(t, req)
	assert.Equal(t, "call", req.Operation)
	assert.Equal(t, "svc", req.PartnerLink)
	assert.Equal(t, schema.Message{"body": "ping"}, req.Message)
	assert.NotEmpty(t, req.SessionID)
	assert.Equal(t, schema.InstanceStatusCompleted, te.wait(r.InstanceID))

	mex, err := te.store.ListMessageExchanges(context.Background(), r.InstanceID)
	require.NoError(t, err)
	directions := map[string]string{}
	for _, m := range mex {
		directions[m.Direction] = m.Status
	}
	assert.Equal(t, map[string]string{
		store.DirectionInbound:  store.ExchangeReplied,
		store.DirectionOutbound: store.ExchangeReplied,
	}, directions)
}

func TestEngine_PartnerFaultEndsInstance(t *testing.T) {
	te := newTestEngine(t)
	te.registry.Register("backend", partners.Func(func(context.Context, *partners.Request) (*partners.Response, error) {
		return &partners.Response{Fault: "boom", Message: schema.Message{"reason": "broken"}}, nil
	}))
	te.deploy(invokeSrc)

	r := te.call(Delivery{Operation: "start", Message: schema.Message{"body": "ping"}})

	assert.Equal(t, schema.FaultMissingReply, r.Fault, "the instance ended before it replied")
	assert.Equal(t, schema.InstanceStatusFaulted, te.wait(r.InstanceID))

	info, err := te.Instance(context.Background(), r.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusFaulted, info.Status)
	assert.Contains(t, string(info.Fault), "boom")
}

func TestEngine_RecoveryRetry(t *testing.T) {
	te := newTestEngine(t)
	var calls atomic.Int32
	te.registry.Register("backend", partners.Func(func(context.Context, *partners.Request) (*partners.Response, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("connection refused")
		}
		return &partners.Response{Message: schema.Message{"body": "pong"}}, nil
	}))
	te.deploy(ordersHeader + `
activity:
  sequence:
    activities:
      - assign: {copy: [{from: {literal: {body: ping}}, to: {variable: m}}]}
      - invoke: {name: call, partnerLink: svc, operation: call, inputVariable: m, outputVariable: m}
`)
	ctx := context.Background()
	id, err := te.Start(ctx, "orders", nil)
	require.NoError(t, err)

	var info *InstanceInfo
	require.Eventually(t, func() bool {
		info, err = te.Instance(ctx, id)
		return err == nil && info.Status == schema.InstanceStatusSuspended
	}, 5*time.Second, 10*time.Millisecond)
	require.Len(t, info.Failures, 1)
	assert.Equal(t, "connection refused", info.Failures[0].Reason)

	err = te.Recover(ctx, id, info.Failures[0].ActivityID, "later")
	var se *schema.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, schema.ErrCodeValidation, se.Code)

	require.NoError(t, te.Recover(ctx, id, info.Failures[0].ActivityID, "retry"))
	assert.Equal(t, schema.InstanceStatusCompleted, te.wait(id))
	assert.EqualValues(t, 2, calls.Load())

	failures, err := te.store.ListActivityFailures(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, failures)
	assert.Contains(t, te.eventTypes(id), schema.EventActivityRecovery)
}

func TestEngine_Terminate(t *testing.T) {
	te := newTestEngine(t)
	te.deploy(ordersHeader + `
activity:
  sequence:
    activities:
      - assign: {copy: [{from: {literal: 1}, to: {variable: n}}]}
      - wait: {name: pause, for: "3600"}
`)
	ctx := context.Background()
	id, err := te.Start(ctx, "orders", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return te.Stats().PendingTimers == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, te.Terminate(ctx, id))

	assert.Equal(t, schema.InstanceStatusTerminated, te.wait(id))
	assert.Equal(t, 0, te.Stats().PendingTimers)
	assert.ErrorContains(t, te.Terminate(ctx, id), "not running")

	vars, err := te.Variables(ctx, id)
	require.NoError(t, err)
	require.Len(t, vars, 1)
	assert.Equal(t, "n", vars[0].Name)
	assert.JSONEq(t, "1", string(vars[0].Value))
}

func TestEngine_PickAlarm(t *testing.T) {
	te := newTestEngine(t)
	te.deploy(ordersHeader + `
activity:
  sequence:
    activities:
      - receive: {partnerLink: client, operation: start, variable: m, createInstance: true}
      - reply: {partnerLink: client, operation: start, variable: m}
      - pick:
          onMessage:
            - partnerLink: client
              operation: cancel
              variable: u
              activity: {assign: {copy: [{from: {literal: 1}, to: {variable: n}}]}}
          onAlarm:
            - for: "1"
              activity: {assign: {copy: [{from: {literal: 2}, to: {variable: n}}]}}
`)

	t.Run("message", func(t *testing.T) {
		r := te.call(Delivery{Operation: "start", Message: body("o-1")})
		cancelled := te.call(Delivery{Operation: "cancel", Message: body("o-1"), InstanceID: r.InstanceID})
		assert.Equal(t, r.InstanceID, cancelled.InstanceID)
		assert.Equal(t, schema.InstanceStatusCompleted, te.wait(r.InstanceID))
		assert.JSONEq(t, "1", string(variable(t, te, r.InstanceID, "n")))
	})

	t.Run("alarm", func(t *testing.T) {
		r := te.call(Delivery{Operation: "start", Message: body("o-2")})
		assert.Equal(t, schema.InstanceStatusCompleted, te.wait(r.InstanceID))
		assert.JSONEq(t, "2", string(variable(t, te, r.InstanceID, "n")))
	})
}

func variable(t *testing.T, te *testEngine, id int64, name string) []byte {
	t.Helper()
	vars, err := te.Variables(context.Background(), id)
	require.NoError(t, err)
	for _, v := range vars {
		if v.Name == name {
			return v.Value
		}
	}
	t.Fatalf("instance %d has no variable %s", id, name)
	return nil
}

func TestEngine_LoopbackInvoke(t *testing.T) {
	te := newTestEngine(t)
	te.deploy(receiveReplySrc)
	te.deploy(`
name: shop
targetNamespace: urn:shop
messageTypes:
  - name: msg
    parts: [{name: body}]
partnerLinks:
  - name: orders
    partnerRole: service
    initializePartnerRole: true
    service: orderService
    operations:
      - {name: start, input: msg, output: msg}
variables:
  - {name: req, messageType: msg}
  - {name: res, messageType: msg}
activity:
  sequence:
    activities:
      - assign: {copy: [{from: {literal: {body: {id: s-1}}}, to: {variable: req}}]}
      - invoke: {partnerLink: orders, operation: start, inputVariable: req, outputVariable: res}
`)
	ctx := context.Background()
	id, err := te.Start(ctx, "shop", nil)
	require.NoError(t, err)

	assert.Equal(t, schema.InstanceStatusCompleted, te.wait(id))
	assert.JSONEq(t, `{"body":{"id":"s-1"}}`, string(variable(t, te, id, "res")))

	ids, err := te.FindByCorrelation(ctx, "orders", schema.CorrelationKey{Set: "byKey", Values: []string{"s-1"}})
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, schema.InstanceStatusCompleted, te.wait(ids[0]))
}

func TestEngine_StreamsCommittedEvents(t *testing.T) {
	hub := streaming.NewMemoryHub(256)
	te := newTestEngine(t, WithHub(hub))
	te.deploy(receiveReplySrc)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	events, unsubscribe, err := hub.Subscribe(ctx, streaming.EventFilter{Process: "orders"})
	require.NoError(t, err)
	defer unsubscribe()

	r := te.call(Delivery{Operation: "start", Message: body("o-1")})

	var last int64
	for {
		select {
		case ev := <-events:
			assert.Equal(t, r.InstanceID, ev.InstanceID)
			assert.Greater(t, ev.Sequence, last, "sequences increase")
			last = ev.Sequence
			if ev.Event.Type == schema.EventProcessCompleted {
				return
			}
		case <-ctx.Done():
			t.Fatal("no process_completed event")
		}
	}
}

func TestEngine_OneWayMessage(t *testing.T) {
	te := newTestEngine(t)
	te.deploy(ordersHeader + `
activity:
  receive: {partnerLink: client, operation: cancel, variable: u, createInstance: true}
`)
	r := te.call(Delivery{Operation: "cancel", Message: body("o-1")})
	assert.True(t, r.Fault.IsZero())
	assert.Nil(t, r.Message)
	assert.Equal(t, schema.InstanceStatusCompleted, te.wait(r.InstanceID))
}

// lockedStore fails the first checkpoints as a busy database would.
type lockedStore struct {
	*store.LibSQLStore
	failures    atomic.Int32
	checkpoints atomic.Int32
}

func (s *lockedStore) Checkpoint(ctx context.Context, cp *store.Checkpoint) error {
	s.checkpoints.Add(1)
	if s.failures.Add(-1) >= 0 {
		return errors.New("database is locked")
	}
	return s.LibSQLStore.Checkpoint(ctx, cp)
}

func TestEngine_CheckpointRetried(t *testing.T) {
	var locked *lockedStore
	te := newTestEngineOn(t, func(st *store.LibSQLStore) store.Store {
		locked = &lockedStore{LibSQLStore: st}
		locked.failures.Store(2)
		return locked
	})
	te.deploy(receiveReplySrc)

	r := te.call(Delivery{Operation: "start", Message: body("o-1")})
	assert.Equal(t, body("o-1"), r.Message)
	assert.Equal(t, schema.InstanceStatusCompleted, te.wait(r.InstanceID))
	assert.GreaterOrEqual(t, locked.checkpoints.Load(), int32(3))

	info, err := te.Instance(context.Background(), r.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusCompleted, info.Status)
}

func TestEngine_StartWithInput(t *testing.T) {
	te := newTestEngine(t)
	te.deploy(receiveReplySrc)
	ctx := context.Background()

	id, err := te.Start(ctx, "orders", body("o-9"))
	require.NoError(t, err)
	assert.Equal(t, schema.InstanceStatusCompleted, te.wait(id))
	assert.JSONEq(t, `{"body":{"id":"o-9"}}`, string(variable(t, te, id, "m")))
}

func TestEngine_DeliveryErrors(t *testing.T) {
	te := newTestEngine(t)
	te.deploy(receiveReplySrc)
	ctx := context.Background()

	tests := []struct {
		name string
		d    Delivery
		code string
	}{
		{"unknown process", Delivery{Process: "nope", PartnerLink: "client", Operation: "start"}, schema.ErrCodeNotFound},
		{"unknown link", Delivery{Process: "orders", PartnerLink: "nope", Operation: "start"}, schema.ErrCodeNotFound},
		{"unknown operation", Delivery{Process: "orders", PartnerLink: "client", Operation: "nope"}, schema.ErrCodeNotFound},
		{"partner role only", Delivery{Process: "orders", PartnerLink: "svc", Operation: "call"}, schema.ErrCodeValidation},
		{"instance not running", Delivery{Process: "orders", PartnerLink: "client", Operation: "start", InstanceID: 999}, schema.ErrCodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := te.Deliver(ctx, tt.d)
			var se *schema.Error
			require.ErrorAs(t, err, &se)
			assert.Equal(t, tt.code, se.Code)
		})
	}
}

func TestEngine_Processes(t *testing.T) {
	te := newTestEngine(t)
	te.deploy(receiveReplySrc)
	assert.Equal(t, []string{"orders"}, te.Processes())

	deps, err := te.store.ListDeployments(context.Background())
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, "orders", deps[0].Process)
	assert.True(t, strings.Contains(string(deps[0].Source), "receive"))
}

func TestEngine_HasExtension(t *testing.T) {
	name := schema.QName{Space: "urn:ext", Local: "audit"}
	te := newTestEngine(t, WithExtension(name, nil))
	assert.True(t, te.HasExtension(name))
	assert.False(t, te.HasExtension(schema.QName{Space: "urn:ext", Local: "other"}))
}
