package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rendis/bpelrt/internal/engine"
	"github.com/rendis/bpelrt/internal/expressions"
	"github.com/rendis/bpelrt/internal/partners"
	"github.com/rendis/bpelrt/internal/store"
	"github.com/rendis/bpelrt/internal/streaming"
	"github.com/rendis/bpelrt/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const header = `
targetNamespace: urn:desk
messageTypes:
  - name: msg
    parts: [{name: body}]
  - name: faultMsg
    parts: [{name: reason, type: string}]
partnerLinks:
  - name: client
    myRole: service
    operations:
      - {name: echo, input: msg, output: msg}
      - {name: fail, input: msg, output: msg, faults: {rejected: faultMsg}}
      - {name: note, input: msg}
  - name: svc
    partnerRole: provider
    initializePartnerRole: true
    service: backend
    operations:
      - {name: call, input: msg, output: msg}
variables:
  - {name: m, messageType: msg}
  - {name: problem, messageType: faultMsg}
  - {name: n, type: number}
`

const echoSrc = "name: echo\n" + header + `
activity:
  pick:
    createInstance: true
    onMessage:
      - partnerLink: client
        operation: echo
        variable: m
        activity: {reply: {partnerLink: client, operation: echo, variable: m}}
      - partnerLink: client
        operation: fail
        variable: m
        activity:
          sequence:
            activities:
              - assign: {copy: [{from: {literal: {reason: nope}}, to: {variable: problem}}]}
              - reply: {partnerLink: client, operation: fail, variable: problem, faultName: rejected}
      - partnerLink: client
        operation: note
        variable: m
        activity: {empty: {}}
`

const countSrc = "name: count\n" + header + `
activity:
  sequence:
    activities:
      - assign: {copy: [{from: {literal: 1}, to: {variable: n}}]}
      - assign: {copy: [{from: {expression: "n + 1"}, to: {variable: n}}]}
`

const callSrc = "name: call\n" + header + `
activity:
  sequence:
    activities:
      - assign: {copy: [{from: {literal: {body: ping}}, to: {variable: m}}]}
      - invoke: {name: backend, partnerLink: svc, operation: call, inputVariable: m, outputVariable: m}
`

const pauseSrc = "name: pause\n" + header + `
activity:
  wait: {for: "3600"}
`

type testEnv struct {
	server   *BPELServer
	engine   *engine.Engine
	registry *partners.Registry
	hub      *streaming.MemoryHub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "mcp.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	exprs, err := expressions.DefaultRegistry()
	require.NoError(t, err)

	hub := streaming.NewMemoryHub(64)
	reg := partners.NewRegistry(slog.Default())
	cfg := engine.DefaultConfig()
	cfg.Workers = 4
	cfg.InvokeTimeout = 5 * time.Second
	e := engine.New(cfg, st, exprs, reg, engine.WithHub(hub))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})

	return &testEnv{
		server:   NewBPELServer(Deps{Engine: e, Hub: hub}),
		engine:   e,
		registry: reg,
		hub:      hub,
	}
}

func (env *testEnv) call(t *testing.T, handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), tool string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := handler(ctx, buildRequest(tool, args))
	require.NoError(t, err)
	require.NotNil(t, result)
	return result
}

func (env *testEnv) deploy(t *testing.T, src string) {
	t.Helper()
	result := env.call(t, env.server.handleDeploy, "bpel.deploy", map[string]any{"source": src})
	require.False(t, result.IsError, extractText(t, result))
}

func (env *testEnv) start(t *testing.T, process string) int64 {
	t.Helper()
	result := env.call(t, env.server.handleStart, "bpel.start", map[string]any{"process": process})
	require.False(t, result.IsError, extractText(t, result))
	var out struct {
		InstanceID int64 `json:"instance_id"`
	}
	unmarshalResult(t, result, &out)
	require.NotZero(t, out.InstanceID)
	return out.InstanceID
}

func (env *testEnv) wait(t *testing.T, id int64) schema.InstanceStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := env.engine.Wait(ctx, id)
	require.NoError(t, err)
	return status
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func id(n int64) string {
	return strconv.FormatInt(n, 10)
}

// --- Tests ---

func TestDeployTool(t *testing.T) {
	env := newTestEnv(t)

	result := env.call(t, env.server.handleDeploy, "bpel.deploy", map[string]any{"source": echoSrc})
	require.False(t, result.IsError, extractText(t, result))

	var out map[string]any
	unmarshalResult(t, result, &out)
	assert.Equal(t, "echo", out["process"])
	assert.Equal(t, "{urn:desk}echo", out["name"])
	assert.Contains(t, env.engine.Processes(), "echo")
}

func TestDeployTool_Errors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing source", map[string]any{}, "source is required"},
		{"bad yaml", map[string]any{"source": "name: [unclosed"}, "compile failed"},
		{"unknown variable", map[string]any{"source": "name: bad\n" + header + `
activity:
  assign: {copy: [{from: {literal: 1}, to: {variable: nope}}]}
`}, "compile failed"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result := env.call(t, env.server.handleDeploy, "bpel.deploy", tc.args)
			assert.True(t, result.IsError)
			assert.Contains(t, extractText(t, result), tc.want)
		})
	}
}

func TestStartAndStatusTools(t *testing.T) {
	env := newTestEnv(t)
	env.deploy(t, countSrc)

	instanceID := env.start(t, "count")
	assert.Equal(t, schema.InstanceStatusCompleted, env.wait(t, instanceID))

	result := env.call(t, env.server.handleStatus, "bpel.status", map[string]any{
		"instance_id":       id(instanceID),
		"include_variables": "true",
	})
	require.False(t, result.IsError, extractText(t, result))

	var out struct {
		ID        int64                      `json:"id"`
		Process   string                     `json:"process"`
		Status    schema.InstanceStatus      `json:"status"`
		Variables map[string]json.RawMessage `json:"variables"`
	}
	unmarshalResult(t, result, &out)
	assert.Equal(t, instanceID, out.ID)
	assert.Equal(t, "count", out.Process)
	assert.Equal(t, schema.InstanceStatusCompleted, out.Status)
	assert.JSONEq(t, "2", string(out.Variables["n"]))
}

func TestStartTool_UnknownProcess(t *testing.T) {
	env := newTestEnv(t)

	result := env.call(t, env.server.handleStart, "bpel.start", map[string]any{"process": "ghost"})
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "start failed")
}

func TestStatusTool_Errors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing id", map[string]any{}, "instance_id is required"},
		{"not a number", map[string]any{"instance_id": "abc"}, "instance_id must be an integer"},
		{"unknown instance", map[string]any{"instance_id": "999"}, "instance lookup failed"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result := env.call(t, env.server.handleStatus, "bpel.status", tc.args)
			assert.True(t, result.IsError)
			assert.Contains(t, extractText(t, result), tc.want)
		})
	}
}

func TestSendTool(t *testing.T) {
	env := newTestEnv(t)
	env.deploy(t, echoSrc)

	t.Run("request response", func(t *testing.T) {
		result := env.call(t, env.server.handleSend, "bpel.send", map[string]any{
			"process":      "echo",
			"partner_link": "client",
			"operation":    "echo",
			"message":      map[string]any{"body": "hello"},
		})
		require.False(t, result.IsError, extractText(t, result))

		var out struct {
			InstanceID int64          `json:"instance_id"`
			Message    schema.Message `json:"message"`
			Fault      string         `json:"fault"`
		}
		unmarshalResult(t, result, &out)
		assert.NotZero(t, out.InstanceID)
		assert.Equal(t, "hello", out.Message["body"])
		assert.Empty(t, out.Fault)
	})

	t.Run("fault", func(t *testing.T) {
		result := env.call(t, env.server.handleSend, "bpel.send", map[string]any{
			"process":      "echo",
			"partner_link": "client",
			"operation":    "fail",
			"message":      map[string]any{"body": "x"},
		})
		require.False(t, result.IsError, extractText(t, result))

		var out map[string]any
		unmarshalResult(t, result, &out)
		assert.Equal(t, "rejected", out["fault"])
		assert.Equal(t, map[string]any{"reason": "nope"}, out["message"])
	})

	t.Run("one way", func(t *testing.T) {
		result := env.call(t, env.server.handleSend, "bpel.send", map[string]any{
			"process":      "echo",
			"partner_link": "client",
			"operation":    "note",
		})
		require.False(t, result.IsError, extractText(t, result))

		var out map[string]any
		unmarshalResult(t, result, &out)
		assert.Equal(t, true, out["one_way"])
		assert.Equal(t, true, out["accepted"])
	})

	t.Run("no wait", func(t *testing.T) {
		result := env.call(t, env.server.handleSend, "bpel.send", map[string]any{
			"process":      "echo",
			"partner_link": "client",
			"operation":    "echo",
			"wait":         "false",
		})
		require.False(t, result.IsError, extractText(t, result))

		var out map[string]any
		unmarshalResult(t, result, &out)
		assert.Equal(t, false, out["one_way"])
		assert.NotEmpty(t, out["exchange_id"])
	})
}

func TestSendTool_Errors(t *testing.T) {
	env := newTestEnv(t)
	env.deploy(t, echoSrc)

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing process", map[string]any{"partner_link": "client", "operation": "echo"}, "process is required"},
		{"missing partner link", map[string]any{"process": "echo", "operation": "echo"}, "partner_link is required"},
		{"missing operation", map[string]any{"process": "echo", "partner_link": "client"}, "operation is required"},
		{"bad instance id", map[string]any{"process": "echo", "partner_link": "client", "operation": "echo", "instance_id": "x"}, "instance_id must be an integer"},
		{"unknown operation", map[string]any{"process": "echo", "partner_link": "client", "operation": "dance"}, "delivery failed"},
		{"unknown process", map[string]any{"process": "ghost", "partner_link": "client", "operation": "echo"}, "delivery failed"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result := env.call(t, env.server.handleSend, "bpel.send", tc.args)
			assert.True(t, result.IsError)
			assert.Contains(t, extractText(t, result), tc.want)
		})
	}
}

func TestEventsTool(t *testing.T) {
	env := newTestEnv(t)
	env.deploy(t, countSrc)
	instanceID := env.start(t, "count")
	require.Equal(t, schema.InstanceStatusCompleted, env.wait(t, instanceID))

	result := env.call(t, env.server.handleEvents, "bpel.events", map[string]any{"instance_id": id(instanceID)})
	require.False(t, result.IsError, extractText(t, result))

	var out struct {
		Events []store.Event `json:"events"`
		Count  int           `json:"count"`
	}
	unmarshalResult(t, result, &out)
	require.NotEmpty(t, out.Events)
	assert.Equal(t, len(out.Events), out.Count)

	var types []string
	for _, e := range out.Events {
		types = append(types, e.Type)
	}
	assert.Contains(t, types, schema.EventInstanceCreated)
	assert.Contains(t, types, schema.EventProcessCompleted)

	last := out.Events[len(out.Events)-1].Sequence
	result = env.call(t, env.server.handleEvents, "bpel.events", map[string]any{
		"instance_id": id(instanceID),
		"since":       id(last),
	})
	unmarshalResult(t, result, &out)
	assert.Equal(t, 0, out.Count)
	assert.NotNil(t, out.Events)

	result = env.call(t, env.server.handleEvents, "bpel.events", map[string]any{"instance_id": "1", "since": "later"})
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "since must be an integer")
}

func TestRecoverTool(t *testing.T) {
	env := newTestEnv(t)
	var calls atomic.Int32
	env.registry.Register("backend", partners.Func(func(context.Context, *partners.Request) (*partners.Response, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("connection refused")
		}
		return &partners.Response{Message: schema.Message{"body": "pong"}}, nil
	}))
	env.deploy(t, callSrc)
	instanceID := env.start(t, "call")

	var info engine.InstanceInfo
	require.Eventually(t, func() bool {
		result := env.call(t, env.server.handleStatus, "bpel.status", map[string]any{"instance_id": id(instanceID)})
		unmarshalResult(t, result, &info)
		return info.Status == schema.InstanceStatusSuspended
	}, 5*time.Second, 10*time.Millisecond)
	require.Len(t, info.Failures, 1)

	activityID := id(info.Failures[0].ActivityID)

	result := env.call(t, env.server.handleRecover, "bpel.recover", map[string]any{
		"instance_id": id(instanceID),
		"activity_id": activityID,
		"action":      "postpone",
	})
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "recovery failed")

	result = env.call(t, env.server.handleRecover, "bpel.recover", map[string]any{
		"instance_id": id(instanceID),
		"activity_id": activityID,
		"action":      "retry",
	})
	require.False(t, result.IsError, extractText(t, result))
	assert.Equal(t, schema.InstanceStatusCompleted, env.wait(t, instanceID))
	assert.EqualValues(t, 2, calls.Load())

	result = env.call(t, env.server.handleRecover, "bpel.recover", map[string]any{"instance_id": id(instanceID)})
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "activity_id is required")
}

func TestTerminateTool(t *testing.T) {
	env := newTestEnv(t)
	env.deploy(t, pauseSrc)
	instanceID := env.start(t, "pause")
	require.Eventually(t, func() bool { return env.engine.Stats().PendingTimers == 1 }, 5*time.Second, 10*time.Millisecond)

	result := env.call(t, env.server.handleTerminate, "bpel.terminate", map[string]any{"instance_id": id(instanceID)})
	require.False(t, result.IsError, extractText(t, result))
	assert.Equal(t, schema.InstanceStatusTerminated, env.wait(t, instanceID))

	result = env.call(t, env.server.handleTerminate, "bpel.terminate", map[string]any{"instance_id": id(instanceID)})
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "terminate failed")
}

func TestDiagramTool(t *testing.T) {
	env := newTestEnv(t)
	env.deploy(t, countSrc)

	result := env.call(t, env.server.handleDiagram, "bpel.diagram", map[string]any{"process": "count"})
	require.False(t, result.IsError, extractText(t, result))
	text := extractText(t, result)
	assert.Contains(t, text, "graph TD")
	assert.Contains(t, text, "%% {urn:desk}count")
	assert.NotContains(t, text, "class a")

	instanceID := env.start(t, "count")
	require.Equal(t, schema.InstanceStatusCompleted, env.wait(t, instanceID))

	result = env.call(t, env.server.handleDiagram, "bpel.diagram", map[string]any{"instance_id": id(instanceID)})
	require.False(t, result.IsError, extractText(t, result))
	assert.Contains(t, extractText(t, result), "completed")
	assert.Contains(t, extractText(t, result), "class a3 completed")

	result = env.call(t, env.server.handleDiagram, "bpel.diagram", map[string]any{})
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "process or instance_id is required")

	result = env.call(t, env.server.handleDiagram, "bpel.diagram", map[string]any{"process": "ghost"})
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "process lookup failed")
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls map[int64]map[string]any
}

func (n *recordingNotifier) Notify(_ context.Context, instanceID int64, payload map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.calls == nil {
		n.calls = make(map[int64]map[string]any)
	}
	n.calls[instanceID] = payload
	return nil
}

func (n *recordingNotifier) get(instanceID int64) (map[string]any, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	p, ok := n.calls[instanceID]
	return p, ok
}

func TestWatchNotifiesCompletion(t *testing.T) {
	env := newTestEnv(t)
	rec := &recordingNotifier{}
	env.server.notifier = rec
	env.deploy(t, pauseSrc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.server.Watch(ctx) }()
	require.Eventually(t, func() bool { return env.hub.Subscribers() == 1 }, 5*time.Second, 10*time.Millisecond)

	instanceID := env.start(t, "pause")
	env.server.sessions.Register(instanceID, "session-1")
	require.NoError(t, env.engine.Terminate(context.Background(), instanceID))
	require.Equal(t, schema.InstanceStatusTerminated, env.wait(t, instanceID))

	require.Eventually(t, func() bool {
		_, ok := rec.get(instanceID)
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	payload, _ := rec.get(instanceID)
	data := payload["data"].(map[string]any)
	assert.Equal(t, schema.EventProcessTerminated, data["event"])
	assert.Equal(t, "pause", data["process"])

	require.Eventually(t, func() bool {
		_, ok := env.server.sessions.SessionFor(instanceID)
		return !ok
	}, 5*time.Second, 10*time.Millisecond, "finished instances are forgotten")

	cancel()
	assert.NoError(t, <-done)
}

func TestWatchWithoutHub(t *testing.T) {
	s := NewBPELServer(Deps{})
	assert.NoError(t, s.Watch(context.Background()))
}

func TestMCPNotifier_UnknownInstance(t *testing.T) {
	s := NewBPELServer(Deps{})
	n := NewMCPNotifier(s.MCPServer(), s.sessions)
	assert.NoError(t, n.Notify(context.Background(), 7, map[string]any{"x": 1}))
}

func TestMCPNotifier_StaleSession(t *testing.T) {
	s := NewBPELServer(Deps{})
	s.sessions.Register(7, "gone")
	n := NewMCPNotifier(s.MCPServer(), s.sessions)

	assert.NoError(t, n.Notify(context.Background(), 7, map[string]any{"x": 1}))
	_, ok := s.sessions.SessionFor(7)
	assert.False(t, ok, "stale sessions are dropped")
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}
