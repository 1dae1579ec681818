package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rendis/bpelrt/internal/diagram"
	"github.com/rendis/bpelrt/internal/engine"
	"github.com/rendis/bpelrt/internal/store"
	"github.com/rendis/bpelrt/pkg/schema"
)

// handleDeploy compiles the YAML source and deploys the process.
func (s *BPELServer) handleDeploy(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	source, err := req.RequireString("source")
	if err != nil {
		return mcp.NewToolResultError("source is required"), nil
	}

	proc, err := s.loader.Load([]byte(source))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("compile failed: %v", err)), nil
	}
	if err := s.engine.Deploy(ctx, proc, []byte(source)); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("deploy failed: %v", err)), nil
	}

	return marshalResult(map[string]any{
		"process":    proc.Name.Local,
		"name":       proc.Name.String(),
		"activities": len(proc.Activities()),
	})
}

// handleStart creates an instance of a deployed process.
func (s *BPELServer) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	process, err := req.RequireString("process")
	if err != nil {
		return mcp.NewToolResultError("process is required"), nil
	}
	input := schema.Message(mcp.ParseStringMap(req, "input", nil))

	id, err := s.engine.Start(ctx, process, input)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("start failed: %v", err)), nil
	}
	s.captureSession(ctx, id)

	return marshalResult(map[string]any{"instance_id": id})
}

// handleSend delivers a message and, for request-response operations,
// waits for the reply unless wait is "false".
func (s *BPELServer) handleSend(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	d := engine.Delivery{Message: schema.Message(mcp.ParseStringMap(req, "message", nil))}
	var err error
	if d.Process, err = req.RequireString("process"); err != nil {
		return mcp.NewToolResultError("process is required"), nil
	}
	if d.PartnerLink, err = req.RequireString("partner_link"); err != nil {
		return mcp.NewToolResultError("partner_link is required"), nil
	}
	if d.Operation, err = req.RequireString("operation"); err != nil {
		return mcp.NewToolResultError("operation is required"), nil
	}
	d.SessionID = req.GetString("session_id", "")
	if raw := req.GetString("instance_id", ""); raw != "" {
		if d.InstanceID, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return mcp.NewToolResultError("instance_id must be an integer"), nil
		}
	}

	x, err := s.engine.Deliver(ctx, d)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("delivery failed: %v", err)), nil
	}
	if x.OneWay || req.GetString("wait", "true") == "false" {
		return marshalResult(map[string]any{
			"exchange_id": x.ID,
			"one_way":     x.OneWay,
			"accepted":    true,
		})
	}

	reply, err := x.Wait(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("no reply: %v", err)), nil
	}
	s.captureSession(ctx, reply.InstanceID)

	result := map[string]any{
		"instance_id": reply.InstanceID,
		"message":     reply.Message,
	}
	if reply.SessionID != "" {
		result["session_id"] = reply.SessionID
	}
	if !reply.Fault.IsZero() {
		result["fault"] = reply.Fault.String()
	}
	return marshalResult(result)
}

// handleStatus returns the state of an instance.
func (s *BPELServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := requireID(req, "instance_id")
	if errResult != nil {
		return errResult, nil
	}

	info, err := s.engine.Instance(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("instance lookup failed: %v", err)), nil
	}
	if req.GetString("include_variables", "false") != "true" {
		return marshalResult(info)
	}

	vars, err := s.engine.Variables(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("variable lookup failed: %v", err)), nil
	}
	values := make(map[string]json.RawMessage, len(vars))
	for _, v := range vars {
		values[v.Name] = v.Value
	}
	return marshalResult(struct {
		*engine.InstanceInfo
		Variables map[string]json.RawMessage `json:"variables"`
	}{info, values})
}

func (s *BPELServer) handleEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := requireID(req, "instance_id")
	if errResult != nil {
		return errResult, nil
	}
	var since int64
	if raw := req.GetString("since", ""); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return mcp.NewToolResultError("since must be an integer"), nil
		}
		since = n
	}

	events, err := s.engine.Events(ctx, id, since)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("event query failed: %v", err)), nil
	}
	if events == nil {
		events = []*store.Event{}
	}
	return marshalResult(map[string]any{"events": events, "count": len(events)})
}

// handleRecover applies a recovery action to a failed activity.
func (s *BPELServer) handleRecover(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := requireID(req, "instance_id")
	if errResult != nil {
		return errResult, nil
	}
	activityID, errResult := requireID(req, "activity_id")
	if errResult != nil {
		return errResult, nil
	}
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}

	if err := s.engine.Recover(ctx, id, activityID, action); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("recovery failed: %v", err)), nil
	}
	s.captureSession(ctx, id)

	return marshalResult(map[string]any{
		"ok":          true,
		"instance_id": id,
		"activity_id": activityID,
		"action":      action,
	})
}

func (s *BPELServer) handleTerminate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := requireID(req, "instance_id")
	if errResult != nil {
		return errResult, nil
	}
	if err := s.engine.Terminate(ctx, id); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("terminate failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"ok": true, "instance_id": id})
}

// handleDiagram renders a process, or an instance's process with the status
// of every activity it reached.
func (s *BPELServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	process := req.GetString("process", "")
	var events []*store.Event

	if raw := req.GetString("instance_id", ""); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return mcp.NewToolResultError("instance_id must be an integer"), nil
		}
		info, err := s.engine.Instance(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("instance lookup failed: %v", err)), nil
		}
		process = info.Process
		if events, err = s.engine.Events(ctx, id, 0); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("event query failed: %v", err)), nil
		}
	}
	if process == "" {
		return mcp.NewToolResultError("process or instance_id is required"), nil
	}

	proc, err := s.engine.Process(process)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("process lookup failed: %v", err)), nil
	}
	model, err := diagram.Build(proc, events)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", err)), nil
	}
	return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
}

// --- Helpers ---

func requireID(req mcp.CallToolRequest, key string) (int64, *mcp.CallToolResult) {
	raw, err := req.RequireString(key)
	if err != nil {
		return 0, mcp.NewToolResultError(key + " is required")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, mcp.NewToolResultError(key + " must be an integer")
	}
	return id, nil
}

// captureSession maps the instance to the current MCP session so its
// completion can be pushed to the caller.
func (s *BPELServer) captureSession(ctx context.Context, instanceID int64) {
	if instanceID == 0 {
		return
	}
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(instanceID, session.SessionID())
	}
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
