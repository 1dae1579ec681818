package mcp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rendis/bpelrt/internal/deploy"
	"github.com/rendis/bpelrt/internal/engine"
	"github.com/rendis/bpelrt/internal/streaming"
)

// SSEBasePath is where SSEHandler expects to be mounted.
const SSEBasePath = "/mcp"

// Deps holds the dependencies for creating a BPELServer.
type Deps struct {
	Engine *engine.Engine
	Loader *deploy.Loader
	Hub    streaming.EventHub
	Logger *slog.Logger
}

// BPELServer wraps an MCP server with tools that deploy processes, exchange
// messages with instances and inspect them.
type BPELServer struct {
	engine    *engine.Engine
	loader    *deploy.Loader
	hub       streaming.EventHub
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  Notifier
	mcpServer *server.MCPServer
}

// NewBPELServer creates a new BPELServer with all tools registered.
func NewBPELServer(deps Deps) *BPELServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	loader := deps.Loader
	if loader == nil {
		loader = deploy.NewLoader(deploy.WithLogger(logger))
	}

	s := &BPELServer{
		engine:   deps.Engine,
		loader:   loader,
		hub:      deps.Hub,
		logger:   logger,
		sessions: NewSessionRegistry(),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"bpelrt",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("bpelrt runs WS-BPEL processes. Use bpel.deploy to register a process, bpel.start or bpel.send to create instances and exchange messages, bpel.status and bpel.events to inspect them, bpel.recover to resolve failed activities, bpel.terminate to stop an instance, and bpel.diagram to render a process or instance as Mermaid."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *BPELServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// SSEHandler returns the SSE transport as a handler to mount under
// SSEBasePath. baseURL is the externally visible address of the mount.
func (s *BPELServer) SSEHandler(baseURL string) http.Handler {
	return server.NewSSEServer(s.mcpServer,
		server.WithBaseURL(baseURL),
		server.WithStaticBasePath(SSEBasePath),
	)
}

// ServeSSE runs the SSE transport on its own listener until ctx is cancelled.
func (s *BPELServer) ServeSSE(ctx context.Context, addr, baseURL string) error {
	sse := server.NewSSEServer(s.mcpServer,
		server.WithBaseURL(baseURL),
		server.WithStaticBasePath(SSEBasePath),
	)
	go func() {
		<-ctx.Done()
		_ = sse.Shutdown(context.Background())
	}()
	if err := sse.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *BPELServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *BPELServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: deployTool(), Handler: s.handleDeploy},
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: sendTool(), Handler: s.handleSend},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: eventsTool(), Handler: s.handleEvents},
		{Tool: recoverTool(), Handler: s.handleRecover},
		{Tool: terminateTool(), Handler: s.handleTerminate},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func deployTool() mcp.Tool {
	return mcp.NewTool("bpel.deploy",
		mcp.WithDescription("Compile and deploy a process definition"),
		mcp.WithString("source", mcp.Required(), mcp.Description("Process definition in YAML")),
	)
}

func startTool() mcp.Tool {
	return mcp.NewTool("bpel.start",
		mcp.WithDescription("Create a process instance"),
		mcp.WithString("process", mcp.Required(), mcp.Description("Local name of the deployed process")),
		mcp.WithObject("input", mcp.Description("Message parts for the instance-creating operation")),
	)
}

func sendTool() mcp.Tool {
	return mcp.NewTool("bpel.send",
		mcp.WithDescription("Send a message to a process partner link"),
		mcp.WithString("process", mcp.Required(), mcp.Description("Local name of the deployed process")),
		mcp.WithString("partner_link", mcp.Required(), mcp.Description("Partner link the process offers the operation on")),
		mcp.WithString("operation", mcp.Required(), mcp.Description("Operation name")),
		mcp.WithObject("message", mcp.Description("Message parts")),
		mcp.WithString("instance_id", mcp.Description("Deliver only to this instance")),
		mcp.WithString("session_id", mcp.Description("Session of the receiving instance")),
		mcp.WithString("wait", mcp.Enum("true", "false"), mcp.Description("Wait for the reply of a request-response operation (default: true)")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("bpel.status",
		mcp.WithDescription("Get process instance status"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("ID of the instance to query")),
		mcp.WithString("include_variables", mcp.Enum("true", "false"), mcp.Description("Include the instance variables (default: false)")),
	)
}

func eventsTool() mcp.Tool {
	return mcp.NewTool("bpel.events",
		mcp.WithDescription("List the events of a process instance"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("ID of the instance to query")),
		mcp.WithString("since", mcp.Description("Only events after this sequence number")),
	)
}

func recoverTool() mcp.Tool {
	return mcp.NewTool("bpel.recover",
		mcp.WithDescription("Resolve a failed activity of a suspended instance"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("ID of the suspended instance")),
		mcp.WithString("activity_id", mcp.Required(), mcp.Description("Activity instance ID from the failure list")),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("retry", "cancel", "fault"),
			mcp.Description("Recovery action"),
		),
	)
}

func terminateTool() mcp.Tool {
	return mcp.NewTool("bpel.terminate",
		mcp.WithDescription("Terminate a running process instance"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("ID of the instance to terminate")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("bpel.diagram",
		mcp.WithDescription("Render a process or instance as a Mermaid flowchart"),
		mcp.WithString("process", mcp.Description("Local name of a deployed process")),
		mcp.WithString("instance_id", mcp.Description("Instance whose progress is overlaid on its process")),
	)
}
