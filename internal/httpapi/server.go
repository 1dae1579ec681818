// Package httpapi exposes the engine over HTTP: an inbound endpoint that
// delivers partner messages to processes, a JSON management API and
// server-sent event streams.
package httpapi

import (
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/rendis/bpelrt/internal/deploy"
	"github.com/rendis/bpelrt/internal/engine"
	"github.com/rendis/bpelrt/internal/streaming"
)

// Headers of the inbound message endpoint. They mirror what the HTTP
// partner sends.
const (
	SessionHeader       = "X-Bpel-Session"
	TargetSessionHeader = "X-Bpel-Session-Target"
	InstanceHeader      = "X-Bpel-Instance"
)

// Deps holds the dependencies of the HTTP server.
type Deps struct {
	Engine *engine.Engine
	Loader *deploy.Loader
	Hub    streaming.EventHub
	Logger *slog.Logger

	// ReplyTimeout bounds how long a request-response call waits for the
	// process to reply. Zero means 30 seconds.
	ReplyTimeout time.Duration
}

// Server serves the inbound message endpoint and the management API.
type Server struct {
	deps Deps
}

// NewServer creates a new Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if deps.Loader == nil {
		deps.Loader = deploy.NewLoader(deploy.WithLogger(deps.Logger))
	}
	if deps.ReplyTimeout <= 0 {
		deps.ReplyTimeout = 30 * time.Second
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for all routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Partner messages.
	mux.HandleFunc("POST /bpel/{process}/{partnerLink}/{operation}", s.handleMessage)

	// Processes.
	mux.HandleFunc("GET /api/processes", s.handleListProcesses)
	mux.HandleFunc("POST /api/processes", s.handleDeploy)
	mux.HandleFunc("GET /api/processes/{name}/diagram", s.handleProcessDiagram)
	mux.HandleFunc("POST /api/processes/{name}/instances", s.handleStart)

	// Instances.
	mux.HandleFunc("GET /api/instances/{id}", s.handleInstance)
	mux.HandleFunc("GET /api/instances/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /api/instances/{id}/variables", s.handleVariables)
	mux.HandleFunc("GET /api/instances/{id}/diagram", s.handleInstanceDiagram)
	mux.HandleFunc("POST /api/instances/{id}/recover", s.handleRecover)
	mux.HandleFunc("POST /api/instances/{id}/terminate", s.handleTerminate)
	mux.HandleFunc("GET /api/stats", s.handleStats)

	// SSE streams.
	mux.HandleFunc("GET /sse/events", s.handleSSEGlobal)
	mux.HandleFunc("GET /sse/instances/{id}", s.handleSSEInstance)

	return mux
}
