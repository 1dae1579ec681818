package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/rendis/bpelrt/internal/diagram"
	"github.com/rendis/bpelrt/internal/runtime"
	"github.com/rendis/bpelrt/internal/store"
	"github.com/rendis/bpelrt/pkg/schema"
)

const maxSourceSize = 4 << 20

func (s *Server) handleListProcesses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"processes": s.deps.Engine.Processes()})
}

// handleDeploy compiles and deploys the YAML process in the request body.
func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	src, err := io.ReadAll(io.LimitReader(r.Body, maxSourceSize))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("read body: %v", err))
		return
	}
	proc, err := s.deps.Loader.Load(src)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := s.deps.Engine.Deploy(r.Context(), proc, src); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"process": proc.Name.Local,
		"name":    proc.Name.String(),
	})
}

func (s *Server) handleProcessDiagram(w http.ResponseWriter, r *http.Request) {
	proc, err := s.deps.Engine.Process(r.PathValue("name"))
	if err != nil {
		writeErr(w, err)
		return
	}
	s.renderDiagram(w, r, proc, nil)
}

// handleStart creates an instance. The optional body is the message for
// the process's instance-creating operation.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var input schema.Message
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
			return
		}
	}
	id, err := s.deps.Engine.Start(r.Context(), r.PathValue("name"), input)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"instance_id": id})
}

func (s *Server) handleInstance(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid instance id")
		return
	}
	info, err := s.deps.Engine.Instance(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid instance id")
		return
	}
	events, err := s.deps.Engine.Events(r.Context(), id, queryInt(r, "since", 0))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleVariables(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid instance id")
		return
	}
	vars, err := s.deps.Engine.Variables(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"variables": vars})
}

// handleInstanceDiagram renders the instance's process with the status of
// each activity taken from the event log.
func (s *Server) handleInstanceDiagram(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid instance id")
		return
	}
	info, err := s.deps.Engine.Instance(ctx, id)
	if err != nil {
		writeErr(w, err)
		return
	}
	proc, err := s.deps.Engine.Process(info.Process)
	if err != nil {
		writeErr(w, err)
		return
	}
	events, err := s.deps.Engine.Events(ctx, id, 0)
	if err != nil {
		writeErr(w, err)
		return
	}
	s.renderDiagram(w, r, proc, events)
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid instance id")
		return
	}
	var body struct {
		ActivityID int64  `json:"activity_id"`
		Action     string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.Action == "" {
		body.Action = runtime.RecoveryRetry
	}
	if err := s.deps.Engine.Recover(r.Context(), id, body.ActivityID, body.Action); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "instance_id": id, "action": body.Action})
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid instance id")
		return
	}
	if err := s.deps.Engine.Terminate(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "instance_id": id})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Engine.Stats())
}

// renderDiagram writes Mermaid text, or an image when ?format= is png or svg.
func (s *Server) renderDiagram(w http.ResponseWriter, r *http.Request, proc *schema.Process, events []*store.Event) {
	model, err := diagram.Build(proc, events)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	switch format := r.URL.Query().Get("format"); format {
	case "", "mermaid":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		io.WriteString(w, diagram.RenderMermaid(model))
	case "png", "svg":
		img, err := diagram.RenderImage(r.Context(), model, diagram.Format(format))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if format == "png" {
			w.Header().Set("Content-Type", "image/png")
		} else {
			w.Header().Set("Content-Type", "image/svg+xml")
		}
		w.Write(img)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown diagram format %q", format))
	}
}
