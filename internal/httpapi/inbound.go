package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rendis/bpelrt/internal/engine"
	"github.com/rendis/bpelrt/pkg/schema"
)

// messageEnvelope is the response body of the message endpoint. It matches
// what the HTTP partner expects.
type messageEnvelope struct {
	Message schema.Message `json:"message,omitempty"`
	Fault   string         `json:"fault,omitempty"`
}

// handleMessage delivers the request body as a message to a process. One-way
// operations answer 202 once the message is routed; request-response
// operations answer with the process reply, or 500 with the fault name.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg schema.Message
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			writeError(w, http.StatusBadRequest, "message body must be a JSON object of parts")
			return
		}
	}

	d := engine.Delivery{
		Process:         r.PathValue("process"),
		PartnerLink:     r.PathValue("partnerLink"),
		Operation:       r.PathValue("operation"),
		Message:         msg,
		SessionID:       r.Header.Get(TargetSessionHeader),
		SourceSessionID: r.Header.Get(SessionHeader),
	}
	if v := r.Header.Get(InstanceHeader); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid "+InstanceHeader)
			return
		}
		d.InstanceID = id
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.deps.ReplyTimeout)
	defer cancel()

	x, err := s.deps.Engine.Deliver(ctx, d)
	if err != nil {
		s.deps.Logger.Warn("inbound message rejected",
			"process", d.Process,
			"partner_link", d.PartnerLink,
			"operation", d.Operation,
			"error", err,
		)
		writeErr(w, err)
		return
	}
	if x.OneWay {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	reply, err := x.Wait(ctx)
	if err != nil {
		writeErr(w, err)
		return
	}
	if reply.SessionID != "" {
		w.Header().Set(SessionHeader, reply.SessionID)
	}
	if reply.InstanceID != 0 {
		w.Header().Set(InstanceHeader, strconv.FormatInt(reply.InstanceID, 10))
	}
	if !reply.Fault.IsZero() {
		writeJSON(w, http.StatusInternalServerError, messageEnvelope{Message: reply.Message, Fault: reply.Fault.String()})
		return
	}
	writeJSON(w, http.StatusOK, messageEnvelope{Message: reply.Message})
}
