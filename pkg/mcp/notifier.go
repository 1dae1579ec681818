package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"
	"github.com/rendis/bpelrt/internal/streaming"
	"github.com/rendis/bpelrt/pkg/schema"
)

// Notifier pushes instance notifications to connected clients.
type Notifier interface {
	Notify(ctx context.Context, instanceID int64, payload map[string]any) error
}

// MCPNotifier implements Notifier using MCP server notifications.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes to the session watching an
// instance.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the instance's session.
// Best-effort: returns nil if nobody watches the instance.
func (n *MCPNotifier) Notify(_ context.Context, instanceID int64, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(instanceID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

var terminalEvents = []string{
	schema.EventProcessCompleted,
	schema.EventProcessFaulted,
	schema.EventProcessTerminated,
}

// Watch forwards instance completions from the hub to the sessions that
// started them. It blocks until ctx is cancelled. Without a hub it returns
// immediately.
func (s *BPELServer) Watch(ctx context.Context) error {
	if s.hub == nil {
		return nil
	}
	ch, unsubscribe, err := s.hub.Subscribe(ctx, streaming.EventFilter{EventTypes: terminalEvents})
	if err != nil {
		return err
	}
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			s.notifyCompletion(ctx, ev)
		}
	}
}

func (s *BPELServer) notifyCompletion(ctx context.Context, ev streaming.StreamEvent) {
	payload := map[string]any{
		"level":  "info",
		"logger": "bpelrt",
		"data": map[string]any{
			"instance_id": ev.InstanceID,
			"process":     ev.Process,
			"event":       ev.Event.Type,
			"details":     ev.Event.Details,
		},
	}
	if err := s.notifier.Notify(ctx, ev.InstanceID, payload); err != nil {
		s.logger.Warn("instance notification failed", "instance_id", ev.InstanceID, "error", err)
	}
	s.sessions.Forget(ev.InstanceID)
}
