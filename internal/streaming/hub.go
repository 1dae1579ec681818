// Package streaming fans process events out to live subscribers.
package streaming

import (
	"context"
	"time"

	"github.com/rendis/bpelrt/pkg/schema"
)

// StreamEvent is a process event published after its checkpoint committed.
type StreamEvent struct {
	InstanceID int64               `json:"instance_id"`
	Process    string              `json:"process"`
	Sequence   int64               `json:"sequence,omitempty"`
	Timestamp  time.Time           `json:"timestamp"`
	Event      schema.ProcessEvent `json:"event"`
}

// EventFilter specifies which events a subscriber wants to receive. Zero
// fields match everything.
type EventFilter struct {
	InstanceID int64    `json:"instance_id,omitempty"`
	Process    string   `json:"process,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for live process events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
