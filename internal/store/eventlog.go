package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/bpelrt/pkg/schema"
)

// EventLog provides event-sourcing operations on top of a LibSQLStore.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide event-sourcing operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-instance sequence.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := el.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin immediate tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode BeginTx may start a deferred transaction; a write forces
	// the lock before the sequence is read.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	if err := appendEvents(ctx, tx, []*Event{event}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for an instance with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, instanceID int64, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, instanceID, since)
}

// GetEventsByType returns events of a specific type matching the filter.
func (el *EventLog) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	return el.store.GetEventsByType(ctx, eventType, filter)
}

// Activity states reconstructed by replay.
const (
	ActivityEnabled   = "enabled"
	ActivityRunning   = "running"
	ActivityCompleted = "completed"
	ActivityFaulted   = "faulted"
	ActivityDisabled  = "disabled"
	ActivityFailed    = "failed"
)

// ActivityState is the replayed state of one activity instance.
type ActivityState struct {
	InstanceID int64               `json:"activity_instance_id"`
	ActivityID int                 `json:"activity_id"`
	Name       string              `json:"name,omitempty"`
	Kind       schema.ActivityKind `json:"kind"`
	Status     string              `json:"status"`
	FaultName  string              `json:"fault_name,omitempty"`
	Failures   int                 `json:"failures,omitempty"`
}

// Replay is the state of a process instance rebuilt from its event log.
type Replay struct {
	Status     schema.InstanceStatus    `json:"status"`
	FaultName  string                   `json:"fault_name,omitempty"`
	Activities map[int64]*ActivityState `json:"activities"`
	Variables  map[string]any           `json:"variables"`
	LastSeq    int64                    `json:"last_sequence"`
}

// ReplayEvents replays all events of an instance. It returns an error if
// sequence gaps are detected.
func (el *EventLog) ReplayEvents(ctx context.Context, instanceID int64) (*Replay, error) {
	events, err := el.store.GetEvents(ctx, instanceID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	r := &Replay{
		Status:     schema.InstanceStatusNew,
		Activities: make(map[int64]*ActivityState),
		Variables:  make(map[string]any),
	}
	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in instance %d: expected %d, got %d", instanceID, expected, e.Sequence)
		}
		var ev schema.ProcessEvent
		if len(e.Payload) > 0 {
			if err := json.Unmarshal(e.Payload, &ev); err != nil {
				return nil, fmt.Errorf("decode event %d: %w", e.Sequence, err)
			}
		}
		r.apply(e.Type, &ev)
		r.LastSeq = e.Sequence
	}
	return r, nil
}

func (r *Replay) apply(typ string, ev *schema.ProcessEvent) {
	switch typ {
	case schema.EventInstanceStateChanged:
		if to, ok := ev.Details["to"].(string); ok {
			r.Status = schema.InstanceStatus(to)
		}
		return
	case schema.EventProcessCompleted:
		r.Status = schema.InstanceStatusCompleted
		return
	case schema.EventProcessFaulted:
		r.Status = schema.InstanceStatusFaulted
		r.FaultName = ev.FaultName
		return
	case schema.EventProcessTerminated:
		r.Status = schema.InstanceStatusTerminated
		return
	case schema.EventProcessError:
		r.Status = schema.InstanceStatusError
		return
	case schema.EventVariableModification:
		// Variables of nested scopes shadow by name; the latest write wins.
		r.Variables[ev.Variable] = ev.NewValue
		return
	}

	if ev.ActivityInstID == 0 {
		return
	}
	st, ok := r.Activities[ev.ActivityInstID]
	if !ok {
		st = &ActivityState{
			InstanceID: ev.ActivityInstID,
			ActivityID: ev.ActivityID,
			Name:       ev.ActivityName,
			Kind:       ev.ActivityKind,
		}
		r.Activities[ev.ActivityInstID] = st
	}
	switch typ {
	case schema.EventActivityEnabled:
		st.Status = ActivityEnabled
	case schema.EventActivityExecStart:
		st.Status = ActivityRunning
	case schema.EventActivityExecEnd:
		st.Status = ActivityCompleted
		if ev.FaultName != "" {
			st.Status = ActivityFaulted
			st.FaultName = ev.FaultName
		}
	case schema.EventActivityDisabled:
		st.Status = ActivityDisabled
	case schema.EventActivityFailure:
		st.Status = ActivityFailed
		st.Failures++
	case schema.EventActivityRecovery:
		st.Status = ActivityRunning
	}
}
