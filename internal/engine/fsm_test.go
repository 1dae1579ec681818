package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/bpelrt/pkg/schema"
)

// eventRecorder collects emitted events.
type eventRecorder struct {
	events []schema.ProcessEvent
}

func (r *eventRecorder) SendEvent(ev schema.ProcessEvent) {
	r.events = append(r.events, ev)
}

func (r *eventRecorder) types() []string {
	var out []string
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func TestInstanceFSM_ValidTransitions(t *testing.T) {
	rec := &eventRecorder{}
	fsm := NewInstanceFSM()

	require.NoError(t, fsm.Transition(rec, 1, schema.InstanceStatusNew, schema.InstanceStatusActive))
	require.NoError(t, fsm.Transition(rec, 1, schema.InstanceStatusActive, schema.InstanceStatusSuspended))
	require.NoError(t, fsm.Transition(rec, 1, schema.InstanceStatusSuspended, schema.InstanceStatusActive))
	require.NoError(t, fsm.Transition(rec, 1, schema.InstanceStatusActive, schema.InstanceStatusCompleted))

	assert.Equal(t, []string{
		schema.EventInstanceStateChanged,
		schema.EventInstanceStateChanged,
		schema.EventInstanceStateChanged,
		schema.EventInstanceStateChanged,
		schema.EventProcessCompleted,
	}, rec.types())
	assert.Equal(t, map[string]any{"from": "active", "to": "suspended"}, rec.events[1].Details)
}

func TestInstanceFSM_TerminalEvents(t *testing.T) {
	tests := []struct {
		to   schema.InstanceStatus
		want string
	}{
		{schema.InstanceStatusCompleted, schema.EventProcessCompleted},
		{schema.InstanceStatusFaulted, schema.EventProcessFaulted},
		{schema.InstanceStatusTerminated, schema.EventProcessTerminated},
		{schema.InstanceStatusError, schema.EventProcessError},
	}
	for _, tt := range tests {
		t.Run(string(tt.to), func(t *testing.T) {
			rec := &eventRecorder{}
			require.NoError(t, NewInstanceFSM().Transition(rec, 1, schema.InstanceStatusActive, tt.to))
			require.Len(t, rec.events, 2)
			assert.Equal(t, tt.want, rec.events[1].Type)
		})
	}
}

func TestInstanceFSM_InvalidTransitions(t *testing.T) {
	tests := []struct {
		from, to schema.InstanceStatus
	}{
		{schema.InstanceStatusNew, schema.InstanceStatusCompleted},
		{schema.InstanceStatusNew, schema.InstanceStatusSuspended},
		{schema.InstanceStatusCompleted, schema.InstanceStatusActive},
		{schema.InstanceStatusFaulted, schema.InstanceStatusTerminated},
		{schema.InstanceStatusTerminated, schema.InstanceStatusActive},
		{schema.InstanceStatusError, schema.InstanceStatusActive},
		{schema.InstanceStatusActive, schema.InstanceStatusNew},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			rec := &eventRecorder{}
			err := NewInstanceFSM().Transition(rec, 9, tt.from, tt.to)
			require.Error(t, err)

			var se *schema.Error
			require.True(t, errors.As(err, &se))
			assert.Equal(t, schema.ErrCodeInvalidTransition, se.Code)
			assert.Equal(t, int64(9), se.InstanceID)
			assert.Empty(t, rec.events)
		})
	}
}

func TestInstanceFSM_Hooks(t *testing.T) {
	fsm := NewInstanceFSM()
	var calls []string
	fsm.OnBefore(schema.InstanceStatusActive, schema.InstanceStatusSuspended, func(id int64, from, to schema.InstanceStatus) error {
		calls = append(calls, "before")
		assert.Equal(t, int64(3), id)
		return nil
	})
	fsm.OnAfter(schema.InstanceStatusActive, schema.InstanceStatusSuspended, func(int64, schema.InstanceStatus, schema.InstanceStatus) error {
		calls = append(calls, "after")
		return nil
	})

	rec := &eventRecorder{}
	require.NoError(t, fsm.Transition(rec, 3, schema.InstanceStatusActive, schema.InstanceStatusSuspended))
	assert.Equal(t, []string{"before", "after"}, calls)

	require.NoError(t, fsm.Transition(rec, 3, schema.InstanceStatusSuspended, schema.InstanceStatusActive))
	assert.Len(t, calls, 2, "hooks are bound to one transition")
}

func TestInstanceFSM_BeforeHookAborts(t *testing.T) {
	fsm := NewInstanceFSM()
	fsm.OnBefore(schema.InstanceStatusActive, schema.InstanceStatusCompleted, func(int64, schema.InstanceStatus, schema.InstanceStatus) error {
		return errors.New("vetoed")
	})

	rec := &eventRecorder{}
	err := fsm.Transition(rec, 1, schema.InstanceStatusActive, schema.InstanceStatusCompleted)
	assert.EqualError(t, err, "vetoed")
	assert.Empty(t, rec.events)
}

func TestValidTransitions_TerminalStatesHaveNoExits(t *testing.T) {
	for status, next := range ValidTransitions {
		if status.Terminal() {
			assert.Empty(t, next, "%s is terminal", status)
		} else {
			assert.NotEmpty(t, next, "%s is not terminal", status)
		}
	}
}
