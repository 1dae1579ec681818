package engine

import (
	"slices"
	"sync"

	"github.com/rendis/bpelrt/pkg/schema"
)

// TransitionHook is called before or after an instance state transition.
type TransitionHook func(instanceID int64, from, to schema.InstanceStatus) error

// EventEmitter receives the events of instance transitions. *Instance
// satisfies it and folds them into its next checkpoint.
type EventEmitter interface {
	SendEvent(ev schema.ProcessEvent)
}

type hookKey struct {
	from, to schema.InstanceStatus
}

// InstanceFSM validates process instance lifecycle transitions.
type InstanceFSM struct {
	mu     sync.Mutex
	before map[hookKey][]TransitionHook
	after  map[hookKey][]TransitionHook
}

// NewInstanceFSM creates an FSM with no hooks.
func NewInstanceFSM() *InstanceFSM {
	return &InstanceFSM{
		before: make(map[hookKey][]TransitionHook),
		after:  make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition. An error from the
// hook aborts the transition.
func (f *InstanceFSM) OnBefore(from, to schema.InstanceStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition.
func (f *InstanceFSM) OnAfter(from, to schema.InstanceStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates from -> to, runs the hooks and emits an
// instance_state_changed event plus the terminal event of to, if any.
// The caller persists the new status.
func (f *InstanceFSM) Transition(emit EventEmitter, instanceID int64, from, to schema.InstanceStatus) error {
	if !IsValidTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid instance transition: %s -> %s", from, to).
			WithInstance(instanceID).
			WithDetails(map[string]any{"from": string(from), "to": string(to)})
	}

	key := hookKey{from, to}
	f.mu.Lock()
	before := slices.Clone(f.before[key])
	after := slices.Clone(f.after[key])
	f.mu.Unlock()

	for _, hook := range before {
		if err := hook(instanceID, from, to); err != nil {
			return err
		}
	}

	emit.SendEvent(schema.ProcessEvent{
		Type:    schema.EventInstanceStateChanged,
		Details: map[string]any{"from": string(from), "to": string(to)},
	})
	if typ := terminalEventType(to); typ != "" {
		emit.SendEvent(schema.ProcessEvent{Type: typ})
	}

	for _, hook := range after {
		if err := hook(instanceID, from, to); err != nil {
			return err
		}
	}
	return nil
}

// IsValidTransition reports whether the lifecycle allows from -> to.
func IsValidTransition(from, to schema.InstanceStatus) bool {
	return slices.Contains(ValidTransitions[from], to)
}

func terminalEventType(to schema.InstanceStatus) string {
	switch to {
	case schema.InstanceStatusCompleted:
		return schema.EventProcessCompleted
	case schema.InstanceStatusFaulted:
		return schema.EventProcessFaulted
	case schema.InstanceStatusTerminated:
		return schema.EventProcessTerminated
	case schema.InstanceStatusError:
		return schema.EventProcessError
	default:
		return ""
	}
}

// ValidTransitions defines the allowed instance status transitions.
// Suspended means at least one activity awaits a recovery action.
var ValidTransitions = map[schema.InstanceStatus][]schema.InstanceStatus{
	schema.InstanceStatusNew: {schema.InstanceStatusActive, schema.InstanceStatusError},
	schema.InstanceStatusActive: {
		schema.InstanceStatusSuspended, schema.InstanceStatusCompleted, schema.InstanceStatusFaulted,
		schema.InstanceStatusTerminated, schema.InstanceStatusError,
	},
	schema.InstanceStatusSuspended: {
		schema.InstanceStatusActive, schema.InstanceStatusCompleted, schema.InstanceStatusFaulted,
		schema.InstanceStatusTerminated, schema.InstanceStatusError,
	},
	schema.InstanceStatusCompleted:  {},
	schema.InstanceStatusFaulted:    {},
	schema.InstanceStatusTerminated: {},
	schema.InstanceStatusError:      {},
}
