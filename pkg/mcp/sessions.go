package mcp

import "sync"

// SessionRegistry maps process instance IDs to the MCP session that created
// or last addressed them.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[int64]string // instanceID → sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[int64]string)}
}

// Register associates an instance with a session. A later session for the
// same instance replaces the earlier one.
func (r *SessionRegistry) Register(instanceID int64, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[instanceID] = sessionID
}

// SessionFor returns the session watching the given instance, if any.
func (r *SessionRegistry) SessionFor(instanceID int64) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[instanceID]
	return sid, ok
}

// Forget drops the mapping for a finished instance.
func (r *SessionRegistry) Forget(instanceID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, instanceID)
}

// Remove deletes all instance mappings for the given session ID.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, id)
		}
	}
}

// Len reports the number of watched instances.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
