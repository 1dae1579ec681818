package schema

import (
	"fmt"
	"strings"
)

// Message is a message value keyed by part name.
type Message map[string]any

// Clone returns a shallow copy of the message.
func (m Message) Clone() Message {
	if m == nil {
		return nil
	}
	out := make(Message, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// OpaqueCorrelationSet is the set name used for session-based correlation.
const OpaqueCorrelationSet = "-1"

// CorrelationKey is the value of a correlation set: one string per property.
type CorrelationKey struct {
	Set    string   `json:"set"`
	Values []string `json:"values"`
}

// Equal reports whether two keys are identical.
func (k CorrelationKey) Equal(o CorrelationKey) bool {
	if k.Set != o.Set || len(k.Values) != len(o.Values) {
		return false
	}
	for i := range k.Values {
		if k.Values[i] != o.Values[i] {
			return false
		}
	}
	return true
}

func (k CorrelationKey) String() string {
	return fmt.Sprintf("%s~%s", k.Set, strings.Join(k.Values, "~"))
}

// EndpointReference addresses a partner or process endpoint.
type EndpointReference struct {
	Service   string `json:"service"`
	Address   string `json:"address,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}
