package engine

import (
	"context"
	"sync"

	"github.com/rendis/bpelrt/pkg/schema"
)

// Delivery is an inbound message addressed to a process.
type Delivery struct {
	Process     string         `json:"process"`
	PartnerLink string         `json:"partner_link"`
	Operation   string         `json:"operation"`
	Message     schema.Message `json:"message"`
	// InstanceID, when set, restricts routing to one instance. It also
	// stands in for the session of selectors that correlate on the session.
	InstanceID int64 `json:"instance_id,omitempty"`
	// SessionID is the receiving instance's session, for selectors without
	// correlation sets.
	SessionID string `json:"session_id,omitempty"`
	// SourceSessionID and SourceEPR identify the sender for callbacks.
	SourceSessionID string                    `json:"source_session_id,omitempty"`
	SourceEPR       *schema.EndpointReference `json:"source_epr,omitempty"`
}

// Reply is the answer to an inbound request. A non-zero Fault means the
// process replied with a fault, or never replied (missingReply).
type Reply struct {
	Message schema.Message `json:"message,omitempty"`
	Fault   schema.QName   `json:"fault,omitzero"`
	// SessionID is the replying instance's session on the partner link.
	SessionID  string `json:"session_id,omitempty"`
	InstanceID int64  `json:"instance_id"`
}

// Exchange tracks one inbound request until it is answered. One-way
// requests are answered with an empty Reply once a receive accepts them.
type Exchange struct {
	ID          string
	PartnerLink string
	Operation   string
	OneWay      bool

	once  sync.Once
	done  chan struct{}
	reply Reply
	err   error
}

func newExchange(id string, d *Delivery, oneWay bool) *Exchange {
	return &Exchange{
		ID:          id,
		PartnerLink: d.PartnerLink,
		Operation:   d.Operation,
		OneWay:      oneWay,
		done:        make(chan struct{}),
	}
}

// resolve completes the exchange. Later calls are ignored.
func (x *Exchange) resolve(r Reply) bool {
	resolved := false
	x.once.Do(func() {
		x.reply = r
		close(x.done)
		resolved = true
	})
	return resolved
}

// fail completes the exchange with a routing error.
func (x *Exchange) fail(err error) bool {
	resolved := false
	x.once.Do(func() {
		x.err = err
		close(x.done)
		resolved = true
	})
	return resolved
}

// Done is closed when the exchange is answered.
func (x *Exchange) Done() <-chan struct{} {
	return x.done
}

// Wait blocks until the exchange is answered or ctx ends.
func (x *Exchange) Wait(ctx context.Context) (Reply, error) {
	select {
	case <-x.done:
		return x.reply, x.err
	case <-ctx.Done():
		return Reply{}, schema.NewError(schema.ErrCodeTimeout, "no reply to "+x.Operation).
			WithCause(ctx.Err()).
			WithDetails(map[string]any{"mex_id": x.ID})
	}
}
