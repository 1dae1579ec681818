// Package partners carries invoke requests from running process instances
// to the services behind their partner links.
package partners

import (
	"context"

	"github.com/rendis/bpelrt/pkg/schema"
)

// Request is one outbound invocation.
type Request struct {
	Endpoint    *schema.EndpointReference
	PartnerLink string
	Operation   string
	Message     schema.Message
	// OneWay requests expect no response message.
	OneWay bool
	// SessionID is the caller's session, sent so the partner can correlate
	// callbacks.
	SessionID string
	// Source is the caller's own endpoint, when it has one.
	Source *schema.EndpointReference
}

// Response is what a partner answered. A non-empty Fault means the partner
// raised a business fault; Message is then the fault message.
type Response struct {
	Message   schema.Message
	Fault     string
	SessionID string
}

// Faulted reports whether the partner answered with a fault.
func (r *Response) Faulted() bool {
	return r != nil && r.Fault != ""
}

// Partner delivers requests to one kind of endpoint. A returned error is a
// communication failure: the request may not have reached the partner.
type Partner interface {
	Invoke(ctx context.Context, req *Request) (*Response, error)
}

// Func adapts a function to the Partner interface.
type Func func(ctx context.Context, req *Request) (*Response, error)

// Invoke calls f.
func (f Func) Invoke(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}
