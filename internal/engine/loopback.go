package engine

import (
	"context"

	"github.com/rendis/bpelrt/internal/partners"
)

// loopback delivers partner requests to a process deployed on the same
// engine.
type loopback struct {
	e           *Engine
	process     string
	partnerLink string
}

func (l *loopback) Invoke(ctx context.Context, req *partners.Request) (*partners.Response, error) {
	d := Delivery{
		Process:         l.process,
		PartnerLink:     l.partnerLink,
		Operation:       req.Operation,
		Message:         req.Message,
		SourceSessionID: req.SessionID,
		SourceEPR:       req.Source,
	}
	if req.Endpoint != nil {
		d.SessionID = req.Endpoint.SessionID
	}
	x, err := l.e.Deliver(ctx, d)
	if err != nil {
		return nil, err
	}
	if req.OneWay {
		return &partners.Response{}, nil
	}
	r, err := x.Wait(ctx)
	if err != nil {
		return nil, err
	}
	resp := &partners.Response{Message: r.Message, SessionID: r.SessionID}
	if !r.Fault.IsZero() {
		resp.Fault = r.Fault.String()
	}
	return resp, nil
}
