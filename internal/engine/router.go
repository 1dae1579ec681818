package engine

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rendis/bpelrt/internal/runtime"
	"github.com/rendis/bpelrt/pkg/schema"
)

// selectEntry is a pending Select of one instance.
type selectEntry struct {
	inst           *Instance
	instanceID     int64
	proc           *schema.Process
	resp           runtime.PickResponseChan
	selectors      []runtime.Selector
	createInstance bool
	timeout        time.Time
	cancelTimeout  func() bool
}

// queuedMessage is an inbound message no selector accepted yet.
type queuedMessage struct {
	d  *Delivery
	x  *Exchange
	at time.Time
}

// router matches inbound messages against the pending selectors of running
// instances. Messages nobody waits for are queued per process and handed to
// the first selector that registers for them, in arrival order.
type router struct {
	mu      sync.Mutex
	q       runtime.Querier
	selects map[string][]*selectEntry
	queues  map[string][]*queuedMessage
	queued  int
	max     int
}

func newRouter(q runtime.Querier, maxQueued int) *router {
	return &router{
		q:       q,
		selects: make(map[string][]*selectEntry),
		queues:  make(map[string][]*queuedMessage),
		max:     maxQueued,
	}
}

// dispatch claims the first selector accepting d. When none does and create
// is false, d is queued. It returns a nil entry and queued=false when the
// caller should create an instance for d.
func (r *router) dispatch(ctx context.Context, process string, d *Delivery, x *Exchange, create bool) (e *selectEntry, idx int, queued bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, cand := range r.selects[process] {
		if idx, ok := r.match(ctx, cand, d); ok {
			r.selects[process] = slices.Delete(r.selects[process], i, i+1)
			return cand, idx, false, nil
		}
	}
	if create {
		return nil, -1, false, nil
	}
	if r.max > 0 && r.queued >= r.max {
		return nil, -1, false, schema.NewErrorf(schema.ErrCodeCorrelation,
			"no receive accepts %s.%s and the message queue is full", d.PartnerLink, d.Operation).
			WithDetails(map[string]any{"process": process, "queued": r.queued})
	}
	r.queues[process] = append(r.queues[process], &queuedMessage{d: d, x: x, at: time.Now()})
	r.queued++
	return nil, -1, true, nil
}

// register adds e, unless a queued message already matches it. In that case
// the message is removed from the queue and returned instead.
func (r *router) register(ctx context.Context, process string, e *selectEntry) (*queuedMessage, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, qm := range r.queues[process] {
		if idx, ok := r.match(ctx, e, qm.d); ok {
			r.queues[process] = slices.Delete(r.queues[process], i, i+1)
			r.queued--
			return qm, idx
		}
	}
	r.selects[process] = append(r.selects[process], e)
	return nil, -1
}

// remove withdraws e. It reports false when e was already claimed.
func (r *router) remove(process string, e *selectEntry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := slices.Index(r.selects[process], e)
	if i < 0 {
		return false
	}
	r.selects[process] = slices.Delete(r.selects[process], i, i+1)
	return true
}

// Queued returns the number of waiting messages.
func (r *router) Queued() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queued
}

// match reports which selector of e accepts d. Instance-creating selectors
// only accept messages addressed to their instance. Correlated selectors
// accept a message whose keys equal every key of the selector; the session
// key also accepts messages addressed to the instance by id.
func (r *router) match(ctx context.Context, e *selectEntry, d *Delivery) (int, bool) {
	if d.InstanceID != 0 && d.InstanceID != e.instanceID {
		return -1, false
	}
	for _, sel := range e.selectors {
		if sel.PartnerLink.Decl.Name != d.PartnerLink || sel.Operation.Name != d.Operation {
			continue
		}
		if e.createInstance || len(sel.Keys) == 0 {
			if d.InstanceID == e.instanceID {
				return sel.Index, true
			}
			continue
		}
		if r.keysMatch(ctx, e.proc, sel, d) {
			return sel.Index, true
		}
	}
	return -1, false
}

func (r *router) keysMatch(ctx context.Context, proc *schema.Process, sel runtime.Selector, d *Delivery) bool {
	for i, want := range sel.Keys {
		cs := sel.Sets[i]
		if cs == nil {
			if d.InstanceID != 0 {
				continue
			}
			if len(want.Values) == 0 || want.Values[0] != d.SessionID {
				return false
			}
			continue
		}
		got, err := r.correlationKey(ctx, proc, cs, sel.Operation.Input, d.Message)
		if err != nil || !got.Equal(want) {
			return false
		}
	}
	return true
}

// correlationKey computes the key of cs from an inbound message. A process
// without the alias the set needs makes ComputeCorrelationKey panic; that
// message simply does not match.
func (r *router) correlationKey(ctx context.Context, proc *schema.Process, cs *schema.CorrelationSet, mt *schema.MessageType, msg schema.Message) (key schema.CorrelationKey, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("correlation set %s: %v", cs.Name, p)
		}
	}()
	return runtime.ComputeCorrelationKey(ctx, r.q, proc, cs, mt, msg)
}
