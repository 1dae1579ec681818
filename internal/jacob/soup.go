// Package jacob implements the process calculus the BPEL runtime is built on:
// channels, one-shot and replicated listeners, non-deterministic choice and a
// cooperative run queue. A Soup belongs to exactly one process instance and is
// not safe for concurrent use; callers serialize access to it.
package jacob

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
)

// Stats counts the work a soup has done.
type Stats struct {
	Reactions       int64
	Messages        int64
	ChannelsCreated int64
	Continuations   int64
}

// Soup holds the run queue of continuations and the channels they
// communicate over.
type Soup struct {
	log     *slog.Logger
	queue   []func()
	head    int
	nextID  int64
	exports map[string]*channel
	fault   error
	stats   Stats
}

// NewSoup creates an empty soup.
func NewSoup(logger *slog.Logger) *Soup {
	if logger == nil {
		logger = slog.Default()
	}
	return &Soup{
		log:     logger,
		exports: make(map[string]*channel),
	}
}

// Instance schedules a new continuation.
func (s *Soup) Instance(fn func()) {
	s.stats.Continuations++
	s.enqueue(fn)
}

// Object waits for the first message on any of the listeners. Once one fires,
// the others are revoked.
func (s *Soup) Object(listeners ...Listener) {
	s.object(false, listeners)
}

// Replicate registers listeners that stay active for every message.
func (s *Soup) Replicate(listeners ...Listener) {
	s.object(true, listeners)
}

// Step runs a single reaction. It reports false when the queue is empty.
func (s *Soup) Step() (bool, error) {
	if s.fault != nil {
		return false, s.fault
	}
	if s.head == len(s.queue) {
		s.queue = s.queue[:0]
		s.head = 0
		return false, nil
	}

	fn := s.queue[s.head]
	s.queue[s.head] = nil
	s.head++
	s.stats.Reactions++

	if err := s.execute(fn); err != nil {
		s.fault = err
		s.log.Error("reaction failed, soup poisoned", "error", err, "reaction", s.stats.Reactions)
		return false, err
	}
	return true, nil
}

// Run drains the run queue. A panicking reaction poisons the soup: Run
// returns the fault now and on every later call.
func (s *Soup) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, err := s.Step()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
}

// Quiescent reports whether no continuation is ready to run.
func (s *Soup) Quiescent() bool {
	return s.head == len(s.queue)
}

// Fault returns the error that poisoned the soup, if any.
func (s *Soup) Fault() error {
	return s.fault
}

// Stats returns a snapshot of the soup counters.
func (s *Soup) Stats() Stats {
	return s.stats
}

func (s *Soup) enqueue(fn func()) {
	s.queue = append(s.queue, fn)
}

func (s *Soup) execute(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	fn()
	return nil
}

func (s *Soup) newChannel(desc string) *channel {
	s.nextID++
	s.stats.ChannelsCreated++
	return &channel{id: s.nextID, desc: desc}
}

func (s *Soup) export(c *channel) string {
	id := strconv.FormatInt(c.id, 10)
	s.exports[id] = c
	return id
}

func (s *Soup) lookup(id string) *channel {
	return s.exports[id]
}

func (s *Soup) send(c *channel, msg any) {
	s.stats.Messages++
	for _, g := range c.waiters {
		if l, ok := g.listenerOn(c); ok {
			s.fire(g, l, msg)
			return
		}
	}
	c.pending = append(c.pending, msg)
}

func (s *Soup) sendReplicated(c *channel, msg any) {
	s.stats.Messages++
	c.sticky = append(c.sticky, msg)
	waiters := append([]*group(nil), c.waiters...)
	for _, g := range waiters {
		if l, ok := g.listenerOn(c); ok {
			s.fire(g, l, msg)
		}
	}
}

func (s *Soup) object(replicate bool, listeners []Listener) {
	g := &group{replicate: replicate, listeners: listeners}

	for _, l := range listeners {
		c := l.ch
		for len(c.pending) > 0 {
			msg := c.pending[0]
			c.pending = c.pending[1:]
			s.fire(g, l, msg)
			if !replicate {
				return
			}
		}
		for _, msg := range c.sticky {
			s.fire(g, l, msg)
			if !replicate {
				return
			}
		}
	}

	for _, l := range listeners {
		l.ch.waiters = append(l.ch.waiters, g)
	}
}

func (s *Soup) fire(g *group, l Listener, msg any) {
	if !g.replicate {
		for _, other := range g.listeners {
			other.ch.remove(g)
		}
	}
	fn := l.fn
	s.enqueue(func() { fn(msg) })
}

// PanicError wraps a value recovered from a panicking reaction.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("jacob: reaction panicked: %v", e.Value)
}

// Unwrap exposes the panic value when it was an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
