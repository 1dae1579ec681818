package jacob

import "fmt"

type channel struct {
	id      int64
	desc    string
	pending []any
	sticky  []any
	waiters []*group
}

func (c *channel) remove(g *group) {
	for i, w := range c.waiters {
		if w == g {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

type group struct {
	replicate bool
	listeners []Listener
}

func (g *group) listenerOn(c *channel) (Listener, bool) {
	for _, l := range g.listeners {
		if l.ch == c {
			return l, true
		}
	}
	return Listener{}, false
}

// Listener is one alternative of a choice: a channel and the continuation to
// run with the message received on it.
type Listener struct {
	ch *channel
	fn func(any)
}

// Chan is a typed channel. The zero value is not usable; create channels with
// NewChan.
type Chan[T any] struct {
	s *Soup
	c *channel
}

// NewChan creates a channel in the soup. The description only shows up in
// logs and String.
func NewChan[T any](s *Soup, desc string) Chan[T] {
	return Chan[T]{s: s, c: s.newChannel(desc)}
}

// Import resolves a channel previously exported from the same soup.
func Import[T any](s *Soup, id string) (Chan[T], bool) {
	c := s.lookup(id)
	if c == nil {
		return Chan[T]{}, false
	}
	return Chan[T]{s: s, c: c}, true
}

// Send delivers one message. It is consumed by exactly one listener,
// immediately if one is waiting, otherwise when one registers.
func (ch Chan[T]) Send(v T) {
	ch.s.send(ch.c, v)
}

// SendReplicated delivers a persistent message: every current and future
// listener on the channel receives it. Repeating it is harmless.
func (ch Chan[T]) SendReplicated(v T) {
	ch.s.sendReplicated(ch.c, v)
}

// On builds a listener that runs fn with the received message.
func (ch Chan[T]) On(fn func(T)) Listener {
	return Listener{ch: ch.c, fn: func(m any) { fn(m.(T)) }}
}

// Export makes the channel addressable by ID from outside the soup.
func (ch Chan[T]) Export() string {
	return ch.s.export(ch.c)
}

// ID returns the soup-local channel identifier.
func (ch Chan[T]) ID() int64 {
	if ch.c == nil {
		return 0
	}
	return ch.c.id
}

// IsZero reports whether the channel was never created.
func (ch Chan[T]) IsZero() bool {
	return ch.c == nil
}

// Pending returns the number of undelivered one-shot messages.
func (ch Chan[T]) Pending() int {
	return len(ch.c.pending)
}

func (ch Chan[T]) String() string {
	if ch.c == nil {
		return "chan<nil>"
	}
	return fmt.Sprintf("chan#%d<%s>", ch.c.id, ch.c.desc)
}
