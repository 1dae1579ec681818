package scheduler

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// Timers fires one-shot callbacks at absolute times. It runs them on a
// cron runner so instance timers and cron jobs share one clock loop.
type Timers struct {
	c       *cron.Cron
	mu      sync.Mutex
	started bool
}

// NewTimers creates a stopped timer service.
func NewTimers(logger *slog.Logger) *Timers {
	l := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelWarn))
	return &Timers{
		c: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(l),
			cron.WithChain(cron.Recover(l)),
		),
	}
}

// Start begins firing timers. Timers scheduled before Start fire once it runs.
func (t *Timers) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		t.c.Start()
		t.started = true
	}
}

// Stop stops firing and waits for running callbacks to return.
func (t *Timers) Stop() {
	t.mu.Lock()
	started := t.started
	t.started = false
	t.mu.Unlock()
	if started {
		<-t.c.Stop().Done()
	}
}

// Schedule runs fn once at at, or as soon as possible when at has passed.
// The returned function cancels the timer; it reports false when fn has
// already started.
func (t *Timers) Schedule(at time.Time, fn func()) (cancel func() bool) {
	var state atomic.Int32 // 0 pending, 1 fired, 2 cancelled
	var id cron.EntryID
	idSet := make(chan struct{})

	id = t.c.Schedule(&oneShot{at: at}, cron.FuncJob(func() {
		if !state.CompareAndSwap(0, 1) {
			return
		}
		<-idSet
		t.c.Remove(id)
		fn()
	}))
	close(idSet)

	return func() bool {
		if !state.CompareAndSwap(0, 2) {
			return false
		}
		t.c.Remove(id)
		return true
	}
}

// Pending returns the number of scheduled timers that have not fired.
func (t *Timers) Pending() int {
	return len(t.c.Entries())
}

// oneShot is a cron.Schedule that yields a single activation.
type oneShot struct {
	at   time.Time
	used bool
}

func (o *oneShot) Next(now time.Time) time.Time {
	if o.used {
		return time.Time{}
	}
	o.used = true
	if o.at.Before(now) {
		return now
	}
	return o.at
}
