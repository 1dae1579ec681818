package scheduler

import (
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimers_FireOnce(t *testing.T) {
	timers := NewTimers(slog.Default())
	timers.Start()
	t.Cleanup(timers.Stop)

	fired := make(chan time.Time, 2)
	timers.Schedule(time.Now().Add(20*time.Millisecond), func() { fired <- time.Now() })

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
	select {
	case <-fired:
		t.Fatal("timer fired twice")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Eventually(t, func() bool { return timers.Pending() == 0 }, time.Second, 10*time.Millisecond)
}

func TestTimers_PastDeadlineFiresImmediately(t *testing.T) {
	timers := NewTimers(slog.Default())
	timers.Start()
	t.Cleanup(timers.Stop)

	fired := make(chan struct{})
	timers.Schedule(time.Now().Add(-time.Hour), func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("overdue timer did not fire")
	}
}

func TestTimers_Cancel(t *testing.T) {
	timers := NewTimers(slog.Default())
	timers.Start()
	t.Cleanup(timers.Stop)

	var count atomic.Int32
	cancel := timers.Schedule(time.Now().Add(50*time.Millisecond), func() { count.Add(1) })
	require.True(t, cancel())
	assert.False(t, cancel(), "second cancel reports nothing to cancel")

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(0), count.Load())
}

func TestTimers_CancelAfterFire(t *testing.T) {
	timers := NewTimers(slog.Default())
	timers.Start()
	t.Cleanup(timers.Stop)

	fired := make(chan struct{})
	cancel := timers.Schedule(time.Now(), func() { close(fired) })
	<-fired
	assert.False(t, cancel())
}

func TestTimers_ScheduledBeforeStart(t *testing.T) {
	timers := NewTimers(slog.Default())
	fired := make(chan struct{})
	timers.Schedule(time.Now().Add(10*time.Millisecond), func() { close(fired) })

	timers.Start()
	t.Cleanup(timers.Stop)
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer scheduled before start did not fire")
	}
}
