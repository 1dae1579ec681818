package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/bpelrt/pkg/schema"
)

func event(instance int64, typ string) StreamEvent {
	return StreamEvent{
		InstanceID: instance,
		Process:    "loanApproval",
		Timestamp:  time.Now(),
		Event:      schema.ProcessEvent{Type: typ},
	}
}

func receive(t *testing.T, ch <-chan StreamEvent) StreamEvent {
	t.Helper()
	select {
	case got := <-ch:
		return got
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return StreamEvent{}
	}
}

func assertEmpty(t *testing.T, ch <-chan StreamEvent) {
	t.Helper()
	select {
	case evt, ok := <-ch:
		if ok {
			t.Fatalf("unexpected event: %+v", evt)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, event(1, schema.EventActivityExecEnd)))

	got := receive(t, ch)
	assert.Equal(t, int64(1), got.InstanceID)
	assert.Equal(t, "loanApproval", got.Process)
	assert.Equal(t, schema.EventActivityExecEnd, got.Event.Type)
}

func TestFilters(t *testing.T) {
	tests := []struct {
		name   string
		filter EventFilter
		events []StreamEvent
		want   []string
	}{
		{
			name:   "by instance",
			filter: EventFilter{InstanceID: 1},
			events: []StreamEvent{event(1, "a"), event(2, "b"), event(1, "c")},
			want:   []string{"a", "c"},
		},
		{
			name:   "by event type",
			filter: EventFilter{EventTypes: []string{schema.EventProcessCompleted, schema.EventProcessFaulted}},
			events: []StreamEvent{
				event(1, schema.EventProcessCompleted),
				event(1, schema.EventActivityExecStart),
				event(2, schema.EventProcessFaulted),
			},
			want: []string{schema.EventProcessCompleted, schema.EventProcessFaulted},
		},
		{
			name:   "by process",
			filter: EventFilter{Process: "other"},
			events: []StreamEvent{event(1, "a")},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := NewMemoryHub(0)
			ctx := context.Background()
			ch, cancel, err := hub.Subscribe(ctx, tt.filter)
			require.NoError(t, err)
			defer cancel()

			for _, e := range tt.events {
				require.NoError(t, hub.Publish(ctx, e))
			}
			var got []string
			for range tt.want {
				got = append(got, receive(t, ch).Event.Type)
			}
			assert.Equal(t, tt.want, got)
			assertEmpty(t, ch)
		})
	}
}

func TestMultipleSubscribers(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()

	ch1, cancel1, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel1()
	ch2, cancel2, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel2()

	require.NoError(t, hub.Publish(ctx, event(3, "x")))
	assert.Equal(t, int64(3), receive(t, ch1).InstanceID)
	assert.Equal(t, int64(3), receive(t, ch2).InstanceID)
	assert.Equal(t, 2, hub.Subscribers())
}

func TestCancelSubscription(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)

	cancel()
	cancel()

	require.NoError(t, hub.Publish(ctx, event(1, "x")))
	_, ok := <-ch
	assert.False(t, ok, "channel is closed after cancel")
	assert.Zero(t, hub.Subscribers())
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx, cancel := context.WithCancel(context.Background())

	ch, stop, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer stop()

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}
	assert.Zero(t, hub.Subscribers())
}

func TestBackpressure(t *testing.T) {
	hub := NewMemoryHub(8)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	for range 18 {
		require.NoError(t, hub.Publish(ctx, event(1, "tick")))
	}

	drained := 0
	for len(ch) > 0 {
		<-ch
		drained++
	}
	assert.Equal(t, 8, drained)
	assert.Equal(t, int64(10), hub.Dropped())
}

func TestConcurrentAccess(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()
	const goroutines = 20

	var wg sync.WaitGroup
	for range goroutines {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range 50 {
				_ = hub.Publish(ctx, event(1, "tick"))
			}
		}()
		go func() {
			defer wg.Done()
			ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
			if err != nil {
				return
			}
			for range 5 {
				select {
				case <-ch:
				case <-time.After(10 * time.Millisecond):
				}
			}
			cancel()
		}()
	}
	wg.Wait()
	assert.Zero(t, hub.Subscribers())
}

func TestCancelledContext(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, hub.Publish(ctx, event(1, "tick")), context.Canceled)
	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.ErrorIs(t, err, context.Canceled)
}
