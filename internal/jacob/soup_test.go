package jacob

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, s *Soup) {
	t.Helper()
	require.NoError(t, s.Run(context.Background()))
}

func TestSoup_SendBeforeListen(t *testing.T) {
	s := NewSoup(nil)
	ch := NewChan[string](s, "greeting")
	var got []string

	ch.Send("hello")
	s.Object(ch.On(func(v string) { got = append(got, v) }))
	run(t, s)

	assert.Equal(t, []string{"hello"}, got)
	assert.Equal(t, 0, ch.Pending())
}

func TestSoup_ListenBeforeSend(t *testing.T) {
	s := NewSoup(nil)
	ch := NewChan[int](s, "n")
	var got int

	s.Object(ch.On(func(v int) { got = v }))
	run(t, s)
	assert.Zero(t, got, "nothing fires without a message")

	ch.Send(42)
	run(t, s)
	assert.Equal(t, 42, got)
}

func TestSoup_OneShotListenerConsumesOneMessage(t *testing.T) {
	s := NewSoup(nil)
	ch := NewChan[int](s, "n")
	var got []int

	s.Object(ch.On(func(v int) { got = append(got, v) }))
	ch.Send(1)
	ch.Send(2)
	run(t, s)

	assert.Equal(t, []int{1}, got)
	assert.Equal(t, 1, ch.Pending(), "second message waits for a new listener")
}

func TestSoup_ChoiceRevokesAlternatives(t *testing.T) {
	s := NewSoup(nil)
	a := NewChan[string](s, "a")
	b := NewChan[string](s, "b")
	var fired []string

	s.Object(
		a.On(func(v string) { fired = append(fired, "a:"+v) }),
		b.On(func(v string) { fired = append(fired, "b:"+v) }),
	)
	b.Send("x")
	a.Send("y")
	run(t, s)

	assert.Equal(t, []string{"b:x"}, fired)
	assert.Equal(t, 1, a.Pending(), "revoked alternative must not consume")
}

func TestSoup_ReplicatedListener(t *testing.T) {
	s := NewSoup(nil)
	ch := NewChan[int](s, "n")
	sum := 0

	ch.Send(1)
	s.Replicate(ch.On(func(v int) { sum += v }))
	ch.Send(2)
	ch.Send(3)
	run(t, s)

	assert.Equal(t, 6, sum)
}

func TestSoup_ReplicatedSendIsIdempotent(t *testing.T) {
	s := NewSoup(nil)
	term := NewChan[struct{}](s, "terminate")
	count := 0

	term.SendReplicated(struct{}{})
	term.SendReplicated(struct{}{})
	s.Object(term.On(func(struct{}) { count++ }))
	run(t, s)
	assert.Equal(t, 1, count, "one-shot listener fires once")

	s.Object(term.On(func(struct{}) { count++ }))
	run(t, s)
	assert.Equal(t, 2, count, "sticky message reaches later listeners")
}

func TestSoup_ReplicatedSendReachesWaitingListener(t *testing.T) {
	s := NewSoup(nil)
	term := NewChan[struct{}](s, "terminate")
	other := NewChan[int](s, "other")
	var got []string

	s.Object(
		term.On(func(struct{}) { got = append(got, "terminated") }),
		other.On(func(int) { got = append(got, "other") }),
	)
	term.SendReplicated(struct{}{})
	other.Send(1)
	run(t, s)

	assert.Equal(t, []string{"terminated"}, got)
}

func TestSoup_InstanceOrderIsFIFO(t *testing.T) {
	s := NewSoup(nil)
	var order []int
	for i := 1; i <= 3; i++ {
		s.Instance(func() { order = append(order, i) })
	}
	run(t, s)
	assert.Equal(t, []int{1, 2, 3}, order)
	assert.True(t, s.Quiescent())
	assert.EqualValues(t, 3, s.Stats().Reactions)
}

func TestSoup_PanicPoisonsSoup(t *testing.T) {
	s := NewSoup(nil)
	boom := errors.New("boom")
	s.Instance(func() { panic(boom) })
	s.Instance(func() { t.Fatal("must not run after a fault") })

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.NotEmpty(t, pe.Stack)

	assert.ErrorIs(t, s.Run(context.Background()), boom, "fault is sticky")
}

func TestSoup_RunHonoursContext(t *testing.T) {
	s := NewSoup(nil)
	s.Instance(func() {})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Run(ctx), context.Canceled)
	assert.False(t, s.Quiescent())
}

func TestChan_ExportImport(t *testing.T) {
	s := NewSoup(nil)
	ch := NewChan[string](s, "reply")
	id := ch.Export()

	imported, ok := Import[string](s, id)
	require.True(t, ok)
	assert.Equal(t, ch.ID(), imported.ID())

	var got string
	s.Object(ch.On(func(v string) { got = v }))
	imported.Send("pong")
	run(t, s)
	assert.Equal(t, "pong", got)

	_, ok = Import[string](s, "999")
	assert.False(t, ok)
}

func TestChan_Zero(t *testing.T) {
	var ch Chan[int]
	assert.True(t, ch.IsZero())
	assert.Equal(t, "chan<nil>", ch.String())
	assert.Zero(t, ch.ID())
}
