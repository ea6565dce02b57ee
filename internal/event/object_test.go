package event

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/nexus/internal/loop"
)

func TestNewObject_RequiresLoop(t *testing.T) {
	_, err := NewObject(context.Background())
	assert.ErrorIs(t, err, ErrNoRunningLoop)

	a := startLoop(t, "a")
	o, err := NewObject(loop.WithLoop(context.Background(), a))
	require.NoError(t, err)
	assert.Equal(t, a.Token(), o.Affinity().Token)
	assert.Same(t, a, o.Loop())
	assert.True(t, o.WeakDefault())

	named, err := NewObject(context.Background(), WithLoop(a), WithName("sensor"), WithWeakDefault(false))
	require.NoError(t, err)
	assert.Equal(t, "sensor", named.Name())
	assert.False(t, named.WeakDefault())
}

func TestObject_ImplementsParticipant(t *testing.T) {
	var _ Participant = (*Object)(nil)
	var _ Participant = (*recorder)(nil)
}

func TestMoveToThread_SwitchesToDeferred(t *testing.T) {
	a := startLoop(t, "a")
	b := startLoop(t, "b")
	owner := newEmitter(t, a)
	r := newRecorder(t, a)
	src := SourceOf[int](owner, "value")
	require.NoError(t, ConnectMethod(src, r, (*recorder).OnValue))

	src.Emit(context.Background(), 1)
	assert.Equal(t, []int{1}, r.wait(t, 1))
	assert.Nil(t, r.lastLoop(), "expected inline delivery before the move")

	target := newEmitter(t, b)
	require.NoError(t, r.MoveToThread(target))
	assert.Equal(t, b.Token(), r.Affinity().Token)

	src.Emit(context.Background(), 2)
	assert.Equal(t, []int{2}, r.wait(t, 1))
	assert.Same(t, b, r.lastLoop())
	assert.Equal(t, uint64(1), src.Stats().Deferred)
}

func TestMoveToThread_UnresolvableSource(t *testing.T) {
	a := startLoop(t, "a")
	o := newEmitter(t, a)
	assert.ErrorIs(t, o.MoveToThread(&Object{}), ErrNoRunningLoop)
	assert.Equal(t, a.Token(), o.Affinity().Token)
}

func TestObject_Detach(t *testing.T) {
	a := startLoop(t, "a")
	owner := newEmitter(t, a, WithWeakDefault(false))
	r := newRecorder(t, a)

	s1 := SourceOf[int](owner, "one")
	s2 := SourceOf[int](owner, "two")
	require.NoError(t, ConnectMethod(s1, r, (*recorder).OnValue))
	require.NoError(t, ConnectMethod(s2, r, (*recorder).OnValue))
	require.NoError(t, ConnectMethod(s2, r, (*recorder).OnOther))
	require.NoError(t, s2.Connect(func(context.Context, int) error { return nil }))

	// Already disconnected connections are not counted.
	require.Equal(t, 1, s2.Disconnect(r, (*recorder).OnOther))

	assert.Equal(t, 2, r.Detach())
	assert.Equal(t, 0, s1.Len())
	assert.Equal(t, 1, s2.Len())
	assert.Equal(t, 0, r.Detach())
}

func TestObject_ZeroValueIsUsable(t *testing.T) {
	var o Object
	assert.True(t, o.Affinity().IsZero())
	assert.NotNil(t, o.log())
	assert.NotNil(t, o.obs())
	assert.NotNil(t, o.disp())

	src := SourceOf[int](&o, "value")
	calls := 0
	require.NoError(t, src.Connect(func(context.Context, int) error {
		calls++
		return nil
	}))
	src.Emit(context.Background(), 1)
	assert.Equal(t, 1, calls)
}
