package event

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/nexus/internal/loop"
)

func TestConnect_Errors(t *testing.T) {
	src := NewSource[int](nil, "errors")

	assert.ErrorIs(t, src.Connect(nil), ErrNotCallable)
	assert.ErrorIs(t, ConnectMethod[plain](src, &plain{}, nil), ErrNotCallable)
	assert.ErrorIs(t, ConnectMethod(src, (*plain)(nil), (*plain).On), ErrNilReceiver)
	assert.ErrorIs(t, src.ConnectSlot(nil), ErrNotCallable)
	assert.ErrorIs(t, src.Connect(func(context.Context, int) error { return nil }, WithMode(Mode(7))), ErrInvalidMode)
	assert.Equal(t, 0, src.Len())
}

func TestEmit_SameAffinityRunsInline(t *testing.T) {
	a := startLoop(t, "a")
	owner := newEmitter(t, a)
	r := newRecorder(t, a)
	src := SourceOf[int](owner, "value")

	require.NoError(t, ConnectMethod(src, r, (*recorder).OnValue))
	src.Emit(context.Background(), 42)

	// Delivered before Emit returned, on the emitting goroutine.
	assert.Equal(t, []int{42}, r.values())
	assert.Nil(t, r.lastLoop())
	assert.Equal(t, uint64(1), src.Stats().Immediate)
}

func TestEmit_CrossAffinityDefers(t *testing.T) {
	a := startLoop(t, "a")
	b := startLoop(t, "b")
	owner := newEmitter(t, a)
	src := SourceOf[int](owner, "value")

	release := make(chan struct{})
	ran := make(chan *loop.Loop, 1)
	r := newRecorder(t, b)
	blocker := func(r *recorder, ctx context.Context, v int) error {
		<-release
		ran <- loop.FromContext(ctx)
		return r.OnValue(ctx, v)
	}
	require.NoError(t, ConnectMethod(src, r, blocker))

	emitted := make(chan struct{})
	go func() {
		src.Emit(context.Background(), 7)
		close(emitted)
	}()

	select {
	case <-emitted:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a deferred handler")
	}
	assert.Empty(t, r.values())

	close(release)
	select {
	case l := <-ran:
		assert.Same(t, b, l)
	case <-time.After(time.Second):
		t.Fatal("deferred handler did not run")
	}
	assert.Equal(t, []int{7}, r.wait(t, 1))
	assert.Equal(t, uint64(1), src.Stats().Deferred)
}

func TestEmit_SuspendingAlwaysDeferred(t *testing.T) {
	a := startLoop(t, "a")
	owner := newEmitter(t, a)
	r := newRecorder(t, a)
	src := SourceOf[int](owner, "value")

	release := make(chan struct{})
	blocker := func(r *recorder, ctx context.Context, v int) error {
		<-release
		return r.OnValue(ctx, v)
	}
	require.NoError(t, ConnectMethod(src, r, blocker, Suspending()))

	emitted := make(chan struct{})
	go func() {
		src.Emit(context.Background(), 42)
		close(emitted)
	}()
	select {
	case <-emitted:
	case <-time.After(time.Second):
		t.Fatal("suspending handler ran inline")
	}

	close(release)
	assert.Equal(t, []int{42}, r.wait(t, 1))
	r.expectNone(t)
	assert.Same(t, a, r.lastLoop())
}

func TestEmit_FreeFunctionRunsInline(t *testing.T) {
	src := NewSource[int](nil, "free")

	var got []int
	require.NoError(t, src.Connect(func(ctx context.Context, v int) error {
		got = append(got, v)
		return nil
	}))

	src.Emit(context.Background(), 1)
	src.Emit(context.Background(), 2)
	assert.Equal(t, []int{1, 2}, got)
}

func TestEmit_DeliveryOrder(t *testing.T) {
	src := NewSource[int](nil, "order")

	var got []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		require.NoError(t, src.Connect(func(ctx context.Context, v int) error {
			got = append(got, name)
			return nil
		}))
	}

	src.Emit(context.Background(), 0)
	assert.Equal(t, []string{"first", "second", "third"}, got)
}

func TestEmit_DeferredFIFOOnSharedLoop(t *testing.T) {
	a := startLoop(t, "a")
	b := startLoop(t, "b")
	owner := newEmitter(t, a)
	r := newRecorder(t, b)
	src := SourceOf[int](owner, "value")
	require.NoError(t, ConnectMethod(src, r, (*recorder).OnValue))

	want := make([]int, 100)
	for i := range want {
		want[i] = i
		src.Emit(context.Background(), i)
	}
	assert.Equal(t, want, r.wait(t, 100))
}

func TestEmit_SnapshotIgnoresMutations(t *testing.T) {
	src := NewSource[int](nil, "snapshot")

	var calls []string
	late := func(ctx context.Context, v int) error {
		calls = append(calls, "late")
		return nil
	}
	second := func(ctx context.Context, v int) error {
		calls = append(calls, "second")
		return nil
	}
	first := func(ctx context.Context, v int) error {
		calls = append(calls, "first")
		if v == 1 {
			src.Disconnect(nil, second)
			require.NoError(t, src.Connect(late))
		}
		return nil
	}
	require.NoError(t, src.Connect(first))
	require.NoError(t, src.Connect(second))

	src.Emit(context.Background(), 1)
	assert.Equal(t, []string{"first", "second"}, calls)

	calls = nil
	src.Emit(context.Background(), 2)
	assert.Equal(t, []string{"first", "late"}, calls)
}

func TestEmit_HandlerFailuresAreIsolated(t *testing.T) {
	src := NewSource[int](nil, "failures")

	var reached bool
	require.NoError(t, src.Connect(func(context.Context, int) error { return errors.New("boom") }))
	require.NoError(t, src.Connect(func(context.Context, int) error { panic("boom") }))
	require.NoError(t, src.Connect(func(context.Context, int) error {
		reached = true
		return nil
	}))

	assert.NotPanics(t, func() { src.Emit(context.Background(), 1) })
	assert.True(t, reached)

	stats := src.Stats()
	assert.Equal(t, uint64(1), stats.Failed)
	assert.Equal(t, uint64(1), stats.Panicked)
	assert.Equal(t, uint64(3), stats.Immediate)
}

func TestEmit_OneShot(t *testing.T) {
	src := NewSource[int](nil, "once")

	calls := 0
	require.NoError(t, src.Connect(func(context.Context, int) error {
		calls++
		return errors.New("still removed")
	}, OneShot()))

	src.Emit(context.Background(), 1)
	assert.Equal(t, 0, src.Len())
	src.Emit(context.Background(), 2)
	src.Emit(context.Background(), 3)
	assert.Equal(t, 1, calls)
}

func TestEmit_CancelledContextStillDelivers(t *testing.T) {
	src := NewSource[int](nil, "cancelled")

	var once, every []int
	require.NoError(t, src.Connect(func(_ context.Context, v int) error {
		once = append(once, v)
		return nil
	}, OneShot()))
	require.NoError(t, src.Connect(func(ctx context.Context, v int) error {
		every = append(every, v)
		return ctx.Err()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src.Emit(ctx, 1)
	src.Emit(context.Background(), 2)

	assert.Equal(t, []int{1}, once)
	assert.Equal(t, []int{1, 2}, every)
	assert.Equal(t, 1, src.Len())
}

func TestEmit_OneShotConcurrent(t *testing.T) {
	src := NewSource[int](nil, "once")

	var calls atomic.Int32
	require.NoError(t, src.Connect(func(context.Context, int) error {
		calls.Add(1)
		return nil
	}, OneShot()))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			src.Emit(context.Background(), v)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestEmit_OneShotDeferredRemovedAtSchedule(t *testing.T) {
	a := startLoop(t, "a")
	b := startLoop(t, "b")
	owner := newEmitter(t, a)
	r := newRecorder(t, b)
	src := SourceOf[int](owner, "value")

	release := make(chan struct{})
	slow := func(r *recorder, ctx context.Context, v int) error {
		<-release
		return r.OnValue(ctx, v)
	}
	require.NoError(t, ConnectMethod(src, r, slow, OneShot()))

	src.Emit(context.Background(), 1)
	assert.Equal(t, 0, src.Len(), "one-shot must be removed before the handler runs")
	src.Emit(context.Background(), 2)

	close(release)
	assert.Equal(t, []int{1}, r.wait(t, 1))
	r.expectNone(t)
}

func TestEmit_DeferredWithoutLoopIsDropped(t *testing.T) {
	src := NewSource[int](nil, "free")
	calls := &counter{}
	require.NoError(t, src.Connect(func(ctx context.Context, v int) error {
		calls.add(v)
		return nil
	}, WithMode(ModeDeferred)))

	src.Emit(context.Background(), 1)
	assert.Equal(t, uint64(1), src.Stats().Dropped)
	assert.Equal(t, 0, calls.count())

	// With a running loop in the context the handler is scheduled there.
	b := startLoop(t, "b")
	src.Emit(loop.WithLoop(context.Background(), b), 2)
	require.Eventually(t, func() bool { return calls.count() == 1 }, time.Second, time.Millisecond)
}

func TestEmit_SuspendingFreeFunctionUsesContextLoop(t *testing.T) {
	b := startLoop(t, "b")
	src := NewSource[int](nil, "free")

	ran := make(chan *loop.Loop, 1)
	require.NoError(t, src.Connect(func(ctx context.Context, v int) error {
		ran <- loop.FromContext(ctx)
		return nil
	}, Suspending()))

	src.Emit(loop.WithLoop(context.Background(), b), 1)
	select {
	case l := <-ran:
		assert.Same(t, b, l)
	case <-time.After(time.Second):
		t.Fatal("suspending handler did not run")
	}
}

func TestEmit_StoppedTargetLoopIsDropped(t *testing.T) {
	a := startLoop(t, "a")
	b := loop.New()
	require.NoError(t, b.Start())
	owner := newEmitter(t, a)
	r := newRecorder(t, b)
	src := SourceOf[int](owner, "value")
	require.NoError(t, ConnectMethod(src, r, (*recorder).OnValue))

	require.NoError(t, b.StopTimeout(time.Second))
	src.Emit(context.Background(), 1)

	assert.Equal(t, uint64(1), src.Stats().Dropped)
	r.expectNone(t)
}

func TestEmit_WeakReceiverCollected(t *testing.T) {
	src := NewSource[int](nil, "weak")
	calls := &counter{}

	func() {
		p := &plain{calls: calls}
		require.NoError(t, ConnectMethod(src, p, (*plain).On, WithWeak(true)))
		src.Emit(context.Background(), 1)
	}()
	assert.Equal(t, 1, calls.count())

	require.Eventually(t, func() bool {
		runtime.GC()
		return src.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)

	src.Emit(context.Background(), 2)
	src.Emit(context.Background(), 3)
	assert.Equal(t, 1, calls.count())
	assert.Equal(t, uint64(1), src.Stats().Pruned)
}

func TestEmit_StrongReceiverKeptAlive(t *testing.T) {
	src := NewSource[int](nil, "strong")
	calls := &counter{}

	func() {
		p := &plain{calls: calls}
		require.NoError(t, ConnectMethod(src, p, (*plain).On))
	}()
	runtime.GC()
	runtime.GC()

	src.Emit(context.Background(), 1)
	assert.Equal(t, 1, src.Len())
	assert.Equal(t, 1, calls.count())
}

func TestEmit_WeakDefaultFromOwner(t *testing.T) {
	a := startLoop(t, "a")
	weakOwner := newEmitter(t, a)
	strongOwner := newEmitter(t, a, WithWeakDefault(false))
	calls := &counter{}

	weakSrc := SourceOf[int](weakOwner, "v")
	strongSrc := SourceOf[int](strongOwner, "v")
	func() {
		require.NoError(t, ConnectMethod(weakSrc, &plain{calls: calls}, (*plain).On))
		require.NoError(t, ConnectMethod(strongSrc, &plain{calls: calls}, (*plain).On))
	}()

	require.Eventually(t, func() bool {
		runtime.GC()
		return weakSrc.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, strongSrc.Len())
}

func TestDisconnect(t *testing.T) {
	a := startLoop(t, "a")
	owner := newEmitter(t, a, WithWeakDefault(false))
	src := SourceOf[int](owner, "value")
	r1 := newRecorder(t, a)
	r2 := newRecorder(t, a)
	free := func(context.Context, int) error { return nil }

	connectAll := func() {
		src.Disconnect(nil, nil)
		require.NoError(t, ConnectMethod(src, r1, (*recorder).OnValue))
		require.NoError(t, ConnectMethod(src, r1, (*recorder).OnOther))
		require.NoError(t, ConnectMethod(src, r2, (*recorder).OnValue))
		require.NoError(t, src.Connect(free))
	}

	connectAll()
	assert.Equal(t, 2, src.Disconnect(r1, nil))
	assert.Equal(t, 2, src.Len())

	connectAll()
	assert.Equal(t, 2, src.Disconnect(nil, (*recorder).OnValue))
	assert.Equal(t, 2, src.Len())

	connectAll()
	assert.Equal(t, 1, src.Disconnect(r1, (*recorder).OnOther))
	assert.Equal(t, 3, src.Len())

	connectAll()
	assert.Equal(t, 1, src.Disconnect(nil, free))
	assert.Equal(t, 0, src.Disconnect(r2, free))

	connectAll()
	assert.Equal(t, 4, src.Disconnect(nil, nil))
	assert.Equal(t, 0, src.Len())
}

func TestDisconnect_ClosureInstances(t *testing.T) {
	src := NewSource[int](nil, "closures")

	var hs []Handler[int]
	for i := 0; i < 3; i++ {
		h := func(context.Context, int) error { return errors.New(string(rune('a' + i))) }
		hs = append(hs, h)
		require.NoError(t, src.Connect(h))
	}

	assert.Equal(t, 1, src.Disconnect(nil, hs[0]))
	assert.Equal(t, 2, src.Len())
	assert.Equal(t, 0, src.Disconnect(nil, hs[0]))

	// The same instance connected twice is one handler.
	require.NoError(t, src.Connect(hs[1]))
	assert.Equal(t, 2, src.Disconnect(nil, hs[1]))
	assert.Equal(t, 1, src.Len())

	assert.Equal(t, 0, src.Disconnect(nil, func(context.Context, int) error { return nil }))
	assert.Equal(t, 1, src.Disconnect(nil, hs[2]))
}

func TestSourceOf(t *testing.T) {
	a := startLoop(t, "a")
	o := newEmitter(t, a)

	s1 := SourceOf[int](o, "value")
	s2 := SourceOf[int](o, "value")
	assert.Same(t, s1, s2)
	assert.Same(t, o, s1.Owner())
	assert.Equal(t, "value", s1.Name())

	_, err := LookupSource[string](o, "value")
	assert.ErrorIs(t, err, ErrSourceType)
	assert.Panics(t, func() { SourceOf[string](o, "value") })
}

type fakeObserver struct {
	emitted   atomic.Int32
	delivered atomic.Int32
	dropped   atomic.Int32
}

func (f *fakeObserver) Emitted(string, int) { f.emitted.Add(1) }
func (f *fakeObserver) Delivered(string, Mode, time.Duration, error) { f.delivered.Add(1) }
func (f *fakeObserver) Dropped(string, DropReason) { f.dropped.Add(1) }
func (f *fakeObserver) Pruned(string, int) {}

func TestObserver(t *testing.T) {
	a := startLoop(t, "a")
	obs := &fakeObserver{}
	owner := newEmitter(t, a, WithObserver(obs))
	r := newRecorder(t, a)
	src := SourceOf[int](owner, "value")
	require.NoError(t, ConnectMethod(src, r, (*recorder).OnValue))
	require.NoError(t, src.Connect(func(context.Context, int) error { return nil }, WithMode(ModeDeferred)))

	src.Emit(context.Background(), 1)
	r.wait(t, 1)

	assert.Equal(t, int32(1), obs.emitted.Load())
	assert.Equal(t, int32(1), obs.delivered.Load())
	assert.Equal(t, int32(1), obs.dropped.Load())
}
