package procwatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProcesses is a switchable lookup.
type fakeProcesses struct {
	mu    sync.Mutex
	pids  []int
	err   error
	polls atomic.Int32
}

func (f *fakeProcesses) set(pids []int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pids, f.err = pids, err
}

func (f *fakeProcesses) lookup(ctx context.Context, name string) ([]int, error) {
	f.polls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pids, f.err
}

func next(t *testing.T, h *Hub) ProcessChange {
	t.Helper()
	select {
	case c, ok := <-h.Events():
		require.True(t, ok, "events closed")
		return c
	case <-time.After(time.Second):
		t.Fatal("no event")
		return ProcessChange{}
	}
}

func assertQuiet(t *testing.T, h *Hub, f *fakeProcesses, polls int32) {
	t.Helper()
	start := f.polls.Load()
	require.Eventually(t, func() bool { return f.polls.Load() >= start+polls }, time.Second, time.Millisecond)
	select {
	case c := <-h.Events():
		t.Fatalf("unexpected event %+v", c)
	default:
	}
}

func TestHub_AbsentThenStarted(t *testing.T) {
	f := &fakeProcesses{}
	h := New("game", 5*time.Millisecond, nil, WithLookup(f.lookup))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	first := next(t, h)
	assert.Equal(t, Stopped, first.Kind)
	assert.Equal(t, 0, first.PID)
	assert.Equal(t, "game", first.Name)

	assertQuiet(t, h, f, 3)

	f.set([]int{4242, 5000}, nil)
	started := next(t, h)
	assert.Equal(t, Started, started.Kind)
	assert.Equal(t, 4242, started.PID)

	assertQuiet(t, h, f, 3)

	f.set(nil, nil)
	assert.Equal(t, Stopped, next(t, h).Kind)
}

func TestHub_PresentAtStart(t *testing.T) {
	f := &fakeProcesses{}
	f.set([]int{1}, nil)
	h := New("game", time.Hour, nil, WithLookup(f.lookup))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	assert.Equal(t, Started, next(t, h).Kind)
}

func TestHub_LookupErrorSkipsTick(t *testing.T) {
	f := &fakeProcesses{}
	f.set(nil, fmt.Errorf("proc unavailable"))
	h := New("game", 5*time.Millisecond, nil, WithLookup(f.lookup))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	assertQuiet(t, h, f, 3)

	f.set(nil, nil)
	assert.Equal(t, Stopped, next(t, h).Kind, "initial event arrives once lookups succeed")

	f.set(nil, fmt.Errorf("flaky"))
	assertQuiet(t, h, f, 3)
}

func TestHub_RunClosesEvents(t *testing.T) {
	f := &fakeProcesses{}
	h := New("game", time.Hour, nil, WithLookup(f.lookup), WithBuffer(1))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, h.Run(ctx))
	}()

	next(t, h)
	cancel()
	<-done

	_, ok := <-h.Events()
	assert.False(t, ok)
}
