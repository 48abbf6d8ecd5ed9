package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/grovetools/bithost/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	N     int
	Trail []int
}

func cloneCounter(c counter) counter {
	c.Trail = append([]int(nil), c.Trail...)
	return c
}

func newCounterStore(t *testing.T, opts ...Option[counter]) *Store[counter] {
	t.Helper()
	opts = append([]Option[counter]{WithCloner(cloneCounter)}, opts...)
	s := New("counter", counter{}, nil, opts...)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func appendStep(i int) Mutation[counter] {
	return func(c *counter) error {
		c.N++
		c.Trail = append(c.Trail, i)
		return nil
	}
}

func TestStore_MutationsApplyInSubmissionOrder(t *testing.T) {
	s := newCounterStore(t)

	const n = 500
	for i := 0; i < n; i++ {
		require.NoError(t, s.Update(appendStep(i)))
	}
	require.NoError(t, s.UpdateSync(context.Background(), func(*counter) error { return nil }))

	snap := s.Snapshot()
	assert.Equal(t, n, snap.N)
	require.Len(t, snap.Trail, n)
	for i, v := range snap.Trail {
		require.Equal(t, i, v, "mutation %d applied out of order", i)
	}
	assert.EqualValues(t, n+1, s.Version())
}

func TestStore_ConcurrentSubmittersNeverInterleave(t *testing.T) {
	s := New("plain", 0, nil)
	defer s.Close(context.Background())

	var inFlight, maxInFlight int
	var mu sync.Mutex
	mutation := func(v *int) error {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		*v = *v + 1

		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil
	}

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = s.Update(mutation)
			}
		}()
	}
	wg.Wait()
	require.NoError(t, s.UpdateSync(context.Background(), func(*int) error { return nil }))

	assert.Equal(t, 1000, s.Snapshot())
	assert.Equal(t, 1, maxInFlight)
}

func TestStore_UpdateDoesNotBlockOnExecution(t *testing.T) {
	s := New("slow", 0, nil)
	defer s.Close(context.Background())

	release := make(chan struct{})
	require.NoError(t, s.Update(func(v *int) error {
		<-release
		*v = 1
		return nil
	}))

	returned := make(chan struct{})
	go func() {
		_ = s.Update(func(v *int) error { *v = 2; return nil })
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("Update blocked behind a running mutation")
	}
	close(release)

	require.Eventually(t, func() bool { return s.Snapshot() == 2 }, time.Second, 5*time.Millisecond)
}

func TestStore_FailedMutationKeepsLastGoodState(t *testing.T) {
	s := newCounterStore(t)

	require.NoError(t, s.UpdateSync(context.Background(), appendStep(1)))

	err := s.UpdateSync(context.Background(), func(c *counter) error {
		c.N = 999
		c.Trail = append(c.Trail, 999)
		return fmt.Errorf("validation failed")
	})
	assert.EqualError(t, err, "validation failed")

	err = s.UpdateSync(context.Background(), func(c *counter) error {
		c.N = -1
		panic("bad mutation")
	})
	assert.Error(t, err)

	// The store survives and keeps applying later mutations.
	require.NoError(t, s.UpdateSync(context.Background(), appendStep(2)))

	snap := s.Snapshot()
	assert.Equal(t, 2, snap.N)
	assert.Equal(t, []int{1, 2}, snap.Trail)
	assert.EqualValues(t, 2, s.Version())
}

func TestStore_SnapshotIsACopy(t *testing.T) {
	s := newCounterStore(t)
	require.NoError(t, s.UpdateSync(context.Background(), appendStep(1)))

	snap := s.Snapshot()
	snap.Trail[0] = 42
	snap.N = 42

	again := s.Snapshot()
	assert.Equal(t, 1, again.N)
	assert.Equal(t, []int{1}, again.Trail)
}

func TestStore_NilMutationRejected(t *testing.T) {
	s := newCounterStore(t)
	err := s.Update(nil)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput))
}

func TestStore_WatchYieldsInitialSnapshotFirst(t *testing.T) {
	s := New("fresh", 7, nil)
	defer s.Close(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed := s.Watch(ctx)
	select {
	case v := <-feed:
		assert.Equal(t, 7, v)
	case <-time.After(time.Second):
		t.Fatal("no initial snapshot")
	}
}

func TestStore_WatchSeesEveryCommitInOrder(t *testing.T) {
	s := New("ordered", 0, nil)
	defer s.Close(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	feed := s.Watch(ctx)
	assert.Equal(t, 0, <-feed)

	for i := 1; i <= 50; i++ {
		v := i
		require.NoError(t, s.Update(func(n *int) error { *n = v; return nil }))
	}
	// A failed mutation produces no snapshot.
	require.NoError(t, s.Update(func(n *int) error { return fmt.Errorf("nope") }))

	for i := 1; i <= 50; i++ {
		select {
		case v := <-feed:
			require.Equal(t, i, v)
		case <-time.After(time.Second):
			t.Fatalf("missing snapshot %d", i)
		}
	}
}

func TestStore_SlowWatcherDoesNotStallWorker(t *testing.T) {
	s := New("busy", 0, nil)
	defer s.Close(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	slow := s.Watch(ctx)

	for i := 0; i < 100; i++ {
		require.NoError(t, s.Update(func(n *int) error { *n++; return nil }))
	}
	require.NoError(t, s.UpdateSync(context.Background(), func(*int) error { return nil }))
	assert.Equal(t, 100, s.Snapshot())

	// Everything is still queued for the slow reader.
	count := 0
	for v := range slow {
		count++
		if v == 100 {
			break
		}
	}
	assert.Equal(t, 101, count)
}

func TestStore_WatchMaxPendingDropsOldest(t *testing.T) {
	s := New("capped", 0, nil, WithMaxPending[int](2))
	defer s.Close(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	feed := s.Watch(ctx)

	for i := 0; i < 10; i++ {
		require.NoError(t, s.Update(func(n *int) error { *n++; return nil }))
	}
	require.NoError(t, s.UpdateSync(context.Background(), func(*int) error { return nil }))

	var got []int
	timeout := time.After(time.Second)
	for len(got) == 0 || got[len(got)-1] != 10 {
		select {
		case v := <-feed:
			got = append(got, v)
		case <-timeout:
			t.Fatalf("feed stalled, got %v", got)
		}
	}
	assert.LessOrEqual(t, len(got), 4)
	assert.Equal(t, 10, got[len(got)-1])
}

func TestStore_WatchEndsOnCancel(t *testing.T) {
	s := New("cancel", 0, nil)
	defer s.Close(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	feed := s.Watch(ctx)
	<-feed
	assert.Eventually(t, func() bool { return s.WatcherCount() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case _, ok := <-feed:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("feed not closed after cancel")
	}
	assert.Eventually(t, func() bool { return s.WatcherCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestStore_CloseDrainsAndEndsWatchers(t *testing.T) {
	s := New("closing", 0, nil)

	feed := s.Watch(context.Background())
	assert.Equal(t, 0, <-feed)

	for i := 0; i < 20; i++ {
		require.NoError(t, s.Update(func(n *int) error { *n++; return nil }))
	}
	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, 20, s.Snapshot())

	var last int
	for v := range feed {
		last = v
	}
	assert.Equal(t, 20, last)

	err := s.Update(func(n *int) error { return nil })
	assert.True(t, errors.Is(err, errors.ErrCodeStoreClosed))

	// Second close is a no-op.
	assert.NoError(t, s.Close(context.Background()))

	// Watching a closed store yields the final snapshot then ends.
	late := s.Watch(context.Background())
	assert.Equal(t, 20, <-late)
	_, ok := <-late
	assert.False(t, ok)
}

func TestStore_CloseTimesOutOnStuckMutation(t *testing.T) {
	s := New("stuck", 0, nil)

	release := make(chan struct{})
	defer close(release)
	require.NoError(t, s.Update(func(n *int) error {
		<-release
		return nil
	}))

	waiter := make(chan error, 1)
	go func() {
		waiter <- s.UpdateSync(context.Background(), func(n *int) error { *n = 5; return nil })
	}()
	// Let the second mutation get queued.
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.Close(ctx)
	require.Error(t, err)

	select {
	case err := <-waiter:
		assert.True(t, errors.Is(err, errors.ErrCodeStoreClosed))
	case <-time.After(time.Second):
		t.Fatal("queued UpdateSync never released")
	}
	assert.Equal(t, 0, s.Snapshot())
}
