package runner

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/grovetools/bithost/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingLoop counts how many copies are alive at once.
func blockingLoop(alive *atomic.Int32, peak *atomic.Int32) Loop {
	return func(ctx context.Context) error {
		n := alive.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		defer alive.Add(-1)
		<-ctx.Done()
		return ctx.Err()
	}
}

func TestRunner_StartIsIdempotent(t *testing.T) {
	var alive, peak atomic.Int32
	r := New("poll", "vitals", blockingLoop(&alive, &peak), nil)

	r.Start()
	r.Start()
	r.Start()

	require.Eventually(t, func() bool { return alive.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, r.Running())
	assert.EqualValues(t, 1, r.Starts())

	require.NoError(t, r.Stop())
	assert.False(t, r.Running())
	assert.EqualValues(t, 0, alive.Load())
	assert.EqualValues(t, 1, peak.Load())
}

func TestRunner_StopWithoutStart(t *testing.T) {
	r := New("idle", "owner", func(ctx context.Context) error { return nil }, nil)
	assert.NoError(t, r.Stop())
	assert.Nil(t, r.Done())
}

func TestRunner_RestartAfterStop(t *testing.T) {
	var alive, peak atomic.Int32
	r := New("poll", "vitals", blockingLoop(&alive, &peak), nil)

	for i := 0; i < 3; i++ {
		r.Start()
		require.Eventually(t, func() bool { return alive.Load() == 1 }, time.Second, 5*time.Millisecond)
		require.NoError(t, r.Stop())
	}
	assert.EqualValues(t, 3, r.Starts())
	assert.EqualValues(t, 1, peak.Load())
}

func TestRunner_StopAbandonsStuckLoop(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	r := New("stuck", "owner", func(ctx context.Context) error {
		<-release // ignores ctx
		return nil
	}, nil, WithGracePeriod(30*time.Millisecond))

	r.Start()
	start := time.Now()
	err := r.Stop()
	assert.True(t, errors.Is(err, errors.ErrCodeRunnerStopTimeout))
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, r.Running(), "an abandoned runner counts as stopped")
}

func TestRunner_FailureEndsOnlyThatRunner(t *testing.T) {
	failing := New("bad", "a", func(ctx context.Context) error {
		return fmt.Errorf("boom")
	}, nil)
	panicking := New("worse", "a", func(ctx context.Context) error {
		panic("kaboom")
	}, nil)
	var alive, peak atomic.Int32
	healthy := New("good", "b", blockingLoop(&alive, &peak), nil)

	failing.Start()
	panicking.Start()
	healthy.Start()

	<-failing.Done()
	<-panicking.Done()
	assert.False(t, failing.Running())
	assert.False(t, panicking.Running())
	assert.True(t, healthy.Running())

	require.NoError(t, healthy.Stop())
}

func TestRunner_WithRestart(t *testing.T) {
	var attempts atomic.Int32
	r := New("flaky", "owner", func(ctx context.Context) error {
		if attempts.Add(1) < 3 {
			return fmt.Errorf("transient")
		}
		<-ctx.Done()
		return nil
	}, nil, WithRestart(backoff.NewConstantBackOff(time.Millisecond), 5))

	r.Start()
	require.Eventually(t, func() bool { return attempts.Load() == 3 }, time.Second, 5*time.Millisecond)
	assert.True(t, r.Running())
	assert.EqualValues(t, 3, r.Starts())
	require.NoError(t, r.Stop())
}

func TestRunner_WithRestartGivesUp(t *testing.T) {
	var attempts atomic.Int32
	r := New("doomed", "owner", func(ctx context.Context) error {
		attempts.Add(1)
		return fmt.Errorf("permanent")
	}, nil, WithRestart(backoff.NewConstantBackOff(time.Millisecond), 2))

	r.Start()
	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("runner kept restarting")
	}
	assert.EqualValues(t, 3, attempts.Load())
}

func TestTicker_StepsAndSurvivesErrors(t *testing.T) {
	var steps atomic.Int32
	loop := Ticker(5*time.Millisecond, func(ctx context.Context) error {
		n := steps.Add(1)
		if n == 2 {
			return fmt.Errorf("one bad tick")
		}
		if n == 3 {
			panic("another bad tick")
		}
		return nil
	}, nil, Immediately())

	r := New("ticker", "owner", loop, nil)
	r.Start()
	require.Eventually(t, func() bool { return steps.Load() >= 5 }, time.Second, 5*time.Millisecond)
	assert.True(t, r.Running())
	require.NoError(t, r.Stop())
}

func TestTicker_IterationOverrunFailsLoop(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	loop := Ticker(time.Millisecond, func(ctx context.Context) error {
		<-release // ignores its deadline
		return nil
	}, nil, Immediately(), IterationTimeout(20*time.Millisecond))

	err := loop(context.Background())
	assert.ErrorIs(t, err, ErrIterationOverrun)
}
