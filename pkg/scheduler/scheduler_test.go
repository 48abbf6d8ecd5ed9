package scheduler

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

func counter(n *atomic.Int32) Action {
	return func(ctx context.Context) error {
		n.Add(1)
		return nil
	}
}

func TestSchedulePeriodic_Validation(t *testing.T) {
	s := New(nil)
	defer s.Stop(context.Background())

	tests := []struct {
		name     string
		task     string
		interval time.Duration
		action   Action
	}{
		{"empty name", "", time.Second, func(context.Context) error { return nil }},
		{"nil action", "t", time.Second, nil},
		{"zero interval", "t", 0, func(context.Context) error { return nil }},
		{"negative interval", "t", -time.Second, func(context.Context) error { return nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := s.SchedulePeriodic(tt.task, tt.interval, tt.action, false)
			assert.Nil(t, h)
			assert.True(t, errors.Is(err, errors.ErrCodeInvalidInput), "got %v", err)
		})
	}
	assert.Equal(t, 0, s.Len())
}

func TestSchedulePeriodic_DuplicateNameKeepsFirst(t *testing.T) {
	s := New(nil)
	defer s.Stop(context.Background())

	var first, second atomic.Int32
	_, err := s.SchedulePeriodic("poll", 5*time.Millisecond, counter(&first), true)
	require.NoError(t, err)

	h, err := s.SchedulePeriodic("poll", 5*time.Millisecond, counter(&second), true)
	assert.Nil(t, h)
	assert.True(t, errors.Is(err, errors.ErrCodeTaskAlreadyScheduled))

	before := first.Load()
	require.Eventually(t, func() bool { return first.Load() > before+2 }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 0, second.Load())
	assert.Equal(t, []string{"poll"}, s.Names())
}

func TestSchedulePeriodic_RunImmediately(t *testing.T) {
	s := New(nil)
	defer s.Stop(context.Background())

	var now, later atomic.Int32
	_, err := s.SchedulePeriodic("now", time.Hour, counter(&now), true)
	require.NoError(t, err)
	_, err = s.SchedulePeriodic("later", time.Hour, counter(&later), false)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return now.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 0, later.Load())
}

func TestSchedulePeriodic_FailuresDoNotStopTask(t *testing.T) {
	s := New(nil)
	defer s.Stop(context.Background())

	var calls atomic.Int32
	_, err := s.SchedulePeriodic("flaky", 5*time.Millisecond, func(ctx context.Context) error {
		switch calls.Add(1) {
		case 1:
			return fmt.Errorf("first call fails")
		case 2:
			panic("second call panics")
		}
		return nil
	}, true)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return calls.Load() >= 4 }, time.Second, 5*time.Millisecond)
}

func TestHandle_DisposeRemovesOnlyThatTask(t *testing.T) {
	s := New(nil)
	defer s.Stop(context.Background())

	var a, b atomic.Int32
	ha, err := s.SchedulePeriodic("a", 5*time.Millisecond, counter(&a), true)
	require.NoError(t, err)
	_, err = s.SchedulePeriodic("b", 5*time.Millisecond, counter(&b), true)
	require.NoError(t, err)

	ha.Dispose()
	ha.Dispose()
	<-ha.Done()
	assert.Equal(t, "a", ha.Name())
	assert.Equal(t, []string{"b"}, s.Names())

	stopped := a.Load()
	before := b.Load()
	require.Eventually(t, func() bool { return b.Load() > before+2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, stopped, a.Load())

	// The name is free again.
	_, err = s.SchedulePeriodic("a", time.Hour, counter(&a), false)
	assert.NoError(t, err)
}

func TestHandle_StaleDisposeLeavesNewTask(t *testing.T) {
	s := New(nil)
	defer s.Stop(context.Background())

	var n atomic.Int32
	old, err := s.SchedulePeriodic("t", time.Hour, counter(&n), false)
	require.NoError(t, err)
	old.Dispose()

	_, err = s.SchedulePeriodic("t", time.Hour, counter(&n), false)
	require.NoError(t, err)

	old.Dispose()
	assert.Equal(t, []string{"t"}, s.Names())
}

func TestStop_IsTerminal(t *testing.T) {
	s := New(nil)
	var n atomic.Int32
	h, err := s.SchedulePeriodic("t", 5*time.Millisecond, counter(&n), true)
	require.NoError(t, err)

	require.NoError(t, s.Stop(context.Background()))
	<-h.Done()
	assert.True(t, s.Stopped())
	assert.Equal(t, 0, s.Len())

	_, err = s.SchedulePeriodic("t2", time.Second, counter(&n), false)
	assert.True(t, errors.Is(err, errors.ErrCodeSchedulerStopped))

	require.NoError(t, s.Stop(context.Background()))
}

func TestStop_BoundedByContext(t *testing.T) {
	s := New(nil)
	release := make(chan struct{})
	defer close(release)

	started := make(chan struct{})
	_, err := s.SchedulePeriodic("stuck", time.Hour, func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}, true)
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = s.Stop(ctx)
	assert.True(t, errors.Is(err, errors.ErrCodeSchedulerStopped))
}

func TestWithRetry(t *testing.T) {
	policy := RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, MaxTries: 3}

	t.Run("succeeds after transient failures", func(t *testing.T) {
		var calls atomic.Int32
		action := WithRetry(func(ctx context.Context) error {
			if calls.Add(1) < 3 {
				return fmt.Errorf("transient")
			}
			return nil
		}, policy)
		assert.NoError(t, action(context.Background()))
		assert.EqualValues(t, 3, calls.Load())
	})

	t.Run("gives up after max tries", func(t *testing.T) {
		var calls atomic.Int32
		action := WithRetry(func(ctx context.Context) error {
			calls.Add(1)
			return fmt.Errorf("always")
		}, policy)
		assert.EqualError(t, action(context.Background()), "always")
		assert.EqualValues(t, 3, calls.Load())
	})

	t.Run("permanent error stops early", func(t *testing.T) {
		var calls atomic.Int32
		action := WithRetry(func(ctx context.Context) error {
			calls.Add(1)
			return backoff.Permanent(fmt.Errorf("fatal"))
		}, policy)
		assert.EqualError(t, action(context.Background()), "fatal")
		assert.EqualValues(t, 1, calls.Load())
	})
}
