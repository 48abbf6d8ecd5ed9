package runner

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grovetools/bithost/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type loopStats struct {
	alive, peak atomic.Int32
}

func (s *loopStats) loop() Loop { return blockingLoop(&s.alive, &s.peak) }

func TestRegistry_StopAllThenStartAllResumesEachOnce(t *testing.T) {
	reg := NewRegistry(nil)
	stats := map[string]*loopStats{"a": {}, "b": {}, "c": {}}
	for name, s := range stats {
		require.NoError(t, reg.Register(New(name, "panel", s.loop(), nil)))
	}

	reg.StartAll()
	reg.StartAll()
	for name, s := range stats {
		s := s
		require.Eventually(t, func() bool { return s.alive.Load() == 1 }, time.Second, 5*time.Millisecond, name)
	}

	require.NoError(t, reg.StopAll())
	for _, s := range stats {
		assert.EqualValues(t, 0, s.alive.Load())
	}

	reg.StartAll()
	for name, s := range stats {
		s := s
		require.Eventually(t, func() bool { return s.alive.Load() == 1 }, time.Second, 5*time.Millisecond, name)
		r, _ := reg.Get(name)
		assert.EqualValues(t, 2, r.Starts(), name)
		assert.EqualValues(t, 1, s.peak.Load(), "duplicate loop for %s", name)
	}
	require.NoError(t, reg.StopAll())
}

func TestRegistry_RegisterReplacesAndStopsOld(t *testing.T) {
	reg := NewRegistry(nil)
	var first, second loopStats

	old := New("poll", "vitals", first.loop(), nil)
	require.NoError(t, reg.Register(old))
	reg.StartAll()
	require.Eventually(t, func() bool { return first.alive.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, reg.Register(New("poll", "vitals", second.loop(), nil)))
	assert.False(t, old.Running())
	assert.Equal(t, 1, reg.Len())

	reg.StartAll()
	require.Eventually(t, func() bool { return second.alive.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 0, first.alive.Load())
	require.NoError(t, reg.StopAll())
}

func TestRegistry_ClearForgetsWithoutStopping(t *testing.T) {
	reg := NewRegistry(nil)
	var s loopStats
	r := New("orphan", "owner", s.loop(), nil)
	require.NoError(t, reg.Register(r))
	reg.StartAll()
	require.Eventually(t, r.Running, time.Second, 5*time.Millisecond)

	reg.Clear()
	assert.Equal(t, 0, reg.Len())
	assert.True(t, r.Running(), "Clear must not stop runners")

	require.NoError(t, r.Stop())
}

func TestRegistry_Remove(t *testing.T) {
	reg := NewRegistry(nil)
	var s loopStats
	require.NoError(t, reg.Register(New("a", "owner", s.loop(), nil)))
	require.NoError(t, reg.Register(New("b", "owner", s.loop(), nil)))

	assert.True(t, reg.Remove("a"))
	assert.False(t, reg.Remove("a"))
	assert.Equal(t, []string{"b"}, reg.Names())
}

func TestRegistry_StartStopByName(t *testing.T) {
	reg := NewRegistry(nil)
	var s loopStats
	require.NoError(t, reg.Register(New("one", "owner", s.loop(), nil)))

	require.NoError(t, reg.Start("one"))
	require.Eventually(t, func() bool { return s.alive.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, reg.Stop("one"))

	assert.True(t, errors.Is(reg.Start("missing"), errors.ErrCodeRunnerNotFound))
	assert.True(t, errors.Is(reg.Stop("missing"), errors.ErrCodeRunnerNotFound))
	assert.Equal(t, []string{"one"}, reg.Names())
}

func TestRegistry_StopAllCollectsTimeouts(t *testing.T) {
	reg := NewRegistry(nil)
	release := make(chan struct{})
	defer close(release)

	stuck := func(ctx context.Context) error { <-release; return nil }
	require.NoError(t, reg.Register(New("s1", "o", stuck, nil, WithGracePeriod(10*time.Millisecond))))
	require.NoError(t, reg.Register(New("s2", "o", stuck, nil, WithGracePeriod(10*time.Millisecond))))
	var ok loopStats
	require.NoError(t, reg.Register(New("fine", "o", ok.loop(), nil)))

	reg.StartAll()
	err := reg.StopAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s1")
	assert.Contains(t, err.Error(), "s2")
	assert.NotContains(t, err.Error(), "fine")
}

func TestRegistry_Reconfigure(t *testing.T) {
	reg := NewRegistry(nil)
	var before, after loopStats
	require.NoError(t, reg.Register(New("old", "panel", before.loop(), nil)))
	reg.StartAll()
	require.Eventually(t, func() bool { return before.alive.Load() == 1 }, time.Second, 5*time.Millisecond)

	err := reg.Reconfigure(func(reg *Registry) error {
		return reg.Register(New("new", "panel", after.loop(), nil))
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"new"}, reg.Names())
	assert.EqualValues(t, 0, before.alive.Load())
	require.Eventually(t, func() bool { return after.alive.Load() == 1 }, time.Second, 5*time.Millisecond)

	err = reg.Reconfigure(func(reg *Registry) error { return fmt.Errorf("bad config") })
	assert.EqualError(t, err, "bad config")
	assert.Equal(t, 0, reg.Len())
	assert.EqualValues(t, 0, after.alive.Load())
}
