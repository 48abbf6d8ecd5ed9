package vitals

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grovetools/bithost/config"
	"github.com/grovetools/bithost/internal/host"
	"github.com/grovetools/bithost/pkg/bus"
	"github.com/grovetools/bithost/pkg/procwatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHost(t *testing.T, doc string, lookup procwatch.Lookup) *host.Host {
	t.Helper()
	t.Setenv("BITHOST_HOME", t.TempDir())
	cfg, err := config.LoadFromBytes([]byte(doc), config.FormatYAML)
	require.NoError(t, err)

	h := host.New(cfg, map[string]host.Factory{Name: NewFactory(WithLookup(lookup))}, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.Close(ctx)
	})
	return h
}

func state(t *testing.T, h *host.Host) State {
	snap, err := h.BitSnapshot(Name)
	require.NoError(t, err)
	return snap.(State)
}

func TestVitals_TracksProcess(t *testing.T) {
	var running atomic.Bool
	lookup := func(ctx context.Context, name string) ([]int, error) {
		assert.Equal(t, "Game", name)
		if running.Load() {
			return []int{777}, nil
		}
		return nil, nil
	}

	h := startHost(t, "version: \"1.0\"\nbits:\n  vitals:\n    process: Game\n    interval: 10ms\n", lookup)

	var mu sync.Mutex
	var seen []procwatch.Kind
	ProcessChanged.Subscribe(h.Bus(), func(ctx context.Context, change procwatch.ProcessChange, md bus.Metadata) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, Name, md.Source)
		seen = append(seen, change.Kind)
	})

	require.NoError(t, h.Start(context.Background()))

	require.Eventually(t, func() bool {
		return !state(t, h).Since.IsZero()
	}, 2*time.Second, 5*time.Millisecond)
	s := state(t, h)
	assert.Equal(t, "Game", s.Process)
	assert.False(t, s.Running)
	assert.Zero(t, s.Transitions)

	running.Store(true)
	require.Eventually(t, func() bool { return state(t, h).Running }, 2*time.Second, 5*time.Millisecond)
	s = state(t, h)
	assert.Equal(t, 777, s.PID)
	assert.Equal(t, 1, s.Transitions)

	running.Store(false)
	require.Eventually(t, func() bool { return state(t, h).Transitions == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, state(t, h).Running)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []procwatch.Kind{procwatch.Stopped, procwatch.Started, procwatch.Stopped}, seen)
}

func TestVitals_ReloadKeepsTransitions(t *testing.T) {
	lookup := func(ctx context.Context, name string) ([]int, error) {
		return []int{42}, nil
	}
	h := startHost(t, "version: \"1.0\"\nbits:\n  vitals:\n    process: Game\n    interval: 10ms\n", lookup)
	require.NoError(t, h.Start(context.Background()))
	require.Eventually(t, func() bool { return state(t, h).Running }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.Reload(context.Background()))
	time.Sleep(50 * time.Millisecond)
	s := state(t, h)
	assert.True(t, s.Running)
	assert.Zero(t, s.Transitions, "a restarted hub re-reports without a transition")
}

func TestVitals_RequiresProcess(t *testing.T) {
	h := startHost(t, "version: \"1.0\"\nbits:\n  vitals:\n    interval: 1s\n", nil)
	require.NoError(t, h.Start(context.Background()))
	assert.Empty(t, h.BitNames())
}
