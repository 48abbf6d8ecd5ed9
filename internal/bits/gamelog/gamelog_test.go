package gamelog

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/grovetools/bithost/config"
	"github.com/grovetools/bithost/internal/host"
	"github.com/grovetools/bithost/pkg/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startGamelog(t *testing.T, section string) *host.Host {
	t.Helper()
	t.Setenv("BITHOST_HOME", t.TempDir())
	doc := "version: \"1.0\"\nbits:\n  gamelog:\n" + section
	cfg, err := config.LoadFromBytes([]byte(doc), config.FormatYAML)
	require.NoError(t, err)

	h := host.New(cfg, map[string]host.Factory{Name: NewFactory()}, nil)
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

func appendLines(t *testing.T, path string, lines ...string) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	require.NoError(t, err)
	defer f.Close()
	for _, l := range lines {
		_, err := fmt.Fprintln(f, l)
		require.NoError(t, err)
	}
}

func TestGamelog_CountsLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "game.log")
	appendLines(t, path, "boot", "ERROR early")

	h := startGamelog(t, fmt.Sprintf("    path: %s\n    match: ^ERROR\n    from_start: true\n    window: 50ms\n", path))

	var mu sync.Mutex
	var matched []string
	LineMatched.Subscribe(h.Bus(), func(ctx context.Context, line Line, md bus.Metadata) {
		mu.Lock()
		defer mu.Unlock()
		matched = append(matched, line.Text)
	})

	require.NoError(t, h.Start(context.Background()))
	require.Eventually(t, func() bool { return state(t, h).Lines == 2 }, 3*time.Second, 10*time.Millisecond)

	appendLines(t, path, "tick", "ERROR late", "tock")
	require.Eventually(t, func() bool { return state(t, h).Lines == 5 }, 3*time.Second, 10*time.Millisecond)

	s := state(t, h)
	assert.Equal(t, path, s.Path)
	assert.Equal(t, 2, s.Matches)
	assert.Equal(t, "ERROR late", s.LastMatch)
	assert.Equal(t, "tock", s.LastLine)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(matched) == 2
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"gamelog/rate"}, h.Scheduler().Names())
	assert.Eventually(t, func() bool { return state(t, h).LinesPerMinute == 0 }, 2*time.Second, 20*time.Millisecond,
		"rate decays to zero once the file is quiet")
}

func TestGamelog_RateReflectsWindow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "game.log")
	appendLines(t, path)

	h := startGamelog(t, fmt.Sprintf("    path: %s\n    window: 200ms\n", path))
	require.NoError(t, h.Start(context.Background()))

	// Wait for the tail to be in place before writing.
	time.Sleep(100 * time.Millisecond)
	appendLines(t, path, "a", "b", "c")

	require.Eventually(t, func() bool { return state(t, h).LinesPerMinute > 0 }, 3*time.Second, 10*time.Millisecond)
	// Each line in a 200ms window is worth 300 lines a minute.
	rate := state(t, h).LinesPerMinute
	assert.LessOrEqual(t, rate, 900.0)
	assert.InDelta(t, 0, math.Mod(rate, 300), 0.001)
}

func TestGamelog_InvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		section string
	}{
		{"no path", "    match: x\n"},
		{"bad regexp", "    path: /tmp/x.log\n    match: \"(\"\n"},
		{"zero window", "    path: /tmp/x.log\n    window: 0s\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := startGamelog(t, tt.section)
			require.NoError(t, h.Start(context.Background()))
			assert.Empty(t, h.BitNames())
		})
	}
}
