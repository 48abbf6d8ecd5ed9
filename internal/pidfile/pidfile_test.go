package pidfile

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/grovetools/bithost/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "bithost.pid")

	require.NoError(t, Acquire(path))
	pid, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	running, pid, err := IsRunning(path)
	require.NoError(t, err)
	assert.True(t, running)
	assert.Equal(t, os.Getpid(), pid)

	// Re-acquiring from the same process is allowed.
	require.NoError(t, Acquire(path))

	require.NoError(t, Release(path))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, Release(path))
}

func TestAcquire_LiveOwner(t *testing.T) {
	cmd := exec.Command("sleep", "10")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})

	path := filepath.Join(t.TempDir(), "bithost.pid")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(cmd.Process.Pid)), 0o644))

	err := Acquire(path)
	assert.True(t, errors.Is(err, errors.ErrCodeDaemonRunning))

	// Release leaves another process's file alone.
	require.NoError(t, Release(path))
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestAcquire_StaleFile(t *testing.T) {
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())

	path := filepath.Join(t.TempDir(), "bithost.pid")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(cmd.Process.Pid)), 0o644))

	require.NoError(t, Acquire(path))
	pid, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestIsRunning_NoFile(t *testing.T) {
	running, pid, err := IsRunning(filepath.Join(t.TempDir(), "missing.pid"))
	require.NoError(t, err)
	assert.False(t, running)
	assert.Zero(t, pid)
}
