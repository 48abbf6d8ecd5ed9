package profiling

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCobraProfiler_WritesProfiles(t *testing.T) {
	dir := t.TempDir()
	cpu := filepath.Join(dir, "cpu.pprof")
	mem := filepath.Join(dir, "mem.pprof")

	root := &cobra.Command{Use: "root", RunE: func(*cobra.Command, []string) error { return nil }}
	NewCobraProfiler().Attach(root)

	var stderr bytes.Buffer
	root.SetErr(&stderr)
	root.SetArgs([]string{"--cpu-profile", cpu, "--mem-profile", mem})
	require.NoError(t, root.Execute())

	for _, path := range []string{cpu, mem} {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.NotZero(t, info.Size())
	}
	assert.Contains(t, stderr.String(), "CPU profile written")
	assert.Contains(t, stderr.String(), "Memory profile written")
}

func TestCobraProfiler_NoFlagsIsNoop(t *testing.T) {
	root := &cobra.Command{Use: "root", RunE: func(*cobra.Command, []string) error { return nil }}
	NewCobraProfiler().Attach(root)

	var stderr bytes.Buffer
	root.SetErr(&stderr)
	root.SetArgs(nil)
	require.NoError(t, root.Execute())
	assert.Empty(t, stderr.String())
}

func TestCobraProfiler_BadPath(t *testing.T) {
	root := &cobra.Command{Use: "root", RunE: func(*cobra.Command, []string) error { return nil }}
	NewCobraProfiler().Attach(root)
	root.SilenceUsage = true
	root.SilenceErrors = true
	root.SetArgs([]string{"--cpu-profile", filepath.Join(t.TempDir(), "missing", "cpu.pprof")})
	assert.Error(t, root.Execute())
}
