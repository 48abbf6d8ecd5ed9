// Package testutil holds helpers shared by the host's package tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// ShortTempDir creates a temporary directory under the system temp root.
// Unix socket paths are limited to about a hundred bytes, which the nested
// directories from t.TempDir can exceed.
func ShortTempDir(t *testing.T, prefix string) string {
	t.Helper()

	dir, err := os.MkdirTemp("", prefix)
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

// IsolateHome points BITHOST_HOME at dir so default paths stay inside it.
func IsolateHome(t *testing.T, dir string) {
	t.Helper()
	t.Setenv("BITHOST_HOME", dir)
}

// WriteConfig writes body as bithost.yml in dir and returns its path.
func WriteConfig(t *testing.T, dir, body string) string {
	t.Helper()

	path := filepath.Join(dir, "bithost.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

// SocketPath returns a socket path inside dir.
func SocketPath(dir string) string {
	return filepath.Join(dir, "api.sock")
}
