// Package paths provides XDG-compliant path resolution for bithost.
//
// Resolution order:
// 1. BITHOST_HOME (portable root) → $BITHOST_HOME/{config,state,run}
// 2. XDG env vars → $XDG_*_HOME/bithost
// 3. Platform defaults → ~/.config/bithost, ~/.local/state/bithost
package paths

import (
	"os"
	"path/filepath"
)

const appName = "bithost"

// getConfigHome returns the base config home directory.
func getConfigHome() string {
	if home := os.Getenv("BITHOST_HOME"); home != "" {
		return filepath.Join(home, "config")
	}
	if xdgConfigHome := os.Getenv("XDG_CONFIG_HOME"); xdgConfigHome != "" {
		return xdgConfigHome
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".config")
	}
	return ""
}

// getStateHome returns the base state home directory.
func getStateHome() string {
	if home := os.Getenv("BITHOST_HOME"); home != "" {
		return filepath.Join(home, "state")
	}
	if xdgStateHome := os.Getenv("XDG_STATE_HOME"); xdgStateHome != "" {
		return xdgStateHome
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".local", "state")
	}
	return ""
}

// ConfigDir returns the bithost configuration directory.
func ConfigDir() string {
	base := getConfigHome()
	if base == "" {
		return ""
	}
	return filepath.Join(base, appName)
}

// StateDir returns the bithost state directory, used for the pid file and logs.
func StateDir() string {
	base := getStateHome()
	if base == "" {
		return ""
	}
	return filepath.Join(base, appName)
}

// RuntimeDir returns the directory for the API socket.
// Uses XDG_RUNTIME_DIR when available (Linux), falls back to StateDir (macOS).
func RuntimeDir() string {
	if home := os.Getenv("BITHOST_HOME"); home != "" {
		return filepath.Join(home, "run")
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, appName)
	}
	return StateDir()
}

// SocketPath returns the default path of the host's unix socket.
func SocketPath() string {
	return filepath.Join(RuntimeDir(), "bithost.sock")
}

// PidFilePath returns the default path of the host's PID file.
func PidFilePath() string {
	return filepath.Join(StateDir(), "bithost.pid")
}

// LogFilePath returns the default path of the host's log file.
func LogFilePath() string {
	return filepath.Join(StateDir(), "bithost.log")
}

// EnsureDirs creates the bithost directories if they don't exist.
func EnsureDirs() error {
	for _, dir := range []string{ConfigDir(), StateDir(), RuntimeDir()} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}
