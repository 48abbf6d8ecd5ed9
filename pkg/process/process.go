package process

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
)

// IsProcessAlive checks if a process with the given PID is still running.
// It uses a signal-sending method that is cross-platform for Unix-like systems (macOS, Linux).
func IsProcessAlive(pid int) bool {
	// PID 0 or less is invalid.
	if pid <= 0 {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// Signal 0 probes for existence. EPERM still means the process exists.
	err = process.Signal(syscall.Signal(0))
	return err == nil || os.IsPermission(err)
}

// procRoot is swapped in tests.
var procRoot = "/proc"

// FindByName returns the PIDs of live processes whose executable name equals
// name, lowest first. It reads /proc where available and falls back to
// pgrep elsewhere (macOS). An empty result with a nil error means no match.
func FindByName(ctx context.Context, name string) ([]int, error) {
	if name == "" {
		return nil, nil
	}
	if info, err := os.Stat(procRoot); err == nil && info.IsDir() {
		return scanProc(name)
	}
	return pgrep(ctx, name)
}

func scanProc(name string) ([]int, error) {
	entries, err := os.ReadDir(procRoot)
	if err != nil {
		return nil, err
	}

	var pids []int
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || pid <= 0 {
			continue
		}
		comm, err := os.ReadFile(filepath.Join(procRoot, entry.Name(), "comm"))
		if err != nil {
			// Exited between ReadDir and ReadFile.
			continue
		}
		if matchesComm(strings.TrimSpace(string(comm)), name) {
			pids = append(pids, pid)
		}
	}
	sort.Ints(pids)
	return pids, nil
}

// matchesComm compares against the kernel's comm field, which truncates
// names to 15 bytes.
func matchesComm(comm, name string) bool {
	if comm == name {
		return true
	}
	return len(name) > 15 && len(comm) == 15 && strings.HasPrefix(name, comm)
}

func pgrep(ctx context.Context, name string) ([]int, error) {
	out, err := exec.CommandContext(ctx, "pgrep", "-x", name).Output()
	if err != nil {
		// Exit status 1 means nothing matched.
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return nil, nil
		}
		return nil, err
	}

	var pids []int
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		if pid, err := strconv.Atoi(strings.TrimSpace(scanner.Text())); err == nil {
			pids = append(pids, pid)
		}
	}
	sort.Ints(pids)
	return pids, scanner.Err()
}
