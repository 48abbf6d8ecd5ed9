package errors

import (
	"fmt"
	"time"
)

// ConfigNotFound creates a configuration not found error
func ConfigNotFound(path string) *HostError {
	return New(ErrCodeConfigNotFound, fmt.Sprintf("configuration file not found: %s", path)).
		WithDetail("path", path)
}

// ConfigInvalid creates an invalid configuration error
func ConfigInvalid(reason string) *HostError {
	return New(ErrCodeConfigInvalid, fmt.Sprintf("invalid configuration: %s", reason))
}

// InvalidInput creates an error for a rejected argument at registration time.
func InvalidInput(field, reason string) *HostError {
	return New(ErrCodeInvalidInput, fmt.Sprintf("invalid %s: %s", field, reason)).
		WithDetail("field", field)
}

// StoreClosed is returned when an update is submitted after shutdown has begun.
// Callers should treat it as final and not retry.
func StoreClosed(store string) *HostError {
	return New(ErrCodeStoreClosed, fmt.Sprintf("store '%s' is closed", store)).
		WithDetail("store", store)
}

// TaskAlreadyScheduled creates a duplicate task name error
func TaskAlreadyScheduled(name string) *HostError {
	return New(ErrCodeTaskAlreadyScheduled, fmt.Sprintf("task '%s' is already scheduled", name)).
		WithDetail("task", name)
}

// SchedulerStopped creates an error for registrations after the scheduler stopped
func SchedulerStopped(name string) *HostError {
	return New(ErrCodeSchedulerStopped, fmt.Sprintf("scheduler is stopping; cannot schedule '%s'", name)).
		WithDetail("task", name)
}

// RunnerStopTimeout reports a runner loop that did not exit within its grace period.
func RunnerStopTimeout(name string, grace time.Duration) *HostError {
	return New(ErrCodeRunnerStopTimeout,
		fmt.Sprintf("runner '%s' did not stop within %s; loop abandoned", name, grace)).
		WithDetail("runner", name).
		WithDetail("grace", grace.String())
}

// RunnerNotFound creates a runner not found error
func RunnerNotFound(name string) *HostError {
	return New(ErrCodeRunnerNotFound, fmt.Sprintf("runner '%s' not found", name)).
		WithDetail("runner", name)
}

// BitNotFound creates a bit not found error
func BitNotFound(name string) *HostError {
	return New(ErrCodeBitNotFound, fmt.Sprintf("bit '%s' not found", name)).
		WithDetail("bit", name)
}

// DaemonRunning reports that another host instance holds the pid file.
func DaemonRunning(pid int) *HostError {
	return New(ErrCodeDaemonRunning, fmt.Sprintf("host already running with PID %d", pid)).
		WithDetail("pid", pid)
}
