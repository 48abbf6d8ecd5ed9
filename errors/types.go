package errors

import (
	"encoding/json"
	"fmt"
)

// ErrorCode represents a specific error condition
type ErrorCode string

const (
	// Configuration errors
	ErrCodeConfigNotFound   ErrorCode = "CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid    ErrorCode = "CONFIG_INVALID"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"

	// State store errors
	ErrCodeStoreClosed ErrorCode = "STORE_CLOSED"

	// Scheduler errors
	ErrCodeTaskAlreadyScheduled ErrorCode = "TASK_ALREADY_SCHEDULED"
	ErrCodeSchedulerStopped     ErrorCode = "SCHEDULER_STOPPED"

	// Runner errors
	ErrCodeRunnerStopTimeout ErrorCode = "RUNNER_STOP_TIMEOUT"
	ErrCodeRunnerNotFound    ErrorCode = "RUNNER_NOT_FOUND"

	// Host errors
	ErrCodeBitNotFound   ErrorCode = "BIT_NOT_FOUND"
	ErrCodeDaemonRunning ErrorCode = "DAEMON_RUNNING"

	// General errors
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
)

// HostError represents a structured error with context
type HostError struct {
	Code    ErrorCode              `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface
func (e *HostError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap implements the errors.Unwrap interface
func (e *HostError) Unwrap() error {
	return e.Cause
}

// WithDetail adds a detail to the error
func (e *HostError) WithDetail(key string, value interface{}) *HostError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ToJSON converts the error to JSON
func (e *HostError) ToJSON() string {
	data, _ := json.MarshalIndent(e, "", "  ")
	return string(data)
}

// New creates a new HostError
func New(code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with a HostError
func Wrap(err error, code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Is checks if an error is a specific HostError code
func Is(err error, code ErrorCode) bool {
	return GetCode(err) == code && code != ""
}

// GetCode extracts the error code from an error, walking the Unwrap chain.
func GetCode(err error) ErrorCode {
	if err == nil {
		return ""
	}

	hostErr, ok := err.(*HostError)
	if !ok {
		if unwrapper, ok := err.(interface{ Unwrap() error }); ok {
			return GetCode(unwrapper.Unwrap())
		}
		return ""
	}

	return hostErr.Code
}
