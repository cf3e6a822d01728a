package cancel

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for errors.Is() support
var (
	ErrAlreadyActive     = errors.New("already active")
	ErrUnknownInstance   = errors.New("unknown instance")
	ErrNotAwaitingSignal = errors.New("not awaiting signal")
	ErrNotSupported      = errors.New("not supported")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrActivityTimeout   = errors.New("activity timeout")
	ErrTerminalActivity  = errors.New("terminal activity failure")
	ErrRetriesExhausted  = errors.New("retries exhausted")
	ErrVersionConflict   = errors.New("version conflict")
	ErrInstanceLocked    = errors.New("instance locked")
)

// Error codes for engine errors
const (
	ErrCodeAlreadyActive     = "ALREADY_ACTIVE"
	ErrCodeUnknownInstance   = "UNKNOWN_INSTANCE"
	ErrCodeNotAwaitingSignal = "NOT_AWAITING_SIGNAL"
	ErrCodeNotSupported      = "NOT_SUPPORTED"
	ErrCodeInvalidRequest    = "INVALID_REQUEST"
	ErrCodeActivityTimeout   = "ACTIVITY_TIMEOUT"
	ErrCodeTerminalActivity  = "TERMINAL_ACTIVITY"
	ErrCodeRetriesExhausted  = "RETRIES_EXHAUSTED"
	ErrCodeVersionConflict   = "VERSION_CONFLICT"
	ErrCodeInstanceLocked    = "INSTANCE_LOCKED"
)

// EngineError is the base error type for all engine errors.
type EngineError struct {
	Code    string
	Message string
	Cause   error
}

func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// AlreadyActiveError is returned when a subscription already has a
// non-terminal instance. New requests are rejected, not queued.
type AlreadyActiveError struct {
	EngineError
	SubscriptionID string
	InstanceID     string
}

// NewAlreadyActiveError creates a new AlreadyActiveError.
func NewAlreadyActiveError(subscriptionID, instanceID string) *AlreadyActiveError {
	return &AlreadyActiveError{
		EngineError: EngineError{
			Code:    ErrCodeAlreadyActive,
			Message: fmt.Sprintf("subscription '%s' already has active instance '%s'", subscriptionID, instanceID),
		},
		SubscriptionID: subscriptionID,
		InstanceID:     instanceID,
	}
}

func (e *AlreadyActiveError) Is(target error) bool {
	return target == ErrAlreadyActive
}

// UnknownInstanceError is returned for signals or queries against an
// instance that does not exist.
type UnknownInstanceError struct {
	EngineError
	InstanceID string
}

// NewUnknownInstanceError creates a new UnknownInstanceError.
func NewUnknownInstanceError(instanceID string) *UnknownInstanceError {
	return &UnknownInstanceError{
		EngineError: EngineError{
			Code:    ErrCodeUnknownInstance,
			Message: fmt.Sprintf("no instance with id '%s'", instanceID),
		},
		InstanceID: instanceID,
	}
}

func (e *UnknownInstanceError) Is(target error) bool {
	return target == ErrUnknownInstance
}

// NotAwaitingSignalError is returned when a 2FA code is submitted to an
// instance that is not currently blocked in AWAITING_2FA, or whose single
// signal slot has already been filled.
type NotAwaitingSignalError struct {
	EngineError
	InstanceID string
	Status     Status
}

// NewNotAwaitingSignalError creates a new NotAwaitingSignalError.
func NewNotAwaitingSignalError(instanceID string, status Status) *NotAwaitingSignalError {
	return &NotAwaitingSignalError{
		EngineError: EngineError{
			Code:    ErrCodeNotAwaitingSignal,
			Message: fmt.Sprintf("instance '%s' is %s, not awaiting a 2FA code", instanceID, status),
		},
		InstanceID: instanceID,
		Status:     status,
	}
}

func (e *NotAwaitingSignalError) Is(target error) bool {
	return target == ErrNotAwaitingSignal
}

// NotSupportedError is returned for operations outside the engine's
// contract, such as external aborts.
type NotSupportedError struct {
	EngineError
	Operation string
}

// NewNotSupportedError creates a new NotSupportedError.
func NewNotSupportedError(operation string) *NotSupportedError {
	return &NotSupportedError{
		EngineError: EngineError{
			Code:    ErrCodeNotSupported,
			Message: fmt.Sprintf("operation '%s' is not supported", operation),
		},
		Operation: operation,
	}
}

func (e *NotSupportedError) Is(target error) bool {
	return target == ErrNotSupported
}

// InvalidRequestError is returned when a cancellation request is missing
// required fields.
type InvalidRequestError struct {
	EngineError
	Field string
}

// NewInvalidRequestError creates a new InvalidRequestError.
func NewInvalidRequestError(field string) *InvalidRequestError {
	return &InvalidRequestError{
		EngineError: EngineError{
			Code:    ErrCodeInvalidRequest,
			Message: fmt.Sprintf("request field '%s' is required", field),
		},
		Field: field,
	}
}

func (e *InvalidRequestError) Is(target error) bool {
	return target == ErrInvalidRequest
}

// ActivityTimeoutError is returned when one activity attempt exceeds its
// wall-clock timeout. It classifies as retryable.
type ActivityTimeoutError struct {
	EngineError
	Activity  string
	TimeoutMs int64
}

// NewActivityTimeoutError creates a new ActivityTimeoutError.
func NewActivityTimeoutError(activity string, timeout time.Duration) *ActivityTimeoutError {
	return &ActivityTimeoutError{
		EngineError: EngineError{
			Code:    ErrCodeActivityTimeout,
			Message: fmt.Sprintf("activity '%s' exceeded timeout of %d ms", activity, timeout.Milliseconds()),
		},
		Activity:  activity,
		TimeoutMs: timeout.Milliseconds(),
	}
}

func (e *ActivityTimeoutError) Is(target error) bool {
	return target == ErrActivityTimeout
}

// TerminalActivityError wraps a collaborator failure that must not be
// retried: invalid credentials, a rejected 2FA code, an expired session.
type TerminalActivityError struct {
	EngineError
	Activity string
}

// NewTerminalActivityError creates a new TerminalActivityError.
func NewTerminalActivityError(activity string, cause error) *TerminalActivityError {
	return &TerminalActivityError{
		EngineError: EngineError{
			Code:    ErrCodeTerminalActivity,
			Message: fmt.Sprintf("activity '%s' failed terminally", activity),
			Cause:   cause,
		},
		Activity: activity,
	}
}

func (e *TerminalActivityError) Is(target error) bool {
	return target == ErrTerminalActivity
}

// RetriesExhaustedError is returned when an activity has used every attempt
// the retry policy allows. It carries the last error observed.
type RetriesExhaustedError struct {
	EngineError
	Activity string
	Attempts int
}

// NewRetriesExhaustedError creates a new RetriesExhaustedError.
func NewRetriesExhaustedError(activity string, attempts int, lastErr error) *RetriesExhaustedError {
	return &RetriesExhaustedError{
		EngineError: EngineError{
			Code:    ErrCodeRetriesExhausted,
			Message: fmt.Sprintf("activity '%s' failed after %d attempts", activity, attempts),
			Cause:   lastErr,
		},
		Activity: activity,
		Attempts: attempts,
	}
}

func (e *RetriesExhaustedError) Is(target error) bool {
	return target == ErrRetriesExhausted
}

// VersionConflictError is returned by the storage layer when an optimistic
// update lost a race. Under the engine's single-writer discipline this
// indicates a second process touched the instance.
type VersionConflictError struct {
	EngineError
	InstanceID string
	Version    int64
}

// NewVersionConflictError creates a new VersionConflictError.
func NewVersionConflictError(instanceID string, version int64) *VersionConflictError {
	return &VersionConflictError{
		EngineError: EngineError{
			Code:    ErrCodeVersionConflict,
			Message: fmt.Sprintf("instance '%s' version %d is stale", instanceID, version),
		},
		InstanceID: instanceID,
		Version:    version,
	}
}

func (e *VersionConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

// InstanceLockedError is returned when another process holds the execution
// lock for an instance.
type InstanceLockedError struct {
	EngineError
	InstanceID string
}

// NewInstanceLockedError creates a new InstanceLockedError.
func NewInstanceLockedError(instanceID string) *InstanceLockedError {
	return &InstanceLockedError{
		EngineError: EngineError{
			Code:    ErrCodeInstanceLocked,
			Message: fmt.Sprintf("instance '%s' is locked by another process", instanceID),
		},
		InstanceID: instanceID,
	}
}

func (e *InstanceLockedError) Is(target error) bool {
	return target == ErrInstanceLocked
}

// IsTerminalFailure reports whether err must not be retried.
func IsTerminalFailure(err error) bool {
	return errors.Is(err, ErrTerminalActivity)
}

// TruncateError truncates an error message to MaxErrorLength.
func TruncateError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) <= MaxErrorLength {
		return msg
	}
	marker := "... [TRUNCATED]"
	return msg[:MaxErrorLength-len(marker)] + marker
}
