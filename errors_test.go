package cancel

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestErrorTypes(t *testing.T) {
	cases := []struct {
		err      error
		sentinel error
		code     string
	}{
		{NewAlreadyActiveError("sub-1", "i-1"), ErrAlreadyActive, ErrCodeAlreadyActive},
		{NewUnknownInstanceError("i-1"), ErrUnknownInstance, ErrCodeUnknownInstance},
		{NewNotAwaitingSignalError("i-1", StatusNavigating), ErrNotAwaitingSignal, ErrCodeNotAwaitingSignal},
		{NewNotSupportedError("abort"), ErrNotSupported, ErrCodeNotSupported},
		{NewInvalidRequestError("loginUrl"), ErrInvalidRequest, ErrCodeInvalidRequest},
		{NewActivityTimeoutError(ActivityBegin, time.Second), ErrActivityTimeout, ErrCodeActivityTimeout},
		{NewTerminalActivityError(ActivityBegin, errors.New("x")), ErrTerminalActivity, ErrCodeTerminalActivity},
		{NewRetriesExhaustedError(ActivityBegin, 3, errors.New("x")), ErrRetriesExhausted, ErrCodeRetriesExhausted},
		{NewVersionConflictError("i-1", 2), ErrVersionConflict, ErrCodeVersionConflict},
		{NewInstanceLockedError("i-1"), ErrInstanceLocked, ErrCodeInstanceLocked},
	}

	for _, tc := range cases {
		if !errors.Is(tc.err, tc.sentinel) {
			t.Errorf("%T does not match its sentinel", tc.err)
		}
		if !strings.Contains(tc.err.Error(), tc.code) {
			t.Errorf("%T message %q missing code %s", tc.err, tc.err.Error(), tc.code)
		}
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("session expired")
	err := NewTerminalActivityError(ActivitySubmit2FA, cause)
	if !errors.Is(err, cause) {
		t.Error("terminal error must unwrap to its cause")
	}

	exhausted := NewRetriesExhaustedError(ActivityBegin, 3, cause)
	if !errors.Is(exhausted, cause) {
		t.Error("retries-exhausted error must unwrap to the last error")
	}
	if IsTerminalFailure(exhausted) {
		t.Error("retries-exhausted is not a terminal classification")
	}
}

func TestTruncateError(t *testing.T) {
	if got := TruncateError(nil); got != "" {
		t.Errorf("nil error = %q, want empty", got)
	}

	short := errors.New("short")
	if got := TruncateError(short); got != "short" {
		t.Errorf("short error = %q", got)
	}

	long := fmt.Errorf("%s", strings.Repeat("x", MaxErrorLength*2))
	got := TruncateError(long)
	if len(got) != MaxErrorLength {
		t.Errorf("truncated length = %d, want %d", len(got), MaxErrorLength)
	}
	if !strings.HasSuffix(got, "... [TRUNCATED]") {
		t.Errorf("missing truncation marker: %q", got[len(got)-20:])
	}
}
