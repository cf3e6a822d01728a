package cancel

import "time"

// Hard limits and defaults. Timeouts mirror the production flow: a browser
// attempt gets minutes, a human gets ten minutes to type a code.
const (
	// DefaultSignalWait is how long an instance blocks in AWAITING_2FA for
	// the user to provide a verification code.
	DefaultSignalWait = 10 * time.Minute

	// DefaultBeginTimeout bounds one attempt of the browser cancellation flow.
	DefaultBeginTimeout = 5 * time.Minute

	// DefaultNotifyTimeout bounds one push notification delivery attempt.
	DefaultNotifyTimeout = 30 * time.Second

	// DefaultVerifyTimeout bounds one 2FA code submission attempt.
	DefaultVerifyTimeout = 3 * time.Minute

	// DefaultProofTimeout bounds one proof capture attempt.
	DefaultProofTimeout = 30 * time.Second

	// MaxExecutionDuration caps one instance end to end and doubles as the
	// TTL handed to distributed lock implementations.
	MaxExecutionDuration = 30 * time.Minute

	// MaxErrorLength is the maximum length of error messages stored in DB (2KB).
	MaxErrorLength = 2048
)

// Status is the lifecycle state of a cancellation instance.
type Status string

const (
	StatusPending        Status = "PENDING"
	StatusStarting       Status = "STARTING"
	StatusNavigating     Status = "NAVIGATING"
	StatusAwaiting2FA    Status = "AWAITING_2FA"
	StatusVerifying2FA   Status = "VERIFYING_2FA"
	StatusCapturingProof Status = "CAPTURING_PROOF"
	StatusCompleted      Status = "COMPLETED"
	StatusFailed         Status = "FAILED"
	StatusTimeout        Status = "TIMEOUT"
)

// statusRank orders the forward path. Terminal states share the top rank so
// exactly one transition onto them is ever legal.
var statusRank = map[Status]int{
	StatusPending:        0,
	StatusStarting:       1,
	StatusNavigating:     2,
	StatusAwaiting2FA:    3,
	StatusVerifying2FA:   4,
	StatusCapturingProof: 5,
	StatusCompleted:      6,
	StatusFailed:         6,
	StatusTimeout:        6,
}

// Terminal reports whether s is a terminal state. Terminal instances are
// never mutated again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout:
		return true
	}
	return false
}

// Activity names. These key idempotency, replay skipping and history
// records, so they must stay stable across releases.
const (
	ActivityBegin        = "begin_cancellation"
	ActivityNotify       = "notify_user"
	ActivitySubmit2FA    = "submit_2fa_code"
	ActivityCaptureProof = "capture_proof"
)

// History record outcomes.
const (
	RecordTransition    = "transition"
	RecordSuccess       = "success"
	RecordFailure       = "failure"
	RecordRetry         = "retry"
	RecordTimeout       = "timeout"
	RecordSkipped       = "skipped"
	RecordSignal        = "signal_received"
	RecordSignalTimeout = "signal_timeout"
)

// ReasonSignalTimeout is the terminal reason when no 2FA code arrives in time.
const ReasonSignalTimeout = "2FA not provided in time"

// ReasonUnproven marks a cancellation that succeeded but whose evidence
// capture failed. The subscription is gone; only the proof is missing.
const ReasonUnproven = "cancelled_but_unproven"
