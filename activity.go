package cancel

import (
	"context"
	"fmt"
	"time"
)

// AttemptOutcome is the structured result classification reported by
// collaborators. The state machine branches on these values and never
// parses free-text messages.
type AttemptOutcome string

const (
	OutcomeSuccess           AttemptOutcome = "SUCCESS"
	OutcomeTwoFactorRequired AttemptOutcome = "TWO_FA_REQUIRED"
	OutcomeFailed            AttemptOutcome = "FAILED"
)

// StepKey derives the stable idempotency key for one activity of one
// instance. Collaborators use it to deduplicate retried side effects.
func StepKey(instanceID, activity string) string {
	return fmt.Sprintf("%s/%s", instanceID, activity)
}

// BeginRequest asks the executor to start a cancellation attempt.
type BeginRequest struct {
	Subscription   CancellationRequest `json:"subscription"`
	IdempotencyKey string              `json:"idempotencyKey"`
}

// BeginResult is the executor's report on a cancellation attempt. On
// SUCCESS or TWO_FA_REQUIRED the session handle references the live
// browser session for follow-up activities.
type BeginResult struct {
	Outcome       AttemptOutcome `json:"outcome"`
	SessionHandle string         `json:"sessionHandle,omitempty"`
	Message       string         `json:"message,omitempty"`
}

// SubmitRequest injects a user-provided 2FA code into a live session.
type SubmitRequest struct {
	SessionHandle  string `json:"sessionHandle"`
	Code           string `json:"code"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// SubmitResult is the submitter's verdict on a 2FA code.
type SubmitResult struct {
	Outcome AttemptOutcome `json:"outcome"`
	Message string         `json:"message,omitempty"`
}

// CaptureRequest asks for evidence of a completed cancellation.
type CaptureRequest struct {
	SessionHandle  string `json:"sessionHandle"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// Proof is the captured evidence of a completed cancellation.
type Proof struct {
	ScreenshotRef string    `json:"screenshotRef"`
	VideoRef      string    `json:"videoRef,omitempty"`
	CapturedAt    time.Time `json:"capturedAt"`
}

// Notification is a best-effort push to the user's device.
type Notification struct {
	UserID string `json:"userId"`
	Title  string `json:"title"`
	Body   string `json:"body"`
}

// NotifyResult reports push delivery.
type NotifyResult struct {
	Delivered bool `json:"delivered"`
}

// AttemptExecutor drives the browser/LLM agent through a cancellation
// flow. Implementations must honor the idempotency key: a retried Begin
// with a key whose side effect already ran must not run it again.
type AttemptExecutor interface {
	Begin(ctx context.Context, req BeginRequest) (BeginResult, error)
}

// TwoFactorSubmitter injects a verification code into a live session.
type TwoFactorSubmitter interface {
	Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error)
}

// ProofCapturer captures screenshot/video evidence from a live session.
type ProofCapturer interface {
	Capture(ctx context.Context, req CaptureRequest) (Proof, error)
}

// Notifier sends a push notification. Delivery is best-effort; the state
// machine logs failures and moves on.
type Notifier interface {
	Notify(ctx context.Context, n Notification) (NotifyResult, error)
}

// Collaborators bundles the external contracts the engine drives.
// Executor, Submitter and Capturer are required; Notifier is optional.
type Collaborators struct {
	Executor  AttemptExecutor
	Submitter TwoFactorSubmitter
	Capturer  ProofCapturer
	Notifier  Notifier
}
