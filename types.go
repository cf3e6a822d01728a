// Package cancel provides a crash-resilient orchestration engine for
// subscription cancellations.
//
// One instance drives one cancellation attempt: it sequences browser
// activities through an external executor, pauses for a human-provided
// two-factor code, retries transient failures with backoff, and records
// proof of completion. Every transition is persisted before the next
// activity starts, so a restarted process can resume in-flight instances
// from their history without re-running completed side effects.
//
// Key features:
//   - Crash resilience: append-only history is the source of truth; Resume
//     re-enters suspended instances after a restart
//   - Single-writer discipline: never two concurrent transitions on one
//     instance, enforced per instance and via pluggable locks
//   - Human-in-the-loop: a single-slot 2FA mailbox with atomic
//     take-and-clear semantics and a bounded wait
//   - Required idempotency: every activity payload carries a stable key
//     derived from the instance ID and step name
//
// Example:
//
//	store := cancel.NewMemoryStorage()
//	engine, _ := cancel.NewEngine(store, cancel.Collaborators{
//	    Executor:  browserExec,
//	    Submitter: browserExec,
//	    Capturer:  browserExec,
//	    Notifier:  pushGateway,
//	}, cancel.EngineOptions{})
//	id, _ := engine.StartCancellation(ctx, req)
//	// later, when the user types the code from their SMS:
//	_ = engine.SubmitTwoFactorCode(ctx, id, "482913")
package cancel

import (
	"encoding/json"
	"time"
)

// CancellationRequest is the immutable input of one cancellation attempt.
// Credentials travel as an opaque sealed handle; the engine never sees
// plaintext.
type CancellationRequest struct {
	SubscriptionID string           `json:"subscriptionId"`
	UserID         string           `json:"userId"`
	ServiceName    string           `json:"serviceName"`
	LoginURL       string           `json:"loginUrl"`
	Credentials    CredentialHandle `json:"credentials,omitempty"`
	AnnualCost     float64          `json:"annualCost,omitempty"`
}

// Result is the terminal payload of an instance.
type Result struct {
	ScreenshotRef  string    `json:"screenshotRef,omitempty"`
	VideoRef       string    `json:"videoRef,omitempty"`
	CancelledAt    time.Time `json:"cancelledAt,omitempty"`
	SavingsPerYear float64   `json:"savingsPerYear,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	ProofMissing   bool      `json:"proofMissing,omitempty"`
}

// HistoryEntry is one record in an instance's append-only history.
// Transitions, activity attempts and signal events all land here; the
// current status and session handle are re-derivable from the sequence.
type HistoryEntry struct {
	Seq       int             `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	From      Status          `json:"from,omitempty"`
	To        Status          `json:"to,omitempty"`
	Activity  string          `json:"activity,omitempty"`
	Attempt   int             `json:"attempt,omitempty"`
	Outcome   string          `json:"outcome"`
	Delay     time.Duration   `json:"delay,omitempty"`
	Detail    string          `json:"detail,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// InstanceRecord is the persisted state of one cancellation instance.
type InstanceRecord struct {
	ID             string              `json:"id"`
	SubscriptionID string              `json:"subscriptionId"`
	UserID         string              `json:"userId"`
	Status         Status              `json:"status"`
	Request        CancellationRequest `json:"request"`
	SessionHandle  string              `json:"sessionHandle,omitempty"`
	PendingSignal  string              `json:"pendingSignal,omitempty"`
	RetryCount     int                 `json:"retryCount"`
	Result         *Result             `json:"result,omitempty"`
	Version        int64               `json:"version"`
	CreatedAt      time.Time           `json:"createdAt"`
	UpdatedAt      time.Time           `json:"updatedAt"`
}

// StatusSnapshot is the non-blocking view returned by GetStatus.
type StatusSnapshot struct {
	InstanceID string  `json:"instanceId"`
	Status     Status  `json:"status"`
	Result     *Result `json:"result,omitempty"`
}

// InstanceFilter is used to query instances.
type InstanceFilter struct {
	Status        []Status
	UserID        string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	UpdatedAfter  *time.Time
	Offset        int
	Limit         int
}

// InstanceQueryResult is the result of an instance query.
type InstanceQueryResult struct {
	Instances []InstanceRecord
	Total     int
}

// SavingsSummary aggregates completed cancellations for a user.
type SavingsSummary struct {
	TotalAnnualSavings float64 `json:"totalAnnualSavings"`
	CancelledCount     int     `json:"cancelledCount"`
}
