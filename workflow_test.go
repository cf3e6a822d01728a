package cancel

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestResumeAfterShutdownReplaysCompletedActivities(t *testing.T) {
	storage := NewMemoryStorage()
	ctx := context.Background()

	exec1 := twoFactorExecutor("sess-r")
	e1 := newTestEngine(t, storage, Collaborators{
		Executor:  exec1,
		Submitter: okSubmitter(),
		Capturer:  okCapturer(),
	}, testConfig())

	id, err := e1.StartCancellation(ctx, testRequest())
	if err != nil {
		t.Fatalf("StartCancellation: %v", err)
	}
	waitForStatus(t, storage, id, StatusAwaiting2FA)

	if err := e1.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	rec, _ := storage.GetInstance(ctx, id)
	if rec.Status != StatusAwaiting2FA {
		t.Fatalf("suspended status = %s, want AWAITING_2FA", rec.Status)
	}

	// A second engine picks the instance up from storage.
	exec2 := twoFactorExecutor("sess-r")
	submitter2 := okSubmitter()
	e2 := newTestEngine(t, storage, Collaborators{
		Executor:  exec2,
		Submitter: submitter2,
		Capturer:  okCapturer(),
	}, testConfig())

	resumed, err := e2.Resume(ctx)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed != 1 {
		t.Fatalf("resumed = %d, want 1", resumed)
	}

	if err := e2.SubmitTwoFactorCode(ctx, id, "775533"); err != nil {
		t.Fatalf("SubmitTwoFactorCode: %v", err)
	}
	waitForStatus(t, storage, id, StatusCompleted)

	// The begin side effect already ran in the first process; the resumed
	// run must replay it from history, not repeat it.
	if exec2.begins.Load() != 0 {
		t.Errorf("begin re-invoked %d times after resume", exec2.begins.Load())
	}
	if got := submitter2.lastCode.Load(); got != "775533" {
		t.Errorf("submitted code = %v, want 775533", got)
	}
}

func TestResumeReplaysConsumedSignal(t *testing.T) {
	storage := NewMemoryStorage()
	ctx := context.Background()

	// The first submitter never finishes: it simulates a process dying
	// after the code was consumed but before the submission completed.
	stuckSubmitter := &stubSubmitter{fn: func(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
		<-ctx.Done()
		return SubmitResult{}, ctx.Err()
	}}
	e1 := newTestEngine(t, storage, Collaborators{
		Executor:  twoFactorExecutor("sess-c"),
		Submitter: stuckSubmitter,
		Capturer:  okCapturer(),
	}, testConfig())

	id, err := e1.StartCancellation(ctx, testRequest())
	if err != nil {
		t.Fatalf("StartCancellation: %v", err)
	}
	waitForStatus(t, storage, id, StatusAwaiting2FA)
	if err := e1.SubmitTwoFactorCode(ctx, id, "990011"); err != nil {
		t.Fatalf("SubmitTwoFactorCode: %v", err)
	}
	waitForStatus(t, storage, id, StatusVerifying2FA)
	if err := e1.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	submitter2 := okSubmitter()
	e2 := newTestEngine(t, storage, Collaborators{
		Executor:  twoFactorExecutor("sess-c"),
		Submitter: submitter2,
		Capturer:  okCapturer(),
	}, testConfig())
	if _, err := e2.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitForStatus(t, storage, id, StatusCompleted)

	// The consumed code survives the restart via history.
	if got := submitter2.lastCode.Load(); got != "990011" {
		t.Errorf("replayed code = %v, want 990011", got)
	}
}

func TestRequeueRunsFreshAttempt(t *testing.T) {
	storage := NewMemoryStorage()
	ctx := context.Background()

	var healthy atomic.Bool
	exec := &stubExecutor{fn: func(c context.Context, req BeginRequest) (BeginResult, error) {
		if !healthy.Load() {
			return BeginResult{}, errors.New("provider 503")
		}
		return BeginResult{Outcome: OutcomeSuccess, SessionHandle: "sess-q"}, nil
	}}
	e := newTestEngine(t, storage, Collaborators{
		Executor:  exec,
		Submitter: okSubmitter(),
		Capturer:  okCapturer(),
	}, testConfig())

	id, err := e.StartCancellation(ctx, testRequest())
	if err != nil {
		t.Fatalf("StartCancellation: %v", err)
	}
	waitForStatus(t, storage, id, StatusFailed)
	firstBegins := exec.begins.Load()

	newCount, err := storage.Requeue(ctx, id)
	if err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if newCount != 1 {
		t.Errorf("retry count = %d, want 1", newCount)
	}

	healthy.Store(true)
	if _, err := e.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitForStatus(t, storage, id, StatusCompleted)

	// The requeued run must not replay the pre-requeue failure records;
	// begin executes again for real.
	if exec.begins.Load() <= firstBegins {
		t.Error("begin was not re-invoked after requeue")
	}
}

func TestActivityTimeoutRetriesThenFails(t *testing.T) {
	storage := NewMemoryStorage()
	cfg := testConfig()
	cfg.BeginTimeout = 20 * time.Millisecond
	cfg.Retry.MaxAttempts = 2

	exec := &stubExecutor{fn: func(ctx context.Context, req BeginRequest) (BeginResult, error) {
		<-ctx.Done()
		return BeginResult{}, ctx.Err()
	}}

	var timeouts atomic.Int32
	events := &EngineEvents{
		OnActivityTimeout: func(id, activity string, timeout time.Duration) { timeouts.Add(1) },
	}
	e, err := NewEngine(storage, Collaborators{
		Executor:  exec,
		Submitter: okSubmitter(),
		Capturer:  okCapturer(),
	}, EngineOptions{Config: cfg, Logger: quietLogger(), Events: events})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	defer e.Shutdown(context.Background())

	id, err := e.StartCancellation(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("StartCancellation: %v", err)
	}

	rec := waitForStatus(t, storage, id, StatusFailed)
	if rec.Result == nil || rec.Result.Reason == "" {
		t.Error("timed-out instance must carry a failure reason")
	}
	if timeouts.Load() != 2 {
		t.Errorf("timeout events = %d, want 2", timeouts.Load())
	}
}

func TestCodeAtWaitExpiryConsumedOrRejected(t *testing.T) {
	storage := NewMemoryStorage()
	cfg := testConfig()
	cfg.SignalWait = 100 * time.Millisecond

	// OnSignalTimeout fires right after the wait expires; submitting from
	// the hook lands a code as close to the expiry edge as possible. It
	// must be rejected, because an accepted code may never be dropped.
	var e *Engine
	var submitErr atomic.Value
	events := &EngineEvents{
		OnSignalTimeout: func(id string, waited time.Duration) {
			if err := e.SubmitTwoFactorCode(context.Background(), id, "482913"); err != nil {
				submitErr.Store(err)
			}
		},
	}

	e, err := NewEngine(storage, Collaborators{
		Executor:  twoFactorExecutor("sess"),
		Submitter: okSubmitter(),
		Capturer:  okCapturer(),
	}, EngineOptions{Config: cfg, Logger: quietLogger(), Events: events})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	defer e.Shutdown(context.Background())

	id, err := e.StartCancellation(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("StartCancellation: %v", err)
	}

	rec := waitForStatus(t, storage, id, StatusTimeout)
	if rec.PendingSignal != "" {
		t.Errorf("terminal record holds an unconsumed code %q", rec.PendingSignal)
	}

	got := submitErr.Load()
	if got == nil {
		t.Fatal("submit at expiry was acknowledged; it must be rejected once the wait has expired")
	}
	if !errors.Is(got.(error), ErrNotAwaitingSignal) {
		t.Errorf("submit error = %v, want not-awaiting-signal", got)
	}

	history, _ := storage.History(context.Background(), id)
	for _, entry := range history {
		if entry.Outcome == RecordSignal {
			t.Errorf("timed-out instance must not record a consumed signal: %+v", entry)
		}
	}
}

func TestTerminalFailureSkipsRetries(t *testing.T) {
	storage := NewMemoryStorage()
	exec := &stubExecutor{fn: func(ctx context.Context, req BeginRequest) (BeginResult, error) {
		return BeginResult{}, NewTerminalActivityError(ActivityBegin, errors.New("account does not exist"))
	}}
	e := newTestEngine(t, storage, Collaborators{
		Executor:  exec,
		Submitter: okSubmitter(),
		Capturer:  okCapturer(),
	}, testConfig())

	id, err := e.StartCancellation(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("StartCancellation: %v", err)
	}
	waitForStatus(t, storage, id, StatusFailed)

	if got := exec.begins.Load(); got != 1 {
		t.Errorf("begin attempts = %d, want 1 for a terminal failure", got)
	}
}

func TestRejectedCodeFailsInstance(t *testing.T) {
	storage := NewMemoryStorage()
	submitter := &stubSubmitter{fn: func(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
		return SubmitResult{Outcome: OutcomeFailed, Message: "code rejected"}, nil
	}}
	e := newTestEngine(t, storage, Collaborators{
		Executor:  twoFactorExecutor("sess"),
		Submitter: submitter,
		Capturer:  okCapturer(),
	}, testConfig())

	id, err := e.StartCancellation(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("StartCancellation: %v", err)
	}
	waitForStatus(t, storage, id, StatusAwaiting2FA)
	if err := e.SubmitTwoFactorCode(context.Background(), id, "000000"); err != nil {
		t.Fatalf("SubmitTwoFactorCode: %v", err)
	}

	rec := waitForStatus(t, storage, id, StatusFailed)
	if rec.Result == nil || rec.Result.Reason == "" {
		t.Error("rejected code must produce a failure reason")
	}
}

func TestBeginReportsFailureOutcome(t *testing.T) {
	storage := NewMemoryStorage()
	exec := &stubExecutor{fn: func(ctx context.Context, req BeginRequest) (BeginResult, error) {
		return BeginResult{Outcome: OutcomeFailed, Message: "plan is managed by a reseller"}, nil
	}}
	e := newTestEngine(t, storage, Collaborators{
		Executor:  exec,
		Submitter: okSubmitter(),
		Capturer:  okCapturer(),
	}, testConfig())

	id, err := e.StartCancellation(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("StartCancellation: %v", err)
	}

	rec := waitForStatus(t, storage, id, StatusFailed)
	if rec.Result == nil || rec.Result.Reason == "" {
		t.Error("structured begin failure must produce a reason")
	}
	// A structured FAILED outcome is terminal; no retries.
	if got := exec.begins.Load(); got != 1 {
		t.Errorf("begin attempts = %d, want 1", got)
	}
}

func TestDeriveStatusFromHistory(t *testing.T) {
	history := []HistoryEntry{
		{Seq: 1, Outcome: RecordTransition, From: StatusPending, To: StatusStarting},
		{Seq: 2, Outcome: RecordTransition, From: StatusStarting, To: StatusNavigating},
		{Seq: 3, Activity: ActivityBegin, Attempt: 1, Outcome: RecordSuccess, Result: []byte(`{"outcome":"TWO_FA_REQUIRED","sessionHandle":"sess-d"}`)},
		{Seq: 4, Outcome: RecordTransition, From: StatusNavigating, To: StatusAwaiting2FA},
	}

	if got := deriveStatus(history, 0); got != StatusAwaiting2FA {
		t.Errorf("deriveStatus = %s, want AWAITING_2FA", got)
	}
	if got := deriveSession(history, 0); got != "sess-d" {
		t.Errorf("deriveSession = %q, want sess-d", got)
	}

	// After a requeue marker the pre-requeue entries are out of scope.
	history = append(history,
		HistoryEntry{Seq: 5, Outcome: RecordTransition, From: StatusFailed, To: StatusPending, Detail: "requeued"},
	)
	inst := newInstance(&InstanceRecord{ID: "x"}, history)
	base := inst.replayBase()
	if base != 5 {
		t.Fatalf("replayBase = %d, want 5", base)
	}
	if got := deriveStatus(history, base); got != StatusPending {
		t.Errorf("deriveStatus after requeue = %s, want PENDING", got)
	}
	if _, ok := inst.completedResult(ActivityBegin); ok {
		t.Error("pre-requeue activity result must not replay")
	}
}
