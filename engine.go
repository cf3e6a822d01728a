package cancel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EngineOptions configures an Engine.
type EngineOptions struct {
	Lock   Lock
	Events *EngineEvents
	Config Config
	Logger *slog.Logger
}

// Engine owns the set of live cancellation instances. It creates instances,
// dispatches one goroutine per instance, routes 2FA signals and status
// queries, and resumes suspended instances after a restart.
//
// Single-writer discipline: all mutations of one instance's record happen
// under that instance's mutex, from its executor goroutine or from the
// signal router; the executor lock additionally fences out other processes.
type Engine struct {
	storage Storage
	collab  Collaborators
	lock    Lock
	events  *EngineEvents
	cfg     Config
	log     *slog.Logger

	mu      sync.Mutex
	running map[string]*instance
	wg      sync.WaitGroup

	baseCtx context.Context
	stop    context.CancelFunc
}

// NewEngine creates a new Engine.
func NewEngine(storage Storage, collab Collaborators, opts EngineOptions) (*Engine, error) {
	if storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if collab.Executor == nil || collab.Submitter == nil || collab.Capturer == nil {
		return nil, fmt.Errorf("executor, submitter and capturer collaborators are required")
	}

	lock := opts.Lock
	if lock == nil {
		lock = &NoOpLock{}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	cfg := opts.Config
	cfg.normalize()

	if !storage.IsProductionSafe() {
		log.Warn("storage is not production safe; in-flight instances will not survive a restart")
	}

	baseCtx, stop := context.WithCancel(context.Background())
	return &Engine{
		storage: storage,
		collab:  collab,
		lock:    lock,
		events:  opts.Events,
		cfg:     cfg,
		log:     log,
		running: make(map[string]*instance),
		baseCtx: baseCtx,
		stop:    stop,
	}, nil
}

// StartCancellation creates a new instance for the request and begins
// executing it asynchronously. It fails with AlreadyActiveError if the
// subscription already has a non-terminal instance.
func (e *Engine) StartCancellation(ctx context.Context, req CancellationRequest) (string, error) {
	if err := validateRequest(req); err != nil {
		return "", err
	}

	if active, err := e.storage.ActiveBySubscription(ctx, req.SubscriptionID); err != nil {
		return "", fmt.Errorf("check active: %w", err)
	} else if active != nil {
		return "", NewAlreadyActiveError(req.SubscriptionID, active.ID)
	}

	rec := &InstanceRecord{
		ID:             uuid.NewString(),
		SubscriptionID: req.SubscriptionID,
		UserID:         req.UserID,
		Status:         StatusPending,
		Request:        req,
	}
	// The store re-checks subscription uniqueness atomically with the
	// insert, closing the race between two concurrent starts.
	if err := e.storage.CreateInstance(ctx, rec); err != nil {
		return "", err
	}

	token, err := e.lock.Acquire(ctx, rec.ID, MaxExecutionDuration)
	if err != nil {
		// The PENDING record stays behind; Resume will pick it up.
		return "", fmt.Errorf("acquire lock: %w", err)
	}

	emitEvent(e.events, func() {
		if e.events.OnInstanceStart != nil {
			e.events.OnInstanceStart(rec.ID, req)
		}
	})
	e.log.Info("cancellation started",
		"instance", rec.ID,
		"subscription", req.SubscriptionID,
		"service", req.ServiceName)

	e.spawn(newInstance(rec, nil), token)
	return rec.ID, nil
}

func validateRequest(req CancellationRequest) error {
	switch {
	case req.SubscriptionID == "":
		return NewInvalidRequestError("subscriptionId")
	case req.UserID == "":
		return NewInvalidRequestError("userId")
	case req.ServiceName == "":
		return NewInvalidRequestError("serviceName")
	case req.LoginURL == "":
		return NewInvalidRequestError("loginUrl")
	}
	return nil
}

// SubmitTwoFactorCode delivers a user-provided 2FA code to a suspended
// instance. The single signal slot is write-once: a second code before the
// first is consumed, or any code outside AWAITING_2FA, is rejected.
func (e *Engine) SubmitTwoFactorCode(ctx context.Context, instanceID, code string) error {
	e.mu.Lock()
	inst := e.running[instanceID]
	e.mu.Unlock()

	if inst == nil {
		rec, err := e.storage.GetInstance(ctx, instanceID)
		if err != nil {
			return fmt.Errorf("get instance: %w", err)
		}
		if rec == nil {
			return NewUnknownInstanceError(instanceID)
		}
		// The record exists but no local executor owns it; signals are
		// delivered in-process to the owning executor only. An instance
		// that is genuinely awaiting a code belongs to another process,
		// which is where the code must go.
		if rec.Status == StatusAwaiting2FA {
			return NewInstanceLockedError(instanceID)
		}
		return NewNotAwaitingSignalError(instanceID, rec.Status)
	}

	inst.mu.Lock()
	if inst.rec.Status != StatusAwaiting2FA || inst.rec.PendingSignal != "" {
		status := inst.rec.Status
		inst.mu.Unlock()
		return NewNotAwaitingSignalError(instanceID, status)
	}
	inst.rec.PendingSignal = code
	if err := e.storage.UpdateInstance(ctx, inst.rec); err != nil {
		inst.rec.PendingSignal = ""
		inst.mu.Unlock()
		return fmt.Errorf("persist signal: %w", err)
	}
	inst.mu.Unlock()

	select {
	case inst.signalCh <- struct{}{}:
	default:
	}

	emitEvent(e.events, func() {
		if e.events.OnSignalReceived != nil {
			e.events.OnSignalReceived(instanceID)
		}
	})
	e.log.Info("2fa code received", "instance", instanceID)
	return nil
}

// GetStatus returns a non-blocking snapshot of the latest persisted status
// and, for terminal instances, the result. It never mutates state.
func (e *Engine) GetStatus(ctx context.Context, instanceID string) (StatusSnapshot, error) {
	rec, err := e.storage.GetInstance(ctx, instanceID)
	if err != nil {
		return StatusSnapshot{}, fmt.Errorf("get instance: %w", err)
	}
	if rec == nil {
		return StatusSnapshot{}, NewUnknownInstanceError(instanceID)
	}
	snap := StatusSnapshot{InstanceID: rec.ID, Status: rec.Status}
	if rec.Status.Terminal() {
		snap.Result = rec.Result
	}
	return snap, nil
}

// Abort is not part of the engine's contract; external aborts always fail.
func (e *Engine) Abort(ctx context.Context, instanceID string) error {
	return NewNotSupportedError("abort")
}

// Resume reloads every non-terminal instance from storage and re-enters its
// state machine where it left off. Instances locked by another process are
// skipped. Returns the number of instances resumed.
func (e *Engine) Resume(ctx context.Context) (int, error) {
	active, err := e.storage.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active: %w", err)
	}

	resumed := 0
	for i := range active {
		rec := active[i]

		e.mu.Lock()
		_, already := e.running[rec.ID]
		e.mu.Unlock()
		if already {
			continue
		}

		token, err := e.lock.Acquire(ctx, rec.ID, MaxExecutionDuration)
		if err != nil {
			if errors.Is(err, ErrInstanceLocked) {
				e.log.Info("instance held by another process, skipping", "instance", rec.ID)
				continue
			}
			return resumed, fmt.Errorf("acquire lock: %w", err)
		}

		history, err := e.storage.History(ctx, rec.ID)
		if err != nil {
			e.lock.Release(ctx, rec.ID, token)
			return resumed, fmt.Errorf("load history: %w", err)
		}

		inst := newInstance(&rec, history)
		e.reconcile(ctx, inst)
		e.log.Info("resuming instance", "instance", rec.ID, "status", inst.rec.Status)
		e.spawn(inst, token)
		resumed++
	}
	return resumed, nil
}

// Shutdown stops dispatching and waits for running instances to suspend.
// Suspended instances keep their persisted state and resume on the next
// start.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.stop()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) spawn(inst *instance, lockToken string) {
	e.mu.Lock()
	e.running[inst.rec.ID] = inst
	e.mu.Unlock()
	e.wg.Add(1)
	go e.runInstance(e.baseCtx, inst, lockToken)
}

// reconcile re-derives status and session handle from history, which is the
// source of truth when a crash landed between a history append and the
// record update.
func (e *Engine) reconcile(ctx context.Context, inst *instance) {
	base := inst.replayBase()
	derived := deriveStatus(inst.history, base)
	session := inst.rec.SessionHandle
	if session == "" {
		session = deriveSession(inst.history, base)
	}
	if derived == inst.rec.Status && session == inst.rec.SessionHandle {
		return
	}
	inst.rec.Status = derived
	inst.rec.SessionHandle = session
	if err := e.storage.UpdateInstance(ctx, inst.rec); err != nil {
		e.log.Warn("reconcile update failed", "instance", inst.rec.ID, "error", err)
	}
}

// appendHistory persists one history entry and mirrors it into the
// in-memory view. Callers must hold inst.mu.
func (e *Engine) appendHistory(ctx context.Context, inst *instance, entry HistoryEntry) error {
	entry.Seq = len(inst.history) + 1
	entry.Timestamp = time.Now().UTC()
	if err := e.storage.AppendHistory(ctx, inst.rec.ID, entry); err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	inst.history = append(inst.history, entry)
	return nil
}

// instance is the runtime state of one executing workflow instance.
type instance struct {
	mu       sync.Mutex
	rec      *InstanceRecord
	history  []HistoryEntry
	signalCh chan struct{}
}

func newInstance(rec *InstanceRecord, history []HistoryEntry) *instance {
	return &instance{
		rec:      rec,
		history:  history,
		signalCh: make(chan struct{}, 1),
	}
}

// replayBase returns the index after the most recent requeue marker, so a
// requeued run never replays results from before the requeue. Callers must
// hold mu or be the executor goroutine.
func (in *instance) replayBase() int {
	for i := len(in.history) - 1; i >= 0; i-- {
		if in.history[i].Outcome == RecordTransition && in.history[i].To == StatusPending {
			return i + 1
		}
	}
	return 0
}

// completedResult returns the recorded result of an activity whose success
// is already in history, for replay skipping.
func (in *instance) completedResult(activity string) (json.RawMessage, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	for i := len(in.history) - 1; i >= in.replayBase(); i-- {
		entry := in.history[i]
		if entry.Activity == activity && entry.Outcome == RecordSuccess {
			return entry.Result, true
		}
	}
	return nil, false
}

// consumedSignal returns a 2FA code that was already taken from the mailbox
// in a prior run, so a restart between consumption and submission does not
// lose it.
func (in *instance) consumedSignal() (string, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	for i := len(in.history) - 1; i >= in.replayBase(); i-- {
		if in.history[i].Outcome == RecordSignal {
			var code string
			if err := json.Unmarshal(in.history[i].Result, &code); err == nil {
				return code, true
			}
			return "", false
		}
	}
	return "", false
}

// enteredAt returns when the instance last transitioned into status, or the
// zero time if it never did. The signal wait deadline survives restarts
// because it is anchored to this persisted timestamp.
func (in *instance) enteredAt(status Status) time.Time {
	in.mu.Lock()
	defer in.mu.Unlock()
	for i := len(in.history) - 1; i >= in.replayBase(); i-- {
		entry := in.history[i]
		if entry.Outcome == RecordTransition && entry.To == status {
			return entry.Timestamp
		}
	}
	return time.Time{}
}

func deriveStatus(history []HistoryEntry, base int) Status {
	status := StatusPending
	for _, entry := range history[base:] {
		if entry.Outcome == RecordTransition {
			status = entry.To
		}
	}
	return status
}

func deriveSession(history []HistoryEntry, base int) string {
	for _, entry := range history[base:] {
		if entry.Activity == ActivityBegin && entry.Outcome == RecordSuccess {
			var begin BeginResult
			if err := json.Unmarshal(entry.Result, &begin); err == nil {
				return begin.SessionHandle
			}
		}
	}
	return ""
}
