package cancel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// runInstance executes one instance to a terminal state, or suspends it
// when the engine shuts down. It is the only goroutine that applies
// transitions to this instance.
func (e *Engine) runInstance(ctx context.Context, inst *instance, lockToken string) {
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.lock.Release(releaseCtx, inst.rec.ID, lockToken); err != nil {
			e.log.Warn("lock release failed", "instance", inst.rec.ID, "error", err)
		}
		cancel()

		e.mu.Lock()
		delete(e.running, inst.rec.ID)
		e.mu.Unlock()
		e.wg.Done()
	}()

	if err := e.runWorkflow(ctx, inst); err != nil {
		if ctx.Err() != nil {
			e.log.Info("instance suspended", "instance", inst.rec.ID, "status", inst.rec.Status)
			return
		}
		e.log.Error("instance execution error", "instance", inst.rec.ID, "error", err)
	}
}

// runWorkflow is the cancellation state machine. Transitions are persisted
// before the next activity starts, so a resumed run re-enters at the
// recorded step; already-successful activities replay from history instead
// of re-running their side effects.
func (e *Engine) runWorkflow(ctx context.Context, inst *instance) error {
	req := inst.rec.Request
	id := inst.rec.ID

	if err := e.transition(ctx, inst, StatusStarting, "", nil); err != nil {
		return err
	}
	if err := e.transition(ctx, inst, StatusNavigating, "", nil); err != nil {
		return err
	}

	begin, err := invokeActivity(ctx, e, inst, ActivityBegin, e.cfg.BeginTimeout, func(ctx context.Context) (BeginResult, error) {
		return e.collab.Executor.Begin(ctx, BeginRequest{
			Subscription:   req,
			IdempotencyKey: StepKey(id, ActivityBegin),
		})
	})
	if err != nil {
		return e.failInstance(ctx, inst, err)
	}
	if begin.Outcome == OutcomeFailed {
		return e.failInstance(ctx, inst, NewTerminalActivityError(ActivityBegin, errors.New(begin.Message)))
	}

	session := inst.rec.SessionHandle
	if session == "" {
		session = begin.SessionHandle
	}

	if begin.Outcome == OutcomeTwoFactorRequired {
		if err := e.transition(ctx, inst, StatusAwaiting2FA, "", func(rec *InstanceRecord) {
			rec.SessionHandle = session
		}); err != nil {
			return err
		}

		e.notifyUser(ctx, inst, req)

		code, ok, err := e.awaitSignal(ctx, inst)
		if err != nil {
			return err
		}
		if !ok {
			// awaitSignal already moved the instance to TIMEOUT.
			return nil
		}

		if err := e.transition(ctx, inst, StatusVerifying2FA, "", nil); err != nil {
			return err
		}

		verdict, err := invokeActivity(ctx, e, inst, ActivitySubmit2FA, e.cfg.VerifyTimeout, func(ctx context.Context) (SubmitResult, error) {
			return e.collab.Submitter.Submit(ctx, SubmitRequest{
				SessionHandle:  session,
				Code:           code,
				IdempotencyKey: StepKey(id, ActivitySubmit2FA),
			})
		})
		if err != nil {
			return e.failInstance(ctx, inst, err)
		}
		if verdict.Outcome != OutcomeSuccess {
			// One signal per attempt: a rejected code fails the instance
			// rather than re-prompting for another.
			return e.failInstance(ctx, inst, NewTerminalActivityError(ActivitySubmit2FA, errors.New(verdict.Message)))
		}
	}

	if err := e.transition(ctx, inst, StatusCapturingProof, "", func(rec *InstanceRecord) {
		rec.SessionHandle = session
	}); err != nil {
		return err
	}

	result := &Result{
		CancelledAt:    time.Now().UTC(),
		SavingsPerYear: req.AnnualCost,
	}
	proof, err := invokeActivity(ctx, e, inst, ActivityCaptureProof, e.cfg.ProofTimeout, func(ctx context.Context) (Proof, error) {
		return e.collab.Capturer.Capture(ctx, CaptureRequest{
			SessionHandle:  session,
			IdempotencyKey: StepKey(id, ActivityCaptureProof),
		})
	})
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		// The cancellation itself already succeeded; a missing screenshot
		// is reported, not rolled back.
		result.Reason = ReasonUnproven
		result.ProofMissing = true
		e.log.Warn("proof capture failed, completing without evidence", "instance", id, "error", err)
	} else {
		result.ScreenshotRef = proof.ScreenshotRef
		result.VideoRef = proof.VideoRef
		if !proof.CapturedAt.IsZero() {
			result.CancelledAt = proof.CapturedAt
		}
	}

	if err := e.transition(ctx, inst, StatusCompleted, result.Reason, func(rec *InstanceRecord) {
		rec.Result = result
	}); err != nil {
		return err
	}

	emitEvent(e.events, func() {
		if e.events.OnInstanceComplete != nil {
			e.events.OnInstanceComplete(id, *result)
		}
	})
	e.log.Info("cancellation completed",
		"instance", id,
		"service", req.ServiceName,
		"proofMissing", result.ProofMissing,
		"savingsPerYear", result.SavingsPerYear)
	return nil
}

// transition applies one state-machine edge and persists it. Re-entering a
// state the instance already reached is a no-op, which is what makes the
// workflow body safe to replay after a resume.
func (e *Engine) transition(ctx context.Context, inst *instance, to Status, detail string, apply func(*InstanceRecord)) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return e.transitionLocked(ctx, inst, to, detail, apply)
}

// transitionLocked is transition for callers that already hold inst.mu and
// need the edge to be atomic with other checks under the same lock.
func (e *Engine) transitionLocked(ctx context.Context, inst *instance, to Status, detail string, apply func(*InstanceRecord)) error {
	from := inst.rec.Status
	if from.Terminal() {
		return fmt.Errorf("instance '%s' is terminal (%s), refusing transition to %s", inst.rec.ID, from, to)
	}
	if statusRank[from] >= statusRank[to] {
		return nil
	}

	if err := e.appendHistory(ctx, inst, HistoryEntry{
		From:    from,
		To:      to,
		Outcome: RecordTransition,
		Detail:  detail,
	}); err != nil {
		return err
	}

	inst.rec.Status = to
	if apply != nil {
		apply(inst.rec)
	}
	if err := e.storage.UpdateInstance(ctx, inst.rec); err != nil {
		return fmt.Errorf("persist transition: %w", err)
	}

	emitEvent(e.events, func() {
		if e.events.OnTransition != nil {
			e.events.OnTransition(inst.rec.ID, from, to)
		}
	})
	e.log.Debug("transition", "instance", inst.rec.ID, "from", from, "to", to)
	return nil
}

// failInstance records a business-level failure as a terminal FAILED state.
// It never raises for business failure; the caller's only signal is the
// persisted status and reason.
func (e *Engine) failInstance(ctx context.Context, inst *instance, cause error) error {
	if ctx.Err() != nil {
		// Shutdown, not failure: leave the instance for Resume.
		return ctx.Err()
	}

	reason := TruncateError(cause)
	if err := e.transition(ctx, inst, StatusFailed, reason, func(rec *InstanceRecord) {
		rec.Result = &Result{Reason: reason}
		rec.PendingSignal = ""
	}); err != nil {
		return err
	}

	emitEvent(e.events, func() {
		if e.events.OnInstanceFailed != nil {
			e.events.OnInstanceFailed(inst.rec.ID, reason)
		}
	})
	e.log.Warn("cancellation failed", "instance", inst.rec.ID, "reason", reason)
	return nil
}

// notifyUser sends the 2FA push. Best-effort: the human can still act
// without the push arriving, so failure is logged and the flow continues.
func (e *Engine) notifyUser(ctx context.Context, inst *instance, req CancellationRequest) {
	if e.collab.Notifier == nil {
		return
	}
	n := Notification{
		UserID: req.UserID,
		Title:  fmt.Sprintf("%s needs verification", req.ServiceName),
		Body:   "Enter the code from your SMS/email to continue cancellation",
	}
	if _, err := invokeActivity(ctx, e, inst, ActivityNotify, e.cfg.NotifyTimeout, func(ctx context.Context) (NotifyResult, error) {
		return e.collab.Notifier.Notify(ctx, n)
	}); err != nil && ctx.Err() == nil {
		e.log.Warn("push notification failed", "instance", inst.rec.ID, "error", err)
	}
}

// awaitSignal blocks until the 2FA mailbox is filled or the bounded wait
// elapses. The deadline is anchored to the persisted AWAITING_2FA
// transition, so it keeps counting across restarts. Take-and-clear is
// atomic with the read: the same code can never be consumed twice.
func (e *Engine) awaitSignal(ctx context.Context, inst *instance) (string, bool, error) {
	// A prior run may have consumed the signal and crashed before the
	// submission was recorded.
	if code, ok := inst.consumedSignal(); ok {
		return code, true, nil
	}

	enteredAt := inst.enteredAt(StatusAwaiting2FA)
	if enteredAt.IsZero() {
		enteredAt = time.Now().UTC()
	}
	deadline := enteredAt.Add(e.cfg.SignalWait)

	for {
		code, consumed, err := e.takeSignal(ctx, inst)
		if err != nil {
			return "", false, err
		}
		if consumed {
			return code, true, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			timedOut, err := e.expireSignalWait(ctx, inst)
			if err != nil {
				return "", false, err
			}
			if !timedOut {
				// A code landed between the last mailbox check and the
				// expiry; consume it on the next pass.
				continue
			}
			emitEvent(e.events, func() {
				if e.events.OnSignalTimeout != nil {
					e.events.OnSignalTimeout(inst.rec.ID, e.cfg.SignalWait)
				}
			})
			return "", false, nil
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", false, ctx.Err()
		case <-inst.signalCh:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// expireSignalWait moves the instance to TIMEOUT, unless a code arrived in
// the meantime. The mailbox re-check and the terminal transition share one
// critical section, so an acknowledged SubmitTwoFactorCode is always either
// consumed or rejected, never silently dropped. Returns false if a pending
// code preempted the expiry.
func (e *Engine) expireSignalWait(ctx context.Context, inst *instance) (bool, error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.rec.PendingSignal != "" {
		return false, nil
	}

	if err := e.appendHistory(ctx, inst, HistoryEntry{
		Outcome: RecordSignalTimeout,
		Detail:  ReasonSignalTimeout,
	}); err != nil {
		return false, err
	}
	if err := e.transitionLocked(ctx, inst, StatusTimeout, ReasonSignalTimeout, func(rec *InstanceRecord) {
		rec.Result = &Result{Reason: ReasonSignalTimeout}
		rec.PendingSignal = ""
	}); err != nil {
		return false, err
	}
	return true, nil
}

// takeSignal atomically consumes the pending signal if one is set. The
// consumption record lands in history so a crash after this point does not
// lose the code.
func (e *Engine) takeSignal(ctx context.Context, inst *instance) (string, bool, error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.rec.PendingSignal == "" {
		return "", false, nil
	}

	code := inst.rec.PendingSignal
	raw, err := json.Marshal(code)
	if err != nil {
		return "", false, err
	}
	if err := e.appendHistory(ctx, inst, HistoryEntry{
		Outcome: RecordSignal,
		Result:  raw,
	}); err != nil {
		return "", false, err
	}
	inst.rec.PendingSignal = ""
	if err := e.storage.UpdateInstance(ctx, inst.rec); err != nil {
		return "", false, fmt.Errorf("clear signal: %w", err)
	}
	return code, true, nil
}
