package cancel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// invokeActivity executes one named activity with a per-attempt wall-clock
// timeout and the engine's retry policy. Every attempt and outcome is
// appended to the instance history before control returns. If history
// already records a success for this activity (a resumed run), the recorded
// result is returned without touching the collaborator again.
func invokeActivity[T any](ctx context.Context, e *Engine, inst *instance, activity string, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	id := inst.rec.ID

	if raw, ok := inst.completedResult(activity); ok {
		var cached T
		if err := json.Unmarshal(raw, &cached); err != nil {
			return zero, fmt.Errorf("recorded result for activity '%s' is unreadable: %w", activity, err)
		}
		inst.mu.Lock()
		aErr := e.appendHistory(ctx, inst, HistoryEntry{
			Activity: activity,
			Outcome:  RecordSkipped,
		})
		inst.mu.Unlock()
		if aErr != nil {
			return zero, aErr
		}
		emitEvent(e.events, func() {
			if e.events.OnActivitySkipped != nil {
				e.events.OnActivitySkipped(id, activity)
			}
		})
		e.log.Debug("activity replayed from history", "instance", id, "activity", activity)
		return cached, nil
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		emitEvent(e.events, func() {
			if e.events.OnActivityStart != nil {
				e.events.OnActivityStart(id, activity, attempt)
			}
		})

		start := time.Now()
		result, err := runWithTimeout(ctx, e, inst, activity, timeout, fn)
		if err == nil {
			raw, mErr := json.Marshal(result)
			if mErr != nil {
				return zero, fmt.Errorf("marshal result for activity '%s': %w", activity, mErr)
			}
			inst.mu.Lock()
			aErr := e.appendHistory(ctx, inst, HistoryEntry{
				Activity: activity,
				Attempt:  attempt,
				Outcome:  RecordSuccess,
				Result:   raw,
			})
			inst.mu.Unlock()
			if aErr != nil {
				return zero, aErr
			}

			emitEvent(e.events, func() {
				if e.events.OnActivityComplete != nil {
					e.events.OnActivityComplete(id, activity, time.Since(start))
				}
			})
			e.log.Info("activity completed",
				"instance", id, "activity", activity, "attempt", attempt,
				"duration", time.Since(start))
			return result, nil
		}

		if ctx.Err() != nil {
			// Engine shutdown, not an activity failure; the instance
			// suspends and resumes later.
			return zero, ctx.Err()
		}

		lastErr = err
		emitEvent(e.events, func() {
			if e.events.OnActivityFailed != nil {
				e.events.OnActivityFailed(id, activity, attempt, err)
			}
		})
		e.log.Warn("activity failed",
			"instance", id, "activity", activity, "attempt", attempt, "error", err)

		decision := e.cfg.Retry.Next(attempt, err)
		if !decision.Retry {
			inst.mu.Lock()
			aErr := e.appendHistory(ctx, inst, HistoryEntry{
				Activity: activity,
				Attempt:  attempt,
				Outcome:  RecordFailure,
				Detail:   TruncateError(err),
			})
			inst.mu.Unlock()
			if aErr != nil {
				return zero, aErr
			}
			if IsTerminalFailure(err) {
				return zero, err
			}
			return zero, NewRetriesExhaustedError(activity, attempt, lastErr)
		}

		outcome := RecordRetry
		if errors.Is(err, ErrActivityTimeout) {
			outcome = RecordTimeout
		}
		inst.mu.Lock()
		aErr := e.appendHistory(ctx, inst, HistoryEntry{
			Activity: activity,
			Attempt:  attempt,
			Outcome:  outcome,
			Delay:    decision.Delay,
			Detail:   TruncateError(err),
		})
		inst.mu.Unlock()
		if aErr != nil {
			return zero, aErr
		}

		emitEvent(e.events, func() {
			if e.events.OnActivityRetry != nil {
				e.events.OnActivityRetry(id, activity, attempt+1, decision.Delay)
			}
		})

		// Backoff is a suspension point: engine shutdown aborts the wait.
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(decision.Delay):
		}
	}
}

// runWithTimeout executes one attempt under a hard wall-clock timeout.
// A timed-out attempt is classified as retryable.
func runWithTimeout[T any](ctx context.Context, e *Engine, inst *instance, activity string, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	if timeout <= 0 {
		return fn(ctx)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type attemptResult struct {
		result T
		err    error
	}
	resultCh := make(chan attemptResult, 1)

	go func() {
		result, err := fn(timeoutCtx)
		resultCh <- attemptResult{result, err}
	}()

	select {
	case <-timeoutCtx.Done():
		if timeoutCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			emitEvent(e.events, func() {
				if e.events.OnActivityTimeout != nil {
					e.events.OnActivityTimeout(inst.rec.ID, activity, timeout)
				}
			})
			return zero, NewActivityTimeoutError(activity, timeout)
		}
		return zero, timeoutCtx.Err()
	case res := <-resultCh:
		return res.result, res.err
	}
}
