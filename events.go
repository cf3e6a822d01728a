package cancel

import (
	"log/slog"
	"time"
)

// EngineEvents provides hooks for observability and monitoring.
// All callbacks are optional - only set the ones you need.
// Event handlers are called synchronously but wrapped in panic recovery,
// so a panicking handler won't break instance execution.
//
// Example:
//
//	events := &cancel.EngineEvents{
//	    OnTransition: func(id string, from, to cancel.Status) {
//	        metrics.TransitionCounter.WithLabelValues(string(to)).Inc()
//	    },
//	    OnInstanceFailed: func(id, reason string) {
//	        alerting.SendAlert("cancellation %s failed: %s", id, reason)
//	    },
//	}
type EngineEvents struct {
	// Instance lifecycle
	OnInstanceStart    func(id string, req CancellationRequest)
	OnInstanceComplete func(id string, result Result)
	OnInstanceFailed   func(id string, reason string)

	// State transitions
	OnTransition func(id string, from, to Status)

	// Activity lifecycle
	OnActivityStart    func(id, activity string, attempt int)
	OnActivityComplete func(id, activity string, duration time.Duration)
	OnActivityFailed   func(id, activity string, attempt int, err error)
	OnActivityRetry    func(id, activity string, nextAttempt int, delay time.Duration)
	OnActivitySkipped  func(id, activity string)
	OnActivityTimeout  func(id, activity string, timeout time.Duration)

	// Signal lifecycle
	OnSignalReceived func(id string)
	OnSignalTimeout  func(id string, waited time.Duration)
}

// LoggingEvents returns an EngineEvents that logs every hook through the
// given logger. Useful as a starting point when callers want structured
// event logs without writing their own handlers.
func LoggingEvents(log *slog.Logger) *EngineEvents {
	return &EngineEvents{
		OnInstanceStart: func(id string, req CancellationRequest) {
			log.Info("instance started", "instance", id, "service", req.ServiceName)
		},
		OnInstanceComplete: func(id string, result Result) {
			log.Info("instance completed", "instance", id, "proofMissing", result.ProofMissing)
		},
		OnInstanceFailed: func(id, reason string) {
			log.Warn("instance failed", "instance", id, "reason", reason)
		},
		OnTransition: func(id string, from, to Status) {
			log.Debug("transition", "instance", id, "from", from, "to", to)
		},
		OnActivityStart: func(id, activity string, attempt int) {
			log.Debug("activity attempt", "instance", id, "activity", activity, "attempt", attempt)
		},
		OnActivityComplete: func(id, activity string, duration time.Duration) {
			log.Debug("activity completed", "instance", id, "activity", activity, "duration", duration)
		},
		OnActivityFailed: func(id, activity string, attempt int, err error) {
			log.Warn("activity failed", "instance", id, "activity", activity, "attempt", attempt, "error", err)
		},
		OnActivityRetry: func(id, activity string, nextAttempt int, delay time.Duration) {
			log.Info("activity retry scheduled", "instance", id, "activity", activity, "nextAttempt", nextAttempt, "delay", delay)
		},
		OnActivitySkipped: func(id, activity string) {
			log.Debug("activity replayed", "instance", id, "activity", activity)
		},
		OnActivityTimeout: func(id, activity string, timeout time.Duration) {
			log.Warn("activity timed out", "instance", id, "activity", activity, "timeout", timeout)
		},
		OnSignalReceived: func(id string) {
			log.Info("signal received", "instance", id)
		},
		OnSignalTimeout: func(id string, waited time.Duration) {
			log.Warn("signal wait expired", "instance", id, "waited", waited)
		},
	}
}

// emitEvent safely calls an event handler, catching any panics.
func emitEvent(events *EngineEvents, handler func()) {
	if events == nil || handler == nil {
		return
	}
	defer func() {
		// Catch panics from event handlers - never break instance execution
		_ = recover()
	}()
	handler()
}
