package cancel

import "time"

// RetryPolicy computes backoff delays for failed activity attempts. It is
// pure: given the same attempt count and error it always returns the same
// decision, so it can be unit-tested without timing.
type RetryPolicy struct {
	InitialInterval time.Duration
	BackoffFactor   float64
	MaxInterval     time.Duration
	MaxAttempts     int
}

// DefaultRetryPolicy returns the policy used by the production flow:
// 1s initial delay doubling up to 5m, three attempts total.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: time.Second,
		BackoffFactor:   2.0,
		MaxInterval:     5 * time.Minute,
		MaxAttempts:     3,
	}
}

// RetryDecision is the outcome of consulting the policy after a failure.
type RetryDecision struct {
	Retry bool
	Delay time.Duration
}

// Next decides whether to retry after the given failed attempt (1-based).
// Terminal-classified errors short-circuit to give-up regardless of the
// attempt count.
func (p RetryPolicy) Next(attempt int, err error) RetryDecision {
	if IsTerminalFailure(err) {
		return RetryDecision{}
	}
	if attempt >= p.MaxAttempts {
		return RetryDecision{}
	}
	return RetryDecision{Retry: true, Delay: p.delay(attempt)}
}

// delay returns the backoff before attempt+1: initial * factor^(attempt-1),
// capped at MaxInterval.
func (p RetryPolicy) delay(attempt int) time.Duration {
	d := float64(p.InitialInterval)
	for i := 1; i < attempt; i++ {
		d *= p.BackoffFactor
		if d >= float64(p.MaxInterval) {
			return p.MaxInterval
		}
	}
	if d > float64(p.MaxInterval) {
		return p.MaxInterval
	}
	return time.Duration(d)
}

// normalize fills zero fields with defaults.
func (p *RetryPolicy) normalize() {
	def := DefaultRetryPolicy()
	if p.InitialInterval <= 0 {
		p.InitialInterval = def.InitialInterval
	}
	if p.BackoffFactor <= 1 {
		p.BackoffFactor = def.BackoffFactor
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = def.MaxInterval
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
}
