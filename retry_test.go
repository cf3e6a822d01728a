package cancel

import (
	"errors"
	"testing"
	"time"
)

func TestRetryPolicyBackoff(t *testing.T) {
	p := RetryPolicy{
		InitialInterval: time.Second,
		BackoffFactor:   2.0,
		MaxInterval:     5 * time.Minute,
		MaxAttempts:     5,
	}
	err := errors.New("transient")

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
	}
	for _, tc := range cases {
		d := p.Next(tc.attempt, err)
		if !d.Retry {
			t.Fatalf("attempt %d: expected retry", tc.attempt)
		}
		if d.Delay != tc.want {
			t.Errorf("attempt %d: delay = %v, want %v", tc.attempt, d.Delay, tc.want)
		}
	}

	if d := p.Next(5, err); d.Retry {
		t.Error("attempt 5: expected give-up at MaxAttempts")
	}
}

func TestRetryPolicyCapsAtMaxInterval(t *testing.T) {
	p := RetryPolicy{
		InitialInterval: time.Second,
		BackoffFactor:   10.0,
		MaxInterval:     5 * time.Second,
		MaxAttempts:     10,
	}
	d := p.Next(4, errors.New("transient"))
	if !d.Retry {
		t.Fatal("expected retry")
	}
	if d.Delay != 5*time.Second {
		t.Errorf("delay = %v, want cap of 5s", d.Delay)
	}
}

func TestRetryPolicyTerminalShortCircuit(t *testing.T) {
	p := DefaultRetryPolicy()
	err := NewTerminalActivityError(ActivityBegin, errors.New("no such account"))
	if d := p.Next(1, err); d.Retry {
		t.Error("terminal error must not retry, even on first attempt")
	}
}

func TestRetryPolicyWrappedTerminal(t *testing.T) {
	p := DefaultRetryPolicy()
	inner := NewTerminalActivityError(ActivitySubmit2FA, errors.New("rejected"))
	wrapped := errors.Join(errors.New("context"), inner)
	if d := p.Next(1, wrapped); d.Retry {
		t.Error("wrapped terminal error must not retry")
	}
}

func TestRetryPolicyNormalize(t *testing.T) {
	var p RetryPolicy
	p.normalize()
	def := DefaultRetryPolicy()
	if p != def {
		t.Errorf("normalized zero policy = %+v, want defaults %+v", p, def)
	}

	p = RetryPolicy{MaxAttempts: 7}
	p.normalize()
	if p.MaxAttempts != 7 {
		t.Error("normalize must not clobber explicit values")
	}
	if p.InitialInterval != def.InitialInterval {
		t.Error("normalize must fill missing values")
	}
}
