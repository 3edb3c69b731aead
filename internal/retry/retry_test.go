package retry

import (
	"testing"
	"time"
)

func TestPolicy_DelayDoublesUntilCap(t *testing.T) {
	p := Policy{MaxAttempts: 6, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}

	want := []time.Duration{
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
		2 * time.Second,
		2 * time.Second,
	}
	for i, expected := range want {
		if got := p.Delay(i + 1); got != expected {
			t.Errorf("attempt %d: expected %s, got %s", i+1, expected, got)
		}
	}
}

func TestPolicy_DelaysNeverDecrease(t *testing.T) {
	p := Policy{MaxAttempts: 10, BaseDelay: 30 * time.Second, MaxDelay: 10 * time.Minute}

	prev := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		d := p.Delay(attempt)
		if d < prev {
			t.Fatalf("delay decreased at attempt %d: %s < %s", attempt, d, prev)
		}
		if d > p.MaxDelay {
			t.Fatalf("delay exceeded cap at attempt %d: %s", attempt, d)
		}
		prev = d
	}
}

func TestPolicy_DelayClampsInvalidAttempt(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: time.Minute}
	if got := p.Delay(0); got != time.Second {
		t.Errorf("attempt 0 should clamp to base delay, got %s", got)
	}
	if got := p.Delay(-3); got != time.Second {
		t.Errorf("negative attempt should clamp to base delay, got %s", got)
	}
}

func TestStrategy_ForChannelFallback(t *testing.T) {
	s := NewStrategy(
		map[string]Policy{"email": {MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: time.Minute}},
		Policy{MaxAttempts: 2, BaseDelay: 5 * time.Second, MaxDelay: time.Minute},
	)

	if got := s.ForChannel("email").MaxAttempts; got != 3 {
		t.Errorf("expected email policy, got MaxAttempts=%d", got)
	}
	if got := s.ForChannel("unknown").MaxAttempts; got != 2 {
		t.Errorf("expected fallback policy, got MaxAttempts=%d", got)
	}
}

func TestStrategy_SetPolicyOverrides(t *testing.T) {
	s := DefaultStrategy()
	s.SetPolicy("in_app", Policy{MaxAttempts: 7, BaseDelay: time.Millisecond, MaxDelay: time.Second})

	if got := s.ForChannel("in_app").MaxAttempts; got != 7 {
		t.Errorf("expected override, got MaxAttempts=%d", got)
	}
}
