// Package retry holds the per-channel retry policies consulted by the
// queue processor and by in-process retry loops.
package retry

import "time"

// Policy is the retry posture for one channel.
type Policy struct {
	// MaxAttempts caps total attempts, the first included.
	MaxAttempts int

	// BaseDelay is the delay before the second attempt; subsequent delays
	// double until MaxDelay.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration
}

// Delay computes the backoff before attempt k (1-indexed):
// min(base * 2^(k-1), max). Delays are non-decreasing until the cap.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Strategy maps channels to policies.
type Strategy struct {
	policies map[string]Policy
	fallback Policy
}

// DefaultStrategy returns the tuned per-channel policies. Queued channels
// back off in tens of seconds through the queue's delayed redelivery;
// in-app retries in-process with sub-second delays.
func DefaultStrategy() *Strategy {
	return &Strategy{
		policies: map[string]Policy{
			"email":    {MaxAttempts: 3, BaseDelay: 30 * time.Second, MaxDelay: 10 * time.Minute},
			"sms":      {MaxAttempts: 3, BaseDelay: 30 * time.Second, MaxDelay: 10 * time.Minute},
			"whatsapp": {MaxAttempts: 3, BaseDelay: 30 * time.Second, MaxDelay: 10 * time.Minute},
			"push":     {MaxAttempts: 5, BaseDelay: 15 * time.Second, MaxDelay: 5 * time.Minute},
			"in_app":   {MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second},
		},
		fallback: Policy{MaxAttempts: 3, BaseDelay: 30 * time.Second, MaxDelay: 10 * time.Minute},
	}
}

// NewStrategy builds a strategy from explicit policies, falling back to
// fallback for unknown channels.
func NewStrategy(policies map[string]Policy, fallback Policy) *Strategy {
	return &Strategy{policies: policies, fallback: fallback}
}

// ForChannel returns the channel's retry policy.
func (s *Strategy) ForChannel(channel string) Policy {
	if p, ok := s.policies[channel]; ok {
		return p
	}
	return s.fallback
}

// SetPolicy overrides one channel's policy.
func (s *Strategy) SetPolicy(channel string, p Policy) {
	s.policies[channel] = p
}
