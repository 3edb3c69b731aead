package redis

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ChannelPolicy bounds send volume for one channel: a global cap on the
// channel as a whole plus a per-user cap.
type ChannelPolicy struct {
	Limit         int
	Window        time.Duration
	PerUserLimit  int
	PerUserWindow time.Duration
}

// DefaultChannelPolicies returns the product-tuned per-channel limits.
// Override individual channels via ChannelRateLimit.SetPolicy.
func DefaultChannelPolicies() map[string]ChannelPolicy {
	return map[string]ChannelPolicy{
		"email":    {Limit: 600, Window: time.Minute, PerUserLimit: 10, PerUserWindow: time.Minute},
		"sms":      {Limit: 300, Window: time.Minute, PerUserLimit: 5, PerUserWindow: time.Minute},
		"whatsapp": {Limit: 300, Window: time.Minute, PerUserLimit: 5, PerUserWindow: time.Minute},
		"push":     {Limit: 1200, Window: time.Minute, PerUserLimit: 30, PerUserWindow: time.Minute},
		"in_app":   {Limit: 3000, Window: time.Minute, PerUserLimit: 30, PerUserWindow: time.Minute},
	}
}

// ChannelRateLimit applies per-channel and per-user rate limit policy on
// top of the sliding-window limiter. Like the limiter itself it fails open:
// a Redis outage never blocks delivery.
type ChannelRateLimit struct {
	limiter  *RateLimiter
	policies map[string]ChannelPolicy
	logger   *zap.Logger
}

// NewChannelRateLimit creates the per-channel rate limit service.
func NewChannelRateLimit(limiter *RateLimiter, policies map[string]ChannelPolicy, logger *zap.Logger) *ChannelRateLimit {
	if policies == nil {
		policies = DefaultChannelPolicies()
	}
	return &ChannelRateLimit{
		limiter:  limiter,
		policies: policies,
		logger:   logger,
	}
}

// SetPolicy overrides the policy for one channel.
func (s *ChannelRateLimit) SetPolicy(channel string, p ChannelPolicy) {
	s.policies[channel] = p
}

// AllowChannel checks the channel-wide cap. Channels without a policy are
// unlimited.
func (s *ChannelRateLimit) AllowChannel(ctx context.Context, channel string) bool {
	p, ok := s.policies[channel]
	if !ok || p.Limit <= 0 {
		return true
	}
	res := s.limiter.Allow(ctx, "channel:"+channel, p.Limit, p.Window)
	return res.Allowed
}

// AllowUser checks the per-user cap for a channel. Returns the full result
// so callers can surface reset timing to the client.
func (s *ChannelRateLimit) AllowUser(ctx context.Context, channel, userID string) *RateLimitResult {
	p, ok := s.policies[channel]
	if !ok || p.PerUserLimit <= 0 {
		return &RateLimitResult{Allowed: true}
	}
	key := "user:" + channel + ":" + EscapeKeyPart(userID)
	return s.limiter.Allow(ctx, key, p.PerUserLimit, p.PerUserWindow)
}
