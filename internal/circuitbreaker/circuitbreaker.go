// Package circuitbreaker implements a per-channel circuit breaker whose
// failure window and state live in Redis, so every worker instance sees the
// same view of a failing provider.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	beaconredis "github.com/beaconhq/beacon/internal/redis"
)

// State represents the current state of a channel's circuit.
//
// State transitions:
//
//	Closed -> Open:      failures within the trailing window reach the threshold
//	Open -> HalfOpen:    the open marker expires after the reset timeout
//	HalfOpen -> Closed:  a probe succeeds (failure window cleared)
//	HalfOpen -> Open:    a probe fails (reset clock restarts)
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when the circuit is open and the call was
// rejected without invoking the operation. It distinguishes "didn't even
// try" from "tried and failed".
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds the tuning for every channel's breaker.
type Config struct {
	// ErrorThreshold is the failure count within Window that opens the circuit.
	ErrorThreshold int

	// Window is the trailing period failures are counted over.
	Window time.Duration

	// ResetTimeout is how long the circuit stays open before probing.
	ResetTimeout time.Duration

	// ProbeTimeout bounds how long a half-open probe slot is held.
	ProbeTimeout time.Duration
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		ErrorThreshold: 5,
		Window:         60 * time.Second,
		ResetTimeout:   30 * time.Second,
		ProbeTimeout:   20 * time.Second,
	}
}

// recordFailureScript appends a failure timestamp, prunes entries outside
// the trailing window, and returns the pruned count — one round trip so a
// stale entry can never produce a false positive against the threshold.
// KEYS[1] failure zset, ARGV[1] now ms, ARGV[2] window ms.
var recordFailureScript = redis.NewScript(`
redis.call('ZADD', KEYS[1], tonumber(ARGV[1]), ARGV[1] .. '-' .. ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', tonumber(ARGV[1]) - tonumber(ARGV[2]))
redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[2]))
return redis.call('ZCARD', KEYS[1])
`)

// countFailuresScript prunes then counts, without recording.
// KEYS[1] failure zset, ARGV[1] now ms, ARGV[2] window ms.
var countFailuresScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', tonumber(ARGV[1]) - tonumber(ARGV[2]))
return redis.call('ZCARD', KEYS[1])
`)

const (
	markerOpen     = "open"
	markerHalfOpen = "half_open"
)

// Breaker guards channel sends with a sliding-window failure count in Redis.
//
// The explicit state marker auto-expires, so the breaker self-heals even if
// no success is ever recorded: an expired open marker downgrades to
// half-open, and an expired half-open marker falls back to whatever the
// failure window implies.
//
// Backing-store failures are treated as CLOSED — the call is allowed. A
// broken observability path must never become an outage amplifier.
type Breaker struct {
	client *beaconredis.Client
	config Config
	logger *zap.Logger
}

// New creates a breaker shared by all channels.
func New(client *beaconredis.Client, cfg Config, logger *zap.Logger) *Breaker {
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Second
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 20 * time.Second
	}

	logger.Info("circuit breaker initialized",
		zap.Int("error_threshold", cfg.ErrorThreshold),
		zap.Duration("window", cfg.Window),
		zap.Duration("reset_timeout", cfg.ResetTimeout),
	)

	return &Breaker{client: client, config: cfg, logger: logger}
}

func failuresKey(channel string) string { return "cb:" + channel + ":failures" }
func stateKey(channel string) string    { return "cb:" + channel + ":state" }
func probeKey(channel string) string    { return "cb:" + channel + ":probe" }

// State resolves the channel's current state. Absence of a marker with a
// failure count at or above the threshold means the open marker has
// expired, which transitions the circuit to half-open.
func (b *Breaker) State(ctx context.Context, channel string) State {
	rdb := b.client.Redis()

	marker, err := rdb.Get(ctx, stateKey(channel)).Result()
	if err != nil && err != redis.Nil {
		b.logger.Warn("circuit state read failed, treating as closed",
			zap.String("channel", channel),
			zap.Error(err),
		)
		return StateClosed
	}

	switch marker {
	case markerOpen:
		return StateOpen
	case markerHalfOpen:
		return StateHalfOpen
	}

	now := time.Now()
	count, err := countFailuresScript.Run(ctx, rdb,
		[]string{failuresKey(channel)},
		now.UnixMilli(), b.config.Window.Milliseconds(),
	).Int()
	if err != nil {
		b.logger.Warn("circuit failure count failed, treating as closed",
			zap.String("channel", channel),
			zap.Error(err),
		)
		return StateClosed
	}

	if count >= b.config.ErrorThreshold {
		// The open marker expired with the window still saturated: enter
		// half-open so the next call probes the provider.
		if err := rdb.Set(ctx, stateKey(channel), markerHalfOpen, b.config.ResetTimeout).Err(); err != nil {
			b.logger.Warn("failed to persist half-open marker", zap.Error(err))
		}
		b.logger.Info("circuit entering half-open",
			zap.String("channel", channel),
			zap.Int("failures", count),
		)
		return StateHalfOpen
	}

	return StateClosed
}

// Execute runs op under the channel's breaker. When open, it returns
// ErrCircuitOpen without invoking op. In half-open, exactly one concurrent
// caller holds the probe slot; the rest are rejected as if open.
func (b *Breaker) Execute(ctx context.Context, channel string, op func(context.Context) error) error {
	state := b.State(ctx, channel)

	switch state {
	case StateOpen:
		return fmt.Errorf("%w: channel %s", ErrCircuitOpen, channel)

	case StateHalfOpen:
		acquired, err := b.client.Redis().SetNX(ctx, probeKey(channel), "1", b.config.ProbeTimeout).Result()
		if err != nil {
			b.logger.Warn("probe slot check failed, allowing call", zap.Error(err))
		} else if !acquired {
			return fmt.Errorf("%w: channel %s (probe in flight)", ErrCircuitOpen, channel)
		}
	}

	err := op(ctx)
	if err != nil {
		b.RecordFailure(ctx, channel, state)
		return err
	}

	b.RecordSuccess(ctx, channel, state)
	return nil
}

// RecordSuccess clears the failure window. In half-open this closes the
// circuit.
func (b *Breaker) RecordSuccess(ctx context.Context, channel string, state State) {
	rdb := b.client.Redis()
	if err := rdb.Del(ctx, failuresKey(channel), stateKey(channel), probeKey(channel)).Err(); err != nil {
		b.logger.Warn("failed to clear circuit state on success",
			zap.String("channel", channel),
			zap.Error(err),
		)
		return
	}
	if state == StateHalfOpen {
		b.logger.Info("circuit closed, channel recovered", zap.String("channel", channel))
	}
}

// RecordFailure appends to the failure window and opens the circuit when
// the threshold is reached, or immediately when a half-open probe fails.
func (b *Breaker) RecordFailure(ctx context.Context, channel string, state State) {
	rdb := b.client.Redis()
	now := time.Now()

	count, err := recordFailureScript.Run(ctx, rdb,
		[]string{failuresKey(channel)},
		now.UnixMilli(), b.config.Window.Milliseconds(), now.UnixNano(),
	).Int()
	if err != nil {
		b.logger.Warn("failed to record circuit failure",
			zap.String("channel", channel),
			zap.Error(err),
		)
		return
	}

	if state == StateHalfOpen {
		b.open(ctx, channel, count, "probe failed")
		_ = rdb.Del(ctx, probeKey(channel)).Err()
		return
	}

	if count >= b.config.ErrorThreshold {
		b.open(ctx, channel, count, "failure threshold reached")
	}
}

func (b *Breaker) open(ctx context.Context, channel string, count int, reason string) {
	if err := b.client.Redis().Set(ctx, stateKey(channel), markerOpen, b.config.ResetTimeout).Err(); err != nil {
		b.logger.Warn("failed to persist open marker", zap.Error(err))
		return
	}
	b.logger.Warn("circuit OPENED",
		zap.String("channel", channel),
		zap.String("reason", reason),
		zap.Int("failures", count),
		zap.Duration("reset_timeout", b.config.ResetTimeout),
	)
}

// Reset manually closes a channel's circuit. Operator override.
func (b *Breaker) Reset(ctx context.Context, channel string) error {
	err := b.client.Redis().Del(ctx,
		failuresKey(channel), stateKey(channel), probeKey(channel)).Err()
	if err != nil {
		return fmt.Errorf("circuit reset failed: %w", err)
	}
	b.logger.Info("circuit manually reset", zap.String("channel", channel))
	return nil
}

// ChannelHealth is one channel's breaker view for the monitoring surface.
type ChannelHealth struct {
	Channel  string `json:"channel"`
	State    string `json:"state"`
	Failures int    `json:"failures"`
}

// HealthStatus reports the state and current failure count per channel.
func (b *Breaker) HealthStatus(ctx context.Context, channels []string) []ChannelHealth {
	out := make([]ChannelHealth, 0, len(channels))
	now := time.Now()
	for _, ch := range channels {
		count, err := countFailuresScript.Run(ctx, b.client.Redis(),
			[]string{failuresKey(ch)},
			now.UnixMilli(), b.config.Window.Milliseconds(),
		).Int()
		if err != nil {
			count = 0
		}
		out = append(out, ChannelHealth{
			Channel:  ch,
			State:    b.State(ctx, ch).String(),
			Failures: count,
		})
	}
	return out
}
