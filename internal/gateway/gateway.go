// Package gateway handles in-app delivery: the distributed registry of
// active connections and the rate-limited, retried push to a user's
// transport group. The transport itself (socket accept/close, group fanout)
// is a collaborator behind the Broadcaster interface.
package gateway

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/db"
	"github.com/beaconhq/beacon/internal/metrics"
	beaconredis "github.com/beaconhq/beacon/internal/redis"
	"github.com/beaconhq/beacon/internal/retry"
)

// ErrUnauthenticated is returned when a connection arrives without a user
// identity.
var ErrUnauthenticated = errors.New("connection requires an authenticated user")

// Broadcaster is the live transport. Broadcast pushes a payload to every
// socket in the user's group; IsConnected answers liveness probes from the
// cleanup sweep.
type Broadcaster interface {
	Broadcast(ctx context.Context, userID string, payload []byte) error
	IsConnected(connID string) bool
}

// ThrottleNotifier surfaces a client-visible throttle signal when a user's
// in-app deliveries are being rate limited.
type ThrottleNotifier interface {
	NotifyThrottled(ctx context.Context, userID string, resetAt time.Time)
}

// Gateway coordinates in-app notification delivery.
type Gateway struct {
	registry    *beaconredis.ConnectionRegistry
	limits      *beaconredis.ChannelRateLimit
	broadcaster Broadcaster
	throttle    ThrottleNotifier
	strategy    *retry.Strategy
	batcher     *metrics.Batcher
	logger      *zap.Logger

	// sleep is swapped in tests to avoid real backoff waits.
	sleep func(time.Duration)
}

// New creates the gateway. throttle may be nil.
func New(
	registry *beaconredis.ConnectionRegistry,
	limits *beaconredis.ChannelRateLimit,
	broadcaster Broadcaster,
	throttle ThrottleNotifier,
	strategy *retry.Strategy,
	batcher *metrics.Batcher,
	logger *zap.Logger,
) *Gateway {
	return &Gateway{
		registry:    registry,
		limits:      limits,
		broadcaster: broadcaster,
		throttle:    throttle,
		strategy:    strategy,
		batcher:     batcher,
		logger:      logger,
		sleep:       time.Sleep,
	}
}

// HandleConnect registers an authenticated connection and refreshes the
// active-connection gauge.
func (g *Gateway) HandleConnect(ctx context.Context, userID, connID string) error {
	if userID == "" {
		return ErrUnauthenticated
	}
	if err := g.registry.Add(ctx, userID, connID); err != nil {
		return err
	}
	g.logger.Debug("connection registered",
		zap.String("user_id", userID),
		zap.String("conn_id", connID),
	)
	g.batcher.SetGauge("active_connections", float64(g.registry.ActiveCount(ctx)))
	return nil
}

// HandleDisconnect unregisters a connection. The registry guards against
// double-decrement and removes the set entirely when it empties.
func (g *Gateway) HandleDisconnect(ctx context.Context, userID, connID string) error {
	if err := g.registry.Remove(ctx, userID, connID); err != nil {
		return err
	}
	g.logger.Debug("connection removed",
		zap.String("user_id", userID),
		zap.String("conn_id", connID),
	)
	g.batcher.SetGauge("active_connections", float64(g.registry.ActiveCount(ctx)))
	return nil
}

// SendToUser pushes an in-app notification. Failure never propagates: a
// rate-limited or undeliverable notification stays durably queryable via
// the audit trail, so the worst case is "available on next fetch".
func (g *Gateway) SendToUser(ctx context.Context, userID string, payload []byte) {
	res := g.limits.AllowUser(ctx, db.ChannelInApp, userID)
	if !res.Allowed {
		g.logger.Debug("in-app delivery throttled",
			zap.String("user_id", userID),
			zap.Time("reset_at", res.ResetAt),
		)
		g.batcher.IncrCounter(metrics.KindRateLimited, db.ChannelInApp, 1)
		if g.throttle != nil {
			g.throttle.NotifyThrottled(ctx, userID, res.ResetAt)
		}
		return
	}

	if !g.registry.HasConnections(ctx, userID) {
		// Nothing to push to; the client will see it on the next poll.
		return
	}

	g.registry.Refresh(ctx, userID)
	g.broadcastWithRetry(ctx, userID, payload)
}

// broadcastWithRetry attempts the broadcast up to the channel's attempt cap
// with exponential backoff. Exhaustion is logged and counted, never thrown.
func (g *Gateway) broadcastWithRetry(ctx context.Context, userID string, payload []byte) {
	policy := g.strategy.ForChannel(db.ChannelInApp)

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			g.batcher.IncrCounter(metrics.KindRetry, db.ChannelInApp, 1)
			g.sleep(policy.Delay(attempt - 1))
		}

		start := time.Now()
		lastErr = g.broadcaster.Broadcast(ctx, userID, payload)
		if lastErr == nil {
			g.batcher.IncrCounter(metrics.KindSent, db.ChannelInApp, 1)
			g.batcher.ObserveLatency(db.ChannelInApp, time.Since(start))
			return
		}

		g.logger.Warn("in-app broadcast attempt failed",
			zap.String("user_id", userID),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)
	}

	g.batcher.IncrCounter(metrics.KindFailed, db.ChannelInApp, 1)
	g.logger.Error("in-app broadcast exhausted retries",
		zap.String("user_id", userID),
		zap.Int("attempts", policy.MaxAttempts),
		zap.Error(lastErr),
	)
}

// ActiveConnections reads the approximate gauge, reconciling on demand if
// the fast counter is missing.
func (g *Gateway) ActiveConnections(ctx context.Context) int {
	return g.registry.ActiveCount(ctx)
}

// Registry exposes the connection registry for the cleanup sweep.
func (g *Gateway) Registry() *beaconredis.ConnectionRegistry {
	return g.registry
}
