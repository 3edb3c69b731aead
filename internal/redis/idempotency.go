package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"go.uber.org/zap"
)

// maxRecipientKeyLen bounds the recipient portion of an idempotency key.
// Longer identifiers are hashed so arbitrary recipient strings cannot
// exceed Redis key-length limits.
const maxRecipientKeyLen = 64

// IdempotencyCache suppresses duplicate deliveries. A key derived from
// (correlationId, type, channel, recipient) is reserved with SET NX for the
// idempotency TTL; a companion shorter-TTL lock key covers the window
// between "send started" and "result persisted" so two nearly-simultaneous
// retries of the same logical notification collapse into one attempt.
//
// On backing-store failure the cache fails open and reports "not a
// duplicate": a duplicate send is preferable to a silently dropped one.
type IdempotencyCache struct {
	client  *Client
	logger  *zap.Logger
	ttl     time.Duration
	lockTTL time.Duration
}

// NewIdempotencyCache creates the dedup cache. ttl is the reservation
// window; lockTTL is the in-flight lock and should be much shorter.
func NewIdempotencyCache(client *Client, ttl, lockTTL time.Duration, logger *zap.Logger) *IdempotencyCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	return &IdempotencyCache{
		client:  client,
		logger:  logger,
		ttl:     ttl,
		lockTTL: lockTTL,
	}
}

func (c *IdempotencyCache) key(correlationID, typ, channel, recipient string) string {
	r := recipient
	if len(r) > maxRecipientKeyLen {
		sum := sha256.Sum256([]byte(r))
		r = hex.EncodeToString(sum[:])
	}
	return "idem:" + EscapeKeyPart(correlationID) + ":" + EscapeKeyPart(typ) +
		":" + channel + ":" + EscapeKeyPart(r)
}

// CheckAndSet returns true when this delivery is a duplicate and the caller
// must skip the send; false reserves the slot and the caller proceeds.
func (c *IdempotencyCache) CheckAndSet(ctx context.Context, correlationID, typ, channel, recipient string) bool {
	key := c.key(correlationID, typ, channel, recipient)
	lockKey := "lock:" + key

	locked, err := c.client.rdb.SetNX(ctx, lockKey, "1", c.lockTTL).Result()
	if err != nil {
		c.logger.Warn("idempotency lock check failed, proceeding with send",
			zap.String("channel", channel),
			zap.Error(err),
		)
		return false
	}
	if !locked {
		c.logger.Debug("duplicate delivery suppressed by send lock",
			zap.String("correlation_id", correlationID),
			zap.String("channel", channel),
		)
		return true
	}

	reserved, err := c.client.rdb.SetNX(ctx, key, "1", c.ttl).Result()
	if err != nil {
		c.logger.Warn("idempotency reservation failed, proceeding with send",
			zap.String("channel", channel),
			zap.Error(err),
		)
		return false
	}
	if !reserved {
		// Already delivered within the TTL window. Drop the lock we just
		// took so it does not linger for its full TTL.
		_ = c.client.rdb.Del(ctx, lockKey).Err()
		c.logger.Debug("duplicate delivery suppressed by reservation",
			zap.String("correlation_id", correlationID),
			zap.String("channel", channel),
		)
		return true
	}

	return false
}

// Release drops the in-flight lock once the attempt outcome is persisted.
// The reservation itself stays for its full TTL.
func (c *IdempotencyCache) Release(ctx context.Context, correlationID, typ, channel, recipient string) {
	key := c.key(correlationID, typ, channel, recipient)
	if err := c.client.rdb.Del(ctx, "lock:"+key).Err(); err != nil {
		c.logger.Warn("failed to release idempotency lock", zap.Error(err))
	}
}

// Forget clears both the reservation and the lock after a failed attempt so
// a queue-scheduled retry is not mistaken for a duplicate.
func (c *IdempotencyCache) Forget(ctx context.Context, correlationID, typ, channel, recipient string) {
	key := c.key(correlationID, typ, channel, recipient)
	if err := c.client.rdb.Del(ctx, key, "lock:"+key).Err(); err != nil {
		c.logger.Warn("failed to clear idempotency reservation", zap.Error(err))
	}
}
