package redis

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	connKeyPrefix = "conn:user:"
	connCountKey  = "conn:count"
)

// addConnScript adds a connection id to the user's set and bumps the
// approximate global counter only when the member is new, then refreshes
// the set's TTL.
// KEYS[1] user set, KEYS[2] counter, ARGV[1] conn id, ARGV[2] ttl ms.
var addConnScript = redis.NewScript(`
local added = redis.call('SADD', KEYS[1], ARGV[1])
if added == 1 then
	redis.call('INCR', KEYS[2])
end
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return added
`)

// removeConnScript removes a connection id, decrements the counter only if
// removal actually occurred (guarding against double-decrement), and
// deletes the set outright when it becomes empty so no residual key lingers.
// KEYS[1] user set, KEYS[2] counter, ARGV[1] conn id.
var removeConnScript = redis.NewScript(`
local removed = redis.call('SREM', KEYS[1], ARGV[1])
if removed == 1 then
	local n = tonumber(redis.call('GET', KEYS[2]) or '0')
	if n > 0 then
		redis.call('DECR', KEYS[2])
	end
end
if redis.call('SCARD', KEYS[1]) == 0 then
	redis.call('DEL', KEYS[1])
end
return removed
`)

// ConnectionRegistry tracks active in-app connections per user in Redis:
// a per-user set of socket identifiers with a sliding TTL, plus a
// process-wide approximate counter. The counter is eventually consistent
// and actively reconciled; drift is never a correctness problem because
// in-app delivery degrades to "available on next fetch".
type ConnectionRegistry struct {
	client  *Client
	logger  *zap.Logger
	ttl     time.Duration
	scanCap int
}

// NewConnectionRegistry creates the registry. ttl is the sliding expiry for
// a user's connection set; scanCap bounds the reconciliation fallback scan.
func NewConnectionRegistry(client *Client, ttl time.Duration, scanCap int, logger *zap.Logger) *ConnectionRegistry {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	if scanCap <= 0 {
		scanCap = 1000
	}
	return &ConnectionRegistry{
		client:  client,
		logger:  logger,
		ttl:     ttl,
		scanCap: scanCap,
	}
}

func userKey(userID string) string {
	return connKeyPrefix + EscapeKeyPart(userID)
}

// Add registers a connection for a user and refreshes the set's TTL.
func (r *ConnectionRegistry) Add(ctx context.Context, userID, connID string) error {
	return addConnScript.Run(ctx, r.client.rdb,
		[]string{userKey(userID), connCountKey},
		connID, r.ttl.Milliseconds(),
	).Err()
}

// Remove unregisters a connection. The counter is decremented only when the
// member was actually present; an empty set is deleted rather than left as
// a residual key.
func (r *ConnectionRegistry) Remove(ctx context.Context, userID, connID string) error {
	return removeConnScript.Run(ctx, r.client.rdb,
		[]string{userKey(userID), connCountKey},
		connID,
	).Err()
}

// HasConnections reports whether the user currently has any registered
// connections. Errors fail open to false: delivery is skipped silently and
// the notification stays available via the audit trail.
func (r *ConnectionRegistry) HasConnections(ctx context.Context, userID string) bool {
	n, err := r.client.rdb.SCard(ctx, userKey(userID)).Result()
	if err != nil {
		r.logger.Warn("connection set lookup failed", zap.String("user_id", userID), zap.Error(err))
		return false
	}
	return n > 0
}

// Connections returns the user's registered connection ids.
func (r *ConnectionRegistry) Connections(ctx context.Context, userID string) ([]string, error) {
	return r.client.rdb.SMembers(ctx, userKey(userID)).Result()
}

// Refresh extends the sliding TTL on a user's connection set. Called on
// send activity so active users never expire.
func (r *ConnectionRegistry) Refresh(ctx context.Context, userID string) {
	if err := r.client.rdb.PExpire(ctx, userKey(userID), r.ttl).Err(); err != nil {
		r.logger.Warn("failed to refresh connection ttl", zap.String("user_id", userID), zap.Error(err))
	}
}

// ActiveCount returns the approximate number of active connections. The
// fast path reads the counter; if it is missing or invalid, a bounded scan
// recomputes the true total and rewrites the counter.
func (r *ConnectionRegistry) ActiveCount(ctx context.Context) int {
	val, err := r.client.rdb.Get(ctx, connCountKey).Result()
	if err == nil {
		if n, convErr := strconv.Atoi(val); convErr == nil && n >= 0 {
			return n
		}
	} else if err != redis.Nil {
		r.logger.Warn("connection counter read failed", zap.Error(err))
		return 0
	}

	return r.Reconcile(ctx)
}

// Reconcile recomputes the connection counter from the per-user sets. The
// scan is capped both in keys visited and connections counted so the
// worst-case cost stays bounded on large deployments.
func (r *ConnectionRegistry) Reconcile(ctx context.Context) int {
	total := 0
	keys := 0
	var cursor uint64

	for {
		batch, next, err := r.client.rdb.Scan(ctx, cursor, connKeyPrefix+"*", 100).Result()
		if err != nil {
			r.logger.Warn("connection reconciliation scan failed", zap.Error(err))
			return total
		}
		for _, key := range batch {
			n, err := r.client.rdb.SCard(ctx, key).Result()
			if err != nil {
				continue
			}
			total += int(n)
			keys++
			if keys >= r.scanCap || total >= r.scanCap {
				r.logger.Warn("connection reconciliation hit scan cap",
					zap.Int("keys", keys),
					zap.Int("total", total),
				)
				r.writeCount(ctx, total)
				return total
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	r.writeCount(ctx, total)
	return total
}

func (r *ConnectionRegistry) writeCount(ctx context.Context, total int) {
	if err := r.client.rdb.Set(ctx, connCountKey, total, 0).Err(); err != nil {
		r.logger.Warn("failed to rewrite connection counter", zap.Error(err))
	}
}

// ScanUsers invokes fn for each user id with a registered connection set,
// visiting at most cap keys. Used by the stale-connection sweep.
func (r *ConnectionRegistry) ScanUsers(ctx context.Context, cap int, fn func(userID string) error) error {
	visited := 0
	var cursor uint64
	for {
		batch, next, err := r.client.rdb.Scan(ctx, cursor, connKeyPrefix+"*", 100).Result()
		if err != nil {
			return err
		}
		for _, key := range batch {
			if err := fn(strings.TrimPrefix(key, connKeyPrefix)); err != nil {
				return err
			}
			visited++
			if cap > 0 && visited >= cap {
				return nil
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// TTL returns the remaining TTL for a user's connection set.
func (r *ConnectionRegistry) TTL(ctx context.Context, userID string) (time.Duration, error) {
	return r.client.rdb.PTTL(ctx, userKey(userID)).Result()
}

// DropUser deletes a user's connection set entirely and reconciles the
// counter by the number of members removed. Used when the sweep treats a
// set as abandoned.
func (r *ConnectionRegistry) DropUser(ctx context.Context, userID string) error {
	key := userKey(userID)
	n, err := r.client.rdb.SCard(ctx, key).Result()
	if err != nil {
		return err
	}
	if err := r.client.rdb.Del(ctx, key).Err(); err != nil {
		return err
	}
	if n > 0 {
		if err := r.client.rdb.DecrBy(ctx, connCountKey, n).Err(); err != nil {
			r.logger.Warn("failed to adjust connection counter", zap.Error(err))
		}
	}
	return nil
}
