package metrics

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	beaconredis "github.com/beaconhq/beacon/internal/redis"
)

const (
	countersHash     = "metrics:counters"
	latencySumHash   = "metrics:latency_sum"
	latencyCountHash = "metrics:latency_count"
	gaugesHash       = "metrics:gauges"
)

// RedisSink persists flushed batches into Redis hashes. Counter fields are
// summed with HINCRBY so concurrent worker instances converge on the
// cluster-wide totals.
type RedisSink struct {
	client *beaconredis.Client
	logger *zap.Logger
}

// NewRedisSink creates the Redis-backed metrics sink.
func NewRedisSink(client *beaconredis.Client, logger *zap.Logger) *RedisSink {
	return &RedisSink{client: client, logger: logger}
}

// Flush writes one batch in a single pipeline round trip.
func (s *RedisSink) Flush(ctx context.Context, b Batch) error {
	pipe := s.client.Redis().Pipeline()
	for field, delta := range b.Counters {
		pipe.HIncrBy(ctx, countersHash, field, delta)
	}
	for channel, sum := range b.LatencySum {
		pipe.HIncrByFloat(ctx, latencySumHash, channel, sum)
	}
	for channel, count := range b.LatencyCount {
		pipe.HIncrBy(ctx, latencyCountHash, channel, count)
	}
	for name, v := range b.Gauges {
		pipe.HSet(ctx, gaugesHash, name, v)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("metrics pipeline failed: %w", err)
	}
	return nil
}

// ChannelSummary is the per-channel slice of the JSON summary.
type ChannelSummary struct {
	Sent         int64   `json:"sent"`
	Failed       int64   `json:"failed"`
	Retries      int64   `json:"retries"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
}

// Summary is the JSON view of the flushed aggregates.
type Summary struct {
	Channels          map[string]*ChannelSummary `json:"channels"`
	DuplicatesBlocked int64                      `json:"duplicates_blocked"`
	RateLimited       int64                      `json:"rate_limited"`
	CircuitRejected   int64                      `json:"circuit_rejected"`
	QueueBacklog      float64                    `json:"queue_backlog"`
	ActiveConnections float64                    `json:"active_connections"`
}

// ReadSummary assembles the JSON summary from the Redis aggregates.
func (s *RedisSink) ReadSummary(ctx context.Context) (*Summary, error) {
	rdb := s.client.Redis()

	counters, err := rdb.HGetAll(ctx, countersHash).Result()
	if err != nil {
		return nil, fmt.Errorf("read counters: %w", err)
	}
	sums, err := rdb.HGetAll(ctx, latencySumHash).Result()
	if err != nil {
		return nil, fmt.Errorf("read latency sums: %w", err)
	}
	counts, err := rdb.HGetAll(ctx, latencyCountHash).Result()
	if err != nil {
		return nil, fmt.Errorf("read latency counts: %w", err)
	}
	gauges, err := rdb.HGetAll(ctx, gaugesHash).Result()
	if err != nil {
		return nil, fmt.Errorf("read gauges: %w", err)
	}

	out := &Summary{Channels: make(map[string]*ChannelSummary)}
	chFor := func(channel string) *ChannelSummary {
		cs, ok := out.Channels[channel]
		if !ok {
			cs = &ChannelSummary{}
			out.Channels[channel] = cs
		}
		return cs
	}

	for field, raw := range counters {
		n, convErr := strconv.ParseInt(raw, 10, 64)
		if convErr != nil {
			continue
		}
		kind, channel, found := strings.Cut(field, ":")
		if !found {
			continue
		}
		switch kind {
		case KindSent:
			chFor(channel).Sent = n
		case KindFailed:
			chFor(channel).Failed = n
		case KindRetry:
			chFor(channel).Retries = n
		case KindDuplicate:
			out.DuplicatesBlocked += n
		case KindRateLimited:
			out.RateLimited += n
		case KindCircuitOpen:
			out.CircuitRejected += n
		}
	}

	for channel, raw := range sums {
		sum, convErr := strconv.ParseFloat(raw, 64)
		if convErr != nil {
			continue
		}
		count, convErr := strconv.ParseInt(counts[channel], 10, 64)
		if convErr != nil || count == 0 {
			continue
		}
		chFor(channel).AvgLatencyMS = sum / float64(count) * 1000
	}

	if v, convErr := strconv.ParseFloat(gauges["queue_backlog"], 64); convErr == nil {
		out.QueueBacklog = v
	}
	if v, convErr := strconv.ParseFloat(gauges["active_connections"], 64); convErr == nil {
		out.ActiveConnections = v
	}

	return out, nil
}
