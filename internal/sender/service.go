package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/circuitbreaker"
	"github.com/beaconhq/beacon/internal/db"
	"github.com/beaconhq/beacon/internal/metrics"
	"github.com/beaconhq/beacon/internal/queue"
	beaconredis "github.com/beaconhq/beacon/internal/redis"
)

// AuditStore persists NotificationLog rows. Satisfied by *db.Repository.
type AuditStore interface {
	FindLog(ctx context.Context, correlationID, typ, channel, recipient string) (*db.NotificationLog, error)
	CreateLog(ctx context.Context, log *db.NotificationLog) error
	UpdateLog(ctx context.Context, id uuid.UUID, upd db.LogUpdate) error
}

// ChannelResult is the per-channel outcome of one send attempt.
type ChannelResult struct {
	Channel     string
	Recipient   string
	Success     bool
	Duplicate   bool
	CircuitOpen bool
	RateLimited bool
	Retryable   bool
	Err         error
	Latency     time.Duration
}

// AnySuccess reports whether at least one channel delivered.
func AnySuccess(results []ChannelResult) bool {
	for _, r := range results {
		if r.Success {
			return true
		}
	}
	return false
}

// AnyRetryable reports whether any failed channel is worth retrying.
func AnyRetryable(results []ChannelResult) bool {
	for _, r := range results {
		if !r.Success && r.Retryable {
			return true
		}
	}
	return false
}

// ErrorSummary concatenates per-channel failure reasons.
func ErrorSummary(results []ChannelResult) string {
	var parts []string
	for _, r := range results {
		if !r.Success && r.Err != nil {
			parts = append(parts, r.Channel+": "+r.Err.Error())
		}
	}
	return strings.Join(parts, "; ")
}

// DefaultTimeouts bounds each channel's send. Exceeding the budget counts
// as a failure against the circuit breaker.
func DefaultTimeouts() map[string]time.Duration {
	return map[string]time.Duration{
		db.ChannelEmail:    15 * time.Second,
		db.ChannelSMS:      10 * time.Second,
		db.ChannelWhatsApp: 10 * time.Second,
		db.ChannelPush:     10 * time.Second,
		db.ChannelInApp:    30 * time.Second,
	}
}

// Service runs the per-channel delivery pipeline: idempotency check,
// channel rate limit, circuit-breaker-guarded adapter call with a timeout
// budget, outcome metrics, and the audit trail.
type Service struct {
	adapters map[string]Adapter
	breaker  *circuitbreaker.Breaker
	idem     *beaconredis.IdempotencyCache
	limits   *beaconredis.ChannelRateLimit
	batcher  *metrics.Batcher
	store    AuditStore
	timeouts map[string]time.Duration
	logger   *zap.Logger
}

// NewService wires the delivery pipeline. timeouts may be nil for defaults.
func NewService(
	adapters []Adapter,
	breaker *circuitbreaker.Breaker,
	idem *beaconredis.IdempotencyCache,
	limits *beaconredis.ChannelRateLimit,
	batcher *metrics.Batcher,
	store AuditStore,
	timeouts map[string]time.Duration,
	logger *zap.Logger,
) *Service {
	byChannel := make(map[string]Adapter, len(adapters))
	for _, a := range adapters {
		byChannel[a.Channel()] = a
	}
	if timeouts == nil {
		timeouts = DefaultTimeouts()
	}
	return &Service{
		adapters: byChannel,
		breaker:  breaker,
		idem:     idem,
		limits:   limits,
		batcher:  batcher,
		store:    store,
		timeouts: timeouts,
		logger:   logger,
	}
}

// Send delivers the job over each of its channels and returns a result per
// channel. The caller aggregates: the job succeeded if any channel did.
func (s *Service) Send(ctx context.Context, job *queue.Job) []ChannelResult {
	results := make([]ChannelResult, 0, len(job.Channels))
	for _, channel := range job.Channels {
		results = append(results, s.sendChannel(ctx, job, channel))
	}
	return results
}

func (s *Service) sendChannel(ctx context.Context, job *queue.Job, channel string) ChannelResult {
	result := ChannelResult{Channel: channel}

	adapter, ok := s.adapters[channel]
	if !ok {
		result.Err = fmt.Errorf("%w: no adapter for channel %s", ErrNonRetryable, channel)
		s.recordFailure(ctx, job, channel, "", &result)
		return result
	}

	recipient, err := adapter.Recipient(job)
	if err != nil {
		result.Err = err
		s.recordFailure(ctx, job, channel, recipient, &result)
		return result
	}
	result.Recipient = recipient

	if s.idem.CheckAndSet(ctx, job.CorrelationID, job.Type, channel, recipient) {
		s.batcher.IncrCounter(metrics.KindDuplicate, channel, 1)
		s.logger.Info("duplicate delivery suppressed",
			zap.String("job_id", job.JobID),
			zap.String("channel", channel),
			zap.String("correlation_id", job.CorrelationID),
		)
		result.Success = true
		result.Duplicate = true
		return result
	}

	// The audit row is written before any outcome can occur, so even a
	// rate-limited attempt that goes on to exhaust its retries leaves a
	// durable, replayable trace.
	logRow := s.ensureLog(ctx, job, channel, recipient)

	if !s.limits.AllowChannel(ctx, channel) {
		s.batcher.IncrCounter(metrics.KindRateLimited, channel, 1)
		s.idem.Forget(ctx, job.CorrelationID, job.Type, channel, recipient)
		result.RateLimited = true
		result.Retryable = true
		result.Err = fmt.Errorf("channel %s rate limit exceeded", channel)
		s.markFailedAttempt(ctx, logRow, result.Err)
		return result
	}

	start := time.Now()
	err = s.breaker.Execute(ctx, channel, func(ctx context.Context) error {
		timeout, ok := s.timeouts[channel]
		if !ok {
			timeout = 15 * time.Second
		}
		sendCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return adapter.Send(sendCtx, job)
	})
	result.Latency = time.Since(start)

	switch {
	case err == nil:
		s.batcher.IncrCounter(metrics.KindSent, channel, 1)
		s.batcher.ObserveLatency(channel, result.Latency)
		s.idem.Release(ctx, job.CorrelationID, job.Type, channel, recipient)
		result.Success = true
		s.markSent(ctx, logRow)

	case errors.Is(err, circuitbreaker.ErrCircuitOpen):
		// The adapter was never invoked; this is backpressure, not a
		// provider failure.
		s.batcher.IncrCounter(metrics.KindCircuitOpen, channel, 1)
		s.idem.Forget(ctx, job.CorrelationID, job.Type, channel, recipient)
		result.CircuitOpen = true
		result.Retryable = true
		result.Err = err
		s.markFailedAttempt(ctx, logRow, err)

	default:
		s.batcher.IncrCounter(metrics.KindFailed, channel, 1)
		s.idem.Forget(ctx, job.CorrelationID, job.Type, channel, recipient)
		result.Retryable = !errors.Is(err, ErrNonRetryable)
		result.Err = err
		s.markFailedAttempt(ctx, logRow, err)
		s.logger.Warn("channel send failed",
			zap.String("job_id", job.JobID),
			zap.String("channel", channel),
			zap.Bool("retryable", result.Retryable),
			zap.Error(err),
		)
	}

	return result
}

func (s *Service) recordFailure(ctx context.Context, job *queue.Job, channel, recipient string, result *ChannelResult) {
	s.batcher.IncrCounter(metrics.KindFailed, channel, 1)
	result.Retryable = !errors.Is(result.Err, ErrNonRetryable)
	logRow := s.ensureLog(ctx, job, channel, recipient)
	s.markFailedAttempt(ctx, logRow, result.Err)
}

// ensureLog locates or creates the PENDING audit row for this delivery.
// Audit failures are logged but do not block the send: leaving a trace is
// the goal, losing one must not drop the notification.
func (s *Service) ensureLog(ctx context.Context, job *queue.Job, channel, recipient string) *db.NotificationLog {
	logRow, err := s.store.FindLog(ctx, job.CorrelationID, job.Type, channel, recipient)
	if err != nil {
		s.logger.Error("audit log lookup failed", zap.Error(err))
		return nil
	}
	if logRow != nil {
		return logRow
	}

	// The metadata envelope carries enough to rebuild the job from the
	// audit row alone, which is what the manual dead-letter retry does.
	meta, _ := json.Marshal(db.LogMetadata{
		UserID: job.UserID,
		Data:   job.Data,
	})

	logRow = &db.NotificationLog{
		ID:            uuid.New(),
		CorrelationID: job.CorrelationID,
		Type:          job.Type,
		Channel:       channel,
		Status:        db.StatusPending,
		Recipient:     recipient,
		Metadata:      meta,
	}
	if err := s.store.CreateLog(ctx, logRow); err != nil {
		s.logger.Error("audit log create failed", zap.Error(err))
		return nil
	}
	return logRow
}

func (s *Service) markSent(ctx context.Context, logRow *db.NotificationLog) {
	if logRow == nil {
		return
	}
	status := db.StatusSent
	now := time.Now()
	if err := s.store.UpdateLog(ctx, logRow.ID, db.LogUpdate{
		Status:        &status,
		LastAttemptAt: &now,
	}); err != nil {
		s.logger.Error("audit log update failed", zap.Error(err))
	}
}

func (s *Service) markFailedAttempt(ctx context.Context, logRow *db.NotificationLog, sendErr error) {
	if logRow == nil {
		return
	}
	msg := sendErr.Error()
	retries := logRow.RetryCount + 1
	now := time.Now()
	if err := s.store.UpdateLog(ctx, logRow.ID, db.LogUpdate{
		Error:         &msg,
		RetryCount:    &retries,
		LastAttemptAt: &now,
	}); err != nil {
		s.logger.Error("audit log update failed", zap.Error(err))
	}
}
