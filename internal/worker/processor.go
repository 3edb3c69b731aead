// Package worker consumes notification jobs from the queue with bounded
// concurrency and decides, per attempt, between retry and terminal failure.
package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/beaconhq/beacon/internal/db"
	"github.com/beaconhq/beacon/internal/metrics"
	"github.com/beaconhq/beacon/internal/queue"
	"github.com/beaconhq/beacon/internal/retry"
	"github.com/beaconhq/beacon/internal/sender"
)

// JobQueue is the slice of the queue the processor uses.
type JobQueue interface {
	Enqueue(ctx context.Context, job *queue.Job, delay time.Duration) error
	Receive(ctx context.Context) (*queue.Job, string, error)
	Delete(ctx context.Context, receiptHandle string) error
	Backlog(ctx context.Context) (int, error)
}

// Dispatcher runs the per-channel delivery pipeline. Satisfied by
// *sender.Service.
type Dispatcher interface {
	Send(ctx context.Context, job *queue.Job) []sender.ChannelResult
}

// Config tunes the processor.
type Config struct {
	// Concurrency is the number of parallel consumers.
	Concurrency int

	// RetryThreshold is how many failed attempts may be retried before the
	// job goes terminal. attemptsMade < RetryThreshold means RETRYING.
	RetryThreshold int

	// BacklogWarning / BacklogCritical trigger operator alerts when the
	// queue depth crosses them.
	BacklogWarning  int
	BacklogCritical int
}

// Processor is the queue worker: it consumes jobs, invokes the sender,
// interprets results, updates persisted status, and fires backlog alerts.
// It is the single authority on retry-vs-terminal.
type Processor struct {
	queue    JobQueue
	sender   Dispatcher
	store    sender.AuditStore
	strategy *retry.Strategy
	batcher  *metrics.Batcher
	config   Config
	logger   *zap.Logger
}

// New creates a processor.
func New(
	q JobQueue,
	dispatcher Dispatcher,
	store sender.AuditStore,
	strategy *retry.Strategy,
	batcher *metrics.Batcher,
	cfg Config,
	logger *zap.Logger,
) *Processor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.RetryThreshold <= 0 {
		cfg.RetryThreshold = 2
	}
	if cfg.BacklogWarning <= 0 {
		cfg.BacklogWarning = 500
	}
	if cfg.BacklogCritical <= 0 {
		cfg.BacklogCritical = 2000
	}
	return &Processor{
		queue:    q,
		sender:   dispatcher,
		store:    store,
		strategy: strategy,
		batcher:  batcher,
		config:   cfg,
		logger:   logger,
	}
}

// Start runs Concurrency consumer loops until ctx is cancelled.
func (p *Processor) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.config.Concurrency; i++ {
		g.Go(func() error {
			p.consumeLoop(ctx)
			return nil
		})
	}
	p.logger.Info("processor started", zap.Int("concurrency", p.config.Concurrency))
	return g.Wait()
}

func (p *Processor) consumeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, receipt, err := p.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if receipt != "" {
				// Poison message: unparseable body. Delete it so it does
				// not cycle through the queue forever.
				p.logger.Error("dropping malformed queue message", zap.Error(err))
				_ = p.queue.Delete(ctx, receipt)
				continue
			}
			p.logger.Error("queue receive failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue
		}

		p.Process(ctx, job)

		if err := p.queue.Delete(ctx, receipt); err != nil {
			p.logger.Error("failed to delete processed message",
				zap.String("job_id", job.JobID),
				zap.Error(err),
			)
		}

		p.checkBacklog(ctx)
	}
}

// Process handles one job attempt end to end. Retry scheduling happens by
// re-enqueueing the next attempt with a backoff delay; terminal outcomes
// update the audit trail and stop.
func (p *Processor) Process(ctx context.Context, job *queue.Job) {
	if err := job.Validate(); err != nil {
		// Upstream contract violation; retrying cannot fix it.
		p.logger.Error("malformed job payload, not retrying",
			zap.String("job_id", job.JobID),
			zap.Error(err),
		)
		return
	}

	attempt := job.Attempt + 1
	results := p.sender.Send(ctx, job)

	if sender.AnySuccess(results) {
		p.logger.Info("notification delivered",
			zap.String("job_id", job.JobID),
			zap.String("correlation_id", job.CorrelationID),
			zap.Int("attempt", attempt),
		)
		return
	}

	summary := sender.ErrorSummary(results)
	retryable := job.Retryable && sender.AnyRetryable(results)
	willRetry := retryable && job.Attempt < p.config.RetryThreshold

	status := db.StatusFailed
	if willRetry {
		status = db.StatusRetrying
	}
	p.updateStatuses(ctx, job, results, status)

	if !willRetry {
		p.logger.Error("notification failed permanently",
			zap.String("job_id", job.JobID),
			zap.String("correlation_id", job.CorrelationID),
			zap.Int("attempt", attempt),
			zap.Bool("retryable", retryable),
			zap.String("errors", summary),
		)
		return
	}

	delay := p.backoffDelay(results, attempt)
	next := job.NextAttempt()
	if err := p.queue.Enqueue(ctx, next, delay); err != nil {
		// Could not schedule the retry; the audit row stays RETRYING and
		// the reconciliation path (manual re-enqueue from the audit trail)
		// is the fallback.
		p.logger.Error("failed to enqueue retry",
			zap.String("job_id", job.JobID),
			zap.Error(err),
		)
		return
	}

	for _, r := range results {
		if !r.Success {
			p.batcher.IncrCounter(metrics.KindRetry, r.Channel, 1)
		}
	}

	p.logger.Warn("notification attempt failed, retry scheduled",
		zap.String("job_id", job.JobID),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
		zap.String("errors", summary),
	)
}

// backoffDelay picks the largest backoff among the failed retryable
// channels so the retry does not arrive before the slowest channel is
// ready to be tried again.
func (p *Processor) backoffDelay(results []sender.ChannelResult, attempt int) time.Duration {
	var delay time.Duration
	for _, r := range results {
		if r.Success || !r.Retryable {
			continue
		}
		if d := p.strategy.ForChannel(r.Channel).Delay(attempt); d > delay {
			delay = d
		}
	}
	return delay
}

func (p *Processor) updateStatuses(ctx context.Context, job *queue.Job, results []sender.ChannelResult, status string) {
	now := time.Now()
	for _, r := range results {
		if r.Success {
			continue
		}
		logRow, err := p.store.FindLog(ctx, job.CorrelationID, job.Type, r.Channel, r.Recipient)
		if err != nil {
			continue
		}
		if logRow == nil {
			// The send path may not have gotten far enough to write the
			// row. A failed channel must still end up durably queryable,
			// so create it here before recording the outcome.
			logRow = p.createLog(ctx, job, r)
			if logRow == nil {
				continue
			}
		}
		// Non-retryable channels go terminal regardless of the job-level
		// decision.
		chStatus := status
		if !r.Retryable {
			chStatus = db.StatusFailed
		}
		if err := p.store.UpdateLog(ctx, logRow.ID, db.LogUpdate{
			Status:        &chStatus,
			LastAttemptAt: &now,
		}); err != nil {
			p.logger.Error("failed to update audit status",
				zap.String("log_id", logRow.ID.String()),
				zap.Error(err),
			)
		}
	}
}

// createLog writes the audit row for a failed channel that has none yet.
// The metadata envelope keeps the row replayable through the dead-letter
// retry endpoint.
func (p *Processor) createLog(ctx context.Context, job *queue.Job, r sender.ChannelResult) *db.NotificationLog {
	meta, _ := json.Marshal(db.LogMetadata{
		UserID: job.UserID,
		Data:   job.Data,
	})
	logRow := &db.NotificationLog{
		ID:            uuid.New(),
		CorrelationID: job.CorrelationID,
		Type:          job.Type,
		Channel:       r.Channel,
		Status:        db.StatusPending,
		Recipient:     r.Recipient,
		Metadata:      meta,
	}
	if err := p.store.CreateLog(ctx, logRow); err != nil {
		p.logger.Error("failed to create audit row for failed channel",
			zap.String("job_id", job.JobID),
			zap.String("channel", r.Channel),
			zap.Error(err),
		)
		return nil
	}
	return logRow
}

// checkBacklog refreshes the queue depth gauge and fires threshold alerts.
// This is the operator's only signal of systemic backlog, so it runs after
// every job even though it never affects correctness.
func (p *Processor) checkBacklog(ctx context.Context) {
	depth, err := p.queue.Backlog(ctx)
	if err != nil {
		p.logger.Warn("backlog check failed", zap.Error(err))
		return
	}

	p.batcher.SetGauge("queue_backlog", float64(depth))

	switch {
	case depth >= p.config.BacklogCritical:
		p.logger.Error("queue backlog critical",
			zap.Int("depth", depth),
			zap.Int("threshold", p.config.BacklogCritical),
		)
	case depth >= p.config.BacklogWarning:
		p.logger.Warn("queue backlog elevated",
			zap.Int("depth", depth),
			zap.Int("threshold", p.config.BacklogWarning),
		)
	}
}
