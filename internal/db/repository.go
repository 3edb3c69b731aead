package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Repository handles database operations for notification audit logs.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new audit log repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// LogUpdate carries the fields a single attempt outcome may change.
// Nil fields are left untouched.
type LogUpdate struct {
	Status        *string
	Error         *string
	RetryCount    *int
	LastAttemptAt *time.Time
}

// LogFilter narrows List queries.
type LogFilter struct {
	CorrelationID string
	Channel       string
	Status        string
	Limit         int
	Offset        int
}

// CreateLog inserts a new audit log row.
func (r *Repository) CreateLog(ctx context.Context, log *NotificationLog) error {
	query := `
		INSERT INTO notification_logs (
			id, correlation_id, type, channel, status,
			recipient, error, retry_count, last_attempt_at, metadata
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)
		RETURNING created_at, updated_at
	`

	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		log.ID,
		log.CorrelationID,
		log.Type,
		log.Channel,
		log.Status,
		log.Recipient,
		log.Error,
		log.RetryCount,
		log.LastAttemptAt,
		log.Metadata,
	).Scan(&log.CreatedAt, &log.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to create notification log",
			zap.Error(err),
			zap.String("log_id", log.ID.String()),
		)
		return fmt.Errorf("insert notification log: %w", err)
	}

	return nil
}

// GetLog retrieves an audit log row by ID.
func (r *Repository) GetLog(ctx context.Context, id uuid.UUID) (*NotificationLog, error) {
	query := `
		SELECT
			id, correlation_id, type, channel, status,
			recipient, error, retry_count, last_attempt_at, metadata,
			created_at, updated_at
		FROM notification_logs
		WHERE id = $1
	`

	var log NotificationLog
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&log.ID,
		&log.CorrelationID,
		&log.Type,
		&log.Channel,
		&log.Status,
		&log.Recipient,
		&log.Error,
		&log.RetryCount,
		&log.LastAttemptAt,
		&log.Metadata,
		&log.CreatedAt,
		&log.UpdatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("notification log not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query notification log: %w", err)
	}

	return &log, nil
}

// FindLog locates the audit row for one logical delivery. The
// (correlation_id, type, channel, recipient) tuple is the same key the
// idempotency cache uses, so at most one row matches.
func (r *Repository) FindLog(ctx context.Context, correlationID, typ, channel, recipient string) (*NotificationLog, error) {
	query := `
		SELECT
			id, correlation_id, type, channel, status,
			recipient, error, retry_count, last_attempt_at, metadata,
			created_at, updated_at
		FROM notification_logs
		WHERE correlation_id = $1 AND type = $2 AND channel = $3 AND recipient = $4
		ORDER BY created_at DESC
		LIMIT 1
	`

	var log NotificationLog
	err := r.db.Pool().QueryRow(ctx, query, correlationID, typ, channel, recipient).Scan(
		&log.ID,
		&log.CorrelationID,
		&log.Type,
		&log.Channel,
		&log.Status,
		&log.Recipient,
		&log.Error,
		&log.RetryCount,
		&log.LastAttemptAt,
		&log.Metadata,
		&log.CreatedAt,
		&log.UpdatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find notification log: %w", err)
	}

	return &log, nil
}

// UpdateLog applies a partial update to an audit log row.
func (r *Repository) UpdateLog(ctx context.Context, id uuid.UUID, upd LogUpdate) error {
	query := `
		UPDATE notification_logs
		SET status = COALESCE($1, status),
		    error = COALESCE($2, error),
		    retry_count = COALESCE($3, retry_count),
		    last_attempt_at = COALESCE($4, last_attempt_at),
		    updated_at = now()
		WHERE id = $5
	`

	result, err := r.db.Pool().Exec(ctx, query, upd.Status, upd.Error, upd.RetryCount, upd.LastAttemptAt, id)
	if err != nil {
		r.logger.Error("failed to update notification log",
			zap.Error(err),
			zap.String("log_id", id.String()),
		)
		return fmt.Errorf("update notification log: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("notification log not found: %s", id)
	}

	return nil
}

// ListLogs retrieves audit log rows matching the filter, newest first.
func (r *Repository) ListLogs(ctx context.Context, filter LogFilter) ([]*NotificationLog, error) {
	query := `
		SELECT
			id, correlation_id, type, channel, status,
			recipient, error, retry_count, last_attempt_at, metadata,
			created_at, updated_at
		FROM notification_logs
		WHERE ($1 = '' OR correlation_id = $1)
		  AND ($2 = '' OR channel = $2)
		  AND ($3 = '' OR status = $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5
	`

	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	rows, err := r.db.Pool().Query(ctx, query,
		filter.CorrelationID, filter.Channel, filter.Status, limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("list notification logs: %w", err)
	}
	defer rows.Close()

	var logs []*NotificationLog
	for rows.Next() {
		var log NotificationLog
		if err := rows.Scan(
			&log.ID,
			&log.CorrelationID,
			&log.Type,
			&log.Channel,
			&log.Status,
			&log.Recipient,
			&log.Error,
			&log.RetryCount,
			&log.LastAttemptAt,
			&log.Metadata,
			&log.CreatedAt,
			&log.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan notification log: %w", err)
		}
		logs = append(logs, &log)
	}

	return logs, rows.Err()
}

// DeleteFailedOlderThan removes terminal FAILED rows past the retention
// window. These rows are the dead-letter queue; returns the count removed.
func (r *Repository) DeleteFailedOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM notification_logs
		WHERE status = $1 AND updated_at < $2
	`

	result, err := r.db.Pool().Exec(ctx, query, StatusFailed, cutoff)
	if err != nil {
		r.logger.Error("failed to expire dead-letter logs", zap.Error(err))
		return 0, fmt.Errorf("delete failed logs: %w", err)
	}

	return result.RowsAffected(), nil
}

// DeleteLog removes one audit row. Used when an operator discards a
// dead-lettered notification.
func (r *Repository) DeleteLog(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx, `DELETE FROM notification_logs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete log: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("log %s not found", id)
	}
	return nil
}
