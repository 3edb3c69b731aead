package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/circuitbreaker"
	"github.com/beaconhq/beacon/internal/db"
	"github.com/beaconhq/beacon/internal/metrics"
	"github.com/beaconhq/beacon/internal/queue"
)

// AuditRepository defines the audit trail operations the API needs.
// Satisfied by *db.Repository.
type AuditRepository interface {
	GetLog(ctx context.Context, id uuid.UUID) (*db.NotificationLog, error)
	ListLogs(ctx context.Context, filter db.LogFilter) ([]*db.NotificationLog, error)
	UpdateLog(ctx context.Context, id uuid.UUID, upd db.LogUpdate) error
	DeleteLog(ctx context.Context, id uuid.UUID) error
}

// Enqueuer schedules jobs onto the delivery queue. Satisfied by
// *queue.Queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *queue.Job, delay time.Duration) error
}

// CircuitAdmin exposes breaker inspection and manual reset. Satisfied by
// *circuitbreaker.Breaker.
type CircuitAdmin interface {
	HealthStatus(ctx context.Context, channels []string) []circuitbreaker.ChannelHealth
	Reset(ctx context.Context, channel string) error
}

// SummaryReader serves the aggregated delivery metrics. Satisfied by
// *metrics.RedisSink.
type SummaryReader interface {
	ReadSummary(ctx context.Context) (*metrics.Summary, error)
}

// NotificationRequest is the intake request body.
type NotificationRequest struct {
	CorrelationID string          `json:"correlation_id"`
	Type          string          `json:"type"`
	UserID        string          `json:"user_id"`
	Channels      []string        `json:"channels"`
	Data          json.RawMessage `json:"data"`
}

// NotificationResponse is returned after accepting a notification.
type NotificationResponse struct {
	JobID         string `json:"job_id"`
	CorrelationID string `json:"correlation_id"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// HealthChecker reports liveness of a dependency.
type HealthChecker func(ctx context.Context) error

// Handler holds dependencies for API handlers
type Handler struct {
	logger   *zap.Logger
	repo     AuditRepository
	producer Enqueuer
	circuits CircuitAdmin
	summary  SummaryReader
	checks   map[string]HealthChecker
}

// NewHandler creates a new API handler. circuits and summary may be nil;
// the corresponding endpoints then answer 503.
func NewHandler(
	logger *zap.Logger,
	repo AuditRepository,
	producer Enqueuer,
	circuits CircuitAdmin,
	summary SummaryReader,
	checks map[string]HealthChecker,
) *Handler {
	return &Handler{
		logger:   logger,
		repo:     repo,
		producer: producer,
		circuits: circuits,
		summary:  summary,
		checks:   checks,
	}
}

// CreateNotification handles POST /v1/notifications. The notification is
// validated, enqueued, and accepted; delivery happens asynchronously.
func (h *Handler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req NotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}

	job := queue.NewJob(req.CorrelationID, req.Type, req.UserID, req.Channels, req.Data, true)
	if err := job.Validate(); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification", err.Error())
		return
	}

	if h.producer == nil {
		h.writeError(w, http.StatusServiceUnavailable, "unavailable", "Notification intake unavailable", "delivery queue is not configured")
		return
	}

	if err := h.producer.Enqueue(ctx, job, 0); err != nil {
		h.logger.Error("failed to enqueue notification",
			zap.Error(err),
			zap.String("correlation_id", req.CorrelationID),
			zap.String("type", req.Type),
		)
		h.writeError(w, http.StatusInternalServerError, "enqueue_error", "Failed to enqueue notification", "")
		return
	}

	h.logger.Info("notification accepted",
		zap.String("job_id", job.JobID),
		zap.String("correlation_id", req.CorrelationID),
		zap.String("type", req.Type),
		zap.Strings("channels", req.Channels),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(NotificationResponse{
		JobID:         job.JobID,
		CorrelationID: req.CorrelationID,
	})
}

// GetNotification handles GET /v1/notifications/{id}
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	logID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return
	}

	logRow, err := h.repo.GetLog(ctx, logID)
	if err != nil {
		h.logger.Error("failed to get notification log",
			zap.Error(err),
			zap.String("id", idStr),
		)
		h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(logRow)
}

// ListNotifications handles
// GET /v1/notifications?correlation_id=xxx&channel=email&status=sent&limit=20&offset=0
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	filter := db.LogFilter{
		CorrelationID: r.URL.Query().Get("correlation_id"),
		Channel:       r.URL.Query().Get("channel"),
		Status:        r.URL.Query().Get("status"),
		Limit:         20,
	}

	if filter.Channel != "" && !db.ValidChannel(filter.Channel) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channel", "unknown channel "+filter.Channel)
		return
	}

	filter.Limit, filter.Offset = pagination(r)

	logs, err := h.repo.ListLogs(ctx, filter)
	if err != nil {
		h.logger.Error("failed to list notification logs", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list notifications", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":   logs,
		"limit":  filter.Limit,
		"offset": filter.Offset,
		"count":  len(logs),
	})
}

// ListDeadLetterQueue handles GET /v1/dlq?limit=20&offset=0. The dead
// letter queue is the set of audit rows in terminal FAILED state.
func (h *Handler) ListDeadLetterQueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	filter := db.LogFilter{Status: db.StatusFailed}
	filter.Limit, filter.Offset = pagination(r)

	logs, err := h.repo.ListLogs(ctx, filter)
	if err != nil {
		h.logger.Error("failed to list dead letter queue", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list dead letter queue", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":   logs,
		"limit":  filter.Limit,
		"offset": filter.Offset,
		"count":  len(logs),
	})
}

// RetryDeadLetterItem handles POST /v1/dlq/{id}/retry. It rebuilds a job
// from the audit row's metadata envelope and re-enqueues it as a fresh
// first attempt on the failed channel.
func (h *Handler) RetryDeadLetterItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	logID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid DLQ ID", "ID must be a valid UUID")
		return
	}

	logRow, err := h.repo.GetLog(ctx, logID)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "not_found", "Dead letter item not found", "")
		return
	}
	if logRow.Status != db.StatusFailed {
		h.writeError(w, http.StatusConflict, "not_dead_lettered", "Notification is not dead-lettered",
			"only notifications in failed state can be retried")
		return
	}

	var meta db.LogMetadata
	if err := json.Unmarshal(logRow.Metadata, &meta); err != nil || len(meta.Data) == 0 {
		h.writeError(w, http.StatusUnprocessableEntity, "missing_payload",
			"Original payload unavailable", "the audit row carries no replayable payload")
		return
	}

	if h.producer == nil {
		h.writeError(w, http.StatusServiceUnavailable, "unavailable", "Retry unavailable", "delivery queue is not configured")
		return
	}

	job := queue.NewJob(logRow.CorrelationID, logRow.Type, meta.UserID,
		[]string{logRow.Channel}, meta.Data, true)

	if err := h.producer.Enqueue(ctx, job, 0); err != nil {
		h.logger.Error("failed to re-enqueue dead letter item",
			zap.Error(err),
			zap.String("id", idStr),
		)
		h.writeError(w, http.StatusInternalServerError, "enqueue_error", "Failed to re-enqueue notification", "")
		return
	}

	// Re-open the audit row so the fresh attempt's outcome lands on it.
	status := db.StatusPending
	if err := h.repo.UpdateLog(ctx, logID, db.LogUpdate{Status: &status}); err != nil {
		h.logger.Warn("failed to reset dead letter status", zap.Error(err), zap.String("id", idStr))
	}

	h.logger.Info("dead letter item re-enqueued",
		zap.String("id", idStr),
		zap.String("job_id", job.JobID),
		zap.String("channel", logRow.Channel),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":     idStr,
		"status": "retried",
		"job_id": job.JobID,
	})
}

// DiscardDeadLetterItem handles POST /v1/dlq/{id}/discard
func (h *Handler) DiscardDeadLetterItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	logID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid DLQ ID", "ID must be a valid UUID")
		return
	}

	logRow, err := h.repo.GetLog(ctx, logID)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "not_found", "Dead letter item not found", "")
		return
	}
	if logRow.Status != db.StatusFailed {
		h.writeError(w, http.StatusConflict, "not_dead_lettered", "Notification is not dead-lettered",
			"only notifications in failed state can be discarded")
		return
	}

	if err := h.repo.DeleteLog(ctx, logID); err != nil {
		h.logger.Error("failed to discard dead letter item",
			zap.Error(err),
			zap.String("id", idStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to discard dead letter item", "")
		return
	}

	h.logger.Info("dead letter item discarded", zap.String("id", idStr))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":     idStr,
		"status": "discarded",
	})
}

// ListCircuits handles GET /v1/circuits
func (h *Handler) ListCircuits(w http.ResponseWriter, r *http.Request) {
	if h.circuits == nil {
		h.writeError(w, http.StatusServiceUnavailable, "unavailable", "Circuit status unavailable", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"circuits": h.circuits.HealthStatus(r.Context(), db.Channels),
	})
}

// ResetCircuit handles POST /v1/circuits/{channel}/reset. Manual override
// for operators once a provider outage is confirmed resolved.
func (h *Handler) ResetCircuit(w http.ResponseWriter, r *http.Request) {
	if h.circuits == nil {
		h.writeError(w, http.StatusServiceUnavailable, "unavailable", "Circuit control unavailable", "")
		return
	}

	channel := chi.URLParam(r, "channel")
	if !db.ValidChannel(channel) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channel", "unknown channel "+channel)
		return
	}

	if err := h.circuits.Reset(r.Context(), channel); err != nil {
		h.logger.Error("failed to reset circuit",
			zap.Error(err),
			zap.String("channel", channel),
		)
		h.writeError(w, http.StatusInternalServerError, "circuit_error", "Failed to reset circuit", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"channel": channel,
		"state":   "closed",
	})
}

// MetricsSummary handles GET /v1/metrics/summary
func (h *Handler) MetricsSummary(w http.ResponseWriter, r *http.Request) {
	if h.summary == nil {
		h.writeError(w, http.StatusServiceUnavailable, "unavailable", "Metrics summary unavailable", "")
		return
	}

	summary, err := h.summary.ReadSummary(r.Context())
	if err != nil {
		h.logger.Error("failed to read metrics summary", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "metrics_error", "Failed to read metrics summary", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(summary)
}

// Health handles GET /healthz. Every registered dependency must answer
// within the request deadline for the service to report healthy.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			deps[name] = "unhealthy"
			status = http.StatusServiceUnavailable
			h.logger.Warn("health check failed", zap.String("dependency", name), zap.Error(err))
		} else {
			deps[name] = "ok"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":       healthWord(status),
		"dependencies": deps,
	})
}

func healthWord(status int) string {
	if status == http.StatusOK {
		return "ok"
	}
	return "degraded"
}

func pagination(r *http.Request) (limit, offset int) {
	limit = 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}
	return limit, offset
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
