// Package queue carries notification jobs over SQS: producer, consumer,
// and backlog introspection.
package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/beaconhq/beacon/internal/db"
)

// Job is the unit of work the processor consumes. The queue owns it; the
// only mutation between attempts is the retry metadata appended on
// re-enqueue.
type Job struct {
	JobID         string          `json:"job_id"`
	CorrelationID string          `json:"correlation_id"`
	Type          string          `json:"type"`
	UserID        string          `json:"user_id"`
	Channels      []string        `json:"channels"`
	Data          json.RawMessage `json:"data"`
	Retryable     bool            `json:"retryable"`
	Attempt       int             `json:"attempt"`
	EnqueuedAt    int64           `json:"enqueued_at"`
}

// NewJob builds a first-attempt job with a fresh job id.
func NewJob(correlationID, typ, userID string, channels []string, data json.RawMessage, retryable bool) *Job {
	return &Job{
		JobID:         uuid.NewString(),
		CorrelationID: correlationID,
		Type:          typ,
		UserID:        userID,
		Channels:      channels,
		Data:          data,
		Retryable:     retryable,
		Attempt:       0,
		EnqueuedAt:    time.Now().UnixNano(),
	}
}

// Validate rejects malformed jobs. A malformed payload is an upstream
// contract violation: fatal and never retried.
func (j *Job) Validate() error {
	if j.CorrelationID == "" {
		return fmt.Errorf("job missing correlation_id")
	}
	if j.Type == "" {
		return fmt.Errorf("job missing type")
	}
	if j.UserID == "" {
		return fmt.Errorf("job missing user_id")
	}
	if len(j.Channels) == 0 {
		return fmt.Errorf("job has no channels")
	}
	for _, ch := range j.Channels {
		if !db.ValidChannel(ch) {
			return fmt.Errorf("unknown channel: %s", ch)
		}
	}
	if len(j.Data) == 0 {
		return fmt.Errorf("job missing data")
	}
	return nil
}

// NextAttempt clones the job for redelivery, bumping the attempt counter
// and stamping a fresh job id so queue-side tracing stays per-delivery.
func (j *Job) NextAttempt() *Job {
	next := *j
	next.JobID = uuid.NewString()
	next.Attempt = j.Attempt + 1
	next.EnqueuedAt = time.Now().UnixNano()
	return &next
}
