// Package sender orchestrates channel delivery: idempotency, rate limits,
// circuit breaking, timeout budgets, metrics, and the audit trail around
// each channel adapter call.
package sender

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/beaconhq/beacon/internal/queue"
)

// ErrNonRetryable marks delivery errors that retrying cannot fix, such as
// an invalid recipient detected at the adapter. The processor fails these
// immediately instead of scheduling queue retries.
var ErrNonRetryable = errors.New("non-retryable delivery error")

// Adapter performs the provider call for one channel. Implementations
// return an error on failure; wrapping ErrNonRetryable short-circuits
// queue-level retry.
type Adapter interface {
	Channel() string

	// Recipient extracts the channel-specific recipient identifier from a
	// job, for idempotency keying and the audit trail.
	Recipient(job *queue.Job) (string, error)

	Send(ctx context.Context, job *queue.Job) error
}

// EmailPayload is the email slice of a job's data.
type EmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// SMSPayload is the SMS slice of a job's data.
type SMSPayload struct {
	PhoneNumber string `json:"phone_number"`
	Message     string `json:"message"`
}

// WhatsAppPayload is the WhatsApp slice of a job's data.
type WhatsAppPayload struct {
	PhoneNumber string `json:"phone_number"`
	Message     string `json:"message"`
}

// PushPayload is the push slice of a job's data.
type PushPayload struct {
	TargetARN string `json:"target_arn"`
	Title     string `json:"title"`
	Body      string `json:"body"`
}

// InAppPayload is the in-app slice of a job's data.
type InAppPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

func parsePayload(data json.RawMessage, dst any) error {
	if err := json.Unmarshal(data, dst); err != nil {
		return errors.Join(ErrNonRetryable, err)
	}
	return nil
}
