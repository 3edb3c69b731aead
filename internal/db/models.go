package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// NotificationLog is the audit record for a single (notification, channel,
// recipient) delivery. Created on the first send attempt and updated by the
// processor on every attempt outcome. Rows in terminal FAILED state act as
// the dead-letter queue and are expired by the retention sweep.
type NotificationLog struct {
	ID            uuid.UUID       `json:"id"`
	CorrelationID string          `json:"correlation_id"`
	Type          string          `json:"type"`
	Channel       string          `json:"channel"`
	Status        string          `json:"status"`
	Recipient     string          `json:"recipient"`
	Error         *string         `json:"error,omitempty"`
	RetryCount    int             `json:"retry_count"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// LogMetadata is the envelope stored in NotificationLog.Metadata. It keeps
// the original job addressing and payload so a dead-lettered row can be
// re-enqueued without the original request.
type LogMetadata struct {
	UserID string          `json:"user_id"`
	Data   json.RawMessage `json:"data"`
}

// Status constants. Transitions are monotonic for a single log row:
// PENDING -> RETRYING* -> SENT | DELIVERED | FAILED.
const (
	StatusPending   = "pending"
	StatusRetrying  = "retrying"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// Channel constants
const (
	ChannelEmail    = "email"
	ChannelSMS      = "sms"
	ChannelWhatsApp = "whatsapp"
	ChannelPush     = "push"
	ChannelInApp    = "in_app"
)

// Channels lists every deliverable channel, in display order.
var Channels = []string{ChannelEmail, ChannelSMS, ChannelWhatsApp, ChannelPush, ChannelInApp}

// ValidChannel reports whether channel names a known delivery channel.
func ValidChannel(channel string) bool {
	for _, c := range Channels {
		if c == channel {
			return true
		}
	}
	return false
}
