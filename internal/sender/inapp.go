package sender

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/beaconhq/beacon/internal/db"
	"github.com/beaconhq/beacon/internal/gateway"
	"github.com/beaconhq/beacon/internal/queue"
)

// InAppAdapter pushes notifications through the gateway. Unlike the queued
// channels, in-app delivery is synchronous with its own bounded in-process
// retry loop, and never reports failure: an undelivered notification is
// simply available on the next fetch.
type InAppAdapter struct {
	gw *gateway.Gateway
}

// NewInAppAdapter creates the in-app adapter.
func NewInAppAdapter(gw *gateway.Gateway) *InAppAdapter {
	return &InAppAdapter{gw: gw}
}

func (a *InAppAdapter) Channel() string { return db.ChannelInApp }

// Recipient is the user itself for in-app delivery.
func (a *InAppAdapter) Recipient(job *queue.Job) (string, error) {
	if job.UserID == "" {
		return "", fmt.Errorf("%w: in-app job missing user id", ErrNonRetryable)
	}
	return job.UserID, nil
}

func (a *InAppAdapter) Send(ctx context.Context, job *queue.Job) error {
	var payload InAppPayload
	if err := parsePayload(job.Data, &payload); err != nil {
		return err
	}

	envelope, err := json.Marshal(map[string]any{
		"type":           job.Type,
		"correlation_id": job.CorrelationID,
		"title":          payload.Title,
		"body":           payload.Body,
		"sent_at":        time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal in-app envelope: %w", err)
	}

	a.gw.SendToUser(ctx, job.UserID, envelope)
	return nil
}
