package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/db"
	"github.com/beaconhq/beacon/internal/queue"
)

// WhatsAppConfig configures the graph-API style WhatsApp provider.
type WhatsAppConfig struct {
	APIURL   string
	Token    string
	SenderID string
	Timeout  time.Duration
}

// WhatsAppAdapter delivers WhatsApp messages over the provider's HTTP API.
type WhatsAppAdapter struct {
	client *http.Client
	cfg    WhatsAppConfig
	logger *zap.Logger
}

// NewWhatsAppAdapter creates the WhatsApp adapter.
func NewWhatsAppAdapter(cfg WhatsAppConfig, logger *zap.Logger) *WhatsAppAdapter {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &WhatsAppAdapter{
		client: &http.Client{Timeout: timeout},
		cfg:    cfg,
		logger: logger,
	}
}

func (a *WhatsAppAdapter) Channel() string { return db.ChannelWhatsApp }

func (a *WhatsAppAdapter) Recipient(job *queue.Job) (string, error) {
	var payload WhatsAppPayload
	if err := parsePayload(job.Data, &payload); err != nil {
		return "", err
	}
	if !validPhone(payload.PhoneNumber) {
		return "", fmt.Errorf("%w: invalid whatsapp recipient %q", ErrNonRetryable, payload.PhoneNumber)
	}
	return payload.PhoneNumber, nil
}

func (a *WhatsAppAdapter) Send(ctx context.Context, job *queue.Job) error {
	var payload WhatsAppPayload
	if err := parsePayload(job.Data, &payload); err != nil {
		return err
	}
	if payload.Message == "" {
		return fmt.Errorf("%w: whatsapp payload missing message", ErrNonRetryable)
	}

	body, err := json.Marshal(map[string]any{
		"messaging_product": "whatsapp",
		"to":                payload.PhoneNumber,
		"type":              "text",
		"text":              map[string]string{"body": payload.Message},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal whatsapp request: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", a.cfg.APIURL, a.cfg.SenderID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create whatsapp request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.cfg.Token)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp request failed: %w", err)
	}
	defer resp.Body.Close()

	preview, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	// 4xx means the request itself is bad and retrying cannot help; 5xx and
	// network errors stay retryable.
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return fmt.Errorf("%w: whatsapp API rejected request: %d %s", ErrNonRetryable, resp.StatusCode, preview)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("whatsapp API returned %d: %s", resp.StatusCode, preview)
	}

	a.logger.Info("whatsapp message sent",
		zap.String("job_id", job.JobID),
		zap.String("phone_number", payload.PhoneNumber),
		zap.Int("status_code", resp.StatusCode),
	)

	return nil
}
