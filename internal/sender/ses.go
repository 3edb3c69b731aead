package sender

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/db"
	"github.com/beaconhq/beacon/internal/queue"
)

type sesAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESAdapter delivers email notifications via AWS SES.
type SESAdapter struct {
	client sesAPI
	from   string
	logger *zap.Logger
}

type SESConfig struct {
	Region    string
	FromEmail string
}

// NewSESAdapter creates the email adapter.
func NewSESAdapter(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESAdapter, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for SES: %w", err)
	}
	return &SESAdapter{
		client: ses.NewFromConfig(awsCfg),
		from:   cfg.FromEmail,
		logger: logger,
	}, nil
}

func (a *SESAdapter) Channel() string { return db.ChannelEmail }

// Recipient extracts and sanity-checks the destination address.
func (a *SESAdapter) Recipient(job *queue.Job) (string, error) {
	var payload EmailPayload
	if err := parsePayload(job.Data, &payload); err != nil {
		return "", err
	}
	if payload.To == "" || !strings.Contains(payload.To, "@") {
		return "", fmt.Errorf("%w: invalid email recipient %q", ErrNonRetryable, payload.To)
	}
	return payload.To, nil
}

// Send delivers the email.
func (a *SESAdapter) Send(ctx context.Context, job *queue.Job) error {
	var payload EmailPayload
	if err := parsePayload(job.Data, &payload); err != nil {
		return err
	}
	if payload.Subject == "" {
		return fmt.Errorf("%w: email payload missing subject", ErrNonRetryable)
	}
	if payload.Body == "" {
		return fmt.Errorf("%w: email payload missing body", ErrNonRetryable)
	}

	input := &ses.SendEmailInput{
		Source: aws.String(a.from),
		Destination: &types.Destination{
			ToAddresses: []string{payload.To},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(payload.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(payload.Body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := a.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send failed: %w", err)
	}

	a.logger.Info("email sent via SES",
		zap.String("job_id", job.JobID),
		zap.String("to", payload.To),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}
