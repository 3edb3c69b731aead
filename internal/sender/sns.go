package sender

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/db"
	"github.com/beaconhq/beacon/internal/queue"
)

type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSConfig holds the AWS region shared by the SMS and push adapters.
type SNSConfig struct {
	Region string
}

func newSNSClient(ctx context.Context, cfg SNSConfig) (*sns.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for SNS: %w", err)
	}
	return sns.NewFromConfig(awsCfg), nil
}

// SMSAdapter delivers SMS notifications via AWS SNS phone-number publish.
type SMSAdapter struct {
	client snsAPI
	logger *zap.Logger
}

// NewSMSAdapter creates the SMS adapter.
func NewSMSAdapter(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SMSAdapter, error) {
	client, err := newSNSClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &SMSAdapter{client: client, logger: logger}, nil
}

func (a *SMSAdapter) Channel() string { return db.ChannelSMS }

func (a *SMSAdapter) Recipient(job *queue.Job) (string, error) {
	var payload SMSPayload
	if err := parsePayload(job.Data, &payload); err != nil {
		return "", err
	}
	if !validPhone(payload.PhoneNumber) {
		return "", fmt.Errorf("%w: invalid phone number %q", ErrNonRetryable, payload.PhoneNumber)
	}
	return payload.PhoneNumber, nil
}

func (a *SMSAdapter) Send(ctx context.Context, job *queue.Job) error {
	var payload SMSPayload
	if err := parsePayload(job.Data, &payload); err != nil {
		return err
	}
	if payload.Message == "" {
		return fmt.Errorf("%w: sms payload missing message", ErrNonRetryable)
	}

	result, err := a.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber: aws.String(payload.PhoneNumber),
		Message:     aws.String(payload.Message),
	})
	if err != nil {
		return fmt.Errorf("sns publish failed: %w", err)
	}

	a.logger.Info("sms sent via SNS",
		zap.String("job_id", job.JobID),
		zap.String("phone_number", payload.PhoneNumber),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}

// PushAdapter delivers push notifications via AWS SNS platform endpoints.
type PushAdapter struct {
	client snsAPI
	logger *zap.Logger
}

// NewPushAdapter creates the push adapter.
func NewPushAdapter(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*PushAdapter, error) {
	client, err := newSNSClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &PushAdapter{client: client, logger: logger}, nil
}

func (a *PushAdapter) Channel() string { return db.ChannelPush }

func (a *PushAdapter) Recipient(job *queue.Job) (string, error) {
	var payload PushPayload
	if err := parsePayload(job.Data, &payload); err != nil {
		return "", err
	}
	if payload.TargetARN == "" {
		return "", fmt.Errorf("%w: push payload missing target_arn", ErrNonRetryable)
	}
	return payload.TargetARN, nil
}

func (a *PushAdapter) Send(ctx context.Context, job *queue.Job) error {
	var payload PushPayload
	if err := parsePayload(job.Data, &payload); err != nil {
		return err
	}
	if payload.Body == "" {
		return fmt.Errorf("%w: push payload missing body", ErrNonRetryable)
	}

	message := payload.Body
	if payload.Title != "" {
		message = payload.Title + "\n" + payload.Body
	}

	result, err := a.client.Publish(ctx, &sns.PublishInput{
		TargetArn: aws.String(payload.TargetARN),
		Message:   aws.String(message),
	})
	if err != nil {
		return fmt.Errorf("sns publish failed: %w", err)
	}

	a.logger.Info("push sent via SNS",
		zap.String("job_id", job.JobID),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}

func validPhone(s string) bool {
	if !strings.HasPrefix(s, "+") || len(s) < 8 {
		return false
	}
	for _, r := range s[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
