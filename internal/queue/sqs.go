package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
}

// sqsAPI is the slice of the SQS client the queue uses; narrowed for tests.
type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// Queue produces and consumes notification jobs over SQS. Retry scheduling
// uses SQS delayed redelivery: the processor re-enqueues the next attempt
// with a DelaySeconds computed from the channel's backoff policy.
type Queue struct {
	client   sqsAPI
	queueURL string
	logger   *zap.Logger
}

// New creates a queue bound to one SQS queue URL.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Queue, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sqs queue initialized", zap.String("queue_url", cfg.QueueURL))

	return &Queue{
		client:   sqs.NewFromConfig(awsCfg),
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

// NewFromClient wraps an existing SQS API client. Used by tests.
func NewFromClient(client sqsAPI, queueURL string, logger *zap.Logger) *Queue {
	return &Queue{client: client, queueURL: queueURL, logger: logger}
}

// Enqueue sends a job after an optional delay. SQS caps DelaySeconds at 15
// minutes; longer backoffs are clamped.
func (q *Queue) Enqueue(ctx context.Context, job *Job, delay time.Duration) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	delaySec := int32(delay / time.Second)
	if delaySec > 900 {
		delaySec = 900
	}
	if delaySec < 0 {
		delaySec = 0
	}

	input := &sqs.SendMessageInput{
		QueueUrl:     aws.String(q.queueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: delaySec,
	}

	if _, err := q.client.SendMessage(ctx, input); err != nil {
		q.logger.Error("failed to enqueue job",
			zap.Error(err),
			zap.String("job_id", job.JobID),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}

	return nil
}

// Receive retrieves one job with long polling. Returns (nil, "", nil) when
// the poll times out with no message.
func (q *Queue) Receive(ctx context.Context) (*Job, string, error) {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     20,
		VisibilityTimeout:   120,
	}

	result, err := q.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, "", fmt.Errorf("sqs receive failed: %w", err)
	}

	if len(result.Messages) == 0 {
		return nil, "", nil
	}

	msg := result.Messages[0]

	var job Job
	if err := json.Unmarshal([]byte(*msg.Body), &job); err != nil {
		q.logger.Error("failed to unmarshal job", zap.Error(err))
		// Still hand back the receipt so the caller can delete the poison
		// message instead of letting it cycle forever.
		return nil, *msg.ReceiptHandle, fmt.Errorf("invalid job format: %w", err)
	}

	return &job, *msg.ReceiptHandle, nil
}

// Delete removes a message after processing.
func (q *Queue) Delete(ctx context.Context, receiptHandle string) error {
	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	}

	if _, err := q.client.DeleteMessage(ctx, input); err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}

	return nil
}

// Backlog returns the approximate number of visible messages waiting.
func (q *Queue) Backlog(ctx context.Context) (int, error) {
	input := &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(q.queueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	}

	result, err := q.client.GetQueueAttributes(ctx, input)
	if err != nil {
		return 0, fmt.Errorf("sqs attributes failed: %w", err)
	}

	raw := result.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)]
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid backlog attribute %q: %w", raw, err)
	}

	return n, nil
}
