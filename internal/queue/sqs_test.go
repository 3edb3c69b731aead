package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"
)

type fakeSQS struct {
	sent     []*sqs.SendMessageInput
	deleted  []string
	messages []types.Message
	backlog  string
	err      error
}

func (f *fakeSQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, params)
	return &sqs.SendMessageOutput{MessageId: aws.String("msg-1")}, nil
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := &sqs.ReceiveMessageOutput{Messages: f.messages}
	f.messages = nil
	return out, nil
}

func (f *fakeSQS) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.deleted = append(f.deleted, *params.ReceiptHandle)
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &sqs.GetQueueAttributesOutput{
		Attributes: map[string]string{
			string(types.QueueAttributeNameApproximateNumberOfMessages): f.backlog,
		},
	}, nil
}

func TestQueue_EnqueueSetsDelay(t *testing.T) {
	fake := &fakeSQS{}
	q := NewFromClient(fake, "https://sqs.test/queue", zap.NewNop())

	if err := q.Enqueue(context.Background(), validJob(), 30*time.Second); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if len(fake.sent) != 1 {
		t.Fatalf("expected 1 send, got %d", len(fake.sent))
	}
	if got := fake.sent[0].DelaySeconds; got != 30 {
		t.Errorf("expected delay 30s, got %d", got)
	}
}

func TestQueue_EnqueueClampsDelayToSQSMax(t *testing.T) {
	fake := &fakeSQS{}
	q := NewFromClient(fake, "https://sqs.test/queue", zap.NewNop())

	if err := q.Enqueue(context.Background(), validJob(), time.Hour); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if got := fake.sent[0].DelaySeconds; got != 900 {
		t.Errorf("expected clamped delay 900s, got %d", got)
	}
}

func TestQueue_ReceiveRoundTrip(t *testing.T) {
	job := validJob()
	body, _ := json.Marshal(job)
	fake := &fakeSQS{messages: []types.Message{{
		Body:          aws.String(string(body)),
		ReceiptHandle: aws.String("receipt-1"),
	}}}
	q := NewFromClient(fake, "https://sqs.test/queue", zap.NewNop())

	got, receipt, err := q.Receive(context.Background())
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if receipt != "receipt-1" {
		t.Errorf("unexpected receipt %q", receipt)
	}
	if got.JobID != job.JobID || got.CorrelationID != job.CorrelationID {
		t.Errorf("job did not round trip: %+v", got)
	}
}

func TestQueue_ReceiveEmptyPoll(t *testing.T) {
	q := NewFromClient(&fakeSQS{}, "https://sqs.test/queue", zap.NewNop())

	job, receipt, err := q.Receive(context.Background())
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if job != nil || receipt != "" {
		t.Errorf("empty poll should yield nothing, got %+v %q", job, receipt)
	}
}

func TestQueue_ReceiveMalformedBodyReturnsReceipt(t *testing.T) {
	fake := &fakeSQS{messages: []types.Message{{
		Body:          aws.String("{not json"),
		ReceiptHandle: aws.String("poison-receipt"),
	}}}
	q := NewFromClient(fake, "https://sqs.test/queue", zap.NewNop())

	job, receipt, err := q.Receive(context.Background())
	if err == nil {
		t.Fatal("expected unmarshal error")
	}
	if job != nil {
		t.Error("malformed body must not yield a job")
	}
	if receipt != "poison-receipt" {
		t.Errorf("caller needs the receipt to delete the poison message, got %q", receipt)
	}
}

func TestQueue_Backlog(t *testing.T) {
	fake := &fakeSQS{backlog: "17"}
	q := NewFromClient(fake, "https://sqs.test/queue", zap.NewNop())

	n, err := q.Backlog(context.Background())
	if err != nil {
		t.Fatalf("backlog: %v", err)
	}
	if n != 17 {
		t.Errorf("expected 17, got %d", n)
	}
}

func TestQueue_EnqueueSurfacesSendFailure(t *testing.T) {
	fake := &fakeSQS{err: errors.New("throttled")}
	q := NewFromClient(fake, "https://sqs.test/queue", zap.NewNop())

	if err := q.Enqueue(context.Background(), validJob(), 0); err == nil {
		t.Fatal("expected error")
	}
}
