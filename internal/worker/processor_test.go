package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/db"
	"github.com/beaconhq/beacon/internal/metrics"
	"github.com/beaconhq/beacon/internal/queue"
	"github.com/beaconhq/beacon/internal/retry"
	"github.com/beaconhq/beacon/internal/sender"
)

type fakeQueue struct {
	enqueued []*queue.Job
	delays   []time.Duration
	backlog  int
	err      error
}

func (q *fakeQueue) Enqueue(ctx context.Context, job *queue.Job, delay time.Duration) error {
	if q.err != nil {
		return q.err
	}
	q.enqueued = append(q.enqueued, job)
	q.delays = append(q.delays, delay)
	return nil
}

func (q *fakeQueue) Receive(ctx context.Context) (*queue.Job, string, error) {
	return nil, "", nil
}

func (q *fakeQueue) Delete(ctx context.Context, receiptHandle string) error { return nil }

func (q *fakeQueue) Backlog(ctx context.Context) (int, error) { return q.backlog, nil }

// scriptedDispatcher returns one result set per Send call, in order.
type scriptedDispatcher struct {
	script [][]sender.ChannelResult
	calls  int
}

func (d *scriptedDispatcher) Send(ctx context.Context, job *queue.Job) []sender.ChannelResult {
	idx := d.calls
	d.calls++
	if idx >= len(d.script) {
		idx = len(d.script) - 1
	}
	return d.script[idx]
}

type fakeStore struct {
	rows     map[uuid.UUID]*db.NotificationLog
	statuses map[uuid.UUID]string
}

func newFakeStore(rows ...*db.NotificationLog) *fakeStore {
	s := &fakeStore{
		rows:     make(map[uuid.UUID]*db.NotificationLog),
		statuses: make(map[uuid.UUID]string),
	}
	for _, r := range rows {
		s.rows[r.ID] = r
	}
	return s
}

func (s *fakeStore) FindLog(ctx context.Context, correlationID, typ, channel, recipient string) (*db.NotificationLog, error) {
	for _, row := range s.rows {
		if row.CorrelationID == correlationID && row.Type == typ && row.Channel == channel && row.Recipient == recipient {
			return row, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) CreateLog(ctx context.Context, row *db.NotificationLog) error {
	s.rows[row.ID] = row
	return nil
}

func (s *fakeStore) UpdateLog(ctx context.Context, id uuid.UUID, upd db.LogUpdate) error {
	if upd.Status != nil {
		s.statuses[id] = *upd.Status
	}
	return nil
}

func testLogRow(channel, recipient string) *db.NotificationLog {
	return &db.NotificationLog{
		ID:            uuid.New(),
		CorrelationID: "corr-1",
		Type:          "order_shipped",
		Channel:       channel,
		Status:        db.StatusPending,
		Recipient:     recipient,
	}
}

func testProcessorJob(channels ...string) *queue.Job {
	return queue.NewJob("corr-1", "order_shipped", "user-1", channels,
		json.RawMessage(`{"to":"a@example.com"}`), true)
}

func setupProcessor(t *testing.T, q *fakeQueue, d *scriptedDispatcher, store *fakeStore) *Processor {
	t.Helper()
	batcher := metrics.NewBatcher(nil, time.Minute, 1000, zap.NewNop())
	return New(q, d, store, retry.DefaultStrategy(), batcher, Config{
		Concurrency:    1,
		RetryThreshold: 2,
	}, zap.NewNop())
}

func TestProcessor_SuccessIsTerminal(t *testing.T) {
	q := &fakeQueue{}
	d := &scriptedDispatcher{script: [][]sender.ChannelResult{
		{{Channel: db.ChannelEmail, Recipient: "a@example.com", Success: true}},
	}}
	p := setupProcessor(t, q, d, newFakeStore())

	p.Process(context.Background(), testProcessorJob(db.ChannelEmail))

	if len(q.enqueued) != 0 {
		t.Errorf("successful job must not be re-enqueued, got %d", len(q.enqueued))
	}
}

func TestProcessor_RetryableFailureReEnqueues(t *testing.T) {
	row := testLogRow(db.ChannelEmail, "a@example.com")
	q := &fakeQueue{}
	d := &scriptedDispatcher{script: [][]sender.ChannelResult{
		{{Channel: db.ChannelEmail, Recipient: "a@example.com", Retryable: true, Err: errors.New("timeout")}},
	}}
	store := newFakeStore(row)
	p := setupProcessor(t, q, d, store)

	job := testProcessorJob(db.ChannelEmail)
	p.Process(context.Background(), job)

	if len(q.enqueued) != 1 {
		t.Fatalf("expected 1 retry enqueue, got %d", len(q.enqueued))
	}
	next := q.enqueued[0]
	if next.Attempt != 1 {
		t.Errorf("expected attempt 1, got %d", next.Attempt)
	}
	if next.JobID == job.JobID {
		t.Error("retry must carry a fresh job id")
	}
	if next.CorrelationID != job.CorrelationID {
		t.Error("retry must keep the correlation id")
	}
	if q.delays[0] <= 0 {
		t.Errorf("retry should be delayed, got %v", q.delays[0])
	}
	if store.statuses[row.ID] != db.StatusRetrying {
		t.Errorf("expected audit row RETRYING, got %q", store.statuses[row.ID])
	}
}

func TestProcessor_ExhaustedRetriesGoTerminal(t *testing.T) {
	row := testLogRow(db.ChannelEmail, "a@example.com")
	q := &fakeQueue{}
	d := &scriptedDispatcher{script: [][]sender.ChannelResult{
		{{Channel: db.ChannelEmail, Recipient: "a@example.com", Retryable: true, Err: errors.New("timeout")}},
	}}
	store := newFakeStore(row)
	p := setupProcessor(t, q, d, store)

	job := testProcessorJob(db.ChannelEmail)
	job.Attempt = 2 // at the threshold

	p.Process(context.Background(), job)

	if len(q.enqueued) != 0 {
		t.Errorf("exhausted job must not be re-enqueued, got %d", len(q.enqueued))
	}
	if store.statuses[row.ID] != db.StatusFailed {
		t.Errorf("expected audit row FAILED, got %q", store.statuses[row.ID])
	}
}

func TestProcessor_NonRetryableFailureGoesTerminal(t *testing.T) {
	row := testLogRow(db.ChannelEmail, "a@example.com")
	q := &fakeQueue{}
	d := &scriptedDispatcher{script: [][]sender.ChannelResult{
		{{Channel: db.ChannelEmail, Recipient: "a@example.com", Retryable: false, Err: errors.New("bad address")}},
	}}
	store := newFakeStore(row)
	p := setupProcessor(t, q, d, store)

	p.Process(context.Background(), testProcessorJob(db.ChannelEmail))

	if len(q.enqueued) != 0 {
		t.Errorf("non-retryable job must not be re-enqueued, got %d", len(q.enqueued))
	}
	if store.statuses[row.ID] != db.StatusFailed {
		t.Errorf("expected audit row FAILED, got %q", store.statuses[row.ID])
	}
}

func TestProcessor_NonRetryableJobFlagWins(t *testing.T) {
	q := &fakeQueue{}
	d := &scriptedDispatcher{script: [][]sender.ChannelResult{
		{{Channel: db.ChannelEmail, Recipient: "a@example.com", Retryable: true, Err: errors.New("timeout")}},
	}}
	p := setupProcessor(t, q, d, newFakeStore())

	job := queue.NewJob("corr-1", "order_shipped", "user-1", []string{db.ChannelEmail},
		json.RawMessage(`{"to":"a@example.com"}`), false)

	p.Process(context.Background(), job)

	if len(q.enqueued) != 0 {
		t.Errorf("job marked non-retryable must not be re-enqueued, got %d", len(q.enqueued))
	}
}

func TestProcessor_PartialSuccessIsSuccess(t *testing.T) {
	q := &fakeQueue{}
	d := &scriptedDispatcher{script: [][]sender.ChannelResult{{
		{Channel: db.ChannelEmail, Recipient: "a@example.com", Success: true},
		{Channel: db.ChannelSMS, Recipient: "+15551234567", Retryable: true, Err: errors.New("down")},
	}}}
	p := setupProcessor(t, q, d, newFakeStore())

	p.Process(context.Background(), testProcessorJob(db.ChannelEmail, db.ChannelSMS))

	if len(q.enqueued) != 0 {
		t.Errorf("one delivered channel completes the job, got %d enqueues", len(q.enqueued))
	}
}

func TestProcessor_MixedChannelStatuses(t *testing.T) {
	emailRow := testLogRow(db.ChannelEmail, "a@example.com")
	smsRow := testLogRow(db.ChannelSMS, "+15551234567")
	q := &fakeQueue{}
	d := &scriptedDispatcher{script: [][]sender.ChannelResult{{
		{Channel: db.ChannelEmail, Recipient: "a@example.com", Retryable: true, Err: errors.New("timeout")},
		{Channel: db.ChannelSMS, Recipient: "+15551234567", Retryable: false, Err: errors.New("invalid number")},
	}}}
	store := newFakeStore(emailRow, smsRow)
	p := setupProcessor(t, q, d, store)

	p.Process(context.Background(), testProcessorJob(db.ChannelEmail, db.ChannelSMS))

	// The job retries for email, but the SMS row is terminal either way.
	if store.statuses[emailRow.ID] != db.StatusRetrying {
		t.Errorf("email row should be RETRYING, got %q", store.statuses[emailRow.ID])
	}
	if store.statuses[smsRow.ID] != db.StatusFailed {
		t.Errorf("sms row should be FAILED, got %q", store.statuses[smsRow.ID])
	}
	if len(q.enqueued) != 1 {
		t.Fatalf("expected a retry for the email channel, got %d enqueues", len(q.enqueued))
	}
}

func TestProcessor_BackoffGrowsAcrossAttempts(t *testing.T) {
	failure := []sender.ChannelResult{
		{Channel: db.ChannelEmail, Recipient: "a@example.com", Retryable: true, Err: errors.New("timeout")},
	}
	q := &fakeQueue{}
	d := &scriptedDispatcher{script: [][]sender.ChannelResult{failure, failure}}
	p := setupProcessor(t, q, d, newFakeStore())

	first := testProcessorJob(db.ChannelEmail)
	p.Process(context.Background(), first)
	p.Process(context.Background(), q.enqueued[0])

	if len(q.delays) != 2 {
		t.Fatalf("expected 2 retry delays, got %d", len(q.delays))
	}
	if q.delays[1] <= q.delays[0] {
		t.Errorf("backoff should grow: %v then %v", q.delays[0], q.delays[1])
	}
}

func TestProcessor_FailTwiceThenSucceed(t *testing.T) {
	row := testLogRow(db.ChannelEmail, "a@example.com")
	failure := []sender.ChannelResult{
		{Channel: db.ChannelEmail, Recipient: "a@example.com", Retryable: true, Err: errors.New("timeout")},
	}
	success := []sender.ChannelResult{
		{Channel: db.ChannelEmail, Recipient: "a@example.com", Success: true},
	}
	q := &fakeQueue{}
	d := &scriptedDispatcher{script: [][]sender.ChannelResult{failure, failure, success}}
	store := newFakeStore(row)
	p := setupProcessor(t, q, d, store)

	ctx := context.Background()
	p.Process(ctx, testProcessorJob(db.ChannelEmail))
	if store.statuses[row.ID] != db.StatusRetrying {
		t.Fatalf("after attempt 1 expected RETRYING, got %q", store.statuses[row.ID])
	}

	p.Process(ctx, q.enqueued[0])
	if store.statuses[row.ID] != db.StatusRetrying {
		t.Fatalf("after attempt 2 expected RETRYING, got %q", store.statuses[row.ID])
	}

	p.Process(ctx, q.enqueued[1])
	if len(q.enqueued) != 2 {
		t.Errorf("third attempt succeeded and must not re-enqueue, got %d", len(q.enqueued))
	}
	if d.calls != 3 {
		t.Errorf("expected 3 dispatch calls, got %d", d.calls)
	}
}

func TestProcessor_TerminalFailureCreatesMissingAuditRow(t *testing.T) {
	q := &fakeQueue{}
	d := &scriptedDispatcher{script: [][]sender.ChannelResult{
		{{Channel: db.ChannelEmail, Recipient: "a@example.com", RateLimited: true, Retryable: true, Err: errors.New("channel email rate limit exceeded")}},
	}}
	store := newFakeStore()
	p := setupProcessor(t, q, d, store)

	job := testProcessorJob(db.ChannelEmail)
	job.Attempt = 2 // at the threshold

	p.Process(context.Background(), job)

	// Nothing upstream wrote a row, so the terminal decision must: the
	// dead-letter retry endpoint needs something to replay.
	if len(store.rows) != 1 {
		t.Fatalf("expected an audit row for the terminal failure, got %d", len(store.rows))
	}
	for id, row := range store.rows {
		if store.statuses[id] != db.StatusFailed {
			t.Errorf("expected FAILED, got %q", store.statuses[id])
		}
		var meta db.LogMetadata
		if err := json.Unmarshal(row.Metadata, &meta); err != nil || len(meta.Data) == 0 {
			t.Errorf("audit row should carry a replayable payload: %v", err)
		}
		if meta.UserID != "user-1" {
			t.Errorf("metadata should carry the user, got %q", meta.UserID)
		}
	}
	if len(q.enqueued) != 0 {
		t.Errorf("exhausted job must not be re-enqueued, got %d", len(q.enqueued))
	}
}

func TestProcessor_MalformedJobDropped(t *testing.T) {
	q := &fakeQueue{}
	d := &scriptedDispatcher{script: [][]sender.ChannelResult{nil}}
	p := setupProcessor(t, q, d, newFakeStore())

	bad := testProcessorJob(db.ChannelEmail)
	bad.CorrelationID = ""

	p.Process(context.Background(), bad)

	if d.calls != 0 {
		t.Error("malformed job must not reach the sender")
	}
	if len(q.enqueued) != 0 {
		t.Error("malformed job must not be retried")
	}
}

func TestProcessor_EnqueueFailureLeavesRetrying(t *testing.T) {
	row := testLogRow(db.ChannelEmail, "a@example.com")
	q := &fakeQueue{err: errors.New("sqs unavailable")}
	d := &scriptedDispatcher{script: [][]sender.ChannelResult{
		{{Channel: db.ChannelEmail, Recipient: "a@example.com", Retryable: true, Err: errors.New("timeout")}},
	}}
	store := newFakeStore(row)
	p := setupProcessor(t, q, d, store)

	p.Process(context.Background(), testProcessorJob(db.ChannelEmail))

	// The audit row keeps RETRYING so the manual re-enqueue path can pick
	// it up.
	if store.statuses[row.ID] != db.StatusRetrying {
		t.Errorf("expected RETRYING, got %q", store.statuses[row.ID])
	}
}
