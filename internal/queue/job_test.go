package queue

import (
	"encoding/json"
	"testing"
)

func validJob() *Job {
	return NewJob("corr-1", "otp", "user-1", []string{"email", "sms"}, json.RawMessage(`{"to":"a@b.c"}`), true)
}

func TestJob_ValidateAcceptsWellFormed(t *testing.T) {
	if err := validJob().Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestJob_ValidateRejectsMissingFields(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Job)
	}{
		{"missing correlation_id", func(j *Job) { j.CorrelationID = "" }},
		{"missing type", func(j *Job) { j.Type = "" }},
		{"missing user_id", func(j *Job) { j.UserID = "" }},
		{"no channels", func(j *Job) { j.Channels = nil }},
		{"unknown channel", func(j *Job) { j.Channels = []string{"email", "fax"} }},
		{"missing data", func(j *Job) { j.Data = nil }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			job := validJob()
			tc.mutate(job)
			if err := job.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestJob_NextAttempt(t *testing.T) {
	job := validJob()
	next := job.NextAttempt()

	if next.Attempt != 1 {
		t.Errorf("expected attempt 1, got %d", next.Attempt)
	}
	if next.JobID == job.JobID {
		t.Error("redelivery must get a fresh job id")
	}
	if next.CorrelationID != job.CorrelationID {
		t.Error("correlation id must survive redelivery")
	}
	if job.Attempt != 0 {
		t.Error("original job must not be mutated")
	}
}
