package metrics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type captureSink struct {
	mu      sync.Mutex
	batches []Batch
	err     error
}

func (s *captureSink) Flush(ctx context.Context, b Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, b)
	return nil
}

func (s *captureSink) flushed() []Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Batch, len(s.batches))
	copy(out, s.batches)
	return out
}

func TestBatcher_AccumulatesAndFlushesOnStop(t *testing.T) {
	sink := &captureSink{}
	b := NewBatcher(sink, time.Hour, 100, zap.NewNop())
	b.Start(context.Background())

	b.IncrCounter(KindSent, "email", 1)
	b.IncrCounter(KindSent, "email", 1)
	b.IncrCounter(KindFailed, "sms", 3)
	b.ObserveLatency("email", 250*time.Millisecond)
	b.SetGauge("queue_backlog", 42)

	b.Stop()

	batches := sink.flushed()
	if len(batches) != 1 {
		t.Fatalf("expected one flush on stop, got %d", len(batches))
	}
	batch := batches[0]

	if got := batch.Counters[KindSent+":email"]; got != 2 {
		t.Errorf("expected sent:email 2, got %d", got)
	}
	if got := batch.Counters[KindFailed+":sms"]; got != 3 {
		t.Errorf("expected failed:sms 3, got %d", got)
	}
	if got := batch.LatencyCount["email"]; got != 1 {
		t.Errorf("expected 1 latency sample, got %d", got)
	}
	if got := batch.Gauges["queue_backlog"]; got != 42 {
		t.Errorf("expected gauge 42, got %f", got)
	}
}

func TestBatcher_FlushesWhenFull(t *testing.T) {
	sink := &captureSink{}
	b := NewBatcher(sink, time.Hour, 2, zap.NewNop())

	b.IncrCounter(KindSent, "email", 1)
	b.IncrCounter(KindSent, "sms", 1)

	batches := sink.flushed()
	if len(batches) != 1 {
		t.Fatalf("expected size-triggered flush, got %d batches", len(batches))
	}
}

func TestBatcher_GaugeKeepsLatestValue(t *testing.T) {
	sink := &captureSink{}
	b := NewBatcher(sink, time.Hour, 100, zap.NewNop())
	b.Start(context.Background())

	b.SetGauge("active_connections", 10)
	b.SetGauge("active_connections", 7)
	b.Stop()

	batches := sink.flushed()
	if len(batches) != 1 {
		t.Fatalf("expected one flush, got %d", len(batches))
	}
	if got := batches[0].Gauges["active_connections"]; got != 7 {
		t.Errorf("expected latest gauge value 7, got %f", got)
	}
}

func TestBatcher_SinkErrorDropsBatch(t *testing.T) {
	sink := &captureSink{err: errors.New("redis down")}
	b := NewBatcher(sink, time.Hour, 100, zap.NewNop())
	b.Start(context.Background())

	b.IncrCounter(KindSent, "email", 1)
	b.Stop()

	// The failed batch is dropped; recording again must not panic or
	// resurrect the lost counters.
	sink.mu.Lock()
	sink.err = nil
	sink.mu.Unlock()

	b2 := NewBatcher(sink, time.Hour, 100, zap.NewNop())
	b2.Start(context.Background())
	b2.IncrCounter(KindSent, "email", 5)
	b2.Stop()

	batches := sink.flushed()
	if len(batches) != 1 {
		t.Fatalf("expected one successful flush, got %d", len(batches))
	}
	if got := batches[0].Counters[KindSent+":email"]; got != 5 {
		t.Errorf("expected only the new delta, got %d", got)
	}
}
