// Package metrics exposes Prometheus instrumentation plus a batching
// accumulator that absorbs the write pressure of the delivery pipeline.
package metrics

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Counter kinds accumulated by the batcher.
const (
	KindSent        = "sent"
	KindFailed      = "failed"
	KindRetry       = "retry"
	KindCircuitOpen = "circuit_open"
	KindRateLimited = "rate_limited"
	KindDuplicate   = "duplicate"
)

// Batch is one flush payload.
type Batch struct {
	Counters     map[string]int64   // "<kind>:<channel>" -> delta
	LatencySum   map[string]float64 // channel -> summed seconds
	LatencyCount map[string]int64   // channel -> sample count
	Gauges       map[string]float64 // name -> last value
}

// Sink persists flushed batches. Implementations must tolerate being
// called from a single goroutine at a time.
type Sink interface {
	Flush(ctx context.Context, b Batch) error
}

// Batcher accumulates counter, latency, and gauge updates in process-local
// maps and flushes them to the sink on a timer or when the pending entry
// count crosses a threshold. Loss of one unflushed batch on crash is
// acceptable; every Record* call is lock-cheap and never does I/O.
//
// Accumulators are per-instance: aggregate metrics across workers are the
// eventually consistent sum of each instance's flushes.
type Batcher struct {
	mu      sync.Mutex
	pending Batch
	size    int

	sink     Sink
	interval time.Duration
	maxSize  int
	logger   *zap.Logger

	stop chan struct{}
	done chan struct{}
}

// NewBatcher creates a batcher flushing to sink every interval or once
// maxSize entries are pending, whichever comes first.
func NewBatcher(sink Sink, interval time.Duration, maxSize int, logger *zap.Logger) *Batcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if maxSize <= 0 {
		maxSize = 100
	}
	return &Batcher{
		pending:  emptyBatch(),
		sink:     sink,
		interval: interval,
		maxSize:  maxSize,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func emptyBatch() Batch {
	return Batch{
		Counters:     make(map[string]int64),
		LatencySum:   make(map[string]float64),
		LatencyCount: make(map[string]int64),
		Gauges:       make(map[string]float64),
	}
}

// Start runs the flush loop until Stop is called or ctx is cancelled.
func (b *Batcher) Start(ctx context.Context) {
	go func() {
		defer close(b.done)
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				b.flush(context.Background())
				return
			case <-b.stop:
				b.flush(context.Background())
				return
			case <-ticker.C:
				b.flush(ctx)
			}
		}
	}()
}

// Stop flushes pending entries and stops the loop.
func (b *Batcher) Stop() {
	close(b.stop)
	<-b.done
}

// IncrCounter adds delta to the kind/channel counter and mirrors the
// Prometheus series immediately.
func (b *Batcher) IncrCounter(kind, channel string, delta int64) {
	switch kind {
	case KindSent:
		notificationsSent.WithLabelValues(channel).Add(float64(delta))
	case KindFailed:
		notificationsFailed.WithLabelValues(channel).Add(float64(delta))
	case KindRetry:
		notificationRetries.WithLabelValues(channel).Add(float64(delta))
	case KindCircuitOpen:
		circuitRejections.WithLabelValues(channel).Add(float64(delta))
	case KindRateLimited:
		rateLimitRejections.WithLabelValues(channel).Add(float64(delta))
	case KindDuplicate:
		idempotencyHits.Add(float64(delta))
	}

	b.mu.Lock()
	key := kind + ":" + channel
	if _, seen := b.pending.Counters[key]; !seen {
		b.size++
	}
	b.pending.Counters[key] += delta
	full := b.size >= b.maxSize
	b.mu.Unlock()

	if full {
		b.flush(context.Background())
	}
}

// ObserveLatency records one channel send latency sample.
func (b *Batcher) ObserveLatency(channel string, d time.Duration) {
	notificationLatency.WithLabelValues(channel).Observe(d.Seconds())

	b.mu.Lock()
	if _, seen := b.pending.LatencyCount[channel]; !seen {
		b.size++
	}
	b.pending.LatencySum[channel] += d.Seconds()
	b.pending.LatencyCount[channel]++
	full := b.size >= b.maxSize
	b.mu.Unlock()

	if full {
		b.flush(context.Background())
	}
}

// SetGauge records a gauge value, keeping only the latest per flush.
func (b *Batcher) SetGauge(name string, v float64) {
	switch name {
	case "active_connections":
		activeConnections.Set(v)
	case "queue_backlog":
		queueBacklog.Set(v)
	}

	b.mu.Lock()
	if _, seen := b.pending.Gauges[name]; !seen {
		b.size++
	}
	b.pending.Gauges[name] = v
	b.mu.Unlock()
}

func (b *Batcher) flush(ctx context.Context) {
	b.mu.Lock()
	if b.size == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.pending
	b.pending = emptyBatch()
	b.size = 0
	b.mu.Unlock()

	if b.sink == nil {
		return
	}
	if err := b.sink.Flush(ctx, batch); err != nil {
		// Metrics are best-effort; drop the batch rather than retry and
		// build up unbounded memory.
		b.logger.Warn("metrics flush failed, batch dropped", zap.Error(err))
	}
}
