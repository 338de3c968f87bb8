// Package queue provides the bounded producer/consumer buffer between
// event ingestion and the aggregation pipeline.
package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/yairfalse/strata/pkg/event"
)

// PushResult reports the outcome of a non-blocking push. On overflow,
// Success is false and OldestTimestampNs carries the elapsed timestamp of
// the event at the head of the queue so callers can account for the gap.
type PushResult struct {
	Success           bool
	OldestTimestampNs int64
	Size              int
}

// Queue is a bounded FIFO of log events. Push never blocks; WaitPop
// blocks until an event is available or the context is done.
type Queue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items []*event.LogEvent
	limit int

	logger *zap.Logger

	// Statistics, readable without the lock.
	pushed  atomic.Int64
	dropped atomic.Int64
	popped  atomic.Int64

	pushedCounter  metric.Int64Counter
	droppedCounter metric.Int64Counter
}

// New creates a queue holding at most capacity events.
func New(capacity int, logger *zap.Logger) (*Queue, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("queue capacity must be positive, got %d", capacity)
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	q := &Queue{
		limit:  capacity,
		logger: logger,
	}
	q.cond = sync.NewCond(&q.mu)

	meter := otel.Meter("strata.queue")
	var err error
	q.pushedCounter, err = meter.Int64Counter("strata_queue_events_pushed_total",
		metric.WithDescription("Events accepted by the event queue"))
	if err != nil {
		return nil, fmt.Errorf("failed to create pushed counter: %w", err)
	}
	q.droppedCounter, err = meter.Int64Counter("strata_queue_events_dropped_total",
		metric.WithDescription("Events rejected because the queue was full"))
	if err != nil {
		return nil, fmt.Errorf("failed to create dropped counter: %w", err)
	}

	return q, nil
}

// Push attempts to enqueue the event. At capacity it rejects the new
// event and reports the oldest queued timestamp; it never blocks the
// producer.
func (q *Queue) Push(ctx context.Context, e *event.LogEvent) PushResult {
	var result PushResult

	q.mu.Lock()
	if len(q.items) < q.limit {
		q.items = append(q.items, e)
		result.Success = true
	} else {
		result.OldestTimestampNs = q.items[0].ElapsedTimestampNs
	}
	result.Size = len(q.items)
	q.mu.Unlock()

	if result.Success {
		q.pushed.Add(1)
		q.pushedCounter.Add(ctx, 1)
		q.cond.Signal()
	} else {
		q.dropped.Add(1)
		q.droppedCounter.Add(ctx, 1)
		q.logger.Warn("event queue full, rejecting event",
			zap.Int32("tag", e.Tag),
			zap.Int64("oldest_timestamp_ns", result.OldestTimestampNs),
			zap.Int("size", result.Size))
	}
	return result
}

// WaitPop blocks until an event is available, then returns ownership of
// the oldest one. Returns nil once ctx is done and the queue is empty.
func (q *Queue) WaitPop(ctx context.Context) *event.LogEvent {
	stop := context.AfterFunc(ctx, func() {
		// Wake the consumer so it can observe cancellation.
		q.mu.Lock()
		defer q.mu.Unlock()
		q.cond.Broadcast()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		if ctx.Err() != nil {
			return nil
		}
		q.cond.Wait()
	}

	e := q.items[0]
	q.items = q.items[1:]
	q.popped.Add(1)
	return e
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stats returns pushed, dropped and popped counts.
func (q *Queue) Stats() (pushed, dropped, popped int64) {
	return q.pushed.Load(), q.dropped.Load(), q.popped.Load()
}
