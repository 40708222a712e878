package bus

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

var (
	ErrQueueFull   = errors.New("tick queue full")
	ErrQueueClosed = errors.New("tick queue closed")
)

// Tick asks the engine to process one timestamp.
type Tick struct {
	At time.Time
	// Enqueued is the wall time the tick entered the queue.
	Enqueued time.Time
}

// Queue is a bounded, non-blocking tick queue with a single consumer.
type Queue struct {
	ch      chan Tick
	closed  uint32
	dropped uint64
}

// NewQueue allocates a queue with the given capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{ch: make(chan Tick, capacity)}
}

// TryPublish enqueues a tick without blocking. A full queue drops the tick:
// the consumer is still busy and the next tick supersedes it.
func (q *Queue) TryPublish(t Tick) error {
	if atomic.LoadUint32(&q.closed) != 0 {
		return ErrQueueClosed
	}
	select {
	case q.ch <- t:
		return nil
	default:
		atomic.AddUint64(&q.dropped, 1)
		return ErrQueueFull
	}
}

// Dropped returns the number of ticks rejected because the queue was full.
func (q *Queue) Dropped() uint64 {
	return atomic.LoadUint64(&q.dropped)
}

// Len returns the number of queued ticks.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops the queue from accepting new ticks.
func (q *Queue) Close() {
	if atomic.CompareAndSwapUint32(&q.closed, 0, 1) {
		close(q.ch)
	}
}

// Run consumes ticks until the context is done or the queue is closed.
func (q *Queue) Run(ctx context.Context, handler func(Tick)) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-q.ch:
			if !ok {
				return
			}
			handler(t)
		}
	}
}

// Feed publishes a tick aligned to interval until ctx is done. now
// supplies the wall clock; nil uses time.Now.
func Feed(ctx context.Context, q *Queue, interval time.Duration, now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	publish := func() {
		wall := now().UTC()
		_ = q.TryPublish(Tick{At: wall.Truncate(interval), Enqueued: wall})
	}
	publish()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			publish()
		}
	}
}
