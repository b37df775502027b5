// Package queue serializes mutations per logical key. While a key has an
// operation in flight, further enqueues for that key are dropped rather than
// buffered: the in-flight request is assumed to already carry the latest
// intent, and reconciliation happens against the server's echo.
package queue

import (
	"context"
	"sync"
)

// Handler performs one mutation. It runs to completion once started; the
// queue never cancels it mid-flight.
type Handler func(ctx context.Context) error

// Stats is a point-in-time view of queue activity.
type Stats struct {
	QueueLength    int    `json:"queue_length"`
	Processing     bool   `json:"processing"`
	ActiveEvents   int    `json:"active_events"`
	ProcessedTotal uint64 `json:"processed_total"`
	SkippedTotal   uint64 `json:"skipped_total"`
}

// Queue runs at most one handler per key at a time. Distinct keys run
// independently with no global lock held during handler execution.
type Queue struct {
	mu             sync.Mutex
	active         map[string]struct{}
	processedTotal uint64
	skippedTotal   uint64
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{active: make(map[string]struct{})}
}

// Enqueue runs handler for key unless the key already has an operation in
// flight, in which case it returns nil immediately and the call is counted
// as skipped. A handler error is returned verbatim; the key is released
// either way, so a failure never poisons subsequent enqueues.
func (q *Queue) Enqueue(ctx context.Context, key string, handler Handler) error {
	q.mu.Lock()
	if _, busy := q.active[key]; busy {
		q.skippedTotal++
		q.mu.Unlock()
		return nil
	}
	q.active[key] = struct{}{}
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		delete(q.active, key)
		q.processedTotal++
		q.mu.Unlock()
	}()

	return handler(ctx)
}

// Stats reports counters as of the moment of the call.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		// Nothing is ever buffered under the drop policy.
		QueueLength:    0,
		Processing:     len(q.active) > 0,
		ActiveEvents:   len(q.active),
		ProcessedTotal: q.processedTotal,
		SkippedTotal:   q.skippedTotal,
	}
}
