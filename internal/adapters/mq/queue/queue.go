// Package queue carries sync jobs from the request path to the worker pool.
//
// Jobs are keyed by user: while a job for a user is waiting, further jobs for
// the same user are absorbed, since one sync decision covers all feedback
// appended before it runs.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/okian/recsync/internal/domain/model"
	"github.com/okian/recsync/pkg/metrics"
)

const defaultQueueCapacity = 10000

// Job is the payload flowing through the queue.
type Job = model.SyncJob

// Queue provides non-blocking enqueue and channel-based dequeue semantics.
type Queue interface {
	// Enqueue adds a job. It returns nil when the job is queued or a job for
	// the same user is already waiting.
	Enqueue(ctx context.Context, j Job) error

	// Dequeue returns a channel that receives jobs until the queue is closed
	// or ctx is done.
	Dequeue(ctx context.Context) <-chan Job

	// Len returns the number of waiting jobs.
	Len(ctx context.Context) int

	// Close stops accepting jobs; waiting jobs are still delivered.
	Close() error

	IsClosed() bool
}

// InMemoryQueue implements Queue using a buffered channel.
type InMemoryQueue struct {
	jobs     chan Job
	capacity int

	mu      sync.Mutex
	waiting map[string]struct{}
	closed  bool
}

// NewInMemoryQueue creates a new in-memory queue with configuration options.
func NewInMemoryQueue(opts ...Option) *InMemoryQueue {
	q := &InMemoryQueue{
		capacity: defaultQueueCapacity,
		waiting:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.jobs = make(chan Job, q.capacity)

	metrics.UpdateQueueCapacity(q.capacity)
	metrics.UpdateQueueSize(0)
	metrics.UpdateQueueUtilization(0.0)
	return q
}

// Enqueue adds a job to the queue.
func (q *InMemoryQueue) Enqueue(ctx context.Context, j Job) error {
	if err := ctx.Err(); err != nil {
		metrics.RecordQueueEnqueueError()
		metrics.RecordErrorByComponent("queue", "context_cancelled")
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		metrics.RecordQueueEnqueueError()
		metrics.RecordErrorByComponent("queue", "closed")
		return ErrClosed
	}
	if _, ok := q.waiting[j.UserID]; ok {
		return nil
	}
	if j.EnqueuedAt == 0 {
		j.EnqueuedAt = time.Now().UnixMilli()
	}

	select {
	case q.jobs <- j:
		q.waiting[j.UserID] = struct{}{}
		metrics.RecordQueueEnqueue()
		q.observeSize()
		return nil
	default:
		metrics.RecordQueueEnqueueError()
		metrics.RecordErrorByComponent("queue", "queue_full")
		return fmt.Errorf("user %s: %w", j.UserID, ErrFull)
	}
}

// Dequeue returns a channel that will receive jobs as they become available.
// A job stops absorbing duplicates as soon as it is handed out.
func (q *InMemoryQueue) Dequeue(ctx context.Context) <-chan Job {
	out := make(chan Job)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case j, ok := <-q.jobs:
				if !ok {
					return
				}
				q.mu.Lock()
				delete(q.waiting, j.UserID)
				q.observeSize()
				q.mu.Unlock()
				metrics.RecordQueueDequeue()

				select {
				case out <- j:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Len returns the current number of waiting jobs.
func (q *InMemoryQueue) Len(_ context.Context) int {
	return len(q.jobs)
}

// Close gracefully shuts down the queue.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	close(q.jobs)
	q.closed = true
	return nil
}

// IsClosed returns true if the queue has been closed.
func (q *InMemoryQueue) IsClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// observeSize must be called with q.mu held.
func (q *InMemoryQueue) observeSize() {
	size := len(q.jobs)
	metrics.UpdateQueueSize(size)
	metrics.UpdateQueueUtilization(float64(size) / float64(q.capacity))
}
