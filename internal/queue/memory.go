package queue

import (
	"context"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue for single-binary deployments.
type MemoryQueue struct {
	mu      sync.Mutex
	jobs    chan *Job
	pending map[string]bool
	closed  bool
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates a queue holding at most capacity jobs.
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity < 1 {
		capacity = 1024
	}
	return &MemoryQueue{jobs: make(chan *Job, capacity), pending: make(map[string]bool)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job *Job) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false, ErrClosed
	}
	key := job.DedupKey()
	if q.pending[key] {
		return false, nil
	}
	job.stamp()

	select {
	case q.jobs <- job:
		q.pending[key] = true
		return true, nil
	default:
		return false, ErrFull
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case job, ok := <-q.jobs:
		if !ok {
			return nil, ErrClosed
		}
		return job, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemoryQueue) Ack(ctx context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.pending, job.DedupKey())
	return nil
}

func (q *MemoryQueue) Depth(ctx context.Context) (int64, error) {
	return int64(len(q.jobs)), nil
}

// Close stops accepting jobs; waiting jobs can still be drained.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	return nil
}
