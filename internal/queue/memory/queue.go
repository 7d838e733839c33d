// Package memory provides the in-process chunk job queue.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/harvestd/listing-harvester/internal/harvest"
)

// Queue is a bounded in-memory chunk queue with context-aware operations.
type Queue struct {
	ch      chan harvest.ChunkJob
	closeMu sync.Mutex
	closed  bool
}

// NewQueue constructs a queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch: make(chan harvest.ChunkJob, capacity),
	}
}

// Enqueue pushes a chunk job into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, job harvest.ChunkJob) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- job:
		return nil
	}
}

// Dequeue pops the next chunk job, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (harvest.ChunkJob, error) {
	select {
	case <-ctx.Done():
		return harvest.ChunkJob{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case job, ok := <-q.ch:
		if !ok {
			return harvest.ChunkJob{}, errors.New("queue closed")
		}
		return job, nil
	}
}

// Close closes the underlying channel for shutdown.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
