package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/harvestd/listing-harvester/internal/harvest"
)

// Dispatcher splits a session's item list into chunk jobs, enqueues them, and
// hands back a JobHandle without waiting for any work to run. It also routes
// worker outcomes back to the owning handle.
type Dispatcher struct {
	queue     harvest.ChunkQueue
	ids       harvest.IDGenerator
	clock     harvest.Clock
	chunkSize int
	logger    *zap.Logger

	mu      sync.Mutex
	handles map[string]*JobHandle
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(
	queue harvest.ChunkQueue,
	ids harvest.IDGenerator,
	clock harvest.Clock,
	chunkSize int,
	logger *zap.Logger,
) *Dispatcher {
	if chunkSize <= 0 {
		chunkSize = 25
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:     queue,
		ids:       ids,
		clock:     clock,
		chunkSize: chunkSize,
		logger:    logger,
	}
}

// Dispatch chunks the items, enqueues every chunk job, and returns a handle
// immediately. The caller observes completion through the handle; Dispatch
// itself never blocks on workers.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID string, items []harvest.Item) (*JobHandle, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	chunks := splitChunks(items, d.chunkSize)
	handle := newJobHandle(sessionID, len(chunks), d.now())

	d.mu.Lock()
	if d.handles == nil {
		d.handles = make(map[string]*JobHandle)
	}
	if _, exists := d.handles[sessionID]; exists {
		d.mu.Unlock()
		return nil, fmt.Errorf("session %s already dispatched", sessionID)
	}
	if len(chunks) > 0 {
		d.handles[sessionID] = handle
	}
	d.mu.Unlock()

	for i, chunk := range chunks {
		jobID, err := d.ids.NewID()
		if err != nil {
			d.unregister(sessionID)
			return nil, fmt.Errorf("generate job id: %w", err)
		}
		job := harvest.ChunkJob{
			JobID:     jobID,
			SessionID: sessionID,
			Items:     chunk,
			Status:    harvest.ChunkPending,
		}
		if err := d.queue.Enqueue(ctx, job); err != nil {
			d.unregister(sessionID)
			return nil, fmt.Errorf("enqueue chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}

	d.logger.Info("session dispatched",
		zap.String("session_id", sessionID),
		zap.Int("items", len(items)),
		zap.Int("chunks", len(chunks)),
	)
	return handle, nil
}

// Report delivers one chunk outcome to the session's handle. Outcomes for
// unknown sessions are logged and dropped.
func (d *Dispatcher) Report(sessionID string, outcome harvest.RunOutcome) {
	d.mu.Lock()
	handle, ok := d.handles[sessionID]
	d.mu.Unlock()
	if !ok {
		d.logger.Warn("outcome for unknown session dropped",
			zap.String("session_id", sessionID),
			zap.String("job_id", outcome.JobID),
		)
		return
	}
	if handle.deliver(outcome) {
		d.unregister(sessionID)
	}
}

func (d *Dispatcher) unregister(sessionID string) {
	d.mu.Lock()
	delete(d.handles, sessionID)
	d.mu.Unlock()
}

func (d *Dispatcher) now() time.Time {
	if d.clock != nil {
		return d.clock.Now()
	}
	return time.Now()
}

// splitChunks divides items into consecutive slices of at most size elements,
// preserving order.
func splitChunks(items []harvest.Item, size int) [][]harvest.Item {
	if len(items) == 0 {
		return nil
	}
	chunks := make([][]harvest.Item, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[start:end])
	}
	return chunks
}
