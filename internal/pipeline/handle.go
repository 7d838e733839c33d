// Package pipeline implements the dispatch/worker/aggregate execution flow
// for a harvest session.
package pipeline

import (
	"sync/atomic"
	"time"

	"github.com/harvestd/listing-harvester/internal/harvest"
)

// JobHandle tracks one dispatched session. It is returned immediately by
// Dispatch; completion is observed through Done, which closes once every
// chunk outcome has been delivered. No wall-clock deadline is involved.
type JobHandle struct {
	SessionID string
	// Expected is the number of chunk outcomes the session will produce.
	Expected int

	startedAt time.Time
	outcomes  chan harvest.RunOutcome
	remaining atomic.Int64
	done      chan struct{}
}

func newJobHandle(sessionID string, expected int, startedAt time.Time) *JobHandle {
	h := &JobHandle{
		SessionID: sessionID,
		Expected:  expected,
		startedAt: startedAt,
		outcomes:  make(chan harvest.RunOutcome, expected),
		done:      make(chan struct{}),
	}
	h.remaining.Store(int64(expected))
	if expected == 0 {
		close(h.done)
	}
	return h
}

// Done closes once all expected chunk outcomes have arrived.
func (h *JobHandle) Done() <-chan struct{} {
	return h.done
}

// Outcomes exposes the delivered chunk outcomes. The channel is buffered for
// the full expected count, so reading is safe once Done has closed.
func (h *JobHandle) Outcomes() <-chan harvest.RunOutcome {
	return h.outcomes
}

// StartedAt reports when the session was dispatched.
func (h *JobHandle) StartedAt() time.Time {
	return h.startedAt
}

// deliver records one chunk outcome and reports whether it was the last.
// Outcomes beyond the expected count are dropped.
func (h *JobHandle) deliver(outcome harvest.RunOutcome) bool {
	for {
		n := h.remaining.Load()
		if n <= 0 {
			return false
		}
		if !h.remaining.CompareAndSwap(n, n-1) {
			continue
		}
		h.outcomes <- outcome
		if n-1 == 0 {
			close(h.done)
			return true
		}
		return false
	}
}
