package harvest

import (
	"context"
	"time"
)

// Fetcher retrieves one URL through the supplied proxy.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Extractor is the external content-extraction collaborator. Extraction
// failures flow back into error classification as parse failures; the core
// does not handle them specially.
type Extractor interface {
	Extract(ctx context.Context, item Item, page FetchResponse) ([]byte, error)
}

// URLSource is the external URL-discovery collaborator supplying the ordered
// item list for a session.
type URLSource interface {
	Items(ctx context.Context) ([]Item, error)
}

// OutcomeStore is the external persistence collaborator receiving per-item
// outcome records and the session summary.
type OutcomeStore interface {
	SaveItemOutcomes(ctx context.Context, sessionID string, results []ItemResult) error
	SaveSessionSummary(ctx context.Context, summary SessionSummary) error
	Close()
}

// ChunkQueue provides enqueue/dequeue semantics for chunk jobs.
type ChunkQueue interface {
	Enqueue(ctx context.Context, job ChunkJob) error
	Dequeue(ctx context.Context) (ChunkJob, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces session and job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
