package harvest

import (
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Item is one unit of work: a listing page URL with a stable identifier.
// IDs are derived from the URL so checkpoints survive across sessions.
type Item struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Domain returns the lowercase hostname of the item URL, or "unknown".
func (i Item) Domain() string {
	u, err := url.Parse(i.URL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// ItemStatus is the terminal state of one processed item.
type ItemStatus string

// Item statuses.
const (
	ItemSucceeded ItemStatus = "succeeded"
	ItemFailed    ItemStatus = "failed"
	ItemSkipped   ItemStatus = "skipped"
)

// ItemResult is the per-item outcome a worker produces.
type ItemResult struct {
	ItemID   string        `json:"item_id"`
	URL      string        `json:"url"`
	Domain   string        `json:"domain"`
	Proxy    string        `json:"proxy,omitempty"`
	Status   ItemStatus    `json:"status"`
	Payload  []byte        `json:"payload,omitempty"`
	Kind     string        `json:"kind,omitempty"`
	Error    string        `json:"error,omitempty"`
	Attempts int           `json:"attempts,omitempty"`
	Duration time.Duration `json:"duration"`
}

// ChunkStatus tracks a chunk job through the pipeline.
type ChunkStatus string

// Chunk statuses.
const (
	ChunkPending ChunkStatus = "pending"
	ChunkRunning ChunkStatus = "running"
	ChunkDone    ChunkStatus = "done"
	ChunkFailed  ChunkStatus = "failed"
)

// ChunkJob is a bounded subdivision of the session's work list, consumed by
// exactly one worker. A failed chunk is surfaced, never silently
// re-dispatched; item-level retry happens inside the retry engine.
type ChunkJob struct {
	JobID     string
	SessionID string
	Items     []Item
	Status    ChunkStatus
}

// RunOutcome is produced once per chunk and consumed exactly once by the
// aggregator.
type RunOutcome struct {
	JobID  string
	Status ChunkStatus
	Items  []ItemResult
}

// SessionSummary breaks the session's results down by kind, domain, and
// proxy. It never collapses failures into a single opaque signal.
type SessionSummary struct {
	SessionID  string         `json:"session_id"`
	Total      int            `json:"total"`
	Succeeded  int            `json:"succeeded"`
	Failed     int            `json:"failed"`
	Skipped    int            `json:"skipped"`
	ByKind     map[string]int `json:"by_kind"`
	ByDomain   map[string]int `json:"by_domain"`
	ByProxy    map[string]int `json:"by_proxy"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// FinalResult is the aggregator's combined output for one session run.
type FinalResult struct {
	SessionID string
	Succeeded []ItemResult
	Failed    []ItemResult
	Skipped   []ItemResult
	Chunks    map[string]ChunkStatus
	Summary   SessionSummary
}

// FetchRequest asks for one URL through one egress proxy.
type FetchRequest struct {
	URL string
	// ProxyURL routes the request; empty means direct egress.
	ProxyURL string
}

// FetchResponse carries the body plus metadata of a successful fetch.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}
