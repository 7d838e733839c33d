// Package checkpoint persists the set of items completed in the current
// session so a crashed or interrupted run can resume without redoing work.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/harvestd/listing-harvester/internal/metrics"
)

// record is the on-disk shape of one session checkpoint.
type record struct {
	SessionID        string    `json:"session_id"`
	CompletedItemIDs []string  `json:"completed_item_ids"`
	LastFlushedAt    time.Time `json:"last_flushed_at"`
}

// Manager batches completion writes: the file is flushed every BatchSize
// newly-completed items, and unconditionally via Flush on shutdown. At most
// one batch of work can ever be redone after an interruption.
type Manager struct {
	mu        sync.Mutex
	dir       string
	sessionID string
	batchSize int
	completed map[string]struct{}
	unflushed int
	logger    *zap.Logger
}

// Config controls checkpoint behavior.
type Config struct {
	// Dir holds one checkpoint file per session.
	Dir string
	// BatchSize is the flush interval in newly-completed items.
	BatchSize int
}

// NewManager builds a Manager for one session.
func NewManager(cfg Config, sessionID string, logger *zap.Logger) *Manager {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		dir:       cfg.Dir,
		sessionID: sessionID,
		batchSize: cfg.BatchSize,
		completed: make(map[string]struct{}),
		logger:    logger,
	}
}

// Load reads the persisted completed-item set for the session, or an empty
// set if no checkpoint exists.
func (m *Manager) Load() (map[string]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.path())
	if os.IsNotExist(err) {
		return map[string]struct{}{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	m.completed = make(map[string]struct{}, len(rec.CompletedItemIDs))
	for _, id := range rec.CompletedItemIDs {
		m.completed[id] = struct{}{}
	}
	m.unflushed = 0

	out := make(map[string]struct{}, len(m.completed))
	for id := range m.completed {
		out[id] = struct{}{}
	}
	return out, nil
}

// Completed reports whether the item already finished in this session.
func (m *Manager) Completed(itemID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.completed[itemID]
	return ok
}

// MarkCompleted records a finished item, flushing once a full batch has
// accumulated.
func (m *Manager) MarkCompleted(itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.completed[itemID]; ok {
		return nil
	}
	m.completed[itemID] = struct{}{}
	m.unflushed++
	if m.unflushed >= m.batchSize {
		return m.flushLocked()
	}
	return nil
}

// Flush forces an immediate durable write. Called on termination signals so
// an operator shutdown loses at most nothing.
func (m *Manager) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unflushed == 0 {
		return nil
	}
	return m.flushLocked()
}

// Clear removes the checkpoint. Invoked only after the enclosing session
// reports overall success.
func (m *Manager) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.completed = make(map[string]struct{})
	m.unflushed = 0
	if err := os.Remove(m.path()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove checkpoint: %w", err)
	}
	return nil
}

func (m *Manager) flushLocked() error {
	ids := make([]string, 0, len(m.completed))
	for id := range m.completed {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	rec := record{
		SessionID:        m.sessionID,
		CompletedItemIDs: ids,
		LastFlushedAt:    time.Now().UTC(),
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	tmp := m.path() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, m.path()); err != nil {
		return fmt.Errorf("replace checkpoint: %w", err)
	}
	m.unflushed = 0
	metrics.ObserveCheckpointFlush()
	m.logger.Debug("checkpoint flushed",
		zap.String("session_id", m.sessionID),
		zap.Int("completed", len(ids)),
	)
	return nil
}

func (m *Manager) path() string {
	return filepath.Join(m.dir, m.sessionID+".json")
}
