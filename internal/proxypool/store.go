package proxypool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Store persists endpoint health across sessions.
type Store interface {
	Save(endpoints []Endpoint) error
	Load() ([]Endpoint, error)
}

// FileStore keeps the endpoint set in a single JSON file. Writes go to a
// temporary file followed by an atomic rename so a crash mid-write cannot
// corrupt the backing file.
type FileStore struct {
	path string
}

// NewFileStore builds a FileStore rooted at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Save replaces the backing file with the provided endpoint set.
func (s *FileStore) Save(endpoints []Endpoint) error {
	data, err := json.MarshalIndent(endpoints, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal proxy state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create proxy state dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write proxy state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace proxy state: %w", err)
	}
	return nil
}

// Load reads the persisted endpoint set. A missing file yields an empty set.
func (s *FileStore) Load() ([]Endpoint, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read proxy state: %w", err)
	}
	var endpoints []Endpoint
	if err := json.Unmarshal(data, &endpoints); err != nil {
		return nil, fmt.Errorf("decode proxy state: %w", err)
	}
	return endpoints, nil
}
