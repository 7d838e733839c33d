// Package source supplies the ordered item list for a session.
package source

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/harvestd/listing-harvester/internal/harvest"
	"github.com/harvestd/listing-harvester/internal/hash/sha256"
)

// FileSource reads newline-delimited URLs from a file. Blank lines and lines
// starting with '#' are ignored. Item IDs are derived from the URL digest so
// the same list yields the same IDs run after run.
type FileSource struct {
	path   string
	hasher *sha256.Hasher
}

// NewFileSource creates a FileSource for the given path.
func NewFileSource(path string) *FileSource {
	return &FileSource{
		path:   path,
		hasher: sha256.New(),
	}
}

// Items loads the URL list, preserving file order.
func (s *FileSource) Items(ctx context.Context) ([]harvest.Item, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open url list: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only file

	var items []harvest.Item
	seen := make(map[string]struct{})
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("load url list: %w", err)
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !strings.HasPrefix(line, "http://") && !strings.HasPrefix(line, "https://") {
			return nil, fmt.Errorf("line %d: %q is not an http(s) url", len(items)+1, line)
		}
		if _, dup := seen[line]; dup {
			continue
		}
		seen[line] = struct{}{}
		id, err := s.hasher.ItemID(line)
		if err != nil {
			return nil, fmt.Errorf("derive item id: %w", err)
		}
		items = append(items, harvest.Item{ID: id, URL: line})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read url list: %w", err)
	}
	return items, nil
}
