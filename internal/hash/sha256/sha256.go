// Package sha256 provides SHA-256 hashing utilities.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher derives stable item identifiers from URLs. The digest is what makes
// checkpoints survive across sessions over the same URL list.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// ItemID returns a short digest prefix suitable as an item identifier.
func (h *Hasher) ItemID(url string) (string, error) {
	full, err := h.Hash([]byte(url))
	if err != nil {
		return "", err
	}
	return full[:16], nil
}
