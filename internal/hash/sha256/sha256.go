// Package sha256 digests fetched page bodies so unchanged pages can be recognized.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements pricewatch.Hasher.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex-encoded SHA-256 digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
