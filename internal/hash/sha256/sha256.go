// Package sha256 digests artifact payloads for visit events.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Prefix tags digests with their algorithm.
const Prefix = "sha256:"

// Hasher implements graph.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the algorithm-tagged hex digest of data.
func (*Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return Prefix + hex.EncodeToString(sum[:]), nil
}
