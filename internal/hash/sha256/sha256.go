// Package sha256 turns classifier names and source snapshots into fixed-width
// cache keys.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/JakeFAU/magnet-dispatcher/internal/torrent"
)

var _ torrent.Hasher = Hasher{}

// Hasher is stateless; the zero value is ready to use.
type Hasher struct{}

// New returns a Hasher.
func New() Hasher {
	return Hasher{}
}

// Hash returns the lowercase hex SHA-256 of data. It never fails.
func (Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
