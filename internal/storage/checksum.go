package storage

import (
	"encoding/hex"
	"hash"

	"golang.org/x/crypto/sha3"
)

// Checksum accumulates the SHA3-256 digest of content written to it.
type Checksum struct {
	h hash.Hash
}

// NewChecksum returns an empty digest.
func NewChecksum() *Checksum {
	return &Checksum{h: sha3.New256()}
}

func (c *Checksum) Write(p []byte) (int, error) {
	return c.h.Write(p)
}

// Hex returns the hex-encoded digest of everything written so far.
func (c *Checksum) Hex() string {
	return hex.EncodeToString(c.h.Sum(nil))
}
