package header

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
)

const BoundaryPrefix = "-=part."

// NewBoundary returns a multipart boundary derived from a random
// identifier, so that it never depends on the content it separates.
func NewBoundary() (string, error) {
	var id [16]byte
	if _, err := rand.Read(id[:]); err != nil {
		return "", err
	}
	sum := sha1.Sum(id[:])
	return BoundaryPrefix + hex.EncodeToString(sum[:]), nil
}
