package vaultfs

import (
	"crypto/rand"
	"fmt"
)

// wipe overwrites key material in place. Callers drop the slice afterwards.
func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// randomBytes samples n cryptographically random bytes
func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}
