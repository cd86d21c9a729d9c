package crypto

import (
	"crypto/rand"
	"fmt"

	"github.com/awnumar/memguard"
)

// withSecret runs fn with b and wipes b on every return path.
func withSecret[T any](b []byte, fn func([]byte) (T, error)) (T, error) {
	defer memguard.WipeBytes(b)
	return fn(b)
}

// randomBytes returns n bytes from crypto/rand.
func randomBytes(n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("invalid random length %d", n)
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}

// wipe zeroes b in place.
func wipe(b []byte) {
	memguard.WipeBytes(b)
}
