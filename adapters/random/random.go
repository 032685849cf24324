// Package random provides secure random tokens.
package random

import (
	"crypto/rand"
	"encoding/hex"
)

// TokenPrefix marks generated admin tokens.
const TokenPrefix = "fg_"

// Real uses crypto/rand for secure randomness.
type Real struct{}

// Bytes generates n cryptographically secure random bytes.
func (Real) Bytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// Token returns prefix followed by n random bytes, hex encoded.
func (r Real) Token(prefix string, n int) (string, error) {
	b, err := r.Bytes(n)
	if err != nil {
		return "", err
	}
	return prefix + hex.EncodeToString(b), nil
}
