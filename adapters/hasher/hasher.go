// Package hasher provides admin token hashing implementations.
package hasher

import (
	"crypto/subtle"

	"github.com/artpar/featuregate/ports"
	"golang.org/x/crypto/bcrypt"
)

// Bcrypt uses bcrypt for hashing admin tokens.
type Bcrypt struct {
	cost int
}

// NewBcrypt creates a bcrypt hasher with the given cost.
// Out-of-range costs fall back to bcrypt.DefaultCost.
func NewBcrypt(cost int) *Bcrypt {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Bcrypt{cost: cost}
}

// Hash generates a bcrypt hash from plaintext.
func (h *Bcrypt) Hash(plaintext string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(plaintext), h.cost)
}

// Compare checks if plaintext matches hash.
func (h *Bcrypt) Compare(hash []byte, plaintext string) bool {
	if len(hash) == 0 {
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(plaintext)) == nil
}

// Ensure interface compliance.
var _ ports.Hasher = (*Bcrypt)(nil)

// Plain stores tokens verbatim (NOT FOR PRODUCTION, tests only).
type Plain struct{}

// Hash returns the plaintext as bytes.
func (Plain) Hash(plaintext string) ([]byte, error) {
	return []byte(plaintext), nil
}

// Compare does a constant-time equality check.
func (Plain) Compare(hash []byte, plaintext string) bool {
	return len(hash) > 0 && subtle.ConstantTimeCompare(hash, []byte(plaintext)) == 1
}

// Ensure interface compliance.
var _ ports.Hasher = Plain{}
