package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// DefaultBcryptCost targets roughly 100-250ms per hash on current server CPUs.
const DefaultBcryptCost = 12

// maxPasswordBytes is bcrypt's input limit; longer inputs would be truncated.
const maxPasswordBytes = 72

// PasswordHasher hashes and verifies passwords with bcrypt.
type PasswordHasher struct {
	cost  int
	dummy []byte
}

// NewPasswordHasher returns a hasher using cost, or DefaultBcryptCost when
// cost is outside bcrypt's accepted range.
func NewPasswordHasher(cost int) *PasswordHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultBcryptCost
	}
	// Hash used to equalize timing for unknown users.
	dummy, err := bcrypt.GenerateFromPassword([]byte("evodash-timing-equalizer"), cost)
	if err != nil {
		dummy = nil
	}
	return &PasswordHasher{cost: cost, dummy: dummy}
}

// Hash returns a salted bcrypt hash of password.
func (h *PasswordHasher) Hash(password string) (string, error) {
	if len(password) == 0 {
		return "", fmt.Errorf("%w: password is empty", ErrInvalidInput)
	}
	if len(password) > maxPasswordBytes {
		return "", fmt.Errorf("%w: password exceeds %d bytes", ErrInvalidInput, maxPasswordBytes)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// Verify compares password with hash. Malformed hashes yield false.
func (h *PasswordHasher) Verify(password, hash string) bool {
	if hash == "" || password == "" {
		return false
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

// Equalize burns one comparison so a login for an unknown account takes as
// long as one for a known account.
func (h *PasswordHasher) Equalize(password string) {
	if len(h.dummy) == 0 {
		return
	}
	_ = bcrypt.CompareHashAndPassword(h.dummy, []byte(password))
}

// NeedsRehash reports whether hash was produced with a different cost.
func (h *PasswordHasher) NeedsRehash(hash string) bool {
	cost, err := bcrypt.Cost([]byte(hash))
	if err != nil {
		return true
	}
	return cost != h.cost
}
