package security

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// bcrypt silently ignores input beyond 72 bytes in some implementations and
// rejects it in others; truncate explicitly so behavior is deterministic.
const maxPasswordBytes = 72

// DummyHash is a pre-computed bcrypt hash (of "test") to compare against
// when the looked-up account does not exist. Comparing against it costs the
// same as a real comparison, so response timing does not reveal whether a
// username or client ID is registered.
const DummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// HashPassword hashes a user password or client secret with bcrypt at the
// default cost. The input is truncated to bcrypt's 72-byte limit.
func HashPassword(password string) (string, error) {
	b := []byte(password)
	if len(b) > maxPasswordBytes {
		b = b[:maxPasswordBytes]
	}

	hash, err := bcrypt.GenerateFromPassword(b, bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword reports whether password matches the stored bcrypt hash.
// bcrypt's comparison is constant time by construction.
func VerifyPassword(password, storedHash string) bool {
	b := []byte(password)
	if len(b) > maxPasswordBytes {
		b = b[:maxPasswordBytes]
	}
	return bcrypt.CompareHashAndPassword([]byte(storedHash), b) == nil
}
