// Package accounts implements the credential store: a map of normalized
// username to password hash with register/validate operations, backed by
// either a JSON file or Postgres.
package accounts

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

var (
	ErrUsernameTaken   = errors.New("USERNAME_TAKEN: Username already exists")
	ErrInvalidUsername = errors.New("USERNAME_INVALID: Username cannot be empty")
	ErrInvalidHash     = errors.New("HASH_INVALID: Password hash cannot be empty")
)

// Store maps normalized usernames to password hashes. Validation never
// reveals whether the username or the password was wrong.
type Store interface {
	Register(username, passwordHash string) error
	ValidateLogin(username, passwordHash string) bool
}

// Normalize lowercases and trims a username for case-insensitive
// identity. Every layer that keys on a player identifier uses this form.
func Normalize(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// HashPassword returns the hex-encoded SHA-256 of a plaintext password.
// Clients hash before sending; the server only ever sees the hash.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

func hashesEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func validate(username, passwordHash string) error {
	if Normalize(username) == "" {
		return ErrInvalidUsername
	}
	if passwordHash == "" {
		return ErrInvalidHash
	}
	return nil
}
