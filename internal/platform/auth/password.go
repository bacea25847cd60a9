package auth

import (
	"crypto/subtle"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// HashPassword returns a bcrypt hash of the plaintext password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// IsBcryptHash reports whether stored looks like a bcrypt hash.
func IsBcryptHash(stored string) bool {
	return strings.HasPrefix(stored, "$2a$") ||
		strings.HasPrefix(stored, "$2b$") ||
		strings.HasPrefix(stored, "$2y$")
}

// VerifyPassword checks password against the stored credential. Legacy rows
// hold plaintext; a match on one of those reports needsRehash so the caller
// can replace it with a bcrypt hash.
func VerifyPassword(stored, password string) (ok, needsRehash bool) {
	if IsBcryptHash(stored) {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)) == nil, false
	}
	if stored == "" {
		return false, false
	}
	match := subtle.ConstantTimeCompare([]byte(stored), []byte(password)) == 1
	return match, match
}
