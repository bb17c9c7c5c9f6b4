package security

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// Fingerprint returns the hex SHA-256 of a refresh token. Token families store the
// fingerprint of their current refresh token rather than the token itself.
func Fingerprint(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// FingerprintMatches reports whether token hashes to stored, in constant time.
// An empty stored fingerprint never matches.
func FingerprintMatches(token, stored string) bool {
	if stored == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(Fingerprint(token)), []byte(stored)) == 1
}
