package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
)

// NewShareToken returns a random URL-safe token for live and watch links.
func NewShareToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashShareToken returns the hex SHA-256 of token. Only hashes are stored and indexed.
func HashShareToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// ShareTokenHashEqual compares the hash of providedToken with storedHash in constant time.
func ShareTokenHashEqual(providedToken, storedHash string) bool {
	return subtle.ConstantTimeCompare([]byte(HashShareToken(providedToken)), []byte(storedHash)) == 1
}
