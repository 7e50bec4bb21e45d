package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// MinHMACKeyBytes is the smallest HMAC key accepted when HMAC is required.
const MinHMACKeyBytes = 32

// HashSHA256Hex returns a SHA-256 hex digest of s.
func HashSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashHMACSHA256Hex returns an HMAC-SHA256 hex digest of s using key.
func HashHMACSHA256Hex(s string, key []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}

// Hasher hashes refresh tokens for server-side storage.
// The zero value hashes with plain SHA-256.
type Hasher struct {
	key []byte
}

// NewHasher builds a Hasher from a raw key string.
// An empty key selects SHA-256 mode unless require is set.
func NewHasher(rawKey string, require bool) (Hasher, error) {
	k := strings.TrimSpace(rawKey)
	if k == "" {
		if require {
			return Hasher{}, ErrHMACKeyMissing
		}
		return Hasher{}, nil
	}
	if require && len(k) < MinHMACKeyBytes {
		return Hasher{}, ErrHMACKeyTooShort
	}
	return Hasher{key: []byte(k)}, nil
}

// HMACEnabled reports whether the hasher runs in HMAC mode.
func (h Hasher) HMACEnabled() bool { return len(h.key) > 0 }

// Hash returns the storage hash of a plain refresh token.
func (h Hasher) Hash(plain string) string {
	if len(h.key) == 0 {
		return HashSHA256Hex(plain)
	}
	return HashHMACSHA256Hex(plain, h.key)
}

// Equal compares two hex hashes in constant time.
func Equal(a, b string) bool {
	if len(a) == 0 || len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
