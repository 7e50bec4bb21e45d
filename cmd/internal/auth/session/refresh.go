package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"

	"portal/cmd/security/token"
)

// maxRefreshTokenLen bounds presented refresh tokens before hashing.
const maxRefreshTokenLen = 256

func newOpaqueRefreshToken(nBytes int, h token.Hasher) (plain string, hash string, err error) {
	b := make([]byte, nBytes)
	if _, err = rand.Read(b); err != nil {
		return "", "", err
	}

	// URL-safe, no padding.
	plain = base64.RawURLEncoding.EncodeToString(b)
	return plain, h.Hash(plain), nil
}

// gracePair is the rotated pair handed to a losing concurrent redeemer.
type gracePair struct {
	AccessToken  string    `json:"a"`
	AccessExp    time.Time `json:"ae"`
	RefreshToken string    `json:"r"`
	RefreshExp   time.Time `json:"re"`
}

var errGraceOpen = errors.New("grace entry cannot be opened")

// graceKey derives the sealing key from the superseded plaintext token, which
// only its holders know. The store itself only ever sees the hash.
func graceKey(oldPlain string) ([]byte, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(oldPlain), nil, []byte("portal.refresh.grace.v1"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// sealGrace encrypts p with AES-256-GCM as [nonce || ciphertext+tag].
func sealGrace(oldPlain string, p gracePair) ([]byte, error) {
	key, err := graceKey(oldPlain)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, raw, nil), nil
}

func openGrace(oldPlain string, blob []byte) (gracePair, error) {
	key, err := graceKey(oldPlain)
	if err != nil {
		return gracePair{}, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return gracePair{}, err
	}
	ns := gcm.NonceSize()
	if len(blob) < ns+gcm.Overhead() {
		return gracePair{}, errGraceOpen
	}
	raw, err := gcm.Open(nil, blob[:ns], blob[ns:], nil)
	if err != nil {
		return gracePair{}, errGraceOpen
	}
	var p gracePair
	if err := json.Unmarshal(raw, &p); err != nil {
		return gracePair{}, errGraceOpen
	}
	return p, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
