package token

import (
	"errors"
	"strings"
	"testing"
)

func TestHasher_Modes(t *testing.T) {
	t.Parallel()

	sha, err := NewHasher("", false)
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	if sha.HMACEnabled() {
		t.Fatalf("expected SHA mode")
	}
	if got, want := sha.Hash("abc"), HashSHA256Hex("abc"); got != want {
		t.Fatalf("sha mode hash mismatch")
	}

	key := strings.Repeat("k", MinHMACKeyBytes)
	mac, err := NewHasher(key, true)
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	if !mac.HMACEnabled() {
		t.Fatalf("expected HMAC mode")
	}
	h := mac.Hash("abc")
	if len(h) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(h))
	}
	if h == sha.Hash("abc") {
		t.Fatalf("HMAC hash must differ from SHA hash")
	}
	if !Equal(h, mac.Hash("abc")) {
		t.Fatalf("hash must be deterministic")
	}
}

func TestNewHasher_RequirePolicy(t *testing.T) {
	t.Parallel()

	if _, err := NewHasher("", true); !errors.Is(err, ErrHMACKeyMissing) {
		t.Fatalf("expected ErrHMACKeyMissing, got %v", err)
	}
	if _, err := NewHasher("short", true); !errors.Is(err, ErrHMACKeyTooShort) {
		t.Fatalf("expected ErrHMACKeyTooShort, got %v", err)
	}
	if _, err := NewHasher("short", false); err != nil {
		t.Fatalf("short key allowed when not required: %v", err)
	}
}

func TestEqual(t *testing.T) {
	t.Parallel()

	if Equal("", "") {
		t.Fatalf("empty hashes must not compare equal")
	}
	if Equal("aa", "aaa") {
		t.Fatalf("length mismatch must not compare equal")
	}
	if !Equal("abcd", "abcd") {
		t.Fatalf("identical hashes must compare equal")
	}
}
