// Package token provides refresh-token hashing for the portal.
//
// It is the single source of truth for how refresh tokens are turned into the
// values the session store keeps. Plain tokens are never persisted.
//
// Modes:
//   - HMAC-SHA256(token, key) when a key is configured (production).
//   - SHA-256(token) when no key is configured (development only).
//
// Output is always a 64-char lowercase hex string.
package token
