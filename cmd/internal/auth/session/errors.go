package session

import (
	"context"
	"errors"
	"fmt"
)

// Failure taxonomy. Every error returned by Service wraps exactly one of these
// (or is a context error) so transports can map it without string matching.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrMalformedToken     = errors.New("malformed token")
	ErrExpiredToken       = errors.New("expired token")
	ErrRevokedToken       = errors.New("revoked token")
	ErrSessionNotFound    = errors.New("session not found")
	ErrRefreshTokenReuse  = errors.New("refresh token reuse")

	// ErrStoreUnavailable wraps failures of the backing key-value store.
	ErrStoreUnavailable = errors.New("session store unavailable")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)

// Reason codes, as exposed on the wire and in logs.
const (
	CodeInvalidCredentials = "InvalidCredentials"
	CodeMalformedToken     = "MalformedToken"
	CodeExpiredToken       = "ExpiredToken"
	CodeRevokedToken       = "RevokedToken"
	CodeSessionNotFound    = "SessionNotFound"
	CodeRefreshTokenReuse  = "RefreshTokenReuse"
	CodeStorageUnavailable = "StorageUnavailable"
	CodeInternal           = "Internal"
)

// ReasonCode maps err onto the taxonomy.
func ReasonCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidCredentials):
		return CodeInvalidCredentials
	case errors.Is(err, ErrMalformedToken):
		return CodeMalformedToken
	case errors.Is(err, ErrExpiredToken):
		return CodeExpiredToken
	case errors.Is(err, ErrRevokedToken):
		return CodeRevokedToken
	case errors.Is(err, ErrSessionNotFound):
		return CodeSessionNotFound
	case errors.Is(err, ErrRefreshTokenReuse):
		return CodeRefreshTokenReuse
	case errors.Is(err, ErrStoreUnavailable):
		return CodeStorageUnavailable
	default:
		return CodeInternal
	}
}

// IsAuthFailure reports whether err is an authentication failure (401 class)
// rather than an infrastructure failure.
func IsAuthFailure(err error) bool {
	switch ReasonCode(err) {
	case CodeInvalidCredentials, CodeMalformedToken, CodeExpiredToken,
		CodeRevokedToken, CodeSessionNotFound, CodeRefreshTokenReuse:
		return true
	default:
		return false
	}
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
