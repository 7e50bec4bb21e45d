package authclient

import (
	"errors"
	"fmt"
)

// Failure taxonomy, mirroring the server's reason codes.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrMalformedToken     = errors.New("malformed token")
	ErrExpiredToken       = errors.New("expired token")
	ErrRevokedToken       = errors.New("revoked token")
	ErrSessionNotFound    = errors.New("session not found")
	ErrRefreshTokenReuse  = errors.New("refresh token reuse")

	// ErrStorageUnavailable means no persistence backend accepted a write.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrServerUnavailable is a 5xx from the server, distinct from auth failures.
	ErrServerUnavailable = errors.New("server unavailable")

	// ErrNotAuthenticated is returned when no usable session is held.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrBackendUnavailable is recorded for a backend that reports itself unusable.
	ErrBackendUnavailable = errors.New("backend unavailable")

	ErrConfig = errors.New("authclient: invalid config")
)

var codeErrors = map[string]error{
	"InvalidCredentials": ErrInvalidCredentials,
	"MalformedToken":     ErrMalformedToken,
	"ExpiredToken":       ErrExpiredToken,
	"RevokedToken":       ErrRevokedToken,
	"SessionNotFound":    ErrSessionNotFound,
	"RefreshTokenReuse":  ErrRefreshTokenReuse,
	"StorageUnavailable": ErrServerUnavailable,
}

// APIError is a non-2xx response from the auth API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("authclient: http %d %s: %s", e.Status, e.Code, e.Message)
}

// Unwrap maps the reason code onto the taxonomy so callers can use errors.Is.
func (e *APIError) Unwrap() error {
	if err, ok := codeErrors[e.Code]; ok {
		return err
	}
	if e.Status >= 500 {
		return ErrServerUnavailable
	}
	return nil
}

// isSessionFatal reports whether err proves the held session is unusable.
func isSessionFatal(err error) bool {
	return errors.Is(err, ErrRevokedToken) ||
		errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrRefreshTokenReuse) ||
		errors.Is(err, ErrMalformedToken) ||
		errors.Is(err, ErrExpiredToken)
}
