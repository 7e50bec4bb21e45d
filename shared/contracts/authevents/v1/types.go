package v1

import "time"

// HelloPayload is sent by the client to re-request the handshake.
type HelloPayload struct{}

// HelloAckPayload identifies the connection after authentication.
type HelloAckPayload struct {
	ConnectionID string    `json:"connection_id"`
	UserID       string    `json:"user_id"`
	SessionID    string    `json:"session_id"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// SessionRevokedPayload carries a single-session revocation.
type SessionRevokedPayload struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// SessionsRevokedAllPayload carries a logout-all.
type SessionsRevokedAllPayload struct {
	UserID string `json:"user_id"`
	Count  int    `json:"count"`
	Reason string `json:"reason"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
