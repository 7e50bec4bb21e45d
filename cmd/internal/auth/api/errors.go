package authapi

import (
	"net/http"

	"portal/cmd/internal/auth/session"
)

// Envelope codes outside the session taxonomy.
const (
	codeBadRequest  = "BadRequest"
	codeForbidden   = "Forbidden"
	codeNotFound    = "NotFound"
	codeRateLimited = "RateLimited"
)

// statusFor maps a service error to its HTTP status and envelope code.
// Authentication failures are 401; store outages are 503 so callers can tell
// "try again later" from "log in again".
func statusFor(err error) (int, string) {
	code := session.ReasonCode(err)
	switch code {
	case session.CodeInvalidCredentials, session.CodeMalformedToken, session.CodeExpiredToken,
		session.CodeRevokedToken, session.CodeSessionNotFound, session.CodeRefreshTokenReuse:
		return http.StatusUnauthorized, code
	case session.CodeStorageUnavailable:
		return http.StatusServiceUnavailable, code
	default:
		return http.StatusInternalServerError, session.CodeInternal
	}
}

var errorMessages = map[string]string{
	session.CodeInvalidCredentials: "invalid credentials",
	session.CodeMalformedToken:     "unauthorized",
	session.CodeExpiredToken:       "token expired",
	session.CodeRevokedToken:       "token revoked",
	session.CodeSessionNotFound:    "session not active",
	session.CodeRefreshTokenReuse:  "refresh token reuse detected",
	session.CodeStorageUnavailable: "please retry later",
	session.CodeInternal:           "internal error",
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, event string, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error(event, "err", err, "code", code, "path", r.URL.Path)
	} else {
		h.log.Info(event, "code", code, "path", r.URL.Path)
	}
	writeError(w, status, code, errorMessages[code])
}
