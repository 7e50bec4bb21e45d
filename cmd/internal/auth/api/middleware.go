package authapi

import (
	"context"
	"net/http"
	"slices"

	"portal/cmd/internal/auth/session"
)

type ctxKey int

const claimsKey ctxKey = iota

// ClaimsFromContext returns the claims stored by RequireAuth.
func ClaimsFromContext(ctx context.Context) (session.AccessClaims, bool) {
	c, ok := ctx.Value(claimsKey).(session.AccessClaims)
	return c, ok
}

// WithClaims stores claims on ctx.
func WithClaims(ctx context.Context, c session.AccessClaims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

// Authenticate validates the access token carried by r: the Authorization
// header when present, otherwise the cookie mirror on GET/HEAD.
func (h *Handler) Authenticate(r *http.Request) (session.AccessClaims, error) {
	tok, present := bearerToken(r)
	if !present {
		tok, present = h.accessTokenFromCookie(r)
	}
	if !present || tok == "" {
		return session.AccessClaims{}, session.ErrMalformedToken
	}
	return h.sessions.Validate(r.Context(), tok)
}

// RequireAuth rejects requests without a valid access token and stores the
// claims on the request context for downstream handlers.
func (h *Handler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := h.Authenticate(r)
		if err != nil {
			h.writeServiceError(w, r, "auth.request.rejected", err)
			return
		}

		if h.cfg.TouchSessions {
			if err := h.sessions.Touch(r.Context(), claims.SessionID); err != nil {
				h.log.Warn("auth.session.touch.fail", "err", err, "session_id", claims.SessionID)
			}
		}

		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// RequirePermission admits callers holding perm or any of roles.
// It must run after RequireAuth.
func RequirePermission(perm string, roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, session.CodeMalformedToken, "unauthorized")
				return
			}
			if !claims.HasPermission(perm) && !slices.Contains(roles, claims.Role) {
				writeError(w, http.StatusForbidden, codeForbidden, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
