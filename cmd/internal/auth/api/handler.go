package authapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"portal/cmd/identity"
	"portal/cmd/internal/auth/session"
)

// PermManageSessions grants the admin session endpoints to non-admin roles.
const PermManageSessions = "sessions:manage"

// Handler wires HTTP auth endpoints to the session service.
type Handler struct {
	log *slog.Logger
	cfg Config

	sessions *session.Service
	users    session.Users

	throttle *LoginThrottle
	audits   AuditSink
	now      func() time.Time
}

// HandlerOption configures optional auth handler dependencies.
type HandlerOption func(*Handler)

// WithLoginThrottle enables failed-login throttling.
func WithLoginThrottle(t *LoginThrottle) HandlerOption {
	return func(h *Handler) {
		if t != nil {
			h.throttle = t
		}
	}
}

// WithAuditSink overrides the default logger-backed audit sink.
func WithAuditSink(sink AuditSink) HandlerOption {
	return func(h *Handler) {
		if sink != nil {
			h.audits = sink
		}
	}
}

// WithClock overrides the time source used for response expiry fields.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHandler constructs an auth Handler.
func NewHandler(log *slog.Logger, sessions *session.Service, users session.Users, cfg Config, opts ...HandlerOption) (*Handler, error) {
	if sessions == nil {
		return nil, errors.New("authapi: nil session service")
	}
	if users == nil {
		return nil, errors.New("authapi: nil user directory")
	}
	if log == nil {
		log = slog.Default()
	}

	h := &Handler{
		log:      log,
		cfg:      cfg,
		sessions: sessions,
		users:    users,
		audits:   LogAudit{Log: log},
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(h)
	}
	return h, nil
}

// Register wires auth and admin routes onto r.
func (h *Handler) Register(r *mux.Router) {
	if h == nil || r == nil {
		return
	}
	authed := func(fn http.HandlerFunc) http.Handler { return h.RequireAuth(fn) }

	a := r.PathPrefix("/auth").Subrouter()
	a.HandleFunc("/login", h.handleLogin).Methods(http.MethodPost)
	a.HandleFunc("/refresh", h.handleRefresh).Methods(http.MethodPost)
	a.Handle("/logout", authed(h.handleLogout)).Methods(http.MethodPost)
	a.Handle("/logout-all", authed(h.handleLogoutAll)).Methods(http.MethodPost)
	a.Handle("/me", authed(h.handleMe)).Methods(http.MethodGet)
	a.Handle("/sessions", authed(h.handleListOwnSessions)).Methods(http.MethodGet)
	a.Handle("/sessions/{sessionId}", authed(h.handleTerminateSession)).Methods(http.MethodDelete)

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(h.RequireAuth, RequirePermission(PermManageSessions, "admin"))
	admin.HandleFunc("/sessions/stats", h.handleStats).Methods(http.MethodGet)
	admin.HandleFunc("/sessions/sweep", h.handleSweep).Methods(http.MethodPost)
	admin.HandleFunc("/users/{userId}/sessions", h.handleListUserSessions).Methods(http.MethodGet)
	admin.HandleFunc("/users/{userId}/sessions/revoke-all", h.handleAdminRevokeAll).Methods(http.MethodPost)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "identifier and secret are required")
		return
	}

	ctx := r.Context()
	ip := clientIP(r, h.cfg.TrustProxy)
	ua := strings.TrimSpace(r.UserAgent())
	identifier := identity.NormalizeIdentifier(req.Identifier)

	if h.throttle != nil {
		blocked, retryAfter, err := h.throttle.Blocked(ctx, ip, identifier)
		if err != nil {
			h.log.Error("auth.login.throttle.fail", "err", err)
			writeError(w, http.StatusServiceUnavailable, session.CodeStorageUnavailable, "please retry later")
			return
		}
		if blocked {
			h.audit(ctx, "auth.login.rate_limited", AuditEntry{IP: ip, UserAgent: ua, Meta: map[string]any{
				"identifier":    identifier,
				"retry_after_s": retryAfterSeconds(retryAfter),
			}})
			writeRateLimited(w, retryAfter)
			return
		}
	}

	issued, err := h.sessions.Login(ctx, session.LoginInput{
		Identifier: req.Identifier,
		Secret:     req.Secret,
		RememberMe: req.RememberMe,
		Device:     session.DeviceContext{UserAgent: ua, IP: ip},
	})
	if err != nil {
		if errors.Is(err, session.ErrInvalidCredentials) {
			if h.throttle != nil {
				if terr := h.throttle.RecordFailure(ctx, ip, identifier); terr != nil {
					h.log.Warn("auth.login.throttle.record.fail", "err", terr)
				}
			}
			h.audit(ctx, "auth.login.failed", AuditEntry{IP: ip, UserAgent: ua, Meta: map[string]any{"identifier": identifier}})
		}
		h.writeServiceError(w, r, "auth.login.fail", err)
		return
	}

	if h.throttle != nil {
		if err := h.throttle.Reset(ctx, identifier); err != nil {
			h.log.Warn("auth.login.throttle.reset.fail", "err", err)
		}
	}

	var user identity.User
	if issued.User != nil {
		user = *issued.User
	}
	h.audit(ctx, "auth.login.success", AuditEntry{UserID: user.ID, SessionID: issued.SessionID, IP: ip, UserAgent: ua,
		Meta: map[string]any{"remember_me": req.RememberMe}})
	h.setAccessCookie(w, issued.AccessToken, issued.AccessExp)

	writeJSON(w, http.StatusOK, loginResponse{
		AccessToken:  issued.AccessToken,
		RefreshToken: issued.RefreshToken,
		SessionID:    issued.SessionID,
		ExpiresIn:    issued.ExpiresIn(h.now()),
		ExpiresAt:    issued.AccessExp,
		User:         toUserResponse(user),
	})
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "refreshToken is required")
		return
	}

	ctx := r.Context()
	ip := clientIP(r, h.cfg.TrustProxy)
	ua := strings.TrimSpace(r.UserAgent())

	issued, err := h.sessions.Refresh(ctx, req.RefreshToken)
	if err != nil {
		if errors.Is(err, session.ErrRefreshTokenReuse) {
			h.audit(ctx, "auth.refresh.reuse_detected", AuditEntry{IP: ip, UserAgent: ua})
		} else if session.IsAuthFailure(err) {
			h.audit(ctx, "auth.refresh.failed", AuditEntry{IP: ip, UserAgent: ua, Meta: map[string]any{"reason": session.ReasonCode(err)}})
		}
		h.writeServiceError(w, r, "auth.refresh.fail", err)
		return
	}

	h.audit(ctx, "auth.refresh.success", AuditEntry{SessionID: issued.SessionID, IP: ip, UserAgent: ua})
	h.setAccessCookie(w, issued.AccessToken, issued.AccessExp)
	writeJSON(w, http.StatusOK, toRefreshResponse(issued, h.now()))
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	ctx := r.Context()
	if err := h.sessions.Logout(ctx, claims); err != nil {
		h.writeServiceError(w, r, "auth.logout.fail", err)
		return
	}

	h.audit(ctx, "auth.logout", AuditEntry{UserID: claims.UserID, SessionID: claims.SessionID,
		IP: clientIP(r, h.cfg.TrustProxy), UserAgent: strings.TrimSpace(r.UserAgent())})
	h.expireAccessCookie(w)
	writeJSON(w, http.StatusOK, logoutResponse{SessionID: claims.SessionID})
}

func (h *Handler) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	ctx := r.Context()
	n, err := h.sessions.LogoutAll(ctx, claims.UserID)
	if err != nil {
		h.writeServiceError(w, r, "auth.logout_all.fail", err)
		return
	}

	h.audit(ctx, "auth.logout_all", AuditEntry{UserID: claims.UserID, SessionID: claims.SessionID,
		IP: clientIP(r, h.cfg.TrustProxy), UserAgent: strings.TrimSpace(r.UserAgent()),
		Meta: map[string]any{"revoked_count": n}})
	h.expireAccessCookie(w)
	writeJSON(w, http.StatusOK, logoutAllResponse{RevokedCount: n})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	u, err := h.users.GetUserByID(r.Context(), claims.UserID)
	if err != nil {
		if identity.IsNotFound(err) {
			writeError(w, http.StatusUnauthorized, session.CodeSessionNotFound, "session not active")
			return
		}
		h.log.Error("auth.me.fail", "err", err)
		writeError(w, http.StatusInternalServerError, session.CodeInternal, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, meResponse{Claims: toClaimsResponse(claims), User: toUserResponse(u)})
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", strconv.FormatInt(retryAfterSeconds(retryAfter), 10))
	writeError(w, http.StatusTooManyRequests, codeRateLimited, "too many attempts")
}
