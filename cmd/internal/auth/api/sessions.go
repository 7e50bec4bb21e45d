package authapi

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"portal/cmd/internal/auth/session"
)

func (h *Handler) handleListOwnSessions(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())

	list, err := h.sessions.ListUserSessions(r.Context(), claims.UserID)
	if err != nil {
		h.writeServiceError(w, r, "auth.sessions.list.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionsResponse(list, claims.SessionID))
}

func (h *Handler) handleTerminateSession(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())
	sid := strings.TrimSpace(mux.Vars(r)["sessionId"])

	ctx := r.Context()
	if err := h.sessions.TerminateSession(ctx, claims.UserID, sid); err != nil {
		if session.ReasonCode(err) == session.CodeSessionNotFound {
			writeError(w, http.StatusNotFound, codeNotFound, "session not found")
			return
		}
		h.writeServiceError(w, r, "auth.sessions.terminate.fail", err)
		return
	}

	h.audit(ctx, "auth.session.terminated", AuditEntry{UserID: claims.UserID, SessionID: sid,
		IP: clientIP(r, h.cfg.TrustProxy), UserAgent: strings.TrimSpace(r.UserAgent()),
		Meta: map[string]any{"by_session_id": claims.SessionID}})
	if sid == claims.SessionID {
		h.expireAccessCookie(w)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.sessions.Stats(r.Context())
	if err != nil {
		h.writeServiceError(w, r, "auth.admin.stats.fail", err)
		return
	}

	byDevice := map[string]int64{
		string(session.DeviceMobile):  0,
		string(session.DeviceTablet):  0,
		string(session.DeviceDesktop): 0,
	}
	for k, v := range st.ByDevice {
		byDevice[string(k)] = v
	}
	writeJSON(w, http.StatusOK, statsResponse{
		ActiveSessions: st.ActiveSessions,
		ActiveUsers:    st.ActiveUsers,
		ByDevice:       byDevice,
	})
}

func (h *Handler) handleSweep(w http.ResponseWriter, r *http.Request) {
	res, err := h.sessions.Sweep(r.Context())
	if err != nil {
		h.writeServiceError(w, r, "auth.admin.sweep.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, sweepResponse{
		Expired:  res.Expired,
		Dangling: res.Dangling,
		Removed:  res.Expired + res.Dangling,
	})
}

func (h *Handler) handleListUserSessions(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())
	uid := strings.TrimSpace(mux.Vars(r)["userId"])

	list, err := h.sessions.ListUserSessions(r.Context(), uid)
	if err != nil {
		h.writeServiceError(w, r, "auth.admin.sessions.list.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionsResponse(list, claims.SessionID))
}

func (h *Handler) handleAdminRevokeAll(w http.ResponseWriter, r *http.Request) {
	claims, _ := ClaimsFromContext(r.Context())
	uid := strings.TrimSpace(mux.Vars(r)["userId"])

	ctx := r.Context()
	n, err := h.sessions.LogoutAll(ctx, uid)
	if err != nil {
		h.writeServiceError(w, r, "auth.admin.revoke_all.fail", err)
		return
	}

	h.audit(ctx, "auth.admin.revoke_all", AuditEntry{UserID: uid,
		IP: clientIP(r, h.cfg.TrustProxy), UserAgent: strings.TrimSpace(r.UserAgent()),
		Meta: map[string]any{"by_user_id": claims.UserID, "revoked_count": n}})
	writeJSON(w, http.StatusOK, logoutAllResponse{RevokedCount: n})
}
