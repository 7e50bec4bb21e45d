package authapi

import (
	"net"
	"net/http"
	"strings"
	"time"

	"portal/cmd/identity"
	"portal/cmd/internal/auth/session"
)

func toUserResponse(u identity.User) userResponse {
	perms := u.Permissions
	if perms == nil {
		perms = []string{}
	}
	return userResponse{
		ID:            u.ID,
		Email:         u.Email,
		Name:          u.Name,
		Role:          u.Role,
		Permissions:   perms,
		InstitutionID: u.InstitutionID,
		CreatedAt:     u.CreatedAt,
	}
}

func toClaimsResponse(c session.AccessClaims) claimsResponse {
	perms := c.Permissions
	if perms == nil {
		perms = []string{}
	}
	return claimsResponse{
		UserID:      c.UserID,
		Role:        c.Role,
		Permissions: perms,
		SessionID:   c.SessionID,
		TokenID:     c.TokenID,
		IssuedAt:    c.IssuedAt,
		ExpiresAt:   c.ExpiresAt,
	}
}

func toSessionsResponse(list []session.Session, currentID string) sessionsResponse {
	out := sessionsResponse{Sessions: make([]sessionResponse, 0, len(list))}
	for _, s := range list {
		out.Sessions = append(out.Sessions, sessionResponse{
			ID:           s.ID,
			DeviceType:   s.DeviceType,
			UserAgent:    s.UserAgent,
			IP:           s.IP,
			RememberMe:   s.RememberMe,
			CreatedAt:    s.CreatedAt,
			LastActivity: s.LastActivity,
			ExpiresAt:    s.ExpiresAt,
			Current:      s.ID == currentID,
		})
	}
	return out
}

func toRefreshResponse(issued session.Issued, now time.Time) refreshResponse {
	return refreshResponse{
		AccessToken:  issued.AccessToken,
		RefreshToken: issued.RefreshToken,
		SessionID:    issued.SessionID,
		ExpiresIn:    issued.ExpiresIn(now),
		ExpiresAt:    issued.AccessExp,
	}
}

func bearerToken(r *http.Request) (string, bool) {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return "", false
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", true
	}
	return strings.TrimSpace(parts[1]), true
}

func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip.String()
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip.String()
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip.String()
		}
	}
	return ""
}

func parseForwardedIP(raw string) net.IP {
	if raw == "" {
		return nil
	}
	for _, p := range strings.Split(raw, ",") {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}
