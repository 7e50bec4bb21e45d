package authapi

import (
	"time"

	"portal/cmd/internal/auth/session"
)

type loginRequest struct {
	Identifier string `json:"identifier" validate:"required,max=320"`
	Secret     string `json:"secret" validate:"required,max=1024"`
	RememberMe bool   `json:"rememberMe"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required,max=512"`
}

type userResponse struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	Name          string    `json:"name"`
	Role          string    `json:"role"`
	Permissions   []string  `json:"permissions"`
	InstitutionID *string   `json:"institutionId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

type loginResponse struct {
	AccessToken  string       `json:"accessToken"`
	RefreshToken string       `json:"refreshToken"`
	SessionID    string       `json:"sessionId"`
	ExpiresIn    int64        `json:"expiresIn"`
	ExpiresAt    time.Time    `json:"expiresAt"`
	User         userResponse `json:"user"`
}

type refreshResponse struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	SessionID    string    `json:"sessionId"`
	ExpiresIn    int64     `json:"expiresIn"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

type logoutResponse struct {
	SessionID string `json:"sessionId"`
}

type logoutAllResponse struct {
	RevokedCount int `json:"revokedCount"`
}

type claimsResponse struct {
	UserID      string    `json:"userId"`
	Role        string    `json:"role"`
	Permissions []string  `json:"permissions"`
	SessionID   string    `json:"sessionId"`
	TokenID     string    `json:"tokenId"`
	IssuedAt    time.Time `json:"issuedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

type meResponse struct {
	Claims claimsResponse `json:"claims"`
	User   userResponse   `json:"user"`
}

type sessionResponse struct {
	ID           string             `json:"id"`
	DeviceType   session.DeviceType `json:"deviceType"`
	UserAgent    string             `json:"userAgent"`
	IP           string             `json:"ip"`
	RememberMe   bool               `json:"rememberMe"`
	CreatedAt    time.Time          `json:"createdAt"`
	LastActivity time.Time          `json:"lastActivity"`
	ExpiresAt    time.Time          `json:"expiresAt"`
	Current      bool               `json:"current"`
}

type sessionsResponse struct {
	Sessions []sessionResponse `json:"sessions"`
}

type statsResponse struct {
	ActiveSessions int64            `json:"activeSessions"`
	ActiveUsers    int64            `json:"activeUsers"`
	ByDevice       map[string]int64 `json:"byDevice"`
}

type sweepResponse struct {
	Expired  int64 `json:"expired"`
	Dangling int64 `json:"dangling"`
	Removed  int64 `json:"removed"`
}
