package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

type loginRequest struct {
	Identifier string `json:"identifier"`
	Secret     string `json:"secret"`
	RememberMe bool   `json:"rememberMe"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type tokenResponse struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	SessionID    string    `json:"sessionId"`
	ExpiresIn    int64     `json:"expiresIn"`
	ExpiresAt    time.Time `json:"expiresAt"`
	User         *User     `json:"user,omitempty"`
}

type logoutAllResponse struct {
	RevokedCount int `json:"revokedCount"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// api is the JSON transport to the auth endpoints.
type api struct {
	base *url.URL
	hc   *http.Client
}

func (a *api) url(path string) string {
	return a.base.JoinPath(path).String()
}

func (a *api) login(ctx context.Context, identifier, secret string, rememberMe bool) (tokenResponse, error) {
	var out tokenResponse
	err := a.call(ctx, http.MethodPost, "/auth/login", "", loginRequest{
		Identifier: identifier, Secret: secret, RememberMe: rememberMe,
	}, &out)
	return out, err
}

func (a *api) refresh(ctx context.Context, refreshToken string) (tokenResponse, error) {
	var out tokenResponse
	err := a.call(ctx, http.MethodPost, "/auth/refresh", "", refreshRequest{RefreshToken: refreshToken}, &out)
	return out, err
}

func (a *api) logout(ctx context.Context, accessToken string) error {
	return a.call(ctx, http.MethodPost, "/auth/logout", accessToken, nil, nil)
}

func (a *api) logoutAll(ctx context.Context, accessToken string) (int, error) {
	var out logoutAllResponse
	err := a.call(ctx, http.MethodPost, "/auth/logout-all", accessToken, nil, &out)
	return out.RevokedCount, err
}

func (a *api) call(ctx context.Context, method, path, bearer string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.url(path), body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := a.hc.Do(req)
	if err != nil {
		return fmt.Errorf("authclient: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		return decodeAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("authclient: decode %s: %w", path, err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	e := &APIError{Status: resp.StatusCode}
	var env errorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&env); err == nil {
		e.Code = env.Error.Code
		e.Message = env.Error.Message
	}
	if e.Message == "" {
		e.Message = http.StatusText(resp.StatusCode)
	}
	return e
}
