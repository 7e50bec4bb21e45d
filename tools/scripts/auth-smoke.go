// Package main provides a CI-friendly smoke test for the portal auth server.
//
// It drives two real clients against a running server and validates:
//   - login + authenticated state
//   - refresh rotates the access token
//   - authenticated resource call through Client.Do
//   - logout-all from one client pushes a revocation that logs the other out
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	authclient "portal/cmd/internal/auth/client"
)

func main() {
	var (
		baseURL    = flag.String("url", "http://127.0.0.1:8080", "Server base URL")
		identifier = flag.String("identifier", "admin@school.example", "Login identifier")
		secret     = flag.String("secret", os.Getenv("PORTAL_SMOKE_SECRET"), "Login secret (default $PORTAL_SMOKE_SECRET)")
		remember   = flag.Bool("remember", true, "Sign in with remember me")
		timeout    = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose    = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateBaseURL(*baseURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if *secret == "" {
		fatalf("missing -secret")
	}

	dir, err := os.MkdirTemp("", "portal-smoke-*")
	if err != nil {
		fatalf("temp dir: %v", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	a := mustClient(*baseURL, filepath.Join(dir, "a.json"), *timeout)
	defer a.Close()
	b := mustClient(*baseURL, filepath.Join(dir, "b.json"), *timeout)
	defer b.Close()

	root := context.Background()

	st := mustStep(root, *timeout, "login A", func(ctx context.Context) (authclient.State, error) {
		return a.Login(ctx, *identifier, *secret, *remember)
	})
	if !st.IsAuthenticated || st.User == nil {
		fatalf("login A: state not authenticated")
	}
	first := st.AccessToken
	if *verbose {
		fmt.Printf("login A: session=%s role=%s expires=%s\n", st.SessionID, st.User.Role, st.ExpiresAt.Format(time.RFC3339))
	}

	st = mustStep(root, *timeout, "refresh A", a.Refresh)
	if st.AccessToken == first {
		fatalf("refresh A: access token was not rotated")
	}

	mustMe(root, a, *baseURL, *timeout)

	watchCtx, stopWatch := context.WithCancel(root)
	defer stopWatch()
	watchErr := make(chan error, 1)
	go func() { watchErr <- a.Watch(watchCtx) }()
	// Give the events connection time to register before revoking.
	time.Sleep(300 * time.Millisecond)

	mustStep(root, *timeout, "login B", func(ctx context.Context) (authclient.State, error) {
		return b.Login(ctx, *identifier, *secret, false)
	})

	ctx, cancel := context.WithTimeout(root, *timeout)
	n, err := b.LogoutAll(ctx)
	cancel()
	if err != nil {
		fatalf("logout-all B: %v", err)
	}
	if n < 2 {
		fatalf("logout-all B: revoked %d sessions, want at least 2", n)
	}

	select {
	case err := <-watchErr:
		if !errors.Is(err, authclient.ErrRevokedToken) {
			fatalf("watch A: got %v, want revoked", err)
		}
	case <-time.After(*timeout):
		fatalf("watch A: no revocation within %s", *timeout)
	}
	if a.IsAuthenticated() {
		fatalf("client A still authenticated after revocation")
	}
	if b.IsAuthenticated() {
		fatalf("client B still authenticated after logout-all")
	}

	fmt.Println("OK")
}

func mustClient(base, storePath string, timeout time.Duration) *authclient.Client {
	cfg := authclient.DefaultConfig()
	cfg.BaseURL = base
	cfg.StorePath = storePath
	cfg.HTTPTimeout = timeout
	c, err := authclient.New(cfg)
	if err != nil {
		fatalf("client: %v", err)
	}
	return c
}

func mustStep(parent context.Context, timeout time.Duration, name string, fn func(context.Context) (authclient.State, error)) authclient.State {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	st, err := fn(ctx)
	if err != nil {
		fatalf("%s: %v", name, err)
	}
	return st
}

func mustMe(parent context.Context, c *authclient.Client, base string, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/auth/me", nil)
	if err != nil {
		fatalf("me: %v", err)
	}
	resp, err := c.Do(req)
	if err != nil {
		fatalf("me: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fatalf("me: status %d", resp.StatusCode)
	}
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
