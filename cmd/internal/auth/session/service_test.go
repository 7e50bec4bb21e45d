package session

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	uaDesktop = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 Chrome/126.0 Safari/537.36"
	uaPhone   = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 Mobile/15E148"
	uaTablet  = "Mozilla/5.0 (Linux; Android 14; SM-X710) AppleWebKit/537.36 Chrome/126.0 Safari/537.36"
)

func TestLogin_IssuesPairAndSession(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	ctx := context.Background()
	now := env.clock.Now()

	out := env.login(t, "Teacher@School.example", false, uaPhone)

	if out.SessionID == "" || out.AccessToken == "" || out.RefreshToken == "" {
		t.Fatalf("incomplete issue result: %+v", out)
	}
	if out.User == nil || out.User.ID != teacherUser.ID {
		t.Fatalf("expected user snapshot, got %+v", out.User)
	}
	if got := out.ExpiresIn(now); got != 900 {
		t.Fatalf("expiresIn = %d, want 900", got)
	}
	if want := now.Add(24 * time.Hour); !out.RefreshExp.Equal(want) {
		t.Fatalf("session expiry = %v, want %v", out.RefreshExp, want)
	}

	claims, err := env.svc.Validate(ctx, out.AccessToken)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.UserID != teacherUser.ID || claims.SessionID != out.SessionID || claims.Role != "teacher" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if !claims.HasPermission("grades:write") {
		t.Fatalf("permissions not embedded: %v", claims.Permissions)
	}

	sess, err := env.store.Get(ctx, out.SessionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sess.DeviceType != DeviceMobile || sess.IP != "203.0.113.7" || sess.RememberMe {
		t.Fatalf("unexpected session record: %+v", sess)
	}
	if strings.Contains(sess.RefreshHash, out.RefreshToken) || len(sess.RefreshHash) != 64 {
		t.Fatalf("refresh token must be stored hashed")
	}
	if ttl := env.mr.TTL("portal:session:" + out.SessionID); ttl != 24*time.Hour {
		t.Fatalf("session key ttl = %v", ttl)
	}
}

func TestLogin_RememberMeExtendsSession(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	out := env.login(t, teacherUser.Email, true, uaDesktop)

	if want := env.clock.Now().Add(7 * 24 * time.Hour); !out.RefreshExp.Equal(want) {
		t.Fatalf("remember-me expiry = %v, want %v", out.RefreshExp, want)
	}
}

func TestLogin_InvalidCredentialsTouchesNothing(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	cases := []struct {
		name, identifier, secret string
	}{
		{"unknown identifier", "ghost@school.example", testSecret},
		{"wrong secret", teacherUser.Email, "not the secret"},
	}
	for _, tc := range cases {
		_, err := env.svc.Login(context.Background(), LoginInput{Identifier: tc.identifier, Secret: tc.secret})
		if !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("%s: expected ErrInvalidCredentials, got %v", tc.name, err)
		}
		if ReasonCode(err) != CodeInvalidCredentials {
			t.Fatalf("%s: reason code %q", tc.name, ReasonCode(err))
		}
	}
	if keys := env.mr.Keys(); len(keys) != 0 {
		t.Fatalf("failed logins must not write state, found %v", keys)
	}
}

func TestRefresh_RedeemsExactlyOnce(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	ctx := context.Background()
	first := env.login(t, teacherUser.Email, false, uaDesktop)

	env.clock.Advance(time.Minute)
	second, err := env.svc.Refresh(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("first redemption: %v", err)
	}
	if second.SessionID != first.SessionID {
		t.Fatalf("rotation must keep the session id")
	}
	if second.RefreshToken == first.RefreshToken || second.AccessToken == first.AccessToken {
		t.Fatalf("rotation must mint a new pair")
	}
	if !second.RefreshExp.After(first.RefreshExp) {
		t.Fatalf("rotation must extend the session")
	}

	_, err = env.svc.Refresh(ctx, first.RefreshToken)
	if !errors.Is(err, ErrRefreshTokenReuse) {
		t.Fatalf("second redemption: expected ErrRefreshTokenReuse, got %v", err)
	}

	sess, err := env.store.Get(ctx, first.SessionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !sess.Revoked {
		t.Fatalf("reuse must leave the session revoked")
	}

	// Default policy: nothing minted for the session survives.
	for name, tok := range map[string]string{"original": first.AccessToken, "rotated": second.AccessToken} {
		if _, err := env.svc.Validate(ctx, tok); !errors.Is(err, ErrRevokedToken) && !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("%s access token after reuse: got %v", name, err)
		}
	}
	if _, err := env.svc.Refresh(ctx, second.RefreshToken); !errors.Is(err, ErrRevokedToken) {
		t.Fatalf("rotated refresh token after reuse: got %v", err)
	}

	if !slices.Contains(env.pub.kinds(), EventSessionRevoked) {
		t.Fatalf("expected a revocation event, got %v", env.pub.kinds())
	}
}

func TestRefresh_SupersededHashesKeepTheirIssuedExpiry(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	ctx := context.Background()
	first := env.login(t, teacherUser.Email, false, uaDesktop)

	cur := first
	for range 2 {
		env.clock.Advance(time.Hour)
		next, err := env.svc.Refresh(ctx, cur.RefreshToken)
		if err != nil {
			t.Fatalf("Refresh: %v", err)
		}
		cur = next
	}

	var ttls []time.Duration
	for _, k := range env.mr.Keys() {
		if strings.HasPrefix(k, "portal:refresh:") {
			ttls = append(ttls, env.mr.TTL(k))
		}
	}
	slices.Sort(ttls)
	want := []time.Duration{22 * time.Hour, 23 * time.Hour, 24 * time.Hour}
	if !slices.Equal(ttls, want) {
		t.Fatalf("refresh index ttls = %v, want %v", ttls, want)
	}

	if _, err := env.svc.Refresh(ctx, first.RefreshToken); !errors.Is(err, ErrRefreshTokenReuse) {
		t.Fatalf("oldest token within its lifetime: expected ErrRefreshTokenReuse, got %v", err)
	}
}

func TestRefresh_DrainPolicyScenario(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(c *Config) { c.ReusePolicy = ReusePolicyDrain })
	ctx := context.Background()

	s1 := env.login(t, teacherUser.Email, false, uaDesktop)
	if got := s1.ExpiresIn(env.clock.Now()); got != 900 {
		t.Fatalf("expiresIn = %d", got)
	}

	env.clock.Advance(800 * time.Second)
	fresh, err := env.svc.Refresh(ctx, s1.RefreshToken)
	if err != nil {
		t.Fatalf("refresh at t=800s: %v", err)
	}

	if _, err := env.svc.Refresh(ctx, s1.RefreshToken); !errors.Is(err, ErrRefreshTokenReuse) {
		t.Fatalf("replay: expected ErrRefreshTokenReuse, got %v", err)
	}

	if _, err := env.svc.Validate(ctx, s1.AccessToken); !errors.Is(err, ErrRevokedToken) && !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("original access token: got %v", err)
	}
	if _, err := env.svc.Validate(ctx, fresh.AccessToken); err != nil {
		t.Fatalf("new access token should still validate: %v", err)
	}
	if _, err := env.svc.Refresh(ctx, fresh.RefreshToken); !errors.Is(err, ErrRevokedToken) {
		t.Fatalf("session must be unusable for refresh, got %v", err)
	}

	// The draining token ends with the session's owner logging out everywhere.
	if _, err := env.svc.LogoutAll(ctx, teacherUser.ID); err != nil {
		t.Fatalf("LogoutAll: %v", err)
	}
	if _, err := env.svc.Validate(ctx, fresh.AccessToken); !errors.Is(err, ErrRevokedToken) {
		t.Fatalf("draining token after logout-all: got %v", err)
	}
}

func TestRefresh_GraceWindowReturnsSamePair(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(c *Config) { c.RefreshGrace = 10 * time.Second })
	ctx := context.Background()
	first := env.login(t, teacherUser.Email, false, uaDesktop)

	winner, err := env.svc.Refresh(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("winner: %v", err)
	}

	env.clock.Advance(3 * time.Second)
	loser, err := env.svc.Refresh(ctx, first.RefreshToken)
	if err != nil {
		t.Fatalf("loser within grace: %v", err)
	}
	if loser.AccessToken != winner.AccessToken || loser.RefreshToken != winner.RefreshToken {
		t.Fatalf("grace replay must return the winner's pair")
	}

	// The grace payload is sealed; the plaintext pair never sits in Redis.
	for _, k := range env.mr.Keys() {
		if strings.HasPrefix(k, "portal:grace:") {
			v, _ := env.mr.Get(k)
			if strings.Contains(v, winner.RefreshToken) {
				t.Fatalf("grace entry stores plaintext")
			}
		}
	}

	env.clock.Advance(10 * time.Second)
	if _, err := env.svc.Refresh(ctx, first.RefreshToken); !errors.Is(err, ErrRefreshTokenReuse) {
		t.Fatalf("after grace: expected reuse, got %v", err)
	}
}

func TestRefresh_ConcurrentRedemptionsHaveOneWinner(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	first := env.login(t, teacherUser.Email, false, uaDesktop)

	const n = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.Refresh(context.Background(), first.RefreshToken)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			if !IsAuthFailure(err) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("exactly one redemption must win, got %d", wins)
	}
}

func TestRefresh_UnknownAndExpired(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	ctx := context.Background()

	for _, tok := range []string{"", "nope", strings.Repeat("x", 1000)} {
		if _, err := env.svc.Refresh(ctx, tok); !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("Refresh(%q...): expected ErrSessionNotFound, got %v", tok[:min(len(tok), 8)], err)
		}
	}

	out := env.login(t, teacherUser.Email, false, uaDesktop)
	env.clock.Advance(25 * time.Hour)
	if _, err := env.svc.Refresh(ctx, out.RefreshToken); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expired session: expected ErrSessionNotFound, got %v", err)
	}
}

func TestRefresh_DisabledUserEndsSession(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	ctx := context.Background()
	out := env.login(t, teacherUser.Email, false, uaDesktop)

	env.users.setActive(teacherUser.Email, false)
	if _, err := env.svc.Refresh(ctx, out.RefreshToken); !errors.Is(err, ErrRevokedToken) {
		t.Fatalf("expected ErrRevokedToken, got %v", err)
	}
	if _, err := env.svc.Validate(ctx, out.AccessToken); !errors.Is(err, ErrRevokedToken) {
		t.Fatalf("access token of disabled user: got %v", err)
	}
}

func TestValidate_ExpiryHonorsClockSkew(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	ctx := context.Background()
	out := env.login(t, teacherUser.Email, false, uaDesktop)

	env.clock.Advance(15*time.Minute + 10*time.Second)
	if _, err := env.svc.Validate(ctx, out.AccessToken); err != nil {
		t.Fatalf("within skew: %v", err)
	}

	env.clock.Advance(30 * time.Second)
	if _, err := env.svc.Validate(ctx, out.AccessToken); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestLogout_BlacklistsUntilNaturalExpiry(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	ctx := context.Background()
	out := env.login(t, teacherUser.Email, false, uaDesktop)

	claims, err := env.svc.Validate(ctx, out.AccessToken)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}

	env.clock.Advance(5 * time.Minute)
	if err := env.svc.Logout(ctx, claims); err != nil {
		t.Fatalf("Logout: %v", err)
	}

	key := "portal:blacklist:" + claims.TokenID
	remaining := claims.ExpiresAt.Sub(env.clock.Now())
	if ttl := env.mr.TTL(key); ttl < remaining {
		t.Fatalf("blacklist ttl %v shorter than remaining lifetime %v", ttl, remaining)
	}

	if _, err := env.svc.Validate(ctx, out.AccessToken); !errors.Is(err, ErrRevokedToken) {
		t.Fatalf("after logout: expected ErrRevokedToken, got %v", err)
	}
	if _, err := env.svc.Refresh(ctx, out.RefreshToken); !errors.Is(err, ErrRevokedToken) {
		t.Fatalf("refresh after logout: expected ErrRevokedToken, got %v", err)
	}

	// Past natural expiry the entry is gone and the token is rejected by expiry.
	env.clock.Advance(remaining + time.Minute)
	if env.mr.Exists(key) {
		t.Fatalf("blacklist entry should have expired")
	}
	if _, err := env.svc.Validate(ctx, out.AccessToken); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("after natural expiry: expected ErrExpiredToken, got %v", err)
	}

	// Idempotent.
	if err := env.svc.Logout(ctx, claims); err != nil {
		t.Fatalf("second Logout: %v", err)
	}
}

func TestLogoutAll_RevokesEverySessionOfUser(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	ctx := context.Background()

	var mine []Issued
	for _, ua := range []string{uaDesktop, uaPhone, uaTablet} {
		mine = append(mine, env.login(t, teacherUser.Email, false, ua))
	}
	other := env.login(t, studentUser.Email, false, uaDesktop)

	// One of the sessions has rotated; its newest token must die too.
	rotated, err := env.svc.Refresh(ctx, mine[1].RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	mine[1] = rotated

	n, err := env.svc.LogoutAll(ctx, teacherUser.ID)
	if err != nil {
		t.Fatalf("LogoutAll: %v", err)
	}
	if n != 3 {
		t.Fatalf("revokedCount = %d, want 3", n)
	}

	for i, iss := range mine {
		_, err := env.svc.Validate(ctx, iss.AccessToken)
		if !errors.Is(err, ErrRevokedToken) && !errors.Is(err, ErrSessionNotFound) {
			t.Fatalf("session %d: expected revoked/not found, got %v", i, err)
		}
	}
	if _, err := env.svc.Validate(ctx, other.AccessToken); err != nil {
		t.Fatalf("other user's session must survive: %v", err)
	}

	n, err = env.svc.LogoutAll(ctx, teacherUser.ID)
	if err != nil || n != 0 {
		t.Fatalf("second LogoutAll = %d, %v", n, err)
	}

	if sessions, _ := env.svc.ListUserSessions(ctx, teacherUser.ID); len(sessions) != 0 {
		t.Fatalf("expected no live sessions, got %d", len(sessions))
	}
	if !slices.Contains(env.pub.kinds(), EventSessionsRevokedAll) {
		t.Fatalf("expected revoked_all event")
	}
}

func TestTerminateSession_OwnerScoped(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	ctx := context.Background()

	mine := env.login(t, teacherUser.Email, false, uaDesktop)
	theirs := env.login(t, studentUser.Email, false, uaDesktop)

	if err := env.svc.TerminateSession(ctx, teacherUser.ID, theirs.SessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("foreign session: expected ErrSessionNotFound, got %v", err)
	}
	if _, err := env.svc.Validate(ctx, theirs.AccessToken); err != nil {
		t.Fatalf("foreign session must be untouched: %v", err)
	}

	if err := env.svc.TerminateSession(ctx, teacherUser.ID, mine.SessionID); err != nil {
		t.Fatalf("TerminateSession: %v", err)
	}
	if _, err := env.svc.Validate(ctx, mine.AccessToken); !errors.Is(err, ErrRevokedToken) {
		t.Fatalf("terminated session: got %v", err)
	}
	if err := env.svc.TerminateSession(ctx, teacherUser.ID, mine.SessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("terminating twice: got %v", err)
	}
}

func TestListStatsTouchSweep(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	ctx := context.Background()

	a := env.login(t, teacherUser.Email, false, uaDesktop)
	env.clock.Advance(time.Second)
	b := env.login(t, teacherUser.Email, true, uaTablet)
	env.clock.Advance(time.Second)
	env.login(t, studentUser.Email, false, uaPhone)

	env.clock.Advance(time.Second)
	if err := env.svc.Touch(ctx, a.SessionID); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	list, err := env.svc.ListUserSessions(ctx, teacherUser.ID)
	if err != nil {
		t.Fatalf("ListUserSessions: %v", err)
	}
	if len(list) != 2 || list[0].ID != a.SessionID || list[1].ID != b.SessionID {
		t.Fatalf("expected most recently active first, got %+v", list)
	}

	st, err := env.svc.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.ActiveSessions != 3 || st.ActiveUsers != 2 {
		t.Fatalf("unexpected stats: %+v", st)
	}
	if st.ByDevice[DeviceDesktop] != 1 || st.ByDevice[DeviceTablet] != 1 || st.ByDevice[DeviceMobile] != 1 {
		t.Fatalf("unexpected device breakdown: %+v", st.ByDevice)
	}

	// Only the remember-me session outlives a day.
	env.clock.Advance(25 * time.Hour)
	res, err := env.svc.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if res.Expired != 2 || res.Dangling != 2 {
		t.Fatalf("unexpected sweep result: %+v", res)
	}

	st, err = env.svc.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.ActiveSessions != 1 || st.ActiveUsers != 1 {
		t.Fatalf("unexpected stats after sweep: %+v", st)
	}
}

func TestTouch_DoesNotResurrectExpiredSession(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	out := env.login(t, teacherUser.Email, false, uaDesktop)

	env.clock.Advance(25 * time.Hour)
	if err := env.svc.Touch(context.Background(), out.SessionID); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if env.mr.Exists("portal:session:" + out.SessionID) {
		t.Fatalf("touch must not recreate an expired session")
	}
}

func TestStoreUnavailableIsNotAnAuthFailure(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	out := env.login(t, teacherUser.Email, false, uaDesktop)

	env.mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := env.svc.Validate(ctx, out.AccessToken)
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if IsAuthFailure(err) || ReasonCode(err) != CodeStorageUnavailable {
		t.Fatalf("store failure misclassified: %q", ReasonCode(err))
	}
}

func TestReasonCode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrInvalidCredentials, CodeInvalidCredentials},
		{ErrMalformedToken, CodeMalformedToken},
		{ErrExpiredToken, CodeExpiredToken},
		{ErrRevokedToken, CodeRevokedToken},
		{ErrSessionNotFound, CodeSessionNotFound},
		{ErrRefreshTokenReuse, CodeRefreshTokenReuse},
		{storeErr("op", errors.New("dial tcp: refused")), CodeStorageUnavailable},
		{storeErr("op", context.Canceled), CodeInternal},
		{errors.New("boom"), CodeInternal},
	}
	for _, tc := range cases {
		if got := ReasonCode(tc.err); got != tc.want {
			t.Fatalf("ReasonCode(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
