package authapi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"portal/cmd/security/token"
)

// LoginThrottle counts failed logins per client IP and per identifier in
// fixed Redis windows. A dimension is blocked once its counter reaches the
// configured maximum, until the window key expires.
type LoginThrottle struct {
	rdb    redis.UniversalClient
	prefix string

	ipMax    int
	ipWindow time.Duration
	idMax    int
	idWindow time.Duration
}

// NewLoginThrottle builds a throttle from cfg.
func NewLoginThrottle(rdb redis.UniversalClient, cfg Config) (*LoginThrottle, error) {
	if rdb == nil {
		return nil, errors.New("authapi: nil redis client")
	}
	return &LoginThrottle{
		rdb:      rdb,
		prefix:   cfg.ThrottleKeyPrefix,
		ipMax:    cfg.LoginIPMax,
		ipWindow: cfg.LoginIPWindow,
		idMax:    cfg.LoginIdentifierMax,
		idWindow: cfg.LoginIdentifierWindow,
	}, nil
}

// incrWindow increments a counter and starts its window on first hit.
var incrWindow = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then redis.call('PEXPIRE', KEYS[1], ARGV[1]) end
return n
`)

type throttleDim struct {
	key    string
	max    int
	window time.Duration
}

func (l *LoginThrottle) dims(ip, identifier string) []throttleDim {
	var out []throttleDim
	if ip != "" && l.ipMax > 0 {
		out = append(out, throttleDim{l.prefix + "login_fail:ip:" + ip, l.ipMax, l.ipWindow})
	}
	if identifier != "" && l.idMax > 0 {
		// Identifiers are hashed so keys do not carry addresses.
		out = append(out, throttleDim{l.prefix + "login_fail:id:" + token.HashSHA256Hex(identifier), l.idMax, l.idWindow})
	}
	return out
}

// Blocked reports whether either dimension is exhausted and, if so, how long
// until the longest blocking window ends.
func (l *LoginThrottle) Blocked(ctx context.Context, ip, identifier string) (bool, time.Duration, error) {
	dims := l.dims(ip, identifier)
	if len(dims) == 0 {
		return false, 0, nil
	}

	pipe := l.rdb.Pipeline()
	counts := make([]*redis.StringCmd, len(dims))
	ttls := make([]*redis.DurationCmd, len(dims))
	for i, d := range dims {
		counts[i] = pipe.Get(ctx, d.key)
		ttls[i] = pipe.PTTL(ctx, d.key)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return false, 0, fmt.Errorf("login throttle: %w", err)
	}

	var retry time.Duration
	blocked := false
	for i, d := range dims {
		n, err := counts[i].Int()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return false, 0, fmt.Errorf("login throttle: %w", err)
		}
		if n < d.max {
			continue
		}
		blocked = true
		ttl := ttls[i].Val()
		if ttl <= 0 {
			ttl = d.window
		}
		retry = max(retry, ttl)
	}
	return blocked, retry, nil
}

// RecordFailure counts one failed attempt in every dimension.
func (l *LoginThrottle) RecordFailure(ctx context.Context, ip, identifier string) error {
	for _, d := range l.dims(ip, identifier) {
		if err := incrWindow.Run(ctx, l.rdb, []string{d.key}, d.window.Milliseconds()).Err(); err != nil {
			return fmt.Errorf("login throttle: %w", err)
		}
	}
	return nil
}

// Reset clears the identifier counter after a successful login. The IP
// counter is kept.
func (l *LoginThrottle) Reset(ctx context.Context, identifier string) error {
	if identifier == "" || l.idMax <= 0 {
		return nil
	}
	return l.rdb.Del(ctx, l.prefix+"login_fail:id:"+token.HashSHA256Hex(identifier)).Err()
}

func retryAfterSeconds(d time.Duration) int64 {
	s := int64((d + time.Second - 1) / time.Second)
	return max(s, 1)
}
