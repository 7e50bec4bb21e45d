package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rotation, revocation, creation and touch are Lua scripts so each is a single
// server-side step. Scripts build secondary keys from the prefix argument; the
// store targets a single Redis primary.

var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1],
  'id', ARGV[1], 'user_id', ARGV[2], 'user_agent', ARGV[3], 'ip', ARGV[4],
  'device_type', ARGV[5], 'remember_me', ARGV[6], 'created_at', ARGV[7],
  'last_activity', ARGV[7], 'rotated_at', '0', 'expires_at', ARGV[8],
  'refresh_hash', ARGV[9], 'access_jti', ARGV[10], 'access_exp', ARGV[11],
  'revoked', '0')
redis.call('PEXPIREAT', KEYS[1], ARGV[8])
redis.call('SADD', KEYS[2], ARGV[9])
redis.call('PEXPIREAT', KEYS[2], ARGV[8])
redis.call('ZADD', KEYS[3], ARGV[11], ARGV[10])
redis.call('PEXPIREAT', KEYS[3], ARGV[8])
redis.call('SET', KEYS[4], ARGV[1])
redis.call('PEXPIREAT', KEYS[4], ARGV[8])
redis.call('SADD', KEYS[5], ARGV[1])
redis.call('ZADD', KEYS[6], ARGV[8], ARGV[1])
return 1
`)

// rotateScript returns 0 ok, 1 superseded, 2 missing, 3 revoked (see RotateOutcome).
// Only the new hash is indexed; a superseded hash keeps the expiry it was
// issued with, so replay detection lasts for that token's own lifetime.
var rotateScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'refresh_hash')
if not cur then return 2 end
if redis.call('HGET', KEYS[1], 'revoked') == '1' then return 3 end
if cur ~= ARGV[1] then return 1 end
redis.call('HSET', KEYS[1],
  'refresh_hash', ARGV[2], 'expires_at', ARGV[3], 'rotated_at', ARGV[4],
  'last_activity', ARGV[4], 'access_jti', ARGV[5], 'access_exp', ARGV[6])
redis.call('PEXPIREAT', KEYS[1], ARGV[3])
redis.call('SADD', KEYS[2], ARGV[2])
redis.call('PEXPIREAT', KEYS[2], ARGV[3])
local rk = ARGV[10] .. 'refresh:' .. ARGV[2]
redis.call('SET', rk, ARGV[7])
redis.call('PEXPIREAT', rk, ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[3], '-inf', ARGV[4])
redis.call('ZADD', KEYS[3], ARGV[6], ARGV[5])
redis.call('PEXPIREAT', KEYS[3], ARGV[3])
redis.call('ZADD', KEYS[4], ARGV[3], ARGV[7])
if tonumber(ARGV[8]) > 0 then
  redis.call('SET', KEYS[5], ARGV[9])
  redis.call('PEXPIRE', KEYS[5], ARGV[8])
end
return 0
`)

// revokeScript returns {-1} when missing, otherwise {wasLive, jti, exp, ...}.
// With ARGV[3] == '1' the current access token is kept out of the reply and
// recorded as the draining token; the session then stays indexed under its
// user so a later revoke-all can still reach it. Revoking an already revoked
// session ends any drain.
var revokeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return {-1} end
local keep = ''
local wasLive = 0
if redis.call('HGET', KEYS[1], 'revoked') ~= '1' then
  wasLive = 1
  if ARGV[3] == '1' then
    keep = redis.call('HGET', KEYS[1], 'access_jti') or ''
    redis.call('HSET', KEYS[1], 'drain_jti', keep)
  end
  redis.call('HSET', KEYS[1], 'revoked', '1', 'revoked_at', ARGV[2])
else
  redis.call('HDEL', KEYS[1], 'drain_jti')
end
if keep == '' then
  local uid = redis.call('HGET', KEYS[1], 'user_id')
  redis.call('SREM', ARGV[4] .. 'user_sessions:' .. uid, ARGV[1])
end
redis.call('ZREM', KEYS[3], ARGV[1])
local out = {wasLive}
local live = redis.call('ZRANGEBYSCORE', KEYS[2], '(' .. ARGV[2], '+inf', 'WITHSCORES')
for i = 1, #live, 2 do
  if live[i] ~= keep then
    table.insert(out, live[i])
    table.insert(out, live[i + 1])
  end
end
return out
`)

// revokeAllScript returns {count, jti, exp, ...}. Draining sessions are not
// counted but their remaining token is returned for blacklisting.
var revokeAllScript = redis.NewScript(`
local set = ARGV[3] .. 'user_sessions:' .. ARGV[1]
local out = {0}
local n = 0
for _, id in ipairs(redis.call('SMEMBERS', set)) do
  local k = ARGV[3] .. 'session:' .. id
  local ak = ARGV[3] .. 'session_access:' .. id
  if redis.call('EXISTS', k) == 1 then
    if redis.call('HGET', k, 'revoked') ~= '1' then
      n = n + 1
      redis.call('HSET', k, 'revoked', '1', 'revoked_at', ARGV[2])
      local live = redis.call('ZRANGEBYSCORE', ak, '(' .. ARGV[2], '+inf', 'WITHSCORES')
      for i = 1, #live do table.insert(out, live[i]) end
    else
      local d = redis.call('HGET', k, 'drain_jti')
      if d and d ~= '' then
        redis.call('HDEL', k, 'drain_jti')
        local sc = redis.call('ZSCORE', ak, d)
        if sc then
          table.insert(out, d)
          table.insert(out, sc)
        end
      end
    end
  end
  redis.call('ZREM', ARGV[3] .. 'sessions:active', id)
end
redis.call('DEL', set)
out[1] = n
return out
`)

var touchScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
if redis.call('HGET', KEYS[1], 'revoked') == '1' then return 0 end
redis.call('HSET', KEYS[1], 'last_activity', ARGV[1])
return 1
`)

// RedisStore implements Store and Blacklist over Redis.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisStore returns a store namespacing all keys under prefix.
func NewRedisStore(rdb redis.UniversalClient, prefix string) (*RedisStore, error) {
	if rdb == nil {
		return nil, errors.New("session: nil redis client")
	}
	if prefix == "" {
		prefix = "portal:"
	}
	return &RedisStore{rdb: rdb, prefix: prefix}, nil
}

func (s *RedisStore) sessionKey(id string) string { return s.prefix + "session:" + id }
func (s *RedisStore) refreshSetKey(id string) string { return s.prefix + "session_refresh:" + id }
func (s *RedisStore) accessKey(id string) string { return s.prefix + "session_access:" + id }
func (s *RedisStore) refreshKey(hash string) string { return s.prefix + "refresh:" + hash }
func (s *RedisStore) graceKey(hash string) string { return s.prefix + "grace:" + hash }
func (s *RedisStore) userKey(uid string) string { return s.prefix + "user_sessions:" + uid }
func (s *RedisStore) activeKey() string { return s.prefix + "sessions:active" }
func (s *RedisStore) blacklistKey(jti string) string { return s.prefix + "blacklist:" + jti }

func ms(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

func boolStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (s *RedisStore) Create(ctx context.Context, sess Session) error {
	keys := []string{
		s.sessionKey(sess.ID),
		s.refreshSetKey(sess.ID),
		s.accessKey(sess.ID),
		s.refreshKey(sess.RefreshHash),
		s.userKey(sess.UserID),
		s.activeKey(),
	}
	created, err := createScript.Run(ctx, s.rdb, keys,
		sess.ID, sess.UserID, sess.UserAgent, sess.IP, string(sess.DeviceType),
		boolStr(sess.RememberMe), ms(sess.CreatedAt), ms(sess.ExpiresAt),
		sess.RefreshHash, sess.AccessJTI, ms(sess.AccessExp),
	).Int()
	if err != nil {
		return storeErr("session.create", err)
	}
	if created != 1 {
		return fmt.Errorf("session.create: duplicate session id %s", sess.ID)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, sessionID string) (Session, error) {
	m, err := s.rdb.HGetAll(ctx, s.sessionKey(sessionID)).Result()
	if err != nil {
		return Session{}, storeErr("session.get", err)
	}
	if len(m) == 0 {
		return Session{}, ErrSessionNotFound
	}
	return decodeSession(m), nil
}

func (s *RedisStore) FindByRefreshHash(ctx context.Context, hash string) (string, error) {
	id, err := s.rdb.Get(ctx, s.refreshKey(hash)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrSessionNotFound
	}
	if err != nil {
		return "", storeErr("session.find_by_refresh", err)
	}
	return id, nil
}

func (s *RedisStore) RotateRefreshToken(ctx context.Context, r Rotation) (RotateOutcome, error) {
	keys := []string{
		s.sessionKey(r.SessionID),
		s.refreshSetKey(r.SessionID),
		s.accessKey(r.SessionID),
		s.activeKey(),
		s.graceKey(r.OldHash),
	}
	graceMS := int64(0)
	if r.Grace != nil && r.GraceTTL > 0 {
		graceMS = r.GraceTTL.Milliseconds()
	}
	code, err := rotateScript.Run(ctx, s.rdb, keys,
		r.OldHash, r.NewHash, ms(r.NewExpiry), ms(r.Now),
		r.AccessJTI, ms(r.AccessExp), r.SessionID,
		graceMS, r.Grace, s.prefix,
	).Int()
	if err != nil {
		return 0, storeErr("session.rotate", err)
	}
	return RotateOutcome(code), nil
}

func (s *RedisStore) GraceEntry(ctx context.Context, oldHash string) ([]byte, error) {
	b, err := s.rdb.Get(ctx, s.graceKey(oldHash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("session.grace", err)
	}
	return b, nil
}

func (s *RedisStore) Revoke(ctx context.Context, sessionID string, now time.Time, drain bool) (bool, []RevokedAccess, error) {
	keys := []string{s.sessionKey(sessionID), s.accessKey(sessionID), s.activeKey()}
	res, err := revokeScript.Run(ctx, s.rdb, keys, sessionID, ms(now), boolStr(drain), s.prefix).Slice()
	if err != nil {
		return false, nil, storeErr("session.revoke", err)
	}
	head, rest, err := splitHead(res)
	if err != nil {
		return false, nil, storeErr("session.revoke", err)
	}
	if head < 0 {
		return false, nil, ErrSessionNotFound
	}
	return head == 1, decodeRevoked(rest), nil
}

func (s *RedisStore) RevokeAll(ctx context.Context, userID string, now time.Time) (int, []RevokedAccess, error) {
	res, err := revokeAllScript.Run(ctx, s.rdb, nil, userID, ms(now), s.prefix).Slice()
	if err != nil {
		return 0, nil, storeErr("session.revoke_all", err)
	}
	n, rest, err := splitHead(res)
	if err != nil {
		return 0, nil, storeErr("session.revoke_all", err)
	}
	return int(n), decodeRevoked(rest), nil
}

func (s *RedisStore) ListByUser(ctx context.Context, userID string, now time.Time) ([]Session, error) {
	ids, err := s.rdb.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		return nil, storeErr("session.list", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.sessionKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, storeErr("session.list", err)
	}

	out := make([]Session, 0, len(ids))
	var dangling []any
	for i, cmd := range cmds {
		m := cmd.Val()
		if len(m) == 0 {
			dangling = append(dangling, ids[i])
			continue
		}
		sess := decodeSession(m)
		if sess.Live(now) {
			out = append(out, sess)
		}
	}
	if len(dangling) > 0 {
		// Best-effort index repair; Sweep catches whatever this misses.
		_ = s.rdb.SRem(ctx, s.userKey(userID), dangling...).Err()
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	return out, nil
}

func (s *RedisStore) Touch(ctx context.Context, sessionID string, now time.Time) error {
	if err := touchScript.Run(ctx, s.rdb, []string{s.sessionKey(sessionID)}, ms(now)).Err(); err != nil {
		return storeErr("session.touch", err)
	}
	return nil
}

func (s *RedisStore) Stats(ctx context.Context, now time.Time) (Stats, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, s.activeKey(), &redis.ZRangeBy{
		Min: "(" + ms(now),
		Max: "+inf",
	}).Result()
	if err != nil {
		return Stats{}, storeErr("session.stats", err)
	}

	st := Stats{ByDevice: map[DeviceType]int64{DeviceDesktop: 0, DeviceMobile: 0, DeviceTablet: 0}}
	if len(ids) == 0 {
		return st, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.SliceCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HMGet(ctx, s.sessionKey(id), "user_id", "device_type", "revoked")
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, storeErr("session.stats", err)
	}

	users := make(map[string]struct{})
	for _, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) != 3 || vals[0] == nil {
			continue
		}
		if r, _ := vals[2].(string); r == "1" {
			continue
		}
		uid, _ := vals[0].(string)
		dev, _ := vals[1].(string)
		users[uid] = struct{}{}
		st.ActiveSessions++
		st.ByDevice[ParseDeviceType(dev)]++
	}
	st.ActiveUsers = int64(len(users))
	return st, nil
}

// Sweep prunes index entries whose session has expired or disappeared.
// Session records themselves expire natively.
func (s *RedisStore) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	var res SweepResult

	n, err := s.rdb.ZRemRangeByScore(ctx, s.activeKey(), "-inf", ms(now)).Result()
	if err != nil {
		return res, storeErr("session.sweep", err)
	}
	res.Expired = n

	iter := s.rdb.Scan(ctx, 0, s.prefix+"user_sessions:*", 200).Iterator()
	for iter.Next(ctx) {
		setKey := iter.Val()
		ids, err := s.rdb.SMembers(ctx, setKey).Result()
		if err != nil {
			return res, storeErr("session.sweep", err)
		}
		if len(ids) == 0 {
			continue
		}

		pipe := s.rdb.Pipeline()
		exists := make([]*redis.IntCmd, len(ids))
		for i, id := range ids {
			exists[i] = pipe.Exists(ctx, s.sessionKey(id))
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return res, storeErr("session.sweep", err)
		}

		var gone []any
		for i, cmd := range exists {
			if cmd.Val() == 0 {
				gone = append(gone, ids[i])
			}
		}
		if len(gone) == 0 {
			continue
		}
		removed, err := s.rdb.SRem(ctx, setKey, gone...).Result()
		if err != nil {
			return res, storeErr("session.sweep", err)
		}
		res.Dangling += removed
	}
	if err := iter.Err(); err != nil {
		return res, storeErr("session.sweep", err)
	}
	return res, nil
}

// Ping checks connectivity for readiness probes.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func decodeSession(m map[string]string) Session {
	msTime := func(k string) time.Time {
		n, err := strconv.ParseInt(m[k], 10, 64)
		if err != nil || n == 0 {
			return time.Time{}
		}
		return time.UnixMilli(n).UTC()
	}
	return Session{
		ID:           m["id"],
		UserID:       m["user_id"],
		UserAgent:    m["user_agent"],
		IP:           m["ip"],
		DeviceType:   ParseDeviceType(m["device_type"]),
		RememberMe:   m["remember_me"] == "1",
		CreatedAt:    msTime("created_at"),
		LastActivity: msTime("last_activity"),
		ExpiresAt:    msTime("expires_at"),
		RotatedAt:    msTime("rotated_at"),
		RefreshHash:  m["refresh_hash"],
		AccessJTI:    m["access_jti"],
		AccessExp:    msTime("access_exp"),
		Revoked:      m["revoked"] == "1",
		RevokedAt:    msTime("revoked_at"),
		DrainJTI:     m["drain_jti"],
	}
}

func splitHead(res []any) (int64, []any, error) {
	if len(res) == 0 {
		return 0, nil, errors.New("empty script reply")
	}
	head, ok := res[0].(int64)
	if !ok {
		return 0, nil, fmt.Errorf("unexpected script reply head %T", res[0])
	}
	return head, res[1:], nil
}

func decodeRevoked(flat []any) []RevokedAccess {
	out := make([]RevokedAccess, 0, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		jti, _ := flat[i].(string)
		raw, _ := flat[i+1].(string)
		// Scores may come back in float notation.
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if jti == "" || err != nil {
			continue
		}
		out = append(out, RevokedAccess{JTI: jti, ExpiresAt: time.UnixMilli(int64(f)).UTC()})
	}
	return out
}
