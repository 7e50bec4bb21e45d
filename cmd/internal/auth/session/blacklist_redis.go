package session

import (
	"context"
	"time"
)

// The blacklist shares the session store's client and prefix: entries are
// plain string keys with a native TTL, so they need no sweeping.

// Add blacklists tokenID for ttl. A non-positive ttl means the token has
// already expired naturally and nothing is written.
func (s *RedisStore) Add(ctx context.Context, tokenID string, ttl time.Duration) error {
	if tokenID == "" || ttl <= 0 {
		return nil
	}
	if err := s.rdb.Set(ctx, s.blacklistKey(tokenID), "1", ttl).Err(); err != nil {
		return storeErr("blacklist.add", err)
	}
	return nil
}

func (s *RedisStore) Contains(ctx context.Context, tokenID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.blacklistKey(tokenID)).Result()
	if err != nil {
		return false, storeErr("blacklist.contains", err)
	}
	return n == 1, nil
}
