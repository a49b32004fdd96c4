// Package counter implements TTL-bounded failure counters on Redis.
//
// Every operation is one round trip. Bump and Peek run a Lua script so that
// the increment, the first-hit expiry and the read of count and TTL are atomic:
// two concurrent bumps on the same key always observe distinct counts.
package counter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable wraps any Redis failure.
var ErrUnavailable = errors.New("counter store unavailable")

// KEYS[1] counter key
// ARGV[1] delta (0 = read only, key is never created)
// ARGV[2] window in milliseconds
var bumpScript = redis.NewScript(`
local delta = tonumber(ARGV[1])
local count
if delta == 0 then
	count = tonumber(redis.call('GET', KEYS[1]) or '0')
else
	count = redis.call('INCRBY', KEYS[1], delta)
end
local ttl = redis.call('PTTL', KEYS[1])
if delta ~= 0 and ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	ttl = tonumber(ARGV[2])
end
return {count, ttl}
`)

// Count is the state of one counter after an operation.
type Count struct {
	Value int64
	// TTL is the remaining window, zero when the key does not exist.
	TTL time.Duration
}

// Store is a counter store over a Redis client.
type Store struct {
	redis redis.UniversalClient
}

// New returns a Store using client.
func New(client redis.UniversalClient) *Store {
	return &Store{redis: client}
}

// Bump adds delta to key and returns the new count. The first increment in a
// fresh window sets the expiry to window.
func (s *Store) Bump(ctx context.Context, key string, delta int64, window time.Duration) (Count, error) {
	res, err := bumpScript.Run(ctx, s.redis, []string{key}, delta, window.Milliseconds()).Int64Slice()
	if err != nil {
		return Count{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(res) != 2 {
		return Count{}, fmt.Errorf("%w: unexpected script reply %v", ErrUnavailable, res)
	}

	c := Count{Value: res[0]}
	if res[1] > 0 {
		c.TTL = time.Duration(res[1]) * time.Millisecond
	}
	return c, nil
}

// Peek reads key without changing or creating it.
func (s *Store) Peek(ctx context.Context, key string) (Count, error) {
	return s.Bump(ctx, key, 0, 0)
}

// Reset deletes key.
func (s *Store) Reset(ctx context.Context, key string) error {
	if err := s.redis.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// IsMember reports whether member is in the Redis set setKey.
func (s *Store) IsMember(ctx context.Context, setKey, member string) (bool, error) {
	ok, err := s.redis.SIsMember(ctx, setKey, member).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return ok, nil
}
