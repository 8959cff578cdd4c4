package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Get when the key does not exist or has expired.
var ErrNotFound = errors.New("redisstore: not found")

// Store is the shared key-value store behind the response cache and the
// admission counters. Every orchestrator instance talks to the same Redis.
type Store struct {
	rdb *redis.Client
}

func New(addr, password string, db int) *Store {
	return &Store{rdb: redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})}
}

func NewFromClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return b, err
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

func (s *Store) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	return s.rdb.Del(ctx, keys...).Result()
}

// SAddWithTTL adds members to a set and (re)applies the set's expiry.
func (s *Store) SAddWithTTL(ctx context.Context, key string, ttl time.Duration, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, key, args...)
	pipe.Expire(ctx, key, ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.rdb.SMembers(ctx, key).Result()
}

// Window is one fixed-window counter checked by Acquire.
type Window struct {
	Key   string
	Limit int
	TTL   time.Duration
}

// AcquireResult reports the first window (by position) that is already at its
// limit. Violated is -1 when every window admitted the request.
type AcquireResult struct {
	Violated   int
	RetryAfter time.Duration
}

// acquireScript checks every window first and only then increments all of them,
// so a rejected request leaves no counter changed.
var acquireScript = redis.NewScript(`
for i = 1, #KEYS do
  local limit = tonumber(ARGV[(i - 1) * 2 + 1])
  local current = tonumber(redis.call('GET', KEYS[i]) or '0')
  if current >= limit then
    return {i, redis.call('PTTL', KEYS[i])}
  end
end
for i = 1, #KEYS do
  local n = redis.call('INCR', KEYS[i])
  if n == 1 then
    redis.call('PEXPIRE', KEYS[i], ARGV[(i - 1) * 2 + 2])
  end
end
return {0, 0}
`)

func (s *Store) Acquire(ctx context.Context, windows []Window) (AcquireResult, error) {
	if len(windows) == 0 {
		return AcquireResult{Violated: -1}, nil
	}
	keys := make([]string, len(windows))
	args := make([]any, 0, len(windows)*2)
	for i, w := range windows {
		keys[i] = w.Key
		args = append(args, w.Limit, w.TTL.Milliseconds())
	}

	raw, err := acquireScript.Run(ctx, s.rdb, keys, args...).Int64Slice()
	if err != nil {
		return AcquireResult{}, err
	}
	if len(raw) != 2 {
		return AcquireResult{}, fmt.Errorf("redisstore: unexpected acquire reply %v", raw)
	}
	if raw[0] == 0 {
		return AcquireResult{Violated: -1}, nil
	}

	idx := int(raw[0]) - 1
	retry := time.Duration(raw[1]) * time.Millisecond
	if retry <= 0 {
		// counter without expiry should not happen; fall back to the window size
		retry = windows[idx].TTL
	}
	return AcquireResult{Violated: idx, RetryAfter: retry}, nil
}
