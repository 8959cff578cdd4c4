package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	return NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()})), mr
}

func TestGetSetDel(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Minute))
	b, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(b))

	mr.FastForward(2 * time.Minute)
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	n, err := s.Del(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAcquire_AllOrNothing(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	windows := []Window{
		{Key: "a", Limit: 5, TTL: time.Minute},
		{Key: "b", Limit: 1, TTL: time.Hour},
	}

	res, err := s.Acquire(ctx, windows)
	require.NoError(t, err)
	assert.Equal(t, -1, res.Violated)

	res, err = s.Acquire(ctx, windows)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Violated)
	assert.Greater(t, res.RetryAfter, 59*time.Minute)

	// the rejected call must not have touched "a"
	v, err := mr.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "1", v)
}

func TestSAddWithTTL(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SAddWithTTL(ctx, "set", time.Minute, "x", "y"))
	members, err := s.SMembers(ctx, "set")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"x", "y"}, members)
	assert.Equal(t, time.Minute, mr.TTL("set"))
}
