package ratelimit

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Agentic-Person/whop-chronos-sub007/internal/store/redisstore"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newLimiter(t *testing.T, limits Limits) (*Limiter, *miniredis.Miniredis, *clock) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := redisstore.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	c := &clock{t: time.Date(2026, 3, 2, 10, 0, 5, 0, time.UTC)}
	return NewLimiter(store, limits).WithClock(c.now), mr, c
}

func TestAdmit_EleventhRequestInMinuteRejected(t *testing.T) {
	l, _, _ := newLimiter(t, DefaultLimits())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		d := l.Admit(ctx, "learner-1", "tenant-1", "basic")
		require.True(t, d.Allowed, "request %d", i+1)
	}

	d := l.Admit(ctx, "learner-1", "tenant-1", "basic")
	assert.False(t, d.Allowed)
	assert.Equal(t, ScopeLearner, d.Scope)
	assert.GreaterOrEqual(t, d.RetryAfter, time.Second)
	assert.LessOrEqual(t, d.RetryAfter, time.Minute)

	// a different learner of the same tenant is unaffected
	assert.True(t, l.Admit(ctx, "learner-2", "tenant-1", "basic").Allowed)
}

func TestAdmit_WindowRollover(t *testing.T) {
	l, _, c := newLimiter(t, DefaultLimits())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.True(t, l.Admit(ctx, "learner-1", "tenant-1", "pro").Allowed)
	}
	require.False(t, l.Admit(ctx, "learner-1", "tenant-1", "pro").Allowed)

	c.t = c.t.Add(time.Minute)
	assert.True(t, l.Admit(ctx, "learner-1", "tenant-1", "pro").Allowed)
}

func TestAdmit_TenantLimitAndNoPartialIncrements(t *testing.T) {
	limits := DefaultLimits()
	limits.TenantDaily = map[string]int{"basic": 2}
	l, mr, _ := newLimiter(t, limits)
	ctx := context.Background()

	require.True(t, l.Admit(ctx, "a", "tenant-1", "basic").Allowed)
	require.True(t, l.Admit(ctx, "b", "tenant-1", "basic").Allowed)

	d := l.Admit(ctx, "c", "tenant-1", "basic")
	assert.False(t, d.Allowed)
	assert.Equal(t, ScopeTenant, d.Scope)

	// learner "c" was denied at tenant scope: none of its counters may exist
	for _, k := range mr.Keys() {
		assert.False(t, strings.HasPrefix(k, "rl:learner:c:"), k)
	}
}

func TestAdmit_LearnerDenialDoesNotCountAgainstTenant(t *testing.T) {
	limits := DefaultLimits()
	limits.Learner = []Rule{{Limit: 1, Window: time.Minute}}
	l, mr, _ := newLimiter(t, limits)
	ctx := context.Background()

	require.True(t, l.Admit(ctx, "a", "tenant-1", "basic").Allowed)
	require.False(t, l.Admit(ctx, "a", "tenant-1", "basic").Allowed)
	require.False(t, l.Admit(ctx, "a", "tenant-1", "basic").Allowed)

	for _, k := range mr.Keys() {
		if strings.HasPrefix(k, "rl:tenant:tenant-1:") {
			v, err := mr.Get(k)
			require.NoError(t, err)
			assert.Equal(t, "1", v)
		}
	}
}

type brokenStore struct{}

func (brokenStore) Acquire(context.Context, []redisstore.Window) (redisstore.AcquireResult, error) {
	return redisstore.AcquireResult{}, errors.New("connection refused")
}

func (brokenStore) Del(context.Context, ...string) (int64, error) {
	return 0, errors.New("connection refused")
}

func TestAdmit_StoreFailureDenies(t *testing.T) {
	l := NewLimiter(brokenStore{}, DefaultLimits())
	d := l.Admit(context.Background(), "a", "t", "basic")
	assert.False(t, d.Allowed)
	assert.Equal(t, ScopeUnavailable, d.Scope)
	assert.Positive(t, d.RetryAfter)
}

func TestReset_ClearsScopeAndIsIdempotent(t *testing.T) {
	l, _, _ := newLimiter(t, DefaultLimits())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.True(t, l.Admit(ctx, "learner-1", "tenant-1", "basic").Allowed)
	}
	require.False(t, l.Admit(ctx, "learner-1", "tenant-1", "basic").Allowed)

	n, err := l.Reset(ctx, ScopeLearner, "learner-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = l.Reset(ctx, ScopeLearner, "learner-1")
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.True(t, l.Admit(ctx, "learner-1", "tenant-1", "basic").Allowed)

	_, err = l.Reset(ctx, Scope("course"), "x")
	assert.Error(t, err)
}

func TestReset_OnlyTouchesTheNamedActor(t *testing.T) {
	l, mr, _ := newLimiter(t, DefaultLimits())
	ctx := context.Background()

	for _, id := range []string{"a", "a:b", "ab"} {
		require.True(t, l.Admit(ctx, id, "tenant-1", "basic").Allowed)
	}

	n, err := l.Reset(ctx, ScopeLearner, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = l.Reset(ctx, ScopeLearner, "*")
	require.NoError(t, err)
	assert.Zero(t, n)

	var left []string
	for _, k := range mr.Keys() {
		if strings.HasPrefix(k, "rl:learner:") {
			left = append(left, k)
		}
	}
	assert.Len(t, left, 4)
	for _, k := range left {
		assert.False(t, strings.HasPrefix(k, "rl:learner:a:60:") || strings.HasPrefix(k, "rl:learner:a:3600:"), k)
	}

	n, err = l.Reset(ctx, ScopeTenant, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
