// Package ratelimit implements the two-layer admission gate in front of every
// chat request: per-learner windows first, then the tenant's daily window.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Agentic-Person/whop-chronos-sub007/internal/logger"
	"github.com/Agentic-Person/whop-chronos-sub007/internal/store/redisstore"
)

type Scope string

const (
	ScopeLearner Scope = "learner"
	ScopeTenant  Scope = "tenant"
	// ScopeUnavailable is reported when the counter store cannot be reached.
	ScopeUnavailable Scope = "unavailable"
)

const keyPrefix = "rl"

// unavailableRetry is the hint returned when admission is denied because the store is down.
const unavailableRetry = 5 * time.Second

type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Scope      Scope
}

// WindowStore atomically checks and increments a set of fixed-window counters.
type WindowStore interface {
	Acquire(ctx context.Context, windows []redisstore.Window) (redisstore.AcquireResult, error)
	Del(ctx context.Context, keys ...string) (int64, error)
}

type Rule struct {
	Limit  int
	Window time.Duration
}

type Limits struct {
	Learner []Rule
	// TenantDaily is keyed by tier name.
	TenantDaily map[string]int
	// DefaultTier is used for tenants whose tier has no configured limit.
	DefaultTier string
}

func DefaultLimits() Limits {
	return Limits{
		Learner: []Rule{
			{Limit: 10, Window: time.Minute},
			{Limit: 100, Window: time.Hour},
		},
		TenantDaily: map[string]int{
			"basic":      500,
			"pro":        2000,
			"enterprise": 10000,
		},
		DefaultTier: "basic",
	}
}

type Limiter struct {
	store  WindowStore
	limits Limits
	now    func() time.Time
}

func NewLimiter(store WindowStore, limits Limits) *Limiter {
	if limits.DefaultTier == "" {
		limits.DefaultTier = "basic"
	}
	return &Limiter{store: store, limits: limits, now: time.Now}
}

// WithClock overrides the time source; used by tests to roll windows over.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Admit checks learner windows, then the tenant window. A denied request
// increments nothing. Store failures deny.
func (l *Limiter) Admit(ctx context.Context, learnerID, tenantID, tier string) Decision {
	now := l.now()
	windows := make([]redisstore.Window, 0, len(l.limits.Learner)+1)
	owners := make([]Scope, 0, cap(windows))

	for _, r := range l.limits.Learner {
		windows = append(windows, fixedWindow(ScopeLearner, learnerID, r, now))
		owners = append(owners, ScopeLearner)
	}
	windows = append(windows, fixedWindow(ScopeTenant, tenantID, Rule{Limit: l.tenantLimit(tier), Window: 24 * time.Hour}, now))
	owners = append(owners, ScopeTenant)

	res, err := l.store.Acquire(ctx, windows)
	if err != nil {
		logger.Error("rate limit store unavailable, denying", "learner", learnerID, "tenant", tenantID, "err", err)
		return Decision{Allowed: false, RetryAfter: unavailableRetry, Scope: ScopeUnavailable}
	}
	if res.Violated < 0 {
		return Decision{Allowed: true}
	}

	retry := res.RetryAfter
	if retry < time.Second {
		retry = time.Second
	}
	return Decision{Allowed: false, RetryAfter: retry, Scope: owners[res.Violated]}
}

// Reset clears the actor's current window counters. Only exact keys are
// deleted, so other actors whose ids share a prefix are untouched. Resetting an
// actor without counters is a no-op.
func (l *Limiter) Reset(ctx context.Context, scope Scope, id string) (int, error) {
	if scope != ScopeLearner && scope != ScopeTenant {
		return 0, fmt.Errorf("ratelimit: unknown scope %q", scope)
	}
	if strings.TrimSpace(id) == "" {
		return 0, fmt.Errorf("ratelimit: empty id")
	}
	now := l.now()
	var keys []string
	if scope == ScopeLearner {
		for _, r := range l.limits.Learner {
			keys = append(keys, fixedWindow(ScopeLearner, id, r, now).Key)
		}
	} else {
		keys = append(keys, fixedWindow(ScopeTenant, id, Rule{Window: 24 * time.Hour}, now).Key)
	}
	n, err := l.store.Del(ctx, keys...)
	return int(n), err
}

func (l *Limiter) tenantLimit(tier string) int {
	if n, ok := l.limits.TenantDaily[strings.ToLower(tier)]; ok {
		return n
	}
	return l.limits.TenantDaily[l.limits.DefaultTier]
}

// fixedWindow keys a counter by the start of the window it falls in, so a new
// window always starts from zero.
func fixedWindow(scope Scope, id string, r Rule, now time.Time) redisstore.Window {
	size := r.Window
	start := now.Truncate(size)
	ttl := start.Add(size).Sub(now)
	if ttl <= 0 {
		ttl = size
	}
	return redisstore.Window{
		Key:   fmt.Sprintf("%s:%s:%s:%d:%d", keyPrefix, scope, id, int64(size/time.Second), start.Unix()),
		Limit: r.Limit,
		TTL:   ttl,
	}
}
