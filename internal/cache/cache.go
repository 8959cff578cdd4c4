// Package cache stores batch answers keyed by the question and the exact set
// of transcript chunks they were generated from.
package cache

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"
	"unicode"

	"golang.org/x/crypto/blake2b"

	"github.com/Agentic-Person/whop-chronos-sub007/internal/logger"
	"github.com/Agentic-Person/whop-chronos-sub007/internal/retrieval"
	"github.com/Agentic-Person/whop-chronos-sub007/internal/store/redisstore"
)

const (
	DefaultTTL = 7 * 24 * time.Hour

	entryPrefix = "cache:entry:"
	videoPrefix = "cache:video:"
)

type Entry struct {
	Answer       string                     `json:"answer"`
	References   []retrieval.VideoReference `json:"references"`
	InputTokens  int                        `json:"inputTokens"`
	OutputTokens int                        `json:"outputTokens"`
	CostUSD      float64                    `json:"costUSD"`
	Model        string                     `json:"model"`
	CreatedAt    time.Time                  `json:"createdAt"`
}

// KV is the subset of the Redis store the cache needs.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) (int64, error)
	SAddWithTTL(ctx context.Context, key string, ttl time.Duration, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
}

type Cache struct {
	kv  KV
	ttl time.Duration
}

func New(kv KV, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{kv: kv, ttl: ttl}
}

// Normalize folds case, collapses whitespace and drops trailing sentence
// terminators ('?' and '.'). Other trailing symbols are kept: "C#" and "5!"
// are part of the question.
func Normalize(query string) string {
	q := strings.ToLower(strings.Join(strings.Fields(query), " "))
	return strings.TrimRightFunc(q, func(r rune) bool {
		return r == '?' || r == '.' || unicode.IsSpace(r)
	})
}

// Key derives the content address for a question answered from chunkIDs. The
// chunk order does not matter; the chunk set does.
func Key(query string, chunkIDs []string) string {
	ids := append([]string(nil), chunkIDs...)
	sort.Strings(ids)

	h, _ := blake2b.New256(nil)
	h.Write([]byte(Normalize(query)))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(ids, "\x1f")))
	return hex.EncodeToString(h.Sum(nil))
}

// Get never fails the caller: store or decode errors are a miss.
func (c *Cache) Get(ctx context.Context, key string) (*Entry, bool) {
	b, err := c.kv.Get(ctx, entryPrefix+key)
	if err != nil {
		if !errors.Is(err, redisstore.ErrNotFound) {
			logger.Warn("cache get failed", "key", key, "err", err)
		}
		return nil, false
	}
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		logger.Warn("cache entry undecodable", "key", key, "err", err)
		return nil, false
	}
	return &e, true
}

// Put writes the entry and indexes it under every source video. Failures are
// logged and swallowed.
func (c *Cache) Put(ctx context.Context, key string, e Entry, videoIDs []string) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	b, err := json.Marshal(e)
	if err != nil {
		logger.Warn("cache entry encode failed", "key", key, "err", err)
		return
	}
	if err := c.kv.Set(ctx, entryPrefix+key, b, c.ttl); err != nil {
		logger.Warn("cache put failed", "key", key, "err", err)
		return
	}
	for _, v := range dedupe(videoIDs) {
		if err := c.kv.SAddWithTTL(ctx, videoPrefix+v, c.ttl, key); err != nil {
			logger.Warn("cache tag failed", "key", key, "video_id", v, "err", err)
		}
	}
}

// InvalidateByVideo drops every entry generated from the video's chunks and
// returns how many entries were removed.
func (c *Cache) InvalidateByVideo(ctx context.Context, videoID string) (int, error) {
	tag := videoPrefix + videoID
	members, err := c.kv.SMembers(ctx, tag)
	if err != nil {
		return 0, err
	}
	var removed int64
	if len(members) > 0 {
		keys := make([]string, 0, len(members))
		for _, m := range members {
			keys = append(keys, entryPrefix+m)
		}
		removed, err = c.kv.Del(ctx, keys...)
		if err != nil {
			return 0, err
		}
	}
	if _, err := c.kv.Del(ctx, tag); err != nil {
		return int(removed), err
	}
	logger.Info("cache invalidated", "video_id", videoID, "entries", removed)
	return int(removed), nil
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
