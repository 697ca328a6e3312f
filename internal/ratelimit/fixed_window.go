package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter decides whether one more event for key fits in the current window.
type Limiter interface {
	Allow(ctx context.Context, key string) Decision
}

// Decision is the outcome of one Allow call. RetryAfter is set only when the
// event was refused and tells the caller when the current window closes.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {count, redis.call("PTTL", KEYS[1])}
`)

// FixedWindowLimiter limits events per key in a fixed time window shared by
// every instance through Redis.
type FixedWindowLimiter struct {
	limit  int
	window time.Duration

	client *redis.Client
	prefix string
	owned  bool
}

// NewRedisFixedWindowLimiter creates a Redis-backed distributed limiter.
func NewRedisFixedWindowLimiter(addr, password, prefix string, limit int, window time.Duration) (*FixedWindowLimiter, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("rate limiter redis addr is required")
	}
	l, err := NewRedisFixedWindowLimiterWithClient(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	}), prefix, limit, window)
	if err != nil {
		return nil, err
	}
	l.owned = true
	return l, nil
}

// NewRedisFixedWindowLimiterWithClient shares an existing client.
func NewRedisFixedWindowLimiterWithClient(client *redis.Client, prefix string, limit int, window time.Duration) (*FixedWindowLimiter, error) {
	if limit <= 0 || window < time.Millisecond {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	if client == nil {
		return nil, errors.New("rate limiter redis client is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "recapai:ratelimit"
	}
	return &FixedWindowLimiter{limit: limit, window: window, client: client, prefix: prefix}, nil
}

// Allow counts one event for key. On Redis failures it fails closed.
func (l *FixedWindowLimiter) Allow(ctx context.Context, key string) Decision {
	if l == nil {
		return Decision{}
	}
	key = normalizeKey(key)
	windowMs := l.window.Milliseconds()
	slot := time.Now().UTC().UnixMilli() / windowMs
	redisKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, slot)

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	vals, err := fixedWindowScript.Run(ctx, l.client, []string{redisKey}, windowMs).Int64Slice()
	if err != nil || len(vals) != 2 {
		return Decision{RetryAfter: time.Second}
	}
	if vals[0] <= int64(l.limit) {
		return Decision{Allowed: true}
	}
	retry := time.Duration(vals[1]) * time.Millisecond
	if retry <= 0 {
		retry = l.window
	}
	return Decision{RetryAfter: retry}
}

// Close releases the client when the limiter created it.
func (l *FixedWindowLimiter) Close() error {
	if l == nil || !l.owned {
		return nil
	}
	return l.client.Close()
}

// LocalLimiter is the in-process variant for single-instance deployments.
type LocalLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]localWindow
}

type localWindow struct {
	slot  int64
	count int
}

// NewLocalLimiter returns an in-process fixed-window limiter.
func NewLocalLimiter(limit int, window time.Duration) (*LocalLimiter, error) {
	if limit <= 0 || window < time.Millisecond {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	return &LocalLimiter{limit: limit, window: window, now: time.Now, windows: make(map[string]localWindow)}, nil
}

func (l *LocalLimiter) Allow(_ context.Context, key string) Decision {
	key = normalizeKey(key)
	windowMs := l.window.Milliseconds()
	nowMs := l.now().UTC().UnixMilli()
	slot := nowMs / windowMs

	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.windows[key]
	if w.slot != slot {
		w = localWindow{slot: slot}
		if len(l.windows) > 4096 {
			l.pruneLocked(slot)
		}
	}
	w.count++
	l.windows[key] = w
	if w.count <= l.limit {
		return Decision{Allowed: true}
	}
	return Decision{RetryAfter: time.Duration((slot+1)*windowMs-nowMs) * time.Millisecond}
}

func (l *LocalLimiter) pruneLocked(slot int64) {
	for k, w := range l.windows {
		if w.slot != slot {
			delete(l.windows, k)
		}
	}
}

func normalizeKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "unknown"
	}
	return key
}
