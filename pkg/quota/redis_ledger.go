package quota

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// KEYS: used, reservations hash, reservation expiry zset.
// ARGV: bytes, ceiling, reservation id, now ms, expires at ms.
var reserveScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[3], "-inf", ARGV[4])
for _, id in ipairs(expired) do
  redis.call("HDEL", KEYS[2], id)
  redis.call("ZREM", KEYS[3], id)
end
local reserved = 0
for _, v in ipairs(redis.call("HVALS", KEYS[2])) do
  reserved = reserved + tonumber(v)
end
local used = tonumber(redis.call("GET", KEYS[1]) or "0")
local n = tonumber(ARGV[1])
local ceiling = tonumber(ARGV[2])
if ceiling > 0 and used + reserved + n > ceiling then
  return 0
end
redis.call("HSET", KEYS[2], ARGV[3], ARGV[1])
redis.call("ZADD", KEYS[3], ARGV[5], ARGV[3])
return 1
`)

// KEYS: used, reservations hash, reservation expiry zset. ARGV: reservation id.
var commitScript = redis.NewScript(`
local n = redis.call("HGET", KEYS[2], ARGV[1])
if not n then
  return -1
end
redis.call("HDEL", KEYS[2], ARGV[1])
redis.call("ZREM", KEYS[3], ARGV[1])
return redis.call("INCRBY", KEYS[1], n)
`)

// KEYS: used. ARGV: bytes.
var freeScript = redis.NewScript(`
local used = tonumber(redis.call("GET", KEYS[1]) or "0") - tonumber(ARGV[1])
if used < 0 then
  used = 0
end
redis.call("SET", KEYS[1], used)
return used
`)

// RedisLedger shares quota state across service instances. Each owner's
// keys are touched only by single Lua scripts, which Redis runs atomically.
type RedisLedger struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisLedger creates a Redis-backed ledger.
func NewRedisLedger(addr, password, prefix string, ttl time.Duration) (*RedisLedger, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("quota ledger redis addr is required")
	}
	return NewRedisLedgerWithClient(redis.NewClient(&redis.Options{Addr: addr, Password: password}), prefix, ttl), nil
}

func NewRedisLedgerWithClient(client *redis.Client, prefix string, ttl time.Duration) *RedisLedger {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "recapai:quota"
	}
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}
	return &RedisLedger{client: client, prefix: prefix, ttl: ttl, now: time.Now}
}

// Close releases the Redis client.
func (l *RedisLedger) Close() error {
	return l.client.Close()
}

func (l *RedisLedger) keys(ownerID string) []string {
	// Hash tag keeps an owner's keys in one cluster slot.
	base := fmt.Sprintf("%s:{%s}", l.prefix, ownerID)
	return []string{base + ":used", base + ":res", base + ":exp"}
}

func (l *RedisLedger) Reserve(ctx context.Context, ownerID string, n, ceiling int64) (*Reservation, error) {
	if n < 0 {
		return nil, ErrInvalidAmount
	}
	id := uuid.NewString()
	now := l.now()
	ok, err := reserveScript.Run(ctx, l.client, l.keys(ownerID),
		n, ceiling, id, now.UnixMilli(), now.Add(l.ttl).UnixMilli()).Int64()
	if err != nil {
		return nil, fmt.Errorf("reserve quota: %w", err)
	}
	if ok != 1 {
		return nil, ErrQuotaExceeded
	}
	return &Reservation{ID: id, OwnerID: ownerID, Bytes: n}, nil
}

func (l *RedisLedger) Commit(ctx context.Context, res *Reservation) error {
	if res == nil {
		return ErrReservationExpired
	}
	used, err := commitScript.Run(ctx, l.client, l.keys(res.OwnerID), res.ID).Int64()
	if err != nil {
		return fmt.Errorf("commit quota: %w", err)
	}
	if used < 0 {
		return ErrReservationExpired
	}
	return nil
}

func (l *RedisLedger) Release(ctx context.Context, res *Reservation) error {
	if res == nil {
		return nil
	}
	keys := l.keys(res.OwnerID)
	pipe := l.client.TxPipeline()
	pipe.HDel(ctx, keys[1], res.ID)
	pipe.ZRem(ctx, keys[2], res.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("release quota: %w", err)
	}
	return nil
}

func (l *RedisLedger) Free(ctx context.Context, ownerID string, n int64) error {
	if n < 0 {
		return ErrInvalidAmount
	}
	if err := freeScript.Run(ctx, l.client, l.keys(ownerID)[:1], n).Err(); err != nil {
		return fmt.Errorf("free quota: %w", err)
	}
	return nil
}

func (l *RedisLedger) Usage(ctx context.Context, ownerID string) (Usage, error) {
	keys := l.keys(ownerID)
	used, err := l.client.Get(ctx, keys[0]).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Usage{}, fmt.Errorf("read quota usage: %w", err)
	}
	live, err := l.client.ZRangeByScore(ctx, keys[2], &redis.ZRangeBy{
		Min: fmt.Sprintf("(%d", l.now().UnixMilli()),
		Max: "+inf",
	}).Result()
	if err != nil {
		return Usage{}, fmt.Errorf("read quota reservations: %w", err)
	}
	var reserved int64
	if len(live) > 0 {
		vals, err := l.client.HMGet(ctx, keys[1], live...).Result()
		if err != nil {
			return Usage{}, fmt.Errorf("read quota reservations: %w", err)
		}
		for _, v := range vals {
			if s, ok := v.(string); ok {
				var n int64
				if _, err := fmt.Sscan(s, &n); err == nil {
					reserved += n
				}
			}
		}
	}
	return Usage{Used: used, Reserved: reserved}, nil
}

func (l *RedisLedger) Set(ctx context.Context, ownerID string, used int64) error {
	if used < 0 {
		return ErrInvalidAmount
	}
	if err := l.client.Set(ctx, l.keys(ownerID)[0], used, 0).Err(); err != nil {
		return fmt.Errorf("set quota usage: %w", err)
	}
	return nil
}
