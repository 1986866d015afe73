package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "medquery:ratelimit:"

// slidingWindow evicts aged-out members, then records the attempt only when
// the window has room. Returns {allowed, remaining, retry_after_ms}.
var slidingWindow = redis.NewScript(`
local key    = KEYS[1]
local now    = tonumber(ARGV[1])
local size   = tonumber(ARGV[2])
local limit  = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - size)
local count = redis.call('ZCARD', key)
if count < limit then
	redis.call('ZADD', key, now, ARGV[4])
	redis.call('PEXPIRE', key, size)
	return {1, limit - count - 1, 0}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local retry = tonumber(oldest[2]) + size - now
if retry < 0 then
	retry = 0
end
return {0, 0, retry}
`)

// RedisLimiter shares windows between instances through sorted sets.
type RedisLimiter struct {
	rdb *redis.Client
	cfg Config
	now func() time.Time
}

func NewRedisLimiter(rdb *redis.Client, cfg Config) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, cfg: cfg, now: time.Now}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := l.now().UnixMilli()
	member := fmt.Sprintf("%d-%s", now, uuid.NewString())

	res, err := slidingWindow.Run(ctx, l.rdb,
		[]string{keyPrefix + key},
		now, l.cfg.Window.Milliseconds(), l.cfg.Limit, member,
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("rate limit script: unexpected reply %v", res)
	}

	d := Decision{
		Allowed:    res[0] == 1,
		Remaining:  int(res[1]),
		RetryAfter: time.Duration(res[2]) * time.Millisecond,
	}
	if d.Allowed {
		d.At = time.UnixMilli(now)
		d.Token = member
	}
	return d, nil
}

// Refund removes the sorted-set member recorded by d.
func (l *RedisLimiter) Refund(ctx context.Context, key string, d Decision) error {
	if !d.Allowed || d.Token == "" {
		return nil
	}
	if err := l.rdb.ZRem(ctx, keyPrefix+key, d.Token).Err(); err != nil {
		return fmt.Errorf("rate limit refund: %w", err)
	}
	return nil
}
