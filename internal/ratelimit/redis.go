package ratelimit

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/casedrop/casebot/internal/clock"
)

// consumeScript runs the refill-and-consume step server-side so the
// read–modify–write is atomic without a round-trip lock.
//
// KEYS[1] bucket hash; ARGV: nowMs, capacity, refillPerSec, ttlMs, initial, cost.
// Returns {allowed(0/1), tokens-after (string, to keep float precision)}.
var consumeScript = redis.NewScript(`
local data = redis.call('HMGET', KEYS[1], 'tokens', 'updated', 'expires')
local now = tonumber(ARGV[1])
local cap = tonumber(ARGV[2])
local refill = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local tokens = tonumber(ARGV[5])
local cost = tonumber(ARGV[6])
local updated = now
if data[1] and tonumber(data[3]) >= now then
  tokens = tonumber(data[1])
  updated = tonumber(data[2])
end
if now > updated and refill > 0 then
  tokens = tokens + (now - updated) / 1000 * refill
end
if tokens > cap then tokens = cap end
local allowed = 0
if cost <= cap and tokens >= cost then
  allowed = 1
  tokens = tokens - cost
end
redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'updated', now, 'expires', now + ttl)
redis.call('PEXPIRE', KEYS[1], ttl)
return {allowed, tostring(tokens)}
`)

const redisKeyPrefix = "rl:"

// RedisStore evaluates the bucket step as a server-side script, giving the
// same per-key atomicity as the in-memory mutex but shared across processes.
type RedisStore struct {
	rdb *redis.Client
	clk clock.Clock
}

func NewRedisStore(rdb *redis.Client, clk clock.Clock) *RedisStore {
	return &RedisStore{rdb: rdb, clk: clk}
}

func (s *RedisStore) TryConsume(ctx context.Context, key Key, p Params, cost float64) (Decision, error) {
	nowMs := s.clk.Now().UnixMilli()
	res, err := consumeScript.Run(ctx, s.rdb,
		[]string{redisKeyPrefix + key.String()},
		nowMs, p.Capacity, p.RefillPerSec, p.TTL.Milliseconds(), p.InitialTokens, cost,
	).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("bucket script: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("bucket script: unexpected reply %v", res)
	}

	allowed, _ := res[0].(int64)
	tokensStr, _ := res[1].(string)
	tokens, err := strconv.ParseFloat(tokensStr, 64)
	if err != nil {
		return Decision{}, fmt.Errorf("bucket script: bad token reply %q", tokensStr)
	}

	d := Decision{
		Allowed:   allowed == 1,
		Remaining: int64(tokens),
		ResetAt:   resetAt(tokens, p, nowMs),
	}
	if !d.Allowed {
		if cost > p.Capacity {
			d.RetryAfter = MaxRetryAfter
		} else {
			d.RetryAfter = retryAfter(cost-tokens, p.RefillPerSec)
		}
	}
	return d, nil
}
