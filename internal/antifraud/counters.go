package antifraud

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/casedrop/casebot/internal/clock"
)

// MemoryCounters is the in-process CounterStore: windowed integer counters
// plus TTL'd distinct sets, both reset when their window elapses.
type MemoryCounters struct {
	clk clock.Clock

	mu       sync.Mutex
	counters map[string]*windowCounter
	sets     map[string]*windowSet
}

type windowCounter struct {
	count   int64
	resetAt time.Time
}

type windowSet struct {
	members map[string]struct{}
	resetAt time.Time
}

func NewMemoryCounters(clk clock.Clock) *MemoryCounters {
	return &MemoryCounters{
		clk:      clk,
		counters: make(map[string]*windowCounter),
		sets:     make(map[string]*windowSet),
	}
}

func (s *MemoryCounters) Incr(_ context.Context, key string, window time.Duration) (int64, error) {
	now := s.clk.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	if !ok || now.After(c.resetAt) {
		c = &windowCounter{resetAt: now.Add(window)}
		s.counters[key] = c
	}
	c.count++
	return c.count, nil
}

func (s *MemoryCounters) AddDistinct(_ context.Context, key, member string, ttl time.Duration) (int64, error) {
	now := s.clk.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[key]
	if !ok || now.After(set.resetAt) {
		set = &windowSet{members: make(map[string]struct{}), resetAt: now.Add(ttl)}
		s.sets[key] = set
	}
	set.members[member] = struct{}{}
	return int64(len(set.members)), nil
}

const velocityKeyPrefix = "af:v:"

// RedisCounters backs the scorer with INCR+PEXPIRE counters and SADD sets so
// several processes share one velocity view.
type RedisCounters struct {
	rdb *redis.Client
}

func NewRedisCounters(rdb *redis.Client) *RedisCounters {
	return &RedisCounters{rdb: rdb}
}

func (s *RedisCounters) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	k := velocityKeyPrefix + key
	n, err := s.rdb.Incr(ctx, k).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		// First hit opens the window.
		if err := s.rdb.PExpire(ctx, k, window).Err(); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (s *RedisCounters) AddDistinct(ctx context.Context, key, member string, ttl time.Duration) (int64, error) {
	k := velocityKeyPrefix + "s:" + key
	added, err := s.rdb.SAdd(ctx, k, member).Result()
	if err != nil {
		return 0, err
	}
	if added > 0 {
		if err := s.rdb.PExpire(ctx, k, ttl).Err(); err != nil {
			return 0, err
		}
	}
	return s.rdb.SCard(ctx, k).Result()
}
