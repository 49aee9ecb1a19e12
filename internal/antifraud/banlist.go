package antifraud

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/casedrop/casebot/internal/clock"
	"github.com/casedrop/casebot/internal/metrics"
)

// Banlist tracks banned source addresses. A zero duration means permanent.
type Banlist interface {
	Ban(ctx context.Context, ip string, d time.Duration) error
	Unban(ctx context.Context, ip string) error
	IsBanned(ctx context.Context, ip string) (bool, error)
}

// MemoryBanlist is the in-process Banlist.
type MemoryBanlist struct {
	clk clock.Clock

	mu   sync.Mutex
	bans map[string]time.Time // zero time = permanent
}

func NewMemoryBanlist(clk clock.Clock) *MemoryBanlist {
	return &MemoryBanlist{clk: clk, bans: make(map[string]time.Time)}
}

func (b *MemoryBanlist) Ban(_ context.Context, ip string, d time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if d == 0 {
		b.bans[ip] = time.Time{}
	} else {
		b.bans[ip] = b.clk.Now().Add(d)
	}
	return nil
}

func (b *MemoryBanlist) Unban(_ context.Context, ip string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.bans, ip)
	return nil
}

func (b *MemoryBanlist) IsBanned(_ context.Context, ip string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	until, ok := b.bans[ip]
	if !ok {
		return false, nil
	}
	if until.IsZero() {
		return true, nil
	}
	if b.clk.Now().After(until) {
		delete(b.bans, ip)
		return false, nil
	}
	return true, nil
}

const banKeyPrefix = "af:ban:"

// RedisBanlist shares bans across processes. Temporary bans ride the key TTL;
// permanent bans have no expiry.
type RedisBanlist struct {
	rdb *redis.Client
}

func NewRedisBanlist(rdb *redis.Client) *RedisBanlist {
	return &RedisBanlist{rdb: rdb}
}

func (b *RedisBanlist) Ban(ctx context.Context, ip string, d time.Duration) error {
	return b.rdb.Set(ctx, banKeyPrefix+ip, 1, d).Err()
}

func (b *RedisBanlist) Unban(ctx context.Context, ip string) error {
	return b.rdb.Del(ctx, banKeyPrefix+ip).Err()
}

func (b *RedisBanlist) IsBanned(ctx context.Context, ip string) (bool, error) {
	n, err := b.rdb.Exists(ctx, banKeyPrefix+ip).Result()
	return n > 0, err
}

// Guard couples the banlist with an auto-ban counter: an address that keeps
// earning HARD_BLOCK gets a temporary ban without operator action.
type Guard struct {
	banlist  Banlist
	counters CounterStore
	m        *metrics.Metrics
	log      *zap.Logger

	// AutoBanAfter suspicious marks within AutoBanWindow → AutoBanFor ban.
	AutoBanAfter  int64
	AutoBanWindow time.Duration
	AutoBanFor    time.Duration
}

func NewGuard(banlist Banlist, counters CounterStore, m *metrics.Metrics, log *zap.Logger) *Guard {
	return &Guard{
		banlist:       banlist,
		counters:      counters,
		m:             m,
		log:           log,
		AutoBanAfter:  5,
		AutoBanWindow: 10 * time.Minute,
		AutoBanFor:    time.Hour,
	}
}

// Allowed reports whether the address may proceed at all.
func (g *Guard) Allowed(ctx context.Context, ip string) bool {
	banned, err := g.banlist.IsBanned(ctx, ip)
	if err != nil {
		g.log.Warn("banlist check failed", zap.Error(err))
		return true // fail open: the rate limiter still stands behind us
	}
	if banned {
		g.m.Inc("af_ip_forbidden_total", nil)
	}
	return !banned
}

// MarkSuspicious records one suspicious event for the address (any scored
// action above LOG_ONLY qualifies) and auto-bans it once enough marks land
// inside the window.
func (g *Guard) MarkSuspicious(ctx context.Context, ip string) {
	g.m.Inc("af_ip_suspicious_mark_total", nil)
	n, err := g.counters.Incr(ctx, "susp:"+ip, g.AutoBanWindow)
	if err != nil {
		g.log.Warn("suspicious counter failed", zap.Error(err))
		return
	}
	if n >= g.AutoBanAfter {
		if err := g.banlist.Ban(ctx, ip, g.AutoBanFor); err != nil {
			g.log.Warn("auto-ban failed", zap.Error(err))
			return
		}
		g.m.Inc("af_ip_ban_total", nil)
		g.log.Info("auto-banned address", zap.Duration("for", g.AutoBanFor))
	}
}

// Ban applies an operator ban. d == 0 bans permanently.
func (g *Guard) Ban(ctx context.Context, ip string, d time.Duration) error {
	if err := g.banlist.Ban(ctx, ip, d); err != nil {
		return err
	}
	g.m.Inc("af_ip_ban_total", nil)
	return nil
}

// Unban lifts a ban.
func (g *Guard) Unban(ctx context.Context, ip string) error {
	if err := g.banlist.Unban(ctx, ip); err != nil {
		return err
	}
	g.m.Inc("af_ip_unban_total", nil)
	return nil
}
