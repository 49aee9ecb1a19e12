package antifraud

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/casedrop/casebot/internal/clock"
	"github.com/casedrop/casebot/internal/metrics"
)

func newScorer(t *testing.T, cfg Config) (*Scorer, *clock.Fake, *metrics.Metrics) {
	t.Helper()
	fc := clock.NewFake(time.Unix(1_700_000_000, 0))
	m := metrics.New()
	return NewScorer(cfg, NewMemoryCounters(fc), m, zap.NewNop()), fc, m
}

func hasFlag(flags []Flag, f Flag) bool {
	for _, x := range flags {
		if x == f {
			return true
		}
	}
	return false
}

func TestQuietTrafficIsLogOnly(t *testing.T) {
	s, _, _ := newScorer(t, DefaultConfig())
	res, err := s.Evaluate(context.Background(), Context{
		IP: "10.0.0.1", Path: "/api/miniapp/cases", Event: EventWebhook,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionLogOnly || len(res.Flags) != 0 {
		t.Errorf("quiet traffic: got action=%v flags=%v", res.Action, res.Flags)
	}
}

func TestInvoiceBurstHardBlocks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IPShortMax = 1
	cfg.InvoiceShortMax = 1
	s, _, _ := newScorer(t, cfg)
	ctx := context.Background()
	rc := Context{IP: "10.0.0.2", Subject: 7, Path: "/api/miniapp/invoice", Event: EventInvoice}

	res, err := s.Evaluate(ctx, rc)
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionLogOnly {
		t.Fatalf("first invoice: got %v want LOG_ONLY", res.Action)
	}

	res, err = s.Evaluate(ctx, rc)
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionHardBlock {
		t.Fatalf("second invoice: got %v want HARD_BLOCK (score %d)", res.Action, res.Score)
	}
	if !hasFlag(res.Flags, FlagIPShortBurst) || !hasFlag(res.Flags, FlagInvoiceShortBurst) {
		t.Errorf("flags: got %v", res.Flags)
	}
}

func TestPostCaptureNeverHardBlocks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IPShortMax = 0    // every hit bursts (+10)
	cfg.DistinctUAMax = 0 // every UA mismatches (+15); score 25 >= hardBlock
	s, _, _ := newScorer(t, cfg)
	ctx := context.Background()

	sawSoftCap := false
	for _, ev := range []EventType{EventSuccess, EventWebhook} {
		for i := 0; i < 5; i++ {
			res, err := s.Evaluate(ctx, Context{
				IP: "10.0.0.3", Subject: 9, UserAgent: "ua", Event: ev, Path: "/x",
			})
			if err != nil {
				t.Fatal(err)
			}
			if res.Action == ActionHardBlock {
				t.Fatalf("%s call %d returned HARD_BLOCK", ev, i)
			}
			if res.Action == ActionSoftCap {
				sawSoftCap = true
			}
		}
	}
	if !sawSoftCap {
		t.Error("expected hard-block scores to demote to SOFT_CAP")
	}

	// The same score on a pre-capture event does hard block.
	res, err := s.Evaluate(ctx, Context{
		IP: "10.0.0.3", Subject: 9, UserAgent: "ua", Event: EventInvoice, Path: "/x",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != ActionHardBlock {
		t.Errorf("pre-capture with same score: got %v want HARD_BLOCK", res.Action)
	}
}

func TestUAMismatchFlag(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DistinctUAMax = 1
	s, _, _ := newScorer(t, cfg)
	ctx := context.Background()

	res, _ := s.Evaluate(ctx, Context{IP: "1.1.1.1", Subject: 5, UserAgent: "ua-one", Event: EventWebhook})
	if hasFlag(res.Flags, FlagSubjectUAMismatch) {
		t.Fatal("single UA must not flag")
	}
	res, _ = s.Evaluate(ctx, Context{IP: "1.1.1.2", Subject: 5, UserAgent: "ua-two", Event: EventWebhook})
	if !hasFlag(res.Flags, FlagSubjectUAMismatch) {
		t.Fatalf("second distinct UA must flag, got %v", res.Flags)
	}
}

func TestAddresslessEventsSkipIPCounters(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IPShortMax = 0
	cfg.DistinctPathsMax = 0
	s, _, _ := newScorer(t, cfg)
	ctx := context.Background()

	// Queue-delivered contexts carry no source address; distinct subjects
	// must not pool into shared counters.
	for i, path := range []string{"precheckout", "success", "success"} {
		res, err := s.Evaluate(ctx, Context{Subject: int64(100 + i), Path: path, Event: EventSuccess})
		if err != nil {
			t.Fatal(err)
		}
		if hasFlag(res.Flags, FlagIPShortBurst) || hasFlag(res.Flags, FlagDistinctPaths) {
			t.Fatalf("addressless call %d raised IP-keyed flags: %v", i, res.Flags)
		}
	}

	// The same thresholds do flag when an address is present.
	res, err := s.Evaluate(ctx, Context{IP: "10.0.0.8", Path: "/x", Event: EventWebhook})
	if err != nil {
		t.Fatal(err)
	}
	if !hasFlag(res.Flags, FlagIPShortBurst) || !hasFlag(res.Flags, FlagDistinctPaths) {
		t.Fatalf("addressed call must flag at zero maxima, got %v", res.Flags)
	}
}

func TestWindowResets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IPShortMax = 1
	s, fc, _ := newScorer(t, cfg)
	ctx := context.Background()
	rc := Context{IP: "10.0.0.4", Event: EventWebhook}

	s.Evaluate(ctx, rc) //nolint:errcheck
	res, _ := s.Evaluate(ctx, rc)
	if !hasFlag(res.Flags, FlagIPShortBurst) {
		t.Fatal("second hit inside window must flag")
	}

	fc.Advance(cfg.ShortWindow + time.Second)
	res, _ = s.Evaluate(ctx, rc)
	if hasFlag(res.Flags, FlagIPShortBurst) {
		t.Error("counter must reset after the window")
	}
}

func TestRedisCountersMatchMemory(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rc := NewRedisCounters(rdb)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		n, err := rc.Incr(ctx, "ip:9.9.9.9", time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if n != want {
			t.Errorf("incr: got %d want %d", n, want)
		}
	}

	for i, member := range []string{"a", "b", "b"} {
		n, err := rc.AddDistinct(ctx, "ua:7", member, time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		want := int64(2)
		if i == 0 {
			want = 1
		}
		if n != want {
			t.Errorf("distinct after %q: got %d want %d", member, n, want)
		}
	}

	mr.FastForward(2 * time.Minute)
	n, err := rc.Incr(ctx, "ip:9.9.9.9", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("counter must reset after redis TTL, got %d", n)
	}
}

func TestGuardAutoBan(t *testing.T) {
	fc := clock.NewFake(time.Unix(1_700_000_000, 0))
	g := NewGuard(NewMemoryBanlist(fc), NewMemoryCounters(fc), metrics.New(), zap.NewNop())
	g.AutoBanAfter = 2
	g.AutoBanFor = time.Hour
	ctx := context.Background()

	if !g.Allowed(ctx, "6.6.6.6") {
		t.Fatal("fresh address must be allowed")
	}
	g.MarkSuspicious(ctx, "6.6.6.6")
	if !g.Allowed(ctx, "6.6.6.6") {
		t.Fatal("one mark must not ban")
	}
	g.MarkSuspicious(ctx, "6.6.6.6")
	if g.Allowed(ctx, "6.6.6.6") {
		t.Fatal("threshold crossed, address must be banned")
	}

	fc.Advance(2 * time.Hour)
	if !g.Allowed(ctx, "6.6.6.6") {
		t.Error("temp ban must expire")
	}
}

func TestBanlistPermanentAndUnban(t *testing.T) {
	fc := clock.NewFake(time.Unix(1_700_000_000, 0))
	b := NewMemoryBanlist(fc)
	ctx := context.Background()

	b.Ban(ctx, "2.2.2.2", 0) //nolint:errcheck
	fc.Advance(1000 * time.Hour)
	banned, _ := b.IsBanned(ctx, "2.2.2.2")
	if !banned {
		t.Fatal("permanent ban must not expire")
	}
	b.Unban(ctx, "2.2.2.2") //nolint:errcheck
	banned, _ = b.IsBanned(ctx, "2.2.2.2")
	if banned {
		t.Fatal("unban must lift the ban")
	}
}
