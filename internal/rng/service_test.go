package rng

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/casedrop/casebot/internal/cases"
	"github.com/casedrop/casebot/internal/clock"
	"github.com/casedrop/casebot/internal/metrics"
)

func star(v int64) *int64 { return &v }

func testCase() cases.Config {
	return cases.Config{
		ID:         "starter",
		Title:      "Starter Case",
		PriceStars: 100,
		RtpExtMin:  0.1,
		RtpExtMax:  0.9,
		Items: []cases.PrizeItem{
			{ID: "gift-rose", Kind: cases.KindGift, StarCost: star(25), ProbabilityPpm: 200_000, GiftID: "5168103777563050263"},
			{ID: "prem-3m", Kind: cases.KindPremium3M, StarCost: star(1000), ProbabilityPpm: 30_000},
			{ID: "credit", Kind: cases.KindInternal, StarCost: star(0), ProbabilityPpm: 500_000},
		},
	}
}

func newService(t *testing.T, store Store) (*Service, *clock.Fake, *metrics.Metrics) {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	m := metrics.New()
	return NewService(store, clk, m, zap.NewNop()), clk, m
}

func TestCommitFirstWriterWins(t *testing.T) {
	svc, _, m := newService(t, NewMemoryStore())
	ctx := context.Background()

	first, err := svc.Commit(ctx)
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.Commit(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if first.ServerSeedHash != second.ServerSeedHash {
		t.Errorf("hash changed across commits: %s vs %s", first.ServerSeedHash, second.ServerSeedHash)
	}
	if first.ServerSeed != "" {
		t.Error("seed must not be public before reveal")
	}
	if got := m.CounterValue("rng_commit_total", nil); got != 1 {
		t.Errorf("rng_commit_total: got %v want 1", got)
	}
}

func TestRevealIntegrity(t *testing.T) {
	svc, clk, m := newService(t, NewMemoryStore())
	ctx := context.Background()

	committed, err := svc.Commit(ctx)
	if err != nil {
		t.Fatal(err)
	}
	day := committed.DayUTC

	// Same day: reveal refused.
	if _, err := svc.Reveal(ctx, day); !errors.Is(err, ErrNotPast) {
		t.Fatalf("reveal of the current day: got %v want ErrNotPast", err)
	}

	clk.Advance(24 * time.Hour)
	revealed, err := svc.Reveal(ctx, day)
	if err != nil {
		t.Fatal(err)
	}
	if revealed.ServerSeed == "" || revealed.RevealedAt == nil {
		t.Fatal("revealed commitment must carry seed and timestamp")
	}

	seed, err := hex.DecodeString(revealed.ServerSeed)
	if err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256(seed)
	if hex.EncodeToString(sum[:]) != committed.ServerSeedHash {
		t.Error("SHA-256(seed) does not match the committed hash")
	}

	// Re-reveal is a no-op.
	again, err := svc.Reveal(ctx, day)
	if err != nil {
		t.Fatal(err)
	}
	if again.ServerSeed != revealed.ServerSeed {
		t.Error("re-reveal changed the seed")
	}
	if got := m.CounterValue("rng_reveal_total", nil); got != 2 {
		t.Errorf("rng_reveal_total: got %v want 2", got)
	}
}

func TestDrawDeterministicAndVerifiable(t *testing.T) {
	svc, clk, _ := newService(t, NewMemoryStore())
	ctx := context.Background()

	out, err := svc.Draw(ctx, testCase(), 424242, "nonce-1")
	if err != nil {
		t.Fatal(err)
	}
	if out.Ppm < 0 || out.Ppm >= cases.PpmScale {
		t.Fatalf("ppm out of range: %d", out.Ppm)
	}
	if len(out.RollHex) != 64 {
		t.Fatalf("rollHex length: got %d want 64", len(out.RollHex))
	}

	// After reveal anyone can recompute the roll from public data.
	day := svc.Today()
	clk.Advance(24 * time.Hour)
	revealed, err := svc.Reveal(ctx, day)
	if err != nil {
		t.Fatal(err)
	}
	seed, err := hex.DecodeString(revealed.ServerSeed)
	if err != nil {
		t.Fatal(err)
	}
	rollHex, ppm := Roll(seed, "starter", 424242, "nonce-1")
	if rollHex != out.RollHex || ppm != out.Ppm {
		t.Errorf("recomputed roll differs: %s/%d vs %s/%d", rollHex, ppm, out.RollHex, out.Ppm)
	}
	if MapPpm(testCase().Items, ppm) != out.ItemID {
		t.Error("recomputed item differs from the journaled one")
	}
}

func TestDrawIdempotent(t *testing.T) {
	svc, _, m := newService(t, NewMemoryStore())
	ctx := context.Background()

	first, err := svc.Draw(ctx, testCase(), 7, "n1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.Draw(ctx, testCase(), 7, "n1")
	if err != nil {
		t.Fatal(err)
	}
	if !second.Idempotent {
		t.Error("replay must be marked idempotent")
	}
	second.Idempotent = first.Idempotent
	if first != second {
		t.Errorf("replayed outcome differs:\n%+v\n%+v", first, second)
	}
	if got := m.CounterValue("rng_draw_total", nil); got != 1 {
		t.Errorf("rng_draw_total: got %v want 1", got)
	}
	if got := m.CounterValue("rng_draw_idempotent_total", nil); got != 1 {
		t.Errorf("rng_draw_idempotent_total: got %v want 1", got)
	}

	// Distinct nonce is a fresh draw.
	if _, err := svc.Draw(ctx, testCase(), 7, "n2"); err != nil {
		t.Fatal(err)
	}
	if got := m.CounterValue("rng_draw_total", nil); got != 2 {
		t.Errorf("rng_draw_total after second nonce: got %v want 2", got)
	}
}

func TestMapPpm(t *testing.T) {
	items := testCase().Items // 200k gift, 30k premium, 500k internal; 270k remainder

	for _, tc := range []struct {
		ppm  int64
		want string
	}{
		{0, "gift-rose"},
		{199_999, "gift-rose"},
		{200_000, "prem-3m"},
		{229_999, "prem-3m"},
		{230_000, "credit"},
		{729_999, "credit"},
		{730_000, ""}, // implicit remainder slot
		{999_999, ""},
	} {
		if got := MapPpm(items, tc.ppm); got != tc.want {
			t.Errorf("MapPpm(%d): got %q want %q", tc.ppm, got, tc.want)
		}
	}
}

func TestFileStoreReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rng", "journal.jsonl")
	ctx := context.Background()

	fs, err := NewFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	svc, clk, _ := newService(t, fs)

	out, err := svc.Draw(ctx, testCase(), 99, "replay-1")
	if err != nil {
		t.Fatal(err)
	}
	day := svc.Today()
	clk.Advance(24 * time.Hour)
	if _, err := svc.Reveal(ctx, day); err != nil {
		t.Fatal(err)
	}
	if err := fs.Close(); err != nil {
		t.Fatal(err)
	}

	// Reopen: state must survive byte for byte.
	fs2, err := NewFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer fs2.Close()

	commit, err := fs2.GetCommit(ctx, day)
	if err != nil {
		t.Fatal(err)
	}
	if commit == nil || !commit.Revealed() {
		t.Fatal("revealed commit must survive reopen")
	}
	draw, err := fs2.GetDraw(ctx, "starter", 99, "replay-1")
	if err != nil {
		t.Fatal(err)
	}
	if draw == nil {
		t.Fatal("draw must survive reopen")
	}
	if draw.RollHex != out.RollHex || draw.Ppm != out.Ppm || draw.ResultItemID != out.ItemID {
		t.Errorf("replayed draw differs: %+v vs %+v", draw, out)
	}

	svc2, _, m2 := newService(t, fs2)
	replayed, err := svc2.Draw(ctx, testCase(), 99, "replay-1")
	if err != nil {
		t.Fatal(err)
	}
	if !replayed.Idempotent || replayed.RollHex != out.RollHex {
		t.Error("draw replay through a reopened journal must be idempotent")
	}
	if got := m2.CounterValue("rng_draw_idempotent_total", nil); got != 1 {
		t.Errorf("rng_draw_idempotent_total: got %v want 1", got)
	}
}

func TestRevealUnknownDay(t *testing.T) {
	svc, _, _ := newService(t, NewMemoryStore())
	if _, err := svc.Reveal(context.Background(), "2020-01-01"); err != ErrNoCommit {
		t.Fatalf("got %v want ErrNoCommit", err)
	}
}
