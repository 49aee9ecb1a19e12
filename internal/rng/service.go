// Package rng implements the provably-fair draw: a daily commit/reveal of a
// server seed and deterministic HMAC rolls journaled under an idempotency
// key.
package rng

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/casedrop/casebot/internal/cases"
	"github.com/casedrop/casebot/internal/clock"
	"github.com/casedrop/casebot/internal/metrics"
)

const dayLayout = "2006-01-02"

// Outcome is the result of one draw. ItemID is empty when the roll landed in
// the implicit remainder slot, which always pays an internal credit.
type Outcome struct {
	ItemID         string `json:"itemId,omitempty"`
	Kind           string `json:"kind"`
	Ppm            int64  `json:"ppm"`
	RollHex        string `json:"rollHex"`
	ServerSeedHash string `json:"serverSeedHash"`
	Idempotent     bool   `json:"-"`
}

// Commitment is the public view of a daily commit: the seed appears only
// after reveal.
type Commitment struct {
	DayUTC         string     `json:"dayUtc"`
	ServerSeedHash string     `json:"serverSeedHash"`
	ServerSeed     string     `json:"serverSeed,omitempty"`
	CommittedAt    time.Time  `json:"committedAt"`
	RevealedAt     *time.Time `json:"revealedAt,omitempty"`
}

func publicView(c SeedCommit) Commitment {
	out := Commitment{
		DayUTC:         c.DayUTC,
		ServerSeedHash: c.ServerSeedHash,
		CommittedAt:    c.CommittedAt,
		RevealedAt:     c.RevealedAt,
	}
	if c.Revealed() {
		out.ServerSeed = c.ServerSeed
	}
	return out
}

// Service owns the daily seed lifecycle and the deterministic draw. All
// randomness enters at commit time; a draw is a pure function of
// (seed, caseId, userId, nonce).
type Service struct {
	store Store
	clk   clock.Clock
	m     *metrics.Metrics
	log   *zap.Logger

	mu    sync.RWMutex
	cache map[string]SeedCommit
}

func NewService(store Store, clk clock.Clock, m *metrics.Metrics, log *zap.Logger) *Service {
	return &Service{
		store: store,
		clk:   clk,
		m:     m,
		log:   log.Named("rng"),
		cache: make(map[string]SeedCommit),
	}
}

// Today returns the current UTC day key.
func (s *Service) Today() string {
	return s.clk.Now().UTC().Format(dayLayout)
}

// Commit returns today's commitment, creating it on first use. First writer
// wins; every caller sees the same hash for the day.
func (s *Service) Commit(ctx context.Context) (Commitment, error) {
	c, err := s.commitFor(ctx, s.Today())
	if err != nil {
		return Commitment{}, err
	}
	return publicView(c), nil
}

// CommitFor returns the commitment for an arbitrary day, without creating
// one. Missing days return ErrNoCommit.
func (s *Service) CommitFor(ctx context.Context, day string) (Commitment, error) {
	c, err := s.cached(ctx, day)
	if err != nil {
		return Commitment{}, err
	}
	return publicView(c), nil
}

func (s *Service) cached(ctx context.Context, day string) (SeedCommit, error) {
	s.mu.RLock()
	c, ok := s.cache[day]
	s.mu.RUnlock()
	if ok {
		return c, nil
	}
	stored, err := s.store.GetCommit(ctx, day)
	if err != nil {
		return SeedCommit{}, err
	}
	if stored == nil {
		return SeedCommit{}, ErrNoCommit
	}
	s.mu.Lock()
	s.cache[day] = *stored
	s.mu.Unlock()
	return *stored, nil
}

func (s *Service) commitFor(ctx context.Context, day string) (SeedCommit, error) {
	if c, err := s.cached(ctx, day); err == nil {
		return c, nil
	} else if err != ErrNoCommit {
		return SeedCommit{}, err
	}

	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return SeedCommit{}, fmt.Errorf("seed entropy: %w", err)
	}
	hash := sha256.Sum256(seed)

	candidate := SeedCommit{
		DayUTC:         day,
		ServerSeedHash: hex.EncodeToString(hash[:]),
		ServerSeed:     hex.EncodeToString(seed),
		CommittedAt:    s.clk.Now().UTC(),
	}
	stored, inserted, err := s.store.InsertCommit(ctx, candidate)
	if err != nil {
		return SeedCommit{}, err
	}
	if inserted {
		s.m.Inc("rng_commit_total", nil)
		s.log.Info("daily seed committed",
			zap.String("day", day),
			zap.String("serverSeedHash", stored.ServerSeedHash))
	}
	s.mu.Lock()
	s.cache[day] = stored
	s.mu.Unlock()
	return stored, nil
}

// Reveal publishes the seed for a past day. One-shot: repeating the reveal is
// a no-op, and the seed can never change once public.
func (s *Service) Reveal(ctx context.Context, day string) (Commitment, error) {
	c, err := s.cached(ctx, day)
	if err != nil {
		return Commitment{}, err
	}
	if today := s.Today(); day >= today {
		return Commitment{}, fmt.Errorf("reveal %s: %w", day, ErrNotPast)
	}
	if err := s.store.Reveal(ctx, day, c.ServerSeed, s.clk.Now().UTC()); err != nil {
		return Commitment{}, err
	}

	s.mu.Lock()
	delete(s.cache, day)
	s.mu.Unlock()
	revealed, err := s.cached(ctx, day)
	if err != nil {
		return Commitment{}, err
	}
	s.m.Inc("rng_reveal_total", nil)
	s.log.Info("daily seed revealed", zap.String("day", day))
	return publicView(revealed), nil
}

// Draw rolls caseCfg for (userID, nonce). Replaying an existing idempotency
// key returns the journaled result byte for byte.
func (s *Service) Draw(ctx context.Context, caseCfg cases.Config, userID int64, nonce string) (Outcome, error) {
	if prior, err := s.store.GetDraw(ctx, caseCfg.ID, userID, nonce); err != nil {
		s.m.Inc("rng_draw_fail_total", nil)
		return Outcome{}, err
	} else if prior != nil {
		s.m.Inc("rng_draw_idempotent_total", nil)
		return s.outcome(caseCfg, *prior, true), nil
	}

	commit, err := s.commitFor(ctx, s.Today())
	if err != nil {
		s.m.Inc("rng_draw_fail_total", nil)
		return Outcome{}, err
	}
	seed, err := hex.DecodeString(commit.ServerSeed)
	if err != nil {
		s.m.Inc("rng_draw_fail_total", nil)
		return Outcome{}, fmt.Errorf("stored seed not hex: %w", err)
	}

	rollHex, ppm := Roll(seed, caseCfg.ID, userID, nonce)
	itemID := MapPpm(caseCfg.Items, ppm)

	record := DrawRecord{
		CaseID:         caseCfg.ID,
		UserID:         userID,
		Nonce:          nonce,
		ServerSeedHash: commit.ServerSeedHash,
		RollHex:        rollHex,
		Ppm:            ppm,
		ResultItemID:   itemID,
		CreatedAt:      s.clk.Now().UTC(),
	}
	stored, inserted, err := s.store.InsertDraw(ctx, record)
	if err != nil {
		s.m.Inc("rng_draw_fail_total", nil)
		return Outcome{}, err
	}
	if inserted {
		s.m.Inc("rng_draw_total", nil)
	} else {
		// Lost the race to a concurrent draw with the same key.
		s.m.Inc("rng_draw_idempotent_total", nil)
	}
	return s.outcome(caseCfg, stored, !inserted), nil
}

func (s *Service) outcome(caseCfg cases.Config, d DrawRecord, idem bool) Outcome {
	kind := string(cases.KindInternal)
	if d.ResultItemID != "" {
		for _, it := range caseCfg.Items {
			if it.ID == d.ResultItemID {
				kind = string(it.Kind)
				break
			}
		}
	}
	return Outcome{
		ItemID:         d.ResultItemID,
		Kind:           kind,
		Ppm:            d.Ppm,
		RollHex:        d.RollHex,
		ServerSeedHash: d.ServerSeedHash,
		Idempotent:     idem,
	}
}

// Roll computes the deterministic roll for a draw: rollHex is the full
// HMAC-SHA-256 of "caseId|userId|nonce" under the seed, and ppm is the first
// four bytes taken as a big-endian uint32 modulo 1e6.
func Roll(seed []byte, caseID string, userID int64, nonce string) (rollHex string, ppm int64) {
	mac := hmac.New(sha256.New, seed)
	fmt.Fprintf(mac, "%s|%d|%s", caseID, userID, nonce)
	sum := mac.Sum(nil)
	roll := binary.BigEndian.Uint32(sum[:4])
	return hex.EncodeToString(sum), int64(roll % cases.PpmScale)
}

// MapPpm maps a roll to the prize table by cumulative probability in
// declaration order. A ppm past the covered range lands in the implicit
// internal remainder slot, reported as an empty item id.
func MapPpm(items []cases.PrizeItem, ppm int64) string {
	var cum int64
	for _, it := range items {
		cum += it.ProbabilityPpm
		if ppm < cum {
			return it.ID
		}
	}
	return ""
}
