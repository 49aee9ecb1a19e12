package rng

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrAlreadyRevealed rejects a reveal that disagrees with the stored seed.
	ErrAlreadyRevealed = errors.New("seed already revealed with a different value")
	// ErrNoCommit rejects a reveal for a day that was never committed.
	ErrNoCommit = errors.New("no seed commit for day")
	// ErrNotPast rejects a reveal of the current or a future day.
	ErrNotPast = errors.New("day is not in the past")
)

// SeedCommit is the daily fairness commitment. The seed itself is persisted
// at commit time for crash recovery but is never exposed until RevealedAt is
// set; only the hash leaves the service before then.
type SeedCommit struct {
	DayUTC         string // "2006-01-02"
	ServerSeedHash string // hex SHA-256 of the seed
	ServerSeed     string // hex, 32 bytes
	CommittedAt    time.Time
	RevealedAt     *time.Time
}

// Revealed reports whether the seed is public.
func (c *SeedCommit) Revealed() bool { return c.RevealedAt != nil }

// DrawRecord is one journaled roll. Identity: (CaseID, UserID, Nonce).
type DrawRecord struct {
	CaseID         string
	UserID         int64
	Nonce          string
	ServerSeedHash string
	RollHex        string
	Ppm            int64
	ResultItemID   string
	CreatedAt      time.Time
}

// Store persists commits and the draw journal. All implementations enforce
// first-writer-wins on the commit day and uniqueness of (case, user, nonce).
type Store interface {
	// InsertCommit stores c unless a commit for the day exists; either way
	// the stored commit is returned, plus whether this call inserted it.
	InsertCommit(ctx context.Context, c SeedCommit) (SeedCommit, bool, error)
	// GetCommit returns the commit for day, nil if absent.
	GetCommit(ctx context.Context, day string) (*SeedCommit, error)
	// Reveal marks the day's seed public. Revealing an unknown day returns
	// ErrNoCommit; revealing with a mismatching seed returns
	// ErrAlreadyRevealed. Repeating an identical reveal is a no-op.
	Reveal(ctx context.Context, day, seed string, at time.Time) error
	// InsertDraw journals d unless the idempotency key exists; returns the
	// stored record and whether this call inserted it.
	InsertDraw(ctx context.Context, d DrawRecord) (DrawRecord, bool, error)
	// GetDraw returns the journaled draw, nil if absent.
	GetDraw(ctx context.Context, caseID string, userID int64, nonce string) (*DrawRecord, error)
}
