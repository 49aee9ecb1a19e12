package rng

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore keeps commits and the draw journal in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	commits map[string]SeedCommit
	draws   map[string]DrawRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		commits: make(map[string]SeedCommit),
		draws:   make(map[string]DrawRecord),
	}
}

func drawKey(caseID string, userID int64, nonce string) string {
	return fmt.Sprintf("%s|%d|%s", caseID, userID, nonce)
}

func (s *MemoryStore) InsertCommit(_ context.Context, c SeedCommit) (SeedCommit, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.commits[c.DayUTC]; ok {
		return existing, false, nil
	}
	s.commits[c.DayUTC] = c
	return c, true, nil
}

func (s *MemoryStore) GetCommit(_ context.Context, day string) (*SeedCommit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.commits[day]; ok {
		cc := c
		return &cc, nil
	}
	return nil, nil
}

func (s *MemoryStore) Reveal(_ context.Context, day, seed string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.commits[day]
	if !ok {
		return ErrNoCommit
	}
	if c.Revealed() {
		if c.ServerSeed != seed {
			return ErrAlreadyRevealed
		}
		return nil
	}
	if c.ServerSeed != "" && c.ServerSeed != seed {
		return ErrAlreadyRevealed
	}
	c.ServerSeed = seed
	c.RevealedAt = &at
	s.commits[day] = c
	return nil
}

func (s *MemoryStore) InsertDraw(_ context.Context, d DrawRecord) (DrawRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := drawKey(d.CaseID, d.UserID, d.Nonce)
	if existing, ok := s.draws[key]; ok {
		return existing, false, nil
	}
	s.draws[key] = d
	return d, true, nil
}

func (s *MemoryStore) GetDraw(_ context.Context, caseID string, userID int64, nonce string) (*DrawRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.draws[drawKey(caseID, userID, nonce)]; ok {
		dd := d
		return &dd, nil
	}
	return nil, nil
}
