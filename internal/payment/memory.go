package payment

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps payment records in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) InsertPaid(_ context.Context, r Record) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[r.TelegramPaymentChargeID]; ok {
		return existing, false, nil
	}
	s.records[r.TelegramPaymentChargeID] = r
	return r, true, nil
}

func (s *MemoryStore) SetStatus(_ context.Context, chargeID string, status Status, awardedItemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[chargeID]
	if !ok {
		return fmt.Errorf("payment %s not found", chargeID)
	}
	r.Status = status
	if awardedItemID != "" {
		r.AwardedItemID = awardedItemID
	}
	s.records[chargeID] = r
	return nil
}

func (s *MemoryStore) Get(_ context.Context, chargeID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[chargeID]; ok {
		rr := r
		return &rr, nil
	}
	return nil, nil
}

// MemoryLedger keeps internal credit balances in process memory.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[int64]int64
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{balances: make(map[int64]int64)}
}

func (l *MemoryLedger) Credit(_ context.Context, userID, amount int64, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[userID] += amount
	return nil
}

func (l *MemoryLedger) Balance(_ context.Context, userID int64) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[userID], nil
}
