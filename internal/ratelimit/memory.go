package ratelimit

import (
	"context"
	"sync"

	"github.com/casedrop/casebot/internal/clock"
)

// MemoryStore keeps bucket state in a map with a lazily created mutex per
// key. Idle entries are swept together with their locks once expired, so the
// lock map cannot grow past the live key set.
type MemoryStore struct {
	clk clock.Clock

	mu      sync.Mutex
	entries map[string]*memEntry
	ops     int
}

type memEntry struct {
	mu    sync.Mutex
	state *State
}

const sweepEvery = 256

func NewMemoryStore(clk clock.Clock) *MemoryStore {
	return &MemoryStore{
		clk:     clk,
		entries: make(map[string]*memEntry),
	}
}

func (s *MemoryStore) TryConsume(ctx context.Context, key Key, p Params, cost float64) (Decision, error) {
	var d Decision
	err := s.Compute(ctx, key.String(), func(prev *State, nowMs int64) *State {
		next, dec := apply(prev, p, cost, nowMs)
		d = dec
		return &next
	})
	return d, err
}

// Compute runs fn under the key's mutex. fn receives the prior state (nil if
// absent or expired) and the current time; the returned state replaces the
// stored one (nil deletes).
func (s *MemoryStore) Compute(_ context.Context, key string, fn func(prev *State, nowMs int64) *State) error {
	nowMs := s.clk.Now().UnixMilli()

	var e *memEntry
	for {
		s.mu.Lock()
		cur, ok := s.entries[key]
		if !ok {
			cur = &memEntry{}
			s.entries[key] = cur
		}
		s.ops++
		if s.ops%sweepEvery == 0 {
			s.sweepLocked(nowMs)
		}
		s.mu.Unlock()

		cur.mu.Lock()
		// The sweeper may have evicted cur between the map read and the
		// lock; retry so that all racers converge on one live entry.
		s.mu.Lock()
		live := s.entries[key] == cur
		s.mu.Unlock()
		if live {
			e = cur
			break
		}
		cur.mu.Unlock()
	}
	defer e.mu.Unlock()

	prev := e.state
	if prev != nil && nowMs > prev.ExpiresAt {
		prev = nil
	}
	next := fn(prev, nowMs)
	if next == nil {
		e.state = nil
		return nil
	}
	e.state = next
	return nil
}

// Len reports the live entry count (test support).
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryStore) sweepLocked(nowMs int64) {
	for k, e := range s.entries {
		if e.mu.TryLock() {
			// nil state means a compute is about to populate the entry;
			// leave it so that both racers keep sharing one mutex.
			expired := e.state != nil && nowMs > e.state.ExpiresAt
			e.mu.Unlock()
			if expired {
				delete(s.entries, k)
			}
		}
	}
}
