package rng

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileStore is an append-only journal: every commit, reveal, and draw is one
// JSON line. State is replayed into memory on open, so reads never touch
// disk.
type FileStore struct {
	mu   sync.Mutex
	mem  *MemoryStore
	file *os.File
	w    *bufio.Writer
}

type journalEntry struct {
	Type   string      `json:"type"` // commit | reveal | draw
	Commit *SeedCommit `json:"commit,omitempty"`
	Day    string      `json:"day,omitempty"`
	Seed   string      `json:"seed,omitempty"`
	At     time.Time   `json:"at,omitempty"`
	Draw   *DrawRecord `json:"draw,omitempty"`
}

func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("rng journal dir: %w", err)
	}
	mem := NewMemoryStore()

	if data, err := os.Open(path); err == nil {
		scanner := bufio.NewScanner(data)
		scanner.Buffer(make([]byte, 64*1024), 1<<20)
		for scanner.Scan() {
			var e journalEntry
			if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
				data.Close()
				return nil, fmt.Errorf("rng journal corrupt: %w", err)
			}
			if err := replay(mem, e); err != nil {
				data.Close()
				return nil, fmt.Errorf("rng journal replay: %w", err)
			}
		}
		if err := scanner.Err(); err != nil {
			data.Close()
			return nil, fmt.Errorf("rng journal read: %w", err)
		}
		data.Close()
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("rng journal open: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("rng journal append: %w", err)
	}
	return &FileStore{mem: mem, file: f, w: bufio.NewWriter(f)}, nil
}

func replay(mem *MemoryStore, e journalEntry) error {
	ctx := context.Background()
	switch e.Type {
	case "commit":
		if e.Commit == nil {
			return fmt.Errorf("commit entry without body")
		}
		_, _, err := mem.InsertCommit(ctx, *e.Commit)
		return err
	case "reveal":
		return mem.Reveal(ctx, e.Day, e.Seed, e.At)
	case "draw":
		if e.Draw == nil {
			return fmt.Errorf("draw entry without body")
		}
		_, _, err := mem.InsertDraw(ctx, *e.Draw)
		return err
	default:
		return fmt.Errorf("unknown entry type %q", e.Type)
	}
}

func (s *FileStore) append(e journalEntry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := s.w.Write(append(line, '\n')); err != nil {
		return err
	}
	if err := s.w.Flush(); err != nil {
		return err
	}
	return s.file.Sync()
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return err
	}
	return s.file.Close()
}

func (s *FileStore) InsertCommit(ctx context.Context, c SeedCommit) (SeedCommit, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, inserted, err := s.mem.InsertCommit(ctx, c)
	if err != nil {
		return SeedCommit{}, false, err
	}
	if inserted {
		if err := s.append(journalEntry{Type: "commit", Commit: &c}); err != nil {
			return SeedCommit{}, false, err
		}
	}
	return stored, inserted, nil
}

func (s *FileStore) GetCommit(ctx context.Context, day string) (*SeedCommit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mem.GetCommit(ctx, day)
}

func (s *FileStore) Reveal(ctx context.Context, day, seed string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mem.Reveal(ctx, day, seed, at); err != nil {
		return err
	}
	return s.append(journalEntry{Type: "reveal", Day: day, Seed: seed, At: at})
}

func (s *FileStore) InsertDraw(ctx context.Context, d DrawRecord) (DrawRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, inserted, err := s.mem.InsertDraw(ctx, d)
	if err != nil {
		return DrawRecord{}, false, err
	}
	if inserted {
		if err := s.append(journalEntry{Type: "draw", Draw: &d}); err != nil {
			return DrawRecord{}, false, err
		}
	}
	return stored, inserted, nil
}

func (s *FileStore) GetDraw(ctx context.Context, caseID string, userID int64, nonce string) (*DrawRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mem.GetDraw(ctx, caseID, userID, nonce)
}
