package cases

import (
	"fmt"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Snapshot is an immutable view of the loaded catalogue. Readers grab the
// snapshot once and see a consistent catalogue for the whole request.
type Snapshot struct {
	list    []Config
	byID    map[string]Config
	reports []ValidationReport
}

func (s *Snapshot) Get(id string) (Config, bool) {
	c, ok := s.byID[id]
	return c, ok
}

func (s *Snapshot) List() []Config { return s.list }

func (s *Snapshot) Reports() []ValidationReport { return s.reports }

func (s *Snapshot) Report(caseID string) (ValidationReport, bool) {
	for _, r := range s.reports {
		if r.CaseID == caseID {
			return r, true
		}
	}
	return ValidationReport{}, false
}

func (s *Snapshot) PublicList() []PublicCase {
	out := make([]PublicCase, 0, len(s.list))
	for _, c := range s.list {
		out = append(out, c.Public())
	}
	return out
}

// Loader owns the catalogue file and the hot-swapped snapshot.
type Loader struct {
	path string
	log  *zap.Logger
	snap atomic.Pointer[Snapshot]
}

func NewLoader(path string, log *zap.Logger) *Loader {
	l := &Loader{path: path, log: log}
	l.snap.Store(&Snapshot{byID: map[string]Config{}})
	return l
}

// Snapshot returns the current catalogue view.
func (l *Loader) Snapshot() *Snapshot { return l.snap.Load() }

// Load reads and validates the catalogue, then atomically swaps the
// snapshot. Cases failing validation are rejected (reported, not loaded);
// a file that cannot be read or parsed leaves the last good snapshot up.
func (l *Loader) Load() ([]ValidationReport, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read cases file: %w", err)
	}
	return l.LoadBytes(data)
}

// LoadBytes is Load over in-memory content (tests, admin reload preview).
func (l *Loader) LoadBytes(data []byte) ([]ValidationReport, error) {
	var root Root
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse cases yaml: %w", err)
	}

	next := &Snapshot{byID: make(map[string]Config, len(root.Cases))}
	for _, c := range root.Cases {
		rep := Validate(c)
		next.reports = append(next.reports, rep)
		if !rep.IsOk {
			l.log.Warn("case rejected",
				zap.String("case", c.ID),
				zap.Strings("problems", rep.Problems))
			continue
		}
		if _, dup := next.byID[c.ID]; dup {
			l.log.Warn("duplicate case id, keeping first", zap.String("case", c.ID))
			continue
		}
		next.byID[c.ID] = c
		next.list = append(next.list, c)
	}

	l.snap.Store(next)
	l.log.Info("case catalogue loaded",
		zap.Int("accepted", len(next.list)),
		zap.Int("total", len(root.Cases)))
	return next.reports, nil
}
