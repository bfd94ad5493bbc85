package scheduler

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/natefinch/atomic"
	"github.com/oklog/ulid/v2"
)

// RunRecord is one finished reconciliation pass.
type RunRecord struct {
	ID        string         `json:"id" yaml:"id"`
	Trigger   string         `json:"trigger" yaml:"trigger"`
	StartedAt time.Time      `json:"started_at" yaml:"started_at"`
	Took      time.Duration  `json:"took" yaml:"took"`
	DryRun    bool           `json:"dry_run" yaml:"dry_run"`
	Findings  map[string]int `json:"findings,omitempty" yaml:"findings,omitempty"`
	Failures  int            `json:"failures" yaml:"failures"`
	Error     string         `json:"error,omitempty" yaml:"error,omitempty"`
}

type runHistory struct {
	Runs []RunRecord `json:"runs"`
}

// RunStore keeps the most recent runs in a JSON file. An empty path keeps
// them in memory only.
type RunStore struct {
	path  string
	limit int
	data  runHistory
	mu    sync.RWMutex
}

func NewRunStore(path string, limit int) (*RunStore, error) {
	if limit <= 0 {
		limit = 50
	}
	s := &RunStore{path: path, limit: limit}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *RunStore) load() error {
	if s.path == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	content, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(content) == 0 {
		return nil
	}
	return json.Unmarshal(content, &s.data)
}

func (s *RunStore) save() error {
	// Internal save, lock held by caller
	if s.path == "" {
		return nil
	}
	b, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	return atomic.WriteFile(s.path, bytes.NewReader(b))
}

// Append records a run, dropping the oldest beyond the limit.
func (s *RunStore) Append(rec RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = ulid.Make().String()
	}
	s.data.Runs = append(s.data.Runs, rec)
	if over := len(s.data.Runs) - s.limit; over > 0 {
		s.data.Runs = append([]RunRecord(nil), s.data.Runs[over:]...)
	}
	return s.save()
}

// Last returns the newest run.
func (s *RunStore) Last() (RunRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.data.Runs) == 0 {
		return RunRecord{}, false
	}
	return s.data.Runs[len(s.data.Runs)-1], true
}

// All returns a copy of the runs, oldest first.
func (s *RunStore) All() []RunRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]RunRecord(nil), s.data.Runs...)
}
