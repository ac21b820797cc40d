package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"autocheckin/internal/domain"
)

var (
	ErrNotFound = errors.New("task not found")
	// ErrStorage wraps read/parse/write failures of the backing file. Open
	// recovers from it with the default config and still returns a usable store.
	ErrStorage = errors.New("config storage error")
)

// Store owns the configuration document. All reads hand out copies and all
// mutation goes through the store's mutex, so scheduler updates and
// UI-triggered edits never interleave into a torn write.
type Store struct {
	mu   sync.Mutex
	path string
	cfg  domain.AppConfig
}

// Open loads the document at path, falling back to the default configuration
// when the file is missing, unreadable, or corrupt. Corruption never crashes
// the process; it is logged and reported through the returned error while the
// store itself stays usable.
func Open(path string) (*Store, error) {
	s := &Store{path: path}
	cfg, err := readDocument(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("config unreadable, starting from defaults")
		s.cfg = domain.DefaultConfig()
		return s, err
	}
	s.cfg = cfg
	return s, nil
}

func readDocument(path string) (domain.AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return domain.DefaultConfig(), nil
		}
		return domain.DefaultConfig(), fmt.Errorf("%w: %v", ErrStorage, err)
	}
	var cfg domain.AppConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return domain.DefaultConfig(), fmt.Errorf("%w: parse %s: %v", ErrStorage, path, err)
	}
	return cfg, nil
}

// Get returns a snapshot of the current configuration.
func (s *Store) Get() domain.AppConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyConfig(s.cfg)
}

// Replace swaps in a whole new document and persists it.
func (s *Store) Replace(cfg domain.AppConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = copyConfig(cfg)
	return s.persist()
}

// GetTask returns the task with the given id.
func (s *Store) GetTask(id string) (domain.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.cfg.Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return domain.Task{}, false
}

// UpsertTask inserts or replaces a task, assigning an id when absent, and
// persists the document. Insertion order is preserved.
func (s *Store) UpsertTask(t domain.Task) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = "tsk_" + uuid.NewString()
	}
	replaced := false
	for i := range s.cfg.Tasks {
		if s.cfg.Tasks[i].ID == t.ID {
			s.cfg.Tasks[i] = t
			replaced = true
			break
		}
	}
	if !replaced {
		s.cfg.Tasks = append(s.cfg.Tasks, t)
	}
	if err := s.persist(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// UpdateTask replaces an existing task; ErrNotFound when the id is unknown.
func (s *Store) UpdateTask(t domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.cfg.Tasks {
		if s.cfg.Tasks[i].ID == t.ID {
			s.cfg.Tasks[i] = t
			return s.persist()
		}
	}
	return ErrNotFound
}

// DeleteTask removes a task. Returns ErrNotFound for unknown ids; delete
// callers usually treat that as success.
func (s *Store) DeleteTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.cfg.Tasks[:0]
	found := false
	for _, t := range s.cfg.Tasks {
		if t.ID == id {
			found = true
			continue
		}
		kept = append(kept, t)
	}
	s.cfg.Tasks = kept
	if !found {
		return ErrNotFound
	}
	return s.persist()
}

// UpdateGlobal replaces the global settings block. Saving never fails on
// incomplete notification settings; those are validated at dispatch time.
func (s *Store) UpdateGlobal(g domain.GlobalSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Global = g
	return s.persist()
}

// RecordFired stamps the task's last-fired date. Unknown ids are ignored:
// the task may have been deleted while its execution was in flight.
func (s *Store) RecordFired(id, date string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.cfg.Tasks {
		if s.cfg.Tasks[i].ID == id {
			s.cfg.Tasks[i].LastFiredDate = date
			return s.persist()
		}
	}
	return nil
}

// SetCredential writes a freshly obtained login credential into a task.
func (s *Store) SetCredential(id, cookie, classID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.cfg.Tasks {
		if s.cfg.Tasks[i].ID == id {
			s.cfg.Tasks[i].Cookie = cookie
			if classID != "" {
				s.cfg.Tasks[i].ClassID = classID
			}
			return s.persist()
		}
	}
	return ErrNotFound
}

// persist writes the document atomically: marshal to a temp file in the same
// directory, then rename over the target so a concurrent reader of the file
// never observes a partial write. Caller holds the mutex.
func (s *Store) persist() error {
	data, err := json.MarshalIndent(s.cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

func copyConfig(cfg domain.AppConfig) domain.AppConfig {
	out := cfg
	out.Tasks = append([]domain.Task(nil), cfg.Tasks...)
	return out
}
