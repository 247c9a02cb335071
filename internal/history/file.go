package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

// FileStore keeps every user's history in a single JSON object on disk.
// Each mutation rewrites the whole file. The mutex serialises
// read-modify-write cycles inside one process; separate processes sharing
// the file are still last-write-wins.
type FileStore struct {
	path   string
	limit  int
	logger zerolog.Logger
	mu     sync.Mutex
}

func NewFileStore(path string, limit int, logger zerolog.Logger) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("history file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
			return nil, fmt.Errorf("init history file: %w", err)
		}
	}
	return &FileStore{path: path, limit: normalizeLimit(limit), logger: logger}, nil
}

var _ Store = (*FileStore)(nil)

func (s *FileStore) Read(_ context.Context, user string) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	db := s.load()
	turns := db[user]
	if turns == nil {
		return []Turn{}
	}
	return turns
}

func (s *FileStore) Clear(_ context.Context, user string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	db := s.load()
	db[user] = []Turn{}
	return s.save(db)
}

func (s *FileStore) AppendAndTruncate(_ context.Context, user string, turns ...Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	db := s.load()
	merged := append(db[user], turns...)
	db[user] = Truncate(merged, s.limit)
	return s.save(db)
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) load() map[string][]Turn {
	db := map[string][]Turn{}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn().Err(err).Str("path", s.path).Msg("history file unreadable, using empty history")
		}
		return db
	}
	if err := json.Unmarshal(raw, &db); err != nil || db == nil {
		s.logger.Warn().Err(err).Str("path", s.path).Msg("history file corrupt, using empty history")
		return map[string][]Turn{}
	}
	return db
}

// save writes to a sibling temp file and renames it over the target so a
// crash mid-write leaves the previous file intact.
func (s *FileStore) save(db map[string][]Turn) error {
	b, err := json.MarshalIndent(db, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".history-*.json")
	if err != nil {
		return fmt.Errorf("create temp history file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write history: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close history: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace history file: %w", err)
	}
	return nil
}
