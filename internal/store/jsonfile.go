package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/ashureev/readyup/internal/domain"
)

const (
	sessionFileName = "active_session.json"
	statsFileName   = "user_stats.json"
)

// JSONFileStore keeps each document in a JSON file under a data directory.
// Writes go to a uniquely named temp file first and are renamed into place,
// so a crash mid-write never leaves a half-written document behind.
type JSONFileStore struct {
	sessionPath string
	statsPath   string

	sessionMu sync.Mutex
	statsMu   sync.Mutex
}

// NewJSONFile creates the data directory if needed and returns a store
// backed by files inside it.
func NewJSONFile(dataDir string) (*JSONFileStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &JSONFileStore{
		sessionPath: filepath.Join(dataDir, sessionFileName),
		statsPath:   filepath.Join(dataDir, statsFileName),
	}, nil
}

// GetSession loads the active session, or nil if none exists. A document
// that cannot be decoded is logged and treated as absent.
func (s *JSONFileStore) GetSession(ctx context.Context) (*domain.Session, error) {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	data, err := readDocument(s.sessionPath)
	if err != nil {
		return nil, fmt.Errorf("read session file: %w", err)
	}
	if data == nil {
		return nil, nil
	}

	var session domain.Session
	if err := json.Unmarshal(data, &session); err != nil {
		slog.Warn("session file is corrupted, treating as absent", "path", s.sessionPath, "error", err)
		return nil, nil
	}
	if session.Users == nil {
		session.Users = make(map[int64]*domain.UserETA)
	}
	if err := validateSession(&session); err != nil {
		slog.Warn("session file failed validation, treating as absent", "path", s.sessionPath, "error", err)
		return nil, nil
	}
	return &session, nil
}

// SaveSession writes the complete session document atomically.
func (s *JSONFileStore) SaveSession(ctx context.Context, session *domain.Session) error {
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	if err := writeDocument(s.sessionPath, data); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	return nil
}

// ClearSession removes the session file. A missing file is not an error.
func (s *JSONFileStore) ClearSession(ctx context.Context) error {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	if err := os.Remove(s.sessionPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove session file: %w", err)
	}
	return nil
}

// GetAllStats loads the stats for every known user. A document that cannot
// be decoded is logged and treated as empty.
func (s *JSONFileStore) GetAllStats(ctx context.Context) (map[int64]*domain.UserStats, error) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	stats := make(map[int64]*domain.UserStats)

	data, err := readDocument(s.statsPath)
	if err != nil {
		return nil, fmt.Errorf("read stats file: %w", err)
	}
	if data == nil {
		return stats, nil
	}

	if err := json.Unmarshal(data, &stats); err != nil {
		slog.Warn("stats file is corrupted, treating as empty", "path", s.statsPath, "error", err)
		return make(map[int64]*domain.UserStats), nil
	}
	return stats, nil
}

// GetStatsForUser loads the stats for a single user, or nil if the user
// has no recorded history.
func (s *JSONFileStore) GetStatsForUser(ctx context.Context, userID int64) (*domain.UserStats, error) {
	all, err := s.GetAllStats(ctx)
	if err != nil {
		return nil, err
	}
	return all[userID], nil
}

// SaveStats writes the complete stats collection atomically.
func (s *JSONFileStore) SaveStats(ctx context.Context, stats map[int64]*domain.UserStats) error {
	data, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return fmt.Errorf("encode stats: %w", err)
	}

	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	if err := writeDocument(s.statsPath, data); err != nil {
		return fmt.Errorf("write stats file: %w", err)
	}
	return nil
}

// Ping checks that the data directory is still accessible.
func (s *JSONFileStore) Ping(ctx context.Context) error {
	if _, err := os.Stat(filepath.Dir(s.sessionPath)); err != nil {
		return fmt.Errorf("stat data dir: %w", err)
	}
	return nil
}

// Close is a no-op; the store holds no open handles between calls.
func (s *JSONFileStore) Close() error { return nil }

// readDocument returns the file contents, or nil if the file does not
// exist or is empty.
func readDocument(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	return data, nil
}

// writeDocument replaces the file at path with data via a temp file and
// rename, which is atomic on POSIX filesystems.
func writeDocument(path string, data []byte) error {
	tmp := fmt.Sprintf("%s.%s.tmp", path, uuid.NewString())
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
