package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashureev/readyup/internal/domain"
	"github.com/ashureev/readyup/internal/shared"
)

const (
	conflictRetries   = 3
	conflictBaseDelay = 50 * time.Millisecond
)

// withConflictRetry runs fn, retrying with exponential backoff when SQLite
// reports a busy or locked conflict.
func withConflictRetry(op string, fn func() error) error {
	var err error
	for i := 0; i < conflictRetries; i++ {
		err = fn()
		if err == nil || !shared.IsSQLiteConflictError(err) {
			return err
		}
		if i < conflictRetries-1 {
			delay := conflictBaseDelay * time.Duration(1<<i)
			slog.Debug("Database locked, retrying", "op", op, "attempt", i+1, "delay", delay)
			time.Sleep(delay)
		}
	}
	return err
}

// SQLiteStore implements both storage ports using SQLite.
// All timestamps are stored as Unix milliseconds.
type SQLiteStore struct {
	db        *sql.DB
	sessionMu sync.Mutex // Mutex for multi-statement session writes to prevent SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed store.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS active_session (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		start_time INTEGER NOT NULL,
		last_activity_time INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS session_users (
		user_id INTEGER PRIMARY KEY,
		user_name TEXT NOT NULL,
		command_timestamp INTEGER NOT NULL,
		arrival_timestamp INTEGER NOT NULL,
		status TEXT NOT NULL,
		actual_arrival_time INTEGER,
		reminders_sent TEXT NOT NULL DEFAULT '[]'
	);

	CREATE TABLE IF NOT EXISTS user_stats (
		user_id INTEGER PRIMARY KEY,
		user_name TEXT NOT NULL,
		total_sessions INTEGER NOT NULL DEFAULT 0,
		on_time_arrivals INTEGER NOT NULL DEFAULT 0,
		total_lateness_seconds INTEGER NOT NULL DEFAULT 0,
		late_arrivals INTEGER NOT NULL DEFAULT 0,
		no_shows INTEGER NOT NULL DEFAULT 0
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetSession loads the active session, or nil if none exists. Rows that
// fail validation are logged and the session is treated as absent.
func (s *SQLiteStore) GetSession(ctx context.Context) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT start_time, last_activity_time FROM active_session WHERE id = 1`)

	var startMs, activityMs int64
	err := row.Scan(&startMs, &activityMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	session := &domain.Session{
		Users:            make(map[int64]*domain.UserETA),
		StartTime:        time.UnixMilli(startMs),
		LastActivityTime: time.UnixMilli(activityMs),
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, user_name, command_timestamp, arrival_timestamp,
		        status, actual_arrival_time, reminders_sent
		 FROM session_users`)
	if err != nil {
		return nil, fmt.Errorf("query session users: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session user rows", "error", closeErr)
		}
	}()

	for rows.Next() {
		var eta domain.UserETA
		var commandMs, arrivalMs int64
		var actualMs sql.NullInt64
		var remindersJSON string

		if err := rows.Scan(
			&eta.UserID, &eta.UserName, &commandMs, &arrivalMs,
			&eta.Status, &actualMs, &remindersJSON,
		); err != nil {
			return nil, fmt.Errorf("scan session user row: %w", err)
		}

		eta.CommandTimestamp = time.UnixMilli(commandMs)
		eta.ArrivalTimestamp = time.UnixMilli(arrivalMs)
		if actualMs.Valid {
			ts := time.UnixMilli(actualMs.Int64)
			eta.ActualArrivalTime = &ts
		}
		if err := json.Unmarshal([]byte(remindersJSON), &eta.RemindersSent); err != nil {
			slog.Warn("stored session is corrupted, treating as absent",
				"user_id", eta.UserID, "error", err)
			return nil, nil
		}

		session.Users[eta.UserID] = &eta
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session users: %w", err)
	}

	if err := validateSession(session); err != nil {
		slog.Warn("stored session failed validation, treating as absent", "error", err)
		return nil, nil
	}
	return session, nil
}

// SaveSession replaces the stored session document in one transaction.
func (s *SQLiteStore) SaveSession(ctx context.Context, session *domain.Session) error {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	return withConflictRetry("save session", func() error {
		return s.saveSessionTx(ctx, session)
	})
}

func (s *SQLiteStore) saveSessionTx(ctx context.Context, session *domain.Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin session save: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO active_session (id, start_time, last_activity_time)
		 VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			start_time = excluded.start_time,
			last_activity_time = excluded.last_activity_time`,
		session.StartTime.UnixMilli(), session.LastActivityTime.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_users`); err != nil {
		return fmt.Errorf("clear session users: %w", err)
	}

	for _, eta := range session.Users {
		var actual interface{}
		if eta.ActualArrivalTime != nil {
			actual = eta.ActualArrivalTime.UnixMilli()
		}
		reminders, err := json.Marshal(eta.RemindersSent)
		if err != nil {
			return fmt.Errorf("encode reminders for user %d: %w", eta.UserID, err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO session_users (
				user_id, user_name, command_timestamp, arrival_timestamp,
				status, actual_arrival_time, reminders_sent
			) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			eta.UserID, eta.UserName,
			eta.CommandTimestamp.UnixMilli(), eta.ArrivalTimestamp.UnixMilli(),
			string(eta.Status), actual, string(reminders),
		)
		if err != nil {
			return fmt.Errorf("insert session user %d: %w", eta.UserID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit session save: %w", err)
	}
	return nil
}

// ClearSession removes the stored session, if any.
func (s *SQLiteStore) ClearSession(ctx context.Context) error {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	return withConflictRetry("clear session", func() error {
		return s.clearSessionTx(ctx)
	})
}

func (s *SQLiteStore) clearSessionTx(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin session clear: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_users`); err != nil {
		return fmt.Errorf("delete session users: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM active_session`); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit session clear: %w", err)
	}
	return nil
}

// GetAllStats loads the stats for every known user.
func (s *SQLiteStore) GetAllStats(ctx context.Context) (map[int64]*domain.UserStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, user_name, total_sessions, on_time_arrivals,
		        total_lateness_seconds, late_arrivals, no_shows
		 FROM user_stats`)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close stats rows", "error", closeErr)
		}
	}()

	stats := make(map[int64]*domain.UserStats)
	for rows.Next() {
		var st domain.UserStats
		if err := rows.Scan(
			&st.UserID, &st.UserName, &st.TotalSessions, &st.OnTimeArrivals,
			&st.TotalLatenessSeconds, &st.LateArrivals, &st.NoShows,
		); err != nil {
			return nil, fmt.Errorf("scan stats row: %w", err)
		}
		stats[st.UserID] = &st
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stats: %w", err)
	}

	return stats, nil
}

// GetStatsForUser loads the stats for a single user, or nil if the user
// has no recorded history.
func (s *SQLiteStore) GetStatsForUser(ctx context.Context, userID int64) (*domain.UserStats, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, user_name, total_sessions, on_time_arrivals,
		        total_lateness_seconds, late_arrivals, no_shows
		 FROM user_stats WHERE user_id = ?`, userID)

	var st domain.UserStats
	err := row.Scan(
		&st.UserID, &st.UserName, &st.TotalSessions, &st.OnTimeArrivals,
		&st.TotalLatenessSeconds, &st.LateArrivals, &st.NoShows,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan stats row: %w", err)
	}
	return &st, nil
}

// SaveStats replaces the stored stats collection in one transaction.
func (s *SQLiteStore) SaveStats(ctx context.Context, stats map[int64]*domain.UserStats) error {
	return withConflictRetry("save stats", func() error {
		return s.saveStatsTx(ctx, stats)
	})
}

func (s *SQLiteStore) saveStatsTx(ctx context.Context, stats map[int64]*domain.UserStats) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin stats save: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM user_stats`); err != nil {
		return fmt.Errorf("clear stats: %w", err)
	}

	for _, st := range stats {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO user_stats (
				user_id, user_name, total_sessions, on_time_arrivals,
				total_lateness_seconds, late_arrivals, no_shows
			) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			st.UserID, st.UserName, st.TotalSessions, st.OnTimeArrivals,
			st.TotalLatenessSeconds, st.LateArrivals, st.NoShows,
		)
		if err != nil {
			return fmt.Errorf("insert stats for user %d: %w", st.UserID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit stats save: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
