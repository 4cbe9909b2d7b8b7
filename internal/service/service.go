// Package service implements the session and statistics orchestration core.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/readyup/internal/clock"
	"github.com/ashureev/readyup/internal/domain"
	"github.com/ashureev/readyup/internal/monitoring"
	"github.com/ashureev/readyup/internal/store"
)

// Reminder pairs a due notification threshold with the user it fires for.
type Reminder struct {
	Threshold string
	ETA       *domain.UserETA
}

// Service coordinates the session state machine with the storage ports.
// Every public method treats load, mutate, persist as one unit under a
// single mutex, so ticker checks and user commands never interleave.
//
// Storage failures never propagate out of the service: failed reads
// degrade to "no session / no stats" and failed writes are logged, so a
// storage outage costs updates rather than failing user commands.
type Service struct {
	mu       sync.Mutex
	sessions store.SessionStore
	stats    store.StatsStore
	clock    clock.Clock

	etaExpiration     time.Duration
	inactivityTimeout time.Duration
}

// New returns a Service using the given stores and clock.
func New(sessions store.SessionStore, stats store.StatsStore, clk clock.Clock, etaExpiration, inactivityTimeout time.Duration) *Service {
	return &Service{
		sessions:          sessions,
		stats:             stats,
		clock:             clk,
		etaExpiration:     etaExpiration,
		inactivityTimeout: inactivityTimeout,
	}
}

// RecordETA declares or replaces a user's ETA, creating the session on
// first use. Exactly one of spec.Minutes and spec.TimeOfDay must be set.
func (s *Service) RecordETA(ctx context.Context, userID int64, userName string, spec domain.ETASpec) (*domain.UserETA, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	session := s.loadSession(ctx)
	if session == nil {
		session = domain.NewSession(now)
		slog.Info("new session started", "start_time", now)
	}

	eta, err := session.SetETA(userID, userName, spec, now)
	if err != nil {
		return nil, err
	}

	s.saveSession(ctx, session)
	monitoring.RecordETASet()
	monitoring.SetSessionUsers(len(session.Users))
	slog.Info("eta recorded",
		"user_id", userID, "user_name", userName, "deadline", eta.ArrivalTimestamp)
	return eta, nil
}

// MarkAsArrived transitions a user to Arrived, folds the outcome into
// their stats, and removes them from the session's waiting set. The
// display name refreshes on every recorded outcome.
func (s *Service) MarkAsArrived(ctx context.Context, userID int64, userName string) (*domain.UserETA, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	session := s.loadSession(ctx)
	if session == nil {
		return nil, fmt.Errorf("no active session: %w", domain.ErrNotFound)
	}

	eta, err := session.MarkArrived(userID, now)
	if err != nil {
		return nil, err
	}
	if userName == "" {
		userName = eta.UserName
	}

	all := s.loadStats(ctx)
	st := all[userID]
	if st == nil {
		st = domain.NewUserStats(userID, userName)
		all[userID] = st
	}
	st.UserName = userName
	st.RecordArrival(eta)
	s.saveStats(ctx, all)

	delete(session.Users, userID)
	s.saveSession(ctx, session)

	monitoring.RecordArrival(eta.IsLate())
	monitoring.SetSessionUsers(len(session.Users))
	slog.Info("user arrived",
		"user_id", userID, "user_name", userName,
		"late", eta.IsLate(), "lateness_seconds", eta.LatenessSeconds())
	return eta, nil
}

// ClearETA withdraws a user's declared ETA without recording an outcome.
func (s *Service) ClearETA(ctx context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	session := s.loadSession(ctx)
	if session == nil {
		return fmt.Errorf("no active session: %w", domain.ErrNotFound)
	}

	if err := session.ClearETA(userID, now); err != nil {
		return err
	}

	s.saveSession(ctx, session)
	monitoring.SetSessionUsers(len(session.Users))
	slog.Info("eta cleared", "user_id", userID)
	return nil
}

// CheckForLateUsers flags users whose deadline has passed and returns
// each exactly once; the marker is persisted with the session so poll
// jitter and restarts can neither drop nor repeat the signal.
func (s *Service) CheckForLateUsers(ctx context.Context) []*domain.UserETA {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	session := s.loadSession(ctx)
	if session == nil {
		return nil
	}

	var late []*domain.UserETA
	for _, eta := range session.SortedUsers() {
		if eta.ReminderDue(domain.ReminderLate, 0, now) {
			eta.MarkReminderSent(domain.ReminderLate)
			monitoring.RecordReminder(domain.ReminderLate)
			late = append(late, eta)
		}
	}
	if len(late) == 0 {
		return nil
	}

	s.saveSession(ctx, session)
	return late
}

// CheckForReminders returns the most recently crossed unsent threshold
// for each expected user and marks everything due as sent, so a user
// whose deadline slid past several thresholds while the process was
// down still gets a single nudge.
func (s *Service) CheckForReminders(ctx context.Context) []Reminder {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	session := s.loadSession(ctx)
	if session == nil {
		return nil
	}

	var due []Reminder
	changed := false
	for _, eta := range session.SortedUsers() {
		var latest string
		for _, th := range domain.NudgeThresholds {
			if eta.ReminderDue(th.Name, th.Offset, now) {
				eta.MarkReminderSent(th.Name)
				latest = th.Name
				changed = true
			}
		}
		if latest != "" {
			monitoring.RecordReminder(latest)
			due = append(due, Reminder{Threshold: latest, ETA: eta})
		}
	}
	if changed {
		s.saveSession(ctx, session)
	}
	return due
}

// CheckAndExpireETAs expires every overdue ETA, records the no-shows,
// and removes the users from the session. Each overdue user is expired
// exactly once; an immediate second call returns nothing.
func (s *Service) CheckAndExpireETAs(ctx context.Context) []*domain.UserETA {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	session := s.loadSession(ctx)
	if session == nil {
		return nil
	}

	var expired []*domain.UserETA
	for _, eta := range session.SortedUsers() {
		if eta.ShouldExpire(now, s.etaExpiration) {
			expired = append(expired, eta)
		}
	}
	if len(expired) == 0 {
		return nil
	}

	all := s.loadStats(ctx)
	for _, eta := range expired {
		eta.Status = domain.StatusExpired
		st := all[eta.UserID]
		if st == nil {
			st = domain.NewUserStats(eta.UserID, eta.UserName)
			all[eta.UserID] = st
		}
		st.UserName = eta.UserName
		st.RecordNoShow()
		delete(session.Users, eta.UserID)
		monitoring.RecordNoShow()
		slog.Info("eta expired",
			"user_id", eta.UserID, "user_name", eta.UserName, "deadline", eta.ArrivalTimestamp)
	}

	s.saveStats(ctx, all)
	s.saveSession(ctx, session)
	monitoring.SetSessionUsers(len(session.Users))
	return expired
}

// ArchiveSessionIfInactive clears the session from storage once it is
// empty and idle past the configured timeout, reporting whether it did.
// A session still holding expected users is never archived.
func (s *Service) ArchiveSessionIfInactive(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	session := s.loadSession(ctx)
	if session == nil {
		return false
	}
	if len(session.Users) > 0 || !session.IsInactive(now, s.inactivityTimeout) {
		return false
	}

	if err := s.sessions.ClearSession(ctx); err != nil {
		slog.Error("failed to clear idle session", "error", err)
		return false
	}

	monitoring.RecordSessionArchived()
	monitoring.SetSessionUsers(0)
	slog.Info("idle session archived",
		"start_time", session.StartTime, "last_activity", session.LastActivityTime)
	return true
}

// GetSessionStatus returns the active session, or nil when none exists.
func (s *Service) GetSessionStatus(ctx context.Context) *domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadSession(ctx)
}

// GetUserStats returns a user's stats, or nil when none are recorded.
func (s *Service) GetUserStats(ctx context.Context, userID int64) *domain.UserStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.stats.GetStatsForUser(ctx, userID)
	if err != nil {
		slog.Error("failed to load user stats", "user_id", userID, "error", err)
		return nil
	}
	return st
}

// GetLeaderboard returns every user's stats ranked best first: fewest
// no-shows, then highest on-time percentage, then lowest average
// lateness. User ID breaks any remaining tie so the order is stable.
func (s *Service) GetLeaderboard(ctx context.Context) []*domain.UserStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.loadStats(ctx)
	board := make([]*domain.UserStats, 0, len(all))
	for _, st := range all {
		board = append(board, st)
	}
	sort.Slice(board, func(i, j int) bool {
		a, b := board[i], board[j]
		if a.NoShows != b.NoShows {
			return a.NoShows < b.NoShows
		}
		if ap, bp := a.OnTimePercentage(), b.OnTimePercentage(); ap != bp {
			return ap > bp
		}
		if al, bl := a.AverageLatenessSeconds(), b.AverageLatenessSeconds(); al != bl {
			return al < bl
		}
		return a.UserID < b.UserID
	})
	return board
}

func (s *Service) loadSession(ctx context.Context) *domain.Session {
	session, err := s.sessions.GetSession(ctx)
	if err != nil {
		slog.Error("failed to load session, treating as absent", "error", err)
		return nil
	}
	return session
}

func (s *Service) saveSession(ctx context.Context, session *domain.Session) {
	if err := s.sessions.SaveSession(ctx, session); err != nil {
		slog.Error("failed to save session", "error", err)
	}
}

func (s *Service) loadStats(ctx context.Context) map[int64]*domain.UserStats {
	stats, err := s.stats.GetAllStats(ctx)
	if err != nil {
		slog.Error("failed to load stats, treating as empty", "error", err)
		return make(map[int64]*domain.UserStats)
	}
	if stats == nil {
		return make(map[int64]*domain.UserStats)
	}
	return stats
}

func (s *Service) saveStats(ctx context.Context, stats map[int64]*domain.UserStats) {
	if err := s.stats.SaveStats(ctx, stats); err != nil {
		slog.Error("failed to save stats", "error", err)
	}
}
