// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"fmt"

	"github.com/ashureev/readyup/internal/domain"
)

// SessionStore persists the single active session document.
// A nil session with a nil error means no session is currently stored.
type SessionStore interface {
	// GetSession loads the active session, or nil if none exists.
	GetSession(ctx context.Context) (*domain.Session, error)

	// SaveSession writes the complete session document, replacing any
	// previous one.
	SaveSession(ctx context.Context, session *domain.Session) error

	// ClearSession removes the active session. Clearing an absent
	// session is not an error.
	ClearSession(ctx context.Context) error
}

// StatsStore persists long-term punctuality statistics keyed by user ID.
type StatsStore interface {
	// GetAllStats loads the stats for every known user. The returned
	// map is never nil.
	GetAllStats(ctx context.Context) (map[int64]*domain.UserStats, error)

	// GetStatsForUser loads the stats for a single user, or nil if the
	// user has no recorded history.
	GetStatsForUser(ctx context.Context, userID int64) (*domain.UserStats, error)

	// SaveStats writes the complete stats collection, replacing any
	// previous one.
	SaveStats(ctx context.Context, stats map[int64]*domain.UserStats) error
}

// Engine is a concrete storage backend serving both ports.
type Engine interface {
	SessionStore
	StatsStore

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the underlying resources.
	Close() error
}

// validateSession checks a decoded session document for structural damage.
// Documents that fail validation are treated as absent by the engines.
func validateSession(s *domain.Session) error {
	if s.StartTime.IsZero() {
		return fmt.Errorf("session has no start time")
	}
	if s.LastActivityTime.IsZero() {
		return fmt.Errorf("session has no last activity time")
	}
	for id, eta := range s.Users {
		if eta == nil {
			return fmt.Errorf("user %d: empty entry", id)
		}
		if err := validateETA(eta); err != nil {
			return fmt.Errorf("user %d: %w", id, err)
		}
	}
	return nil
}

func validateETA(eta *domain.UserETA) error {
	switch eta.Status {
	case domain.StatusExpected, domain.StatusArrived, domain.StatusExpired:
	default:
		return fmt.Errorf("unknown status %q", eta.Status)
	}
	if eta.CommandTimestamp.IsZero() || eta.ArrivalTimestamp.IsZero() {
		return fmt.Errorf("missing timestamps")
	}
	if eta.Status == domain.StatusArrived && eta.ActualArrivalTime == nil {
		return fmt.Errorf("arrived without an arrival time")
	}
	return nil
}
