package domain

import (
	"fmt"
	"sort"
	"time"
)

// TimeOfDay is a wall-clock arrival target in the configured timezone.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ETASpec carries the user's requested arrival time. Exactly one of
// Minutes and TimeOfDay must be set.
type ETASpec struct {
	Minutes   *int
	TimeOfDay *TimeOfDay
}

func (s ETASpec) validate() error {
	if (s.Minutes == nil) == (s.TimeOfDay == nil) {
		return fmt.Errorf("exactly one of minutes and time of day must be given: %w", ErrInvalidInput)
	}
	if s.Minutes != nil && *s.Minutes < 0 {
		return fmt.Errorf("minutes must not be negative: %w", ErrInvalidInput)
	}
	if t := s.TimeOfDay; t != nil {
		if t.Hour < 0 || t.Hour > 23 || t.Minute < 0 || t.Minute > 59 {
			return fmt.Errorf("time of day %02d:%02d out of range: %w", t.Hour, t.Minute, ErrInvalidInput)
		}
	}
	return nil
}

// Session is the single live coordination window. It holds every user we are
// still waiting for: once a user arrives or their ETA expires, the record is
// folded into stats and removed, so Users contains only Expected entries
// between operations.
type Session struct {
	Users            map[int64]*UserETA `json:"users"`
	StartTime        time.Time          `json:"start_time"`
	LastActivityTime time.Time          `json:"last_activity_time"`
}

// NewSession creates an empty session starting at now.
func NewSession(now time.Time) *Session {
	return &Session{
		Users:            make(map[int64]*UserETA),
		StartTime:        now,
		LastActivityTime: now,
	}
}

func (s *Session) touch(now time.Time) {
	s.LastActivityTime = now
}

// SetETA sets or replaces the user's ETA for this session. Re-declaring an
// ETA always resets the record to Expected, discarding any in-progress state
// and delivered reminders for that user.
//
// A time of day earlier than or equal to now is interpreted as the next
// occurrence of that time tomorrow.
func (s *Session) SetETA(userID int64, userName string, spec ETASpec, now time.Time) (*UserETA, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}

	var arrival time.Time
	if spec.Minutes != nil {
		arrival = now.Add(time.Duration(*spec.Minutes) * time.Minute)
	} else {
		t := spec.TimeOfDay
		arrival = time.Date(now.Year(), now.Month(), now.Day(), t.Hour, t.Minute, 0, 0, now.Location())
		if !arrival.After(now) {
			arrival = arrival.AddDate(0, 0, 1)
		}
	}

	eta := &UserETA{
		UserID:           userID,
		UserName:         userName,
		CommandTimestamp: now,
		ArrivalTimestamp: arrival,
		Status:           StatusExpected,
	}
	s.Users[userID] = eta
	s.touch(now)
	return eta, nil
}

// MarkArrived transitions the user's ETA to Arrived and stamps the actual
// arrival time. This is the single entry point for the arrival action: a user
// can only arrive while Expected, which prevents double-counting and keeps a
// terminal status terminal.
func (s *Session) MarkArrived(userID int64, now time.Time) (*UserETA, error) {
	eta, ok := s.Users[userID]
	if !ok {
		return nil, fmt.Errorf("user %d has no eta in the session: %w", userID, ErrNotFound)
	}
	if eta.Status != StatusExpected {
		return nil, fmt.Errorf("user %d cannot arrive with status %q: %w", userID, eta.Status, ErrInvalidState)
	}

	arrivedAt := now
	eta.Status = StatusArrived
	eta.ActualArrivalTime = &arrivedAt
	s.touch(now)
	return eta, nil
}

// ClearETA removes the user's outstanding ETA without recording an outcome.
func (s *Session) ClearETA(userID int64, now time.Time) error {
	if _, ok := s.Users[userID]; !ok {
		return fmt.Errorf("user %d has no eta in the session: %w", userID, ErrNotFound)
	}
	delete(s.Users, userID)
	s.touch(now)
	return nil
}

// IsInactive reports whether the session has seen no activity for longer
// than the timeout.
func (s *Session) IsInactive(now time.Time, timeout time.Duration) bool {
	return now.After(s.LastActivityTime.Add(timeout))
}

// SortedUsers returns the session's users ordered by deadline, then user ID.
// Map iteration order is never used for display.
func (s *Session) SortedUsers() []*UserETA {
	users := make([]*UserETA, 0, len(s.Users))
	for _, eta := range s.Users {
		users = append(users, eta)
	}
	sort.Slice(users, func(i, j int) bool {
		if !users[i].ArrivalTimestamp.Equal(users[j].ArrivalTimestamp) {
			return users[i].ArrivalTimestamp.Before(users[j].ArrivalTimestamp)
		}
		return users[i].UserID < users[j].UserID
	})
	return users
}
