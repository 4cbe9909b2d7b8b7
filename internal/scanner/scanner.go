// Package scanner drives the time-based session checks on a fixed cadence.
package scanner

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/readyup/internal/domain"
	"github.com/ashureev/readyup/internal/service"
)

const (
	// DefaultCheckInterval is the cadence for reminder, lateness, and
	// expiry sweeps. The reminder thresholds assume minute granularity.
	DefaultCheckInterval = time.Minute

	// DefaultArchiveInterval is the cadence for the idle-session check.
	DefaultArchiveInterval = 15 * time.Minute
)

// Notifier receives the signals produced by a sweep.
type Notifier interface {
	Reminder(threshold string, eta *domain.UserETA)
	UserLate(eta *domain.UserETA)
	ETAExpired(eta *domain.UserETA)
	SessionArchived()
}

// Scanner wakes up periodically and runs the service's time-driven
// checks, forwarding anything noteworthy to the notifier.
type Scanner struct {
	svc      *service.Service
	notifier Notifier

	checkInterval   time.Duration
	archiveInterval time.Duration
}

// New returns a Scanner on the default cadence.
func New(svc *service.Service, notifier Notifier) *Scanner {
	return &Scanner{
		svc:             svc,
		notifier:        notifier,
		checkInterval:   DefaultCheckInterval,
		archiveInterval: DefaultArchiveInterval,
	}
}

// Start runs the sweep loops in background goroutines until ctx is
// canceled.
func (s *Scanner) Start(ctx context.Context) {
	go s.runChecks(ctx)
	go s.runArchival(ctx)
}

func (s *Scanner) runChecks(ctx context.Context) {
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()
	slog.Info("eta check loop started", "interval", s.checkInterval)

	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-ctx.Done():
			slog.Info("eta check loop shutting down", "reason", ctx.Err())
			return
		}
	}
}

func (s *Scanner) runArchival(ctx context.Context) {
	ticker := time.NewTicker(s.archiveInterval)
	defer ticker.Stop()
	slog.Info("session archival loop started", "interval", s.archiveInterval)

	for {
		select {
		case <-ticker.C:
			if s.svc.ArchiveSessionIfInactive(ctx) && s.notifier != nil {
				s.notifier.SessionArchived()
			}
		case <-ctx.Done():
			slog.Info("session archival loop shutting down", "reason", ctx.Err())
			return
		}
	}
}

// Sweep runs one round of reminder, lateness, and expiry checks. The
// checks run even with no notifier attached; only delivery is skipped.
func (s *Scanner) Sweep(ctx context.Context) {
	reminders := s.svc.CheckForReminders(ctx)
	late := s.svc.CheckForLateUsers(ctx)
	expired := s.svc.CheckAndExpireETAs(ctx)

	if s.notifier == nil {
		return
	}
	for _, r := range reminders {
		s.notifier.Reminder(r.Threshold, r.ETA)
	}
	for _, eta := range late {
		s.notifier.UserLate(eta)
	}
	for _, eta := range expired {
		s.notifier.ETAExpired(eta)
	}
}
