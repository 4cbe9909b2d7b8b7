// Package domain contains core domain types for the ReadyUp application.
// It is independent of the transport and persistence layers.
package domain

import (
	"slices"
	"time"
)

// Status is the finite state of a user's ETA within a session.
// The machine is strictly one-way: Expected is the only initial state and
// Arrived/Expired are terminal. There is no transition back to Expected;
// the only escape is declaring a brand-new ETA.
type Status string

const (
	// StatusExpected means the user has declared an ETA and has not arrived yet.
	StatusExpected Status = "Expected"
	// StatusArrived means the user arrived before their ETA expired.
	StatusArrived Status = "Arrived"
	// StatusExpired means the ETA passed the expiration threshold without arrival.
	StatusExpired Status = "Expired"
)

// Reminder threshold names. Each threshold fires at most once per ETA; the
// delivered set is persisted on the UserETA so exactly-once survives process
// restarts and poll jitter.
const (
	ReminderUpcoming = "upcoming"
	ReminderLate     = "late"
	ReminderLate15   = "late_15"
	ReminderLate30   = "late_30"
)

// ReminderThreshold is a named notification point relative to the deadline.
// A negative offset fires before the deadline.
type ReminderThreshold struct {
	Name   string
	Offset time.Duration
}

// NudgeThresholds are the courtesy reminders delivered around a deadline,
// in firing order. The ReminderLate threshold is tracked separately because
// it is the late-detection signal, not a courtesy nudge.
var NudgeThresholds = []ReminderThreshold{
	{Name: ReminderUpcoming, Offset: -time.Minute},
	{Name: ReminderLate15, Offset: 15 * time.Minute},
	{Name: ReminderLate30, Offset: 30 * time.Minute},
}

// UserETA is a single user's arrival record for the active session.
type UserETA struct {
	UserID            int64      `json:"user_id"`
	UserName          string     `json:"user_name"`
	CommandTimestamp  time.Time  `json:"command_timestamp"`
	ArrivalTimestamp  time.Time  `json:"arrival_timestamp"`
	Status            Status     `json:"status"`
	ActualArrivalTime *time.Time `json:"actual_arrival_time"`
	RemindersSent     []string   `json:"reminders_sent,omitempty"`
}

// IsLate reports whether the user arrived after their stated ETA.
// Only meaningful for arrived users; false in every other state.
func (e *UserETA) IsLate() bool {
	if e.Status != StatusArrived || e.ActualArrivalTime == nil {
		return false
	}
	return e.ActualArrivalTime.After(e.ArrivalTimestamp)
}

// LatenessSeconds returns how many whole seconds late the user was,
// or 0 if they were on time.
func (e *UserETA) LatenessSeconds() int {
	if !e.IsLate() {
		return 0
	}
	lateness := int(e.ActualArrivalTime.Sub(e.ArrivalTimestamp).Seconds())
	if lateness < 0 {
		return 0
	}
	return lateness
}

// ShouldExpire reports whether this ETA has passed the expiration threshold.
// Monotonic in now: once true it stays true for any later instant.
func (e *UserETA) ShouldExpire(now time.Time, expiration time.Duration) bool {
	if e.Status != StatusExpected {
		return false
	}
	return now.After(e.ArrivalTimestamp.Add(expiration))
}

// ReminderDue reports whether the named threshold has been reached and has
// not been delivered yet.
func (e *UserETA) ReminderDue(name string, offset time.Duration, now time.Time) bool {
	if e.Status != StatusExpected || e.ReminderSent(name) {
		return false
	}
	return !now.Before(e.ArrivalTimestamp.Add(offset))
}

// ReminderSent reports whether the named threshold was already delivered.
func (e *UserETA) ReminderSent(name string) bool {
	return slices.Contains(e.RemindersSent, name)
}

// MarkReminderSent records the named threshold as delivered. Idempotent.
func (e *UserETA) MarkReminderSent(name string) {
	if !e.ReminderSent(name) {
		e.RemindersSent = append(e.RemindersSent, name)
	}
}
