// Package monitoring exposes Prometheus metrics for the application.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	etasSet = promauto.NewCounter(prometheus.CounterOpts{
		Name: "readyup_etas_set_total",
		Help: "Total number of ETAs declared.",
	})

	arrivals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "readyup_arrivals_total",
		Help: "Total number of arrivals by outcome.",
	}, []string{"outcome"})

	noShows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "readyup_no_shows_total",
		Help: "Total number of ETAs that expired before arrival.",
	})

	remindersSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "readyup_reminders_sent_total",
		Help: "Total reminder notifications sent by threshold.",
	}, []string{"threshold"})

	sessionsArchived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "readyup_sessions_archived_total",
		Help: "Total number of idle sessions cleared.",
	})

	sessionUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "readyup_session_users",
		Help: "Number of users currently expected in the active session.",
	})
)

// RecordETASet counts a declared ETA.
func RecordETASet() {
	etasSet.Inc()
}

// RecordArrival counts an arrival as on time or late.
func RecordArrival(late bool) {
	outcome := "on_time"
	if late {
		outcome = "late"
	}
	arrivals.WithLabelValues(outcome).Inc()
}

// RecordNoShow counts an expired ETA.
func RecordNoShow() {
	noShows.Inc()
}

// RecordReminder counts a reminder sent for the given threshold.
func RecordReminder(threshold string) {
	remindersSent.WithLabelValues(threshold).Inc()
}

// RecordSessionArchived counts a cleared idle session.
func RecordSessionArchived() {
	sessionsArchived.Inc()
}

// SetSessionUsers tracks the size of the active session's waiting set.
func SetSessionUsers(n int) {
	sessionUsers.Set(float64(n))
}
