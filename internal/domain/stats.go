package domain

// UserStats accumulates long-term punctuality statistics for one user across
// sessions. Only RecordArrival and RecordNoShow mutate the counters, each
// called exactly once per completed ETA, which keeps the invariant
// TotalSessions == OnTimeArrivals + LateArrivals + NoShows.
type UserStats struct {
	UserID               int64  `json:"user_id"`
	UserName             string `json:"user_name"`
	TotalSessions        int    `json:"total_sessions"`
	OnTimeArrivals       int    `json:"on_time_arrivals"`
	TotalLatenessSeconds int    `json:"total_lateness_seconds"`
	LateArrivals         int    `json:"late_arrivals"`
	NoShows              int    `json:"no_shows"`
}

// NewUserStats creates an empty stats record for a user.
func NewUserStats(userID int64, userName string) *UserStats {
	return &UserStats{UserID: userID, UserName: userName}
}

// RecordArrival folds a completed arrival into the counters. ETAs that are
// not in the Arrived state are ignored.
func (s *UserStats) RecordArrival(eta *UserETA) {
	if eta.Status != StatusArrived {
		return
	}

	s.TotalSessions++
	if eta.IsLate() {
		s.LateArrivals++
		s.TotalLatenessSeconds += eta.LatenessSeconds()
	} else {
		s.OnTimeArrivals++
	}
}

// RecordNoShow folds an expired ETA into the counters.
func (s *UserStats) RecordNoShow() {
	s.TotalSessions++
	s.NoShows++
}

// OnTimePercentage returns the share of attended sessions the user was on
// time for, as a percentage. Sessions the user no-showed do not count as
// attended. Returns 0 when the user never attended.
func (s *UserStats) OnTimePercentage() float64 {
	attended := s.TotalSessions - s.NoShows
	if attended == 0 {
		return 0
	}
	return float64(s.OnTimeArrivals) / float64(attended) * 100
}

// AverageLatenessSeconds returns the mean lateness across the sessions the
// user was late for, in whole seconds. Returns 0 when the user was never late.
func (s *UserStats) AverageLatenessSeconds() int {
	if s.LateArrivals == 0 {
		return 0
	}
	return s.TotalLatenessSeconds / s.LateArrivals
}
