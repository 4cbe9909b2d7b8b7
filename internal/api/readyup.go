package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/readyup/internal/domain"
	"github.com/ashureev/readyup/internal/notify"
	"github.com/ashureev/readyup/internal/service"
	"github.com/ashureev/readyup/internal/store"
)

// ReadyUpHandler serves the session and stats endpoints.
type ReadyUpHandler struct {
	svc *service.Service
	hub *notify.Hub
}

// NewReadyUpHandler creates the handler. The hub may be nil, in which
// case no events are broadcast.
func NewReadyUpHandler(svc *service.Service, hub *notify.Hub) *ReadyUpHandler {
	return &ReadyUpHandler{svc: svc, hub: hub}
}

// RegisterRoutes registers the session and stats routes.
func (h *ReadyUpHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/eta", h.RecordETA)
		r.Post("/arrived", h.MarkArrived)
		r.Delete("/eta/{userID}", h.ClearETA)
		r.Get("/session", h.SessionStatus)
		r.Get("/stats/{userID}", h.UserStats)
		r.Get("/leaderboard", h.Leaderboard)
	})
}

// timePattern matches 24-hour HH:MM with an optional leading zero.
var timePattern = regexp.MustCompile(`^([01]?[0-9]|2[0-3]):([0-5][0-9])$`)

func parseTimeOfDay(s string) (*domain.TimeOfDay, error) {
	m := timePattern.FindStringSubmatch(s)
	if m == nil {
		return nil, fmt.Errorf("time %q is not in HH:MM form: %w", s, domain.ErrInvalidInput)
	}
	hour, _ := strconv.Atoi(m[1])
	minute, _ := strconv.Atoi(m[2])
	return &domain.TimeOfDay{Hour: hour, Minute: minute}, nil
}

type etaRequest struct {
	UserID   int64  `json:"user_id"`
	UserName string `json:"user_name"`
	Minutes  *int   `json:"minutes"`
	Time     string `json:"time"`
}

// RecordETA declares or replaces the caller's ETA.
func (h *ReadyUpHandler) RecordETA(w http.ResponseWriter, r *http.Request) {
	var req etaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == 0 || req.UserName == "" {
		Error(w, http.StatusBadRequest, "user_id and user_name are required")
		return
	}

	spec := domain.ETASpec{Minutes: req.Minutes}
	if req.Time != "" {
		tod, err := parseTimeOfDay(req.Time)
		if err != nil {
			DomainError(w, err)
			return
		}
		spec.TimeOfDay = tod
	}

	eta, err := h.svc.RecordETA(r.Context(), req.UserID, req.UserName, spec)
	if err != nil {
		DomainError(w, err)
		return
	}

	if h.hub != nil {
		h.hub.ETASet(eta)
	}
	JSON(w, http.StatusOK, eta)
}

type arrivedRequest struct {
	UserID   int64  `json:"user_id"`
	UserName string `json:"user_name"`
}

type arrivalResponse struct {
	*domain.UserETA
	Late            bool `json:"late"`
	LatenessSeconds int  `json:"lateness_seconds"`
}

// MarkArrived records the caller's arrival.
func (h *ReadyUpHandler) MarkArrived(w http.ResponseWriter, r *http.Request) {
	var req arrivedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == 0 {
		Error(w, http.StatusBadRequest, "user_id is required")
		return
	}

	eta, err := h.svc.MarkAsArrived(r.Context(), req.UserID, req.UserName)
	if err != nil {
		DomainError(w, err)
		return
	}

	if h.hub != nil {
		h.hub.UserArrived(eta)
	}
	JSON(w, http.StatusOK, arrivalResponse{
		UserETA:         eta,
		Late:            eta.IsLate(),
		LatenessSeconds: eta.LatenessSeconds(),
	})
}

// ClearETA withdraws the caller's ETA without recording an outcome.
func (h *ReadyUpHandler) ClearETA(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		Error(w, http.StatusBadRequest, "invalid user id")
		return
	}

	if err := h.svc.ClearETA(r.Context(), userID); err != nil {
		DomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sessionResponse struct {
	Active           bool              `json:"active"`
	StartTime        *time.Time        `json:"start_time,omitempty"`
	LastActivityTime *time.Time        `json:"last_activity_time,omitempty"`
	Users            []*domain.UserETA `json:"users,omitempty"`
}

// SessionStatus returns who is still expected. An absent session is not
// an error.
func (h *ReadyUpHandler) SessionStatus(w http.ResponseWriter, r *http.Request) {
	session := h.svc.GetSessionStatus(r.Context())
	if session == nil {
		JSON(w, http.StatusOK, sessionResponse{Active: false})
		return
	}

	JSON(w, http.StatusOK, sessionResponse{
		Active:           true,
		StartTime:        &session.StartTime,
		LastActivityTime: &session.LastActivityTime,
		Users:            session.SortedUsers(),
	})
}

type statsResponse struct {
	UserID                 int64   `json:"user_id"`
	UserName               string  `json:"user_name"`
	TotalSessions          int     `json:"total_sessions"`
	OnTimeArrivals         int     `json:"on_time_arrivals"`
	LateArrivals           int     `json:"late_arrivals"`
	TotalLatenessSeconds   int     `json:"total_lateness_seconds"`
	NoShows                int     `json:"no_shows"`
	OnTimePercentage       float64 `json:"on_time_percentage"`
	AverageLatenessSeconds int     `json:"average_lateness_seconds"`
}

func newStatsResponse(st *domain.UserStats) statsResponse {
	return statsResponse{
		UserID:                 st.UserID,
		UserName:               st.UserName,
		TotalSessions:          st.TotalSessions,
		OnTimeArrivals:         st.OnTimeArrivals,
		LateArrivals:           st.LateArrivals,
		TotalLatenessSeconds:   st.TotalLatenessSeconds,
		NoShows:                st.NoShows,
		OnTimePercentage:       st.OnTimePercentage(),
		AverageLatenessSeconds: st.AverageLatenessSeconds(),
	}
}

// UserStats returns one user's punctuality record.
func (h *ReadyUpHandler) UserStats(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		Error(w, http.StatusBadRequest, "invalid user id")
		return
	}

	st := h.svc.GetUserStats(r.Context(), userID)
	if st == nil {
		Error(w, http.StatusNotFound, "no stats recorded for this user")
		return
	}
	JSON(w, http.StatusOK, newStatsResponse(st))
}

type leaderboardEntry struct {
	Rank int `json:"rank"`
	statsResponse
}

// Leaderboard returns everybody's stats ranked by punctuality.
func (h *ReadyUpHandler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	board := h.svc.GetLeaderboard(r.Context())
	entries := make([]leaderboardEntry, 0, len(board))
	for i, st := range board {
		entries = append(entries, leaderboardEntry{Rank: i + 1, statsResponse: newStatsResponse(st)})
	}
	JSON(w, http.StatusOK, entries)
}

// HealthHandler reports liveness of the API and its storage backend.
type HealthHandler struct {
	eng store.Engine
	hub *notify.Hub
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(eng store.Engine, hub *notify.Hub) *HealthHandler {
	return &HealthHandler{eng: eng, hub: hub}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := map[string]interface{}{
		"status": "healthy",
		"checks": map[string]string{"api": "ok"},
	}
	statusCode := http.StatusOK

	if err := h.eng.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		status["checks"].(map[string]string)["storage"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		status["checks"].(map[string]string)["storage"] = "ok"
	}
	if h.hub != nil {
		status["notification_clients"] = h.hub.ClientCount()
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
