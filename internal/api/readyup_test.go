package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/readyup/internal/domain"
	"github.com/ashureev/readyup/internal/service"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeSessionStore struct {
	session *domain.Session
}

func (f *fakeSessionStore) GetSession(ctx context.Context) (*domain.Session, error) {
	return f.session, nil
}

func (f *fakeSessionStore) SaveSession(ctx context.Context, session *domain.Session) error {
	f.session = session
	return nil
}

func (f *fakeSessionStore) ClearSession(ctx context.Context) error {
	f.session = nil
	return nil
}

type fakeStatsStore struct {
	stats map[int64]*domain.UserStats
}

func (f *fakeStatsStore) GetAllStats(ctx context.Context) (map[int64]*domain.UserStats, error) {
	return f.stats, nil
}

func (f *fakeStatsStore) GetStatsForUser(ctx context.Context, userID int64) (*domain.UserStats, error) {
	return f.stats[userID], nil
}

func (f *fakeStatsStore) SaveStats(ctx context.Context, stats map[int64]*domain.UserStats) error {
	f.stats = stats
	return nil
}

func newTestAPI(t *testing.T) (chi.Router, *fakeSessionStore, *fakeStatsStore, *fakeClock) {
	t.Helper()
	sessions := &fakeSessionStore{}
	stats := &fakeStatsStore{stats: make(map[int64]*domain.UserStats)}
	clk := &fakeClock{now: time.Date(2025, 6, 1, 18, 0, 0, 0, time.UTC)}
	svc := service.New(sessions, stats, clk, 60*time.Minute, 3*time.Hour)

	r := chi.NewRouter()
	NewReadyUpHandler(svc, nil).RegisterRoutes(r)
	return r, sessions, stats, clk
}

func doJSON(t *testing.T, r chi.Router, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode request: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestRecordETAEndpoint(t *testing.T) {
	r, _, _, _ := newTestAPI(t)

	rec := doJSON(t, r, http.MethodPost, "/api/eta", map[string]interface{}{
		"user_id": 42, "user_name": "alice", "minutes": 25,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var eta domain.UserETA
	if err := json.Unmarshal(rec.Body.Bytes(), &eta); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if eta.Status != domain.StatusExpected {
		t.Errorf("status = %q, want %q", eta.Status, domain.StatusExpected)
	}
	want := time.Date(2025, 6, 1, 18, 25, 0, 0, time.UTC)
	if !eta.ArrivalTimestamp.Equal(want) {
		t.Errorf("deadline = %v, want %v", eta.ArrivalTimestamp, want)
	}
}

func TestRecordETAEndpointTimeOfDay(t *testing.T) {
	r, _, _, _ := newTestAPI(t)

	rec := doJSON(t, r, http.MethodPost, "/api/eta", map[string]interface{}{
		"user_id": 42, "user_name": "alice", "time": "20:30",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var eta domain.UserETA
	if err := json.Unmarshal(rec.Body.Bytes(), &eta); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	want := time.Date(2025, 6, 1, 20, 30, 0, 0, time.UTC)
	if !eta.ArrivalTimestamp.Equal(want) {
		t.Errorf("deadline = %v, want %v", eta.ArrivalTimestamp, want)
	}
}

func TestRecordETAEndpointValidation(t *testing.T) {
	r, _, _, _ := newTestAPI(t)

	cases := []struct {
		name string
		body map[string]interface{}
	}{
		{"missing name", map[string]interface{}{"user_id": 42, "minutes": 10}},
		{"missing user", map[string]interface{}{"user_name": "alice", "minutes": 10}},
		{"no time spec", map[string]interface{}{"user_id": 42, "user_name": "alice"}},
		{"both time specs", map[string]interface{}{"user_id": 42, "user_name": "alice", "minutes": 10, "time": "20:30"}},
		{"malformed time", map[string]interface{}{"user_id": 42, "user_name": "alice", "time": "25:99"}},
		{"negative minutes", map[string]interface{}{"user_id": 42, "user_name": "alice", "minutes": -3}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, r, http.MethodPost, "/api/eta", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400, body %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestMarkArrivedEndpoint(t *testing.T) {
	r, sessions, _, clk := newTestAPI(t)

	rec := doJSON(t, r, http.MethodPost, "/api/eta", map[string]interface{}{
		"user_id": 42, "user_name": "alice", "minutes": 5,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("record eta: status = %d", rec.Code)
	}

	clk.Advance(10 * time.Minute)
	rec = doJSON(t, r, http.MethodPost, "/api/arrived", map[string]interface{}{
		"user_id": 42, "user_name": "alice",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Late            bool `json:"late"`
		LatenessSeconds int  `json:"lateness_seconds"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Late || resp.LatenessSeconds != 300 {
		t.Errorf("late = %v lateness = %d, want late by 300s", resp.Late, resp.LatenessSeconds)
	}
	if _, ok := sessions.session.Users[42]; ok {
		t.Error("arrived user still in session")
	}
}

func TestMarkArrivedEndpointErrors(t *testing.T) {
	r, _, _, _ := newTestAPI(t)

	// No session at all.
	rec := doJSON(t, r, http.MethodPost, "/api/arrived", map[string]interface{}{
		"user_id": 42, "user_name": "alice",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}

	// Session exists, but for somebody else.
	doJSON(t, r, http.MethodPost, "/api/eta", map[string]interface{}{
		"user_id": 77, "user_name": "bob", "minutes": 10,
	})
	rec = doJSON(t, r, http.MethodPost, "/api/arrived", map[string]interface{}{
		"user_id": 42, "user_name": "alice",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestClearETAEndpoint(t *testing.T) {
	r, sessions, _, _ := newTestAPI(t)

	doJSON(t, r, http.MethodPost, "/api/eta", map[string]interface{}{
		"user_id": 42, "user_name": "alice", "minutes": 10,
	})

	rec := doJSON(t, r, http.MethodDelete, "/api/eta/42", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if _, ok := sessions.session.Users[42]; ok {
		t.Error("cleared user still in session")
	}

	rec = doJSON(t, r, http.MethodDelete, "/api/eta/42", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("second clear status = %d, want 404", rec.Code)
	}

	rec = doJSON(t, r, http.MethodDelete, "/api/eta/abc", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d, want 400", rec.Code)
	}
}

func TestSessionStatusEndpoint(t *testing.T) {
	r, _, _, _ := newTestAPI(t)

	rec := doJSON(t, r, http.MethodGet, "/api/session", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Active bool              `json:"active"`
		Users  []*domain.UserETA `json:"users"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Active {
		t.Error("expected no active session")
	}

	doJSON(t, r, http.MethodPost, "/api/eta", map[string]interface{}{
		"user_id": 42, "user_name": "alice", "minutes": 10,
	})
	doJSON(t, r, http.MethodPost, "/api/eta", map[string]interface{}{
		"user_id": 77, "user_name": "bob", "minutes": 5,
	})

	rec = doJSON(t, r, http.MethodGet, "/api/session", nil)
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Active || len(resp.Users) != 2 {
		t.Fatalf("response = %+v, want active with 2 users", resp)
	}
	// Sorted by deadline: bob (5 min) comes first.
	if resp.Users[0].UserID != 77 || resp.Users[1].UserID != 42 {
		t.Errorf("user order = [%d %d], want [77 42]", resp.Users[0].UserID, resp.Users[1].UserID)
	}
}

func TestUserStatsEndpoint(t *testing.T) {
	r, _, _, _ := newTestAPI(t)

	rec := doJSON(t, r, http.MethodGet, "/api/stats/42", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}

	doJSON(t, r, http.MethodPost, "/api/eta", map[string]interface{}{
		"user_id": 42, "user_name": "alice", "minutes": 5,
	})
	doJSON(t, r, http.MethodPost, "/api/arrived", map[string]interface{}{
		"user_id": 42, "user_name": "alice",
	})

	rec = doJSON(t, r, http.MethodGet, "/api/stats/42", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp statsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.TotalSessions != 1 || resp.OnTimePercentage != 100 {
		t.Errorf("stats = %+v", resp)
	}
}

func TestLeaderboardEndpoint(t *testing.T) {
	r, _, stats, _ := newTestAPI(t)

	stats.stats = map[int64]*domain.UserStats{
		1: {UserID: 1, UserName: "a", TotalSessions: 5, OnTimeArrivals: 4, LateArrivals: 1, TotalLatenessSeconds: 300},
		2: {UserID: 2, UserName: "b", TotalSessions: 5, OnTimeArrivals: 4, NoShows: 1},
	}

	rec := doJSON(t, r, http.MethodGet, "/api/leaderboard", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var entries []struct {
		Rank   int   `json:"rank"`
		UserID int64 `json:"user_id"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].UserID != 1 || entries[0].Rank != 1 || entries[1].UserID != 2 || entries[1].Rank != 2 {
		t.Errorf("order = %+v, want user 1 ranked first", entries)
	}
}

type fakeEngine struct {
	*fakeSessionStore
	*fakeStatsStore
	pingErr error
}

func (f *fakeEngine) Ping(ctx context.Context) error { return f.pingErr }
func (f *fakeEngine) Close() error                   { return nil }

func TestHealthEndpoint(t *testing.T) {
	eng := &fakeEngine{
		fakeSessionStore: &fakeSessionStore{},
		fakeStatsStore:   &fakeStatsStore{},
	}
	r := chi.NewRouter()
	NewHealthHandler(eng, nil).RegisterHealth(r)

	rec := doJSON(t, r, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200, body %s", rec.Code, rec.Body.String())
	}

	eng.pingErr = errors.New("backend gone")
	rec = doJSON(t, r, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}
