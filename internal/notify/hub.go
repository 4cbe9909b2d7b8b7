// Package notify broadcasts session events to connected clients.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/readyup/internal/domain"
)

// Event types delivered over the notification socket.
const (
	EventETASet          = "eta_set"
	EventUserArrived     = "user_arrived"
	EventReminder        = "reminder"
	EventUserLate        = "user_late"
	EventETAExpired      = "eta_expired"
	EventSessionArchived = "session_archived"
)

// Event is one notification fanned out to every connected client.
type Event struct {
	Type      string    `json:"type"`
	UserID    int64     `json:"user_id,omitempty"`
	UserName  string    `json:"user_name,omitempty"`
	Threshold string    `json:"threshold,omitempty"`
	Text      string    `json:"text"`
	At        time.Time `json:"at"`
}

const writeTimeout = 5 * time.Second

// Hub tracks connected WebSocket clients and fans session events out to
// them. Clients only listen; the read side of each connection is closed
// immediately after the upgrade.
type Hub struct {
	allowedOrigin string

	mu    sync.RWMutex
	conns map[*websocket.Conn]struct{}
}

// NewHub creates an empty hub. A client origin must match allowedOrigin
// unless it is "*".
func NewHub(allowedOrigin string) *Hub {
	return &Hub{
		allowedOrigin: allowedOrigin,
		conns:         make(map[*websocket.Conn]struct{}),
	}
}

// ServeHTTP upgrades the request and keeps the connection registered
// until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("failed to accept notification socket", "error", err, "ip", r.RemoteAddr)
		return
	}

	h.register(ws)
	defer h.unregister(ws)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "feed closed"); closeErr != nil {
			slog.Debug("failed to close notification socket", "error", closeErr)
		}
	}()

	// The feed is one-way; CloseRead watches for the client hanging up.
	ctx := ws.CloseRead(r.Context())
	<-ctx.Done()
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("notification socket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *Hub) register(ws *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[ws] = struct{}{}
	slog.Info("notification client connected", "clients", len(h.conns))
}

func (h *Hub) unregister(ws *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[ws]; ok {
		delete(h.conns, ws)
		slog.Info("notification client disconnected", "clients", len(h.conns))
	}
}

// ClientCount reports how many clients are currently connected.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// ETASet announces a freshly declared ETA.
func (h *Hub) ETASet(eta *domain.UserETA) {
	h.broadcast(Event{
		Type:     EventETASet,
		UserID:   eta.UserID,
		UserName: eta.UserName,
		Text:     fmt.Sprintf("%s expects to arrive by %s", eta.UserName, eta.ArrivalTimestamp.Format("15:04")),
	})
}

// UserArrived announces an arrival, on time or otherwise.
func (h *Hub) UserArrived(eta *domain.UserETA) {
	text := fmt.Sprintf("%s arrived on time", eta.UserName)
	if eta.IsLate() {
		text = fmt.Sprintf("%s arrived %s late", eta.UserName,
			(time.Duration(eta.LatenessSeconds()) * time.Second).String())
	}
	h.broadcast(Event{
		Type:     EventUserArrived,
		UserID:   eta.UserID,
		UserName: eta.UserName,
		Text:     text,
	})
}

// Reminder announces a crossed notification threshold for a user.
func (h *Hub) Reminder(threshold string, eta *domain.UserETA) {
	var text string
	switch threshold {
	case domain.ReminderUpcoming:
		text = fmt.Sprintf("%s is expected in about a minute", eta.UserName)
	case domain.ReminderLate15:
		text = fmt.Sprintf("%s is 15 minutes late", eta.UserName)
	case domain.ReminderLate30:
		text = fmt.Sprintf("%s is 30 minutes late", eta.UserName)
	default:
		text = fmt.Sprintf("%s: %s", eta.UserName, threshold)
	}
	h.broadcast(Event{
		Type:      EventReminder,
		UserID:    eta.UserID,
		UserName:  eta.UserName,
		Threshold: threshold,
		Text:      text,
	})
}

// UserLate announces that a user's deadline has just passed.
func (h *Hub) UserLate(eta *domain.UserETA) {
	h.broadcast(Event{
		Type:     EventUserLate,
		UserID:   eta.UserID,
		UserName: eta.UserName,
		Text:     fmt.Sprintf("%s is now late (expected by %s)", eta.UserName, eta.ArrivalTimestamp.Format("15:04")),
	})
}

// ETAExpired announces a no-show.
func (h *Hub) ETAExpired(eta *domain.UserETA) {
	h.broadcast(Event{
		Type:     EventETAExpired,
		UserID:   eta.UserID,
		UserName: eta.UserName,
		Text:     fmt.Sprintf("%s never arrived, marking a no-show", eta.UserName),
	})
}

// SessionArchived announces that the idle session was closed out.
func (h *Hub) SessionArchived() {
	h.broadcast(Event{
		Type: EventSessionArchived,
		Text: "session closed after inactivity",
	})
}

func (h *Hub) broadcast(event Event) {
	event.At = time.Now()
	data, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to encode event", "type", event.Type, "error", err)
		return
	}

	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for ws := range h.conns {
		conns = append(conns, ws)
	}
	h.mu.RUnlock()

	for _, ws := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := ws.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			// A stalled or gone client; drop it rather than block the feed.
			slog.Debug("dropping notification client", "error", err)
			_ = ws.Close(websocket.StatusPolicyViolation, "write failed")
			h.unregister(ws)
		}
	}
}
