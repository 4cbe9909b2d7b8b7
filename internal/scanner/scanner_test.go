package scanner

import (
	"context"
	"sync"
	"testing"
	"time"

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

type memSessionStore struct {
	mu      sync.Mutex
	session *domain.Session
}

func (m *memSessionStore) GetSession(ctx context.Context) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session, nil
}

func (m *memSessionStore) SaveSession(ctx context.Context, session *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = session
	return nil
}

func (m *memSessionStore) ClearSession(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = nil
	return nil
}

type memStatsStore struct {
	mu    sync.Mutex
	stats map[int64]*domain.UserStats
}

func (m *memStatsStore) GetAllStats(ctx context.Context) (map[int64]*domain.UserStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stats == nil {
		m.stats = make(map[int64]*domain.UserStats)
	}
	return m.stats, nil
}

func (m *memStatsStore) GetStatsForUser(ctx context.Context, userID int64) (*domain.UserStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats[userID], nil
}

func (m *memStatsStore) SaveStats(ctx context.Context, stats map[int64]*domain.UserStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = stats
	return nil
}

type recordingNotifier struct {
	mu        sync.Mutex
	reminders []string
	late      []int64
	expired   []int64
	archived  int
}

func (n *recordingNotifier) Reminder(threshold string, eta *domain.UserETA) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reminders = append(n.reminders, threshold)
}

func (n *recordingNotifier) UserLate(eta *domain.UserETA) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.late = append(n.late, eta.UserID)
}

func (n *recordingNotifier) ETAExpired(eta *domain.UserETA) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.expired = append(n.expired, eta.UserID)
}

func (n *recordingNotifier) SessionArchived() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.archived++
}

func (n *recordingNotifier) snapshot() (reminders []string, late, expired []int64, archived int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.reminders...),
		append([]int64(nil), n.late...),
		append([]int64(nil), n.expired...),
		n.archived
}

func newTestScanner(t *testing.T) (*Scanner, *service.Service, *recordingNotifier, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Date(2025, 6, 1, 18, 0, 0, 0, time.UTC)}
	svc := service.New(&memSessionStore{}, &memStatsStore{}, clk, 60*time.Minute, 3*time.Hour)
	notifier := &recordingNotifier{}
	return New(svc, notifier), svc, notifier, clk
}

func TestSweepNotifies(t *testing.T) {
	sc, svc, notifier, clk := newTestScanner(t)
	ctx := context.Background()

	if _, err := svc.RecordETA(ctx, 42, "alice", intSpec(5)); err != nil {
		t.Fatalf("RecordETA: %v", err)
	}

	clk.Advance(5*time.Minute + time.Second)
	sc.Sweep(ctx)

	reminders, late, expired, _ := notifier.snapshot()
	if len(reminders) != 1 || reminders[0] != domain.ReminderUpcoming {
		t.Errorf("reminders = %v, want [upcoming]", reminders)
	}
	if len(late) != 1 || late[0] != 42 {
		t.Errorf("late = %v, want [42]", late)
	}
	if len(expired) != 0 {
		t.Errorf("expired = %v, want none yet", expired)
	}

	clk.Advance(56 * time.Minute) // 61 minutes past the deadline
	sc.Sweep(ctx)

	reminders, late, expired, _ = notifier.snapshot()
	if len(reminders) != 2 || reminders[1] != domain.ReminderLate30 {
		t.Errorf("reminders = %v, want a single escalation to late_30", reminders)
	}
	if len(late) != 1 {
		t.Errorf("late = %v, want the late signal exactly once", late)
	}
	if len(expired) != 1 || expired[0] != 42 {
		t.Errorf("expired = %v, want [42]", expired)
	}
}

func TestSweepQuietWhenNothingDue(t *testing.T) {
	sc, svc, notifier, _ := newTestScanner(t)
	ctx := context.Background()

	if _, err := svc.RecordETA(ctx, 42, "alice", intSpec(30)); err != nil {
		t.Fatalf("RecordETA: %v", err)
	}
	sc.Sweep(ctx)

	reminders, late, expired, archived := notifier.snapshot()
	if len(reminders)+len(late)+len(expired)+archived != 0 {
		t.Errorf("unexpected notifications: %v %v %v %d", reminders, late, expired, archived)
	}
}

func TestStartSweepsOnCadence(t *testing.T) {
	sc, svc, notifier, clk := newTestScanner(t)
	sc.checkInterval = 5 * time.Millisecond
	sc.archiveInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := svc.RecordETA(ctx, 42, "alice", intSpec(0)); err != nil {
		t.Fatalf("RecordETA: %v", err)
	}
	clk.Advance(time.Second)

	sc.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, late, _, _ := notifier.snapshot(); len(late) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("late notification never delivered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStartArchivesIdleSession(t *testing.T) {
	sc, svc, notifier, clk := newTestScanner(t)
	sc.checkInterval = time.Hour
	sc.archiveInterval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := svc.RecordETA(ctx, 42, "alice", intSpec(0)); err != nil {
		t.Fatalf("RecordETA: %v", err)
	}
	if _, err := svc.MarkAsArrived(ctx, 42, "alice"); err != nil {
		t.Fatalf("MarkAsArrived: %v", err)
	}
	clk.Advance(3*time.Hour + time.Minute)

	sc.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, _, _, archived := notifier.snapshot(); archived == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("archive notification never delivered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	sc, svc, notifier, clk := newTestScanner(t)
	sc.checkInterval = 5 * time.Millisecond
	sc.archiveInterval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sc.Start(ctx)

	if _, err := svc.RecordETA(context.Background(), 42, "alice", intSpec(0)); err != nil {
		t.Fatalf("RecordETA: %v", err)
	}
	clk.Advance(time.Minute)
	time.Sleep(30 * time.Millisecond)

	if _, late, _, _ := notifier.snapshot(); len(late) != 0 {
		t.Errorf("canceled scanner still delivered notifications: %v", late)
	}
}

func intSpec(minutes int) domain.ETASpec {
	return domain.ETASpec{Minutes: &minutes}
}
