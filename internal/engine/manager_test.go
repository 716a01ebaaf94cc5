package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/voxwire/voxbridge/internal/reliability"
)

type fakeTracker struct {
	mu        sync.Mutex
	registers []string
	touches   []string
	releases  []string
	cleanups  map[string]func()
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{cleanups: make(map[string]func())}
}

func (f *fakeTracker) Register(id, _ string, _ int64, _ time.Duration, cleanup func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registers = append(f.registers, id)
	f.cleanups[id] = cleanup
}

func (f *fakeTracker) Touch(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touches = append(f.touches, id)
}

func (f *fakeTracker) Release(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases = append(f.releases, id)
}

func newTestManager(t *testing.T, tr Transport) *Manager {
	t.Helper()
	m, err := NewManager(tr, ManagerConfig{Session: testSessionConfig()}, nil, nil)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m
}

func TestNewManagerRequiresTransport(t *testing.T) {
	_, err := NewManager(nil, ManagerConfig{}, nil, nil)
	if reliability.KindOf(err) != reliability.KindConfiguration {
		t.Fatalf("NewManager(nil) error kind = %v, want configuration", reliability.KindOf(err))
	}
}

func TestManagerCreateGetRemove(t *testing.T) {
	tr := &fakeTransport{drainOutbound: true}
	m := newTestManager(t, tr)
	ctx := context.Background()

	s, err := m.Create(ctx, "call-1")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if got, err := m.Get("call-1"); err != nil || got != s {
		t.Fatalf("Get() = %v, %v, want the created session", got, err)
	}
	if !m.IsActive("call-1") {
		t.Fatalf("IsActive() = false for a fresh session")
	}
	if m.SessionCount() != 1 {
		t.Fatalf("SessionCount() = %d, want 1", m.SessionCount())
	}

	res := m.Remove(ctx, "call-1")
	if !res.Removed || res.Err != nil {
		t.Fatalf("Remove() = %+v, want removed with no error", res)
	}
	if _, err := m.Get("call-1"); reliability.KindOf(err) != reliability.KindSessionNotFound {
		t.Fatalf("Get() after remove error kind = %v, want session_not_found", reliability.KindOf(err))
	}
	if res := m.Remove(ctx, "call-1"); reliability.KindOf(res.Err) != reliability.KindSessionNotFound {
		t.Fatalf("second Remove() error kind = %v, want session_not_found", reliability.KindOf(res.Err))
	}
}

func TestManagerGeneratesSessionID(t *testing.T) {
	tr := &fakeTransport{drainOutbound: true}
	m := newTestManager(t, tr)
	s, err := m.Create(context.Background(), "")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if s.ID() == "" {
		t.Fatalf("generated session id is empty")
	}
	m.Remove(context.Background(), s.ID())
}

func TestManagerRejectsDuplicateID(t *testing.T) {
	tr := &fakeTransport{drainOutbound: true}
	m := newTestManager(t, tr)
	ctx := context.Background()

	if _, err := m.Create(ctx, "dup"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	_, err := m.Create(ctx, "dup")
	if reliability.KindOf(err) != reliability.KindSessionExists {
		t.Fatalf("duplicate Create() error kind = %v, want session_already_exists", reliability.KindOf(err))
	}
}

func TestManagerConcurrentDuplicateCreate(t *testing.T) {
	tr := &fakeTransport{drainOutbound: true, openDelay: 20 * time.Millisecond}
	m := newTestManager(t, tr)
	ctx := context.Background()

	const racers = 4
	errs := make([]error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Create(ctx, "race")
		}(i)
	}
	wg.Wait()

	var ok, exists int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case reliability.KindOf(err) == reliability.KindSessionExists:
			exists++
		default:
			t.Fatalf("unexpected Create() error = %v", err)
		}
	}
	if ok != 1 || exists != racers-1 {
		t.Fatalf("concurrent creates: ok=%d exists=%d, want 1 and %d", ok, exists, racers-1)
	}
	if m.SessionCount() != 1 {
		t.Fatalf("SessionCount() = %d after racing creates, want 1", m.SessionCount())
	}
}

func TestManagerResourceTrackerLifecycle(t *testing.T) {
	tr := &fakeTransport{drainOutbound: true}
	m := newTestManager(t, tr)
	tracker := newFakeTracker()
	m.SetResourceTracker(tracker)
	ctx := context.Background()

	if _, err := m.Create(ctx, "tracked"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	m.Touch("tracked")
	m.Remove(ctx, "tracked")

	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	if len(tracker.registers) != 1 || tracker.registers[0] != "session_tracked" {
		t.Fatalf("registers = %v, want [session_tracked]", tracker.registers)
	}
	if len(tracker.touches) != 1 || tracker.touches[0] != "session_tracked" {
		t.Fatalf("touches = %v, want [session_tracked]", tracker.touches)
	}
	if len(tracker.releases) != 1 || tracker.releases[0] != "session_tracked" {
		t.Fatalf("releases = %v, want [session_tracked]", tracker.releases)
	}
}

func TestManagerResourceTimeoutForcesRemoval(t *testing.T) {
	tr := &fakeTransport{drainOutbound: true}
	m := newTestManager(t, tr)
	tracker := newFakeTracker()
	m.SetResourceTracker(tracker)
	ctx := context.Background()

	if _, err := m.Create(ctx, "doomed"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	tracker.mu.Lock()
	cleanup := tracker.cleanups["session_doomed"]
	tracker.mu.Unlock()
	if cleanup == nil {
		t.Fatalf("no cleanup registered for the session resource")
	}
	cleanup()

	if m.SessionCount() != 0 {
		t.Fatalf("SessionCount() = %d after resource timeout, want 0", m.SessionCount())
	}
}

func TestCleanupIdleSkipsActiveSessions(t *testing.T) {
	tr := &fakeTransport{drainOutbound: true}
	m := newTestManager(t, tr)
	ctx := context.Background()

	stale, err := m.Create(ctx, "stale")
	if err != nil {
		t.Fatalf("Create(stale) error = %v", err)
	}
	if _, err := m.Create(ctx, "busy"); err != nil {
		t.Fatalf("Create(busy) error = %v", err)
	}

	// An active session idles past the timeout: the sweep must leave it.
	busySession, _ := m.Get("busy")
	busySession.mu.Lock()
	busySession.lastActivity = time.Now().Add(-time.Minute)
	busySession.mu.Unlock()

	stale.demote()
	stale.mu.Lock()
	stale.lastActivity = time.Now().Add(-time.Minute)
	stale.mu.Unlock()

	results := m.CleanupIdle(ctx, 10*time.Second)
	if len(results) != 1 || results[0].SessionID != "stale" || !results[0].Removed {
		t.Fatalf("CleanupIdle() = %+v, want only the stale session removed", results)
	}
	if !m.IsActive("busy") {
		t.Fatalf("active idle session was swept")
	}

	active := m.ActiveSessions()
	if len(active) != 1 || active[0] != "busy" {
		t.Fatalf("ActiveSessions() = %v, want [busy]", active)
	}
}

func TestCleanupAllEmptiesManager(t *testing.T) {
	tr := &fakeTransport{drainOutbound: true}
	m := newTestManager(t, tr)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := m.Create(ctx, id); err != nil {
			t.Fatalf("Create(%s) error = %v", id, err)
		}
	}
	results := m.CleanupAll(ctx)
	if len(results) != 3 {
		t.Fatalf("CleanupAll() removed %d sessions, want 3", len(results))
	}
	if m.SessionCount() != 0 {
		t.Fatalf("SessionCount() = %d after CleanupAll, want 0", m.SessionCount())
	}
}

func TestManagerLastActivity(t *testing.T) {
	tr := &fakeTransport{drainOutbound: true}
	m := newTestManager(t, tr)
	ctx := context.Background()

	if _, err := m.Create(ctx, "la"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	ts, err := m.LastActivity("la")
	if err != nil || ts.IsZero() {
		t.Fatalf("LastActivity() = %v, %v, want a recent timestamp", ts, err)
	}
	if _, err := m.LastActivity("nope"); reliability.KindOf(err) != reliability.KindSessionNotFound {
		t.Fatalf("LastActivity(unknown) error kind = %v, want session_not_found", reliability.KindOf(err))
	}
}
