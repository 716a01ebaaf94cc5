package resource

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestRegisterAndRelease(t *testing.T) {
	m := NewManager()
	var ran atomic.Int32
	m.Register("session_a", "stream_session", 1<<20, time.Minute, func() { ran.Add(1) })

	if m.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", m.Count())
	}
	if got := m.MemoryEstimate(); got != 1<<20 {
		t.Fatalf("MemoryEstimate() = %d, want %d", got, 1<<20)
	}

	m.Release("session_a")
	if m.Count() != 0 {
		t.Fatalf("Count() after release = %d, want 0", m.Count())
	}
	if ran.Load() != 0 {
		t.Fatalf("cleanup ran for a released resource")
	}
}

func TestRegisterIgnoresInvalidInput(t *testing.T) {
	m := NewManager()
	m.Register("", "x", 0, time.Minute, func() {})
	m.Register("id", "x", 0, time.Minute, nil)
	if m.Count() != 0 {
		t.Fatalf("Count() = %d, want 0 for invalid registrations", m.Count())
	}
}

func TestTimeoutRunsCleanup(t *testing.T) {
	m := NewManager()
	done := make(chan struct{})
	m.Register("session_b", "stream_session", 0, 10*time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("cleanup did not run after the timeout")
	}
	deadline := time.Now().Add(time.Second)
	for m.Count() != 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if m.Count() != 0 {
		t.Fatalf("entry survived its own expiry")
	}
}

func TestTouchDoesNotExtendTimeout(t *testing.T) {
	m := NewManager()
	done := make(chan struct{})
	m.Register("session_c", "stream_session", 0, 30*time.Millisecond, func() { close(done) })

	// Touching repeatedly must not keep the resource alive past the deadline.
	go func() {
		for i := 0; i < 10; i++ {
			m.Touch("session_c")
			time.Sleep(5 * time.Millisecond)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout was extended by activity")
	}
}

func TestReRegisterReplacesEntry(t *testing.T) {
	m := NewManager()
	var first, second atomic.Int32
	m.Register("session_d", "stream_session", 0, 20*time.Millisecond, func() { first.Add(1) })
	m.Register("session_d", "stream_session", 0, 20*time.Millisecond, func() { second.Add(1) })

	time.Sleep(100 * time.Millisecond)
	if first.Load() != 0 {
		t.Fatalf("replaced registration still fired its cleanup")
	}
	if second.Load() != 1 {
		t.Fatalf("current registration cleanup ran %d times, want 1", second.Load())
	}
}

func TestForceCleanupFilters(t *testing.T) {
	m := NewManager()
	var a, b atomic.Int32
	m.Register("keep", "stream_session", 0, time.Minute, func() { a.Add(1) })
	m.Register("drop", "audio_buffer", 0, time.Minute, func() { b.Add(1) })

	n := m.forceCleanup(func(r *Registration) bool { return r.Type == "audio_buffer" })
	if n != 1 {
		t.Fatalf("forceCleanup() = %d, want 1", n)
	}
	if a.Load() != 0 || b.Load() != 1 {
		t.Fatalf("cleanups ran a=%d b=%d, want 0 and 1", a.Load(), b.Load())
	}
	if m.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", m.Count())
	}

	if n := m.forceCleanup(nil); n != 1 {
		t.Fatalf("forceCleanup(nil) = %d, want 1", n)
	}
	if m.Count() != 0 {
		t.Fatalf("Count() = %d after full cleanup, want 0", m.Count())
	}
}

func TestSnapshotOmitsInternals(t *testing.T) {
	m := NewManager()
	m.Register("session_e", "stream_session", 42, time.Minute, func() {})
	snap := m.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("Snapshot() length = %d, want 1", len(snap))
	}
	r := snap[0]
	if r.ID != "session_e" || r.Type != "stream_session" || r.MemoryEstimate != 42 {
		t.Fatalf("Snapshot() entry = %+v", r)
	}
	if r.State != StateActive {
		t.Fatalf("Snapshot() state = %s, want active", r.State)
	}
	if r.cleanup != nil || r.timer != nil {
		t.Fatalf("Snapshot() leaked internal references")
	}
}
