package resource

import (
	"log"
	"sync"
	"time"
)

type State string

const (
	StateActive         State = "active"
	StateCleanupPending State = "cleanup_pending"
	StateCleaned        State = "cleaned"
)

// Registration tracks one owned resource and its forced-cleanup deadline.
type Registration struct {
	ID             string
	Type           string
	Priority       int
	MemoryEstimate int64
	Timeout        time.Duration
	LastActivity   time.Time
	State          State

	cleanup func()
	timer   *time.Timer
}

// Manager is the timeout backstop for resources whose own close path never
// ran. The timeout fires regardless of activity; Touch only feeds the
// idle checks used by the memory monitor.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*Registration
}

func NewManager() *Manager {
	return &Manager{entries: make(map[string]*Registration)}
}

// Register tracks a resource and arms its cleanup timer. Re-registering an
// id replaces the previous entry and disarms its timer.
func (m *Manager) Register(id, resourceType string, memoryEstimate int64, timeout time.Duration, cleanup func()) {
	if id == "" || cleanup == nil {
		return
	}
	if timeout <= 0 {
		timeout = 300 * time.Second
	}

	m.mu.Lock()
	if prev, ok := m.entries[id]; ok && prev.timer != nil {
		prev.timer.Stop()
	}
	entry := &Registration{
		ID:             id,
		Type:           resourceType,
		Priority:       5,
		MemoryEstimate: memoryEstimate,
		Timeout:        timeout,
		LastActivity:   time.Now(),
		State:          StateActive,
		cleanup:        cleanup,
	}
	entry.timer = time.AfterFunc(timeout, func() { m.expire(id) })
	m.entries[id] = entry
	m.mu.Unlock()
}

// Touch refreshes the activity clock. It does not extend the timeout.
func (m *Manager) Touch(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.entries[id]; ok && entry.State == StateActive {
		entry.LastActivity = time.Now()
	}
}

// Release disarms the timer and drops the entry. Called when the resource
// closed through its normal path.
func (m *Manager) Release(id string) {
	m.mu.Lock()
	entry, ok := m.entries[id]
	if ok {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		entry.State = StateCleaned
		delete(m.entries, id)
	}
	m.mu.Unlock()
}

func (m *Manager) expire(id string) {
	m.mu.Lock()
	entry, ok := m.entries[id]
	if !ok || entry.State != StateActive {
		m.mu.Unlock()
		return
	}
	entry.State = StateCleanupPending
	cleanup := entry.cleanup
	m.mu.Unlock()

	log.Printf("resource: %s timed out, running forced cleanup", id)
	cleanup()

	m.mu.Lock()
	if entry, ok := m.entries[id]; ok {
		entry.State = StateCleaned
		delete(m.entries, id)
	}
	m.mu.Unlock()
}

// forceCleanup runs cleanup for every entry the filter selects.
func (m *Manager) forceCleanup(filter func(*Registration) bool) int {
	m.mu.Lock()
	var victims []*Registration
	for _, entry := range m.entries {
		if entry.State != StateActive {
			continue
		}
		if filter == nil || filter(entry) {
			entry.State = StateCleanupPending
			victims = append(victims, entry)
		}
	}
	m.mu.Unlock()

	for _, entry := range victims {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		entry.cleanup()
		m.mu.Lock()
		entry.State = StateCleaned
		delete(m.entries, entry.ID)
		m.mu.Unlock()
	}
	return len(victims)
}

// Count reports tracked registrations.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// MemoryEstimate sums the estimates of all tracked registrations.
func (m *Manager) MemoryEstimate() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, entry := range m.entries {
		total += entry.MemoryEstimate
	}
	return total
}

// Snapshot returns copies of the current registrations for diagnostics.
func (m *Manager) Snapshot() []Registration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Registration, 0, len(m.entries))
	for _, entry := range m.entries {
		r := *entry
		r.cleanup = nil
		r.timer = nil
		out = append(out, r)
	}
	return out
}
