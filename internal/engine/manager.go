package engine

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/voxwire/voxbridge/internal/observability"
	"github.com/voxwire/voxbridge/internal/reliability"
)

// ResourceTracker is the optional resource-registration layer. It is an
// explicit dependency injected at construction, never a process singleton.
type ResourceTracker interface {
	Register(id, resourceType string, memoryEstimate int64, timeout time.Duration, cleanup func())
	Touch(id string)
	Release(id string)
}

// ManagerConfig tunes the session map and its background sweep.
type ManagerConfig struct {
	Session         Config
	SweepInterval   time.Duration
	IdleTimeout     time.Duration
	ResourceTimeout time.Duration
	// SessionMemoryEstimate feeds the resource tracker, in bytes.
	SessionMemoryEstimate int64
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.SweepInterval <= 0 {
		c.SweepInterval = 60 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 300 * time.Second
	}
	if c.ResourceTimeout <= 0 {
		c.ResourceTimeout = 300 * time.Second
	}
	if c.SessionMemoryEstimate <= 0 {
		c.SessionMemoryEstimate = 1 << 20
	}
	return c
}

// CleanupResult reports the outcome of one removal.
type CleanupResult struct {
	SessionID string
	Removed   bool
	Err       error
}

// Manager owns the map of live sessions. All map mutation goes through its
// methods; removal is reentrant-safe via a cleanup-in-progress guard.
type Manager struct {
	transport Transport
	cfg       ManagerConfig
	metrics   *observability.Metrics
	stages    *observability.StageWindow
	resources ResourceTracker

	mu       sync.Mutex
	sessions map[string]*Session
	creating map[string]struct{}
	cleanup  map[string]struct{}

	onExpire func(sessionID string)
}

func NewManager(transport Transport, cfg ManagerConfig, metrics *observability.Metrics, stages *observability.StageWindow) (*Manager, error) {
	if transport == nil {
		return nil, reliability.New(reliability.KindConfiguration, "manager", "transport is required")
	}
	return &Manager{
		transport: transport,
		cfg:       cfg.withDefaults(),
		metrics:   metrics,
		stages:    stages,
		sessions:  make(map[string]*Session),
		creating:  make(map[string]struct{}),
		cleanup:   make(map[string]struct{}),
	}, nil
}

// SetResourceTracker attaches the optional resource layer. Must be called
// before the first Create.
func (m *Manager) SetResourceTracker(t ResourceTracker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources = t
}

// SetExpireHook registers a callback invoked after the idle sweep removes a
// session.
func (m *Manager) SetExpireHook(hook func(sessionID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Create opens a new session. An empty id gets a generated one; a duplicate
// id fails with session_already_exists even under concurrent callers.
func (m *Manager) Create(ctx context.Context, id string) (*Session, error) {
	if id != "" {
		m.mu.Lock()
		if _, ok := m.sessions[id]; ok {
			m.mu.Unlock()
			return nil, reliability.New(reliability.KindSessionExists, "manager",
				"session "+id+" already exists")
		}
		if _, ok := m.creating[id]; ok {
			m.mu.Unlock()
			return nil, reliability.New(reliability.KindSessionExists, "manager",
				"session "+id+" already exists")
		}
		m.creating[id] = struct{}{}
		m.mu.Unlock()
		defer func() {
			m.mu.Lock()
			delete(m.creating, id)
			m.mu.Unlock()
		}()
	}

	s, err := newSession(ctx, id, m.transport, m.cfg.Session, m.metrics, m.stages)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if _, ok := m.sessions[s.ID()]; ok {
		m.mu.Unlock()
		_ = s.ForceClose(ctx)
		return nil, reliability.New(reliability.KindSessionExists, "manager",
			"session "+s.ID()+" already exists")
	}
	m.sessions[s.ID()] = s
	resources := m.resources
	m.mu.Unlock()

	if resources != nil {
		sid := s.ID()
		resources.Register("session_"+sid, "stream_session", m.cfg.SessionMemoryEstimate,
			m.cfg.ResourceTimeout, func() {
				log.Printf("manager: resource timeout for session %s, forcing removal", sid)
				m.Remove(context.Background(), sid)
			})
	}
	if m.metrics != nil {
		m.metrics.ActiveSessions.Inc()
		m.metrics.SessionEvents.WithLabelValues("created").Inc()
	}
	log.Printf("manager: session %s created", s.ID())
	return s, nil
}

func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, reliability.New(reliability.KindSessionNotFound, "manager",
			"no session "+id)
	}
	return s, nil
}

func (m *Manager) IsActive(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	return ok && s.Active()
}

// ActiveSessions lists the ids of sessions still accepting operations.
func (m *Manager) ActiveSessions() []string {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	ids := make([]string, 0, len(all))
	for _, s := range all {
		if s.Active() {
			ids = append(ids, s.ID())
		}
	}
	return ids
}

func (m *Manager) LastActivity(id string) (time.Time, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return time.Time{}, reliability.New(reliability.KindSessionNotFound, "manager",
			"no session "+id)
	}
	return s.LastActivity(), nil
}

// Touch refreshes both the session and resource activity clocks.
func (m *Manager) Touch(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	resources := m.resources
	m.mu.Unlock()
	if !ok {
		return
	}
	s.touch()
	if resources != nil {
		resources.Touch("session_" + id)
	}
}

// Remove tears one session down: close, clear queues and handlers, then
// drop it from the map. The map entry survives a failed teardown only long
// enough to be force-cleaned; a second concurrent Remove for the same id
// observes the guard and returns immediately.
func (m *Manager) Remove(ctx context.Context, id string) CleanupResult {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return CleanupResult{SessionID: id, Err: reliability.New(
			reliability.KindSessionNotFound, "manager", "no session "+id)}
	}
	if _, busy := m.cleanup[id]; busy {
		m.mu.Unlock()
		return CleanupResult{SessionID: id}
	}
	m.cleanup[id] = struct{}{}
	resources := m.resources
	m.mu.Unlock()

	err := s.Close(ctx)
	if err != nil {
		log.Printf("manager: graceful close of %s failed, force-cleaning: %v", id, err)
	}
	s.clear()

	m.mu.Lock()
	delete(m.sessions, id)
	delete(m.cleanup, id)
	m.mu.Unlock()

	if resources != nil {
		resources.Release("session_" + id)
	}
	if m.metrics != nil {
		m.metrics.ActiveSessions.Dec()
		m.metrics.SessionEvents.WithLabelValues("removed").Inc()
	}
	log.Printf("manager: session %s removed", id)
	return CleanupResult{SessionID: id, Removed: true, Err: err}
}

// CleanupIdle removes sessions that are already inactive and idle past the
// timeout. Active idle calls are left alone; ending those is the caller's
// timeout policy, not the sweep's.
func (m *Manager) CleanupIdle(ctx context.Context, idleTimeout time.Duration) []CleanupResult {
	if idleTimeout <= 0 {
		idleTimeout = m.cfg.IdleTimeout
	}
	now := time.Now()

	m.mu.Lock()
	var stale []string
	for id, s := range m.sessions {
		if s.Active() {
			continue
		}
		if now.Sub(s.LastActivity()) <= idleTimeout {
			continue
		}
		stale = append(stale, id)
	}
	m.mu.Unlock()

	results := make([]CleanupResult, 0, len(stale))
	for _, id := range stale {
		results = append(results, m.Remove(ctx, id))
	}
	return results
}

// CleanupAll removes every tracked session, used on shutdown and under
// critical memory pressure.
func (m *Manager) CleanupAll(ctx context.Context) []CleanupResult {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	results := make([]CleanupResult, 0, len(ids))
	for _, id := range ids {
		results = append(results, m.Remove(ctx, id))
	}
	return results
}

// StartSweeper runs the recurring idle sweep until ctx ends.
func (m *Manager) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed := m.CleanupIdle(ctx, m.cfg.IdleTimeout)
				m.mu.Lock()
				hook := m.onExpire
				m.mu.Unlock()
				for _, r := range removed {
					if !r.Removed {
						continue
					}
					log.Printf("manager: idle sweep removed session %s", r.SessionID)
					if hook != nil {
						hook(r.SessionID)
					}
				}
			}
		}
	}()
}

// SessionCount reports tracked sessions, active or not.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
