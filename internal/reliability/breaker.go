package reliability

import (
	"errors"
	"sync"
	"time"
)

// ErrBreakerOpen short-circuits calls while the breaker is open.
var ErrBreakerOpen = errors.New("circuit breaker open")

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// BreakerConfig tunes one per-dependency circuit breaker.
type BreakerConfig struct {
	// FailureThreshold consecutive failures inside MonitorWindow open the
	// breaker.
	FailureThreshold int
	MonitorWindow    time.Duration
	ResetTimeout     time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.MonitorWindow <= 0 {
		c.MonitorWindow = 30 * time.Second
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 15 * time.Second
	}
	return c
}

// Breaker is a circuit breaker guarding one external dependency. After the
// failure threshold trips it rejects calls until ResetTimeout elapses, then
// lets a single probe through (half-open) to decide recovery.
type Breaker struct {
	mu          sync.Mutex
	cfg         BreakerConfig
	state       breakerState
	failures    int
	firstFailAt time.Time
	openedAt    time.Time
	now         func() time.Time
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg.withDefaults(), now: time.Now}
}

// Allow reports whether a call may proceed. A half-open probe is granted to
// exactly one caller per reset interval.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
			b.state = breakerHalfOpen
			return true
		}
		return false
	case breakerHalfOpen:
		// Probe already in flight.
		return false
	}
	return false
}

// Record feeds a call outcome back into the breaker.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.state = breakerClosed
		b.failures = 0
		b.firstFailAt = time.Time{}
		return
	}

	now := b.now()
	if b.state == breakerHalfOpen {
		b.state = breakerOpen
		b.openedAt = now
		return
	}

	if b.firstFailAt.IsZero() || now.Sub(b.firstFailAt) > b.cfg.MonitorWindow {
		b.firstFailAt = now
		b.failures = 0
	}
	b.failures++
	if b.failures >= b.cfg.FailureThreshold {
		b.state = breakerOpen
		b.openedAt = now
	}
}

// Do wraps fn with breaker admission and outcome recording.
func (b *Breaker) Do(fn func() error) error {
	if !b.Allow() {
		return ErrBreakerOpen
	}
	err := fn()
	b.Record(err)
	return err
}
