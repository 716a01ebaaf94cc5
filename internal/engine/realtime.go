package engine

import (
	"log"
	"time"

	"github.com/voxwire/voxbridge/internal/observability"
	"github.com/voxwire/voxbridge/internal/protocol"
)

// ConversationState is derived on every query, never stored.
type ConversationState string

const (
	StateIdle            ConversationState = "idle"
	StateUserSpeaking    ConversationState = "user_speaking"
	StateModelResponding ConversationState = "model_responding"
	StateInterrupted     ConversationState = "interrupted"
)

// interruptedWindow is how long after the last user activity the session
// reports interrupted, provided realtime mode is on and no model audio is
// queued.
const interruptedWindow = time.Second

// ConversationState derives the current phase from the speaking flags,
// output queue occupancy, and user-activity recency.
func (s *Session) ConversationState() ConversationState {
	s.mu.Lock()
	userSpeaking := s.userSpeaking
	realtime := s.realtimeEnabled
	lastUser := s.lastUserActivity
	s.mu.Unlock()

	switch {
	case userSpeaking:
		return StateUserSpeaking
	case s.buffers.OutputLen() > 0:
		return StateModelResponding
	case realtime && !lastUser.IsZero() && time.Since(lastUser) <= interruptedWindow:
		return StateInterrupted
	default:
		return StateIdle
	}
}

// SetUserSpeaking updates the voice-activity flag. A false to true edge
// while the model is speaking triggers barge-in. No-op on an inactive
// session so teardown races stay quiet.
func (s *Session) SetUserSpeaking(speaking bool) {
	if !s.Active() {
		return
	}
	s.mu.Lock()
	prev := s.userSpeaking
	s.userSpeaking = speaking
	s.lastUserActivity = time.Now()
	s.lastActivity = s.lastUserActivity
	bargeIn := !prev && speaking && s.modelSpeaking && s.realtimeEnabled
	s.mu.Unlock()

	if bargeIn {
		s.InterruptModel()
	}
}

// InterruptModel is the barge-in contract: every unplayed model chunk is
// discarded before the interruption envelope is enqueued, so stale audio
// can never reach the speaker. No-op on an inactive session.
func (s *Session) InterruptModel() {
	if !s.Active() {
		return
	}
	start := time.Now()
	dropped := s.buffers.ClearOutput()

	s.mu.Lock()
	s.modelSpeaking = false
	s.lastActivity = time.Now()
	s.mu.Unlock()

	s.enqueue(protocol.NewInterruption("user_speaking"))
	s.stages.ObserveSince(observability.StageInterruptFlush, start)
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues("interrupt").Inc()
		s.metrics.ObserveInterruptLatency(time.Since(start))
		if dropped > 0 {
			s.metrics.BufferDrops.WithLabelValues("output", "interrupt").Add(float64(dropped))
		}
	}
	log.Printf("session %s: barge-in, flushed %d queued model chunks", s.id, dropped)
}

// EnableRealtimeMode is idempotent. Sessions start with realtime mode on;
// the toggle stays for callers that gate it explicitly.
func (s *Session) EnableRealtimeMode() {
	if !s.Active() {
		return
	}
	s.mu.Lock()
	already := s.realtimeEnabled
	s.realtimeEnabled = true
	s.mu.Unlock()
	if already {
		return
	}
	if !s.caps.RealtimeAudio {
		log.Printf("session %s: realtime mode on, transport lacks chunk primitive, using envelope path", s.id)
	}
}
