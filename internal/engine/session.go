package engine

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxwire/voxbridge/internal/audio"
	"github.com/voxwire/voxbridge/internal/observability"
	"github.com/voxwire/voxbridge/internal/protocol"
	"github.com/voxwire/voxbridge/internal/reliability"
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

type sessionState int

const (
	stateActive sessionState = iota
	stateClosing
	stateClosed
)

// Config tunes one session. Zero values take the defaults below.
type Config struct {
	MaxChunksPerBatch      int
	DrainInterval          time.Duration
	CloseGrace             time.Duration
	AckTimeout             time.Duration
	SampleRateHz           int
	MaxTokens              int
	Temperature            float64
	TopP                   float64
	SystemPrompt           string
	Buffers                audio.Config
	RealtimeInputMaxChunks int
}

func (c Config) withDefaults() Config {
	if c.MaxChunksPerBatch <= 0 {
		c.MaxChunksPerBatch = 8
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = 20 * time.Millisecond
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = 500 * time.Millisecond
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 8 * time.Second
	}
	if c.SampleRateHz <= 0 {
		c.SampleRateHz = 8000
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 1024
	}
	if c.Temperature <= 0 {
		c.Temperature = 0.7
	}
	if c.TopP <= 0 {
		c.TopP = 0.9
	}
	if c.RealtimeInputMaxChunks <= 0 {
		c.RealtimeInputMaxChunks = 1
	}
	return c
}

type terminalEvents struct {
	completionEnd  bool
	streamComplete bool
	sessionEnd     bool
}

// Session owns one call's streaming state: the outbound event pump, the
// inbound dispatcher, both audio queues, and the handler registry. All
// mutation goes through its methods; the state machine is
// Active -> Closing -> Closed and never reopens.
type Session struct {
	id             string
	promptName     string
	audioContentID string
	cfg            Config

	stream Stream
	caps   Capabilities

	queue      *sendQueue
	buffers    *audio.Buffers
	dispatcher *dispatcher

	metrics *observability.Metrics
	stages  *observability.StageWindow

	ctx    context.Context
	cancel context.CancelFunc

	mu                    sync.Mutex
	state                 sessionState
	active                bool
	promptStartSent       bool
	audioContentStartSent bool
	waitingForResponse    bool
	userSpeaking          bool
	modelSpeaking         bool
	realtimeEnabled       bool
	lastActivity          time.Time
	lastUserActivity      time.Time
	terminal              terminalEvents
	turnDone              chan struct{}
	closeErr              error

	closeDone      chan struct{}
	dispatcherDone chan struct{}

	drainMu        sync.Mutex
	drainScheduled bool

	rtMu      sync.Mutex
	rtPending []audio.Chunk

	handlersMu sync.RWMutex
	handlers   map[protocol.EventKind]func(protocol.Envelope)
}

func newSession(ctx context.Context, id string, transport Transport, cfg Config, metrics *observability.Metrics, stages *observability.StageWindow) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if !sessionIDPattern.MatchString(id) {
		return nil, reliability.New(reliability.KindValidation, "session",
			fmt.Sprintf("invalid session id %q", id))
	}
	if transport == nil {
		return nil, reliability.New(reliability.KindConfiguration, "session", "transport is required")
	}
	cfg = cfg.withDefaults()

	sctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	s := &Session{
		id:              id,
		promptName:      uuid.NewString(),
		audioContentID:  uuid.NewString(),
		cfg:             cfg,
		buffers:         audio.NewBuffers(cfg.Buffers),
		metrics:         metrics,
		stages:          stages,
		ctx:             sctx,
		cancel:          cancel,
		active:          true,
		realtimeEnabled: true,
		lastActivity:    now,
		closeDone:       make(chan struct{}),
		dispatcherDone:  make(chan struct{}),
		handlers:        make(map[protocol.EventKind]func(protocol.Envelope)),
	}
	s.queue = newSendQueue(id, s.pumpActive, s.isWaiting, s.demote, stages)
	s.dispatcher = &dispatcher{
		sessionID:         id,
		bufferOutput:      s.BufferAudioOutput,
		emit:              s.dispatchEvent,
		completionStarted: s.clearWaiting,
		metrics:           metrics,
		stages:            stages,
	}

	stream, err := transport.Open(ctx, id, s.queue)
	if err != nil {
		cancel()
		return nil, reliability.Wrap(reliability.KindStreaming, "transport", err)
	}
	s.stream = stream
	s.caps = transport.Capabilities()

	s.enqueue(protocol.NewSessionStart(cfg.MaxTokens, cfg.Temperature, cfg.TopP))
	go func() {
		defer close(s.dispatcherDone)
		s.dispatcher.Run(s.ctx, stream.Frames())
	}()
	return s, nil
}

func (s *Session) ID() string { return s.id }

// Active reports whether mutating operations are accepted.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Stats never fails, even after close.
func (s *Session) Stats() audio.Stats {
	return s.buffers.Stats()
}

// PendingEvents reports the outbound queue depth.
func (s *Session) PendingEvents() int {
	return s.queue.Len()
}

// pumpActive keeps the outbound pump alive through the Closing state so the
// graceful end-of-session envelopes still flush.
func (s *Session) pumpActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active || s.state == stateClosing
}

func (s *Session) isWaiting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waitingForResponse
}

func (s *Session) clearWaiting() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waitingForResponse = false
}

func (s *Session) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// demote marks the session inactive without running teardown. Used when the
// transport reports dead underneath us or the pump panics; Close still owns
// the single teardown call.
func (s *Session) demote() {
	s.mu.Lock()
	wasActive := s.active
	s.active = false
	s.mu.Unlock()
	if wasActive {
		log.Printf("session %s: demoted to inactive", s.id)
		s.queue.Close()
	}
}

// ensureActive validates the session flag and re-checks the transport's own
// liveness so local and remote state cannot diverge silently.
func (s *Session) ensureActive() error {
	if !s.Active() {
		return reliability.New(reliability.KindSessionInactive, "session",
			"session "+s.id+" is not active")
	}
	if s.stream != nil && !s.stream.Active() {
		log.Printf("session %s: transport reports inactive", s.id)
		s.demote()
		return reliability.New(reliability.KindSessionInactive, "transport",
			"stream closed for session "+s.id)
	}
	return nil
}

func (s *Session) enqueue(env protocol.Envelope) {
	if s.metrics != nil {
		s.metrics.Envelopes.WithLabelValues("out", string(env.Kind)).Inc()
	}
	s.queue.Enqueue(env)
}

// SetupPromptStart opens the prompt. Idempotent within one prompt cycle.
func (s *Session) SetupPromptStart() error {
	if err := s.ensureActive(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.promptStartSent {
		s.mu.Unlock()
		return nil
	}
	s.promptStartSent = true
	s.lastActivity = time.Now()
	s.mu.Unlock()

	s.enqueue(protocol.NewPromptStart(s.promptName, s.cfg.SampleRateHz))
	return nil
}

// SetupSystemPrompt sends the system text as a complete content block.
func (s *Session) SetupSystemPrompt(prompt string) error {
	if err := s.ensureActive(); err != nil {
		return err
	}
	if prompt == "" {
		prompt = s.cfg.SystemPrompt
	}
	s.touch()

	contentName := uuid.NewString()
	s.enqueue(protocol.NewTextContentStart(s.promptName, contentName, "SYSTEM"))
	s.enqueue(protocol.NewTextInput(s.promptName, contentName, prompt))
	s.enqueue(protocol.NewContentEnd(s.promptName, contentName))
	return nil
}

// SetupStartAudio opens the audio content block for the user's turn.
func (s *Session) SetupStartAudio() error {
	if err := s.ensureActive(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.audioContentStartSent {
		s.mu.Unlock()
		return nil
	}
	s.audioContentStartSent = true
	s.lastActivity = time.Now()
	s.mu.Unlock()

	s.enqueue(protocol.NewAudioContentStart(s.promptName, s.audioContentID, s.cfg.SampleRateHz))
	return nil
}

// StreamAudio buffers one caller chunk and schedules an asynchronous drain.
// Zero-length and oversized chunks are accepted; a nil chunk is rejected as
// an audio processing error.
func (s *Session) StreamAudio(chunk []byte) error {
	if err := s.ensureActive(); err != nil {
		return err
	}
	if chunk == nil {
		return reliability.New(reliability.KindAudioProcessing, "session",
			"audio chunk must be a byte buffer")
	}
	s.touch()
	s.buffers.PushInput(audio.Chunk(chunk))
	s.scheduleDrain(0)
	return nil
}

// StreamAudioRealtime sends with effectively no buffering: the pending
// slice is capped near one chunk and drained synchronously. A send failure
// keeps the remainder pending and never surfaces to the caller.
func (s *Session) StreamAudioRealtime(chunk []byte) error {
	if err := s.ensureActive(); err != nil {
		return err
	}
	if chunk == nil {
		return reliability.New(reliability.KindAudioProcessing, "session",
			"audio chunk must be a byte buffer")
	}
	s.touch()

	s.rtMu.Lock()
	defer s.rtMu.Unlock()
	s.rtPending = append(s.rtPending, audio.Chunk(chunk))
	for len(s.rtPending) > s.cfg.RealtimeInputMaxChunks {
		s.rtPending = s.rtPending[1:]
		if s.metrics != nil {
			s.metrics.BufferDrops.WithLabelValues("realtime_input", "overflow").Inc()
		}
	}
	for len(s.rtPending) > 0 {
		if err := s.sendChunk(s.rtPending[0]); err != nil {
			log.Printf("session %s: realtime chunk send failed, keeping pending: %v", s.id, err)
			return nil
		}
		s.rtPending = s.rtPending[1:]
	}
	return nil
}

// scheduleDrain arms the drain timer if one is not already pending.
func (s *Session) scheduleDrain(delay time.Duration) {
	s.drainMu.Lock()
	if s.drainScheduled {
		s.drainMu.Unlock()
		return
	}
	s.drainScheduled = true
	s.drainMu.Unlock()
	s.buffers.SetDrainScheduled(true)
	time.AfterFunc(delay, s.drainTick)
}

// drainTick moves at most MaxChunksPerBatch chunks to the transport, then
// reschedules itself while backlog remains. Bounds per-tick latency without
// busy looping; individual send failures are logged and swallowed.
func (s *Session) drainTick() {
	start := time.Now()
	chunks := s.buffers.DrainInput(s.cfg.MaxChunksPerBatch)
	for _, chunk := range chunks {
		if err := s.sendChunk(chunk); err != nil {
			log.Printf("session %s: drop audio chunk after send failure: %v", s.id, err)
		}
	}
	if len(chunks) > 0 {
		s.stages.ObserveSince(observability.StageChunkDrain, start)
	}

	s.drainMu.Lock()
	s.drainScheduled = false
	s.drainMu.Unlock()
	s.buffers.SetDrainScheduled(false)

	if s.buffers.InputLen() > 0 && s.Active() {
		s.scheduleDrain(s.cfg.DrainInterval)
	}
}

// sendChunk uses the transport's chunk primitive when it exists, otherwise
// the chunk rides the event queue as an audioInput envelope.
func (s *Session) sendChunk(chunk audio.Chunk) error {
	if s.caps.RealtimeAudio {
		return s.stream.SendAudioChunk(s.ctx, []byte(chunk))
	}
	s.enqueue(protocol.NewAudioInput(s.promptName, s.audioContentID,
		base64.StdEncoding.EncodeToString(chunk)))
	return nil
}

// EndAudioContent closes the user's audio block and arms the turn-complete
// wait. No-op if the block was never opened.
func (s *Session) EndAudioContent() error {
	if err := s.ensureActive(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.audioContentStartSent {
		s.mu.Unlock()
		return nil
	}
	s.audioContentStartSent = false
	s.waitingForResponse = true
	s.terminal = terminalEvents{}
	s.turnDone = make(chan struct{})
	s.lastActivity = time.Now()
	s.mu.Unlock()

	s.enqueue(protocol.NewContentEnd(s.promptName, s.audioContentID))
	return nil
}

// EndPrompt closes the prompt. No-op if promptStart was never sent.
func (s *Session) EndPrompt() error {
	if err := s.ensureActive(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.promptStartSent {
		s.mu.Unlock()
		return nil
	}
	s.promptStartSent = false
	s.lastActivity = time.Now()
	s.mu.Unlock()

	s.enqueue(protocol.NewPromptEnd(s.promptName))
	return nil
}

// EndUserTurn is EndAudioContent followed by EndPrompt.
func (s *Session) EndUserTurn() error {
	if err := s.EndAudioContent(); err != nil {
		return err
	}
	return s.EndPrompt()
}

// BufferAudioOutput queues decoded model audio for the telephony leg.
func (s *Session) BufferAudioOutput(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	s.mu.Lock()
	s.modelSpeaking = true
	s.lastActivity = time.Now()
	s.mu.Unlock()
	s.buffers.PushOutput(audio.Chunk(pcm))
}

// NextAudioOutput pops the oldest unplayed model chunk, nil when empty.
// Non-blocking and safe after close.
func (s *Session) NextAudioOutput() []byte {
	chunk := s.buffers.NextOutput()
	if chunk == nil {
		return nil
	}
	return []byte(chunk)
}

// OnEvent registers the handler for one event kind, replacing any previous
// one. KindAny receives every dispatched envelope.
func (s *Session) OnEvent(kind protocol.EventKind, handler func(protocol.Envelope)) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	if handler == nil {
		delete(s.handlers, kind)
		return
	}
	s.handlers[kind] = handler
}

func (s *Session) dispatchEvent(env protocol.Envelope) {
	s.observeInbound(env)

	s.handlersMu.RLock()
	kindHandler := s.handlers[env.Kind]
	anyHandler := s.handlers[protocol.KindAny]
	s.handlersMu.RUnlock()

	if kindHandler != nil {
		kindHandler(env)
	}
	if anyHandler != nil {
		anyHandler(env)
	}
}

func (s *Session) observeInbound(env protocol.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
	switch env.Kind {
	case protocol.KindCompletionEnd:
		s.modelSpeaking = false
		s.terminal.completionEnd = true
		s.finishTurnLocked()
	case protocol.KindStreamComplete:
		s.terminal.streamComplete = true
		s.finishTurnLocked()
	case protocol.KindSessionEnd:
		s.terminal.sessionEnd = true
		s.finishTurnLocked()
	}
}

func (s *Session) finishTurnLocked() {
	s.waitingForResponse = false
	if s.turnDone == nil {
		return
	}
	select {
	case <-s.turnDone:
	default:
		close(s.turnDone)
	}
}

// AwaitTurnComplete blocks until the model finishes the current turn, the
// context ends, or the timeout fires. A timeout reports which terminal
// events were observed to aid diagnosis.
func (s *Session) AwaitTurnComplete(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = s.cfg.AckTimeout
	}
	s.mu.Lock()
	done := s.turnDone
	s.mu.Unlock()
	if done == nil {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		s.mu.Lock()
		t := s.terminal
		s.mu.Unlock()
		return reliability.New(reliability.KindAckTimeout, "session", fmt.Sprintf(
			"no turn completion within %s (completionEnd=%t streamComplete=%t sessionEnd=%t)",
			timeout, t.completionEnd, t.streamComplete, t.sessionEnd))
	}
}

// Close ends the session gracefully: contentEnd, promptEnd and sessionEnd
// flush through the pump before transport teardown. Concurrent callers wait
// for the in-flight close; teardown runs at most once.
func (s *Session) Close(ctx context.Context) error {
	return s.close(ctx, true)
}

// ForceClose skips the graceful end-of-session sequence.
func (s *Session) ForceClose(ctx context.Context) error {
	return s.close(ctx, false)
}

func (s *Session) close(ctx context.Context, graceful bool) error {
	s.mu.Lock()
	switch s.state {
	case stateClosed:
		err := s.closeErr
		s.mu.Unlock()
		return err
	case stateClosing:
		s.mu.Unlock()
		select {
		case <-s.closeDone:
			s.mu.Lock()
			err := s.closeErr
			s.mu.Unlock()
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.state = stateClosing
	wasActive := s.active
	promptSent := s.promptStartSent
	audioSent := s.audioContentStartSent
	s.waitingForResponse = false
	s.finishTurnLocked()
	s.mu.Unlock()

	if graceful && wasActive && s.stream != nil && s.stream.Active() {
		if audioSent {
			s.enqueue(protocol.NewContentEnd(s.promptName, s.audioContentID))
		}
		if promptSent {
			s.enqueue(protocol.NewPromptEnd(s.promptName))
		}
		s.enqueue(protocol.NewSessionEnd())
		s.awaitQueueDrain(ctx)
	}

	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
	s.queue.Close()

	var err error
	if s.stream != nil {
		err = s.stream.Close(ctx)
	}
	s.cancel()

	s.mu.Lock()
	s.state = stateClosed
	s.closeErr = err
	s.mu.Unlock()
	close(s.closeDone)

	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues("closed").Inc()
	}
	log.Printf("session %s: closed", s.id)
	return err
}

// awaitQueueDrain gives the pump a bounded window to flush the graceful
// end-of-session envelopes.
func (s *Session) awaitQueueDrain(ctx context.Context) {
	deadline := time.NewTimer(s.cfg.CloseGrace)
	defer deadline.Stop()
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if s.queue.Len() == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-ticker.C:
		}
	}
}

// clear drops buffered audio and handlers. Called by the manager after
// teardown, never while the session can still dispatch.
func (s *Session) clear() {
	s.buffers.Clear()
	s.handlersMu.Lock()
	s.handlers = make(map[protocol.EventKind]func(protocol.Envelope))
	s.handlersMu.Unlock()
}
