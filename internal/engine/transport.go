package engine

import "context"

// Generator is a pull-based frame source. Next blocks until a frame is
// available and returns io.EOF when the stream terminates. The engine never
// assumes anything about the framing beyond ordered byte frames.
type Generator interface {
	Next(ctx context.Context) ([]byte, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context) ([]byte, error)

func (f GeneratorFunc) Next(ctx context.Context) ([]byte, error) { return f(ctx) }

// Capabilities is computed once when a session is constructed. Optional
// transport features are checked here, never by probing at call time.
type Capabilities struct {
	// RealtimeAudio reports whether the stream exposes a single-chunk audio
	// send primitive. Without it audio rides the envelope queue.
	RealtimeAudio bool
}

// Stream is one open bidirectional connection to the model gateway.
type Stream interface {
	// Frames returns the inbound frame source consumed by the dispatcher.
	Frames() Generator

	// SendAudioChunk writes one raw audio chunk. Only valid when the
	// transport advertises RealtimeAudio.
	SendAudioChunk(ctx context.Context, chunk []byte) error

	// Active reports whether the underlying connection is still usable.
	Active() bool

	// Close tears the connection down. Safe to call more than once.
	Close(ctx context.Context) error
}

// Transport opens model gateway streams. The outbound generator is the
// session's event queue pump; the transport pulls frames from it at its
// own pace.
type Transport interface {
	Open(ctx context.Context, sessionID string, outbound Generator) (Stream, error)
	Capabilities() Capabilities
}
