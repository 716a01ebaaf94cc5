package transport

import (
	"context"
	"encoding/base64"
	"io"
	"sync"

	"github.com/voxwire/voxbridge/internal/engine"
	"github.com/voxwire/voxbridge/internal/protocol"
)

// Mock is an in-process transport used when no gateway is configured and in
// tests. Caller audio is echoed back as model audio, and closing the user's
// audio content produces a small simulated model turn.
type Mock struct{}

func NewMock() *Mock { return &Mock{} }

func (m *Mock) Capabilities() engine.Capabilities {
	return engine.Capabilities{RealtimeAudio: true}
}

func (m *Mock) Open(_ context.Context, sessionID string, outbound engine.Generator) (engine.Stream, error) {
	s := &mockStream{
		sessionID: sessionID,
		frames:    make(chan []byte, 256),
	}
	go s.pumpOutbound(outbound)
	return s, nil
}

type mockStream struct {
	sessionID string

	mu     sync.Mutex
	closed bool
	frames chan []byte
}

// pumpOutbound consumes the session's event pump and fabricates replies.
func (s *mockStream) pumpOutbound(outbound engine.Generator) {
	ctx := context.Background()
	for {
		frame, err := outbound.Next(ctx)
		if err != nil {
			s.finish()
			return
		}
		env, err := protocol.Parse(frame)
		if err != nil {
			continue
		}
		switch env.Kind {
		case protocol.KindAudioInput:
			if content := env.String("content"); content != "" {
				s.emit(protocol.Envelope{Kind: protocol.KindAudioOutput, Fields: map[string]any{
					"promptName": env.String("promptName"),
					"content":    content,
				}})
			}
		case protocol.KindContentEnd:
			s.emit(protocol.Envelope{Kind: protocol.KindCompletionStart, Fields: map[string]any{
				"promptName": env.String("promptName"),
			}})
			s.emit(protocol.Envelope{Kind: protocol.KindTextOutput, Fields: map[string]any{
				"promptName": env.String("promptName"),
				"role":       "ASSISTANT",
				"content":    "simulated model reply",
			}})
			s.emit(protocol.Envelope{Kind: protocol.KindCompletionEnd, Fields: map[string]any{
				"promptName": env.String("promptName"),
			}})
		case protocol.KindSessionEnd:
			s.finish()
			return
		}
	}
}

func (s *mockStream) emit(env protocol.Envelope) {
	raw, err := env.Marshal()
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.frames <- raw:
	default:
	}
}

func (s *mockStream) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.frames)
}

func (s *mockStream) Frames() engine.Generator {
	return engine.GeneratorFunc(func(ctx context.Context) ([]byte, error) {
		select {
		case frame, ok := <-s.frames:
			if !ok {
				return nil, io.EOF
			}
			return frame, nil
		case <-ctx.Done():
			return nil, io.EOF
		}
	})
}

// SendAudioChunk is the realtime primitive; the mock echoes the chunk back
// as one model audio frame.
func (s *mockStream) SendAudioChunk(_ context.Context, chunk []byte) error {
	s.emit(protocol.Envelope{Kind: protocol.KindAudioOutput, Fields: map[string]any{
		"content": base64.StdEncoding.EncodeToString(chunk),
	}})
	return nil
}

func (s *mockStream) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *mockStream) Close(_ context.Context) error {
	s.finish()
	return nil
}
