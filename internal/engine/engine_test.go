package engine

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxwire/voxbridge/internal/observability"
)

// fakeStream records chunk sends and teardown calls so tests can assert on
// transport interactions without a live gateway.
type fakeStream struct {
	mu         sync.Mutex
	sendCalls  [][]byte
	closeCalls int32
	inactive   atomic.Bool
	frames     chan []byte
	framesOnce sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{frames: make(chan []byte, 64)}
}

func (f *fakeStream) Frames() Generator {
	return GeneratorFunc(func(ctx context.Context) ([]byte, error) {
		select {
		case frame, ok := <-f.frames:
			if !ok {
				return nil, io.EOF
			}
			return frame, nil
		case <-ctx.Done():
			return nil, io.EOF
		}
	})
}

func (f *fakeStream) SendAudioChunk(_ context.Context, chunk []byte) error {
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	f.mu.Lock()
	f.sendCalls = append(f.sendCalls, cp)
	f.mu.Unlock()
	return nil
}

func (f *fakeStream) Active() bool { return !f.inactive.Load() }

func (f *fakeStream) Close(context.Context) error {
	atomic.AddInt32(&f.closeCalls, 1)
	f.framesOnce.Do(func() { close(f.frames) })
	return nil
}

func (f *fakeStream) sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sendCalls))
	copy(out, f.sendCalls)
	return out
}

// fakeTransport hands out fakeStreams. With drainOutbound set it consumes
// the session's pump the way a real gateway write loop would.
type fakeTransport struct {
	mu            sync.Mutex
	streams       []*fakeStream
	openDelay     time.Duration
	drainOutbound bool
	realtime      bool
}

func (t *fakeTransport) Open(ctx context.Context, _ string, outbound Generator) (Stream, error) {
	if t.openDelay > 0 {
		time.Sleep(t.openDelay)
	}
	s := newFakeStream()
	t.mu.Lock()
	t.streams = append(t.streams, s)
	t.mu.Unlock()
	if t.drainOutbound {
		go func() {
			for {
				if _, err := outbound.Next(context.Background()); err != nil {
					return
				}
			}
		}()
	}
	return s, nil
}

func (t *fakeTransport) Capabilities() Capabilities {
	return Capabilities{RealtimeAudio: t.realtime}
}

func (t *fakeTransport) lastStream() *fakeStream {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.streams) == 0 {
		return nil
	}
	return t.streams[len(t.streams)-1]
}

func testSessionConfig() Config {
	return Config{
		DrainInterval: 5 * time.Millisecond,
		CloseGrace:    20 * time.Millisecond,
		AckTimeout:    100 * time.Millisecond,
	}
}

func newTestSession(t interface{ Fatalf(string, ...any) }, transport Transport, cfg Config) *Session {
	s, err := newSession(context.Background(), "", transport, cfg, nil, observability.NewStageWindow(16))
	if err != nil {
		t.Fatalf("newSession() error = %v", err)
	}
	return s
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}
