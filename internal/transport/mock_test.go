package transport

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/voxwire/voxbridge/internal/engine"
	"github.com/voxwire/voxbridge/internal/protocol"
)

// chanGenerator exposes a channel as the session's outbound pump.
type chanGenerator struct {
	ch chan protocol.Envelope
}

func (g *chanGenerator) Next(ctx context.Context) ([]byte, error) {
	select {
	case env, ok := <-g.ch:
		if !ok {
			return nil, io.EOF
		}
		return env.Marshal()
	case <-ctx.Done():
		return nil, io.EOF
	}
}

func openMock(t *testing.T) (*chanGenerator, engine.Stream) {
	t.Helper()
	gen := &chanGenerator{ch: make(chan protocol.Envelope, 16)}
	stream, err := NewMock().Open(context.Background(), "mock-1", gen)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return gen, stream
}

func nextFrame(t *testing.T, stream engine.Stream) protocol.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, err := stream.Frames().Next(ctx)
	if err != nil {
		t.Fatalf("Frames().Next() error = %v", err)
	}
	env, err := protocol.Parse(raw)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return env
}

func TestMockEchoesAudioInput(t *testing.T) {
	gen, stream := openMock(t)
	defer stream.Close(context.Background())

	gen.ch <- protocol.NewAudioInput("p", "c", "UENN")
	env := nextFrame(t, stream)
	if env.Kind != protocol.KindAudioOutput {
		t.Fatalf("echoed kind = %s, want audioOutput", env.Kind)
	}
	if env.String("content") != "UENN" {
		t.Fatalf("echoed content = %q, want the input payload", env.String("content"))
	}
}

func TestMockSimulatesModelTurn(t *testing.T) {
	gen, stream := openMock(t)
	defer stream.Close(context.Background())

	gen.ch <- protocol.NewContentEnd("p", "c")
	want := []protocol.EventKind{
		protocol.KindCompletionStart,
		protocol.KindTextOutput,
		protocol.KindCompletionEnd,
	}
	for _, kind := range want {
		env := nextFrame(t, stream)
		if env.Kind != kind {
			t.Fatalf("simulated turn kind = %s, want %s", env.Kind, kind)
		}
	}
}

func TestMockSendAudioChunkEchoes(t *testing.T) {
	_, stream := openMock(t)
	defer stream.Close(context.Background())

	if err := stream.SendAudioChunk(context.Background(), []byte{1, 2, 3}); err != nil {
		t.Fatalf("SendAudioChunk() error = %v", err)
	}
	env := nextFrame(t, stream)
	if env.Kind != protocol.KindAudioOutput || env.String("content") == "" {
		t.Fatalf("chunk echo = %s %v", env.Kind, env.Fields)
	}
}

func TestMockSessionEndFinishesStream(t *testing.T) {
	gen, stream := openMock(t)

	gen.ch <- protocol.NewSessionEnd()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := stream.Frames().Next(ctx); err != io.EOF {
		t.Fatalf("Frames().Next() after sessionEnd error = %v, want io.EOF", err)
	}
	deadline := time.Now().Add(time.Second)
	for stream.Active() && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if stream.Active() {
		t.Fatalf("stream still active after sessionEnd")
	}
}

func TestMockCloseIdempotent(t *testing.T) {
	_, stream := openMock(t)
	if err := stream.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := stream.Close(context.Background()); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if stream.Active() {
		t.Fatalf("Active() = true after Close")
	}
}
