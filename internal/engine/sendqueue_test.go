package engine

import (
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voxwire/voxbridge/internal/observability"
	"github.com/voxwire/voxbridge/internal/protocol"
)

func newTestQueue(active, waiting func() bool) *sendQueue {
	if active == nil {
		active = func() bool { return true }
	}
	if waiting == nil {
		waiting = func() bool { return false }
	}
	return newSendQueue("q-test", active, waiting, func() {}, observability.NewStageWindow(16))
}

func mustParseFrame(t *testing.T, frame []byte) protocol.Envelope {
	t.Helper()
	env, err := protocol.Parse(frame)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return env
}

func TestSendQueueFIFO(t *testing.T) {
	q := newTestQueue(nil, nil)
	q.Enqueue(protocol.NewPromptStart("p", 8000))
	q.Enqueue(protocol.NewTextInput("p", "c", "hello"))
	q.Enqueue(protocol.NewContentEnd("p", "c"))

	ctx := context.Background()
	for _, want := range []protocol.EventKind{
		protocol.KindPromptStart, protocol.KindTextInput, protocol.KindContentEnd,
	} {
		frame, err := q.Next(ctx)
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if env := mustParseFrame(t, frame); env.Kind != want {
			t.Fatalf("Next() kind = %s, want %s", env.Kind, want)
		}
	}
}

func TestSendQueueInactiveReturnsEOF(t *testing.T) {
	q := newTestQueue(func() bool { return false }, nil)
	q.Enqueue(protocol.NewTextInput("p", "c", "hello"))
	if _, err := q.Next(context.Background()); err != io.EOF {
		t.Fatalf("Next() error = %v, want io.EOF", err)
	}
}

func TestSendQueueBlocksUntilEnqueue(t *testing.T) {
	q := newTestQueue(nil, nil)
	got := make(chan []byte, 1)
	go func() {
		frame, _ := q.Next(context.Background())
		got <- frame
	}()

	time.Sleep(10 * time.Millisecond)
	select {
	case <-got:
		t.Fatalf("Next() returned before any envelope was enqueued")
	default:
	}

	q.Enqueue(protocol.NewSessionEnd())
	select {
	case frame := <-got:
		if env := mustParseFrame(t, frame); env.Kind != protocol.KindSessionEnd {
			t.Fatalf("Next() kind = %s, want sessionEnd", env.Kind)
		}
	case <-time.After(time.Second):
		t.Fatalf("Next() did not wake after Enqueue")
	}
}

func TestSendQueueCloseUnblocks(t *testing.T) {
	q := newTestQueue(nil, nil)
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Next(context.Background())
		errCh <- err
	}()

	time.Sleep(5 * time.Millisecond)
	q.Close()
	select {
	case err := <-errCh:
		if err != io.EOF {
			t.Fatalf("Next() error = %v, want io.EOF", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Next() did not unblock after Close")
	}
}

// A wake with nothing queued while the session waits on the model must keep
// the stream open until close, not terminate it.
func TestSendQueueWaitingHoldsStreamOpen(t *testing.T) {
	q := newTestQueue(nil, func() bool { return true })
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Next(context.Background())
		errCh <- err
	}()

	q.wake <- struct{}{}
	time.Sleep(10 * time.Millisecond)
	select {
	case <-errCh:
		t.Fatalf("Next() terminated on a spurious wake while waiting for the model")
	default:
	}

	q.Close()
	select {
	case err := <-errCh:
		if err != io.EOF {
			t.Fatalf("Next() error = %v, want io.EOF", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Next() did not unblock after Close")
	}
}

// Wakes coalesce, so draining a burst of enqueues leaves one stale token
// behind. The next pull must block for the next envelope, not end the
// stream while the session is live.
func TestSendQueueStaleWakeKeepsStreamOpen(t *testing.T) {
	q := newTestQueue(nil, nil)
	q.Enqueue(protocol.NewPromptStart("p", 8000))
	q.Enqueue(protocol.NewPromptEnd("p"))

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := q.Next(ctx); err != nil {
			t.Fatalf("Next() error = %v", err)
		}
	}

	got := make(chan []byte, 1)
	errCh := make(chan error, 1)
	go func() {
		frame, err := q.Next(ctx)
		got <- frame
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	select {
	case <-got:
		t.Fatalf("Next() returned on a stale wake token while the session is live")
	default:
	}

	q.Enqueue(protocol.NewSessionEnd())
	select {
	case frame := <-got:
		if err := <-errCh; err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if env := mustParseFrame(t, frame); env.Kind != protocol.KindSessionEnd {
			t.Fatalf("Next() kind = %s, want sessionEnd", env.Kind)
		}
	case <-time.After(time.Second):
		t.Fatalf("Next() did not deliver the envelope enqueued after the stale wake")
	}
}

// A wake that races shutdown ends the stream once the session reads as
// inactive.
func TestSendQueueWakeRacingShutdownEndsStream(t *testing.T) {
	var live atomic.Bool
	live.Store(true)
	q := newTestQueue(live.Load, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Next(context.Background())
		errCh <- err
	}()

	time.Sleep(5 * time.Millisecond)
	live.Store(false)
	q.wake <- struct{}{}

	select {
	case err := <-errCh:
		if err != io.EOF {
			t.Fatalf("Next() error = %v, want io.EOF", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Next() did not end after a wake during shutdown")
	}
}

func TestSendQueueSerializationSubstitutesErrorEvent(t *testing.T) {
	q := newTestQueue(nil, nil)
	q.Enqueue(protocol.Envelope{
		Kind:   protocol.KindTextInput,
		Fields: map[string]any{"content": make(chan int)},
	})

	frame, err := q.Next(context.Background())
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	env := mustParseFrame(t, frame)
	if env.Kind != protocol.KindError {
		t.Fatalf("substituted kind = %s, want errorEvent", env.Kind)
	}
	if env.String("source") != "send_queue" {
		t.Fatalf("substituted source = %q, want send_queue", env.String("source"))
	}
}

func TestSendQueueLenAndPending(t *testing.T) {
	q := newTestQueue(nil, nil)
	if q.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", q.Len())
	}
	q.Enqueue(protocol.NewPromptStart("p", 8000))
	q.Enqueue(protocol.NewPromptEnd("p"))
	if q.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", q.Len())
	}
	pend := q.pending()
	if len(pend) != 2 || pend[1].Kind != protocol.KindPromptEnd {
		t.Fatalf("pending() tail kind wrong, got %d envelopes", len(pend))
	}
}
