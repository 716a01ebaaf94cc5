package engine

import (
	"context"
	"io"
	"log"
	"sync"
	"time"

	"github.com/voxwire/voxbridge/internal/observability"
	"github.com/voxwire/voxbridge/internal/protocol"
)

// sendQueue is the outbound event pump of one session. Producers enqueue
// envelopes; the transport pulls serialized frames through Next. The pump
// blocks at exactly one point, racing "envelope enqueued" against "session
// closing", and yields strictly in FIFO order.
type sendQueue struct {
	sessionID string

	mu    sync.Mutex
	queue []queuedEnvelope

	wake      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once

	// active and waiting read the owning session's flags; markDead demotes
	// the session after an unexpected panic inside Next.
	active   func() bool
	waiting  func() bool
	markDead func()

	stages *observability.StageWindow
}

type queuedEnvelope struct {
	env protocol.Envelope
	at  time.Time
}

func newSendQueue(sessionID string, active, waiting func() bool, markDead func(), stages *observability.StageWindow) *sendQueue {
	return &sendQueue{
		sessionID: sessionID,
		wake:      make(chan struct{}, 1),
		closed:    make(chan struct{}),
		active:    active,
		waiting:   waiting,
		markDead:  markDead,
		stages:    stages,
	}
}

// Enqueue appends one envelope and wakes a blocked Next. Never blocks.
func (q *sendQueue) Enqueue(env protocol.Envelope) {
	q.mu.Lock()
	q.queue = append(q.queue, queuedEnvelope{env: env, at: time.Now()})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Close unblocks Next permanently. Idempotent.
func (q *sendQueue) Close() {
	q.closeOnce.Do(func() { close(q.closed) })
}

func (q *sendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// pending returns a snapshot of queued envelopes, newest last.
func (q *sendQueue) pending() []protocol.Envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]protocol.Envelope, len(q.queue))
	for i, item := range q.queue {
		out[i] = item.env
	}
	return out
}

func (q *sendQueue) pop() (queuedEnvelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.queue) == 0 {
		return queuedEnvelope{}, false
	}
	head := q.queue[0]
	q.queue = q.queue[1:]
	return head, true
}

// Next implements Generator for the transport's outbound side. The state
// machine: inactive terminates; empty blocks on wake or close; a post-wake
// empty queue blocks again when the session is live (stale coalesced token)
// or, when the session is waiting on the model, holds the stream open until
// close. A serialization failure substitutes
// an error envelope instead of killing the session, and a panic demotes the
// session and ends the stream cleanly so the transport generator never
// hangs.
func (q *sendQueue) Next(ctx context.Context) (frame []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("session %s: send queue panic: %v", q.sessionID, r)
			q.markDead()
			frame, err = nil, io.EOF
		}
	}()

	for {
		if !q.active() {
			return nil, io.EOF
		}

		item, ok := q.pop()
		if !ok {
			select {
			case <-q.wake:
			case <-q.closed:
				return nil, io.EOF
			case <-ctx.Done():
				return nil, io.EOF
			}

			item, ok = q.pop()
			if !ok {
				// Wakes coalesce, so a token can outlive the burst that sent
				// it: N enqueues leave one token behind after all N items are
				// popped. An empty queue here means either that stale token
				// or a wake racing shutdown.
				if !q.active() {
					return nil, io.EOF
				}
				if q.waiting() {
					// Nothing left to send; hold the stream open until the
					// model's reply cycle finishes and the session closes.
					select {
					case <-q.closed:
					case <-ctx.Done():
					}
					return nil, io.EOF
				}
				continue
			}
		}

		if loggable(item.env) {
			log.Printf("session %s: send %s", q.sessionID, item.env.Kind)
		}

		raw, merr := item.env.Marshal()
		if merr != nil {
			log.Printf("session %s: cannot serialize %s envelope, substituting error event: %v",
				q.sessionID, item.env.Kind, merr)
			raw, merr = protocol.NewErrorEvent("send_queue", "serialization failure").Marshal()
			if merr != nil {
				continue
			}
		}

		q.stages.ObserveSince(observability.StageEnqueueToYield, item.at)
		return raw, nil
	}
}

// loggable suppresses the per-chunk audio kinds that would flood the log at
// telephony frame rate.
func loggable(env protocol.Envelope) bool {
	if env.Kind == protocol.KindAudioInput {
		return false
	}
	if env.Kind == protocol.KindContentStart && env.String("type") == "AUDIO" {
		return false
	}
	return true
}
