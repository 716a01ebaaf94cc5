package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxwire/voxbridge/internal/observability"
	"github.com/voxwire/voxbridge/internal/protocol"
)

// dispatcher demultiplexes the transport's inbound frame stream for one
// session. Frames are processed in arrival order; handler invocation is
// synchronous inside the loop, so a slow handler only delays its own
// session.
type dispatcher struct {
	sessionID string

	// bufferOutput pushes decoded model audio; emit fans an envelope out to
	// the session's handlers; completionStarted clears the waiting flag.
	bufferOutput      func(pcm []byte)
	emit              func(protocol.Envelope)
	completionStarted func()

	metrics *observability.Metrics
	stages  *observability.StageWindow

	// degraded routes frames through the minimal decode path after the rich
	// path's instrumentation has panicked once.
	degraded     atomic.Bool
	completeOnce sync.Once
}

// Run consumes frames until EOF or a transport error. On clean EOF a single
// terminal streamComplete envelope is dispatched; a transport error becomes
// an errorEvent envelope and the loop ends. The retry-or-close decision
// belongs to the session manager, not here.
func (d *dispatcher) Run(ctx context.Context, frames Generator) {
	for {
		raw, err := frames.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) || ctx.Err() != nil {
				d.complete()
				return
			}
			log.Printf("session %s: inbound stream error: %v", d.sessionID, err)
			d.emit(protocol.NewErrorEvent("transport", err.Error()))
			d.complete()
			return
		}
		if len(raw) == 0 {
			continue
		}
		d.handleFrame(raw)
	}
}

func (d *dispatcher) handleFrame(raw []byte) {
	if d.degraded.Load() {
		d.handleMinimal(raw)
		return
	}

	env, ok := d.decodeRich(raw)
	if !ok {
		if d.degraded.Load() {
			// Instrumentation broke, the frame itself may be fine. Retry the
			// same frame once through the minimal path; it has not been
			// dispatched yet.
			d.handleMinimal(raw)
		}
		return
	}
	d.route(env)
}

// decodeRich parses one frame with full diagnostics. A panic here is
// attributed to the instrumentation layer, not the data, and flips the
// dispatcher into degraded mode.
func (d *dispatcher) decodeRich(raw []byte) (env protocol.Envelope, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("session %s: dispatch instrumentation panic, falling back to minimal path: %v",
				d.sessionID, r)
			d.stages.ObserveIndicator("dispatch_fallback")
			d.degraded.Store(true)
			env, ok = protocol.Envelope{}, false
		}
	}()

	start := time.Now()
	env, err := protocol.Parse(raw)
	if err != nil {
		log.Printf("session %s: skip undecodable frame: %v", d.sessionID, err)
		return protocol.Envelope{}, false
	}
	if d.metrics != nil {
		d.metrics.Envelopes.WithLabelValues("in", string(env.Kind)).Inc()
	}
	d.stages.ObserveSince(observability.StageFrameToDispatch, start)
	return env, true
}

// handleMinimal is the best-effort fallback: plain parse, audio/text/tool
// routing only, no metrics or latency accounting.
func (d *dispatcher) handleMinimal(raw []byte) {
	env, err := protocol.Parse(raw)
	if err != nil {
		log.Printf("session %s: skip undecodable frame: %v", d.sessionID, err)
		return
	}
	d.route(env)
}

func (d *dispatcher) route(env protocol.Envelope) {
	switch env.Kind {
	case protocol.KindAudioOutput:
		// Buffering and fan-out are both mandatory.
		if content := env.String("content"); content != "" {
			pcm, err := base64.StdEncoding.DecodeString(content)
			if err != nil {
				log.Printf("session %s: bad audioOutput payload: %v", d.sessionID, err)
			} else {
				d.bufferOutput(pcm)
			}
		}
		d.emit(env)
	case protocol.KindCompletionStart:
		d.completionStarted()
		d.emit(env)
	case protocol.KindContentEnd:
		if strings.EqualFold(env.String("type"), "TOOL") {
			log.Printf("session %s: dropping tool contentEnd, tool execution handled upstream", d.sessionID)
			return
		}
		d.emit(env)
	case protocol.KindUnknown:
		if len(env.Fields) == 0 {
			return
		}
		d.emit(env)
	default:
		d.emit(env)
	}
}

// complete dispatches the terminal streamComplete envelope exactly once.
func (d *dispatcher) complete() {
	d.completeOnce.Do(func() {
		d.emit(protocol.NewStreamComplete())
	})
}
