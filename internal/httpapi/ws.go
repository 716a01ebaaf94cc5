package httpapi

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxwire/voxbridge/internal/protocol"
	"github.com/voxwire/voxbridge/internal/reliability"
)

// handleSessionWS is the telephony leg: caller audio chunks in, model audio
// and events out, over one websocket per session.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		respondClassified(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()
	defer s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan any, 256)

	// Non-audio model events are forwarded as they dispatch; model audio is
	// pulled from the output buffer by the pump below so playback pacing
	// stays with this leg.
	sess.OnEvent(protocol.KindAny, func(env protocol.Envelope) {
		if env.Kind == protocol.KindAudioOutput {
			return
		}
		msg := protocol.ModelEvent{
			Type:      protocol.TypeModelEvent,
			SessionID: sessionID,
			Kind:      env.Kind,
			Fields:    env.Fields,
		}
		select {
		case outbound <- msg:
		default:
			// Writes stay single-threaded; shed when the leg cannot keep up.
		}
	})
	defer sess.OnEvent(protocol.KindAny, nil)

	audioDone := make(chan struct{})
	go func() {
		defer close(audioDone)
		seq := 0
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for i := 0; i < 8; i++ {
					chunk := sess.NextAudioOutput()
					if chunk == nil {
						break
					}
					seq++
					msg := protocol.ModelAudioChunk{
						Type:        protocol.TypeModelAudioChunk,
						SessionID:   sessionID,
						Seq:         seq,
						AudioBase64: base64.StdEncoding.EncodeToString(chunk),
					}
					select {
					case outbound <- msg:
					default:
					}
				}
			}
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.sendLegError(outbound, sessionID, "invalid_client_message", err)
			continue
		}

		switch msg := parsed.(type) {
		case protocol.ClientAudioChunk:
			pcm, err := base64.StdEncoding.DecodeString(msg.AudioBase64)
			if err != nil {
				s.sendLegError(outbound, sessionID, "invalid_audio_encoding", err)
				continue
			}
			if msg.Realtime {
				err = sess.StreamAudioRealtime(pcm)
			} else {
				err = sess.StreamAudio(pcm)
			}
			if err != nil {
				s.sendLegError(outbound, sessionID, string(reliability.KindOf(err)), err)
				if reliability.KindOf(err) == reliability.KindSessionInactive {
					break readLoop
				}
			}
		case protocol.ClientControl:
			switch msg.Action {
			case "speaking_start":
				sess.SetUserSpeaking(true)
			case "speaking_stop":
				sess.SetUserSpeaking(false)
			case "interrupt":
				sess.InterruptModel()
			case "end_turn":
				if err := sess.EndUserTurn(); err != nil {
					s.sendLegError(outbound, sessionID, string(reliability.KindOf(err)), err)
				}
			case "end_session":
				s.sessions.Remove(ctx, sessionID)
				break readLoop
			default:
				s.sendLegError(outbound, sessionID, "unknown_action", protocol.ErrUnsupportedType)
			}
		}
	}

	cancel()
	<-audioDone
	<-writerDone
}

func (s *Server) sendLegError(outbound chan<- any, sessionID, code string, err error) {
	if code == "" {
		code = "internal_error"
	}
	msg := protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: sessionID,
		Code:      code,
		Source:    "leg",
		Retryable: reliability.IsRetryable(err),
		Detail:    err.Error(),
	}
	select {
	case outbound <- msg:
	default:
	}
}
