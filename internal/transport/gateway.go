package transport

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/voxwire/voxbridge/internal/engine"
)

// GatewayConfig points at one websocket model gateway.
type GatewayConfig struct {
	// URL is the websocket base, e.g. wss://gateway.example.com.
	URL    string
	APIKey string
	Name   string
}

// Gateway is the websocket implementation of the model transport. Outbound
// frames are pulled from the session's event pump and written as text
// messages; raw audio chunks go out as binary messages, which is the
// realtime chunk primitive.
type Gateway struct {
	cfg GatewayConfig
}

func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("gateway url is required")
	}
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = "primary"
	}
	return &Gateway{cfg: cfg}, nil
}

func (g *Gateway) Capabilities() engine.Capabilities {
	return engine.Capabilities{RealtimeAudio: true}
}

func (g *Gateway) Open(ctx context.Context, sessionID string, outbound engine.Generator) (engine.Stream, error) {
	u, err := url.Parse(strings.TrimRight(g.cfg.URL, "/") + "/v1/stream")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()

	headers := http.Header{}
	if g.cfg.APIKey != "" {
		headers.Set("Authorization", "Bearer "+g.cfg.APIKey)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, fmt.Errorf("dial %s gateway: %w", g.cfg.Name, err)
	}

	s := &gatewayStream{
		name:      g.cfg.Name,
		sessionID: sessionID,
		conn:      conn,
		frames:    make(chan []byte, 256),
	}
	s.active.Store(true)
	go s.readLoop()
	go s.writeLoop(outbound)
	return s, nil
}

type gatewayStream struct {
	name      string
	sessionID string
	conn      *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	active    atomic.Bool

	frames chan []byte

	errMu   sync.Mutex
	readErr error
}

// writeLoop drains the session's outbound pump into the socket. It runs
// until the pump terminates or a write fails.
func (s *gatewayStream) writeLoop(outbound engine.Generator) {
	ctx := context.Background()
	for {
		frame, err := outbound.Next(ctx)
		if err != nil {
			s.writeMu.Lock()
			_ = s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			s.writeMu.Unlock()
			return
		}
		s.writeMu.Lock()
		err = s.conn.WriteMessage(websocket.TextMessage, frame)
		s.writeMu.Unlock()
		if err != nil {
			log.Printf("gateway %s: session %s outbound write failed: %v", s.name, s.sessionID, err)
			s.safeClose()
			return
		}
	}
}

// readLoop is the only writer and the only closer of the frames channel,
// so Close can never race a send on it.
func (s *gatewayStream) readLoop() {
	defer func() {
		s.safeClose()
		close(s.frames)
	}()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.errMu.Lock()
				s.readErr = err
				s.errMu.Unlock()
			}
			return
		}
		select {
		case s.frames <- data:
		default:
			// Inbound faster than the dispatcher; shed the oldest frame.
			select {
			case <-s.frames:
			default:
			}
			select {
			case s.frames <- data:
			default:
			}
			log.Printf("gateway %s: session %s inbound backlog full, dropped one frame", s.name, s.sessionID)
		}
	}
}

// Frames yields inbound frames in arrival order; io.EOF on clean stream
// end, the read error otherwise.
func (s *gatewayStream) Frames() engine.Generator {
	return engine.GeneratorFunc(func(ctx context.Context) ([]byte, error) {
		select {
		case frame, ok := <-s.frames:
			if !ok {
				s.errMu.Lock()
				err := s.readErr
				s.errMu.Unlock()
				if err != nil {
					return nil, err
				}
				return nil, io.EOF
			}
			return frame, nil
		case <-ctx.Done():
			return nil, io.EOF
		}
	})
}

// SendAudioChunk writes one raw chunk as a binary message.
func (s *gatewayStream) SendAudioChunk(_ context.Context, chunk []byte) error {
	if !s.active.Load() {
		return fmt.Errorf("gateway %s: stream closed", s.name)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, chunk)
}

func (s *gatewayStream) Active() bool {
	return s.active.Load()
}

func (s *gatewayStream) Close(_ context.Context) error {
	var retErr error
	s.closeOnce.Do(func() {
		s.active.Store(false)
		s.writeMu.Lock()
		_ = s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		retErr = s.conn.Close()
	})
	return retErr
}

func (s *gatewayStream) safeClose() {
	s.closeOnce.Do(func() {
		s.active.Store(false)
		_ = s.conn.Close()
	})
}
