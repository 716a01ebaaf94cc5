package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies telephony-leg websocket payload variants.
type MessageType string

const (
	TypeClientAudioChunk MessageType = "client_audio_chunk"
	TypeClientControl    MessageType = "client_control"
	TypeModelAudioChunk  MessageType = "model_audio_chunk"
	TypeModelEvent       MessageType = "model_event"
	TypeSystemEvent      MessageType = "system_event"
	TypeErrorEvent       MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type legEnvelope struct {
	Type MessageType `json:"type"`
}

// ClientAudioChunk carries caller audio into a session.
type ClientAudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Seq         int         `json:"seq"`
	AudioBase64 string      `json:"audio_base64"`
	Realtime    bool        `json:"realtime,omitempty"`
	TSMs        int64       `json:"ts_ms"`
}

// ClientControl carries caller-side control actions
// (interrupt, end_turn, speaking_start, speaking_stop, end_session).
type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
	Reason    string      `json:"reason,omitempty"`
	TSMs      int64       `json:"ts_ms"`
}

// ModelAudioChunk carries model audio back to the telephony leg.
type ModelAudioChunk struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	Seq         int         `json:"seq"`
	AudioBase64 string      `json:"audio_base64"`
}

// ModelEvent forwards a non-audio model envelope to the telephony leg.
type ModelEvent struct {
	Type      MessageType    `json:"type"`
	SessionID string         `json:"session_id"`
	Kind      EventKind      `json:"kind"`
	Fields    map[string]any `json:"fields,omitempty"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

// ParseClientMessage decodes one telephony-leg frame from the client.
func ParseClientMessage(raw []byte) (any, error) {
	var env legEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientAudioChunk:
		var msg ClientAudioChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.AudioBase64 == "" {
			return nil, errors.New("invalid client_audio_chunk")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.Action == "" {
			return nil, errors.New("invalid client_control")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
