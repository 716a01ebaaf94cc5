package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventKind identifies one protocol message variant exchanged with the
// model gateway. The wire shape is {"event":{<kind>:{...fields}}}.
type EventKind string

const (
	KindSessionStart    EventKind = "sessionStart"
	KindPromptStart     EventKind = "promptStart"
	KindContentStart    EventKind = "contentStart"
	KindAudioInput      EventKind = "audioInput"
	KindTextInput       EventKind = "textInput"
	KindContentEnd      EventKind = "contentEnd"
	KindPromptEnd       EventKind = "promptEnd"
	KindSessionEnd      EventKind = "sessionEnd"
	KindAudioOutput     EventKind = "audioOutput"
	KindTextOutput      EventKind = "textOutput"
	KindToolUse         EventKind = "toolUse"
	KindToolResult      EventKind = "toolResult"
	KindUsage           EventKind = "usageEvent"
	KindCompletionStart EventKind = "completionStart"
	KindCompletionEnd   EventKind = "completionEnd"
	KindInterruption    EventKind = "userInterruption"
	KindStreamComplete  EventKind = "streamComplete"
	KindError           EventKind = "errorEvent"
	KindUnknown         EventKind = "unknown"

	// KindAny is a reserved handler-registry key, never a wire kind.
	KindAny EventKind = "any"
)

var ErrEmptyFrame = errors.New("empty event frame")

// Envelope is one immutable protocol message. Fields must not be mutated
// after construction; inbound envelopes receive the two documented
// normalizations in Parse and nowhere else.
type Envelope struct {
	Kind   EventKind
	Fields map[string]any
}

// String returns a field as a string, or "" when absent or non-string.
func (e Envelope) String(key string) string {
	v, _ := e.Fields[key].(string)
	return v
}

// Bool returns a field as a bool, false when absent.
func (e Envelope) Bool(key string) bool {
	v, _ := e.Fields[key].(bool)
	return v
}

// Marshal serializes the envelope to its wire frame.
func (e Envelope) Marshal() ([]byte, error) {
	if e.Kind == "" || e.Kind == KindAny {
		return nil, fmt.Errorf("envelope kind %q is not serializable", e.Kind)
	}
	fields := e.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	return json.Marshal(map[string]any{
		"event": map[string]any{string(e.Kind): fields},
	})
}

// Parse decodes one inbound frame into an Envelope and applies the inbound
// normalizations: contentId/contentName are kept aliases of each other, and
// a string "content" field is best-effort JSON-decoded into "contentData"
// (left absent when it does not parse).
func Parse(raw []byte) (Envelope, error) {
	var frame struct {
		Event map[string]json.RawMessage `json:"event"`
	}
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Envelope{}, fmt.Errorf("decode event frame: %w", err)
	}
	if len(frame.Event) == 0 {
		// Some gateways emit bare objects without the event wrapper.
		var bare map[string]any
		if err := json.Unmarshal(raw, &bare); err != nil || len(bare) == 0 {
			return Envelope{}, ErrEmptyFrame
		}
		return Envelope{Kind: KindUnknown, Fields: bare}, nil
	}

	for name, payload := range frame.Event {
		fields := map[string]any{}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &fields); err != nil {
				return Envelope{}, fmt.Errorf("decode %s payload: %w", name, err)
			}
		}
		kind := kindFromWire(name)
		if kind == KindUnknown {
			fields["eventName"] = name
		}
		normalizeInbound(fields)
		return Envelope{Kind: kind, Fields: fields}, nil
	}
	return Envelope{}, ErrEmptyFrame
}

func kindFromWire(name string) EventKind {
	switch EventKind(name) {
	case KindSessionStart, KindPromptStart, KindContentStart, KindAudioInput,
		KindTextInput, KindContentEnd, KindPromptEnd, KindSessionEnd,
		KindAudioOutput, KindTextOutput, KindToolUse, KindToolResult,
		KindUsage, KindCompletionStart, KindCompletionEnd, KindInterruption,
		KindStreamComplete, KindError:
		return EventKind(name)
	default:
		return KindUnknown
	}
}

func normalizeInbound(fields map[string]any) {
	id, hasID := fields["contentId"].(string)
	name, hasName := fields["contentName"].(string)
	switch {
	case hasID && !hasName:
		fields["contentName"] = id
	case hasName && !hasID:
		fields["contentId"] = name
	}

	if raw, ok := fields["content"].(string); ok && raw != "" {
		var structured map[string]any
		if err := json.Unmarshal([]byte(raw), &structured); err == nil {
			fields["contentData"] = structured
		}
	}
}

// Outbound constructors. Correlation ids (promptName, contentName) are
// owned by the session and threaded through every event of one call.

func NewSessionStart(maxTokens int, temperature, topP float64) Envelope {
	return Envelope{Kind: KindSessionStart, Fields: map[string]any{
		"inferenceConfiguration": map[string]any{
			"maxTokens":   maxTokens,
			"temperature": temperature,
			"topP":        topP,
		},
	}}
}

func NewPromptStart(promptName string, sampleRateHz int) Envelope {
	return Envelope{Kind: KindPromptStart, Fields: map[string]any{
		"promptName": promptName,
		"audioOutputConfiguration": map[string]any{
			"mediaType":    "audio/lpcm",
			"sampleRateHz": sampleRateHz,
			"channelCount": 1,
			"encoding":     "base64",
		},
	}}
}

func NewTextContentStart(promptName, contentName, role string) Envelope {
	return Envelope{Kind: KindContentStart, Fields: map[string]any{
		"promptName":  promptName,
		"contentName": contentName,
		"type":        "TEXT",
		"role":        role,
		"textInputConfiguration": map[string]any{
			"mediaType": "text/plain",
		},
	}}
}

func NewTextInput(promptName, contentName, content string) Envelope {
	return Envelope{Kind: KindTextInput, Fields: map[string]any{
		"promptName":  promptName,
		"contentName": contentName,
		"content":     content,
	}}
}

func NewAudioContentStart(promptName, contentName string, sampleRateHz int) Envelope {
	return Envelope{Kind: KindContentStart, Fields: map[string]any{
		"promptName":  promptName,
		"contentName": contentName,
		"type":        "AUDIO",
		"role":        "USER",
		"interactive": true,
		"audioInputConfiguration": map[string]any{
			"mediaType":    "audio/lpcm",
			"sampleRateHz": sampleRateHz,
			"channelCount": 1,
			"encoding":     "base64",
		},
	}}
}

func NewAudioInput(promptName, contentName, audioBase64 string) Envelope {
	return Envelope{Kind: KindAudioInput, Fields: map[string]any{
		"promptName":  promptName,
		"contentName": contentName,
		"content":     audioBase64,
	}}
}

func NewContentEnd(promptName, contentName string) Envelope {
	return Envelope{Kind: KindContentEnd, Fields: map[string]any{
		"promptName":  promptName,
		"contentName": contentName,
	}}
}

func NewPromptEnd(promptName string) Envelope {
	return Envelope{Kind: KindPromptEnd, Fields: map[string]any{
		"promptName": promptName,
	}}
}

func NewSessionEnd() Envelope {
	return Envelope{Kind: KindSessionEnd, Fields: map[string]any{}}
}

func NewInterruption(reason string) Envelope {
	return Envelope{Kind: KindInterruption, Fields: map[string]any{
		"reason":    reason,
		"timestamp": time.Now().UnixMilli(),
	}}
}

func NewStreamComplete() Envelope {
	return Envelope{Kind: KindStreamComplete, Fields: map[string]any{
		"timestamp": time.Now().UnixMilli(),
	}}
}

func NewErrorEvent(source, detail string) Envelope {
	return Envelope{Kind: KindError, Fields: map[string]any{
		"source":    source,
		"detail":    detail,
		"timestamp": time.Now().UnixMilli(),
	}}
}
