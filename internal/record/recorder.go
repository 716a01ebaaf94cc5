package record

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/voxwire/voxbridge/internal/engine"
	"github.com/voxwire/voxbridge/internal/policy"
	"github.com/voxwire/voxbridge/internal/protocol"
)

// Recorder captures transcript and usage envelopes from sessions into a
// Store. Saves are best-effort with a bounded timeout; a failing store
// never affects the call.
type Recorder struct {
	store       Store
	saveTimeout time.Duration
}

func NewRecorder(store Store, saveTimeout time.Duration) *Recorder {
	if saveTimeout <= 0 {
		saveTimeout = 2 * time.Second
	}
	return &Recorder{store: store, saveTimeout: saveTimeout}
}

// Attach subscribes to the session's transcript and usage events.
func (r *Recorder) Attach(s *engine.Session) {
	if r == nil || r.store == nil || s == nil {
		return
	}
	sessionID := s.ID()
	s.OnEvent(protocol.KindTextOutput, func(env protocol.Envelope) {
		content := env.String("content")
		if content == "" {
			return
		}
		redacted, changed := policy.RedactPII(content)
		r.save(CallRecord{
			SessionID:   sessionID,
			Kind:        KindTranscript,
			Role:        env.String("role"),
			Content:     redacted,
			PIIRedacted: changed,
		})
	})
	s.OnEvent(protocol.KindUsage, func(env protocol.Envelope) {
		payload, err := json.Marshal(env.Fields)
		if err != nil {
			return
		}
		r.save(CallRecord{
			SessionID: sessionID,
			Kind:      KindUsage,
			Role:      "system",
			Content:   string(payload),
		})
	})
}

func (r *Recorder) save(rec CallRecord) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.saveTimeout)
		defer cancel()
		if err := r.store.SaveRecord(ctx, rec); err != nil {
			log.Printf("record: save %s for session %s failed: %v", rec.Kind, rec.SessionID, err)
		}
	}()
}

// Records returns the stored records for one session.
func (r *Recorder) Records(ctx context.Context, sessionID string, limit int) ([]CallRecord, error) {
	return r.store.SessionRecords(ctx, sessionID, limit)
}
