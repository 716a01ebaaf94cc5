package record

import (
	"context"
	"time"
)

const (
	KindTranscript = "transcript"
	KindUsage      = "usage"
)

// CallRecord stores one transcript line or usage report from a call.
type CallRecord struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Kind        string    `json:"kind"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	PIIRedacted bool      `json:"pii_redacted"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store persists and retrieves call records.
type Store interface {
	SaveRecord(ctx context.Context, rec CallRecord) error
	SessionRecords(ctx context.Context, sessionID string, limit int) ([]CallRecord, error)
	Close() error
}
