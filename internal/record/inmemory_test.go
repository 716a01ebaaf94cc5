package record

import (
	"context"
	"fmt"
	"testing"
)

func TestInMemoryStoreSaveAndQuery(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := s.SaveRecord(ctx, CallRecord{
			SessionID: "call-1",
			Kind:      KindTranscript,
			Role:      "ASSISTANT",
			Content:   fmt.Sprintf("line %d", i),
		})
		if err != nil {
			t.Fatalf("SaveRecord() error = %v", err)
		}
	}

	records, err := s.SessionRecords(ctx, "call-1", 0)
	if err != nil {
		t.Fatalf("SessionRecords() error = %v", err)
	}
	if len(records) != 5 {
		t.Fatalf("SessionRecords() returned %d records, want 5", len(records))
	}
	for i, rec := range records {
		if rec.Content != fmt.Sprintf("line %d", i) {
			t.Fatalf("record %d out of order: %q", i, rec.Content)
		}
		if rec.ID == "" || rec.CreatedAt.IsZero() {
			t.Fatalf("record %d missing generated id or timestamp: %+v", i, rec)
		}
	}
}

func TestInMemoryStoreLimitKeepsNewest(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if err := s.SaveRecord(ctx, CallRecord{SessionID: "call-2", Content: fmt.Sprintf("%d", i)}); err != nil {
			t.Fatalf("SaveRecord() error = %v", err)
		}
	}

	records, err := s.SessionRecords(ctx, "call-2", 3)
	if err != nil {
		t.Fatalf("SessionRecords() error = %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("SessionRecords(limit=3) returned %d records", len(records))
	}
	for i, want := range []string{"7", "8", "9"} {
		if records[i].Content != want {
			t.Fatalf("limited records = %v at %d, want %s", records[i].Content, i, want)
		}
	}
}

func TestInMemoryStoreUnknownSession(t *testing.T) {
	s := NewInMemoryStore()
	records, err := s.SessionRecords(context.Background(), "nope", 10)
	if err != nil {
		t.Fatalf("SessionRecords() error = %v", err)
	}
	if records != nil {
		t.Fatalf("SessionRecords(unknown) = %v, want nil", records)
	}
}

func TestNewStoreDefaultsToInMemory(t *testing.T) {
	s, err := NewStore(context.Background(), "  ")
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if _, ok := s.(*InMemoryStore); !ok {
		t.Fatalf("NewStore() without a database url = %T, want *InMemoryStore", s)
	}
}
