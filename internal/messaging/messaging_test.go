package messaging

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestRecordIdempotentKeepsFirstDirection(t *testing.T) {
	s, err := Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	msg := UserMessage{MessageID: uuid.New(), SenderID: "u1", RecipientID: "u2", Content: "hi", Timestamp: time.Now()}
	if err := s.Record(msg, Incoming); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := s.Record(msg, Outgoing); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("expected exactly one stored message, got %d", s.Len())
	}
	if len(s.Inbox()) != 1 || len(s.Sent()) != 0 {
		t.Fatalf("expected the first direction (Incoming) to win, inbox=%d sent=%d", len(s.Inbox()), len(s.Sent()))
	}
}

func TestSeenReportsRecordedMessages(t *testing.T) {
	s, err := Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	msg := UserMessage{MessageID: uuid.New(), SenderID: "u1", RecipientID: "u2", Content: "hi", Timestamp: time.Now()}
	if s.Seen(msg.MessageID) {
		t.Fatalf("unexpected Seen before Record")
	}
	if err := s.Record(msg, Outgoing); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if !s.Seen(msg.MessageID) {
		t.Fatalf("expected Seen after Record")
	}
}

func TestInboxSentOrderedNewestFirst(t *testing.T) {
	s, err := Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	now := time.Now()
	older := UserMessage{MessageID: uuid.New(), SenderID: "u1", RecipientID: "u2", Content: "first", Timestamp: now.Add(-time.Minute)}
	newer := UserMessage{MessageID: uuid.New(), SenderID: "u1", RecipientID: "u2", Content: "second", Timestamp: now}
	if err := s.Record(older, Incoming); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := s.Record(newer, Incoming); err != nil {
		t.Fatalf("Record: %v", err)
	}
	inbox := s.Inbox()
	if len(inbox) != 2 || inbox[0].Content != "second" || inbox[1].Content != "first" {
		t.Fatalf("expected newest-first inbox, got %+v", inbox)
	}
}

func TestOpenReplaysJournal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "messages.jsonl")
	s1, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	msg := UserMessage{MessageID: uuid.New(), SenderID: "u1", RecipientID: "u2", Content: "hi", Timestamp: time.Now()}
	if err := s1.Record(msg, Outgoing); err != nil {
		t.Fatalf("Record: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("Open (replay): %v", err)
	}
	if s2.Len() != 1 {
		t.Fatalf("expected replay to recover 1 message, got %d", s2.Len())
	}
	if !s2.Seen(msg.MessageID) {
		t.Fatalf("expected replayed message to be Seen")
	}
}
