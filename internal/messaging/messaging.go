// Package messaging implements the hub-to-hub user-messaging relay: the
// MESSAGE wire frame carries a UserMessage between mini hubs via a main hub,
// the same way a CAPSULE frame carries a knowledge capsule. A Store holds the
// messages one hub has sent or received, durable via internal/store, so a
// restarted hub can still answer "what's in my inbox" without replaying the
// network. There is no HTTP surface here; callers reach this package through
// plain Go methods on mainhub.Hub / minihub.Hub.
package messaging

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"capsulemesh/internal/store"
)

// Direction records which way a message crossed this hub: Outgoing for a
// message this hub originated or forwarded on behalf of its own user,
// Incoming for a message this hub received from elsewhere in the mesh.
type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
)

// UserMessage is a single hub-to-hub message. It carries no signature of its
// own — AEAD confidentiality on the wire is its only integrity guarantee —
// so a Store is a record of what this hub saw, not a verified ledger.
type UserMessage struct {
	MessageID   uuid.UUID `json:"message_id"`
	SenderID    string    `json:"sender_id"`
	RecipientID string    `json:"recipient_id"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
	SourceHubID string    `json:"source_hub_id"`
	TargetHubID string    `json:"target_hub_id,omitempty"`
}

type diskRecord struct {
	Message   UserMessage `json:"message"`
	Direction Direction   `json:"direction"`
}

// Store holds the messages one hub has sent or received, indexed by
// message_id so a relayed message seen twice (e.g. echoed back by a peer
// that doesn't yet know the sender excludes it) is recorded once.
type Store struct {
	mu   sync.RWMutex
	path string
	byID map[uuid.UUID]diskRecord
}

// Open loads path (if non-empty) and returns a Store ready to accept new
// messages.
func Open(path string) (*Store, error) {
	s := &Store{path: path, byID: make(map[uuid.UUID]diskRecord)}
	if path == "" {
		return s, nil
	}
	err := store.ReplayAll(path, func(line []byte) {
		var rec diskRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return
		}
		s.byID[rec.Message.MessageID] = rec
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Record stores msg under dir, persisting it to the journal. A message_id
// already present is left as first recorded, same immutable-by-identity
// rule the capsule store uses.
func (s *Store) Record(msg UserMessage, dir Direction) error {
	s.mu.Lock()
	if _, exists := s.byID[msg.MessageID]; exists {
		s.mu.Unlock()
		return nil
	}
	rec := diskRecord{Message: msg, Direction: dir}
	s.byID[msg.MessageID] = rec
	s.mu.Unlock()

	if s.path == "" {
		return nil
	}
	return store.AppendJSONL(s.path, rec)
}

// Seen reports whether id has already been recorded, the relay loop's guard
// against re-broadcasting a message it has already forwarded.
func (s *Store) Seen(id uuid.UUID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byID[id]
	return ok
}

// Inbox returns every message recorded with Direction Incoming, newest
// first.
func (s *Store) Inbox() []UserMessage {
	return s.byDirection(Incoming)
}

// Sent returns every message recorded with Direction Outgoing, newest
// first.
func (s *Store) Sent() []UserMessage {
	return s.byDirection(Outgoing)
}

func (s *Store) byDirection(dir Direction) []UserMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]UserMessage, 0, len(s.byID))
	for _, rec := range s.byID {
		if rec.Direction == dir {
			out = append(out, rec.Message)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

// Len reports the number of messages currently indexed.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
