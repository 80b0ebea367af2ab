// Package capstore is the capsule store: an append-only relation keyed by
// capsule_id with a secondary index on question_hash, durable via
// internal/store, and a reader/writer discipline where lookups and manifest
// generation never block each other. It is grounded on the teacher's
// peer.Store pattern (LRU hot set rebuilt from a JSONL log on startup) but
// drops the LRU eviction: capsules are durable-forever (modulo TTL sweep),
// not capacity-bounded like a peer cache.
package capstore

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"capsulemesh/internal/authority"
	"capsulemesh/internal/capsule"
	"capsulemesh/internal/store"
)

// Store holds capsules for one hub (main or mini). All capsules accepted
// into it have already passed authority.Registry signature verification;
// Put is the sole choke point that enforces that invariant.
type Store struct {
	mu         sync.RWMutex
	path       string
	authority  *authority.Registry
	byID       map[uuid.UUID]capsule.KnowledgeCapsule
	byQuestion map[string][]uuid.UUID // question_hash -> capsule_ids, newest last
	receivedAt map[uuid.UUID]time.Time
}

type diskRecord struct {
	Capsule    capsule.KnowledgeCapsule `json:"capsule"`
	ReceivedAt time.Time                `json:"received_at"`
}

// Open loads path (if non-empty) and returns a Store backed by reg for
// signature verification on every future Put.
func Open(path string, reg *authority.Registry) (*Store, error) {
	s := &Store{
		path:       path,
		authority:  reg,
		byID:       make(map[uuid.UUID]capsule.KnowledgeCapsule),
		byQuestion: make(map[string][]uuid.UUID),
		receivedAt: make(map[uuid.UUID]time.Time),
	}
	if path == "" {
		return s, nil
	}
	err := store.ReplayAll(path, func(line []byte) {
		var rec diskRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return
		}
		s.insertLocked(rec.Capsule, rec.ReceivedAt)
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// PutResult distinguishes why Put did what it did, for callers that need
// to tell a fresh capsule from a capsule this store already had.
type PutResult int

const (
	PutAccepted PutResult = iota
	PutAlreadyPresent
	PutRejectedUnverified
)

// Put verifies c's signature against its registered source_id before
// accepting it. If capsule_id is already present, the earlier record is
// kept — capsules are immutable by identity, so a second Put is a no-op
// beyond reporting that it already had one.
func (s *Store) Put(c capsule.KnowledgeCapsule) (PutResult, error) {
	if !s.authority.VerifyCapsuleSigner(c.SourceID, func(pub []byte) bool { return capsule.Verify(c, pub) }) {
		return PutRejectedUnverified, nil
	}

	s.mu.Lock()
	if _, exists := s.byID[c.CapsuleID]; exists {
		s.mu.Unlock()
		return PutAlreadyPresent, nil
	}
	receivedAt := time.Now().UTC()
	s.insertLocked(c, receivedAt)
	s.mu.Unlock()

	if s.path == "" {
		return PutAccepted, nil
	}
	if err := store.AppendJSONL(s.path, diskRecord{Capsule: c, ReceivedAt: receivedAt}); err != nil {
		return PutAccepted, err
	}
	return PutAccepted, nil
}

func (s *Store) insertLocked(c capsule.KnowledgeCapsule, receivedAt time.Time) {
	if _, exists := s.byID[c.CapsuleID]; exists {
		return
	}
	s.byID[c.CapsuleID] = c
	s.receivedAt[c.CapsuleID] = receivedAt
	ids := s.byQuestion[c.QuestionHash]
	ids = append(ids, c.CapsuleID)
	sort.SliceStable(ids, func(i, j int) bool {
		return s.byID[ids[i]].CreatedAt.Before(s.byID[ids[j]].CreatedAt)
	})
	s.byQuestion[c.QuestionHash] = ids
}

// GetByID is an O(1) lookup by capsule_id.
func (s *Store) GetByID(id uuid.UUID) (capsule.KnowledgeCapsule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.byID[id]
	return c, ok
}

// FindByQuestion returns the newest fresh capsule whose question_hash
// matches question, or false if none is fresh.
func (s *Store) FindByQuestion(question string) (capsule.KnowledgeCapsule, bool) {
	hash := capsule.QuestionHash(question)
	now := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byQuestion[hash]
	for i := len(ids) - 1; i >= 0; i-- {
		c := s.byID[ids[i]]
		if c.IsFresh(now) {
			return c, true
		}
	}
	return capsule.KnowledgeCapsule{}, false
}

// Candidates returns every stored capsule, fresh or expired, whose
// question_hash equals question's, newest first. Capsules with a different
// question_hash are never returned.
func (s *Store) Candidates(question string) []capsule.KnowledgeCapsule {
	hash := capsule.QuestionHash(question)
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byQuestion[hash]
	out := make([]capsule.KnowledgeCapsule, len(ids))
	for i, id := range ids {
		out[len(ids)-1-i] = s.byID[id]
	}
	return out
}

// FreshCapsules returns every non-expired capsule, ordered by created_at
// ascending, the order the wire format requires for a manifest.
func (s *Store) FreshCapsules() []capsule.KnowledgeCapsule {
	now := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]capsule.KnowledgeCapsule, 0, len(s.byID))
	for _, c := range s.byID {
		if c.IsFresh(now) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Sweep removes expired capsules from the in-memory index. The durable log
// is left as-is; a capsule dropped by Sweep and later re-offered by gossip
// is simply re-verified and re-accepted, which is cheaper than compacting
// the log on every sweep.
func (s *Store) Sweep() int {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, c := range s.byID {
		if c.IsFresh(now) {
			continue
		}
		delete(s.byID, id)
		delete(s.receivedAt, id)
		ids := s.byQuestion[c.QuestionHash]
		for i, qid := range ids {
			if qid == id {
				ids = append(ids[:i], ids[i+1:]...)
				break
			}
		}
		if len(ids) == 0 {
			delete(s.byQuestion, c.QuestionHash)
		} else {
			s.byQuestion[c.QuestionHash] = ids
		}
		removed++
	}
	return removed
}

// Len reports the number of capsules currently indexed, fresh or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
