package capsule

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"capsulemesh/internal/crypto"
)

// ManifestEntry is one line of a manifest: enough to decide, without
// fetching the capsule, whether a peer already has it.
type ManifestEntry struct {
	CapsuleID    uuid.UUID `json:"capsule_id"`
	QuestionHash string    `json:"question_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

// Manifest is a signed list of capsule_ids a main hub currently holds,
// used to drive gossip-based selective sync.
type Manifest struct {
	SourceID    string           `json:"source_id"`
	GeneratedAt time.Time        `json:"generated_at"`
	Entries     []ManifestEntry  `json:"entries"`
	Signature   []byte           `json:"signature"`
}

// NewManifest builds an unsigned manifest from a set of fresh capsules,
// ordered by created_at ascending as the wire format requires.
func NewManifest(sourceID string, capsules []KnowledgeCapsule, generatedAt time.Time) Manifest {
	entries := make([]ManifestEntry, 0, len(capsules))
	for _, c := range capsules {
		entries = append(entries, ManifestEntry{CapsuleID: c.CapsuleID, QuestionHash: c.QuestionHash, CreatedAt: c.CreatedAt})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedAt.Before(entries[j].CreatedAt) })
	return Manifest{SourceID: sourceID, GeneratedAt: generatedAt, Entries: entries}
}

func (m Manifest) canonicalBytes() []byte {
	var b bytes.Buffer
	b.WriteByte('{')
	fmt.Fprintf(&b, "%q:%q", "source_id", m.SourceID)
	fmt.Fprintf(&b, ",%q:%q", "generated_at", m.GeneratedAt.UTC().Format("2006-01-02T15:04:05.000Z"))
	b.WriteString(",\"entries\":[")
	for i, e := range m.Entries {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('{')
		fmt.Fprintf(&b, "%q:%q", "capsule_id", e.CapsuleID.String())
		fmt.Fprintf(&b, ",%q:%q", "question_hash", e.QuestionHash)
		fmt.Fprintf(&b, ",%q:%q", "created_at", e.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z"))
		b.WriteByte('}')
	}
	b.WriteString("]}")
	return b.Bytes()
}

// SignManifest computes the manifest's signature over its canonical serialization.
func SignManifest(m Manifest, priv []byte) (Manifest, error) {
	sig, err := crypto.Sign(priv, m.canonicalBytes())
	if err != nil {
		return Manifest{}, err
	}
	m.Signature = sig
	return m, nil
}

// VerifyManifest reports whether m.Signature is valid under pub.
func VerifyManifest(m Manifest, pub []byte) bool {
	if len(m.Signature) == 0 {
		return false
	}
	return crypto.Verify(pub, m.canonicalBytes(), m.Signature)
}

// IDs returns the set of capsule IDs this manifest lists.
func (m Manifest) IDs() map[uuid.UUID]struct{} {
	out := make(map[uuid.UUID]struct{}, len(m.Entries))
	for _, e := range m.Entries {
		out[e.CapsuleID] = struct{}{}
	}
	return out
}

// Missing returns the entries in m whose CapsuleID is not in have.
func (m Manifest) Missing(have map[uuid.UUID]struct{}) []ManifestEntry {
	var out []ManifestEntry
	for _, e := range m.Entries {
		if _, ok := have[e.CapsuleID]; !ok {
			out = append(out, e)
		}
	}
	return out
}
