// Package capsule defines the KnowledgeCapsule and Manifest types, their
// canonical wire serialization, and Ed25519 signing/verification over that
// serialization. Nothing here touches storage or transport.
package capsule

import (
	"bytes"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"capsulemesh/internal/crypto"
)

// KnowledgeCapsule is an immutable, signed Q/A record produced by a main
// hub. Equality of identity is by CapsuleID alone; two capsules with the
// same ID are the same capsule even if other fields were to differ, which
// is why Put keeps the earliest record rather than overwriting.
type KnowledgeCapsule struct {
	CapsuleID    uuid.UUID `json:"capsule_id"`
	QuestionText string    `json:"question_text"`
	AnswerText   string    `json:"answer_text"`
	QuestionHash string    `json:"question_hash"`
	SourceID     string    `json:"source_id"`
	CreatedAt    time.Time `json:"created_at"`
	TTLSeconds   int64     `json:"ttl_seconds"`
	ErrorCode    string    `json:"error_code,omitempty"`
	Signature    []byte    `json:"signature"`
}

// NormalizeQuestion lowercases, NFC-normalizes and collapses whitespace, so
// "What  is\tPhotosynthesis?" and "what is photosynthesis?" hash identically.
func NormalizeQuestion(q string) string {
	lower := strings.ToLower(q)
	nfc := norm.NFC.String(lower)
	var b strings.Builder
	lastSpace := false
	for _, r := range nfc {
		if unicode.IsSpace(r) {
			if !lastSpace && b.Len() > 0 {
				b.WriteRune(' ')
			}
			lastSpace = true
			continue
		}
		lastSpace = false
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

// QuestionHash returns the hex-encoded SHA-256 of the normalized question.
func QuestionHash(question string) string {
	sum := crypto.SHA256([]byte(NormalizeQuestion(question)))
	return fmt.Sprintf("%x", sum)
}

// IsFresh reports whether the capsule has not expired as of now. A
// ttl_seconds of 0 is treated as immediately expired, per design note: it
// is never cacheable.
func (c KnowledgeCapsule) IsFresh(now time.Time) bool {
	if c.TTLSeconds <= 0 {
		return false
	}
	return now.Sub(c.CreatedAt) < time.Duration(c.TTLSeconds)*time.Second
}

// IsError reports whether this capsule represents an Answer failure rather
// than a real Q/A pair.
func (c KnowledgeCapsule) IsError() bool {
	return c.ErrorCode != ""
}

// canonicalBytes writes the fixed-order, whitespace-free JSON body that is
// signed and verified: capsule_id, question_text, answer_text,
// question_hash, source_id, created_at, ttl_seconds. error_code is not part
// of the original field set but is included when present so an ERROR
// capsule's code can't be stripped without invalidating the signature.
func (c KnowledgeCapsule) canonicalBytes() []byte {
	var b bytes.Buffer
	b.WriteByte('{')
	writeStringField(&b, "capsule_id", c.CapsuleID.String(), true)
	writeStringField(&b, "question_text", c.QuestionText, false)
	writeStringField(&b, "answer_text", c.AnswerText, false)
	writeStringField(&b, "question_hash", c.QuestionHash, false)
	writeStringField(&b, "source_id", c.SourceID, false)
	writeStringField(&b, "created_at", c.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z"), false)
	fmt.Fprintf(&b, ",\"ttl_seconds\":%d", c.TTLSeconds)
	if c.ErrorCode != "" {
		writeStringField(&b, "error_code", c.ErrorCode, false)
	}
	b.WriteByte('}')
	return b.Bytes()
}

func writeStringField(b *bytes.Buffer, key, value string, first bool) {
	if !first {
		b.WriteByte(',')
	}
	fmt.Fprintf(b, "%q:%q", key, value)
}

// Sign computes the capsule's signature over its canonical serialization
// and returns a copy of c with Signature set.
func Sign(c KnowledgeCapsule, priv []byte) (KnowledgeCapsule, error) {
	sig, err := crypto.Sign(priv, c.canonicalBytes())
	if err != nil {
		return KnowledgeCapsule{}, err
	}
	c.Signature = sig
	return c, nil
}

// Verify reports whether c.Signature is a valid Ed25519 signature over c's
// canonical serialization under pub.
func Verify(c KnowledgeCapsule, pub []byte) bool {
	if len(c.Signature) == 0 {
		return false
	}
	return crypto.Verify(pub, c.canonicalBytes(), c.Signature)
}

// New builds an unsigned capsule with CapsuleID and QuestionHash filled in.
func New(question, answer, sourceID string, ttlSeconds int64, createdAt time.Time) KnowledgeCapsule {
	return KnowledgeCapsule{
		CapsuleID:    uuid.New(),
		QuestionText: question,
		AnswerText:   answer,
		QuestionHash: QuestionHash(question),
		SourceID:     sourceID,
		CreatedAt:    createdAt,
		TTLSeconds:   ttlSeconds,
	}
}

// NewError builds an unsigned ERROR capsule: answer_text is empty and
// error_code carries the machine-readable reason Answer failed.
func NewError(question, sourceID, errorCode string, ttlSeconds int64, createdAt time.Time) KnowledgeCapsule {
	c := New(question, "", sourceID, ttlSeconds, createdAt)
	c.ErrorCode = errorCode
	return c
}
