// Package minihub is the edge node's query engine: serve from cache,
// forward misses to a main hub over NetSim, retransmit on loss, and
// reconcile the retransmit queue once the link recovers.
package minihub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"capsulemesh/internal/capstore"
	"capsulemesh/internal/capsule"
	"capsulemesh/internal/debuglog"
	"capsulemesh/internal/gossip"
	"capsulemesh/internal/messaging"
	"capsulemesh/internal/metrics"
	"capsulemesh/internal/netproto"
	"capsulemesh/internal/netsim"
	"capsulemesh/internal/queue"
	"capsulemesh/internal/similarity"
)

// MaxQuestionBytes is the input size cap from the Query contract.
const MaxQuestionBytes = 8 << 10

// DefaultReplyTimeout is T_reply.
const DefaultReplyTimeout = 30 * time.Second

// ResultKind discriminates the four QueryResult variants.
type ResultKind int

const (
	CacheHit ResultKind = iota
	Fresh
	Queued
	Unavailable
)

func (k ResultKind) String() string {
	switch k {
	case CacheHit:
		return "CACHE_HIT"
	case Fresh:
		return "FRESH"
	case Queued:
		return "QUEUED"
	case Unavailable:
		return "UNAVAILABLE"
	default:
		return "UNKNOWN"
	}
}

// QueryResult is the outcome of a Query call.
type QueryResult struct {
	Kind     ResultKind
	Capsule  capsule.KnowledgeCapsule
	PacketID uuid.UUID
	Reason   string
}

var ErrEmptyQuestion = errors.New("minihub: question must be non-empty")
var ErrQuestionTooLarge = errors.New("minihub: question exceeds 8 KiB")
var errNoManifestYet = errors.New("minihub: no manifest received from peer yet")

// Submitter is the subset of *netsim.Engine a Hub needs; an interface so
// tests can substitute a fake without spinning up a real Engine.
type Submitter interface {
	SubmitPacket(encoded []byte, packetID [16]byte, src, dst netproto.NodeID) error
}

// Hub is one mini hub. It implements netsim.Endpoint so an Engine can push
// packets, ACKs, and NAKs to it directly.
type Hub struct {
	SelfID              netproto.NodeID
	MainHubID           netproto.NodeID
	Store               *capstore.Store
	Messages            *messaging.Store
	Queue               *queue.Queue
	Engine              Submitter
	AeadKeyFor          netproto.AeadKeyFor
	Similarity          similarity.Func
	SimilarityThreshold float64
	ReplyTimeout        time.Duration
	Metrics             *metrics.Metrics
	VerifySigner        func(sourceID string, verify func(pub []byte) bool) bool
	Syncer              *gossip.Syncer

	mu       sync.Mutex
	waiters  map[uuid.UUID]chan waitOutcome
	latestMf map[string]capsule.Manifest
}

type waitOutcome struct {
	capsule capsule.KnowledgeCapsule
	isError bool
}

// New builds a Hub with the contractual default reply timeout and
// similarity threshold; callers override fields directly before use.
func New(selfID, mainHubID netproto.NodeID, store *capstore.Store, q *queue.Queue, engine Submitter, keyFor netproto.AeadKeyFor, m *metrics.Metrics) *Hub {
	h := &Hub{
		SelfID:              selfID,
		MainHubID:           mainHubID,
		Store:               store,
		Queue:               q,
		Engine:              engine,
		AeadKeyFor:          keyFor,
		SimilarityThreshold: similarity.DefaultThreshold,
		ReplyTimeout:        DefaultReplyTimeout,
		Metrics:             m,
		waiters:             make(map[uuid.UUID]chan waitOutcome),
		latestMf:            make(map[string]capsule.Manifest),
	}
	q.OnFailed = h.onQueueFailed
	return h
}

// onQueueFailed is the queue's callback for an entry that exhausted
// max_retries: it wakes a Query call blocked waiting for a reply with
// Unavailable("offline") instead of leaving it to time out separately.
func (h *Hub) onQueueFailed(e *queue.Entry) {
	if h.Metrics != nil {
		h.Metrics.IncMaxRetriesExceeded()
	}
	h.mu.Lock()
	ch, ok := h.waiters[e.PacketID]
	h.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- waitOutcome{capsule: capsule.KnowledgeCapsule{ErrorCode: "offline"}, isError: true}:
	default:
	}
}

// Query is the mini hub's public contract: serve from cache, or forward to
// the main hub and wait up to ReplyTimeout for a reply.
func (h *Hub) Query(ctx context.Context, userID, question, hintID string) QueryResult {
	if question == "" {
		return QueryResult{Kind: Unavailable, Reason: ErrEmptyQuestion.Error()}
	}
	if len(question) > MaxQuestionBytes {
		return QueryResult{Kind: Unavailable, Reason: ErrQuestionTooLarge.Error()}
	}

	if c, ok := h.cacheLookup(question); ok {
		if h.Metrics != nil {
			h.Metrics.IncCacheHit()
		}
		return QueryResult{Kind: CacheHit, Capsule: c}
	}

	packetID := uuid.New()
	payload, err := netproto.MarshalPayload(netproto.QueryPayload{
		Question: question,
		UserID:   userID,
		ReplyTo:  h.SelfID.String(),
		HintID:   hintID,
	})
	if err != nil {
		return QueryResult{Kind: Unavailable, Reason: "encode_failed"}
	}
	pkt, err := netproto.Seal(h.AeadKeyFor, netproto.TypeQuery, packetID, h.SelfID, h.MainHubID, payload)
	if err != nil {
		return QueryResult{Kind: Unavailable, Reason: "seal_failed"}
	}
	encoded := pkt.Encode()

	ch := make(chan waitOutcome, 1)
	h.mu.Lock()
	h.waiters[packetID] = ch
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.waiters, packetID)
		h.mu.Unlock()
	}()

	h.Queue.Enqueue(packetID, h.MainHubID, encoded)
	if err := h.Engine.SubmitPacket(encoded, packetID, h.SelfID, h.MainHubID); err != nil {
		return QueryResult{Kind: Unavailable, Reason: err.Error(), PacketID: packetID}
	}

	timeout := h.ReplyTimeout
	if timeout <= 0 {
		timeout = DefaultReplyTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case out := <-ch:
		if out.isError {
			return QueryResult{Kind: Unavailable, Reason: out.capsule.ErrorCode, PacketID: packetID}
		}
		if h.Metrics != nil {
			h.Metrics.IncFresh()
		}
		return QueryResult{Kind: Fresh, Capsule: out.capsule, PacketID: packetID}
	case <-timer.C:
		// A Failed entry is reported through onQueueFailed on the ch case
		// above, not here: ReplyTimeout is meant to be shorter than the
		// full max_retries backoff schedule, so this fires first in the
		// common case and just means retransmission is still in flight.
		if h.Metrics != nil {
			h.Metrics.IncQueuedTimeout()
		}
		return QueryResult{Kind: Queued, PacketID: packetID}
	case <-ctx.Done():
		// The queue entry keeps running; a late CAPSULE still gets cached.
		return QueryResult{Kind: Queued, PacketID: packetID}
	}
}

func (h *Hub) cacheLookup(question string) (capsule.KnowledgeCapsule, bool) {
	if c, ok := h.Store.FindByQuestion(question); ok {
		return c, true
	}
	if h.Similarity == nil {
		return capsule.KnowledgeCapsule{}, false
	}
	threshold := h.SimilarityThreshold
	if threshold <= 0 {
		threshold = similarity.DefaultThreshold
	}
	best := capsule.KnowledgeCapsule{}
	bestScore := 0.0
	now := time.Now()
	for _, cand := range h.Store.Candidates(question) {
		if !cand.IsFresh(now) {
			continue
		}
		score := h.Similarity(question, cand.QuestionText)
		if score >= threshold && score > bestScore {
			best, bestScore = cand, score
		}
	}
	return best, bestScore > 0
}

// ListCapsules returns every fresh (non-expired) capsule this hub holds.
func (h *Hub) ListCapsules() []capsule.KnowledgeCapsule {
	return h.Store.FreshCapsules()
}

// GetCapsule looks up a capsule by ID.
func (h *Hub) GetCapsule(id uuid.UUID) (capsule.KnowledgeCapsule, bool) {
	return h.Store.GetByID(id)
}

// Send is the queue's retransmission callback: it resubmits the same
// encoded bytes under the same packet_id, an independent fragmentation
// event per spec's idempotence contract.
func (h *Hub) Send(e *queue.Entry) error {
	if h.Metrics != nil && e.Attempts > 0 {
		h.Metrics.IncRetransmit()
	}
	return h.Engine.SubmitPacket(e.Encoded, e.PacketID, h.SelfID, e.Dest)
}

// OnPacket implements netsim.Endpoint. It decodes the wire frame and routes
// it by message type.
func (h *Hub) OnPacket(encoded []byte) {
	pkt, err := netproto.Decode(encoded)
	if err != nil {
		debuglog.Debugf("minihub: decode error: %v", err)
		return
	}
	switch pkt.Header.Type {
	case netproto.TypeCapsule:
		h.handleCapsule(pkt)
	case netproto.TypeManifest:
		h.handleManifest(pkt)
	case netproto.TypeMessage:
		h.handleMessage(pkt)
	default:
		debuglog.Debugf("minihub: unexpected frame type %s", pkt.Header.Type)
	}
}

func (h *Hub) handleCapsule(pkt netproto.Packet) {
	plaintext, err := netproto.Open(h.AeadKeyFor, pkt)
	if err != nil {
		if h.Metrics != nil {
			h.Metrics.IncDecryptFail(pkt.Header.SrcID.String())
		}
		return
	}
	payload, err := netproto.UnmarshalCapsule(plaintext)
	if err != nil {
		return
	}
	var c capsule.KnowledgeCapsule
	if err := json.Unmarshal(payload.Raw, &c); err != nil {
		return
	}
	if h.VerifySigner != nil && !h.VerifySigner(c.SourceID, func(pub []byte) bool { return capsule.Verify(c, pub) }) {
		if h.Metrics != nil {
			h.Metrics.IncSigInvalid(pkt.Header.SrcID.String())
		}
		return
	}

	if !c.IsError() {
		if _, err := h.Store.Put(c); err != nil {
			debuglog.Debugf("minihub: store put error: %v", err)
		}
	}

	h.mu.Lock()
	ch, ok := h.waiters[pkt.Header.PacketID]
	h.mu.Unlock()
	if ok {
		select {
		case ch <- waitOutcome{capsule: c, isError: c.IsError()}:
		default:
		}
	}
	if h.Syncer != nil {
		h.Syncer.OnCapsuleDelivered(pkt.Header.SrcID.String(), c.CapsuleID)
	}
}

func (h *Hub) handleManifest(pkt netproto.Packet) {
	plaintext, err := netproto.Open(h.AeadKeyFor, pkt)
	if err != nil {
		if h.Metrics != nil {
			h.Metrics.IncDecryptFail(pkt.Header.SrcID.String())
		}
		return
	}
	payload, err := netproto.UnmarshalManifest(plaintext)
	if err != nil {
		return
	}
	var mf capsule.Manifest
	if err := json.Unmarshal(payload.Raw, &mf); err != nil {
		return
	}
	if h.VerifySigner != nil && !h.VerifySigner(mf.SourceID, func(pub []byte) bool { return capsule.VerifyManifest(mf, pub) }) {
		if h.Metrics != nil {
			h.Metrics.IncSigInvalid(pkt.Header.SrcID.String())
		}
		return
	}
	peer := pkt.Header.SrcID.String()
	h.mu.Lock()
	existing, had := h.latestMf[peer]
	if had && !mf.GeneratedAt.After(existing.GeneratedAt) {
		h.mu.Unlock()
		return
	}
	h.latestMf[peer] = mf
	h.mu.Unlock()
	if h.Metrics != nil {
		h.Metrics.IncManifestReceived()
	}
	if h.Syncer != nil {
		h.Syncer.Reconcile(peer, mf)
	}
}

// SendMessage originates a user message at this mini hub and forwards it to
// the main hub for relay, reusing the same retransmit Queue a Query uses:
// loss on this leg self-heals on the queue's own backoff schedule rather
// than requiring a separate retry path for messages. targetHubID may be
// empty, meaning "broadcast to every mini hub the main hub knows."
func (h *Hub) SendMessage(senderID, recipientID, content, targetHubID string) (uuid.UUID, error) {
	messageID := uuid.New()
	payload, err := netproto.MarshalPayload(netproto.MessagePayload{
		MessageID:   messageID,
		SenderID:    senderID,
		RecipientID: recipientID,
		Content:     content,
		SourceHubID: h.SelfID.String(),
		TargetHubID: targetHubID,
	})
	if err != nil {
		return uuid.Nil, err
	}
	packetID := uuid.New()
	pkt, err := netproto.Seal(h.AeadKeyFor, netproto.TypeMessage, packetID, h.SelfID, h.MainHubID, payload)
	if err != nil {
		return uuid.Nil, err
	}
	encoded := pkt.Encode()

	if h.Messages != nil {
		msg := messaging.UserMessage{
			MessageID:   messageID,
			SenderID:    senderID,
			RecipientID: recipientID,
			Content:     content,
			Timestamp:   time.Now().UTC(),
			SourceHubID: h.SelfID.String(),
			TargetHubID: targetHubID,
		}
		if err := h.Messages.Record(msg, messaging.Outgoing); err != nil {
			debuglog.Debugf("minihub: record outgoing message: %v", err)
		}
	}

	h.Queue.Enqueue(packetID, h.MainHubID, encoded)
	if err := h.Engine.SubmitPacket(encoded, packetID, h.SelfID, h.MainHubID); err != nil {
		return messageID, err
	}
	return messageID, nil
}

// handleMessage accepts a message relayed to this mini hub by its main hub
// and records it as incoming. Like handleCapsule it trusts AEAD
// confidentiality and the wire header alone — a message carries no
// signature to verify.
func (h *Hub) handleMessage(pkt netproto.Packet) {
	if h.Messages == nil {
		return
	}
	plaintext, err := netproto.Open(h.AeadKeyFor, pkt)
	if err != nil {
		if h.Metrics != nil {
			h.Metrics.IncDecryptFail(pkt.Header.SrcID.String())
		}
		return
	}
	mp, err := netproto.UnmarshalMessage(plaintext)
	if err != nil {
		return
	}
	if h.Messages.Seen(mp.MessageID) {
		return
	}
	msg := messaging.UserMessage{
		MessageID:   mp.MessageID,
		SenderID:    mp.SenderID,
		RecipientID: mp.RecipientID,
		Content:     mp.Content,
		Timestamp:   time.Now().UTC(),
		SourceHubID: mp.SourceHubID,
		TargetHubID: mp.TargetHubID,
	}
	if err := h.Messages.Record(msg, messaging.Incoming); err != nil {
		debuglog.Debugf("minihub: record incoming message: %v", err)
	}
}

// Inbox returns every message this hub has received, newest first.
func (h *Hub) Inbox() []messaging.UserMessage {
	if h.Messages == nil {
		return nil
	}
	return h.Messages.Inbox()
}

// Sent returns every message this hub has originated, newest first.
func (h *Hub) Sent() []messaging.UserMessage {
	if h.Messages == nil {
		return nil
	}
	return h.Messages.Sent()
}

// NewSyncer builds and wires a gossip.Syncer against this hub's single main
// hub peer: it reconciles against whatever manifest was last delivered by
// push (handleManifest) rather than performing a live fetch, and dispatches
// requestCapsule for each entry this hub is still missing.
func (h *Hub) NewSyncer(interval time.Duration, maxInflight int, requestCapsule func(peer string, capsuleID uuid.UUID) error) *gossip.Syncer {
	s := gossip.NewSyncer(interval, maxInflight)
	peer := h.MainHubID.String()
	s.Peers = func() []string { return []string{peer} }
	s.FetchManifest = func(p string) (capsule.Manifest, error) {
		mf, ok := h.LatestManifest(p)
		if !ok {
			return capsule.Manifest{}, errNoManifestYet
		}
		return mf, nil
	}
	s.VerifyManifest = func(capsule.Manifest) bool { return true } // already verified in handleManifest
	s.HaveIDs = h.haveIDs
	s.Request = requestCapsule
	s.Metrics = h.Metrics
	h.Syncer = s
	return s
}

func (h *Hub) haveIDs() map[uuid.UUID]struct{} {
	out := make(map[uuid.UUID]struct{})
	for _, c := range h.Store.FreshCapsules() {
		out[c.CapsuleID] = struct{}{}
	}
	return out
}

// LatestManifest returns the most recently accepted manifest from peer, for
// the gossip poll worker to re-reconcile against.
func (h *Hub) LatestManifest(peer string) (capsule.Manifest, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	mf, ok := h.latestMf[peer]
	return mf, ok
}

// OnAck implements netsim.Endpoint: a packet was fully delivered and
// acknowledged. This both clears it from the retransmit queue and, if the
// queue had any other entry stuck PENDING after a failure streak, drains it
// immediately (reconciliation on link-up).
func (h *Hub) OnAck(packetID [16]byte) {
	id := uuid.UUID(packetID)
	e, hadEntry := h.Queue.Get(id)
	hadFailures := hadEntry && e.Attempts > 0
	h.Queue.MarkDelivered(id)
	if hadFailures {
		h.Queue.Reconcile()
	}
}

// OnNak implements netsim.Endpoint: a chunk was lost, triggering immediate
// retransmission of the whole packet rather than waiting for ack_timeout.
func (h *Hub) OnNak(packetID [16]byte, chunkIndex uint16) {
	h.Queue.OnNak(uuid.UUID(packetID))
}

// RunRetransmitWorker drives the queue's retransmission loop until stop is
// closed. Call it exactly once per Hub, typically from the node's main.
func (h *Hub) RunRetransmitWorker(stop <-chan struct{}) {
	h.Queue.Run(stop, h.Send)
}
