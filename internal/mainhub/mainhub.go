// Package mainhub is the authoritative node: it answers QUERY frames from
// whatever mini hub sent them, binds and signs the result into a capsule,
// and periodically broadcasts a signed manifest of everything it holds so
// mini hubs can gossip-sync the capsules they missed.
package mainhub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"capsulemesh/internal/answer"
	"capsulemesh/internal/capstore"
	"capsulemesh/internal/capsule"
	"capsulemesh/internal/debuglog"
	"capsulemesh/internal/dedup"
	"capsulemesh/internal/gossip"
	"capsulemesh/internal/messaging"
	"capsulemesh/internal/metrics"
	"capsulemesh/internal/netproto"
)

// DefaultAnswerTimeout bounds how long a single Answer call may run before
// the query is answered with an ERROR capsule instead.
const DefaultAnswerTimeout = 20 * time.Second

// DefaultCapsuleTTLSeconds is used for capsules this hub mints when the
// caller doesn't override it.
const DefaultCapsuleTTLSeconds = int64(24 * time.Hour / time.Second)

// DefaultDedupWindow is how long a resend of the same packet_id reuses the
// previously produced capsule instead of invoking Answer again.
const DefaultDedupWindow = 10 * time.Minute

// Submitter is the subset of *netsim.Engine a Hub needs.
type Submitter interface {
	SubmitPacket(encoded []byte, packetID [16]byte, src, dst netproto.NodeID) error
}

// Hub is one main hub.
type Hub struct {
	SelfID            netproto.NodeID
	SourceID          string
	SignPriv          []byte
	Store             *capstore.Store
	Messages          *messaging.Store
	Dedup             *dedup.Cache
	Engine            Submitter
	AeadKeyFor        netproto.AeadKeyFor
	Answer            answer.Func
	AnswerTimeout     time.Duration
	DefaultTTLSeconds int64
	Metrics           *metrics.Metrics
	Publisher         *gossip.Publisher

	mu    sync.RWMutex
	peers map[netproto.NodeID]struct{}
}

// New builds a Hub with contractual defaults; callers override fields
// before registering it with a netsim.Engine.
func New(selfID netproto.NodeID, sourceID string, signPriv []byte, store *capstore.Store, keyFor netproto.AeadKeyFor, engine Submitter, m *metrics.Metrics) *Hub {
	return &Hub{
		SelfID:            selfID,
		SourceID:          sourceID,
		SignPriv:          signPriv,
		Store:             store,
		Dedup:             dedup.New(4096, DefaultDedupWindow),
		Engine:            engine,
		AeadKeyFor:        keyFor,
		AnswerTimeout:     DefaultAnswerTimeout,
		DefaultTTLSeconds: DefaultCapsuleTTLSeconds,
		Metrics:           m,
		peers:             make(map[netproto.NodeID]struct{}),
	}
}

// NewPublisher wires a gossip.Publisher that broadcasts a freshly signed
// manifest to every mini hub this Hub has heard from.
func (h *Hub) NewPublisher(interval time.Duration) *gossip.Publisher {
	p := gossip.NewPublisher(interval, h.buildManifest, h.broadcastManifest, h.Metrics)
	h.Publisher = p
	return p
}

func (h *Hub) buildManifest() (capsule.Manifest, error) {
	mf := capsule.NewManifest(h.SourceID, h.Store.FreshCapsules(), time.Now())
	return capsule.SignManifest(mf, h.SignPriv)
}

func (h *Hub) broadcastManifest(mf capsule.Manifest) {
	raw, err := json.Marshal(mf)
	if err != nil {
		return
	}
	payload, err := netproto.MarshalPayload(netproto.ManifestPayload{Raw: raw})
	if err != nil {
		return
	}
	for _, peer := range h.knownPeers() {
		pkt, err := netproto.Seal(h.AeadKeyFor, netproto.TypeManifest, uuid.New(), h.SelfID, peer, payload)
		if err != nil {
			continue
		}
		if err := h.Engine.SubmitPacket(pkt.Encode(), pkt.Header.PacketID, h.SelfID, peer); err != nil {
			debuglog.Debugf("mainhub: manifest broadcast to %s: %v", peer, err)
		}
	}
}

func (h *Hub) knownPeers() []netproto.NodeID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]netproto.NodeID, 0, len(h.peers))
	for id := range h.peers {
		out = append(out, id)
	}
	return out
}

func (h *Hub) learnPeer(id netproto.NodeID) {
	h.mu.Lock()
	h.peers[id] = struct{}{}
	h.mu.Unlock()
}

// GetCapsule looks up a capsule by ID, for the CAPSULE_REQUEST handler and
// for an operator-facing status surface.
func (h *Hub) GetCapsule(id uuid.UUID) (capsule.KnowledgeCapsule, bool) {
	return h.Store.GetByID(id)
}

// LatestManifest returns a freshly built, signed manifest of current
// holdings without going through the periodic publisher.
func (h *Hub) LatestManifest() (capsule.Manifest, error) {
	return h.buildManifest()
}

// OnPacket implements netsim.Endpoint.
func (h *Hub) OnPacket(encoded []byte) {
	pkt, err := netproto.Decode(encoded)
	if err != nil {
		debuglog.Debugf("mainhub: decode error: %v", err)
		return
	}
	switch pkt.Header.Type {
	case netproto.TypeQuery:
		h.learnPeer(pkt.Header.SrcID)
		h.handleQuery(pkt)
	case netproto.TypeCapsuleRequest:
		h.learnPeer(pkt.Header.SrcID)
		h.handleCapsuleRequest(pkt)
	case netproto.TypeMessage:
		h.learnPeer(pkt.Header.SrcID)
		h.handleMessage(pkt)
	default:
		debuglog.Debugf("mainhub: unexpected frame type %s", pkt.Header.Type)
	}
}

// OnAck and OnNak implement netsim.Endpoint. A main hub never retransmits
// its own sends on a timer: reliability for the CAPSULE direction comes
// from the mini hub retrying the QUERY, which this hub answers from its
// dedup cache, so loss on the reply path self-heals without any state here.
func (h *Hub) OnAck(packetID [16]byte)                       {}
func (h *Hub) OnNak(packetID [16]byte, chunkIndex uint16)    {}

func (h *Hub) handleQuery(pkt netproto.Packet) {
	plaintext, err := netproto.Open(h.AeadKeyFor, pkt)
	if err != nil {
		if h.Metrics != nil {
			h.Metrics.IncDecryptFail(pkt.Header.SrcID.String())
		}
		return
	}
	qp, err := netproto.UnmarshalQuery(plaintext)
	if err != nil {
		return
	}

	if cached, ok := h.Dedup.Get(pkt.Header.PacketID); ok {
		encoded := cached.([]byte)
		_ = h.Engine.SubmitPacket(encoded, pkt.Header.PacketID, h.SelfID, pkt.Header.SrcID)
		return
	}

	c := h.answerQuery(qp)
	signed, err := capsule.Sign(c, h.SignPriv)
	if err != nil {
		debuglog.Debugf("mainhub: sign capsule: %v", err)
		return
	}
	c = signed
	if !c.IsError() {
		if _, err := h.Store.Put(c); err != nil {
			debuglog.Debugf("mainhub: store put: %v", err)
		}
	}

	encoded, err := h.encodeCapsuleReply(pkt.Header.PacketID, pkt.Header.SrcID, c)
	if err != nil {
		debuglog.Debugf("mainhub: encode capsule reply: %v", err)
		return
	}
	h.Dedup.Put(pkt.Header.PacketID, encoded)
	if err := h.Engine.SubmitPacket(encoded, pkt.Header.PacketID, h.SelfID, pkt.Header.SrcID); err != nil {
		debuglog.Debugf("mainhub: submit capsule reply: %v", err)
	}
}

// answerQuery resolves qp to a signed-pending capsule: a local cache hit,
// or a freshly generated answer, or an ERROR capsule if Answer fails or
// times out.
func (h *Hub) answerQuery(qp netproto.QueryPayload) capsule.KnowledgeCapsule {
	if existing, ok := h.Store.FindByQuestion(qp.Question); ok {
		return existing
	}
	if h.Answer == nil {
		if h.Metrics != nil {
			h.Metrics.IncAnswerFail()
		}
		return capsule.NewError(qp.Question, h.SourceID, "NO_ANSWER_FUNC", h.DefaultTTLSeconds, time.Now())
	}

	timeout := h.AnswerTimeout
	if timeout <= 0 {
		timeout = DefaultAnswerTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	text, err := h.Answer(ctx, qp.Question)
	if err != nil {
		if h.Metrics != nil {
			h.Metrics.IncAnswerFail()
		}
		return capsule.NewError(qp.Question, h.SourceID, "ANSWER_FAILED", h.DefaultTTLSeconds, time.Now())
	}
	return capsule.New(qp.Question, text, h.SourceID, h.DefaultTTLSeconds, time.Now())
}

func (h *Hub) encodeCapsuleReply(packetID uuid.UUID, dst netproto.NodeID, c capsule.KnowledgeCapsule) ([]byte, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	payload, err := netproto.MarshalPayload(netproto.CapsulePayload{Raw: raw})
	if err != nil {
		return nil, err
	}
	pkt, err := netproto.Seal(h.AeadKeyFor, netproto.TypeCapsule, packetID, h.SelfID, dst, payload)
	if err != nil {
		return nil, err
	}
	return pkt.Encode(), nil
}

func (h *Hub) handleCapsuleRequest(pkt netproto.Packet) {
	plaintext, err := netproto.Open(h.AeadKeyFor, pkt)
	if err != nil {
		if h.Metrics != nil {
			h.Metrics.IncDecryptFail(pkt.Header.SrcID.String())
		}
		return
	}
	reqp, err := netproto.UnmarshalCapsuleRequest(plaintext)
	if err != nil {
		return
	}
	c, ok := h.Store.GetByID(reqp.CapsuleID)
	if !ok {
		return
	}
	replyID := uuid.New()
	encoded, err := h.encodeCapsuleReply(replyID, pkt.Header.SrcID, c)
	if err != nil {
		debuglog.Debugf("mainhub: encode capsule_request reply: %v", err)
		return
	}
	if err := h.Engine.SubmitPacket(encoded, replyID, h.SelfID, pkt.Header.SrcID); err != nil {
		debuglog.Debugf("mainhub: submit capsule_request reply: %v", err)
	}
}

// handleMessage accepts a relayed user message from one mini hub, records
// it as incoming, and fans it back out to every other known mini hub so a
// message with no target_hub_id reaches the whole mesh. A message already
// seen (forwarded to us by a second hop) is not re-recorded or re-broadcast.
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
	if msg.SourceHubID == "" {
		msg.SourceHubID = pkt.Header.SrcID.String()
	}
	if err := h.Messages.Record(msg, messaging.Incoming); err != nil {
		debuglog.Debugf("mainhub: record message: %v", err)
	}
	h.broadcastUserMessage(msg, pkt.Header.SrcID)
}

// broadcastUserMessage relays msg to target_hub_id if set, otherwise to
// every mini hub known to this main hub, excluding exclude (the hop it
// arrived from, so it isn't echoed straight back). Failure to submit to one
// peer does not abort delivery to the rest.
func (h *Hub) broadcastUserMessage(msg messaging.UserMessage, exclude netproto.NodeID) {
	var targets []netproto.NodeID
	if msg.TargetHubID != "" {
		for _, peer := range h.knownPeers() {
			if peer.String() == msg.TargetHubID {
				targets = append(targets, peer)
				break
			}
		}
	} else {
		for _, peer := range h.knownPeers() {
			if peer != exclude {
				targets = append(targets, peer)
			}
		}
	}

	for _, peer := range targets {
		payload, err := netproto.MarshalPayload(netproto.MessagePayload{
			MessageID:   msg.MessageID,
			SenderID:    msg.SenderID,
			RecipientID: msg.RecipientID,
			Content:     msg.Content,
			SourceHubID: msg.SourceHubID,
			TargetHubID: msg.TargetHubID,
		})
		if err != nil {
			continue
		}
		packetID := uuid.New()
		pkt, err := netproto.Seal(h.AeadKeyFor, netproto.TypeMessage, packetID, h.SelfID, peer, payload)
		if err != nil {
			continue
		}
		if err := h.Engine.SubmitPacket(pkt.Encode(), pkt.Header.PacketID, h.SelfID, peer); err != nil {
			debuglog.Debugf("mainhub: relay message to %s: %v", peer, err)
		}
	}
}
