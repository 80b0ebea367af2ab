// Package metrics counts the events the error taxonomy and the transport
// layer need to surface: security rejections, delivery failures, and
// gossip/sync progress. Counters are atomic so every worker goroutine can
// increment them without a lock; a small bounded ring remembers recent
// security events for operator inspection.
package metrics

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// SecurityEvent records one rejected inbound frame for the recent-events ring.
type SecurityEvent struct {
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
	PeerID string    `json:"peer_id,omitempty"`
}

type Snapshot struct {
	GeneratedAt time.Time       `json:"generated_at"`
	Transport   TransportCounts `json:"transport"`
	Delivery    DeliveryCounts  `json:"delivery"`
	Security    SecurityCounts  `json:"security"`
	Application ApplicationCounts `json:"application"`
	Gossip      GossipCounts    `json:"gossip"`
	Recent      []SecurityEvent `json:"recent_security_events"`
}

type TransportCounts struct {
	Oversized          uint64 `json:"oversized"`
	UnknownDestination uint64 `json:"unknown_destination"`
	NetsimDown         uint64 `json:"netsim_down"`
}

type DeliveryCounts struct {
	LostChunk           uint64 `json:"lost_chunk"`
	ReassemblyTimeout    uint64 `json:"reassembly_timeout"`
	MaxRetriesExceeded   uint64 `json:"max_retries_exceeded"`
	Retransmits          uint64 `json:"retransmits"`
	Delivered            uint64 `json:"delivered"`
}

type SecurityCounts struct {
	DecryptFail    uint64 `json:"decrypt_fail"`
	SigInvalid     uint64 `json:"sig_invalid"`
	UnknownSigner  uint64 `json:"unknown_signer"`
}

type ApplicationCounts struct {
	AnswerFail     uint64 `json:"answer_fail"`
	QueuedTimeout  uint64 `json:"queued_timeout"`
	CacheHits      uint64 `json:"cache_hits"`
	Fresh          uint64 `json:"fresh"`
}

type GossipCounts struct {
	ManifestsSent     uint64 `json:"manifests_sent"`
	ManifestsReceived uint64 `json:"manifests_received"`
	CapsulesSynced    uint64 `json:"capsules_synced"`
}

type Metrics struct {
	oversized          atomic.Uint64
	unknownDestination atomic.Uint64
	netsimDown         atomic.Uint64

	lostChunk          atomic.Uint64
	reassemblyTimeout  atomic.Uint64
	maxRetriesExceeded atomic.Uint64
	retransmits        atomic.Uint64
	delivered          atomic.Uint64

	decryptFail   atomic.Uint64
	sigInvalid    atomic.Uint64
	unknownSigner atomic.Uint64

	answerFail    atomic.Uint64
	queuedTimeout atomic.Uint64
	cacheHits     atomic.Uint64
	fresh         atomic.Uint64

	manifestsSent     atomic.Uint64
	manifestsReceived atomic.Uint64
	capsulesSynced    atomic.Uint64

	recent *recentEvents
}

func New() *Metrics {
	return &Metrics{recent: newRecentEvents(64)}
}

func (m *Metrics) IncOversized()           { m.oversized.Add(1) }
func (m *Metrics) IncUnknownDestination()  { m.unknownDestination.Add(1) }
func (m *Metrics) IncNetsimDown()          { m.netsimDown.Add(1) }

func (m *Metrics) IncLostChunk()          { m.lostChunk.Add(1) }
func (m *Metrics) IncReassemblyTimeout()  { m.reassemblyTimeout.Add(1) }
func (m *Metrics) IncMaxRetriesExceeded() { m.maxRetriesExceeded.Add(1) }
func (m *Metrics) IncRetransmit()         { m.retransmits.Add(1) }
func (m *Metrics) IncDelivered()          { m.delivered.Add(1) }

func (m *Metrics) IncDecryptFail(peerID string) {
	m.decryptFail.Add(1)
	m.recent.add(SecurityEvent{At: time.Now().UTC(), Reason: "DECRYPT_FAIL", PeerID: peerID})
}

func (m *Metrics) IncSigInvalid(peerID string) {
	m.sigInvalid.Add(1)
	m.recent.add(SecurityEvent{At: time.Now().UTC(), Reason: "SIG_INVALID", PeerID: peerID})
}

func (m *Metrics) IncUnknownSigner(peerID string) {
	m.unknownSigner.Add(1)
	m.recent.add(SecurityEvent{At: time.Now().UTC(), Reason: "UNKNOWN_SIGNER", PeerID: peerID})
}

func (m *Metrics) IncAnswerFail()    { m.answerFail.Add(1) }
func (m *Metrics) IncQueuedTimeout() { m.queuedTimeout.Add(1) }
func (m *Metrics) IncCacheHit()      { m.cacheHits.Add(1) }
func (m *Metrics) IncFresh()         { m.fresh.Add(1) }

func (m *Metrics) IncManifestSent()     { m.manifestsSent.Add(1) }
func (m *Metrics) IncManifestReceived() { m.manifestsReceived.Add(1) }
func (m *Metrics) IncCapsuleSynced()    { m.capsulesSynced.Add(1) }

func (m *Metrics) Snapshot() Snapshot {
	var recent []SecurityEvent
	if m.recent != nil {
		recent = m.recent.items()
	}
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Transport: TransportCounts{
			Oversized:          m.oversized.Load(),
			UnknownDestination: m.unknownDestination.Load(),
			NetsimDown:         m.netsimDown.Load(),
		},
		Delivery: DeliveryCounts{
			LostChunk:          m.lostChunk.Load(),
			ReassemblyTimeout:  m.reassemblyTimeout.Load(),
			MaxRetriesExceeded: m.maxRetriesExceeded.Load(),
			Retransmits:        m.retransmits.Load(),
			Delivered:          m.delivered.Load(),
		},
		Security: SecurityCounts{
			DecryptFail:   m.decryptFail.Load(),
			SigInvalid:    m.sigInvalid.Load(),
			UnknownSigner: m.unknownSigner.Load(),
		},
		Application: ApplicationCounts{
			AnswerFail:    m.answerFail.Load(),
			QueuedTimeout: m.queuedTimeout.Load(),
			CacheHits:     m.cacheHits.Load(),
			Fresh:         m.fresh.Load(),
		},
		Gossip: GossipCounts{
			ManifestsSent:     m.manifestsSent.Load(),
			ManifestsReceived: m.manifestsReceived.Load(),
			CapsulesSynced:    m.capsulesSynced.Load(),
		},
		Recent: recent,
	}
}

// WriteSnapshot is a convenience for an ops sidecar that tails a JSON file
// instead of scraping an HTTP endpoint; it is a no-op for an empty path.
func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	snap := m.Snapshot()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

type recentEvents struct {
	mu   sync.Mutex
	cap  int
	list []SecurityEvent
}

func newRecentEvents(capacity int) *recentEvents {
	if capacity <= 0 {
		capacity = 64
	}
	return &recentEvents{cap: capacity}
}

func (r *recentEvents) add(e SecurityEvent) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.list) >= r.cap {
		copy(r.list, r.list[1:])
		r.list[len(r.list)-1] = e
		return
	}
	r.list = append(r.list, e)
}

func (r *recentEvents) items() []SecurityEvent {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SecurityEvent, len(r.list))
	copy(out, r.list)
	return out
}
