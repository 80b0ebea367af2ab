// Package gossip drives the two periodic background tasks that keep
// capsules converging across the mesh: a main hub's manifest publisher and
// a mini hub's manifest poller plus rate-limited selective-sync fetcher.
package gossip

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"capsulemesh/internal/capsule"
	"capsulemesh/internal/metrics"
)

// DefaultManifestInterval is T_manifest: how often a main hub regenerates
// and broadcasts its manifest.
const DefaultManifestInterval = 30 * time.Second

// DefaultPollInterval is T_gossip: how often a mini hub polls for the
// latest manifest.
const DefaultPollInterval = 45 * time.Second

// DefaultInflightSync is N_inflight_sync: the per-peer cap on outstanding
// CAPSULE_REQUEST packets.
const DefaultInflightSync = 8

// Publisher runs the main-hub side: build a fresh manifest every interval
// and hand it to publish, which is responsible for addressing it to known
// mini hubs over NetSim.
type Publisher struct {
	Interval time.Duration
	Build    func() (capsule.Manifest, error)
	Publish  func(capsule.Manifest)
	Metrics  *metrics.Metrics
}

func NewPublisher(interval time.Duration, build func() (capsule.Manifest, error), publish func(capsule.Manifest), m *metrics.Metrics) *Publisher {
	if interval <= 0 {
		interval = DefaultManifestInterval
	}
	return &Publisher{Interval: interval, Build: build, Publish: publish, Metrics: m}
}

// Run blocks, publishing on every tick, until stop is closed.
func (p *Publisher) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			mf, err := p.Build()
			if err != nil {
				continue
			}
			p.Publish(mf)
			if p.Metrics != nil {
				p.Metrics.IncManifestSent()
			}
		}
	}
}

// PeerState tracks one remote main hub's in-flight CAPSULE_REQUEST budget
// from a mini hub's perspective.
type PeerState struct {
	Inflight map[uuid.UUID]struct{}
	Pending  []uuid.UUID
}

// Syncer runs the mini-hub side: poll for the latest manifest from each
// known main hub, verify it, diff against local holdings, and drip-feed
// CAPSULE_REQUEST packets within the per-peer inflight cap.
type Syncer struct {
	Interval    time.Duration
	MaxInflight int
	Peers       func() []string
	FetchManifest func(peer string) (capsule.Manifest, error)
	VerifyManifest func(capsule.Manifest) bool
	HaveIDs     func() map[uuid.UUID]struct{}
	Request     func(peer string, capsuleID uuid.UUID) error
	Metrics     *metrics.Metrics

	mu     sync.Mutex
	states map[string]*PeerState
}

func NewSyncer(interval time.Duration, maxInflight int) *Syncer {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if maxInflight <= 0 {
		maxInflight = DefaultInflightSync
	}
	return &Syncer{
		Interval:    interval,
		MaxInflight: maxInflight,
		states:      make(map[string]*PeerState),
	}
}

func (s *Syncer) stateFor(peer string) *PeerState {
	st, ok := s.states[peer]
	if !ok {
		st = &PeerState{Inflight: make(map[uuid.UUID]struct{})}
		s.states[peer] = st
	}
	return st
}

// Run blocks, polling every peer on every tick, until stop is closed.
func (s *Syncer) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.pollOnce()
		}
	}
}

func (s *Syncer) pollOnce() {
	if s.Peers == nil || s.FetchManifest == nil {
		return
	}
	for _, peer := range s.Peers() {
		mf, err := s.FetchManifest(peer)
		if err != nil {
			continue
		}
		if s.VerifyManifest != nil && !s.VerifyManifest(mf) {
			continue
		}
		if s.Metrics != nil {
			s.Metrics.IncManifestReceived()
		}
		s.reconcile(peer, mf)
	}
}

// Reconcile computes missing entries for a manifest already verified and
// accepted by the caller, and drip-feeds requests for them. Exported so a
// push-delivered manifest can reconcile immediately, independent of the
// poll ticker in Run.
func (s *Syncer) Reconcile(peer string, mf capsule.Manifest) {
	s.reconcile(peer, mf)
}

func (s *Syncer) reconcile(peer string, mf capsule.Manifest) {
	have := map[uuid.UUID]struct{}{}
	if s.HaveIDs != nil {
		have = s.HaveIDs()
	}
	missing := mf.Missing(have)

	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateFor(peer)
	for _, entry := range missing {
		if _, already := st.Inflight[entry.CapsuleID]; already {
			continue
		}
		st.Pending = append(st.Pending, entry.CapsuleID)
	}
	s.drain(peer, st)
}

func (s *Syncer) drain(peer string, st *PeerState) {
	for len(st.Pending) > 0 && len(st.Inflight) < s.MaxInflight {
		id := st.Pending[0]
		st.Pending = st.Pending[1:]
		if _, already := st.Inflight[id]; already {
			continue
		}
		st.Inflight[id] = struct{}{}
		if s.Request != nil {
			if err := s.Request(peer, id); err != nil {
				delete(st.Inflight, id)
			}
		}
	}
}

// OnCapsuleDelivered releases a peer's inflight slot for a fetched
// capsule (whether it arrived as a response to CAPSULE_REQUEST or by other
// means) and dispatches the next pending request, if any.
func (s *Syncer) OnCapsuleDelivered(peer string, id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[peer]
	if !ok {
		return
	}
	if _, ok := st.Inflight[id]; !ok {
		return
	}
	delete(st.Inflight, id)
	if s.Metrics != nil {
		s.Metrics.IncCapsuleSynced()
	}
	s.drain(peer, st)
}
