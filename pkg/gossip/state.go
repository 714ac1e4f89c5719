package gossip

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"
)

// HeartbeatKey is the reserved attribute updated by every heartbeat.
// It is the only key that feeds a peer's failure detector.
const HeartbeatKey = "__heartbeat__"

// DefaultPhiThreshold is the suspicion level above which a peer is
// considered dead.
const DefaultPhiThreshold = 8

type attrEntry struct {
	value   any
	version int64
}

// PeerState is the versioned attribute store for a single peer,
// including the local node itself. Every attribute carries the version
// at which it was written; maxVersionSeen is the high-water mark used
// in digests.
//
// Only the owning node mutates its own state, via UpdateLocal. State
// for a remote peer is only ever mutated by UpdateWithDelta as deltas
// arrive. Mixing the two on one state would fork version counters.
type PeerState struct {
	clock  clockwork.Clock
	events *dispatcher
	mu     *sync.Mutex

	name             string
	attrs            map[string]attrEntry
	maxVersionSeen   int64
	heartbeatVersion int64
	alive            bool
	detector         *FailureDetector
	phiThreshold     float64
}

// NewPeerState creates a standalone peer state that reports to the
// given participant. The gossiper creates its table entries internally;
// this constructor exists for embedders and tests that exercise a state
// in isolation.
func NewPeerState(clock clockwork.Clock, name string, participant Participant) *PeerState {
	return newPeerState(clock, name, &sync.Mutex{}, newDispatcher(participant, slog.Default()), DefaultPhiThreshold)
}

func newPeerState(clock clockwork.Clock, name string, mu *sync.Mutex, events *dispatcher, phiThreshold float64) *PeerState {
	return &PeerState{
		clock:        clock,
		events:       events,
		mu:           mu,
		name:         name,
		attrs:        make(map[string]attrEntry),
		detector:     NewFailureDetector(),
		phiThreshold: phiThreshold,
	}
}

// Name returns the peer's endpoint, "HOST:PORT".
func (s *PeerState) Name() string { return s.name }

// Alive reports whether the failure detector currently considers the
// peer alive. Freshly created states start dead until heartbeats
// arrive.
func (s *PeerState) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive
}

// MaxVersionSeen returns the peer's version high-water mark.
func (s *PeerState) MaxVersionSeen() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxVersionSeen
}

// Get returns the value of an attribute.
func (s *PeerState) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.attrs[key]
	return e.value, ok
}

// Has reports whether the attribute exists.
func (s *PeerState) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.attrs[key]
	return ok
}

// Version returns the version an attribute was written at.
func (s *PeerState) Version(key string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.attrs[key]
	return e.version, ok
}

// Keys returns the attribute keys in sorted order.
func (s *PeerState) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.attrs))
	for k := range s.attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Phi returns the current suspicion level for the peer.
func (s *PeerState) Phi() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detector.Phi(s.clock.Now())
}

// UpdateLocal writes an attribute on the node's own state, assigning it
// the next version. Only the self state may be updated this way.
func (s *PeerState) UpdateLocal(key string, value any) {
	s.mu.Lock()
	s.updateLocalLocked(key, value)
	s.mu.Unlock()
	s.events.flush()
}

func (s *PeerState) updateLocalLocked(key string, value any) {
	s.maxVersionSeen++
	s.setKeyLocked(key, value, s.maxVersionSeen)
}

// UpdateWithDelta applies a replicated attribute write to a remote
// peer's state. Deltas at or below the current high-water mark are
// duplicates from concurrent exchanges and are dropped; a heartbeat
// delta additionally feeds the failure detector.
func (s *PeerState) UpdateWithDelta(key string, value any, version int64) {
	s.mu.Lock()
	s.updateWithDeltaLocked(key, value, version)
	s.mu.Unlock()
	s.events.flush()
}

func (s *PeerState) updateWithDeltaLocked(key string, value any, version int64) bool {
	if version <= s.maxVersionSeen {
		return false
	}
	s.maxVersionSeen = version
	s.setKeyLocked(key, value, version)
	if key == HeartbeatKey {
		s.detector.Add(s.clock.Now())
	}
	return true
}

func (s *PeerState) setKeyLocked(key string, value any, version int64) {
	s.attrs[key] = attrEntry{value: value, version: version}
	s.events.enqueue(event{kind: eventValueChanged, peer: s, key: key, value: value})
}

// BeatThatHeart bumps the heartbeat counter on the node's own state so
// the next exchanges carry proof of life.
func (s *PeerState) BeatThatHeart() {
	s.mu.Lock()
	s.beatHeartLocked()
	s.mu.Unlock()
	s.events.flush()
}

func (s *PeerState) beatHeartLocked() {
	s.heartbeatVersion++
	s.updateLocalLocked(HeartbeatKey, s.heartbeatVersion)
}

// DeltasAfter returns the attributes written after the given version,
// ascending by version. The receiver applies them in that order, which
// keeps its high-water mark monotonic and its observer notifications
// causally ordered.
func (s *PeerState) DeltasAfter(lowestVersion int64) []Delta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deltasAfterLocked(lowestVersion)
}

func (s *PeerState) deltasAfterLocked(lowestVersion int64) []Delta {
	var deltas []Delta
	for key, e := range s.attrs {
		if e.version > lowestVersion {
			deltas = append(deltas, Delta{Peer: s.name, Key: key, Value: e.value, Version: e.version})
		}
	}
	sort.Slice(deltas, func(i, j int) bool { return deltas[i].Version < deltas[j].Version })
	return deltas
}

// CheckSuspected recomputes the peer's liveness from its current phi.
// A phi of zero means no heartbeat has ever been observed, so the peer
// stays suspect until one arrives. Returns true if the peer is
// considered dead.
func (s *PeerState) CheckSuspected() bool {
	s.mu.Lock()
	dead := s.checkSuspectedLocked()
	s.mu.Unlock()
	s.events.flush()
	return dead
}

func (s *PeerState) checkSuspectedLocked() bool {
	phi := s.detector.Phi(s.clock.Now())
	if phi > s.phiThreshold || phi == 0 {
		s.markDeadLocked()
		return true
	}
	s.markAliveLocked()
	return false
}

// MarkAlive transitions the peer to alive. The transition is
// edge-triggered: marking an already-alive peer is silent.
func (s *PeerState) MarkAlive() {
	s.mu.Lock()
	s.markAliveLocked()
	s.mu.Unlock()
	s.events.flush()
}

func (s *PeerState) markAliveLocked() {
	if s.alive {
		return
	}
	s.alive = true
	s.events.enqueue(event{kind: eventPeerAlive, peer: s})
}

// MarkDead transitions the peer to dead. Edge-triggered like MarkAlive.
func (s *PeerState) MarkDead() {
	s.mu.Lock()
	s.markDeadLocked()
	s.mu.Unlock()
	s.events.flush()
}

func (s *PeerState) markDeadLocked() {
	if !s.alive {
		return
	}
	s.alive = false
	s.events.enqueue(event{kind: eventPeerDead, peer: s})
}
