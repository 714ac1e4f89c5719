package gossip

import (
	"log/slog"
	"sync"
)

// Node is the surface a Participant sees of the gossiper it is attached
// to: the local attribute store plus read access to the peer table.
// *Gossiper implements Node.
type Node interface {
	// Name returns the local endpoint, "HOST:PORT".
	Name() string

	// Set writes a local attribute, bumping its version so the change
	// propagates to the rest of the cluster.
	Set(key string, value any)

	// Get reads a local attribute.
	Get(key string) (any, bool)

	// Has reports whether a local attribute exists.
	Has(key string) bool

	// Keys lists the local attribute keys.
	Keys() []string

	// Peer looks up a peer by endpoint name.
	Peer(name string) (*PeerState, bool)

	// LivePeers returns the peers currently considered alive,
	// excluding self.
	LivePeers() []*PeerState

	// DeadPeers returns the peers currently considered dead,
	// excluding self.
	DeadPeers() []*PeerState
}

// Participant observes a gossiper. All callbacks are invoked
// synchronously from the gossiper's execution context; a callback that
// blocks stalls gossiping. Callbacks may call back into the Node's
// Set/Get surface and read the PeerState they are handed.
type Participant interface {
	// MakeConnection attaches the participant to its node. Called once
	// during startup, before any other callback.
	MakeConnection(node Node)

	// ValueChanged fires for every accepted attribute write on every
	// peer state, local or remote. The heartbeat key is reported too;
	// participants that do not care must filter it out.
	ValueChanged(peer *PeerState, key string, value any)

	// PeerAlive fires on a dead-to-alive transition.
	PeerAlive(peer *PeerState)

	// PeerDead fires on an alive-to-dead transition.
	PeerDead(peer *PeerState)
}

// BaseParticipant is a no-op Participant for embedding, so
// implementations only spell out the callbacks they care about.
type BaseParticipant struct{}

func (BaseParticipant) MakeConnection(Node)                  {}
func (BaseParticipant) ValueChanged(*PeerState, string, any) {}
func (BaseParticipant) PeerAlive(*PeerState)                 {}
func (BaseParticipant) PeerDead(*PeerState)                  {}

type eventKind int

const (
	eventValueChanged eventKind = iota
	eventPeerAlive
	eventPeerDead
)

type event struct {
	kind  eventKind
	peer  *PeerState
	key   string
	value any
}

// dispatcher queues observer events raised while state is being mutated
// and delivers them once the mutation is complete and no locks are
// held. Delivery is FIFO, so per-peer version order is preserved.
//
// flush is reentrancy-safe: if a callback mutates state and triggers
// another flush, the inner call returns immediately and the outer drain
// loop picks up the new events. This lets participants call Set from
// inside ValueChanged without deadlocking.
type dispatcher struct {
	participant Participant
	log         *slog.Logger

	mu      sync.Mutex
	pending []event
	active  bool
}

func newDispatcher(p Participant, log *slog.Logger) *dispatcher {
	return &dispatcher{participant: p, log: log}
}

func (d *dispatcher) enqueue(ev event) {
	d.mu.Lock()
	d.pending = append(d.pending, ev)
	d.mu.Unlock()
}

func (d *dispatcher) flush() {
	d.mu.Lock()
	if d.active {
		d.mu.Unlock()
		return
	}
	d.active = true
	for len(d.pending) > 0 {
		ev := d.pending[0]
		d.pending = d.pending[1:]
		d.mu.Unlock()
		d.dispatch(ev)
		d.mu.Lock()
	}
	d.active = false
	d.mu.Unlock()
}

// dispatch invokes a single callback, containing panics so a misbehaving
// participant cannot corrupt the peer table mid-exchange.
func (d *dispatcher) dispatch(ev event) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("participant callback panicked", "panic", r, "peer", ev.peer.Name())
		}
	}()
	switch ev.kind {
	case eventValueChanged:
		d.participant.ValueChanged(ev.peer, ev.key, ev.value)
	case eventPeerAlive:
		d.participant.PeerAlive(ev.peer)
	case eventPeerDead:
		d.participant.PeerDead(ev.peer)
	}
}
