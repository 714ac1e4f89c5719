package election

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/murmurnet/murmur/pkg/gossip"
)

// fakeNode implements gossip.Node and echoes local writes back to the
// participant, the way a real gossiper does.
type fakeNode struct {
	name  string
	live  []*gossip.PeerState
	self  *gossip.PeerState
	onSet func(key string, value any)

	mu    sync.Mutex
	attrs map[string]any
}

func newFakeNode(clock clockwork.Clock, name string) *fakeNode {
	return &fakeNode{
		name:  name,
		attrs: make(map[string]any),
		self:  gossip.NewPeerState(clock, name, gossip.BaseParticipant{}),
	}
}

func (n *fakeNode) Name() string { return n.name }

func (n *fakeNode) Set(key string, value any) {
	n.mu.Lock()
	n.attrs[key] = value
	n.mu.Unlock()
	if n.onSet != nil {
		n.onSet(key, value)
	}
}

func (n *fakeNode) Get(key string) (any, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	v, ok := n.attrs[key]
	return v, ok
}

func (n *fakeNode) Has(key string) bool {
	_, ok := n.Get(key)
	return ok
}

func (n *fakeNode) Keys() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	keys := make([]string, 0, len(n.attrs))
	for k := range n.attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (n *fakeNode) Peer(name string) (*gossip.PeerState, bool) {
	for _, p := range n.live {
		if p.Name() == name {
			return p, true
		}
	}
	return nil, false
}

func (n *fakeNode) LivePeers() []*gossip.PeerState { return n.live }
func (n *fakeNode) DeadPeers() []*gossip.PeerState { return nil }

// waitForAttr polls the node for an attribute; the debounce timer's
// callback may run on another goroutine.
func waitForAttr(t *testing.T, node *fakeNode, key string) any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if v, ok := node.Get(key); ok {
			return v
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("attribute %s never written", key)
	return nil
}

// newLivePeer builds a peer state carrying the given election attrs.
func newLivePeer(t *testing.T, clock clockwork.Clock, name string, attrs map[string]any) *gossip.PeerState {
	t.Helper()
	p := gossip.NewPeerState(clock, name, gossip.BaseParticipant{})
	version := int64(0)
	for _, key := range []string{PriorityKey, VoteKey, LeaderKey} {
		if v, ok := attrs[key]; ok {
			version++
			p.UpdateWithDelta(key, v, version)
		}
	}
	return p
}

func TestElectorVotesForHighestPriority(t *testing.T) {
	clock := clockwork.NewFakeClock()
	e := New(Config{Clock: clock, Priority: 1})
	node := newFakeNode(clock, "10.0.0.1:9000")
	node.onSet = func(key string, value any) { e.ValueChanged(node.self, key, value) }

	node.live = []*gossip.PeerState{
		newLivePeer(t, clock, "10.0.0.2:9000", map[string]any{PriorityKey: float64(5)}),
		newLivePeer(t, clock, "10.0.0.3:9000", map[string]any{PriorityKey: float64(3)}),
	}

	e.MakeConnection(node)
	// Publishing our own priority schedules the election.
	clock.Advance(electionDelay)

	if vote := waitForAttr(t, node, VoteKey); vote != "10.0.0.2:9000" {
		t.Fatalf("vote: got %v, want the highest-priority peer", vote)
	}
}

func TestElectorPrefersSelfWhenStrongest(t *testing.T) {
	clock := clockwork.NewFakeClock()
	e := New(Config{Clock: clock, Priority: 9})
	node := newFakeNode(clock, "10.0.0.1:9000")
	node.onSet = func(key string, value any) { e.ValueChanged(node.self, key, value) }
	node.live = []*gossip.PeerState{
		newLivePeer(t, clock, "10.0.0.2:9000", map[string]any{PriorityKey: float64(5)}),
	}

	e.MakeConnection(node)
	clock.Advance(electionDelay)

	if vote := waitForAttr(t, node, VoteKey); vote != "10.0.0.1:9000" {
		t.Fatalf("vote: got %v, want self", vote)
	}
}

func TestElectorTieBreaksOnNameHash(t *testing.T) {
	clock := clockwork.NewFakeClock()
	e := New(Config{Clock: clock})
	node := newFakeNode(clock, "10.0.0.1:9000")
	node.onSet = func(key string, value any) { e.ValueChanged(node.self, key, value) }

	a := "10.0.0.2:9000"
	b := "10.0.0.3:9000"
	node.live = []*gossip.PeerState{
		newLivePeer(t, clock, a, map[string]any{PriorityKey: float64(5)}),
		newLivePeer(t, clock, b, map[string]any{PriorityKey: float64(5)}),
	}
	// This node's own priority of zero is dominated by the peers at
	// 5, so the tie is between a and b.
	e.MakeConnection(node)
	clock.Advance(electionDelay)

	want := a
	if nameHash(b) > nameHash(a) {
		want = b
	}
	if vote := waitForAttr(t, node, VoteKey); vote != want {
		t.Fatalf("tie broke to %v, want %v", vote, want)
	}
}

func TestElectorDebouncesGroupChanges(t *testing.T) {
	clock := clockwork.NewFakeClock()
	e := New(Config{Clock: clock, Priority: 1})
	node := newFakeNode(clock, "10.0.0.1:9000")
	node.onSet = func(key string, value any) { e.ValueChanged(node.self, key, value) }
	// Publishing our own priority arms the first timer.
	e.MakeConnection(node)

	clock.Advance(3 * time.Second)
	// Another group change before the timer fires restarts it.
	e.StartElection()
	clock.Advance(4 * time.Second)
	time.Sleep(50 * time.Millisecond)
	if _, ok := node.Get(VoteKey); ok {
		t.Fatal("voted while elections were still being debounced")
	}
	clock.Advance(time.Second)
	waitForAttr(t, node, VoteKey)
}

func TestElectorReachesConsensus(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var gotLeader string
	gotIsLeader := false
	calls := 0
	e := New(Config{
		Clock:    clock,
		Priority: 1,
		OnElected: func(isLeader bool, leader string) {
			calls++
			gotIsLeader = isLeader
			gotLeader = leader
		},
	})
	node := newFakeNode(clock, "10.0.0.1:9000")
	node.onSet = func(key string, value any) { e.ValueChanged(node.self, key, value) }

	winner := "10.0.0.2:9000"
	peer := newLivePeer(t, clock, winner, map[string]any{PriorityKey: float64(5)})
	node.live = []*gossip.PeerState{peer}

	e.MakeConnection(node)
	clock.Advance(electionDelay)

	if vote := waitForAttr(t, node, VoteKey); vote != winner {
		t.Fatalf("vote: got %v", vote)
	}
	// No consensus yet: the peer has not voted.
	if _, ok := node.Get(LeaderKey); ok {
		t.Fatal("leader claimed before vote consensus")
	}

	// The peer's matching vote arrives via replication.
	peer.UpdateWithDelta(VoteKey, winner, 10)
	e.ValueChanged(peer, VoteKey, winner)
	if leader, _ := node.Get(LeaderKey); leader != winner {
		t.Fatalf("leader claim: got %v, want %v", leader, winner)
	}
	if calls != 0 {
		t.Fatal("elected before leader consensus")
	}

	// And the peer's leader claim completes the election.
	peer.UpdateWithDelta(LeaderKey, winner, 11)
	e.ValueChanged(peer, LeaderKey, winner)
	if calls != 1 {
		t.Fatalf("OnElected calls: got %d, want 1", calls)
	}
	if gotIsLeader || gotLeader != winner {
		t.Fatalf("elected %q (isLeader=%v), want %q", gotLeader, gotIsLeader, winner)
	}
}
