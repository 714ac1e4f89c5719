// Package election elects a leader among the live members of a gossip
// cluster.
//
// Every node that wants to lead publishes a priority. After any group
// change each node votes for the highest-priority live peer it can see;
// when all live peers agree on a vote, each node promotes the vote to
// its leader attribute, and once the leader attributes agree too the
// election is over. Ties break deterministically on a hash of the peer
// name. There is no extra protocol: votes and leader claims ride the
// ordinary attribute replication.
package election

import (
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/murmurnet/murmur/pkg/gossip"
)

// Attribute keys the election protocol replicates.
const (
	PriorityKey = "leader:priority"
	VoteKey     = "leader:vote"
	LeaderKey   = "leader:leader"
)

// electionDelay debounces elections: group changes arrive in bursts
// while membership settles, and every change restarts the timer.
const electionDelay = 5 * time.Second

// Config configures an Elector.
type Config struct {
	// Clock provides the debounce timer. Defaults to the real clock.
	Clock clockwork.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Priority is this node's willingness to lead. Published at
	// attach time. Higher wins.
	Priority float64

	// OnElected is invoked when the cluster reaches consensus on a
	// leader. Optional.
	OnElected func(isLeader bool, leader string)
}

// Elector is a gossip.Participant implementing the election recipe.
// Attach it by passing it to gossip.New.
type Elector struct {
	clock     clockwork.Clock
	log       *slog.Logger
	priority  float64
	onElected func(bool, string)

	mu    sync.Mutex
	node  gossip.Node
	timer clockwork.Timer
}

// New creates an Elector.
func New(cfg Config) *Elector {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Elector{
		clock:     cfg.Clock,
		log:       cfg.Logger,
		priority:  cfg.Priority,
		onElected: cfg.OnElected,
	}
}

// MakeConnection publishes our priority, which doubles as the first
// group change: every node seeing it schedules an election.
func (e *Elector) MakeConnection(node gossip.Node) {
	e.mu.Lock()
	e.node = node
	e.mu.Unlock()
	node.Set(PriorityKey, e.priority)
}

// ValueChanged reacts to election-related attribute writes from any
// peer, our own included.
func (e *Elector) ValueChanged(peer *gossip.PeerState, key string, value any) {
	node := e.getNode()
	if node == nil {
		return
	}
	switch key {
	case VoteKey:
		// All votes agree: promote the vote to a leader claim.
		if leader, ok := e.consensus(VoteKey); ok {
			node.Set(LeaderKey, leader)
		}
	case LeaderKey:
		if leader, ok := e.consensus(LeaderKey); ok {
			e.log.Info("leader elected", "leader", leader)
			if e.onElected != nil {
				e.onElected(node.Name() == leader, leader)
			}
		}
	case PriorityKey:
		e.StartElection()
	}
}

// PeerAlive schedules an election; the group just grew.
func (e *Elector) PeerAlive(peer *gossip.PeerState) {
	e.StartElection()
}

// PeerDead schedules an election; the leader may be gone.
func (e *Elector) PeerDead(peer *gossip.PeerState) {
	e.StartElection()
}

// StartElection (re)arms the debounce timer. Safe to call while an
// election is pending; the vote happens once the group is quiet for
// electionDelay.
func (e *Elector) StartElection() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = e.clock.AfterFunc(electionDelay, e.vote)
}

// vote picks the highest-priority live peer (or self) and publishes the
// choice, unless it matches our standing vote.
func (e *Elector) vote() {
	e.mu.Lock()
	e.timer = nil
	node := e.node
	e.mu.Unlock()
	if node == nil {
		return
	}

	var vote string
	var best any
	if prio, ok := node.Get(PriorityKey); ok && prio != nil {
		vote = node.Name()
		best = prio
	}

	for _, peer := range node.LivePeers() {
		prio, ok := peer.Get(PriorityKey)
		if !ok || prio == nil {
			// This peer does not want to lead.
			continue
		}
		switch {
		case best == nil:
			best = prio
			vote = peer.Name()
		case priorityLess(best, prio):
			best = prio
			vote = peer.Name()
		case !priorityLess(prio, best) && nameHash(peer.Name()) > nameHash(vote):
			// Equal priorities: break the tie on the name hash.
			vote = peer.Name()
		}
	}
	if vote == "" {
		return
	}

	if current, ok := node.Get(VoteKey); ok && current == vote {
		// Stand by our last vote.
		return
	}
	e.log.Info("voting", "vote", vote)
	node.Set(VoteKey, vote)
}

func (e *Elector) getNode() gossip.Node {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.node
}

// consensus reports the common value of key across self and all live
// peers, if there is one.
func (e *Elector) consensus(key string) (string, bool) {
	node := e.getNode()
	if node == nil {
		return "", false
	}

	raw, ok := node.Get(key)
	if !ok {
		return "", false
	}
	want, ok := raw.(string)
	if !ok || want == "" {
		return "", false
	}
	for _, peer := range node.LivePeers() {
		v, ok := peer.Get(key)
		if !ok || v != want {
			return "", false
		}
	}
	return want, true
}

// priorityLess compares two published priorities. Values arrive as JSON
// numbers; anything else falls back to string ordering so mixed
// clusters still converge on one winner.
func priorityLess(a, b any) bool {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		return af < bf
	}
	return stringify(a) < stringify(b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func nameHash(name string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return h.Sum64()
}

var _ gossip.Participant = (*Elector)(nil)
