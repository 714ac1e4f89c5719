package gossip

import "sort"

// Scuttle is the reconciliation arithmetic of the protocol: it compares
// a remote digest against the local peer table and works out which
// deltas to ship, which to ask for, and which peers are new. It holds
// no state of its own beyond a reference to the table and assumes the
// caller serializes access.
type Scuttle struct {
	peers map[string]*PeerState
}

// NewScuttle wraps a peer table. The table is shared with the gossiper,
// not copied.
func NewScuttle(peers map[string]*PeerState) *Scuttle {
	return &Scuttle{peers: peers}
}

// Digest returns the local high-water mark for every known peer,
// including self.
func (sc *Scuttle) Digest() Digest {
	digest := make(Digest, len(sc.peers))
	for name, state := range sc.peers {
		digest[name] = state.maxVersionSeen
	}
	return digest
}

// Scuttle diffs a remote digest against the local table. It returns the
// deltas the remote is missing, a request digest for the peers where
// the remote is ahead (version 0 for peers we have never heard of), and
// the names of those unknown peers so the caller can admit them before
// any deltas referencing them arrive.
//
// Per-peer delta groups are ordered most-deltas-first before being
// flattened. Datagrams are MTU-limited, and shipping the most divergent
// peers first gets the laggards caught up soonest if the tail of the
// payload is lost. The ordering is load-visible, so it is part of the
// protocol.
func (sc *Scuttle) Scuttle(remote Digest) (deltas []Delta, requests Digest, newPeers []string) {
	requests = make(Digest)

	type peerDeltas struct {
		peer   string
		deltas []Delta
	}
	var groups []peerDeltas

	for peer, theirVersion := range remote {
		state, ok := sc.peers[peer]
		if !ok {
			requests[peer] = 0
			newPeers = append(newPeers, peer)
			continue
		}
		switch ours := state.maxVersionSeen; {
		case ours > theirVersion:
			groups = append(groups, peerDeltas{peer: peer, deltas: state.deltasAfterLocked(theirVersion)})
		case ours < theirVersion:
			requests[peer] = ours
		}
	}

	sort.SliceStable(groups, func(i, j int) bool {
		if len(groups[i].deltas) != len(groups[j].deltas) {
			return len(groups[i].deltas) > len(groups[j].deltas)
		}
		return groups[i].peer < groups[j].peer
	})

	for _, g := range groups {
		deltas = append(deltas, g.deltas...)
	}
	sort.Strings(newPeers)
	return deltas, requests, newPeers
}

// UpdateKnownState applies incoming deltas, in order, to the states
// they belong to, returning how many were accepted. A delta for a peer
// missing from the table is a protocol violation (new peers are
// admitted before this is called) and is ignored.
func (sc *Scuttle) UpdateKnownState(deltas []Delta) int {
	applied := 0
	for _, d := range deltas {
		state, ok := sc.peers[d.Peer]
		if !ok {
			continue
		}
		if state.updateWithDeltaLocked(d.Key, d.Value, d.Version) {
			applied++
		}
	}
	return applied
}

// FetchDeltas collects the deltas asked for by a request digest: for
// each requested peer, everything above the version floor the requester
// already has.
func (sc *Scuttle) FetchDeltas(requests Digest) []Delta {
	var deltas []Delta
	peers := make([]string, 0, len(requests))
	for peer := range requests {
		peers = append(peers, peer)
	}
	sort.Strings(peers)
	for _, peer := range peers {
		state, ok := sc.peers[peer]
		if !ok {
			continue
		}
		deltas = append(deltas, state.deltasAfterLocked(requests[peer])...)
	}
	return deltas
}
