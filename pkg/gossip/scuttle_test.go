package gossip

import (
	"testing"

	"github.com/jonboulle/clockwork"
)

// newTestTable builds a peer table whose states report to rec.
func newTestTable(clock clockwork.Clock, rec Participant, names ...string) map[string]*PeerState {
	table := make(map[string]*PeerState)
	for _, name := range names {
		table[name] = NewPeerState(clock, name, rec)
	}
	return table
}

func TestScuttleDigest(t *testing.T) {
	clock := clockwork.NewFakeClock()
	table := newTestTable(clock, &recorder{}, "a:1", "b:1")
	table["a:1"].UpdateLocal("x", 1)
	table["a:1"].UpdateLocal("y", 2)
	table["b:1"].UpdateWithDelta("z", 3, 7)

	digest := NewScuttle(table).Digest()
	if len(digest) != 2 {
		t.Fatalf("digest size: got %d, want 2", len(digest))
	}
	if digest["a:1"] != 2 || digest["b:1"] != 7 {
		t.Errorf("digest versions wrong: %v", digest)
	}
}

func TestScuttleDiff(t *testing.T) {
	clock := clockwork.NewFakeClock()
	table := newTestTable(clock, &recorder{}, "ahead:1", "behind:1", "equal:1")
	table["ahead:1"].UpdateWithDelta("k1", "v1", 1)
	table["ahead:1"].UpdateWithDelta("k2", "v2", 2)
	table["behind:1"].UpdateWithDelta("k", "v", 1)
	table["equal:1"].UpdateWithDelta("k", "v", 4)

	sc := NewScuttle(table)
	deltas, requests, newPeers := sc.Scuttle(Digest{
		"ahead:1":   1, // we are ahead: ship version 2
		"behind:1":  9, // they are ahead: request from our version 1
		"equal:1":   4, // nothing to do
		"unknown:1": 3, // never seen: admit and ask for everything
	})

	if len(deltas) != 1 || deltas[0].Key != "k2" || deltas[0].Version != 2 {
		t.Errorf("deltas wrong: %+v", deltas)
	}
	if v, ok := requests["behind:1"]; !ok || v != 1 {
		t.Errorf("expected request for behind:1 at version 1, got %v", requests)
	}
	if v, ok := requests["unknown:1"]; !ok || v != 0 {
		t.Errorf("expected request for unknown:1 at version 0, got %v", requests)
	}
	if _, ok := requests["equal:1"]; ok {
		t.Errorf("equal digests must exchange nothing, got %v", requests)
	}
	if len(newPeers) != 1 || newPeers[0] != "unknown:1" {
		t.Errorf("new peers wrong: %v", newPeers)
	}
}

func TestScuttleDeltaOrderingMostDivergentFirst(t *testing.T) {
	clock := clockwork.NewFakeClock()
	table := newTestTable(clock, &recorder{}, "x:1", "y:1")
	table["x:1"].UpdateWithDelta("a", 1, 1)
	table["x:1"].UpdateWithDelta("b", 2, 2)
	table["x:1"].UpdateWithDelta("c", 3, 3)
	table["y:1"].UpdateWithDelta("d", 4, 1)

	deltas, _, _ := NewScuttle(table).Scuttle(Digest{"x:1": 0, "y:1": 0})
	if len(deltas) != 4 {
		t.Fatalf("expected 4 deltas, got %d", len(deltas))
	}
	// x has 3 pending deltas, y has 1: all of x's come first.
	for i, want := range []string{"x:1", "x:1", "x:1", "y:1"} {
		if deltas[i].Peer != want {
			t.Fatalf("delta %d from %s, want %s (full: %+v)", i, deltas[i].Peer, want, deltas)
		}
	}
	// And within a peer, versions stay ascending.
	if deltas[0].Version != 1 || deltas[1].Version != 2 || deltas[2].Version != 3 {
		t.Errorf("per-peer deltas not ascending: %+v", deltas)
	}
}

func TestScuttleFetchDeltas(t *testing.T) {
	clock := clockwork.NewFakeClock()
	table := newTestTable(clock, &recorder{}, "p:1", "q:1")
	table["p:1"].UpdateWithDelta("a", 1, 1)
	table["p:1"].UpdateWithDelta("b", 2, 5)
	table["q:1"].UpdateWithDelta("c", 3, 2)

	deltas := NewScuttle(table).FetchDeltas(Digest{"p:1": 1, "q:1": 0})
	if len(deltas) != 2 {
		t.Fatalf("expected 2 deltas, got %+v", deltas)
	}
	seen := map[string]int64{}
	for _, d := range deltas {
		seen[d.Peer] = d.Version
	}
	if seen["p:1"] != 5 || seen["q:1"] != 2 {
		t.Errorf("wrong deltas fetched: %+v", deltas)
	}
}

func TestScuttleUpdateKnownStateIgnoresUnknownPeer(t *testing.T) {
	clock := clockwork.NewFakeClock()
	table := newTestTable(clock, &recorder{}, "p:1")

	applied := NewScuttle(table).UpdateKnownState([]Delta{
		{Peer: "ghost:1", Key: "k", Value: "v", Version: 1},
		{Peer: "p:1", Key: "k", Value: "v", Version: 1},
	})
	if applied != 1 {
		t.Fatalf("applied: got %d, want 1", applied)
	}
	if _, ok := table["p:1"].Get("k"); !ok {
		t.Error("valid delta not applied")
	}
}

// runExchange plays a full three-phase exchange initiated by a against
// b and returns nothing; both tables converge in place.
func runExchange(a, b *Scuttle, bTable map[string]*PeerState, clock clockwork.Clock, rec Participant) {
	// I -> R: request with I's digest.
	deltas, requests, newPeers := b.Scuttle(a.Digest())
	for _, name := range newPeers {
		bTable[name] = NewPeerState(clock, name, rec)
	}
	// R -> I: first-response.
	a.UpdateKnownState(deltas)
	back := a.FetchDeltas(requests)
	// I -> R: second-response.
	b.UpdateKnownState(back)
}

func TestScuttleExchangeSymmetry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := &recorder{}

	tableA := newTestTable(clock, rec, "n1:1", "n2:1", "n3:1")
	tableB := newTestTable(clock, rec, "n1:1", "n2:1", "n3:1")

	// Shared history prefix, then each side learns more about some
	// peers than the other.
	for _, table := range []map[string]*PeerState{tableA, tableB} {
		table["n1:1"].UpdateWithDelta("k", "v1", 1)
		table["n2:1"].UpdateWithDelta("k", "v1", 1)
	}
	tableA["n1:1"].UpdateWithDelta("k", "v2", 2)
	tableA["n1:1"].UpdateWithDelta("j", "v3", 3)
	tableB["n2:1"].UpdateWithDelta("k", "v2", 2)
	tableB["n3:1"].UpdateWithDelta("k", "v1", 5)

	runExchange(NewScuttle(tableA), NewScuttle(tableB), tableB, clock, rec)

	for _, name := range []string{"n1:1", "n2:1", "n3:1"} {
		va := tableA[name].MaxVersionSeen()
		vb := tableB[name].MaxVersionSeen()
		if va != vb {
			t.Errorf("peer %s diverged after exchange: A=%d B=%d", name, va, vb)
		}
	}
	if v, _ := tableB["n1:1"].Get("j"); v != "v3" {
		t.Errorf("B missing A's delta for n1: %v", v)
	}
	if v, _ := tableA["n3:1"].Get("k"); v != "v1" {
		t.Errorf("A missing B's delta for n3: %v", v)
	}
}
