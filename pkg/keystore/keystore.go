// Package keystore is an eventually consistent replicated key-value
// store layered on a gossip cluster.
//
// Every value travels as a (timestamp, value) pair; when two writes
// conflict, the later timestamp wins. The store assumes participants
// have reasonably synchronized clocks, which is what gives last-writer-
// wins a meaning.
package keystore

import (
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/murmurnet/murmur/pkg/gossip"
)

// Config configures a Store.
type Config struct {
	// Clock stamps local writes. Defaults to the real clock.
	Clock clockwork.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// IgnoreKeys are attribute keys that must not be replicated into
	// the store.
	IgnoreKeys []string
}

type entry struct {
	timestamp float64
	value     any
}

// Store is a gossip.Participant that folds every replicated attribute
// write into a last-writer-wins map.
type Store struct {
	clock clockwork.Clock
	log   *slog.Logger

	mu     sync.Mutex
	node   gossip.Node
	values map[string]entry
	ignore map[string]struct{}
}

// New creates a Store.
func New(cfg Config) *Store {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ignore := make(map[string]struct{}, len(cfg.IgnoreKeys))
	for _, k := range cfg.IgnoreKeys {
		ignore[k] = struct{}{}
	}
	return &Store{
		clock:  cfg.Clock,
		log:    cfg.Logger,
		values: make(map[string]entry),
		ignore: ignore,
	}
}

// MakeConnection attaches the store to its node.
func (s *Store) MakeConnection(node gossip.Node) {
	s.mu.Lock()
	s.node = node
	s.mu.Unlock()
}

// ValueChanged folds an attribute write, local or remote, into the
// store. Heartbeats, ignored keys, and values that are not
// (timestamp, value) pairs are skipped; stale timestamps lose.
func (s *Store) ValueChanged(peer *gossip.PeerState, key string, value any) {
	if key == gossip.HeartbeatKey {
		return
	}
	if _, skip := s.ignore[key]; skip {
		return
	}
	timestamp, inner, ok := splitTimestamped(value)
	if !ok {
		s.log.Debug("ignoring non-timestamped attribute", "peer", peer.Name(), "key", key)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if current, exists := s.values[key]; exists && timestamp <= current.timestamp {
		return
	}
	s.values[key] = entry{timestamp: timestamp, value: inner}
}

// PeerAlive pulls the newly live peer's existing attributes into the
// store; its older writes may predate our membership.
func (s *Store) PeerAlive(peer *gossip.PeerState) {
	s.SynchronizeWithPeer(peer)
}

// PeerDead is a no-op; dead peers' values stay valid until overwritten.
func (s *Store) PeerDead(peer *gossip.PeerState) {}

// Set writes a key locally, stamped with the current clock, and lets
// replication carry it to the rest of the cluster.
func (s *Store) Set(key string, value any) {
	s.mu.Lock()
	node := s.node
	s.mu.Unlock()
	if node == nil {
		return
	}
	now := s.clock.Now()
	timestamp := float64(now.UnixNano()) / 1e9
	node.Set(key, []any{timestamp, value})
}

// Get reads a key.
func (s *Store) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.values[key]
	return e.value, ok
}

// Timestamp returns the winning write's timestamp for a key.
func (s *Store) Timestamp(key string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.values[key]
	return e.timestamp, ok
}

// Has reports whether the key exists.
func (s *Store) Has(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// Keys returns the stored keys matching pattern, sorted. An empty
// pattern matches everything. Pattern syntax is filepath.Match.
func (s *Store) Keys(pattern string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		if pattern != "" {
			if ok, err := filepath.Match(pattern, k); err != nil || !ok {
				continue
			}
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SynchronizeWithPeer walks a peer's attributes and folds in anything
// newer than what we hold.
func (s *Store) SynchronizeWithPeer(peer *gossip.PeerState) {
	for _, key := range peer.Keys() {
		if key == gossip.HeartbeatKey {
			continue
		}
		if _, skip := s.ignore[key]; skip {
			continue
		}
		if value, ok := peer.Get(key); ok {
			s.ValueChanged(peer, key, value)
		}
	}
}

// splitTimestamped unpacks the replicated [timestamp, value] pair.
func splitTimestamped(v any) (float64, any, bool) {
	pair, ok := v.([]any)
	if !ok || len(pair) != 2 {
		return 0, nil, false
	}
	switch ts := pair[0].(type) {
	case float64:
		return ts, pair[1], true
	case int64:
		return float64(ts), pair[1], true
	case int:
		return float64(ts), pair[1], true
	}
	return 0, nil, false
}

var _ gossip.Participant = (*Store)(nil)
