package gossip

import (
	"context"
	"log/slog"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/zeroconf/v2"
)

// MDNSServiceName is the DNS-SD service type used for LAN seed
// discovery. Fixed for all murmur nodes; cluster separation happens at
// the gossip layer through distinct seed sets, not service names.
const MDNSServiceName = "_murmur._udp"

const (
	// mdnsBrowseInterval controls how often the network is re-queried.
	// Each round creates a fresh multicast socket, working around
	// platforms where a single long-lived Browse stalls silently.
	mdnsBrowseInterval = 30 * time.Second

	// mdnsBrowseTimeout is how long each Browse round runs before
	// being canceled and restarted.
	mdnsBrowseTimeout = 10 * time.Second

	// mdnsStartupDelay gives the gossiper time to finish binding
	// before the first browse round.
	mdnsStartupDelay = 2 * time.Second

	// endpointPrefix marks the TXT record carrying a node's gossip
	// endpoint.
	endpointPrefix = "endpoint="
)

// MDNSDiscovery advertises the local gossip endpoint over mDNS (DNS-SD)
// and periodically browses for other murmur nodes on the LAN. Every
// discovered endpoint is handed to the gossiper's Seed, so membership
// forms without static seed lists on networks where multicast works.
type MDNSDiscovery struct {
	gossiper *Gossiper
	log      *slog.Logger
	metrics  *Metrics
	server   *zeroconf.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Dedup: endpoints already handed to Seed this session.
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewMDNSDiscovery creates an mDNS discovery service for a started
// gossiper. Metrics is optional (nil-safe).
func NewMDNSDiscovery(g *Gossiper, log *slog.Logger, m *Metrics) *MDNSDiscovery {
	if log == nil {
		log = slog.Default()
	}
	return &MDNSDiscovery{
		gossiper: g,
		log:      log,
		metrics:  m,
		seen:     make(map[string]struct{}),
	}
}

// Start begins mDNS advertising and periodic browsing on the local
// network. The gossiper must already be started so its endpoint name is
// known.
func (md *MDNSDiscovery) Start(ctx context.Context) error {
	md.ctx, md.cancel = context.WithCancel(ctx)

	if err := md.startServer(); err != nil {
		return err
	}

	md.wg.Add(1)
	go md.browseLoop()
	return nil
}

// Close stops advertising and waits for the browse loop to finish.
func (md *MDNSDiscovery) Close() error {
	md.cancel()
	if md.server != nil {
		md.server.Shutdown()
	}
	md.wg.Wait()
	return nil
}

// startServer registers the service with zeroconf. The gossip endpoint
// travels in a TXT record; the A record host is whatever the endpoint
// resolves to, as required by DNS-SD.
func (md *MDNSDiscovery) startServer() error {
	endpoint := md.gossiper.Name()
	host, portStr, err := net.SplitHostPort(endpoint)
	if err != nil {
		return err
	}
	port, err := net.LookupPort("udp", portStr)
	if err != nil {
		return err
	}

	instance := randomInstanceName()
	server, err := zeroconf.RegisterProxy(
		instance,
		MDNSServiceName,
		"local",
		port,
		instance,
		[]string{host},
		[]string{endpointPrefix + endpoint},
		nil,
	)
	if err != nil {
		return err
	}
	md.server = server
	return nil
}

func (md *MDNSDiscovery) browseLoop() {
	defer md.wg.Done()

	select {
	case <-time.After(mdnsStartupDelay):
	case <-md.ctx.Done():
		return
	}

	md.runBrowse()

	ticker := time.NewTicker(mdnsBrowseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-md.ctx.Done():
			return
		case <-ticker.C:
			md.runBrowse()
		}
	}
}

// runBrowse executes a single bounded browse round, seeding the
// gossiper with any endpoints found.
func (md *MDNSDiscovery) runBrowse() {
	browseCtx, browseCancel := context.WithTimeout(md.ctx, mdnsBrowseTimeout)
	defer browseCancel()

	entries := make(chan *zeroconf.ServiceEntry, 100)

	var consumerWG sync.WaitGroup
	consumerWG.Add(1)
	go func() {
		defer consumerWG.Done()
		for entry := range entries {
			md.processEntry(entry)
		}
	}()

	// zeroconf.Browse closes entries when done.
	if err := zeroconf.Browse(browseCtx, MDNSServiceName, "local", entries); err != nil {
		if md.ctx.Err() == nil {
			md.log.Debug("mdns browse round failed", "error", err)
		}
	}
	consumerWG.Wait()
}

func (md *MDNSDiscovery) processEntry(entry *zeroconf.ServiceEntry) {
	for _, txt := range entry.Text {
		if !strings.HasPrefix(txt, endpointPrefix) {
			continue
		}
		endpoint := txt[len(endpointPrefix):]
		if endpoint == "" || endpoint == md.gossiper.Name() {
			continue
		}
		if _, _, err := net.SplitHostPort(endpoint); err != nil {
			md.log.Debug("mdns entry with bad endpoint", "endpoint", endpoint, "error", err)
			continue
		}

		md.mu.Lock()
		_, dup := md.seen[endpoint]
		if !dup {
			md.seen[endpoint] = struct{}{}
		}
		md.mu.Unlock()
		if dup {
			continue
		}

		md.log.Info("discovered peer via mdns", "endpoint", endpoint)
		md.metrics.mdnsDiscovered()
		md.gossiper.Seed([]string{endpoint})
	}
}

const instanceAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// randomInstanceName avoids advertising the gossip endpoint in the
// instance label itself; the endpoint only travels in the TXT record.
func randomInstanceName() string {
	b := make([]byte, 16)
	for i := range b {
		b[i] = instanceAlphabet[rand.Intn(len(instanceAlphabet))]
	}
	return "murmur-" + string(b)
}
