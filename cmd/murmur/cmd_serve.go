package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/murmurnet/murmur/internal/config"
	"github.com/murmurnet/murmur/internal/watchdog"
	"github.com/murmurnet/murmur/pkg/gossip"
)

// stringList collects repeatable --seed flags.
type stringList []string

func (s *stringList) String() string { return fmt.Sprint(*s) }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func runServe(args []string) {
	if err := doServe(args); err != nil {
		fatal("Error: %v", err)
	}
}

func doServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configFlag := fs.String("config", "", "configuration file (YAML)")
	listenFlag := fs.String("listen", "", "UDP listen address (host:port)")
	advertiseFlag := fs.String("advertise", "", "host peers reach this node at")
	mdnsFlag := fs.Bool("mdns", false, "discover LAN peers via mDNS")
	metricsFlag := fs.String("metrics", "", "serve Prometheus metrics on this address")
	var seeds stringList
	fs.Var(&seeds, "seed", "seed peer endpoint (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := config.Default()
	if *configFlag != "" {
		loaded, err := config.Load(*configFlag)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	// Flags override the file.
	if *listenFlag != "" {
		cfg.Gossip.ListenAddress = *listenFlag
	}
	if *advertiseFlag != "" {
		cfg.Gossip.AdvertiseAddress = *advertiseFlag
	}
	if len(seeds) > 0 {
		cfg.Gossip.Seeds = append(cfg.Gossip.Seeds, seeds...)
	}
	if *mdnsFlag {
		cfg.Discovery.MDNS = true
	}
	if *metricsFlag != "" {
		cfg.Telemetry.Metrics.Enabled = true
		cfg.Telemetry.Metrics.ListenAddress = *metricsFlag
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	heartbeatInterval, _ := cfg.HeartbeatInterval()
	gossipInterval, _ := cfg.GossipInterval()
	watchdogInterval, _ := cfg.WatchdogInterval()

	log := slog.Default()
	metrics := gossip.NewMetrics(version, runtime.Version())

	g, err := gossip.New(gossip.Config{
		ListenAddress:     cfg.Gossip.ListenAddress,
		AdvertiseAddress:  cfg.Gossip.AdvertiseAddress,
		Seeds:             cfg.Gossip.Seeds,
		PhiThreshold:      cfg.Gossip.PhiThreshold,
		HeartbeatInterval: heartbeatInterval,
		GossipInterval:    gossipInterval,
		Logger:            log,
		Metrics:           metrics,
	}, &membershipLogger{log: log})
	if err != nil {
		return err
	}
	if err := g.Start(); err != nil {
		return err
	}
	defer g.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)

	if cfg.Discovery.MDNS {
		mdns := gossip.NewMDNSDiscovery(g, log, metrics)
		if err := mdns.Start(ctx); err != nil {
			return fmt.Errorf("mdns: %w", err)
		}
		defer mdns.Close()
	}

	if cfg.Telemetry.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		server := &http.Server{Addr: cfg.Telemetry.Metrics.ListenAddress, Handler: mux}
		group.Go(func() error {
			log.Info("serving metrics", "address", cfg.Telemetry.Metrics.ListenAddress)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	group.Go(func() error {
		watchdog.Run(ctx, watchdog.Config{Interval: watchdogInterval, Logger: log}, []watchdog.HealthCheck{
			heartbeatAdvancing(g),
		})
		return nil
	})

	watchdog.Ready()
	log.Info("murmur serving", "endpoint", g.Name(), "seeds", len(cfg.Gossip.Seeds))

	<-ctx.Done()
	watchdog.Stopping()
	return group.Wait()
}

// heartbeatAdvancing reports failure when the local heartbeat version
// stops moving between watchdog ticks, which means the gossip loop is
// wedged.
func heartbeatAdvancing(g *gossip.Gossiper) watchdog.HealthCheck {
	var last any
	return watchdog.HealthCheck{
		Name: "gossip-heartbeat",
		Check: func() error {
			current, ok := g.Get(gossip.HeartbeatKey)
			if !ok {
				return errors.New("no heartbeat recorded")
			}
			if last == current {
				return fmt.Errorf("heartbeat stuck at %v", current)
			}
			last = current
			return nil
		},
	}
}

// membershipLogger is the daemon's participant: it narrates membership
// changes and leaves the attribute space to embedders.
type membershipLogger struct {
	gossip.BaseParticipant
	log *slog.Logger
}

func (p *membershipLogger) PeerAlive(peer *gossip.PeerState) {
	p.log.Info("peer alive", "peer", peer.Name())
}

func (p *membershipLogger) PeerDead(peer *gossip.PeerState) {
	p.log.Info("peer dead", "peer", peer.Name())
}
