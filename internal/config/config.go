// Package config loads and validates murmur daemon configuration.
package config

import (
	"fmt"
	"net"
	"time"
)

// CurrentConfigVersion is the latest configuration schema version.
// Bump this when adding fields that require migration.
const CurrentConfigVersion = 1

// Config is the root of a murmur.yaml file.
type Config struct {
	Version   int             `yaml:"version,omitempty"`
	Gossip    GossipConfig    `yaml:"gossip"`
	Discovery DiscoveryConfig `yaml:"discovery,omitempty"`
	Telemetry TelemetryConfig `yaml:"telemetry,omitempty"`
	Watchdog  WatchdogConfig  `yaml:"watchdog,omitempty"`
}

// GossipConfig configures the gossip engine itself.
type GossipConfig struct {
	// ListenAddress is the UDP address to bind, "host:port".
	ListenAddress string `yaml:"listen_address"`

	// AdvertiseAddress is the host peers reach this node at. Required
	// when ListenAddress binds 0.0.0.0.
	AdvertiseAddress string `yaml:"advertise_address,omitempty"`

	// Seeds are peer endpoints contacted to join the cluster. A node
	// with no seeds (and no mDNS) waits to be contacted.
	Seeds []string `yaml:"seeds,omitempty"`

	// PhiThreshold overrides the suspicion threshold. 0 keeps the
	// default of 8.
	PhiThreshold float64 `yaml:"phi_threshold,omitempty"`

	// HeartbeatInterval and GossipInterval are duration strings
	// ("1s", "500ms"). Empty keeps the protocol's 1-second cadence.
	HeartbeatInterval string `yaml:"heartbeat_interval,omitempty"`
	GossipInterval    string `yaml:"gossip_interval,omitempty"`
}

// DiscoveryConfig controls how additional peers are found.
type DiscoveryConfig struct {
	// MDNS enables LAN seed discovery over multicast DNS.
	MDNS bool `yaml:"mdns,omitempty"`
}

// TelemetryConfig holds observability settings.
// All features are disabled by default (opt-in).
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
}

// MetricsConfig controls Prometheus metrics exposure.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"` // default: "127.0.0.1:9221"
}

// WatchdogConfig controls the liveness watchdog.
type WatchdogConfig struct {
	// Interval is a duration string; empty means 30s.
	Interval string `yaml:"interval,omitempty"`
}

// DefaultMetricsAddress is where the metrics endpoint listens when
// enabled without an explicit address.
const DefaultMetricsAddress = "127.0.0.1:9221"

// Default returns a configuration with every optional field at its
// default.
func Default() *Config {
	return &Config{
		Version: CurrentConfigVersion,
		Gossip: GossipConfig{
			ListenAddress: "0.0.0.0:7946",
		},
		Telemetry: TelemetryConfig{
			Metrics: MetricsConfig{ListenAddress: DefaultMetricsAddress},
		},
	}
}

// Validate checks the configuration for problems that would only
// surface later at startup.
func (c *Config) Validate() error {
	if c.Gossip.ListenAddress == "" {
		return fmt.Errorf("%w: gossip.listen_address is required", ErrInvalidConfig)
	}
	host, _, err := net.SplitHostPort(c.Gossip.ListenAddress)
	if err != nil {
		return fmt.Errorf("%w: gossip.listen_address: %v", ErrInvalidConfig, err)
	}
	if ip := net.ParseIP(host); (ip == nil || ip.IsUnspecified()) && c.Gossip.AdvertiseAddress == "" {
		return fmt.Errorf("%w: gossip.advertise_address is required with a wildcard listen_address", ErrInvalidConfig)
	}
	for _, seed := range c.Gossip.Seeds {
		if _, _, err := net.SplitHostPort(seed); err != nil {
			return fmt.Errorf("%w: seed %q: %v", ErrInvalidConfig, seed, err)
		}
	}
	if c.Gossip.PhiThreshold < 0 {
		return fmt.Errorf("%w: gossip.phi_threshold must not be negative", ErrInvalidConfig)
	}
	if _, err := c.HeartbeatInterval(); err != nil {
		return err
	}
	if _, err := c.GossipInterval(); err != nil {
		return err
	}
	if _, err := c.WatchdogInterval(); err != nil {
		return err
	}
	if c.Telemetry.Metrics.Enabled && c.Telemetry.Metrics.ListenAddress == "" {
		return fmt.Errorf("%w: telemetry.metrics.listen_address is required when metrics are enabled", ErrInvalidConfig)
	}
	return nil
}

// HeartbeatInterval returns the parsed heartbeat interval, defaulting
// to 1s.
func (c *Config) HeartbeatInterval() (time.Duration, error) {
	return parseInterval("gossip.heartbeat_interval", c.Gossip.HeartbeatInterval, time.Second)
}

// GossipInterval returns the parsed gossip interval, defaulting to 1s.
func (c *Config) GossipInterval() (time.Duration, error) {
	return parseInterval("gossip.gossip_interval", c.Gossip.GossipInterval, time.Second)
}

// WatchdogInterval returns the parsed watchdog interval, defaulting to
// 30s.
func (c *Config) WatchdogInterval() (time.Duration, error) {
	return parseInterval("watchdog.interval", c.Watchdog.Interval, 30*time.Second)
}

func parseInterval(field, raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, field, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, field)
	}
	return d, nil
}
