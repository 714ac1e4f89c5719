package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// checkConfigFilePermissions rejects overly permissive modes.
// Config files describe network topology (seed endpoints), so a
// world-readable file on a multi-user system is an error.
func checkConfigFilePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil // file access errors are handled by the caller
	}
	mode := info.Mode().Perm()
	if mode&0004 != 0 {
		return fmt.Errorf("config file %s has overly permissive mode %04o — fix with: chmod 640 %s", path, mode, path)
	}
	return nil
}

// Load reads and validates a configuration file. Missing optional
// fields keep their defaults.
func Load(path string) (*Config, error) {
	if err := checkConfigFilePermissions(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	// Default version to 1 for configs written before versioning was
	// added.
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.Version > CurrentConfigVersion {
		return nil, fmt.Errorf("%w: version %d is newer than supported version %d; please upgrade murmur",
			ErrConfigVersionTooNew, cfg.Version, CurrentConfigVersion)
	}

	if cfg.Telemetry.Metrics.ListenAddress == "" {
		cfg.Telemetry.Metrics.ListenAddress = DefaultMetricsAddress
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
