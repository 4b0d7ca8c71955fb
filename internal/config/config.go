// Package config holds the process-wide configuration for both roles
// a bboard binary can run as: replica-only, and primary (which also
// hosts the coordinator).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/mini-dynamo/bboard/pkg/types"
)

// DefaultPrimaryAddr is where a replica dials to register.
const DefaultPrimaryAddr = "localhost:10000"

// DefaultSyncInterval is how often the quorum coordinator's periodic
// sync task runs.
const DefaultSyncInterval = 30 * time.Second

// Config holds everything a replica or primary process needs to boot.
type Config struct {
	// Client-facing listener.
	Address    string `json:"address"`
	ClientPort int    `json:"client_port"`

	// ReplicationPort is the port this replica's coordinator-facing
	// listener binds to; it is the port advertised in the REGISTER
	// frame. Zero means an ephemeral port chosen at bind time — the
	// primary's co-located replica uses that.
	ReplicationPort int `json:"replication_port,omitempty"`

	// Coordinator address this process's replica dials to register.
	// On the primary the coordinator binds to Address:CoordinatorPort;
	// CoordinatorAddr is not used for binding.
	CoordinatorAddr string `json:"coordinator_addr"`
	CoordinatorPort int    `json:"coordinator_port"`

	// IsPrimary is true only for the process hosting the coordinator.
	IsPrimary bool `json:"is_primary"`

	// Policy is only meaningful on the primary — replicas adopt
	// whatever the coordinator's REGISTER reply advertises.
	Policy types.Policy `json:"policy,omitempty"`
	Nw     int          `json:"nw,omitempty"`
	Nr     int          `json:"nr,omitempty"`

	// SyncInterval overrides DefaultSyncInterval; tests shorten it to
	// exercise scenario 6 without waiting 30s for real.
	SyncInterval time.Duration `json:"sync_interval,omitempty"`

	// DelayMin/DelayMax emulate WAN latency on every outbound send.
	// Both default to zero — the 100-399ms emulation window is opt-in
	// via flag, not a silent default.
	DelayMin time.Duration `json:"delay_min,omitempty"`
	DelayMax time.Duration `json:"delay_max,omitempty"`

	// AdminAddr, if non-empty, serves the read-only status/health
	// HTTP surface. Empty disables it.
	AdminAddr string `json:"admin_addr,omitempty"`
}

// DefaultConfig returns a replica-role configuration with sensible
// defaults; callers flip IsPrimary and fill in Policy/Nw/Nr for the
// primary role.
func DefaultConfig() *Config {
	return &Config{
		Address:         "127.0.0.1",
		ClientPort:      9000,
		CoordinatorAddr: "localhost",
		CoordinatorPort: 10000,
		Policy:          types.PolicySequential,
	}
}

// Validate checks that a Config is internally consistent before the
// process starts listening.
func (c *Config) Validate() error {
	// Port zero is allowed everywhere: it means "ephemeral, chosen at
	// bind time", which tests and the primary's co-located replica use.
	if c.ClientPort < 0 || c.ClientPort > 65535 {
		return fmt.Errorf("config: invalid client port %d", c.ClientPort)
	}
	if c.ReplicationPort < 0 || c.ReplicationPort > 65535 {
		return fmt.Errorf("config: invalid replication port %d", c.ReplicationPort)
	}
	if c.CoordinatorPort < 0 || c.CoordinatorPort > 65535 {
		return fmt.Errorf("config: invalid coordinator port %d", c.CoordinatorPort)
	}
	if c.IsPrimary {
		switch c.Policy {
		case types.PolicySequential, types.PolicyQuorum, types.PolicyRYW:
		default:
			return fmt.Errorf("config: invalid policy %q", c.Policy)
		}
		if c.Policy == types.PolicyQuorum && (c.Nw < 0 || c.Nr < 0) {
			return fmt.Errorf("config: quorum Nw/Nr must be non-negative")
		}
	}
	if c.DelayMax < c.DelayMin {
		return fmt.Errorf("config: delay-max must be >= delay-min")
	}
	return nil
}

// SyncIntervalOrDefault returns SyncInterval if set, else the 30s
// default.
func (c *Config) SyncIntervalOrDefault() time.Duration {
	if c.SyncInterval > 0 {
		return c.SyncInterval
	}
	return DefaultSyncInterval
}

// LoadFromFile loads configuration from a JSON file, starting from
// DefaultConfig so unset fields keep their defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// SaveToFile writes the configuration to path as indented JSON.
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// ClientAddr returns the host:port clients dial for this replica.
func (c *Config) ClientAddr() string {
	return fmt.Sprintf("%s:%d", c.Address, c.ClientPort)
}

// ReplicationListenAddr returns the host:port this replica's
// coordinator-facing listener binds to.
func (c *Config) ReplicationListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Address, c.ReplicationPort)
}

// CoordinatorListenAddr returns the host:port the primary's coordinator
// listens on.
func (c *Config) CoordinatorListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Address, c.CoordinatorPort)
}

// CoordinatorDialAddr returns the host:port a replica dials to reach
// the primary's coordinator.
func (c *Config) CoordinatorDialAddr() string {
	return fmt.Sprintf("%s:%d", c.CoordinatorAddr, c.CoordinatorPort)
}
