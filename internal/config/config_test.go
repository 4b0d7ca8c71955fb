package config

import (
	"path/filepath"
	"testing"

	"github.com/mini-dynamo/bboard/pkg/types"
)

func TestDefaultConfigValidates(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidateRejectsBadPorts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ClientPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for out-of-range client port")
	}

	cfg = DefaultConfig()
	cfg.CoordinatorPort = -1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for negative coordinator port")
	}
}

func TestValidateAllowsEphemeralPorts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ClientPort = 0
	cfg.ReplicationPort = 0
	cfg.CoordinatorPort = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("port 0 should be allowed: %v", err)
	}
}

func TestValidateRejectsBadPolicyOnPrimary(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IsPrimary = true
	cfg.Policy = types.Policy("eventual")
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown policy")
	}
}

func TestValidateRejectsInvertedDelayWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DelayMin = 100
	cfg.DelayMax = 50
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for delay-max < delay-min")
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bboard.json")

	cfg := DefaultConfig()
	cfg.IsPrimary = true
	cfg.Policy = types.PolicyQuorum
	cfg.Nw, cfg.Nr = 2, 2
	cfg.ClientPort = 9100
	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Policy != types.PolicyQuorum || loaded.Nw != 2 || loaded.ClientPort != 9100 {
		t.Fatalf("round-trip mismatch: %+v", loaded)
	}
}

func TestSyncIntervalOrDefault(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.SyncIntervalOrDefault() != DefaultSyncInterval {
		t.Fatalf("expected 30s default, got %s", cfg.SyncIntervalOrDefault())
	}
	cfg.SyncInterval = 42
	if cfg.SyncIntervalOrDefault() != 42 {
		t.Fatalf("expected override, got %s", cfg.SyncIntervalOrDefault())
	}
}
