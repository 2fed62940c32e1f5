package epwrconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_DefaultsWithNoConfigFile(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("os.Getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("os.Chdir: %v", err)
	}
	defer os.Chdir(cwd)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Pool.Size != 4 {
		t.Errorf("Pool.Size = %d, want 4", cfg.Pool.Size)
	}
	if cfg.Protocol.MaxFrameBytes != 67108864 {
		t.Errorf("Protocol.MaxFrameBytes = %d, want 64MiB", cfg.Protocol.MaxFrameBytes)
	}
	if cfg.Session.TTL != time.Hour {
		t.Errorf("Session.TTL = %v, want 1h (3600s converted)", cfg.Session.TTL)
	}
	if cfg.Recovery.RetryBaseDelay != 100*time.Millisecond {
		t.Errorf("Recovery.RetryBaseDelay = %v, want 100ms", cfg.Recovery.RetryBaseDelay)
	}
	if cfg.Registry.HeartbeatInterval != 10*time.Second {
		t.Errorf("Registry.HeartbeatInterval = %v, want 10s", cfg.Registry.HeartbeatInterval)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("pool:\n  size: 12\nworker:\n  path: /bin/true\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Pool.Size != 12 {
		t.Errorf("Pool.Size = %d, want 12 from config file", cfg.Pool.Size)
	}
	if cfg.Worker.Path != "/bin/true" {
		t.Errorf("Worker.Path = %q, want /bin/true from config file", cfg.Worker.Path)
	}
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	t.Setenv("EPWR_POOL_SIZE", "9")
	dir := t.TempDir()
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("os.Getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("os.Chdir: %v", err)
	}
	defer os.Chdir(cwd)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Pool.Size != 9 {
		t.Errorf("Pool.Size = %d, want 9 from EPWR_POOL_SIZE", cfg.Pool.Size)
	}
}
