package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Reconnect.BaseDelayMs != 5000 {
		t.Errorf("BaseDelayMs = %d, want 5000", cfg.Reconnect.BaseDelayMs)
	}
	if cfg.Reconnect.MaxAttempts != 10 {
		t.Errorf("MaxAttempts = %d, want 10", cfg.Reconnect.MaxAttempts)
	}
	if cfg.Media.Workers != 3 {
		t.Errorf("Workers = %d, want 3", cfg.Media.Workers)
	}
	if cfg.Watchdog.IntervalSec != 60 {
		t.Errorf("IntervalSec = %d, want 60", cfg.Watchdog.IntervalSec)
	}
}

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.Clients = []string{"5511999990000"}
	cfg.HTTP.ListenAddr = "127.0.0.1:9000"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(loaded.Clients) != 1 || loaded.Clients[0] != "5511999990000" {
		t.Errorf("Clients = %v, want [5511999990000]", loaded.Clients)
	}
	if loaded.HTTP.ListenAddr != "127.0.0.1:9000" {
		t.Errorf("ListenAddr = %q, want 127.0.0.1:9000", loaded.HTTP.ListenAddr)
	}
	// Untouched sections keep their defaults.
	if loaded.Watchdog.MaxQRAgeSec != 180 {
		t.Errorf("MaxQRAgeSec = %d, want 180", loaded.Watchdog.MaxQRAgeSec)
	}
}

func TestLoadMissingReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load() error = %v, want nil for missing file", err)
	}
	if cfg.Reconnect.MaxDelayMs != 300000 {
		t.Errorf("MaxDelayMs = %d, want default 300000", cfg.Reconnect.MaxDelayMs)
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
