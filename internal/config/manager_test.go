package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestManagerStatus(t *testing.T) {
	path := writeConfigFile(t, `
server:
  port: 8080
`)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr, err := NewManager(path, logger)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	status := mgr.Status()
	if status.Path != path {
		t.Fatalf("Status().Path = %q, want %q", status.Path, path)
	}
	if status.Checksum == "" {
		t.Fatal("Status().Checksum is empty")
	}
	if status.LoadedAt.IsZero() {
		t.Fatal("Status().LoadedAt is zero")
	}
	if status.ReloadCount != 1 {
		t.Fatalf("Status().ReloadCount = %d, want 1", status.ReloadCount)
	}
}

func TestManagerReloadUpdatesChecksum(t *testing.T) {
	path := writeConfigFile(t, `
server:
  port: 8080
`)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr, err := NewManager(path, logger)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	var notified atomic.Int32
	mgr.OnChange(func(cfg *Config) {
		if cfg.Server.Port == 9090 {
			notified.Add(1)
		}
	})

	before := mgr.Status()

	if err := os.WriteFile(path, []byte(`
server:
  port: 9090
rate_limits:
  api:
    tokens_per_interval: 1
    interval: 1s
`), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if err := mgr.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}

	after := mgr.Status()
	if after.Checksum == before.Checksum {
		t.Fatal("expected checksum to change after reload")
	}
	if after.ReloadCount != before.ReloadCount+1 {
		t.Fatalf("expected reload count %d, got %d", before.ReloadCount+1, after.ReloadCount)
	}
	if mgr.Get().Server.Port != 9090 {
		t.Fatalf("expected server port 9090, got %d", mgr.Get().Server.Port)
	}
	if len(mgr.Get().RateLimits) != 1 {
		t.Fatalf("expected reloaded limits to replace presets, got %v", mgr.Get().RateLimits)
	}
	if notified.Load() != 1 {
		t.Fatalf("OnChange called %d times, want 1", notified.Load())
	}
}

func TestManagerReloadKeepsCurrentOnError(t *testing.T) {
	path := writeConfigFile(t, "server:\n  port: 8080\n")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr, err := NewManager(path, logger)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	var notified atomic.Int32
	mgr.OnChange(func(*Config) { notified.Add(1) })

	if err := os.WriteFile(path, []byte("server:\n  port: 0\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := mgr.Reload(); err == nil {
		t.Fatal("Reload() should fail on invalid config")
	}
	if mgr.Get().Server.Port != 8080 {
		t.Fatalf("expected port to stay 8080, got %d", mgr.Get().Server.Port)
	}
	if mgr.Status().ReloadCount != 1 {
		t.Fatalf("failed reload should not be counted, got %d", mgr.Status().ReloadCount)
	}
	if notified.Load() != 0 {
		t.Fatal("OnChange should not run for a failed reload")
	}
}

func TestNewManagerMissingFile(t *testing.T) {
	if _, err := NewManager(filepath.Join(t.TempDir(), "absent.yaml"), nil); err == nil {
		t.Fatal("NewManager() should fail for a missing file")
	}
}

func TestManagerWatchReloadsOnWrite(t *testing.T) {
	path := writeConfigFile(t, "server:\n  port: 8080\n")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr, err := NewManager(path, logger)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := mgr.Watch(ctx); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	changed := make(chan int, 1)
	mgr.OnChange(func(cfg *Config) {
		select {
		case changed <- cfg.Server.Port:
		default:
		}
	})

	if err := os.WriteFile(path, []byte("server:\n  port: 8181\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	select {
	case port := <-changed:
		if port != 8181 {
			t.Fatalf("reloaded port = %d, want 8181", port)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
