package config_test

import (
	"os"
	"testing"
	"time"

	"github.com/subtitlework/pipeline-core/internal/config"
)

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := config.Load("test-service")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ServiceName != "test-service" {
		t.Errorf("got service name %q", cfg.ServiceName)
	}
	if cfg.Shutdown.Timeout != 30*time.Second {
		t.Errorf("expected default shutdown timeout 30s, got %v", cfg.Shutdown.Timeout)
	}
	if cfg.TTL.Completed != 7*24*time.Hour {
		t.Errorf("expected completed TTL of 7d, got %v", cfg.TTL.Completed)
	}
	if cfg.TTL.Failed != 3*24*time.Hour {
		t.Errorf("expected failed TTL of 3d, got %v", cfg.TTL.Failed)
	}
	if cfg.Store.MaxRetries != 10 {
		t.Errorf("expected default store max retries 10, got %d", cfg.Store.MaxRetries)
	}
}

func TestLoad_RejectsOutOfRangeShutdownTimeout(t *testing.T) {
	os.Setenv("SHUTDOWN_TIMEOUT", "301")
	defer os.Unsetenv("SHUTDOWN_TIMEOUT")

	if _, err := config.Load("test-service"); err == nil {
		t.Fatal("expected error for out-of-range SHUTDOWN_TIMEOUT")
	}
}

func TestLoad_ReadsEnvironmentOverride(t *testing.T) {
	os.Setenv("HTTP_PORT", "9999")
	defer os.Unsetenv("HTTP_PORT")

	cfg, err := config.Load("test-service")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPPort != 9999 {
		t.Errorf("expected HTTP_PORT override to take effect, got %d", cfg.HTTPPort)
	}
}
