package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	// Empty values read as unset, so ambient environment cannot leak in.
	for _, key := range []string{
		"SERVER_PORT", "MAX_REQUEST_BODY_BYTES",
		"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
		"AUDIT_RUN_WORKERS", "AUDIT_RUN_TIMEOUT",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.ServerPort != "8080" {
		t.Errorf("ServerPort = %q, want 8080", cfg.ServerPort)
	}
	if cfg.MaxRequestBody != 4*1024*1024 {
		t.Errorf("MaxRequestBody = %d, want 4MiB", cfg.MaxRequestBody)
	}
	if cfg.RateLimitRPS != 50 {
		t.Errorf("RateLimitRPS = %d, want 50", cfg.RateLimitRPS)
	}
	if cfg.RateLimitBurst != 100 {
		t.Errorf("RateLimitBurst = %d, want 100", cfg.RateLimitBurst)
	}
	if cfg.RunWorkers != 2 {
		t.Errorf("RunWorkers = %d, want 2", cfg.RunWorkers)
	}
	if cfg.RunTimeout != 10*time.Minute {
		t.Errorf("RunTimeout = %v, want 10m", cfg.RunTimeout)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("RATE_LIMIT_RPS", "5")
	t.Setenv("RATE_LIMIT_BURST", "9")
	t.Setenv("AUDIT_RUN_TIMEOUT", "90s")

	cfg := Load()
	if cfg.RateLimitRPS != 5 {
		t.Errorf("RateLimitRPS = %d, want 5", cfg.RateLimitRPS)
	}
	if cfg.RateLimitBurst != 9 {
		t.Errorf("RateLimitBurst = %d, want 9", cfg.RateLimitBurst)
	}
	if cfg.RunTimeout != 90*time.Second {
		t.Errorf("RunTimeout = %v, want 90s", cfg.RunTimeout)
	}
}

func TestLoadFallsBackOnBadValues(t *testing.T) {
	t.Setenv("RATE_LIMIT_RPS", "plenty")
	t.Setenv("AUDIT_RUN_TIMEOUT", "soon")

	cfg := Load()
	if cfg.RateLimitRPS != 50 {
		t.Errorf("unparsable RATE_LIMIT_RPS should fall back to 50, got %d", cfg.RateLimitRPS)
	}
	if cfg.RunTimeout != 10*time.Minute {
		t.Errorf("unparsable AUDIT_RUN_TIMEOUT should fall back to 10m, got %v", cfg.RunTimeout)
	}
}
