package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFrom_DefaultsWithoutFile(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if cfg.OracleConfig.CacheTTL != 60*time.Second {
		t.Errorf("Expected 60s cache TTL, got %s", cfg.OracleConfig.CacheTTL)
	}
	if cfg.OracleConfig.FetchTimeout != 10*time.Second {
		t.Errorf("Expected 10s fetch timeout, got %s", cfg.OracleConfig.FetchTimeout)
	}
	if got := cfg.OracleConfig.StaleBound(); got != 5*time.Minute {
		t.Errorf("Expected 5m stale bound, got %s", got)
	}
	if cfg.ReconcileConfig.Concurrency != 8 || cfg.ReconcileConfig.RequiredConfirmations != 1 {
		t.Errorf("Unexpected reconcile defaults: %+v", cfg.ReconcileConfig)
	}
	if cfg.SchedulerConfig.EvaluationCron != "@every 15m" || cfg.SchedulerConfig.SweepCron != "@every 1m" {
		t.Errorf("Unexpected scheduler defaults: %+v", cfg.SchedulerConfig)
	}
	if cfg.ChainConfig.BreakerFailures != 5 || cfg.ChainConfig.BreakerCooldown != 30*time.Second {
		t.Errorf("Unexpected breaker defaults: %+v", cfg.ChainConfig)
	}
}

func TestLoadFrom_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"server":{"port":9090},"chain":{"rpc_url":"http://file-rpc","decimals":6},"oracle":{"stale_factor":3}}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	t.Setenv("CHAIN_RPC_URL", "http://env-rpc")
	t.Setenv("ORACLE_CACHE_TTL", "30s")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if cfg.ServerConfig.Port != 9090 {
		t.Errorf("Expected port from file, got %d", cfg.ServerConfig.Port)
	}
	if cfg.ChainConfig.RPCURL != "http://env-rpc" {
		t.Errorf("Expected env override, got %s", cfg.ChainConfig.RPCURL)
	}
	if cfg.ChainConfig.Decimals != 6 {
		t.Errorf("Expected decimals from file, got %d", cfg.ChainConfig.Decimals)
	}
	if got := cfg.OracleConfig.StaleBound(); got != 90*time.Second {
		t.Errorf("Expected 90s stale bound, got %s", got)
	}
}

func TestValidate(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Defaults should validate: %v", err)
	}

	cfg.ReconcileConfig.Concurrency = -1
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for negative concurrency")
	}
}
