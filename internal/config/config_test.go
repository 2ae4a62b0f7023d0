package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestLoad_DefaultsApplied(t *testing.T) {
	p := writeTempConfig(t, `
provider:
  name: mock
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("addr default = %q", cfg.Server.Addr)
	}
	if cfg.Provider.RequestTimeout != 60*time.Second {
		t.Fatalf("request timeout default = %v", cfg.Provider.RequestTimeout)
	}
	if cfg.Provider.MaxRetries != 3 {
		t.Fatalf("max retries default = %d", cfg.Provider.MaxRetries)
	}
	if cfg.Poller.TickInterval != time.Second || cfg.Poller.BatchSize != 8 {
		t.Fatalf("poller defaults = %v / %d", cfg.Poller.TickInterval, cfg.Poller.BatchSize)
	}
	if cfg.Poller.JobTimeout != 12*time.Minute {
		t.Fatalf("job timeout default = %v", cfg.Poller.JobTimeout)
	}
	if cfg.Poller.Retention != time.Hour {
		t.Fatalf("retention default = %v", cfg.Poller.Retention)
	}
	if cfg.Store.Driver != "memory" {
		t.Fatalf("store driver default = %q", cfg.Store.Driver)
	}
	free, ok := cfg.Quota.Tiers["free"]
	if !ok || free.MaxDailySeconds != 120 {
		t.Fatalf("free tier default = %+v (ok=%v)", free, ok)
	}
}

func TestLoad_RunwayRequiresKeys(t *testing.T) {
	p := writeTempConfig(t, `
provider:
  name: runway
`)
	if _, err := Load(p); err == nil {
		t.Fatalf("expected error for runway provider without keys")
	}
}

func TestLoad_EnvExpansionAndKeySplit(t *testing.T) {
	t.Setenv("TEST_RUNWAY_KEYS", "key-a, key-b,key-c")
	p := writeTempConfig(t, `
provider:
  name: runway
  apiKeys: ${TEST_RUNWAY_KEYS}
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	keys := cfg.Provider.Keys()
	if len(keys) != 3 || keys[0] != "key-a" || keys[1] != "key-b" || keys[2] != "key-c" {
		t.Fatalf("keys = %v", keys)
	}
	if cfg.Provider.BaseURL != "https://api.runwayml.com/v1" {
		t.Fatalf("base url default = %q", cfg.Provider.BaseURL)
	}
}

func TestLoad_UnsupportedProvider(t *testing.T) {
	p := writeTempConfig(t, `
provider:
  name: acme
`)
	if _, err := Load(p); err == nil {
		t.Fatalf("expected error for unsupported provider")
	}
}

func TestLoad_SQLiteDriverDefaultsPath(t *testing.T) {
	p := writeTempConfig(t, `
provider:
  name: mock
store:
  driver: sqlite
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.DatabasePath == "" {
		t.Fatalf("sqlite driver should get a default database path")
	}
}

func TestLoad_InvalidTierRejected(t *testing.T) {
	p := writeTempConfig(t, `
provider:
  name: mock
quota:
  tiers:
    free:
      maxDailySeconds: 0
      maxDailyCents: 100
`)
	if _, err := Load(p); err == nil {
		t.Fatalf("expected error for non-positive tier ceiling")
	}
}
