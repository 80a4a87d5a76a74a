package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/odralabshq/polis/internal/config"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "polis.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoad_ValidConfig_AppliesDefaultsForOmittedFields(t *testing.T) {
	path := writeTempConfig(t, `
state_store:
  endpoint: "polis-redis:6380"
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TimeGateSecs != 15 {
		t.Errorf("TimeGateSecs = %d, want default 15", cfg.TimeGateSecs)
	}
	if cfg.OTTTTLSecs != 600 {
		t.Errorf("OTTTTLSecs = %d, want default 600", cfg.OTTTTLSecs)
	}
	if len(cfg.AllowlistDomains) != 3 {
		t.Errorf("AllowlistDomains = %v, want 3 default entries", cfg.AllowlistDomains)
	}
	if cfg.StateStore.Endpoint != "polis-redis:6380" {
		t.Errorf("StateStore.Endpoint = %q, want polis-redis:6380", cfg.StateStore.Endpoint)
	}
}

func TestLoad_MissingStateStoreEndpoint_FailsValidation(t *testing.T) {
	path := writeTempConfig(t, `
time_gate_secs: 15
`)
	_, err := config.Load(path)
	if err == nil {
		t.Fatal("expected Load to fail when state_store.endpoint is missing")
	}
}

func TestLoad_EmptyAllowlist_FailsValidation(t *testing.T) {
	path := writeTempConfig(t, `
allowlist_domains: []
state_store:
  endpoint: "polis-redis:6380"
`)
	_, err := config.Load(path)
	if err == nil {
		t.Fatal("expected Load to fail for an empty allowlist_domains")
	}
}

func TestLoad_NegativeTTL_FailsValidation(t *testing.T) {
	path := writeTempConfig(t, `
ott_ttl_secs: -5
state_store:
  endpoint: "polis-redis:6380"
`)
	_, err := config.Load(path)
	if err == nil {
		t.Fatal("expected Load to fail for a negative ott_ttl_secs")
	}
}

func TestLoad_MissingFile_Errors(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err == nil {
		t.Fatal("expected Load to fail for a missing file")
	}
}

func TestConfig_DurationHelpers(t *testing.T) {
	path := writeTempConfig(t, `
time_gate_secs: 20
ott_ttl_secs: 120
approval_ttl_secs: 60
state_store:
  endpoint: "polis-redis:6380"
`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TimeGate().Seconds() != 20 {
		t.Errorf("TimeGate() = %v, want 20s", cfg.TimeGate())
	}
	if cfg.OTTTTL().Seconds() != 120 {
		t.Errorf("OTTTTL() = %v, want 120s", cfg.OTTTTL())
	}
	if cfg.ApprovalTTL().Seconds() != 60 {
		t.Errorf("ApprovalTTL() = %v, want 60s", cfg.ApprovalTTL())
	}
}
