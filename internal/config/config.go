// Package config loads Polis's process-wide configuration from a YAML
// file, applies environment-variable overrides, and validates the result
// against a JSON Schema before the service is allowed to start (spec.md
// §6 Configuration, §7 "fatal initialization failures ... abort service
// startup").
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/odralabshq/polis/common/environment"
)

// Config is the full process-wide configuration, loaded once at startup
// and treated as immutable for the lifetime of the process (spec.md §9).
type Config struct {
	TimeGateSecs             int      `yaml:"time_gate_secs" json:"time_gate_secs"`
	OTTTTLSecs               int      `yaml:"ott_ttl_secs" json:"ott_ttl_secs"`
	ApprovalTTLSecs          int      `yaml:"approval_ttl_secs" json:"approval_ttl_secs"`
	ExceptionTTLDefaultSecs  int      `yaml:"exception_ttl_default_secs" json:"exception_ttl_default_secs"`
	AllowlistDomains         []string `yaml:"allowlist_domains" json:"allowlist_domains"`
	MaxBodyScan              int      `yaml:"max_body_scan" json:"max_body_scan"`
	MaxExceptions            int      `yaml:"max_exceptions" json:"max_exceptions"`
	ExceptionLookupTimeoutMS int      `yaml:"exception_lookup_timeout_ms" json:"exception_lookup_timeout_ms"`

	StateStore StateStoreConfig `yaml:"state_store" json:"state_store"`

	// ListenAddr is the address the ICAP-equivalent HTTP server binds to.
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`
	// MetricsAddr is the address the Prometheus /metrics endpoint binds to.
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr"`
}

// StateStoreConfig describes how to reach the shared key-value store.
type StateStoreConfig struct {
	Endpoint       string    `yaml:"endpoint" json:"endpoint"`
	Username       string    `yaml:"username" json:"username"`
	PasswordFile   string    `yaml:"password_file" json:"password_file"`
	DB             int       `yaml:"db" json:"db"`
	TLS            *TLSPaths `yaml:"tls,omitempty" json:"tls,omitempty"`
}

// TLSPaths holds the mTLS material paths for the state-store connection.
type TLSPaths struct {
	CertFile string `yaml:"cert_file" json:"cert_file"`
	KeyFile  string `yaml:"key_file" json:"key_file"`
	CAFile   string `yaml:"ca_file" json:"ca_file"`
}

// Defaults matches spec.md §6's named defaults exactly.
var Defaults = Config{
	TimeGateSecs:             15,
	OTTTTLSecs:               600,
	ApprovalTTLSecs:          300,
	ExceptionTTLDefaultSecs:  2_592_000,
	AllowlistDomains:         []string{".api.telegram.org", ".api.slack.com", ".discord.com"},
	MaxBodyScan:              2 * 1024 * 1024,
	MaxExceptions:            1000,
	ExceptionLookupTimeoutMS: 5,
	ListenAddr:               ":3128",
	MetricsAddr:              ":9090",
}

// Load reads path, merges it over Defaults, applies environment overrides,
// and validates the result against the embedded JSON Schema. Any failure
// here is fatal: the caller (cmd/polis-proxy) must abort startup rather
// than run with an unvalidated configuration.
func Load(path string) (*Config, error) {
	cfg := Defaults

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: schema validation failed: %w", err)
	}

	if len(cfg.AllowlistDomains) == 0 {
		return nil, fmt.Errorf("config: allowlist_domains must not be empty")
	}

	return &cfg, nil
}

// applyEnvOverrides lets operators override the state-store endpoint and
// credential paths without editing the YAML file, matching the teacher's
// environment-variable precedence for deployment-specific values.
func applyEnvOverrides(cfg *Config) {
	cfg.StateStore.Endpoint = environment.StringOr("POLIS_STATE_STORE_ENDPOINT", cfg.StateStore.Endpoint)
	cfg.StateStore.Username = environment.StringOr("POLIS_STATE_STORE_USERNAME", cfg.StateStore.Username)
	cfg.StateStore.PasswordFile = environment.StringOr("POLIS_STATE_STORE_PASSWORD_FILE", cfg.StateStore.PasswordFile)
	cfg.ListenAddr = environment.StringOr("POLIS_LISTEN_ADDR", cfg.ListenAddr)
	cfg.MetricsAddr = environment.StringOr("POLIS_METRICS_ADDR", cfg.MetricsAddr)
	cfg.AllowlistDomains = environment.StringSliceOr("POLIS_ALLOWLIST_DOMAINS", cfg.AllowlistDomains)
}

// validate checks cfg against schemaJSON using santhosh-tekuri/jsonschema.
// The teacher's go.mod carries this dependency without ever compiling it
// into a code path; this is where it earns its place.
func validate(cfg *Config) error {
	compiled, err := compileSchema()
	if err != nil {
		return fmt.Errorf("compiling schema: %w", err)
	}

	asJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config for validation: %w", err)
	}

	var doc any
	if err := json.Unmarshal(asJSON, &doc); err != nil {
		return fmt.Errorf("re-decoding config for validation: %w", err)
	}

	if err := compiled.Validate(doc); err != nil {
		return err
	}
	return nil
}

func compileSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("polis-config.schema.json", bytes.NewReader([]byte(schemaJSON))); err != nil {
		return nil, err
	}
	return compiler.Compile("polis-config.schema.json")
}

// TimeGate returns TimeGateSecs as a time.Duration.
func (c *Config) TimeGate() time.Duration { return time.Duration(c.TimeGateSecs) * time.Second }

// OTTTTL returns OTTTTLSecs as a time.Duration.
func (c *Config) OTTTTL() time.Duration { return time.Duration(c.OTTTTLSecs) * time.Second }

// ApprovalTTL returns ApprovalTTLSecs as a time.Duration.
func (c *Config) ApprovalTTL() time.Duration { return time.Duration(c.ApprovalTTLSecs) * time.Second }

// ExceptionTTLDefault returns ExceptionTTLDefaultSecs as a time.Duration.
func (c *Config) ExceptionTTLDefault() time.Duration {
	return time.Duration(c.ExceptionTTLDefaultSecs) * time.Second
}

// ExceptionLookupTimeout returns ExceptionLookupTimeoutMS as a time.Duration.
func (c *Config) ExceptionLookupTimeout() time.Duration {
	return time.Duration(c.ExceptionLookupTimeoutMS) * time.Millisecond
}
