package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
schema_version: "1"
storage:
  root: /var/lib/bpfmand
observability:
  log_level: debug
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Observability.LogLevel != "debug" {
		t.Fatalf("expected file value to override default, got %q", cfg.Observability.LogLevel)
	}
	if cfg.Audit.RetentionDays != 30 {
		t.Fatalf("expected unset audit.retention_days to keep its default, got %d", cfg.Audit.RetentionDays)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected an error for a nonexistent config file")
	}
}

func TestValidateDefaultsIsClean(t *testing.T) {
	cfg := Defaults()
	if err := Validate(&cfg); err != nil {
		t.Fatalf("Defaults() must validate cleanly, got %v", err)
	}
}

func TestValidateRejectsRelativeStorageRoot(t *testing.T) {
	cfg := Defaults()
	cfg.Storage.Root = "relative/path"
	if err := Validate(&cfg); err == nil {
		t.Fatalf("expected an error for a non-absolute storage.root")
	}
}

func TestValidateRejectsBadXDPMode(t *testing.T) {
	cfg := Defaults()
	cfg.Interfaces = map[string]InterfaceConfig{"eth0": {XDPMode: "turbo"}}
	if err := Validate(&cfg); err == nil {
		t.Fatalf("expected an error for an invalid xdp_mode")
	}
}

func TestValidateRejectsPartialTLSConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Endpoints = []EndpointConfig{{Address: "0.0.0.0:9000", TLSCertFile: "/etc/bpfmand/tls.crt"}}
	if err := Validate(&cfg); err == nil {
		t.Fatalf("expected an error when only tls_cert_file is set without tls_key_file")
	}
}

func TestValidateRejectsOperatorEnabledWithoutSocketPath(t *testing.T) {
	cfg := Defaults()
	cfg.Operator.Enabled = true
	cfg.Operator.SocketPath = ""
	if err := Validate(&cfg); err == nil {
		t.Fatalf("expected an error when operator.enabled is true with an empty socket_path")
	}
}

func TestValidateAggregatesMultipleErrors(t *testing.T) {
	cfg := Defaults()
	cfg.SchemaVersion = "2"
	cfg.Storage.Root = ""
	cfg.Audit.RetentionDays = 0

	err := Validate(&cfg)
	if err == nil {
		t.Fatalf("expected validation errors")
	}
	msg := err.Error()
	for _, want := range []string{"schema_version", "storage.root", "retention_days"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected aggregated error to mention %q, got %q", want, msg)
		}
	}
}
