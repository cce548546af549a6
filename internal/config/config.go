// Package config loads, validates, and defaults bpfmand's configuration
// surface.
//
// Configuration file: /etc/bpfmand/config.yaml (default)
// Schema version: 1
//
// Validation:
//   - All required fields must be present.
//   - File paths must be absolute.
//   - Invalid config on startup: the daemon refuses to start (fatal error).
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/bpfmand/bpfmand/internal/model"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// DefaultStorageRoot is where programs/, dispatchers/, and fs/ live.
const DefaultStorageRoot = "/var/lib/bpfmand"

// DefaultSocketPath is the gRPC front-end's Unix domain socket (external
// to this module, but its path still belongs in config per spec.md §6).
const DefaultSocketPath = "/run/bpfmand.sock"

// DefaultOperatorSocketPath is internal/opsocket's admin socket.
const DefaultOperatorSocketPath = "/run/bpfmand/operator.sock"

// DefaultAuditDBPath mirrors internal/audit's default.
const DefaultAuditDBPath = "/var/lib/bpfmand/audit.db"

// Config is the root configuration structure for bpfmand.
// All fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// Storage configures the flat-file program/dispatcher/map-pin store.
	Storage StorageConfig `yaml:"storage"`

	// Interfaces holds per-interface XDP attach mode overrides, keyed by
	// interface name.
	Interfaces map[string]InterfaceConfig `yaml:"interfaces"`

	// Signing configures bytecode signature enforcement.
	Signing SigningConfig `yaml:"signing"`

	// Endpoints lists the RPC front-end's listen endpoints. Loading this
	// module never opens a socket or reads a cert from these entries —
	// the struct shape exists so the (external) RPC layer can be
	// configured from the same file.
	Endpoints []EndpointConfig `yaml:"endpoints"`

	// Operator configures the operator introspection Unix socket.
	Operator OperatorConfig `yaml:"operator"`

	// Audit configures the append-only audit ledger.
	Audit AuditConfig `yaml:"audit"`

	// Observability configures metrics and logging.
	Observability ObservabilityConfig `yaml:"observability"`
}

// StorageConfig holds flat-file store parameters.
type StorageConfig struct {
	// Root is the absolute path under which programs/, dispatchers/, and
	// fs/ are created. Default: /var/lib/bpfmand.
	Root string `yaml:"root"`

	// DispatcherAssetsDir holds the pre-built xdp_dispatcher.o and
	// tc_dispatcher.o objects loaded by internal/bytecode.
	// Default: /usr/share/bpfmand.
	DispatcherAssetsDir string `yaml:"dispatcher_assets_dir"`
}

// InterfaceConfig overrides attach behaviour for one named interface.
type InterfaceConfig struct {
	// XDPMode forces the attach mode for XDP programs on this interface
	// (one of "drv", "skb", "hw"). Empty means let the kernel pick the
	// best available mode.
	XDPMode string `yaml:"xdp_mode"`
}

// XDPModeValue translates the validated xdp_mode string into its
// model.XDPMode enum value, consumed by internal/registry to build the
// dispatcher.IfaceConfig for the XDP reconcile path.
func (c InterfaceConfig) XDPModeValue() model.XDPMode {
	switch c.XDPMode {
	case "drv":
		return model.XDPModeNative
	case "skb":
		return model.XDPModeSKB
	case "hw":
		return model.XDPModeOffload
	default:
		return model.XDPModeUnspecified
	}
}

// XDPModesByInterface flattens cfg.Interfaces into the
// map[string]model.XDPMode internal/registry.New expects.
func (cfg *Config) XDPModesByInterface() map[string]model.XDPMode {
	out := make(map[string]model.XDPMode, len(cfg.Interfaces))
	for name, ic := range cfg.Interfaces {
		out[name] = ic.XDPModeValue()
	}
	return out
}

// SigningConfig controls bytecode signature enforcement before load.
type SigningConfig struct {
	// AllowUnsigned permits loading bytecode with no valid signature.
	// Default: true (matches spec.md's scope — verification is out of
	// scope, but the toggle is carried so a future verifier can be
	// wired in without a config-format break).
	AllowUnsigned bool `yaml:"allow_unsigned"`
}

// EndpointConfig is one RPC front-end listen endpoint.
type EndpointConfig struct {
	// Address is a host:port or unix:// path.
	Address string `yaml:"address"`

	// TLSCertFile, TLSKeyFile, TLSCAFile are PEM paths. Left empty for a
	// plaintext endpoint (e.g. a loopback admin listener).
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`
	TLSCAFile   string `yaml:"tls_ca_file"`
}

// OperatorConfig holds the operator introspection socket parameters.
type OperatorConfig struct {
	// SocketPath is the Unix domain socket path internal/opsocket binds.
	// Permissions: 0600. Default: /run/bpfmand/operator.sock.
	SocketPath string `yaml:"socket_path"`

	// Enabled controls whether the operator socket is started.
	Enabled bool `yaml:"enabled"`
}

// AuditConfig holds the audit ledger's bbolt parameters.
type AuditConfig struct {
	// DBPath is the absolute path to the bbolt file.
	DBPath string `yaml:"db_path"`

	// RetentionDays is the ledger retention period. Default: 30.
	RetentionDays int `yaml:"retention_days"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics + healthz HTTP bind address.
	// Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	LogFormat string `yaml:"log_format"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	return Config{
		SchemaVersion: "1",
		Storage: StorageConfig{
			Root:                DefaultStorageRoot,
			DispatcherAssetsDir: "/usr/share/bpfmand",
		},
		Signing: SigningConfig{
			AllowUnsigned: true,
		},
		Operator: OperatorConfig{
			Enabled:    true,
			SocketPath: DefaultOperatorSocketPath,
		},
		Audit: AuditConfig{
			DBPath:        DefaultAuditDBPath,
			RetentionDays: 30,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
// Returns an error if the file cannot be read, parsed, or validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.Storage.Root == "" {
		errs = append(errs, "storage.root must not be empty")
	} else if !filepath.IsAbs(cfg.Storage.Root) {
		errs = append(errs, fmt.Sprintf("storage.root must be absolute, got %q", cfg.Storage.Root))
	}
	if cfg.Storage.DispatcherAssetsDir != "" && !filepath.IsAbs(cfg.Storage.DispatcherAssetsDir) {
		errs = append(errs, fmt.Sprintf("storage.dispatcher_assets_dir must be absolute, got %q", cfg.Storage.DispatcherAssetsDir))
	}
	for name, ic := range cfg.Interfaces {
		switch ic.XDPMode {
		case "", "drv", "skb", "hw":
		default:
			errs = append(errs, fmt.Sprintf("interfaces.%s.xdp_mode must be one of drv/skb/hw, got %q", name, ic.XDPMode))
		}
	}
	for i, ep := range cfg.Endpoints {
		if ep.Address == "" {
			errs = append(errs, fmt.Sprintf("endpoints[%d].address must not be empty", i))
		}
		hasTLS := ep.TLSCertFile != "" || ep.TLSKeyFile != "" || ep.TLSCAFile != ""
		if hasTLS && (ep.TLSCertFile == "" || ep.TLSKeyFile == "") {
			errs = append(errs, fmt.Sprintf("endpoints[%d]: tls_cert_file and tls_key_file must both be set or both empty", i))
		}
		for _, f := range []string{ep.TLSCertFile, ep.TLSKeyFile, ep.TLSCAFile} {
			if f != "" && !filepath.IsAbs(f) {
				errs = append(errs, fmt.Sprintf("endpoints[%d]: TLS file path must be absolute, got %q", i, f))
			}
		}
	}
	if cfg.Operator.Enabled && cfg.Operator.SocketPath == "" {
		errs = append(errs, "operator.socket_path must not be empty when operator.enabled is true")
	} else if cfg.Operator.SocketPath != "" && !filepath.IsAbs(cfg.Operator.SocketPath) {
		errs = append(errs, fmt.Sprintf("operator.socket_path must be absolute, got %q", cfg.Operator.SocketPath))
	}
	if cfg.Audit.DBPath == "" {
		errs = append(errs, "audit.db_path must not be empty")
	} else if !filepath.IsAbs(cfg.Audit.DBPath) {
		errs = append(errs, fmt.Sprintf("audit.db_path must be absolute, got %q", cfg.Audit.DBPath))
	}
	if cfg.Audit.RetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("audit.retention_days must be >= 1, got %d", cfg.Audit.RetentionDays))
	}
	switch cfg.Observability.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_level must be one of debug/info/warn/error, got %q", cfg.Observability.LogLevel))
	}
	switch cfg.Observability.LogFormat {
	case "", "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_format must be json or console, got %q", cfg.Observability.LogFormat))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
