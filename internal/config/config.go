// Package config provides configuration loading, validation, and hot-reload
// for the ioverseerd daemon.
//
// Configuration file: /etc/ioverseer/config.yaml (default)
// Schema version: 1
//
// Hot-reload:
//   - Daemon listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate config.yaml (Reload) and log the
//     result.
//   - No reloaded setting is applied to the running daemon; every change
//     takes effect only after a restart.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The daemon does NOT crash on invalid hot-reload config.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (tier deadlines > 0, retention >= 1, etc).
//   - storage.db_path must be absolute; socket paths are only checked to be
//     non-empty.
//   - Invalid config on startup: daemon refuses to start (fatal error).
//   - Invalid config on hot-reload: logged, old config retained.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for ioverseerd.
// All fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version" mapstructure:"schema_version"`

	// NodeID identifies this watchdog instance in logs and introspection
	// dumps. Default: hostname.
	NodeID string `yaml:"node_id" mapstructure:"node_id"`

	HealthCheck   HealthCheckConfig   `yaml:"health_check" mapstructure:"health_check"`
	Accounting    AccountingConfig    `yaml:"accounting" mapstructure:"accounting"`
	Storage       StorageConfig       `yaml:"storage" mapstructure:"storage"`
	DaemonLink    DaemonLinkConfig    `yaml:"daemon_link" mapstructure:"daemon_link"`
	Observability ObservabilityConfig `yaml:"observability" mapstructure:"observability"`
	Operator      OperatorConfig      `yaml:"operator" mapstructure:"operator"`
}

// HealthCheckConfig configures the three fixed health-check tiers.
type HealthCheckConfig struct {
	// CriticalDeadline, ModerateDeadline, NormalDeadline are the per-tier
	// ping-response deadlines. Defaults: 3s, 5s, 10s.
	CriticalDeadline time.Duration `yaml:"critical_deadline" mapstructure:"critical_deadline"`
	ModerateDeadline time.Duration `yaml:"moderate_deadline" mapstructure:"moderate_deadline"`
	NormalDeadline   time.Duration `yaml:"normal_deadline" mapstructure:"normal_deadline"`
}

// AccountingConfig configures the overuse accounting engine.
type AccountingConfig struct {
	// RetentionDays is the store's truncation window: ShrinkDatabase keeps
	// the rows of this many most recent days. Historical queries and the
	// recurring-overuse predicate take their own windows. Default: 30.
	RetentionDays int `yaml:"retention_days" mapstructure:"retention_days"`

	// RecurringOveruseMinCount and RecurringOveruseWindowDays parameterize
	// the default recurring-overuse predicate (spec's pluggable, otherwise
	// undefined K/W): at least RecurringOveruseMinCount not-forgiven
	// overuses within the last RecurringOveruseWindowDays days.
	// Defaults: 2, 3.
	RecurringOveruseMinCount   int `yaml:"recurring_overuse_min_count" mapstructure:"recurring_overuse_min_count"`
	RecurringOveruseWindowDays int `yaml:"recurring_overuse_window_days" mapstructure:"recurring_overuse_window_days"`
}

// OperatorConfig holds operator override parameters.
// Overrides allow privileged operators to force a config push, dump
// engine state, or force a retention sweep without restarting the daemon.
type OperatorConfig struct {
	// SocketPath is the Unix domain socket path for the ioverseerctl CLI.
	// Permissions: 0600, owned by root. Default: /run/ioverseer/operator.sock.
	SocketPath string `yaml:"socket_path" mapstructure:"socket_path"`

	// Enabled controls whether the operator socket is active.
	// Default: true.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// StorageConfig holds the persistent stats store parameters.
type StorageConfig struct {
	// DBPath is the absolute path to the SQLite database file.
	// Default: /data/system/ioverseer/ioverseer.db.
	DBPath string `yaml:"db_path" mapstructure:"db_path"`
}

// DaemonLinkConfig configures the reconnect-with-backoff wrapper around the
// external native daemon peer (C6).
type DaemonLinkConfig struct {
	// SocketPath is the Unix domain socket the native daemon listens on.
	SocketPath string `yaml:"socket_path" mapstructure:"socket_path"`

	// ReconnectInterval and ImmediateRetries pace dial attempts: the first
	// ImmediateRetries+1 attempts go back to back, after which one attempt
	// is made every ReconnectInterval. Reconnects are timer-driven; daemon
	// events do not trigger them.
	ReconnectInterval time.Duration `yaml:"reconnect_interval" mapstructure:"reconnect_interval"`
	ImmediateRetries  int           `yaml:"immediate_retries" mapstructure:"immediate_retries"`

	// ConnectedQueryTimeout bounds "is daemon connected" queries (spec: 3s).
	ConnectedQueryTimeout time.Duration `yaml:"connected_query_timeout" mapstructure:"connected_query_timeout"`
}

// ObservabilityConfig holds metrics, introspection, and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr" mapstructure:"metrics_addr"`

	// IntrospectionAddr is the read-only debug HTTP bind address.
	// Default: 127.0.0.1:9092.
	IntrospectionAddr string `yaml:"introspection_addr" mapstructure:"introspection_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	// Default: info.
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`

	// LogFormat controls the log output format (json, console).
	// Default: json.
	LogFormat string `yaml:"log_format" mapstructure:"log_format"`
}

const (
	// DefaultDBPath mirrors the storage package constant for use in config
	// defaults — the device-protected-directory analogue used by C3.
	DefaultDBPath = "/data/system/ioverseer/ioverseer.db"
	// DefaultOperatorSocket is the operator CLI's default rendezvous path.
	DefaultOperatorSocket = "/run/ioverseer/operator.sock"
	// DefaultDaemonSocket is the native daemon's default rendezvous path.
	DefaultDaemonSocket = "/run/ioverseer/daemon.sock"
)

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		HealthCheck: HealthCheckConfig{
			CriticalDeadline: 3 * time.Second,
			ModerateDeadline: 5 * time.Second,
			NormalDeadline:   10 * time.Second,
		},
		Accounting: AccountingConfig{
			RetentionDays:              30,
			RecurringOveruseMinCount:   2,
			RecurringOveruseWindowDays: 3,
		},
		Storage: StorageConfig{
			DBPath: DefaultDBPath,
		},
		DaemonLink: DaemonLinkConfig{
			SocketPath:            DefaultDaemonSocket,
			ReconnectInterval:     500 * time.Millisecond,
			ImmediateRetries:      3,
			ConnectedQueryTimeout: 3 * time.Second,
		},
		Observability: ObservabilityConfig{
			MetricsAddr:       "127.0.0.1:9091",
			IntrospectionAddr: "127.0.0.1:9092",
			LogLevel:          "info",
			LogFormat:         "json",
		},
		Operator: OperatorConfig{
			Enabled:    true,
			SocketPath: DefaultOperatorSocket,
		},
	}
}

// Load reads and validates a config file from the given path, layering
// file values over defaults and letting IOVERSEER_-prefixed environment
// variables (e.g. IOVERSEER_ACCOUNTING_RETENTION_DAYS) override either.
// Returns an error if the file cannot be read, parsed, or validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	setViperDefaults(v, Defaults())

	v.SetEnvPrefix("ioverseer")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// setViperDefaults seeds v with every field of defaults so values absent
// from both the config file and the environment still resolve correctly.
func setViperDefaults(v *viper.Viper, defaults Config) {
	v.SetDefault("schema_version", defaults.SchemaVersion)
	v.SetDefault("node_id", defaults.NodeID)

	v.SetDefault("health_check.critical_deadline", defaults.HealthCheck.CriticalDeadline)
	v.SetDefault("health_check.moderate_deadline", defaults.HealthCheck.ModerateDeadline)
	v.SetDefault("health_check.normal_deadline", defaults.HealthCheck.NormalDeadline)

	v.SetDefault("accounting.retention_days", defaults.Accounting.RetentionDays)
	v.SetDefault("accounting.recurring_overuse_min_count", defaults.Accounting.RecurringOveruseMinCount)
	v.SetDefault("accounting.recurring_overuse_window_days", defaults.Accounting.RecurringOveruseWindowDays)

	v.SetDefault("storage.db_path", defaults.Storage.DBPath)

	v.SetDefault("daemon_link.socket_path", defaults.DaemonLink.SocketPath)
	v.SetDefault("daemon_link.reconnect_interval", defaults.DaemonLink.ReconnectInterval)
	v.SetDefault("daemon_link.immediate_retries", defaults.DaemonLink.ImmediateRetries)
	v.SetDefault("daemon_link.connected_query_timeout", defaults.DaemonLink.ConnectedQueryTimeout)

	v.SetDefault("observability.metrics_addr", defaults.Observability.MetricsAddr)
	v.SetDefault("observability.introspection_addr", defaults.Observability.IntrospectionAddr)
	v.SetDefault("observability.log_level", defaults.Observability.LogLevel)
	v.SetDefault("observability.log_format", defaults.Observability.LogFormat)

	v.SetDefault("operator.socket_path", defaults.Operator.SocketPath)
	v.SetDefault("operator.enabled", defaults.Operator.Enabled)
}

// Reload re-reads and re-validates the config file for SIGHUP hot-reload.
// Deliberately bypasses viper/env-var layering: a running daemon's env
// was fixed at process start, so hot-reload only ever needs to react to
// the file on disk changing underneath it.
func Reload(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Reload: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Reload: parse %q: %w", path, err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Reload: validation failed: %w", err)
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
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}
	if cfg.HealthCheck.CriticalDeadline <= 0 {
		errs = append(errs, "health_check.critical_deadline must be > 0")
	}
	if cfg.HealthCheck.ModerateDeadline <= 0 {
		errs = append(errs, "health_check.moderate_deadline must be > 0")
	}
	if cfg.HealthCheck.NormalDeadline <= 0 {
		errs = append(errs, "health_check.normal_deadline must be > 0")
	}
	if cfg.Accounting.RetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("accounting.retention_days must be >= 1, got %d", cfg.Accounting.RetentionDays))
	}
	if cfg.Accounting.RecurringOveruseMinCount < 1 {
		errs = append(errs, "accounting.recurring_overuse_min_count must be >= 1")
	}
	if cfg.Accounting.RecurringOveruseWindowDays < 1 {
		errs = append(errs, "accounting.recurring_overuse_window_days must be >= 1")
	}
	if cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.db_path must not be empty")
	} else if !filepath.IsAbs(cfg.Storage.DBPath) {
		errs = append(errs, fmt.Sprintf("storage.db_path must be absolute, got %q", cfg.Storage.DBPath))
	}
	if cfg.DaemonLink.SocketPath == "" {
		errs = append(errs, "daemon_link.socket_path must not be empty")
	}
	if cfg.DaemonLink.ReconnectInterval <= 0 {
		errs = append(errs, "daemon_link.reconnect_interval must be > 0")
	}
	if cfg.DaemonLink.ImmediateRetries < 0 {
		errs = append(errs, "daemon_link.immediate_retries must be >= 0")
	}
	if cfg.DaemonLink.ConnectedQueryTimeout <= 0 {
		errs = append(errs, "daemon_link.connected_query_timeout must be > 0")
	}
	if cfg.Operator.Enabled && cfg.Operator.SocketPath == "" {
		errs = append(errs, "operator.socket_path must not be empty when operator.enabled is true")
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
