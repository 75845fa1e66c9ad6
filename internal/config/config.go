// Package config handles loading and validating Ngome configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/ngome/internal/sandbox"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Ngome.
type Config struct {
	Workspace     string               `json:"workspace,omitempty" yaml:"workspace,omitempty"` // Workspace root. Default: ~/.ngome/workspace. Override: NGOME_WORKSPACE env var.
	Logging       LoggingConfig        `json:"logging" yaml:"logging"`
	Policy        *PolicyConfig        `json:"policy,omitempty" yaml:"policy,omitempty"`               // nil = default policy (enabled, sandboxed)
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite default (derived from workspace)
	Audit         *AuditConfig         `json:"audit,omitempty" yaml:"audit,omitempty"`                 // nil = JSONL trail enabled (derived from workspace)
	Server        *ServerConfig        `json:"server,omitempty" yaml:"server,omitempty"`               // nil = HTTP API on :8080
	Retention     *RetentionConfig     `json:"retention,omitempty" yaml:"retention,omitempty"`         // nil = retention sweeps disabled
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`   // "debug", "info", "warn", "error". Default: "info".
	Format string `json:"format" yaml:"format"` // "json" (default) or "text".
}

// LogLevel returns the configured level, defaulting to "info".
func (l LoggingConfig) LogLevel() string {
	if l.Level != "" {
		return strings.ToLower(l.Level)
	}
	return "info"
}

// LogFormat returns the configured format, defaulting to "json".
func (l LoggingConfig) LogFormat() string {
	if l.Format != "" {
		return strings.ToLower(l.Format)
	}
	return "json"
}

// PolicyConfig is the guest execution policy section. Every field is
// optional: omitted fields keep the default policy's values, so a
// partial section like `policy: {timeout_seconds: 5}` still runs
// enabled and sandboxed. The booleans are pointers because an omitted
// flag and an explicit false mean different things here.
type PolicyConfig struct {
	EnableExecution       *bool    `json:"enable_execution,omitempty" yaml:"enable_execution,omitempty"`
	Sandboxed             *bool    `json:"sandboxed,omitempty" yaml:"sandboxed,omitempty"`
	TimeoutSeconds        int      `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	MaxMemoryMB           int      `json:"max_memory_mb,omitempty" yaml:"max_memory_mb,omitempty"`
	AllowedImports        []string `json:"allowed_imports,omitempty" yaml:"allowed_imports,omitempty"`
	BlockedImports        []string `json:"blocked_imports,omitempty" yaml:"blocked_imports,omitempty"`
	AllowedFileOperations []string `json:"allowed_file_operations,omitempty" yaml:"allowed_file_operations,omitempty"`
	RestrictedPaths       []string `json:"restricted_paths,omitempty" yaml:"restricted_paths,omitempty"`
	BlockedAttributes     []string `json:"blocked_attributes,omitempty" yaml:"blocked_attributes,omitempty"`
}

// SandboxPolicy merges the section over the default policy.
func (p *PolicyConfig) SandboxPolicy() *sandbox.Policy {
	base := sandbox.DefaultPolicy()
	if p == nil {
		return base
	}
	if p.EnableExecution != nil {
		base.Enabled = *p.EnableExecution
	}
	if p.Sandboxed != nil {
		base.Sandboxed = *p.Sandboxed
	}
	if p.TimeoutSeconds > 0 {
		base.TimeoutSeconds = p.TimeoutSeconds
	}
	if p.MaxMemoryMB > 0 {
		base.MaxMemoryMB = p.MaxMemoryMB
	}
	if p.AllowedImports != nil {
		base.AllowedImports = p.AllowedImports
	}
	if p.BlockedImports != nil {
		base.BlockedImports = p.BlockedImports
	}
	if p.AllowedFileOperations != nil {
		base.AllowedFileOps = p.AllowedFileOperations
	}
	if p.RestrictedPaths != nil {
		base.RestrictedPaths = p.RestrictedPaths
	}
	if p.BlockedAttributes != nil {
		base.BlockedAttributes = p.BlockedAttributes
	}
	return base
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the workspace.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from workspace.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "WAL" (default), "DELETE", "TRUNCATE", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: NGOME_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// ConnMaxLifetime returns the connection lifetime with a default of 30m.
func (p *PostgresStorageConfig) ConnMaxLifetime() time.Duration {
	if p != nil && p.ConnMaxLifetimeS > 0 {
		return time.Duration(p.ConnMaxLifetimeS) * time.Second
	}
	return 30 * time.Minute
}

// AuditConfig configures the append-only audit trail.
// Unlike most optional sections, audit defaults to ON: a nil section
// writes JSONL records under the workspace audit directory.
type AuditConfig struct {
	Enabled *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"` // Default: derived from workspace.
}

// AuditEnabled reports whether the audit trail is active.
func (a *AuditConfig) AuditEnabled() bool {
	if a == nil || a.Enabled == nil {
		return true
	}
	return *a.Enabled
}

// ServerConfig configures the HTTP API gateway.
type ServerConfig struct {
	ListenAddr          string          `json:"listen_addr" yaml:"listen_addr"`                       // Default: ":8080". Override: NGOME_LISTEN_ADDR env var.
	EnableDocs          bool            `json:"enable_docs" yaml:"enable_docs"`                       // Serve OpenAPI docs.
	MaxRequestSizeBytes int64           `json:"max_request_size_bytes" yaml:"max_request_size_bytes"` // Default: 1 MiB.
	APIKeys             []string        `json:"api_keys,omitempty" yaml:"api_keys,omitempty"`         // Bearer keys. Empty = no auth. Override: NGOME_API_KEY env var (appended).
	RateLimit           RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	Events              bool            `json:"events" yaml:"events"` // Enable the WebSocket event stream.
}

// Addr returns the listen address with a default of ":8080".
func (s *ServerConfig) Addr() string {
	if s != nil && s.ListenAddr != "" {
		return s.ListenAddr
	}
	return ":8080"
}

// MaxRequestSize returns the request body cap with a default of 1 MiB.
func (s *ServerConfig) MaxRequestSize() int64 {
	if s != nil && s.MaxRequestSizeBytes > 0 {
		return s.MaxRequestSizeBytes
	}
	return 1 << 20
}

// Keys returns the configured API keys; empty means authentication is off.
func (s *ServerConfig) Keys() []string {
	if s == nil {
		return nil
	}
	return s.APIKeys
}

// DocsEnabled reports whether OpenAPI docs should be served.
func (s *ServerConfig) DocsEnabled() bool {
	return s != nil && s.EnableDocs
}

// EventsEnabled reports whether the WebSocket event stream is on.
func (s *ServerConfig) EventsEnabled() bool {
	return s != nil && s.Events
}

// Limit returns the rate limit section, zero-valued (unlimited) when nil.
func (s *ServerConfig) Limit() RateLimitConfig {
	if s == nil {
		return RateLimitConfig{}
	}
	return s.RateLimit
}

// RateLimitConfig configures per-client rate limiting for the HTTP API.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = unlimited.
	BurstSize         int `json:"burst_size" yaml:"burst_size"`                   // 0 = RequestsPerMinute.
}

// RetentionConfig configures the nightly history sweep.
// When nil, executions and audit records are kept forever.
type RetentionConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Schedule   string `json:"schedule" yaml:"schedule"`         // Cron expression. Default: "0 3 * * *".
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"` // Default: 30.
}

// RetentionSchedule returns the cron schedule with a default of 03:00 daily.
func (r *RetentionConfig) RetentionSchedule() string {
	if r != nil && r.Schedule != "" {
		return r.Schedule
	}
	return "0 3 * * *"
}

// MaxAge returns the retention window with a default of 30 days.
func (r *RetentionConfig) MaxAge() time.Duration {
	days := 30
	if r != nil && r.MaxAgeDays > 0 {
		days = r.MaxAgeDays
	}
	return time.Duration(days) * 24 * time.Hour
}

// ObservabilityConfig configures metrics, tracing, health checks, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// MetricsPath returns the exposition path with a default of "/metrics".
func (m *MetricsConfig) MetricsPath() string {
	if m != nil && m.Path != "" {
		return m.Path
	}
	return "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "ngome"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// AnomalyConfig configures threshold-based refusal and failure tracking.
type AnomalyConfig struct {
	Enabled              bool    `json:"enabled" yaml:"enabled"`
	RefusalRateThreshold float64 `json:"refusal_rate_threshold" yaml:"refusal_rate_threshold"` // e.g. 0.5 = half of submissions refused
	WindowSeconds        int     `json:"window_seconds" yaml:"window_seconds"`                 // Sliding window. Default: 300
}

// DefaultConfigPath returns the default config file path (~/.ngome/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/ngome.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".ngome", "config.yaml")
}

// Default returns a Config with every section at its default. The
// accessors make the zero value fully usable, so this is just an empty
// struct with the environment overrides applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	return cfg
}

// Load reads a YAML or JSON config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// applyEnv applies NGOME_* environment variable overrides.
func (c *Config) applyEnv() {
	if envWS := os.Getenv("NGOME_WORKSPACE"); envWS != "" {
		c.Workspace = envWS
	}
	if envAddr := os.Getenv("NGOME_LISTEN_ADDR"); envAddr != "" {
		if c.Server == nil {
			c.Server = &ServerConfig{}
		}
		c.Server.ListenAddr = envAddr
	}
	if envKey := os.Getenv("NGOME_API_KEY"); envKey != "" {
		if c.Server == nil {
			c.Server = &ServerConfig{}
		}
		c.Server.APIKeys = append(c.Server.APIKeys, envKey)
	}
	if envDSN := os.Getenv("NGOME_DB_DSN"); envDSN != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = envDSN
	}
	if envLevel := os.Getenv("NGOME_LOG_LEVEL"); envLevel != "" {
		c.Logging.Level = envLevel
	}
	if envFormat := os.Getenv("NGOME_LOG_FORMAT"); envFormat != "" {
		c.Logging.Format = envFormat
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

func (c *Config) validate() error {
	if err := c.Policy.SandboxPolicy().Validate(); err != nil {
		return fmt.Errorf("policy: %w", err)
	}

	switch level := c.Logging.LogLevel(); level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not supported (use debug, info, warn, or error)", level)
	}
	switch format := c.Logging.LogFormat(); format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format %q is not supported (use json or text)", format)
	}

	// Storage driver validation.
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite", "postgres":
			// valid
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if c.StorageDriverName() == "postgres" {
		if c.Storage == nil || c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (or set NGOME_DB_DSN)")
		}
	}

	if c.Server != nil {
		if c.Server.MaxRequestSizeBytes < 0 {
			return fmt.Errorf("server.max_request_size_bytes must not be negative")
		}
		if c.Server.RateLimit.RequestsPerMinute < 0 {
			return fmt.Errorf("server.rate_limit.requests_per_minute must not be negative")
		}
	}

	if c.Retention != nil && c.Retention.Enabled {
		if c.Retention.MaxAgeDays < 0 {
			return fmt.Errorf("retention.max_age_days must not be negative")
		}
	}

	// Tracing needs somewhere to send spans.
	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		if c.Observability.Tracing.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
	}

	return nil
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	return c.Storage.StorageDriver()
}
